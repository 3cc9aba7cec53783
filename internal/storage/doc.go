// Package storage persists supervisor bookkeeping that must survive restarts.
//
// It currently supports:
//   - Audit log appends (operator actions on tasks)
//   - Alert dedup state (crash-loop alerts are not repeated
//     after a supervisor restart)
package storage
