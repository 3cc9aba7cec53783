// Package logx configures mcrenew's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured (the per-task log the control API tails)
//   - Optional alert sink (min-level + rate limiting)
//
// Every process builds its own Service with explicit sinks. Nothing in this
// package mutates shared logging state after construction besides the
// zerolog field names.
package logx
