package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcrenew/pkg/atomicfile"
	logx "mcrenew/pkg/logx"
)

// compactEvery is the number of dedup writes between journal compactions.
const compactEvery = 200

// fileStore keeps everything in plain files next to the configured path:
//
//	<prefix>.audit.jsonl  one AuditEntry per line, oldest first
//	<prefix>.dedup.json   dedup snapshot
//	<prefix>.dedup.log    dedup journal since the last snapshot
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	auditPath string
	audit     *os.File

	snapPath string
	journal  *os.File
	dedup    map[string]int64 // key -> until, unix milli
	writes   int
}

type dedupLine struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	prefix := strings.TrimSuffix(path, filepath.Ext(path))
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		auditPath: prefix + ".audit.jsonl",
		snapPath:  prefix + ".dedup.json",
		dedup:     map[string]int64{},
	}
	journalPath := prefix + ".dedup.log"

	if err := readDedupSnapshot(s.snapPath, s.dedup); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup snapshot unreadable, starting empty", logx.Err(err))
	}
	if err := replayDedupJournal(journalPath, s.dedup); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup journal unreadable", logx.Err(err))
	}
	dropExpired(s.dedup, time.Now())

	var err error
	if s.audit, err = os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.audit.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
		s.audit = nil
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.audit).Encode(e)
}

// scanAudit calls fn for every decodable line. Corrupt lines are skipped.
func (s *fileStore) scanAudit(ctx context.Context, fn func(e AuditEntry, raw []byte)) error {
	f, err := os.Open(s.auditPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		fn(e, sc.Bytes())
	}
	return sc.Err()
}

func (s *fileStore) RecentAudit(ctx context.Context, taskID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// The file is append-only, so the newest matches are the last ones seen.
	ring := make([]AuditEntry, 0, limit)
	err := s.scanAudit(ctx, func(e AuditEntry, _ []byte) {
		if taskID != "" && e.TaskID != taskID {
			return
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, e)
	})
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, len(ring))
	for i, e := range ring {
		out[len(ring)-1-i] = e
	}
	return out, nil
}

// PruneAudit rewrites the audit file without entries older than before.
func (s *fileStore) PruneAudit(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return 0, ErrDisabled
	}

	var keep bytes.Buffer
	dropped := 0
	err := s.scanAudit(ctx, func(e AuditEntry, raw []byte) {
		if e.At.Before(before) {
			dropped++
			return
		}
		keep.Write(raw)
		keep.WriteByte('\n')
	})
	if err != nil || dropped == 0 {
		return 0, err
	}
	if err := atomicfile.Write(s.auditPath, keep.Bytes(), 0o600); err != nil {
		return 0, err
	}
	// The old descriptor points at the unlinked inode.
	f, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return dropped, err
	}
	_ = s.audit.Close()
	s.audit = f
	return dropped, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	s.dedup[key] = until.UnixMilli()
	if err := json.NewEncoder(s.journal).Encode(dedupLine{Key: key, Until: until.UnixMilli()}); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok || ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// compactLocked folds the journal into the snapshot and truncates it.
func (s *fileStore) compactLocked() error {
	dropExpired(s.dedup, time.Now())
	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := atomicfile.Write(s.snapPath, b, 0o600); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func readDedupSnapshot(path string, into map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		into[k] = v
	}
	return nil
}

func replayDedupJournal(path string, into map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l dedupLine
		if json.Unmarshal(sc.Bytes(), &l) != nil || l.Key == "" {
			continue
		}
		into[l.Key] = l.Until
	}
	return sc.Err()
}

func dropExpired(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, until := range m {
		if until < cut {
			delete(m, k)
		}
	}
}
