// Package fswatch runs a self-healing fsnotify watch on a directory and
// reports debounced changes to files matching a predicate.
package fswatch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mcrenew/internal/runtime/supervisor"
	logx "mcrenew/pkg/logx"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

type Options struct {
	// Match filters by base name. Nil matches everything in the directory.
	Match func(name string) bool
	// Debounce coalesces bursts of events (editors, tmp+rename writes).
	// Zero means 250ms.
	Debounce time.Duration
	Log      logx.Logger
}

// File returns Options matching a single base name.
func File(path string) Options {
	base := filepath.Base(path)
	return Options{Match: func(name string) bool { return strings.EqualFold(name, base) }}
}

// Watch blocks until ctx is done, calling onChange after each debounced burst
// of matching events. When the watcher breaks it is recreated with a jittered
// exponential backoff.
func Watch(ctx context.Context, dir string, opts Options, onChange func()) error {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	delay := opts.Debounce
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	match := opts.Match
	if match == nil {
		match = func(string) bool { return true }
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(delay, func() {
			if ctx.Err() != nil {
				return
			}
			onChange()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	bo := supervisor.NewBackoff(restartBackoffBase, restartBackoffMax)
	sleep := func() bool {
		t := time.NewTimer(bo.Next())
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("watch init failed", logx.String("dir", dir), logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			log.Warn("watch add failed", logx.String("dir", dir), logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}

		bo.Reset()
		log.Debug("watcher started", logx.String("dir", dir))

		// inner loop: runs until the watcher breaks, then the outer loop recreates it.
		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if !match(filepath.Base(ev.Name)) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events were missed; report a change and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					log.Warn("watch overflow; forcing change", logx.String("dir", dir))
					debounce()
					continue
				}
				log.Warn("watch error", logx.String("dir", dir), logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		log.Warn("watcher stopped; restarting", logx.String("dir", dir))
		if !sleep() {
			return nil
		}
	}
}
