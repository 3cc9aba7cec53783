package renewer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultRetention is how many snapshots a task keeps.
const DefaultRetention = 50

const snapshotLayout = "20060102_150405"

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// WriteSnapshot stores png as <kind>_<timestamp>.png in dir with its mtime
// set to at, and returns the path.
func WriteSnapshot(dir, kind string, at time.Time, png []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := kind + "_" + at.Format(snapshotLayout)
	path := filepath.Join(dir, base+".png")
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.png", base, i))
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	if err := os.Chtimes(path, at, at); err != nil {
		return "", err
	}
	return path, nil
}

// ListSnapshots returns the PNG files in dir, newest first.
// A missing directory is an empty list.
func ListSnapshots(dir string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]SnapshotInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, SnapshotInfo{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// SnapshotKind is the name prefix before the first underscore: renew,
// manual, error.
func SnapshotKind(name string) string {
	kind, _, _ := strings.Cut(name, "_")
	return kind
}

// PruneSnapshots keeps the keep most recent snapshots of each kind (by mtime)
// and deletes the rest, so operator snapshots never push renewal snapshots
// out. It returns how many were removed.
func PruneSnapshots(dir string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	list, err := ListSnapshots(dir)
	if err != nil {
		return 0, err
	}
	seen := map[string]int{}
	removed := 0
	var firstErr error
	for _, s := range list {
		kind := SnapshotKind(s.Name)
		seen[kind]++
		if seen[kind] <= keep {
			continue
		}
		if err := os.Remove(filepath.Join(dir, s.Name)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
