// Package isotime reads ISO-8601 timestamps as other tools write them: with
// or without a zone offset, with or without fractional seconds.
package isotime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Layouts tried in order. A timestamp without an offset is local time.
var zoned = []string{time.RFC3339Nano, "2006-01-02 15:04:05Z07:00"}
var naive = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"}

// Parse accepts RFC 3339 and the naive forms produced by e.g. Python's
// datetime.isoformat(). Fractional seconds of any precision are allowed.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range zoned {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naive {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("isotime: cannot parse %q", s)
}

// Time decodes leniently and encodes as RFC 3339. JSON null and "" decode to
// the zero time.
type Time struct {
	time.Time
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Time) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		t.Time = time.Time{}
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	t.Time = v
	return nil
}

// Ptr returns nil for the zero time.
func (t *Time) Ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// From wraps p; nil stays nil.
func From(p *time.Time) *Time {
	if p == nil {
		return nil
	}
	return &Time{Time: *p}
}
