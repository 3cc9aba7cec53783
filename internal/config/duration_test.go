package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr string
	}{
		{raw: "", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "720h", want: 30 * 24 * time.Hour},
		{raw: "30d", want: 30 * 24 * time.Hour},
		{raw: "0", want: 0},
		{raw: "-5m", wantErr: "negative"},
		{raw: "-2d", wantErr: "negative"},
		{raw: "soon", wantErr: "invalid"},
		{raw: "1.5d", wantErr: "invalid"},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x.y", tt.raw)
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) || !strings.Contains(err.Error(), "x.y") {
				t.Fatalf("ParseDurationField(%q) err = %v, want %q", tt.raw, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestDurationOr(t *testing.T) {
	if d, err := DurationOr("a", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := DurationOr("a", "0s", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("zero = %v, %v", d, err)
	}
	if d, err := DurationOr("a", "2d", time.Minute); err != nil || d != 48*time.Hour {
		t.Fatalf("2d = %v, %v", d, err)
	}
	if _, err := DurationOr("a", "bogus", time.Minute); err == nil {
		t.Fatal("bogus accepted")
	}
}
