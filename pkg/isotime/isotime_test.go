package isotime

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-10-17T10:00:00Z", time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)},
		{"2026-10-17T10:00:00.5+02:00", time.Date(2026, 10, 17, 8, 0, 0, 5e8, time.UTC)},
		{"2026-10-17T10:00:00.123456", time.Date(2026, 10, 17, 10, 0, 0, 123456000, time.Local)},
		{"2026-10-17T10:00:00", time.Date(2026, 10, 17, 10, 0, 0, 0, time.Local)},
		{"2026-10-17 10:00:00.25", time.Date(2026, 10, 17, 10, 0, 0, 25e7, time.Local)},
		{" 2026-10-17 ", time.Date(2026, 10, 17, 0, 0, 0, 0, time.Local)},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"", "yesterday", "17/10/2026 10:00"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("Parse(%q) succeeded", bad)
		}
	}
}

func TestTimeJSON(t *testing.T) {
	var v struct {
		A Time  `json:"a"`
		B *Time `json:"b"`
		C Time  `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"2026-10-17T10:00:00.123456","b":null,"c":""}`), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.A.Hour() != 10 || v.A.Location() != time.Local {
		t.Fatalf("a = %v", v.A.Time)
	}
	if v.B.Ptr() != nil || !v.C.IsZero() {
		t.Fatalf("b = %v, c = %v", v.B, v.C)
	}
	if err := json.Unmarshal([]byte(`{"a":12}`), &v); err == nil {
		t.Fatal("number accepted as timestamp")
	}

	b, err := json.Marshal(Time{Time: time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)})
	if err != nil || string(b) != `"2026-10-17T10:00:00Z"` {
		t.Fatalf("Marshal = %s, %v", b, err)
	}
	if b, _ := json.Marshal(Time{}); string(b) != "null" {
		t.Fatalf("zero Marshal = %s", b)
	}
}
