// Package session persists a task's authentication token set (cookies.json).
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"mcrenew/pkg/atomicfile"
)

// ErrNoSession means no token set has been stored yet.
var ErrNoSession = errors.New("no stored session")

// Canonical same-site values accepted by the browser.
const (
	SameSiteStrict = "Strict"
	SameSiteLax    = "Lax"
	SameSiteNone   = "None"
)

// Cookie is one token record. Field names follow the browser export format.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"` // unix seconds; <= 0 is a session cookie
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// NormalizeSameSite maps any casing of strict/lax/none to the canonical form.
// "no_restriction" (extension exports) becomes None; "unspecified", empty
// and unknown values return "" so the field is dropped.
func NormalizeSameSite(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return SameSiteStrict
	case "lax":
		return SameSiteLax
	case "none", "no_restriction":
		return SameSiteNone
	default:
		return ""
	}
}

// Normalize returns a copy of cookies with canonical same-site values.
// It is idempotent.
func Normalize(cookies []Cookie) []Cookie {
	out := make([]Cookie, len(cookies))
	for i, c := range cookies {
		c.SameSite = NormalizeSameSite(c.SameSite)
		out[i] = c
	}
	return out
}

// Store reads and writes one task's cookies.json.
type Store struct {
	path string
}

func NewStore(path string) *Store { return &Store{path: path} }

func (s *Store) Path() string { return s.path }

// Exists reports whether a non-empty token set is stored. An unreadable or
// corrupt file counts as present so the caller fails on it loudly.
func (s *Store) Exists() bool {
	_, err := s.Load()
	return !errors.Is(err, ErrNoSession)
}

// Load returns the stored cookies. A missing or empty file is ErrNoSession;
// any other read or decode failure is returned wrapped and is fatal to the
// caller.
func (s *Store) Load() ([]Cookie, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, ErrNoSession
	}
	cookies, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", s.path, err)
	}
	if len(cookies) == 0 {
		return nil, ErrNoSession
	}
	return cookies, nil
}

// Save atomically replaces the stored cookies with their normalized form.
func (s *Store) Save(cookies []Cookie) error {
	b, err := Encode(Normalize(cookies))
	if err != nil {
		return err
	}
	if err := atomicfile.Write(s.path, b, 0o600); err != nil {
		return fmt.Errorf("write session %s: %w", s.path, err)
	}
	return nil
}

// Decode parses a cookies.json array.
func Decode(b []byte) ([]Cookie, error) {
	var cookies []Cookie
	if err := json.Unmarshal(b, &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}

func Encode(cookies []Cookie) ([]byte, error) {
	if cookies == nil {
		cookies = []Cookie{}
	}
	b, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
