package config

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration is a positive time.Duration written as a string ("10s", "250ms")
// in JSON and TOML.
type Duration struct {
	d time.Duration
}

// NewDuration returns a Duration holding d.
func NewDuration(d time.Duration) *Duration {
	return &Duration{d: d}
}

// Value returns the wrapped duration.
func (d Duration) Value() time.Duration { return d.d }

func (d Duration) String() string { return d.d.String() }

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration string cannot be empty")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return v, nil
}

// UnmarshalText parses the TOML (and generic text) form.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.d = v
	return nil
}

// MarshalText renders the duration in time.Duration string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.d.String()), nil
}

// UnmarshalJSON requires a JSON string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", string(data))
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalJSON renders the duration as a JSON string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.d.String())
}

// ByteSize is a positive byte count written as a human-readable string
// ("4KiB", "8 kB", "1024") in JSON and TOML.
type ByteSize struct {
	n uint64
}

// NewByteSize returns a ByteSize holding n bytes.
func NewByteSize(n uint64) *ByteSize {
	return &ByteSize{n: n}
}

// Value returns the size in bytes, clamped to the int range.
func (b ByteSize) Value() int {
	if b.n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(b.n)
}

func (b ByteSize) String() string { return humanize.IBytes(b.n) }

// UnmarshalText parses a size such as "4KiB" with go-humanize.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return fmt.Errorf("byte size string cannot be empty")
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if v == 0 {
		return fmt.Errorf("byte size must be positive, got %q", s)
	}
	b.n = v
	return nil
}

// MarshalText renders the size with binary units, e.g. "4.0 KiB".
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(b.n)), nil
}

// UnmarshalJSON accepts either a string ("4KiB") or a plain byte count.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return b.UnmarshalText([]byte(s))
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("byte size should be a string or a non-negative integer, got %s", string(data))
	}
	if n == 0 {
		return fmt.Errorf("byte size must be positive, got %s", string(data))
	}
	b.n = n
	return nil
}

// MarshalJSON renders the size as a JSON string.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(humanize.IBytes(b.n))
}
