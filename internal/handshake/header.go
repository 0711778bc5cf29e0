package handshake

import (
	"errors"
	"strings"
)

// ErrDanglingField is reported when a header field name was seen without a
// value before the end of the header section.
var ErrDanglingField = errors.New("handshake: header field without value")

// Header maps header names, as received on the wire, to their values.
// Names compare case-insensitively; setting a name that differs only in case
// replaces the earlier entry.
type Header map[string]string

// Set stores value under name, replacing any entry with an equal-fold name.
func (h Header) Set(name, value string) {
	for k := range h {
		if k != name && strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h[name] = value
}

// Lookup returns the value stored under name, ignoring case.
func (h Header) Lookup(name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Get returns the value stored under name, or "" when absent.
func (h Header) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// HeaderSink receives header events from a Parser. A field name is always
// followed by its value.
type HeaderSink interface {
	OnHeaderField(name string)
	OnHeaderValue(value string)
}

// Collector is a HeaderSink that commits each (field, value) pair into its
// Header. The last value for a name wins.
type Collector struct {
	Header  Header
	pending string
	waiting bool
}

// NewCollector returns a Collector with an empty header map.
func NewCollector() *Collector {
	return &Collector{Header: make(Header)}
}

// OnHeaderField remembers name until its value arrives.
func (c *Collector) OnHeaderField(name string) {
	c.pending = name
	c.waiting = true
}

// OnHeaderValue commits the pending field with value.
func (c *Collector) OnHeaderValue(value string) {
	if !c.waiting {
		return
	}
	if c.Header == nil {
		c.Header = make(Header)
	}
	c.Header.Set(c.pending, value)
	c.pending = ""
	c.waiting = false
}

// Finish checks the collector is not holding a field without a value.
func (c *Collector) Finish() error {
	if c.waiting {
		return ErrDanglingField
	}
	return nil
}
