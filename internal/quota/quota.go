// Package quota tracks per-user daily usage of the gated AI capabilities and
// persists it through a pluggable backend.
package quota

import (
	"context"
	"errors"
	"time"
)

// Capability is one of the gated remote operations.
type Capability int

const (
	CapabilityText Capability = iota
	CapabilityImage
)

func (c Capability) String() string {
	switch c {
	case CapabilityText:
		return "text"
	case CapabilityImage:
		return "image"
	default:
		return "unknown"
	}
}

// Default limits and window.
const (
	DefaultTextLimit  = 24
	DefaultImageLimit = 12
	DefaultWindow     = 24 * time.Hour
)

var (
	// ErrNoState is returned by Backend.Load when nothing has been persisted yet.
	ErrNoState = errors.New("quota: no persisted state")
	// ErrCorruptState is returned when persisted state cannot be decoded or fails validation.
	ErrCorruptState = errors.New("quota: corrupt persisted state")
	// ErrUnknownCapability is returned for capabilities outside the enum.
	ErrUnknownCapability = errors.New("quota: unknown capability")
)

// Record is the usage state of one user.
type Record struct {
	TextCount      int
	ImageCount     int
	LastTextReset  time.Time
	LastImageReset time.Time
}

func newRecord(now time.Time) Record {
	return Record{LastTextReset: now, LastImageReset: now}
}

// Count returns the counter for c.
func (r Record) Count(c Capability) int {
	if c == CapabilityImage {
		return r.ImageCount
	}
	return r.TextCount
}

// LastReset returns the window start for c.
func (r Record) LastReset(c Capability) time.Time {
	if c == CapabilityImage {
		return r.LastImageReset
	}
	return r.LastTextReset
}

func (r *Record) setCount(c Capability, n int) {
	if c == CapabilityImage {
		r.ImageCount = n
		return
	}
	r.TextCount = n
}

func (r *Record) setLastReset(c Capability, t time.Time) {
	if c == CapabilityImage {
		r.LastImageReset = t
		return
	}
	r.LastTextReset = t
}

// Admission is the result of a TryConsume call.
type Admission struct {
	Admitted bool
	Count    int
	ResetAt  time.Time
}

// Backend persists the full user mapping.
type Backend interface {
	// Load returns the persisted mapping, or ErrNoState if none exists yet.
	Load(ctx context.Context) (map[string]Record, error)
	// Save persists records. changed names the users whose records were mutated;
	// when empty the whole mapping is written.
	Save(ctx context.Context, records map[string]Record, changed ...string) error
}

// HealthChecker is implemented by backends that depend on a remote service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

var capabilities = []Capability{CapabilityText, CapabilityImage}

func validCapability(c Capability) bool {
	return c == CapabilityText || c == CapabilityImage
}

// timestamps are kept at microsecond precision so they survive ISO-8601 round trips.
func stamp(t time.Time) time.Time {
	return t.Round(0).Truncate(time.Microsecond)
}
