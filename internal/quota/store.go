package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Store owns all user records. Every mutation is persisted through the backend
// while the store lock is held, so check-then-increment is atomic and writes
// never interleave.
type Store struct {
	mu      sync.Mutex
	records map[string]Record
	backend Backend
	window  time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithWindow sets the reset window (default 24h).
func WithWindow(d time.Duration) Option {
	return func(s *Store) {
		s.window = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open loads persisted state from backend. When nothing has been persisted yet
// an empty mapping is written immediately. Any other load error is returned
// unchanged and should abort startup.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("quota backend is nil")
	}
	s := &Store{
		backend: backend,
		window:  DefaultWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	records, err := backend.Load(ctx)
	switch {
	case errors.Is(err, ErrNoState):
		records = make(map[string]Record)
		if err := backend.Save(ctx, records); err != nil {
			return nil, fmt.Errorf("initializing quota state: %w", err)
		}
		slog.Info("quota state initialized")
	case err != nil:
		return nil, fmt.Errorf("loading quota state: %w", err)
	default:
		slog.Info("quota state loaded", "users", len(records))
	}
	if records == nil {
		records = make(map[string]Record)
	}
	s.records = records
	return s, nil
}

// Window returns the configured reset window.
func (s *Store) Window() time.Duration {
	return s.window
}

// Now returns the current time on the store's clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// EnsureUser creates a record at defaults if userID has none.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(ctx, userID)
}

func (s *Store) ensureLocked(ctx context.Context, userID string) error {
	if _, ok := s.records[userID]; ok {
		return nil
	}
	s.records[userID] = newRecord(stamp(s.now()))
	if err := s.backend.Save(ctx, s.records, userID); err != nil {
		delete(s.records, userID)
		return fmt.Errorf("saving new user %s: %w", userID, err)
	}
	return nil
}

// RefreshWindows resets every capability whose window has elapsed at now.
func (s *Store) RefreshWindows(ctx context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(ctx, userID); err != nil {
		return err
	}

	prev := s.records[userID]
	rec := prev
	now = stamp(now)
	changed := false
	for _, c := range capabilities {
		if now.Sub(rec.LastReset(c)) > s.window {
			rec.setCount(c, 0)
			rec.setLastReset(c, now)
			changed = true
		}
	}
	if !changed {
		return nil
	}

	s.records[userID] = rec
	if err := s.backend.Save(ctx, s.records, userID); err != nil {
		s.records[userID] = prev
		return fmt.Errorf("saving window reset for %s: %w", userID, err)
	}
	slog.Debug("quota windows reset", "user_id", userID)
	return nil
}

// TryConsume admits one use of c when the current count is below limit.
// Denials do not mutate state.
func (s *Store) TryConsume(ctx context.Context, userID string, c Capability, limit int) (Admission, error) {
	if !validCapability(c) {
		return Admission{}, ErrUnknownCapability
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(ctx, userID); err != nil {
		return Admission{}, err
	}

	prev := s.records[userID]
	resetAt := prev.LastReset(c).Add(s.window)
	count := prev.Count(c)
	if count >= limit {
		return Admission{Admitted: false, Count: count, ResetAt: resetAt}, nil
	}

	rec := prev
	rec.setCount(c, count+1)
	s.records[userID] = rec
	if err := s.backend.Save(ctx, s.records, userID); err != nil {
		s.records[userID] = prev
		return Admission{}, fmt.Errorf("saving %s usage for %s: %w", c, userID, err)
	}
	return Admission{Admitted: true, Count: count + 1, ResetAt: resetAt}, nil
}

// Refund returns one use of c consumed by the admission adm. It is a no-op
// at zero, and when the window adm was admitted in has since been reset.
func (s *Store) Refund(ctx context.Context, userID string, c Capability, adm Admission) error {
	if !validCapability(c) {
		return ErrUnknownCapability
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.records[userID]
	if !ok || prev.Count(c) == 0 {
		return nil
	}
	if !prev.LastReset(c).Add(s.window).Equal(adm.ResetAt) {
		slog.Debug("quota refund skipped, window reset since admission", "user_id", userID, "capability", c.String())
		return nil
	}
	rec := prev
	rec.setCount(c, prev.Count(c)-1)
	s.records[userID] = rec
	if err := s.backend.Save(ctx, s.records, userID); err != nil {
		s.records[userID] = prev
		return fmt.Errorf("saving %s refund for %s: %w", c, userID, err)
	}
	return nil
}

// TimeUntilReset returns how long until c's window for userID ends, never negative.
func (s *Store) TimeUntilReset(userID string, c Capability) time.Duration {
	s.mu.Lock()
	rec, ok := s.records[userID]
	s.mu.Unlock()
	if !ok {
		return 0
	}

	d := rec.LastReset(c).Add(s.window).Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// Get returns a copy of userID's record.
func (s *Store) Get(userID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	return rec, ok
}

// Snapshot returns a copy of all records.
func (s *Store) Snapshot() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.records)
}

// HealthCheck pings the backend when it supports it.
func (s *Store) HealthCheck(ctx context.Context) error {
	if hc, ok := s.backend.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// FormatWait renders d as whole hours and remainder minutes, e.g. "5h12m".
func FormatWait(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
