package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"
)

const dbTimeout = 5 * time.Second

// Outcome is the stage a usage event records.
type Outcome string

const (
	OutcomeAdmitted  Outcome = "admitted"
	OutcomeDenied    Outcome = "denied"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// UsageEvent is one quota decision or capability call result.
type UsageEvent struct {
	ID             string    `json:"id"`
	Channel        string    `json:"channel"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Capability     string    `json:"capability"`
	Outcome        Outcome   `json:"outcome"`
	Count          int       `json:"count"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (e *UsageEvent) fill() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
}

// EventLogger records usage events.
type EventLogger interface {
	LogEvent(ctx context.Context, event UsageEvent) error
}

// NopEventLogger ignores all events.
type NopEventLogger struct{}

func (NopEventLogger) LogEvent(context.Context, UsageEvent) error {
	return nil
}

// MemoryEventLogger stores events in memory for tests.
type MemoryEventLogger struct {
	mu     sync.Mutex
	events []UsageEvent
}

func NewMemoryEventLogger() *MemoryEventLogger {
	return &MemoryEventLogger{}
}

func (l *MemoryEventLogger) LogEvent(_ context.Context, event UsageEvent) error {
	if event.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	event.fill()

	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
	return nil
}

func (l *MemoryEventLogger) Events() []UsageEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]UsageEvent{}, l.events...)
}

// PostgresEventLogger inserts events into the usage_events table.
type PostgresEventLogger struct {
	pool *pgxpool.Pool
}

func NewPostgresEventLogger(pool *pgxpool.Pool) (*PostgresEventLogger, error) {
	if pool == nil {
		return nil, fmt.Errorf("event logger pool is nil")
	}
	return &PostgresEventLogger{pool: pool}, nil
}

// EnsureSchema creates the usage_events table if it does not exist.
func (l *PostgresEventLogger) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_events (
			id              UUID PRIMARY KEY,
			channel         TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			capability      TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			count           INTEGER NOT NULL,
			error_kind      TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating usage_events table: %w", err)
	}
	return nil
}

func (l *PostgresEventLogger) LogEvent(ctx context.Context, event UsageEvent) error {
	if event.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	if event.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	event.fill()

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := l.pool.Exec(ctx,
		`INSERT INTO usage_events (id, channel, user_id, conversation_id, capability, outcome, count, error_kind, created_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID,
		event.Channel,
		event.UserID,
		event.ConversationID,
		event.Capability,
		string(event.Outcome),
		event.Count,
		event.ErrorKind,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// Publisher is the subset of jetstream.JetStream the NATS logger needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// UsageSubjectPrefix prefixes every usage event subject:
// relay.usage.<capability>.<outcome>.
const UsageSubjectPrefix = "relay.usage"

// NATSEventLogger publishes events as JSON to JetStream.
type NATSEventLogger struct {
	js Publisher
}

func NewNATSEventLogger(js Publisher) *NATSEventLogger {
	return &NATSEventLogger{js: js}
}

func (l *NATSEventLogger) LogEvent(ctx context.Context, event UsageEvent) error {
	if event.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	event.fill()
	subject := fmt.Sprintf("%s.%s.%s", UsageSubjectPrefix, event.Capability, event.Outcome)
	return l.publish(ctx, subject, event)
}

func (l *NATSEventLogger) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	if _, err := l.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// MultiEventLogger fans an event out to every logger and joins their errors.
type MultiEventLogger []EventLogger

func (m MultiEventLogger) LogEvent(ctx context.Context, event UsageEvent) error {
	event.fill()
	var errs []error
	for _, l := range m {
		if err := l.LogEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// logEvent records event and only warns on failure; a broken sink never
// blocks replies.
func logEvent(ctx context.Context, l EventLogger, event UsageEvent) {
	if l == nil {
		return
	}
	if err := l.LogEvent(ctx, event); err != nil {
		slog.Warn("usage event not recorded",
			"outcome", event.Outcome,
			"capability", event.Capability,
			"user_id", event.UserID,
			"error", err,
		)
	}
}
