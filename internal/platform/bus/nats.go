// Package bus connects to NATS JetStream for usage event publishing.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// UsageStream holds relay.usage.> events for a week.
var UsageStream = jetstream.StreamConfig{
	Name:      "RELAY_USAGE",
	Subjects:  []string{"relay.usage.>"},
	Retention: jetstream.LimitsPolicy,
	MaxAge:    7 * 24 * time.Hour,
}

// Client wraps a NATS connection with JetStream support.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials url and ensures the usage stream exists.
func Connect(ctx context.Context, url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("relay-bot"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, UsageStream); err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating stream %s: %w", UsageStream.Name, err)
	}

	slog.Info("connected to NATS", "url", url, "stream", UsageStream.Name)
	return &Client{conn: nc, js: js}, nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// HealthCheck fails when the connection is down.
func (c *Client) HealthCheck(context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", c.conn.Status())
	}
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("draining NATS connection", "error", err)
	}
}
