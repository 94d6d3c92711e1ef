// Package chat provides a unified interface for messaging channels (Telegram, WebSocket).
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Attachment is a file carried by an inbound message. URL is what the AI
// service will fetch; FileID is the platform reference it was resolved from.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	FileID      string `json:"-"`
}

// IsImage reports whether the attachment is an image. Attachments without a
// content type are assumed to be images.
func (a Attachment) IsImage() bool {
	if a.ContentType == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(a.ContentType), "image/")
}

// InboundMessage is a message received from any channel.
type InboundMessage struct {
	Channel        string
	ConversationID string // where replies go
	UserID         string // author; quotas are keyed on this
	Username       string
	Text           string
	Attachments    []Attachment
	FromSelf       bool // authored by this bot
}

// ImageAttachments returns the image attachments with a resolved URL.
func (m InboundMessage) ImageAttachments() []Attachment {
	var out []Attachment
	for _, a := range m.Attachments {
		if a.URL != "" && a.IsImage() {
			out = append(out, a)
		}
	}
	return out
}

// UnresolvedImages counts image attachments the channel failed to fetch.
func (m InboundMessage) UnresolvedImages() int {
	n := 0
	for _, a := range m.Attachments {
		if a.URL == "" && a.IsImage() {
			n++
		}
	}
	return n
}

// OutboundMessage is a message to send via any channel.
type OutboundMessage struct {
	Channel        string
	ConversationID string
	Text           string
	ParseMode      string // "Markdown", "HTML", or ""
}

// Channel is the interface each messaging platform must implement.
type Channel interface {
	SendMessage(ctx context.Context, conversationID string, msg OutboundMessage) error
	SendTyping(ctx context.Context, conversationID string) error
	Start(ctx context.Context, handler func(InboundMessage)) error
	Stop() error
}

// Gateway routes messages to/from registered channels.
type Gateway struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

// NewGateway creates a new chat gateway.
func NewGateway() *Gateway {
	return &Gateway{
		channels: make(map[string]Channel),
	}
}

// Register adds a channel to the gateway.
func (g *Gateway) Register(name string, ch Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[name] = ch
	slog.Info("chat channel registered", "channel", name)
}

// HasChannel returns true if the named channel is registered.
func (g *Gateway) HasChannel(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.channels[name]
	return ok
}

// Channels returns the registered channel names.
func (g *Gateway) Channels() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.channels))
	for name := range g.channels {
		names = append(names, name)
	}
	return names
}

// Send dispatches a message to the appropriate channel.
func (g *Gateway) Send(ctx context.Context, msg OutboundMessage) error {
	g.mu.RLock()
	ch, ok := g.channels[msg.Channel]
	g.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown channel: %s", msg.Channel)
	}

	return ch.SendMessage(ctx, msg.ConversationID, msg)
}

// SendTyping sends a typing indicator to the conversation on the given channel.
func (g *Gateway) SendTyping(ctx context.Context, channel, conversationID string) error {
	g.mu.RLock()
	ch, ok := g.channels[channel]
	g.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown channel: %s", channel)
	}

	return ch.SendTyping(ctx, conversationID)
}

// StartAll starts all registered channels with the given message handler.
func (g *Gateway) StartAll(ctx context.Context, handler func(InboundMessage)) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for name, ch := range g.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx, handler); err != nil {
			return fmt.Errorf("starting channel %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every registered channel, logging failures.
func (g *Gateway) StopAll() {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for name, ch := range g.channels {
		if err := ch.Stop(); err != nil {
			slog.Warn("stopping channel failed", "channel", name, "error", err)
		}
	}
}

// MockChannel is a test double for Channel.
type MockChannel struct {
	mu           sync.Mutex
	SentMessages []OutboundMessage
	SendErr      error
	Typing       int
	handler      func(InboundMessage)
}

func (m *MockChannel) SendMessage(_ context.Context, _ string, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.SentMessages = append(m.SentMessages, msg)
	return nil
}

func (m *MockChannel) SendTyping(_ context.Context, _ string) error {
	m.mu.Lock()
	m.Typing++
	m.mu.Unlock()
	return nil
}

func (m *MockChannel) Start(_ context.Context, handler func(InboundMessage)) error {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	return nil
}

func (m *MockChannel) Stop() error {
	return nil
}

// Deliver passes msg to the handler registered by Start, synchronously.
func (m *MockChannel) Deliver(msg InboundMessage) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// Sent returns a copy of the messages sent so far.
func (m *MockChannel) Sent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMessage{}, m.SentMessages...)
}
