package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const wsWriteTimeout = 10 * time.Second

// wsInbound is a client frame.
type wsInbound struct {
	UserID      string       `json:"user_id"`
	Username    string       `json:"username,omitempty"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// wsOutbound is a server frame. Type is "hello", "message" or "typing".
type wsOutbound struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text,omitempty"`
}

// WebSocketChannel serves a JSON chat protocol over WebSocket. Each
// connection is one conversation; replies go back on the same connection.
type WebSocketChannel struct {
	originPatterns []string

	mu      sync.RWMutex
	conns   map[string]*websocket.Conn
	handler func(InboundMessage)
	ctx     context.Context
	cancel  context.CancelFunc
}

var (
	_ Channel      = (*WebSocketChannel)(nil)
	_ http.Handler = (*WebSocketChannel)(nil)
)

// NewWebSocketChannel creates a WebSocket channel. originPatterns are passed
// to the handshake origin check; empty allows same-origin only.
func NewWebSocketChannel(originPatterns ...string) *WebSocketChannel {
	return &WebSocketChannel{
		originPatterns: originPatterns,
		conns:          make(map[string]*websocket.Conn),
	}
}

func (w *WebSocketChannel) Start(ctx context.Context, handler func(InboundMessage)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
	w.ctx, w.cancel = context.WithCancel(ctx)
	return nil
}

// Stop closes every open connection.
func (w *WebSocketChannel) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	for id, c := range w.conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
		delete(w.conns, id)
	}
	return nil
}

func (w *WebSocketChannel) SendMessage(ctx context.Context, conversationID string, msg OutboundMessage) error {
	return w.write(ctx, conversationID, wsOutbound{Type: "message", Text: msg.Text})
}

func (w *WebSocketChannel) SendTyping(ctx context.Context, conversationID string) error {
	return w.write(ctx, conversationID, wsOutbound{Type: "typing"})
}

func (w *WebSocketChannel) write(ctx context.Context, conversationID string, frame wsOutbound) error {
	w.mu.RLock()
	c, ok := w.conns[conversationID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("websocket conversation %s is not connected", conversationID)
	}

	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c, frame); err != nil {
		return fmt.Errorf("writing websocket frame: %w", err)
	}
	return nil
}

// ServeHTTP upgrades the request and reads frames until the client leaves.
func (w *WebSocketChannel) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.mu.RLock()
	handler, base := w.handler, w.ctx
	w.mu.RUnlock()
	if handler == nil || base == nil || base.Err() != nil {
		http.Error(rw, "websocket channel not started", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(rw, r, &websocket.AcceptOptions{OriginPatterns: w.originPatterns})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	id := uuid.NewString()
	w.mu.Lock()
	w.conns[id] = c
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.conns, id)
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(base)
	defer cancel()
	go func() {
		select {
		case <-r.Context().Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := wsjson.Write(ctx, c, wsOutbound{Type: "hello", ConversationID: id}); err != nil {
		return
	}
	slog.Debug("websocket conversation opened", "conversation_id", id)

	for {
		var in wsInbound
		if err := wsjson.Read(ctx, c, &in); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				slog.Debug("websocket read ended", "conversation_id", id, "error", err)
			}
			return
		}
		msg, ok := mapWebSocketInbound(id, in)
		if !ok {
			continue
		}
		go handler(msg)
	}
}

func mapWebSocketInbound(conversationID string, in wsInbound) (InboundMessage, bool) {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Attachments) == 0 {
		return InboundMessage{}, false
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		userID = conversationID
	}
	return InboundMessage{
		Channel:        "websocket",
		ConversationID: conversationID,
		UserID:         userID,
		Username:       in.Username,
		Text:           text,
		Attachments:    in.Attachments,
	}, true
}
