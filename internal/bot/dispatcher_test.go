package bot_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	openai "github.com/sashabaranov/go-openai"

	"github.com/p-n-ai/relay-bot/internal/ai"
	"github.com/p-n-ai/relay-bot/internal/bot"
	"github.com/p-n-ai/relay-bot/internal/chat"
	"github.com/p-n-ai/relay-bot/internal/platform/metrics"
	"github.com/p-n-ai/relay-bot/internal/quota"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	d        *bot.Dispatcher
	store    *quota.Store
	backend  *quota.MemoryBackend
	provider *ai.MockProvider
	channel  *chat.MockChannel
	events   *bot.MemoryEventLogger
	metrics  *metrics.Metrics
	clock    *clock
}

func newHarness(t *testing.T, mutate func(*bot.DispatcherConfig)) *harness {
	t.Helper()

	h := &harness{
		backend:  quota.NewMemoryBackend(),
		provider: ai.NewMockProvider("Go is a programming language."),
		channel:  &chat.MockChannel{},
		events:   bot.NewMemoryEventLogger(),
		metrics:  metrics.New(prometheus.NewRegistry()),
		clock:    &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
	}

	store, err := quota.Open(context.Background(), h.backend, quota.WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("quota.Open() error = %v", err)
	}
	h.store = store

	gw := chat.NewGateway()
	gw.Register("test", h.channel)

	cfg := bot.DispatcherConfig{
		Store:   store,
		Text:    h.provider,
		Image:   h.provider,
		Sender:  gw,
		Events:  h.events,
		Metrics: h.metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := bot.NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	h.d = d
	return h
}

func (h *harness) handle(t *testing.T, userID, text string, attachments ...chat.Attachment) {
	t.Helper()
	h.d.Handle(t.Context(), chat.InboundMessage{
		Channel:        "test",
		ConversationID: "room-1",
		UserID:         userID,
		Text:           text,
		Attachments:    attachments,
	})
}

func (h *harness) lastReply(t *testing.T) string {
	t.Helper()
	sent := h.channel.Sent()
	if len(sent) == 0 {
		t.Fatal("no reply sent")
	}
	return sent[len(sent)-1].Text
}

func TestNewDispatcher_RequiresDependencies(t *testing.T) {
	store, err := quota.Open(context.Background(), quota.NewMemoryBackend())
	if err != nil {
		t.Fatal(err)
	}
	mock := ai.NewMockProvider("x")
	gw := chat.NewGateway()

	tests := []struct {
		name string
		cfg  bot.DispatcherConfig
	}{
		{"no store", bot.DispatcherConfig{Text: mock, Image: mock, Sender: gw}},
		{"no text", bot.DispatcherConfig{Store: store, Image: mock, Sender: gw}},
		{"no image", bot.DispatcherConfig{Store: store, Text: mock, Sender: gw}},
		{"no sender", bot.DispatcherConfig{Store: store, Text: mock, Image: mock}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := bot.NewDispatcher(tt.cfg); err == nil {
				t.Error("NewDispatcher() should fail")
			}
		})
	}
}

func TestHandle_IgnoresSelfAndPlainMessages(t *testing.T) {
	h := newHarness(t, nil)

	h.d.Handle(t.Context(), chat.InboundMessage{
		Channel: "test", ConversationID: "room-1", UserID: "bot", Text: "!ask hi", FromSelf: true,
	})
	h.handle(t, "alice", "just chatting")
	h.handle(t, "alice", "")

	if n := len(h.channel.Sent()); n != 0 {
		t.Errorf("sent %d replies, want 0", n)
	}
	if text, image := h.provider.Calls(); text != 0 || image != 0 {
		t.Errorf("calls = %d/%d, want none", text, image)
	}
	if saves := h.backend.Saves(); len(saves) != 1 {
		t.Errorf("saves = %d, want only the initial save", len(saves))
	}
	if _, ok := h.store.Get("alice"); ok {
		t.Error("plain messages should not create a record")
	}
	if got := testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues("test", "none")); got != 2 {
		t.Errorf("messages_total{none} = %v, want 2", got)
	}
}

func TestHandle_TextAsk(t *testing.T) {
	h := newHarness(t, func(c *bot.DispatcherConfig) { c.TextModel = "gpt-4o-mini" })

	h.handle(t, "alice", "!ask what is go?")

	if got := h.lastReply(t); got != "Go is a programming language." {
		t.Errorf("reply = %q", got)
	}
	req := h.provider.LastRequest()
	if req == nil {
		t.Fatal("no completion request")
	}
	if req.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "!ask what is go?" || len(req.Messages[0].ImageURLs) != 0 {
		t.Errorf("messages = %+v", req.Messages)
	}

	rec, _ := h.store.Get("alice")
	if rec.TextCount != 1 || rec.ImageCount != 0 {
		t.Errorf("record = %+v", rec)
	}
	if h.channel.Typing != 1 {
		t.Errorf("typing = %d, want 1", h.channel.Typing)
	}

	events := h.events.Events()
	if len(events) != 2 || events[0].Outcome != bot.OutcomeAdmitted || events[1].Outcome != bot.OutcomeSucceeded {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Count != 1 || events[0].Capability != "text" || events[0].UserID != "alice" {
		t.Errorf("admitted event = %+v", events[0])
	}
}

func TestHandle_BareAskSendsWholeMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, "alice", "!ask")

	req := h.provider.LastRequest()
	if req == nil || req.Messages[0].Content != "!ask" {
		t.Errorf("request = %+v", req)
	}
}

func TestHandle_TextQuotaExhausted(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < quota.DefaultTextLimit; i++ {
		h.handle(t, "alice", "!ask question")
	}
	if text, _ := h.provider.Calls(); text != 24 {
		t.Fatalf("completion calls = %d, want 24", text)
	}

	h.clock.Advance(18*time.Hour + 48*time.Minute)
	h.handle(t, "alice", "!ask one more")

	if text, _ := h.provider.Calls(); text != 24 {
		t.Errorf("25th request reached the service (calls = %d)", text)
	}
	reply := h.lastReply(t)
	if !strings.Contains(reply, "maximum number of requests") || !strings.Contains(reply, "5h12m") {
		t.Errorf("denial reply = %q", reply)
	}
	rec, _ := h.store.Get("alice")
	if rec.TextCount != 24 {
		t.Errorf("TextCount = %d, want 24 (denial must not mutate)", rec.TextCount)
	}

	events := h.events.Events()
	last := events[len(events)-1]
	if last.Outcome != bot.OutcomeDenied || last.Count != 24 {
		t.Errorf("last event = %+v", last)
	}
	if got := testutil.ToFloat64(h.metrics.AdmissionsTotal.WithLabelValues("text", "denied")); got != 1 {
		t.Errorf("denied admissions = %v, want 1", got)
	}

	// Other users and capabilities are unaffected.
	h.handle(t, "bob", "!make a red fox")
	if _, image := h.provider.Calls(); image != 1 {
		t.Errorf("image calls = %d, want 1", image)
	}
	if got := h.lastReply(t); got != "Here is your generated image: https://images.example/mock.png" {
		t.Errorf("image reply = %q", got)
	}

	// The window elapses and alice is admitted again.
	h.clock.Advance(5*time.Hour + 13*time.Minute)
	h.handle(t, "alice", "!ask back again")
	if text, _ := h.provider.Calls(); text != 25 {
		t.Errorf("completion calls after reset = %d, want 25", text)
	}
	rec, _ = h.store.Get("alice")
	if rec.TextCount != 1 || !rec.LastTextReset.Equal(h.clock.Now()) {
		t.Errorf("record after reset = %+v", rec)
	}
}

func TestHandle_ImageMake(t *testing.T) {
	h := newHarness(t, func(c *bot.DispatcherConfig) {
		c.ImageModel = "dall-e-2"
		c.ImageSize = "256x256"
	})

	h.handle(t, "alice", "!make   a red fox in snow ")

	if len(h.provider.ImageRequests) != 1 {
		t.Fatalf("image requests = %d", len(h.provider.ImageRequests))
	}
	req := h.provider.ImageRequests[0]
	if req.Prompt != "a red fox in snow" || req.Model != "dall-e-2" || req.Size != "256x256" || req.N != 1 {
		t.Errorf("image request = %+v", req)
	}
	rec, _ := h.store.Get("alice")
	if rec.ImageCount != 1 || rec.TextCount != 0 {
		t.Errorf("record = %+v", rec)
	}
}

func TestHandle_ImageQuotaExhausted(t *testing.T) {
	h := newHarness(t, func(c *bot.DispatcherConfig) { c.ImageLimit = 2 })

	h.handle(t, "alice", "!make a")
	h.handle(t, "alice", "!make b")
	h.handle(t, "alice", "!make c")

	if _, image := h.provider.Calls(); image != 2 {
		t.Errorf("image calls = %d, want 2", image)
	}
	if reply := h.lastReply(t); !strings.Contains(reply, "image requests") || !strings.Contains(reply, "24h0m") {
		t.Errorf("denial reply = %q", reply)
	}
}

func TestHandle_MultimodalAsk(t *testing.T) {
	h := newHarness(t, nil)

	h.handle(t, "alice", "!ask",
		chat.Attachment{URL: "https://img.example/1.png", ContentType: "image/png"},
		chat.Attachment{URL: "https://files.example/notes.pdf", ContentType: "application/pdf"},
		chat.Attachment{URL: "https://img.example/2.jpg", ContentType: "image/jpeg"},
	)

	if len(h.provider.Requests) != 2 {
		t.Fatalf("requests = %d, want one per image", len(h.provider.Requests))
	}
	for i, want := range []string{"https://img.example/1.png", "https://img.example/2.jpg"} {
		req := h.provider.Requests[i]
		msg := req.Messages[0]
		if msg.Content != "!ask" {
			t.Errorf("request %d prompt = %q, want the message text", i, msg.Content)
		}
		if len(msg.ImageURLs) != 1 || msg.ImageURLs[0] != want {
			t.Errorf("request %d images = %v", i, msg.ImageURLs)
		}
		if req.MaxTokens != 300 {
			t.Errorf("request %d max tokens = %d", i, req.MaxTokens)
		}
	}
	if n := len(h.channel.Sent()); n != 2 {
		t.Errorf("replies = %d, want 2", n)
	}
	rec, _ := h.store.Get("alice")
	if rec.TextCount != 1 {
		t.Errorf("TextCount = %d, want 1 per message", rec.TextCount)
	}
}

func TestHandle_MultimodalUsesMessageText(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, "alice", "!ask what breed is this dog?",
		chat.Attachment{URL: "https://img.example/dog.png", ContentType: "image/png"})

	req := h.provider.LastRequest()
	if req == nil || req.Messages[0].Content != "!ask what breed is this dog?" {
		t.Errorf("request = %+v", req)
	}
}

func TestHandle_StripAskTrigger(t *testing.T) {
	image := chat.Attachment{URL: "https://img.example/dog.png", ContentType: "image/png"}
	tests := []struct {
		name        string
		text        string
		attachments []chat.Attachment
		want        string
	}{
		{"text prompt", "!ask what is go?", nil, "what is go?"},
		{"bare ask keeps message", "!ask", nil, "!ask"},
		{"vision prompt", "!ask what breed?", []chat.Attachment{image}, "what breed?"},
		{"bare vision uses default prompt", "!ask", []chat.Attachment{image}, "What's in this image?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *bot.DispatcherConfig) { c.StripAskTrigger = true })
			h.handle(t, "alice", tt.text, tt.attachments...)

			req := h.provider.LastRequest()
			if req == nil {
				t.Fatal("no completion request")
			}
			if got := req.Messages[0].Content; got != tt.want {
				t.Errorf("prompt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandle_UnfetchedImage(t *testing.T) {
	t.Run("only image missing", func(t *testing.T) {
		h := newHarness(t, nil)
		h.handle(t, "alice", "!ask", chat.Attachment{FileID: "f1", ContentType: "image/jpeg"})

		if got := h.lastReply(t); got != bot.DefaultReplies().ImageUnavailable {
			t.Errorf("reply = %q", got)
		}
		if text, _ := h.provider.Calls(); text != 0 {
			t.Errorf("completion calls = %d, want 0", text)
		}
		if rec, ok := h.store.Get("alice"); ok && rec.TextCount != 0 {
			t.Errorf("TextCount = %d, want 0 (no quota spent)", rec.TextCount)
		}
	})

	t.Run("one of two missing", func(t *testing.T) {
		h := newHarness(t, nil)
		h.handle(t, "alice", "!ask",
			chat.Attachment{FileID: "f1", ContentType: "image/jpeg"},
			chat.Attachment{URL: "https://img.example/2.png", ContentType: "image/png"},
		)

		if len(h.provider.Requests) != 1 {
			t.Fatalf("requests = %d, want 1", len(h.provider.Requests))
		}
		if rec, _ := h.store.Get("alice"); rec.TextCount != 1 {
			t.Errorf("TextCount = %d, want 1", rec.TextCount)
		}
	})
}

func TestHandle_FailureKinds(t *testing.T) {
	replies := bot.DefaultReplies()
	tests := []struct {
		name string
		err  error
		kind ai.ErrorKind
	}{
		{"service", &openai.APIError{HTTPStatusCode: 500, Message: "boom"}, ai.KindService},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}, ai.KindRateLimited},
		{"auth", &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}, ai.KindAuth},
		{"out of credits", &openai.APIError{HTTPStatusCode: 429, Type: "insufficient_quota"}, ai.KindAuth},
		{"connection", &net.OpError{Op: "dial", Err: errors.New("refused")}, ai.KindConnection},
		{"unknown", errors.New("weird"), ai.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.provider.Err = tt.err
			h.provider.ImageErr = tt.err

			h.handle(t, "alice", "!ask hi")
			if got, want := h.lastReply(t), replies.Apology(quota.CapabilityText, tt.kind); got != want {
				t.Errorf("text reply = %q, want %q", got, want)
			}

			h.handle(t, "alice", "!make hi")
			if got, want := h.lastReply(t), replies.Apology(quota.CapabilityImage, tt.kind); got != want {
				t.Errorf("image reply = %q, want %q", got, want)
			}

			// Failed calls still count.
			rec, _ := h.store.Get("alice")
			if rec.TextCount != 1 || rec.ImageCount != 1 {
				t.Errorf("record = %+v, want both counts 1", rec)
			}

			events := h.events.Events()
			last := events[len(events)-1]
			if last.Outcome != bot.OutcomeFailed || last.ErrorKind != tt.kind.String() {
				t.Errorf("last event = %+v", last)
			}
			if got := testutil.ToFloat64(h.metrics.CapabilityCallsTotal.WithLabelValues("text", "failed", tt.kind.String())); got != 1 {
				t.Errorf("failed text calls = %v, want 1", got)
			}
		})
	}
}

func TestHandle_EmptyAnswerIsServiceFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Response = "   "
	h.handle(t, "alice", "!ask hi")

	want := bot.DefaultReplies().Apology(quota.CapabilityText, ai.KindService)
	if got := h.lastReply(t); got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

func TestHandle_MultimodalStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Err = &openai.APIError{HTTPStatusCode: 503}

	h.handle(t, "alice", "!ask",
		chat.Attachment{URL: "https://img.example/1.png"},
		chat.Attachment{URL: "https://img.example/2.png"},
	)

	if len(h.provider.Requests) != 1 {
		t.Errorf("requests = %d, want 1", len(h.provider.Requests))
	}
	if n := len(h.channel.Sent()); n != 1 {
		t.Errorf("replies = %d, want a single apology", n)
	}
}

func TestHandle_RefundOnFailure(t *testing.T) {
	h := newHarness(t, func(c *bot.DispatcherConfig) { c.RefundOnFailure = true })
	h.provider.Err = &openai.APIError{HTTPStatusCode: 500}

	h.handle(t, "alice", "!ask hi")
	rec, _ := h.store.Get("alice")
	if rec.TextCount != 0 {
		t.Errorf("TextCount = %d, want 0 after refund", rec.TextCount)
	}

	h.provider.Err = nil
	h.handle(t, "alice", "!ask hi")
	rec, _ = h.store.Get("alice")
	if rec.TextCount != 1 {
		t.Errorf("TextCount = %d, want 1", rec.TextCount)
	}
}

func TestHandle_StoreFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.SaveErr = errors.New("disk full")

	h.handle(t, "alice", "!ask hi")

	if text, _ := h.provider.Calls(); text != 0 {
		t.Errorf("completion calls = %d, want 0", text)
	}
	if got := h.lastReply(t); got != bot.DefaultReplies().Internal {
		t.Errorf("reply = %q", got)
	}
	if got := testutil.ToFloat64(h.metrics.AdmissionsTotal.WithLabelValues("text", "error")); got != 1 {
		t.Errorf("error admissions = %v, want 1", got)
	}
}

func TestHandle_CustomTriggersAndReplies(t *testing.T) {
	replies := bot.DefaultReplies()
	replies.ImageReady = "img: {url}"
	h := newHarness(t, func(c *bot.DispatcherConfig) {
		c.Triggers = bot.Triggers{Ask: "?q", Make: "?img"}
		c.Replies = &replies
	})

	h.handle(t, "alice", "!make ignored")
	if n := len(h.channel.Sent()); n != 0 {
		t.Fatalf("default trigger should be ignored, sent %d", n)
	}
	h.handle(t, "alice", "?img cat")
	if got := h.lastReply(t); got != "img: https://images.example/mock.png" {
		t.Errorf("reply = %q", got)
	}
}

func TestHandle_ConcurrentNeverOverAdmits(t *testing.T) {
	h := newHarness(t, func(c *bot.DispatcherConfig) { c.TextLimit = 5 })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handle(t, "alice", "!ask hi")
		}()
	}
	wg.Wait()

	if text, _ := h.provider.Calls(); text != 5 {
		t.Errorf("completion calls = %d, want 5", text)
	}
	if n := len(h.channel.Sent()); n != 20 {
		t.Errorf("replies = %d, want 20", n)
	}
	rec, _ := h.store.Get("alice")
	if rec.TextCount != 5 {
		t.Errorf("TextCount = %d, want 5", rec.TextCount)
	}
}
