package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/p-n-ai/relay-bot/internal/ai"
	"github.com/p-n-ai/relay-bot/internal/chat"
	"github.com/p-n-ai/relay-bot/internal/platform/metrics"
	"github.com/p-n-ai/relay-bot/internal/quota"
)

const defaultVisionMaxTokens = 300

// Sender delivers replies. *chat.Gateway satisfies it.
type Sender interface {
	Send(ctx context.Context, msg chat.OutboundMessage) error
}

// typingSender is implemented by senders that can show a typing indicator.
type typingSender interface {
	SendTyping(ctx context.Context, channel, conversationID string) error
}

// DispatcherConfig holds dependencies for the dispatcher.
type DispatcherConfig struct {
	Store   *quota.Store
	Text    ai.TextCompleter
	Image   ai.ImageGenerator
	Sender  Sender
	Events  EventLogger      // default NopEventLogger
	Metrics *metrics.Metrics // may be nil

	TextLimit       int // default quota.DefaultTextLimit
	ImageLimit      int // default quota.DefaultImageLimit
	Triggers        Triggers
	Replies         *Replies // default DefaultReplies()
	RefundOnFailure bool
	StripAskTrigger bool // send ask prompts without the trigger

	TextModel       string // empty uses the provider default
	VisionMaxTokens int    // default 300
	ImageModel      string
	ImageSize       string
}

// Dispatcher classifies inbound messages, gates them on the quota store and
// relays admitted ones to the AI capabilities.
type Dispatcher struct {
	store   *quota.Store
	text    ai.TextCompleter
	image   ai.ImageGenerator
	sender  Sender
	events  EventLogger
	metrics *metrics.Metrics

	textLimit       int
	imageLimit      int
	triggers        Triggers
	replies         Replies
	refundOnFailure bool
	stripAskTrigger bool

	textModel       string
	visionMaxTokens int
	imageModel      string
	imageSize       string
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("dispatcher requires a quota store")
	}
	if cfg.Text == nil || cfg.Image == nil {
		return nil, fmt.Errorf("dispatcher requires text and image capabilities")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("dispatcher requires a sender")
	}

	d := &Dispatcher{
		store:           cfg.Store,
		text:            cfg.Text,
		image:           cfg.Image,
		sender:          cfg.Sender,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		textLimit:       cfg.TextLimit,
		imageLimit:      cfg.ImageLimit,
		triggers:        cfg.Triggers,
		refundOnFailure: cfg.RefundOnFailure,
		stripAskTrigger: cfg.StripAskTrigger,
		textModel:       cfg.TextModel,
		visionMaxTokens: cfg.VisionMaxTokens,
		imageModel:      cfg.ImageModel,
		imageSize:       cfg.ImageSize,
	}
	if d.events == nil {
		d.events = NopEventLogger{}
	}
	if d.textLimit <= 0 {
		d.textLimit = quota.DefaultTextLimit
	}
	if d.imageLimit <= 0 {
		d.imageLimit = quota.DefaultImageLimit
	}
	if d.triggers == (Triggers{}) {
		d.triggers = DefaultTriggers
	}
	if cfg.Replies != nil {
		d.replies = *cfg.Replies
	} else {
		d.replies = DefaultReplies()
	}
	if d.visionMaxTokens <= 0 {
		d.visionMaxTokens = defaultVisionMaxTokens
	}
	return d, nil
}

// limit returns the configured limit for c.
func (d *Dispatcher) limit(c quota.Capability) int {
	if c == quota.CapabilityImage {
		return d.imageLimit
	}
	return d.textLimit
}

// invocation is the result of one capability call.
type invocation struct {
	reply string
	err   error
	kind  ai.ErrorKind
}

// Handle runs one inbound message through classification, the quota check
// and, when admitted, the capability call. Replies are sent to the message's
// conversation. It never returns an error; failures are answered and logged.
func (d *Dispatcher) Handle(ctx context.Context, msg chat.InboundMessage) {
	if msg.FromSelf {
		return
	}

	cmd := d.triggers.Classify(msg.Text)
	d.metrics.Message(msg.Channel, cmd.String())
	c, ok := cmd.Capability()
	if !ok {
		return
	}

	log := slog.With(
		"channel", msg.Channel,
		"user_id", msg.UserID,
		"conversation_id", msg.ConversationID,
		"capability", c.String(),
	)

	if cmd == CommandAsk {
		if missing := msg.UnresolvedImages(); missing > 0 {
			log.Warn("image attachments could not be fetched", "missing", missing, "resolved", len(msg.ImageAttachments()))
			if len(msg.ImageAttachments()) == 0 {
				d.reply(ctx, msg, d.replies.ImageUnavailable)
				return
			}
		}
	}

	adm, err := d.admit(ctx, msg.UserID, c)
	if err != nil {
		log.Error("quota check failed", "error", err)
		d.metrics.Admission(c.String(), "error")
		d.reply(ctx, msg, d.replies.Internal)
		return
	}

	event := UsageEvent{
		Channel:        msg.Channel,
		UserID:         msg.UserID,
		ConversationID: msg.ConversationID,
		Capability:     c.String(),
		Count:          adm.Count,
	}

	if !adm.Admitted {
		wait := quota.FormatWait(d.store.TimeUntilReset(msg.UserID, c))
		log.Info("quota exceeded", "count", adm.Count, "wait", wait)
		d.metrics.Admission(c.String(), "denied")
		event.Outcome = OutcomeDenied
		logEvent(ctx, d.events, event)
		d.reply(ctx, msg, d.replies.QuotaExceeded(c, wait))
		return
	}

	d.metrics.Admission(c.String(), "admitted")
	event.Outcome = OutcomeAdmitted
	logEvent(ctx, d.events, event)
	d.typing(ctx, msg)

	var failed bool
	switch cmd {
	case CommandAsk:
		failed = d.handleAsk(ctx, log, msg)
	case CommandMake:
		failed = d.handleMake(ctx, log, msg)
	}

	if failed && d.refundOnFailure {
		if err := d.store.Refund(ctx, msg.UserID, c, adm); err != nil {
			log.Warn("quota refund failed", "error", err)
		}
	}
}

// admit runs the create, refresh and consume steps for one message.
func (d *Dispatcher) admit(ctx context.Context, userID string, c quota.Capability) (quota.Admission, error) {
	if err := d.store.EnsureUser(ctx, userID); err != nil {
		return quota.Admission{}, err
	}
	if err := d.store.RefreshWindows(ctx, userID, d.store.Now()); err != nil {
		return quota.Admission{}, err
	}
	return d.store.TryConsume(ctx, userID, c, d.limit(c))
}

// handleAsk sends one multimodal request per image attachment, or a single
// text request when there are none. The message text is the prompt. It stops
// at the first failure and reports whether one occurred.
func (d *Dispatcher) handleAsk(ctx context.Context, log *slog.Logger, msg chat.InboundMessage) bool {
	prompt := msg.Text
	if d.stripAskTrigger {
		prompt = d.triggers.Prompt(CommandAsk, msg.Text)
	}
	images := msg.ImageAttachments()

	if len(images) == 0 {
		if strings.TrimSpace(prompt) == "" {
			prompt = msg.Text
		}
		res := d.invokeText(ctx, ai.CompletionRequest{
			Model:    d.textModel,
			Messages: []ai.Message{{Role: "user", Content: prompt}},
		})
		return d.finish(ctx, log, msg, quota.CapabilityText, res)
	}

	if strings.TrimSpace(prompt) == "" {
		prompt = d.replies.DefaultVisionPrompt
	}
	for _, img := range images {
		res := d.invokeText(ctx, ai.CompletionRequest{
			Model:     d.textModel,
			MaxTokens: d.visionMaxTokens,
			Messages: []ai.Message{{
				Role:      "user",
				Content:   prompt,
				ImageURLs: []string{img.URL},
			}},
		})
		if d.finish(ctx, log, msg, quota.CapabilityText, res) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleMake(ctx context.Context, log *slog.Logger, msg chat.InboundMessage) bool {
	prompt := d.triggers.Prompt(CommandMake, msg.Text)

	start := time.Now()
	resp, err := d.image.Generate(ctx, ai.ImageRequest{
		Prompt: prompt,
		Model:  d.imageModel,
		Size:   d.imageSize,
		N:      1,
	})
	if err == nil && resp.URL() == "" {
		err = ai.ErrEmptyResponse
	}
	res := d.result(quota.CapabilityImage, start, err)
	if err == nil {
		res.reply = d.replies.ImageResult(resp.URL())
	}
	return d.finish(ctx, log, msg, quota.CapabilityImage, res)
}

func (d *Dispatcher) invokeText(ctx context.Context, req ai.CompletionRequest) invocation {
	start := time.Now()
	resp, err := d.text.Complete(ctx, req)
	content := strings.TrimSpace(resp.Content)
	if err == nil && content == "" {
		err = ai.ErrEmptyResponse
	}
	res := d.result(quota.CapabilityText, start, err)
	if err == nil {
		res.reply = content
	}
	return res
}

// result classifies err and records the call metric.
func (d *Dispatcher) result(c quota.Capability, start time.Time, err error) invocation {
	if err == nil {
		d.metrics.CapabilityCall(c.String(), string(OutcomeSucceeded), "", time.Since(start))
		return invocation{}
	}
	kind := ai.KindOf(err)
	d.metrics.CapabilityCall(c.String(), string(OutcomeFailed), kind.String(), time.Since(start))
	return invocation{err: err, kind: kind}
}

// finish replies with the answer or the apology for its failure kind, records
// the outcome event and reports whether the call failed.
func (d *Dispatcher) finish(ctx context.Context, log *slog.Logger, msg chat.InboundMessage, c quota.Capability, res invocation) bool {
	event := UsageEvent{
		Channel:        msg.Channel,
		UserID:         msg.UserID,
		ConversationID: msg.ConversationID,
		Capability:     c.String(),
	}
	if rec, ok := d.store.Get(msg.UserID); ok {
		event.Count = rec.Count(c)
	}

	if res.err != nil {
		log.Error("capability call failed", "kind", res.kind.String(), "error", res.err)
		event.Outcome = OutcomeFailed
		event.ErrorKind = res.kind.String()
		logEvent(ctx, d.events, event)
		d.reply(ctx, msg, d.replies.Apology(c, res.kind))
		return true
	}

	log.Info("capability call succeeded", "reply_len", len(res.reply))
	event.Outcome = OutcomeSucceeded
	logEvent(ctx, d.events, event)
	d.reply(ctx, msg, res.reply)
	return false
}

func (d *Dispatcher) reply(ctx context.Context, msg chat.InboundMessage, text string) {
	err := d.sender.Send(ctx, chat.OutboundMessage{
		Channel:        msg.Channel,
		ConversationID: msg.ConversationID,
		Text:           text,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("failed to send reply",
			"channel", msg.Channel,
			"conversation_id", msg.ConversationID,
			"error", err,
		)
	}
}

func (d *Dispatcher) typing(ctx context.Context, msg chat.InboundMessage) {
	t, ok := d.sender.(typingSender)
	if !ok {
		return
	}
	if err := t.SendTyping(ctx, msg.Channel, msg.ConversationID); err != nil {
		slog.Debug("typing indicator failed", "channel", msg.Channel, "error", err)
	}
}
