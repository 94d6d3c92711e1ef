package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	telegramMaxMessageLen = 4096
	telegramAPIURL        = "https://api.telegram.org"
	telegramMaxFileBytes  = 20 << 20
)

// BotCommand is a command advertised in the Telegram menu. Messages starting
// with /Command are rewritten to start with Trigger before dispatch.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Trigger     string `json:"-"`
}

// TelegramChannel implements the Channel interface for Telegram Bot API.
type TelegramChannel struct {
	token       string
	baseURL     string
	fileBaseURL string
	client      *http.Client
	commands    []BotCommand
	selfID      int64
	offset      int
	stop        chan struct{}
	stopOnce    sync.Once
}

// TelegramOption configures a TelegramChannel.
type TelegramOption func(*TelegramChannel)

// WithTelegramAPIURL points the adapter at another Bot API server.
func WithTelegramAPIURL(apiURL string) TelegramOption {
	return func(t *TelegramChannel) {
		apiURL = strings.TrimRight(apiURL, "/")
		t.baseURL = apiURL + "/bot" + t.token
		t.fileBaseURL = apiURL + "/file/bot" + t.token
	}
}

// WithTelegramHTTPClient sets the HTTP client used for all Bot API calls.
func WithTelegramHTTPClient(c *http.Client) TelegramOption {
	return func(t *TelegramChannel) {
		t.client = c
	}
}

// WithCommands sets the command menu synced on Start.
func WithCommands(cmds ...BotCommand) TelegramOption {
	return func(t *TelegramChannel) {
		t.commands = cmds
	}
}

// NewTelegramChannel creates a Telegram channel adapter.
func NewTelegramChannel(token string, opts ...TelegramOption) (*TelegramChannel, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required (RELAY_TELEGRAM_BOT_TOKEN)")
	}
	t := &TelegramChannel{
		token: token,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		stop: make(chan struct{}),
	}
	WithTelegramAPIURL(telegramAPIURL)(t)
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *TelegramChannel) SendTyping(ctx context.Context, conversationID string) error {
	params := url.Values{
		"chat_id": {conversationID},
		"action":  {"typing"},
	}
	resp, err := t.postForm(ctx, "/sendChatAction", params)
	if err != nil {
		return fmt.Errorf("sending typing indicator: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

func (t *TelegramChannel) SendMessage(ctx context.Context, conversationID string, msg OutboundMessage) error {
	parts := SplitMessage(msg.Text, telegramMaxMessageLen)

	for _, part := range parts {
		params := url.Values{
			"chat_id": {conversationID},
			"text":    {part},
		}
		if msg.ParseMode != "" {
			params.Set("parse_mode", msg.ParseMode)
		}

		resp, err := t.postForm(ctx, "/sendMessage", params)
		if err != nil {
			return fmt.Errorf("sending Telegram message: %w", err)
		}
		_ = resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			// If Markdown parsing fails, retry without parse mode
			if msg.ParseMode != "" && resp.StatusCode == http.StatusBadRequest {
				slog.Warn("Telegram markdown parse failed, retrying plain")
				params.Del("parse_mode")
				retryResp, retryErr := t.postForm(ctx, "/sendMessage", params)
				if retryErr != nil {
					return fmt.Errorf("sending Telegram message (retry): %w", retryErr)
				}
				_ = retryResp.Body.Close()
				if retryResp.StatusCode != http.StatusOK {
					return fmt.Errorf("telegram API error %d on retry", retryResp.StatusCode)
				}
				continue
			}
			return fmt.Errorf("telegram API error %d", resp.StatusCode)
		}
	}

	return nil
}

// Start identifies the bot, syncs the command menu and begins long polling.
func (t *TelegramChannel) Start(ctx context.Context, handler func(InboundMessage)) error {
	selfID, err := t.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	t.selfID = selfID

	if len(t.commands) > 0 {
		if err := t.syncCommands(ctx); err != nil {
			slog.Warn("Telegram command sync failed", "error", err)
		}
	}

	go t.pollLoop(ctx, handler)
	return nil
}

func (t *TelegramChannel) Stop() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}

func (t *TelegramChannel) pollLoop(ctx context.Context, handler func(InboundMessage)) {
	slog.Info("Telegram long-polling started", "bot_id", t.selfID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		default:
			updates, err := t.getUpdates(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("Telegram getUpdates error", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-t.stop:
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}

			for _, u := range updates {
				t.offset = u.UpdateID + 1
				msg, ok := mapTelegramInbound(u, t.selfID, t.commands)
				if !ok {
					continue
				}
				go func() {
					msg.Attachments = t.resolveAttachments(ctx, msg.Attachments)
					handler(msg)
				}()
			}
		}
	}
}

// resolveAttachments downloads each file into a data URL so the bot token
// never appears in URLs handed to third parties. Failed files are kept with
// an empty URL.
func (t *TelegramChannel) resolveAttachments(ctx context.Context, in []Attachment) []Attachment {
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		if a.URL != "" || a.FileID == "" {
			out = append(out, a)
			continue
		}
		dataURL, err := t.getImageDataURL(ctx, a.FileID, a.ContentType)
		if err != nil {
			slog.Warn("failed to fetch telegram image", "file_id", a.FileID, "error", err)
			out = append(out, a)
			continue
		}
		a.URL = dataURL
		out = append(out, a)
	}
	return out
}

func (t *TelegramChannel) postForm(ctx context.Context, method string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+method, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.client.Do(req)
}

func (t *TelegramChannel) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	params := url.Values{
		"offset":          {strconv.Itoa(t.offset)},
		"timeout":         {"30"},
		"allowed_updates": {`["message"]`},
	}

	var result []tgUpdate
	if err := t.getJSON(ctx, "/getUpdates?"+params.Encode(), &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *TelegramChannel) getMe(ctx context.Context) (int64, error) {
	var me tgUser
	if err := t.getJSON(ctx, "/getMe", &me); err != nil {
		return 0, err
	}
	return me.ID, nil
}

// syncCommands publishes the command menu shown in Telegram clients.
func (t *TelegramChannel) syncCommands(ctx context.Context) error {
	payload, err := json.Marshal(t.commands)
	if err != nil {
		return fmt.Errorf("encode commands: %w", err)
	}
	resp, err := t.postForm(ctx, "/setMyCommands", url.Values{"commands": {string(payload)}})
	if err != nil {
		return fmt.Errorf("setMyCommands: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("setMyCommands error %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// getJSON calls a Bot API method and decodes the "result" field into out.
func (t *TelegramChannel) getJSON(ctx context.Context, method string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+method, nil)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram API returned ok=false: %s", envelope.Description)
	}
	return json.Unmarshal(envelope.Result, out)
}

// Telegram API types (minimal)
type tgUpdate struct {
	UpdateID int        `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	Text           string      `json:"text"`
	Caption        string      `json:"caption"`
	Photo          []tgPhoto   `json:"photo,omitempty"`
	Document       *tgDocument `json:"document,omitempty"`
	Chat           tgChat      `json:"chat"`
	From           tgUser      `json:"from"`
	ReplyToMessage *tgMessage  `json:"reply_to_message,omitempty"`
}

type tgPhoto struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// SplitMessage splits text into chunks that fit Telegram's max message length.
func SplitMessage(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			parts = append(parts, text)
			break
		}
		// Find last newline or space within limit
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > 0 {
			cutAt = idx + 1
		} else if idx := strings.LastIndex(text[:maxLen], " "); idx > 0 {
			cutAt = idx + 1
		}
		parts = append(parts, text[:cutAt])
		text = text[cutAt:]
	}
	return parts
}

func mapTelegramInbound(u tgUpdate, selfID int64, commands []BotCommand) (InboundMessage, bool) {
	if u.Message == nil {
		return InboundMessage{}, false
	}

	text := strings.TrimSpace(u.Message.Text)
	if text == "" {
		text = strings.TrimSpace(u.Message.Caption)
	}
	text = rewriteCommand(text, commands)

	attachments := telegramAttachments(u.Message)
	if len(attachments) == 0 && u.Message.ReplyToMessage != nil {
		attachments = telegramAttachments(u.Message.ReplyToMessage)
	}
	if text == "" && len(attachments) == 0 {
		return InboundMessage{}, false
	}

	return InboundMessage{
		Channel:        "telegram",
		ConversationID: strconv.FormatInt(u.Message.Chat.ID, 10),
		UserID:         strconv.FormatInt(u.Message.From.ID, 10),
		Username:       u.Message.From.Username,
		Text:           text,
		Attachments:    attachments,
		FromSelf:       selfID != 0 && u.Message.From.ID == selfID,
	}, true
}

func telegramAttachments(m *tgMessage) []Attachment {
	var out []Attachment
	if len(m.Photo) > 0 {
		// Telegram sends photos in ascending size order. Keep the largest (last).
		out = append(out, Attachment{FileID: m.Photo[len(m.Photo)-1].FileID, ContentType: "image/jpeg"})
	}
	if d := m.Document; d != nil && strings.HasPrefix(d.MimeType, "image/") {
		out = append(out, Attachment{FileID: d.FileID, ContentType: d.MimeType})
	}
	return out
}

// rewriteCommand maps "/ask@bot rest" onto the configured trigger, "!ask rest".
func rewriteCommand(text string, commands []BotCommand) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	name, _, _ := strings.Cut(head, "@")
	for _, c := range commands {
		if c.Trigger == "" || !strings.EqualFold(name, c.Command) {
			continue
		}
		if rest == "" {
			return c.Trigger
		}
		return c.Trigger + " " + rest
	}
	return text
}

func (t *TelegramChannel) getImageDataURL(ctx context.Context, fileID, contentType string) (string, error) {
	var file struct {
		FilePath string `json:"file_path"`
		FileSize int64  `json:"file_size"`
	}
	if err := t.getJSON(ctx, "/getFile?"+url.Values{"file_id": {fileID}}.Encode(), &file); err != nil {
		return "", fmt.Errorf("telegram getFile: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("telegram getFile returned no path")
	}
	if file.FileSize > telegramMaxFileBytes {
		return "", fmt.Errorf("telegram file too large: %d bytes", file.FileSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.fileBaseURL+"/"+file.FilePath, nil)
	if err != nil {
		return "", fmt.Errorf("create file download request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download telegram file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("telegram file download error %d: %s", resp.StatusCode, string(body))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, telegramMaxFileBytes))
	if err != nil {
		return "", fmt.Errorf("read telegram file: %w", err)
	}
	if len(content) == 0 {
		return "", fmt.Errorf("telegram file is empty")
	}

	mimeType := detectTelegramMIME(file.FilePath)
	if mimeType == "application/octet-stream" && contentType != "" {
		mimeType = contentType
	}
	encoded := base64.StdEncoding.EncodeToString(content)
	return "data:" + mimeType + ";base64," + encoded, nil
}

func detectTelegramMIME(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
