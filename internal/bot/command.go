// Package bot turns inbound chat messages into quota-gated AI calls.
package bot

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/p-n-ai/relay-bot/internal/quota"
)

// Command is the classified intent of a message.
type Command int

const (
	CommandNone Command = iota
	CommandAsk
	CommandMake
)

func (c Command) String() string {
	switch c {
	case CommandAsk:
		return "ask"
	case CommandMake:
		return "make"
	default:
		return "none"
	}
}

// Capability returns the quota capability the command consumes.
func (c Command) Capability() (quota.Capability, bool) {
	switch c {
	case CommandAsk:
		return quota.CapabilityText, true
	case CommandMake:
		return quota.CapabilityImage, true
	default:
		return 0, false
	}
}

// Triggers are the message prefixes that select a command.
type Triggers struct {
	Ask  string
	Make string
}

// DefaultTriggers are "!ask" and "!make".
var DefaultTriggers = Triggers{Ask: "!ask", Make: "!make"}

// Classify returns the command selected by text's prefix. Text is NFKC
// normalized first so full-width forms such as "！ａｓｋ" match. Leading
// whitespace is not skipped.
func (t Triggers) Classify(text string) Command {
	s := normalize(text)
	switch {
	case t.Ask != "" && strings.HasPrefix(s, t.Ask):
		return CommandAsk
	case t.Make != "" && strings.HasPrefix(s, t.Make):
		return CommandMake
	default:
		return CommandNone
	}
}

// Prompt returns text with the command's trigger removed and surrounding
// whitespace trimmed.
func (t Triggers) Prompt(c Command, text string) string {
	s := normalize(text)
	var trigger string
	switch c {
	case CommandAsk:
		trigger = t.Ask
	case CommandMake:
		trigger = t.Make
	}
	if trigger == "" || !strings.HasPrefix(s, trigger) {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(trigger):])
}

// Classify classifies text against DefaultTriggers.
func Classify(text string) Command {
	return DefaultTriggers.Classify(text)
}

func normalize(text string) string {
	return norm.NFKC.String(text)
}
