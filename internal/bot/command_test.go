package bot_test

import (
	"testing"

	"github.com/p-n-ai/relay-bot/internal/bot"
	"github.com/p-n-ai/relay-bot/internal/quota"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want bot.Command
	}{
		{"!ask what is go?", bot.CommandAsk},
		{"!ask", bot.CommandAsk},
		{"!askwhat", bot.CommandAsk},
		{"   !ask padded", bot.CommandNone},
		{"\t!make tabbed", bot.CommandNone},
		{"!make a red fox", bot.CommandMake},
		{"!make", bot.CommandMake},
		{"！ａｓｋ full width", bot.CommandAsk},
		{"hello !ask", bot.CommandNone},
		{"!ASK upper", bot.CommandNone},
		{"", bot.CommandNone},
		{"/ask", bot.CommandNone},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := bot.Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestTriggers_Custom(t *testing.T) {
	tr := bot.Triggers{Ask: "?q", Make: "?img"}
	if got := tr.Classify("?q hi"); got != bot.CommandAsk {
		t.Errorf("Classify(?q) = %v", got)
	}
	if got := tr.Classify("?img cat"); got != bot.CommandMake {
		t.Errorf("Classify(?img) = %v", got)
	}
	if got := tr.Classify("!ask hi"); got != bot.CommandNone {
		t.Errorf("default trigger should not match custom set, got %v", got)
	}
}

func TestTriggers_Prompt(t *testing.T) {
	tests := []struct {
		name string
		cmd  bot.Command
		text string
		want string
	}{
		{"ask strips trigger", bot.CommandAsk, "!ask  what is go? ", "what is go?"},
		{"make strips trigger", bot.CommandMake, "!make a red fox", "a red fox"},
		{"bare trigger", bot.CommandMake, "!make", ""},
		{"leading space is not a trigger", bot.CommandAsk, "  !ask hi", "!ask hi"},
		{"no trigger", bot.CommandAsk, "plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bot.DefaultTriggers.Prompt(tt.cmd, tt.text); got != tt.want {
				t.Errorf("Prompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommand_Capability(t *testing.T) {
	if c, ok := bot.CommandAsk.Capability(); !ok || c != quota.CapabilityText {
		t.Errorf("ask capability = %v, %v", c, ok)
	}
	if c, ok := bot.CommandMake.Capability(); !ok || c != quota.CapabilityImage {
		t.Errorf("make capability = %v, %v", c, ok)
	}
	if _, ok := bot.CommandNone.Capability(); ok {
		t.Error("none should have no capability")
	}
}

func TestCommand_String(t *testing.T) {
	for cmd, want := range map[bot.Command]string{
		bot.CommandNone: "none",
		bot.CommandAsk:  "ask",
		bot.CommandMake: "make",
	} {
		if got := cmd.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", cmd, got, want)
		}
	}
}
