package bot

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/relay-bot/internal/ai"
	"github.com/p-n-ai/relay-bot/internal/quota"
)

// Apologies are the user-facing replies for each failure kind.
type Apologies struct {
	Service     string `yaml:"service"`
	Connection  string `yaml:"connection"`
	RateLimited string `yaml:"rate_limited"`
	Auth        string `yaml:"auth"`
	Unknown     string `yaml:"unknown"`
}

// Replies is the catalog of outbound texts. {wait} and {url} are substituted.
type Replies struct {
	TextQuotaExceeded   string    `yaml:"text_quota_exceeded"`
	ImageQuotaExceeded  string    `yaml:"image_quota_exceeded"`
	ImageReady          string    `yaml:"image_ready"`
	DefaultVisionPrompt string    `yaml:"default_vision_prompt"`
	ImageUnavailable    string    `yaml:"image_unavailable"`
	Internal            string    `yaml:"internal"`
	Text                Apologies `yaml:"text"`
	Image               Apologies `yaml:"image"`
}

// DefaultReplies returns the built-in English catalog.
func DefaultReplies() Replies {
	return Replies{
		TextQuotaExceeded:   "Sorry, you've reached the maximum number of requests allowed for today. Please wait {wait} before trying again.",
		ImageQuotaExceeded:  "Sorry, you've reached the maximum number of image requests allowed for today. Please wait {wait} before trying again.",
		ImageReady:          "Here is your generated image: {url}",
		DefaultVisionPrompt: "What's in this image?",
		ImageUnavailable:    "Sorry, I couldn't fetch the attached image. Please try sending it again.",
		Internal:            "Sorry, something went wrong.",
		Text: Apologies{
			Service:     "Sorry, there was an issue with the AI service. Please try again later.",
			Connection:  "Sorry, I couldn't connect to the AI service. Please check your connection and try again.",
			RateLimited: "Sorry, I'm receiving too many requests at once. Please try again in a moment.",
			Auth:        "Sorry, it looks like I've run out of credits. Please check back later or contact support.",
			Unknown:     "Sorry, something went wrong.",
		},
		Image: Apologies{
			Service:     "Sorry, there was an issue with the image generation service. Please try again later.",
			Connection:  "Sorry, I couldn't connect to the image generation service. Please check your connection and try again.",
			RateLimited: "Sorry, I'm receiving too many image requests at once. Please try again in a moment.",
			Auth:        "Sorry, it looks like I've run out of credits. Please check back later or contact support.",
			Unknown:     "Sorry, something went wrong.",
		},
	}
}

// LoadReplies reads a YAML catalog from path. Keys missing from the file keep
// their default text.
func LoadReplies(path string) (Replies, error) {
	r := DefaultReplies()
	data, err := os.ReadFile(path)
	if err != nil {
		return Replies{}, fmt.Errorf("reading replies %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Replies{}, fmt.Errorf("parsing replies %s: %w", path, err)
	}
	if err := r.validate(); err != nil {
		return Replies{}, fmt.Errorf("replies %s: %w", path, err)
	}
	return r, nil
}

func (r Replies) validate() error {
	if !strings.Contains(r.TextQuotaExceeded, "{wait}") || !strings.Contains(r.ImageQuotaExceeded, "{wait}") {
		return fmt.Errorf("quota exceeded replies must contain {wait}")
	}
	if !strings.Contains(r.ImageReady, "{url}") {
		return fmt.Errorf("image_ready must contain {url}")
	}
	return nil
}

// QuotaExceeded renders the denial reply for c.
func (r Replies) QuotaExceeded(c quota.Capability, wait string) string {
	tmpl := r.TextQuotaExceeded
	if c == quota.CapabilityImage {
		tmpl = r.ImageQuotaExceeded
	}
	return strings.ReplaceAll(tmpl, "{wait}", wait)
}

// ImageResult renders the reply carrying a generated image URL.
func (r Replies) ImageResult(url string) string {
	return strings.ReplaceAll(r.ImageReady, "{url}", url)
}

// Apology returns the failure reply for kind on capability c.
func (r Replies) Apology(c quota.Capability, kind ai.ErrorKind) string {
	a := r.Text
	if c == quota.CapabilityImage {
		a = r.Image
	}
	switch kind {
	case ai.KindService:
		return a.Service
	case ai.KindConnection:
		return a.Connection
	case ai.KindRateLimited:
		return a.RateLimited
	case ai.KindAuth:
		return a.Auth
	default:
		return a.Unknown
	}
}
