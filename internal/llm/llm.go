// Package llm opens live AI conversation handles against the supported
// backends: the Gemini API, OpenAI-compatible chat completion servers, and a
// scripted backend for development.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

// Generation defaults.
const (
	DefaultGeminiModel     = "gemini-1.5-flash"
	DefaultOpenAIModel     = "gpt-4o-mini"
	DefaultTemperature     = 1.0
	DefaultTopP            = 0.95
	DefaultTopK            = 64
	DefaultMaxOutputTokens = 3192

	// DefaultTimeout bounds client construction.
	DefaultTimeout = 30 * time.Second
)

// Provider names accepted by Open.
const (
	ProviderGemini   = "gemini"
	ProviderOpenAI   = "openai"
	ProviderScripted = "scripted"
)

var (
	// ErrHandleClosed is returned by calls on a closed handle.
	ErrHandleClosed = errors.New("handle closed")

	// ErrEmptyResponse indicates the backend answered without any text.
	ErrEmptyResponse = errors.New("empty response")
)

// Config holds backend settings shared by all providers.
type Config struct {
	Provider          string
	APIKey            string
	Model             string
	BaseURL           string
	SystemInstruction string
	Temperature       float64
	TopP              float64
	TopK              int
	MaxOutputTokens   int

	// SafetySettings are sent with every Gemini request. Nil means
	// DefaultSafetySettings.
	SafetySettings []*genai.SafetySetting

	// ScriptedReply is the reply of the scripted provider.
	ScriptedReply string
}

// safetyCategories are the harm categories Gemini filters on.
var safetyCategories = []genai.HarmCategory{
	genai.HarmCategoryHateSpeech,
	genai.HarmCategoryHarassment,
	genai.HarmCategorySexuallyExplicit,
	genai.HarmCategoryDangerousContent,
}

// SafetySettings applies threshold, e.g. "BLOCK_NONE", to every harm
// category. An empty threshold returns nil.
func SafetySettings(threshold string) []*genai.SafetySetting {
	if threshold == "" {
		return nil
	}
	settings := make([]*genai.SafetySetting, 0, len(safetyCategories))
	for _, category := range safetyCategories {
		settings = append(settings, &genai.SafetySetting{
			Category:  category,
			Threshold: genai.HarmBlockThreshold(threshold),
		})
	}
	return settings
}

// DefaultSafetySettings disables blocking for every harm category.
func DefaultSafetySettings() []*genai.SafetySetting {
	return SafetySettings(string(genai.HarmBlockThresholdBlockNone))
}

// DefaultConfig returns the generation settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Provider:        ProviderGemini,
		Temperature:     DefaultTemperature,
		TopP:            DefaultTopP,
		TopK:            DefaultTopK,
		MaxOutputTokens: DefaultMaxOutputTokens,
		SafetySettings:  DefaultSafetySettings(),
	}
}

// NewOpener builds the handle opener for cfg.Provider.
func NewOpener(ctx context.Context, cfg Config) (conversation.HandleOpener, error) {
	switch cfg.Provider {
	case ProviderGemini, "":
		return NewGemini(ctx, cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderScripted:
		return NewScripted(WithFallbackReply(cfg.ScriptedReply)), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

// handleState tracks whether a handle was closed.
type handleState struct {
	closed atomic.Bool
}

func (s *handleState) check() error {
	if s.closed.Load() {
		return ErrHandleClosed
	}
	return nil
}

func (s *handleState) Close() error {
	s.closed.Store(true)
	return nil
}

// failedStream yields err once.
func failedStream(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}
