package llm

import (
	"context"
	"fmt"
	"iter"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

// contentGenerator is the part of *genai.Models the Gemini backend uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Gemini opens conversation handles on the Gemini API.
type Gemini struct {
	models contentGenerator
	config *genai.GenerateContentConfig
	model  string
}

// NewGemini creates a Gemini backend authenticated with cfg.APIKey.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key cannot be empty")
	}

	clientCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	client, err := genai.NewClient(clientCtx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newGemini(client.Models, cfg), nil
}

func newGemini(models contentGenerator, cfg Config) *Gemini {
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{
		models: models,
		config: generationConfig(cfg),
		model:  model,
	}
}

func generationConfig(cfg Config) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature:    genai.Ptr(float32(cfg.Temperature)),
		TopP:           genai.Ptr(float32(cfg.TopP)),
		SafetySettings: cfg.SafetySettings,
	}
	if config.SafetySettings == nil {
		config.SafetySettings = DefaultSafetySettings()
	}
	if cfg.TopK > 0 {
		config.TopK = genai.Ptr(float32(cfg.TopK))
	}
	if cfg.MaxOutputTokens > 0 && cfg.MaxOutputTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(cfg.MaxOutputTokens)
	}
	if cfg.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	return config
}

// Open starts a conversation handle for userKey.
func (g *Gemini) Open(_ context.Context, _ string) (conversation.Handle, error) {
	return &geminiHandle{backend: g}, nil
}

type geminiHandle struct {
	backend *Gemini
	handleState
}

// Generate sends history plus text and returns the complete reply.
func (h *geminiHandle) Generate(ctx context.Context, text string, history []conversation.Turn) (string, error) {
	if err := h.check(); err != nil {
		return "", err
	}

	resp, err := h.backend.models.GenerateContent(ctx, h.backend.model, buildContents(text, history), h.backend.config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	reply := responseText(resp)
	if reply == "" {
		return "", fmt.Errorf("gemini generate: %w", ErrEmptyResponse)
	}
	return reply, nil
}

// Stream yields reply chunks as Gemini produces them.
func (h *geminiHandle) Stream(ctx context.Context, text string, history []conversation.Turn) iter.Seq2[string, error] {
	if err := h.check(); err != nil {
		return failedStream(err)
	}

	return func(yield func(string, error) bool) {
		for resp, err := range h.backend.models.GenerateContentStream(ctx, h.backend.model, buildContents(text, history), h.backend.config) {
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			if !yield(responseText(resp), nil) {
				return
			}
		}
	}
}

// buildContents renders the history followed by the new user text.
func buildContents(text string, history []conversation.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		role := "user"
		if turn.Role == conversation.RoleModel {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: turn.Text}},
		})
	}
	return append(contents, &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: text}},
	})
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
