package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/sashabaranov/go-openai"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

// chatClient is the part of *openai.Client the OpenAI backend uses.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAI opens conversation handles on an OpenAI-compatible chat completion
// endpoint.
type OpenAI struct {
	client chatClient
	cfg    Config
}

// NewOpenAI creates an OpenAI backend. cfg.BaseURL points it at a compatible
// server instead of api.openai.com.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai API key cannot be empty")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newOpenAI(openai.NewClientWithConfig(clientCfg), cfg), nil
}

func newOpenAI(client chatClient, cfg Config) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	return &OpenAI{client: client, cfg: cfg}
}

// Open starts a conversation handle for userKey.
func (o *OpenAI) Open(_ context.Context, _ string) (conversation.Handle, error) {
	return &openAIHandle{backend: o}, nil
}

func (o *OpenAI) request(text string, history []conversation.Turn, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if o.cfg.SystemInstruction != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.cfg.SystemInstruction,
		})
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == conversation.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	return openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		Temperature: float32(o.cfg.Temperature),
		TopP:        float32(o.cfg.TopP),
		MaxTokens:   o.cfg.MaxOutputTokens,
		Stream:      stream,
	}
}

type openAIHandle struct {
	backend *OpenAI
	handleState
}

// Generate returns the first choice of a chat completion.
func (h *openAIHandle) Generate(ctx context.Context, text string, history []conversation.Turn) (string, error) {
	if err := h.check(); err != nil {
		return "", err
	}

	resp, err := h.backend.client.CreateChatCompletion(ctx, h.backend.request(text, history, false))
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai completion: %w", ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream yields content deltas from a streamed chat completion.
func (h *openAIHandle) Stream(ctx context.Context, text string, history []conversation.Turn) iter.Seq2[string, error] {
	if err := h.check(); err != nil {
		return failedStream(err)
	}

	return func(yield func(string, error) bool) {
		stream, err := h.backend.client.CreateChatCompletionStream(ctx, h.backend.request(text, history, true))
		if err != nil {
			yield("", fmt.Errorf("openai stream: %w", err))
			return
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("openai stream: %w", err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}
