package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

func newOpenAITestServer(t *testing.T, handler func(w http.ResponseWriter, req openai.ChatCompletionRequest)) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler(w, req)
	}))
	t.Cleanup(srv.Close)

	backend, err := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1", SystemInstruction: "be brief"})
	require.NoError(t, err)
	return backend
}

func TestOpenAI_Generate(t *testing.T) {
	var seen openai.ChatCompletionRequest
	backend := newOpenAITestServer(t, func(w http.ResponseWriter, req openai.ChatCompletionRequest) {
		seen = req
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID: "cmpl-1",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "Hi!"},
			}},
		})
	})

	h, err := backend.Open(context.Background(), "42")
	require.NoError(t, err)

	history := []conversation.Turn{
		conversation.NewTurn(conversation.RoleUser, "hello"),
		conversation.NewTurn(conversation.RoleModel, "hey"),
	}
	reply, err := h.Generate(context.Background(), "again", history)
	require.NoError(t, err)
	assert.Equal(t, "Hi!", reply)

	assert.Equal(t, DefaultOpenAIModel, seen.Model)
	require.Len(t, seen.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, seen.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, seen.Messages[2].Role)
	assert.Equal(t, "again", seen.Messages[3].Content)
}

func TestOpenAI_GenerateServerError(t *testing.T) {
	backend := newOpenAITestServer(t, func(w http.ResponseWriter, _ openai.ChatCompletionRequest) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})

	h, _ := backend.Open(context.Background(), "42")
	_, err := h.Generate(context.Background(), "hi", nil)
	require.Error(t, err)

	var apiErr *openai.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestOpenAI_Stream(t *testing.T) {
	backend := newOpenAITestServer(t, func(w http.ResponseWriter, req openai.ChatCompletionRequest) {
		if !req.Stream {
			http.Error(w, "expected stream", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo"} {
			chunk := openai.ChatCompletionStreamResponse{
				ID: "cmpl-1",
				Choices: []openai.ChatCompletionStreamChoice{{
					Delta: openai.ChatCompletionStreamChoiceDelta{Content: delta},
				}},
			}
			data, _ := json.Marshal(chunk)
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	})

	h, _ := backend.Open(context.Background(), "42")

	var got []string
	for fragment, err := range h.Stream(context.Background(), "hi", nil) {
		require.NoError(t, err)
		got = append(got, fragment)
	}
	assert.Equal(t, []string{"Hel", "lo"}, got)
}

func TestNewOpenAI_RequiresKeyOrBaseURL(t *testing.T) {
	_, err := NewOpenAI(Config{})
	require.Error(t, err)

	_, err = NewOpenAI(Config{BaseURL: "http://localhost:11434/v1"})
	require.NoError(t, err)
}
