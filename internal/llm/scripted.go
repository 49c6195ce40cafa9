package llm

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

// Script is one canned reply of the scripted backend.
type Script struct {
	// Error to return instead of Reply.
	Error error

	// Pattern is matched against the user text (regex). Empty matches anything.
	Pattern string

	// Reply returned when Pattern matches. Paragraphs become stream fragments.
	Reply string

	// Delay before replying.
	Delay time.Duration

	// Repeatable scripts are not consumed by a match.
	Repeatable bool
}

// Call records one request made to the scripted backend.
type Call struct {
	Timestamp time.Time
	UserKey   string
	Text      string
	History   int
}

// Scripted is a backend answering from a list of scripts. It needs no
// network access and is meant for local runs and tests.
type Scripted struct {
	scripts  []Script
	calls    []Call
	fallback string
	mu       sync.Mutex
}

// ScriptedOption configures a Scripted backend.
type ScriptedOption func(*Scripted)

// WithScripts adds scripts, tried in order.
func WithScripts(scripts ...Script) ScriptedOption {
	return func(s *Scripted) {
		s.scripts = append(s.scripts, scripts...)
	}
}

// WithFallbackReply sets the reply used when no script matches.
func WithFallbackReply(reply string) ScriptedOption {
	return func(s *Scripted) {
		if reply != "" {
			s.fallback = reply
		}
	}
}

// NewScripted creates a scripted backend. Without scripts it echoes the
// user text.
func NewScripted(opts ...ScriptedOption) *Scripted {
	s := &Scripted{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open starts a conversation handle for userKey.
func (s *Scripted) Open(_ context.Context, userKey string) (conversation.Handle, error) {
	return &scriptedHandle{backend: s, userKey: userKey}, nil
}

// Calls returns every recorded request.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := make([]Call, len(s.calls))
	copy(calls, s.calls)
	return calls
}

func (s *Scripted) reply(ctx context.Context, userKey, text string, history int) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Timestamp: time.Now(), UserKey: userKey, Text: text, History: history})
	script, ok := s.match(text)
	s.mu.Unlock()

	if !ok {
		if s.fallback != "" {
			return s.fallback, nil
		}
		return "You said: " + text, nil
	}

	if script.Delay > 0 {
		timer := time.NewTimer(script.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if script.Error != nil {
		return "", script.Error
	}
	return script.Reply, nil
}

// match finds the first script for text. Callers hold s.mu.
func (s *Scripted) match(text string) (Script, bool) {
	for i, script := range s.scripts {
		if script.Pattern != "" {
			matched, err := regexp.MatchString(script.Pattern, text)
			if err != nil || !matched {
				continue
			}
		}
		if !script.Repeatable {
			s.scripts = append(s.scripts[:i:i], s.scripts[i+1:]...)
		}
		return script, true
	}
	return Script{}, false
}

type scriptedHandle struct {
	backend *Scripted
	userKey string
	handleState
}

func (h *scriptedHandle) Generate(ctx context.Context, text string, history []conversation.Turn) (string, error) {
	if err := h.check(); err != nil {
		return "", err
	}
	reply, err := h.backend.reply(ctx, h.userKey, text, len(history))
	if err != nil {
		return "", fmt.Errorf("scripted reply: %w", err)
	}
	return reply, nil
}

func (h *scriptedHandle) Stream(ctx context.Context, text string, history []conversation.Turn) iter.Seq2[string, error] {
	if err := h.check(); err != nil {
		return failedStream(err)
	}
	return func(yield func(string, error) bool) {
		reply, err := h.backend.reply(ctx, h.userKey, text, len(history))
		if err != nil {
			yield("", fmt.Errorf("scripted reply: %w", err))
			return
		}
		for paragraph := range strings.SplitSeq(reply, "\n\n") {
			if !yield(paragraph, nil) {
				return
			}
		}
	}
}
