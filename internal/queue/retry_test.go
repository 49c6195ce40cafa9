package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_Do(t *testing.T) {
	errFlaky := errors.New("flaky")

	tests := []struct {
		name         string
		policy       RetryPolicy
		failures     int
		wantCalls    int
		wantErr      bool
		minElapsed   time.Duration
	}{
		{name: "success first try", policy: RetryPolicy{Attempts: 3, Delay: 10 * time.Millisecond}, failures: 0, wantCalls: 1},
		{name: "success after retries", policy: RetryPolicy{Attempts: 3, Delay: 10 * time.Millisecond}, failures: 2, wantCalls: 3, minElapsed: 20 * time.Millisecond},
		{name: "exhausted", policy: RetryPolicy{Attempts: 3, Delay: time.Millisecond}, failures: 10, wantCalls: 3, wantErr: true},
		{name: "zero attempts runs once", policy: RetryPolicy{}, failures: 10, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			start := time.Now()
			err := tt.policy.Do(context.Background(), func(_ context.Context, attempt int) error {
				calls++
				if attempt != calls {
					t.Errorf("attempt = %d, want %d", attempt, calls)
				}
				if calls <= tt.failures {
					return errFlaky
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr != (err != nil) {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, errFlaky) {
				t.Errorf("expected last error to be wrapped, got %v", err)
			}
			if elapsed := time.Since(start); elapsed < tt.minElapsed {
				t.Errorf("elapsed %v, want at least %v", elapsed, tt.minElapsed)
			}
		})
	}
}

func TestRetryPolicy_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{Attempts: 5, Delay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func(context.Context, int) error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error")
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Attempts != 3 || p.Delay != 5*time.Second {
		t.Errorf("DefaultRetryPolicy() = %+v", p)
	}
}
