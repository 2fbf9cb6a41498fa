package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/feedbackloop/insight/internal/log"
	"github.com/feedbackloop/insight/internal/session"
)

func TestRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("googleai: rate limit exceeded"), true},
		{"quota", errors.New("Quota Exceeded for project"), true},
		{"http 429", errors.New("server returned 429"), true},
		{"http 503", errors.New("503 Service Unavailable"), true},
		{"timeout", errors.New("request timeout"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"invalid request", errors.New("invalid request payload"), false},
		{"auth", errors.New("401 unauthorized"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestGenerateWithRetry_NoRetryAfterStreaming(t *testing.T) {
	t.Parallel()

	// Transient error after a token already reached the client: a retry
	// would replay the partial answer, so the call must fail immediately.
	model := &streamThenFail{err: errors.New("503 unavailable")}
	o := newTestOrchestrator(t, model, &fakeRetriever{}, newMemSessions())

	var tokens []string
	_, err := o.generateWithRetry(context.Background(), "sys", nil, "msg",
		func(_ context.Context, token string) error {
			tokens = append(tokens, token)
			return nil
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if model.calls != 1 {
		t.Errorf("model calls = %d, want 1", model.calls)
	}
	if len(tokens) != 1 {
		t.Errorf("tokens = %v", tokens)
	}
}

type streamThenFail struct {
	err   error
	calls int
}

func (s *streamThenFail) Generate(ctx context.Context, _ string, _ []session.Message, _ string, stream StreamCallback) (string, error) {
	s.calls++
	if stream != nil {
		if err := stream(ctx, "partial "); err != nil {
			return "", err
		}
	}
	return "", s.err
}

func TestGenerateWithRetry_ContextCanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	model := &fakeModel{errs: []error{
		errors.New("429 rate limit"),
		errors.New("429 rate limit"),
		errors.New("429 rate limit"),
	}}
	o, err := New(Config{
		Model:    model,
		Engine:   &fakeRetriever{},
		Composer: fakeComposer{},
		Sessions: newMemSessions(),
		Logger:   log.NewNop(),
		RetryConfig: RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Hour,
			MaxInterval:     time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = o.generateWithRetry(ctx, "sys", nil, "msg",
		func(context.Context, string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
