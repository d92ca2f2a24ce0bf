package enrich

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanblong/repocontext/internal/ai"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockCompleter implements Completer for testing
type MockCompleter struct {
	CompleteFunc func(ctx context.Context, prompt string) (string, error)
	calls        atomic.Int32
}

func (m *MockCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	m.calls.Add(1)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt)
	}
	return "context", nil
}

func TestPrompt(t *testing.T) {
	p := Prompt("package a\n\nfunc A() {}\n", "func A() {}")
	expected := "<document>package a\n\nfunc A() {}\n</document>\n" +
		"Here is the chunk we want to situate within the document above.\n" +
		"<chunk>func A() {}</chunk>\n" +
		"Please give a short succinct context to situate this chunk within the\n" +
		"overall document for the purposes of improving search retrieval of the\n" +
		"chunk. Answer only with the succinct context and nothing else."
	assert.Equal(t, expected, p)

	// Placeholders inside the inputs are not expanded.
	p = Prompt("{chunk}", "{document}")
	assert.Contains(t, p, "<document>{chunk}</document>")
	assert.Contains(t, p, "<chunk>{document}</chunk>")
}

func TestEnrich(t *testing.T) {
	var seen string
	m := &MockCompleter{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		seen = prompt
		return "  Defines the walker entry point.\n", nil
	}}
	e := New(m, Options{})

	got, err := e.Enrich(context.Background(), "whole file", "chunk text")
	require.NoError(t, err)
	assert.Equal(t, "Defines the walker entry point.", got)
	assert.Equal(t, Prompt("whole file", "chunk text"), seen)
	assert.EqualValues(t, 1, m.calls.Load())
}

func TestEnrichErrors(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		err    error
		reason Reason
	}{
		{"empty answer", "", nil, ReasonEmpty},
		{"whitespace answer", " \n\t ", nil, ReasonEmpty},
		{"transport failure", "", errors.New("connection reset"), ReasonTransport},
		{"rate limited", "", &ai.APIError{StatusCode: 429}, ReasonRateLimited},
		{"server error", "", &ai.APIError{StatusCode: 500}, ReasonTransport},
		{"deadline", "", context.DeadlineExceeded, ReasonTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &MockCompleter{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
				return tt.answer, tt.err
			}}
			_, err := New(m, Options{}).Enrich(context.Background(), "doc", "chunk")

			var ee *EnrichmentError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.reason, ee.Reason)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.ErrorIs(t, err, ErrEmptyContext)
			}
		})
	}
}

func TestEnrichTimeout(t *testing.T) {
	m := &MockCompleter{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	e := New(m, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := e.Enrich(context.Background(), "doc", "chunk")
	var ee *EnrichmentError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ReasonTimeout, ee.Reason)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEnrichTruncatesLongAnswers(t *testing.T) {
	m := &MockCompleter{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		return strings.Repeat("é", 50), nil
	}}
	got, err := New(m, Options{MaxContextChars: 10}).Enrich(context.Background(), "doc", "chunk")
	require.NoError(t, err)
	assert.Equal(t, 10, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestEnrichRateLimiter(t *testing.T) {
	m := &MockCompleter{}
	e := New(m, Options{RequestsPerSecond: 1, Burst: 1})

	_, err := e.Enrich(context.Background(), "doc", "chunk")
	require.NoError(t, err)

	// The next token is a second away, past the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Enrich(ctx, "doc", "chunk")
	var ee *EnrichmentError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ReasonRateLimited, ee.Reason)
	assert.EqualValues(t, 1, m.calls.Load())
}

func TestEnrichStubClient(t *testing.T) {
	e := New(ai.NewStubClient(8), Options{})
	got, err := e.Enrich(context.Background(), "doc", "# Parses configuration files\nimport os\n")
	require.NoError(t, err)
	assert.Equal(t, "# Parses configuration files", got)
}

func TestRetrying(t *testing.T) {
	tests := []struct {
		name      string
		failures  []error
		retries   uint64
		wantCalls int32
		wantErr   bool
	}{
		{"succeeds first time", nil, 3, 1, false},
		{"recovers from rate limit", []error{&ai.APIError{StatusCode: 429}, &ai.APIError{StatusCode: 503}}, 3, 3, false},
		{"recovers from transport error", []error{errors.New("reset")}, 3, 2, false},
		{"gives up after retries", []error{errors.New("a"), errors.New("b"), errors.New("c")}, 2, 3, true},
		{"client error is permanent", []error{&ai.APIError{StatusCode: 400}}, 3, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &MockCompleter{}
			m.CompleteFunc = func(ctx context.Context, prompt string) (string, error) {
				n := int(m.calls.Load())
				if n <= len(tt.failures) {
					return "", tt.failures[n-1]
				}
				return "ok", nil
			}
			r := NewRetrying(m, tt.retries)
			r.InitialInterval = time.Millisecond
			r.MaxInterval = 2 * time.Millisecond

			got, err := r.Complete(context.Background(), "prompt")
			assert.Equal(t, tt.wantCalls, m.calls.Load())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ok", got)
		})
	}
}

func TestRetryingKeepsEnrichmentContract(t *testing.T) {
	m := &MockCompleter{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		return "", &ai.APIError{StatusCode: 429, Message: "slow down"}
	}}
	r := NewRetrying(m, 1)
	r.InitialInterval = time.Millisecond

	_, err := New(r, Options{}).Enrich(context.Background(), "doc", "chunk")
	var ee *EnrichmentError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ReasonRateLimited, ee.Reason)
	assert.EqualValues(t, 2, m.calls.Load())
}

func TestRetryingStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MockCompleter{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		cancel()
		return "", errors.New("interrupted")
	}}
	r := NewRetrying(m, 5)
	r.InitialInterval = time.Millisecond

	_, err := r.Complete(ctx, "prompt")
	require.Error(t, err)
	assert.EqualValues(t, 1, m.calls.Load())
}
