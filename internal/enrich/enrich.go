// Package enrich asks a completion model for a short context that situates a chunk within
// its file, so the chunk can be found by retrieval queries that only match the surrounding
// document.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/seanblong/repocontext/internal/ai"
)

// Completer answers a single prompt. ai.Client implementations satisfy it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Reason classifies an EnrichmentError.
type Reason string

const (
	ReasonEmpty       Reason = "empty"
	ReasonTimeout     Reason = "timeout"
	ReasonRateLimited Reason = "rate_limited"
	ReasonTransport   Reason = "transport"
)

// ErrEmptyContext is wrapped when the model answers with nothing but whitespace.
var ErrEmptyContext = errors.New("completion returned no context")

type EnrichmentError struct {
	Reason Reason
	Err    error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich (%s): %v", e.Reason, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// Prompt renders the request for one chunk. Document and chunk are inserted verbatim.
func Prompt(document, chunk string) string {
	var b strings.Builder
	b.Grow(len(document) + len(chunk) + 320)
	b.WriteString("<document>")
	b.WriteString(document)
	b.WriteString("</document>\n")
	b.WriteString("Here is the chunk we want to situate within the document above.\n")
	b.WriteString("<chunk>")
	b.WriteString(chunk)
	b.WriteString("</chunk>\n")
	b.WriteString("Please give a short succinct context to situate this chunk within the\n")
	b.WriteString("overall document for the purposes of improving search retrieval of the\n")
	b.WriteString("chunk. Answer only with the succinct context and nothing else.")
	return b.String()
}

type Options struct {
	// Timeout bounds each completion call. Zero means no per-call limit.
	Timeout time.Duration
	// RequestsPerSecond limits calls made through this Enricher. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	// MaxContextChars truncates longer answers. Zero keeps them whole.
	MaxContextChars int
}

// Enricher is safe for concurrent use.
type Enricher struct {
	completer       Completer
	timeout         time.Duration
	limiter         *rate.Limiter
	maxContextChars int
}

func New(c Completer, opts Options) *Enricher {
	e := &Enricher{
		completer:       c,
		timeout:         opts.Timeout,
		maxContextChars: opts.MaxContextChars,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return e
}

// Enrich returns the situating context for chunk, computed against the whole document.
func (e *Enricher) Enrich(ctx context.Context, document, chunk string) (string, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", classify(ctx.Err())
			}
			return "", &EnrichmentError{Reason: ReasonRateLimited, Err: err}
		}
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	answer, err := e.completer.Complete(callCtx, Prompt(document, chunk))
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("no answer after %s: %w", e.timeout, err)
		}
		return "", classify(err)
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", &EnrichmentError{Reason: ReasonEmpty, Err: ErrEmptyContext}
	}
	if e.maxContextChars > 0 {
		if r := []rune(answer); len(r) > e.maxContextChars {
			answer = strings.TrimSpace(string(r[:e.maxContextChars]))
		}
	}
	log.Debug().Dur("took", time.Since(start)).Int("chars", len(answer)).Msg("chunk enriched")
	return answer, nil
}

func classify(err error) *EnrichmentError {
	var ee *EnrichmentError
	if errors.As(err, &ee) {
		return ee
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &EnrichmentError{Reason: ReasonTimeout, Err: err}
	case errors.Is(err, ai.ErrRateLimited):
		return &EnrichmentError{Reason: ReasonRateLimited, Err: err}
	default:
		return &EnrichmentError{Reason: ReasonTransport, Err: err}
	}
}
