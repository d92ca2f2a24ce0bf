package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/repocontext/internal/ai"
)

// Retrying wraps a Completer and retries failed calls with exponential backoff. Client
// errors other than 408 and 429 are not retried.
type Retrying struct {
	Completer       Completer
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewRetrying(c Completer, maxRetries uint64) *Retrying {
	return &Retrying{
		Completer:       c,
		MaxRetries:      maxRetries,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

func (r *Retrying) Complete(ctx context.Context, prompt string) (string, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.InitialInterval),
		backoff.WithMaxInterval(r.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)

	attempt := 0
	return backoff.RetryNotifyWithData(func() (string, error) {
		attempt++
		answer, err := r.Completer.Complete(ctx, prompt)
		if err != nil && !retryable(ctx, err) {
			return "", backoff.Permanent(err)
		}
		return answer, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("completion failed, retrying")
	})
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *ai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		return code == 408 || code == 429 || code >= 500
	}
	return true
}
