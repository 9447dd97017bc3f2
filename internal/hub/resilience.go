package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

type (
	// TokenSource supplies bearer tokens and forces re-exchange after an
	// observed authorization failure.
	TokenSource interface {
		Token(ctx context.Context) (string, error)
		Refresh(ctx context.Context) (string, error)
	}

	// RetryPolicy bounds the transient-failure retry loop. MaxRetries counts
	// retries, not attempts: a request may execute MaxRetries+1 times.
	RetryPolicy struct {
		MaxRetries int
		Delay      time.Duration
	}

	// callResult is the raw outcome of one request execution.
	callResult struct {
		StatusCode int
		Body       []byte
	}

	// operation executes one HTTP request with the given bearer token.
	// A non-nil error means the request never produced a response
	// (connection refused, timeout).
	operation func(ctx context.Context, token string) (*callResult, error)
)

// executeWithResilience wraps an operation with the two-axis retry policy.
//
// Axis one, authentication: an unauthorized response triggers exactly one
// token refresh followed by exactly one re-execution. A second unauthorized
// response is a fatal AuthError. The refresh retry never consumes a slot
// from the transient budget, and an unauthorized response is never retried
// under the transient policy.
//
// Axis two, transient failures: network errors and retryable server errors
// wait policy.Delay and retry until MaxRetries is exhausted, then surface a
// TransientError. The wait blocks only the calling goroutine.
//
// Any other non-success response returns immediately for the caller to map.
func executeWithResilience(
	ctx context.Context,
	tokens TokenSource,
	policy RetryPolicy,
	endpoint string,
	logger *slog.Logger,
	op operation,
) (*callResult, error) {
	token, err := tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var (
		refreshed bool
		retries   int
	)

	for {
		result, err := op(ctx, token)

		switch {
		case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			return nil, err

		case err != nil || result.StatusCode >= http.StatusInternalServerError:
			if retries >= policy.MaxRetries {
				if err == nil {
					err = &RequestError{
						StatusCode: result.StatusCode,
						Endpoint:   endpoint,
						Detail:     string(result.Body),
					}
				}

				return nil, &TransientError{Attempts: retries + 1, Endpoint: endpoint, Err: err}
			}

			retries++

			logger.Warn("Retrying request after transient failure",
				slog.String("endpoint", endpoint),
				slog.Int("retry", retries),
				slog.Int("max_retries", policy.MaxRetries),
				slog.Any("cause", err),
			)

			select {
			case <-time.After(policy.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case result.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return nil, &AuthError{Reason: "request unauthorized after token refresh: " + endpoint}
			}

			refreshed = true

			logger.Debug("Refreshing token after unauthorized response",
				slog.String("endpoint", endpoint),
			)

			token, err = tokens.Refresh(ctx)
			if err != nil {
				return nil, err
			}

		default:
			return result, nil
		}
	}
}
