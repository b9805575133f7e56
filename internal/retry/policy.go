// Package retry classifies errors from the model client collaborator as
// retryable or fatal and drives the backoff/rate-limit sleep loop around
// an operation. It is transport-agnostic so both the regular turn loop's
// model calls and the coordinator loop share one retry implementation.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/codexdrive/core/internal/coreerr"
	"github.com/codexdrive/core/internal/models"
	"go.uber.org/zap"
)

// Decision is the outcome of classifying an error. Exactly one of the
// concrete *Decision types below is produced per classify call.
type Decision interface {
	isDecision()
}

// RetryAfterBackoff means the caller should sleep with exponential backoff
// (base×2^attempt, capped) plus additive jitter.
type RetryAfterBackoff struct {
	Reason string
}

func (RetryAfterBackoff) isDecision() {}

// RateLimited means the caller should sleep until an absolute deadline
// computed from a parsed rate-limit hint plus a safety buffer and jitter.
type RateLimited struct {
	WaitUntil time.Time
	Reason    string
}

func (RateLimited) isDecision() {}

// Fatal means the error must propagate immediately, no retry.
type Fatal struct {
	Err error
}

func (Fatal) isDecision() {}

// Options bounds a retry invocation.
type Options struct {
	MaxElapsed  time.Duration // default 7 days
	MaxAttempts int           // 0 = uncapped
	BaseBackoff time.Duration // default 1s
	BackoffCap  time.Duration // default 60s
	JitterMax   time.Duration // default 5s, added to backoff sleeps

	// RateLimitSafetyBuffer and RateLimitJitterMax apply only to
	// RateLimited decisions.
	RateLimitSafetyBuffer time.Duration
	RateLimitJitterMax    time.Duration
}

// DefaultOptions returns the standard retry parameters: a 7-day elapsed
// ceiling, uncapped attempts, and a 120s/30s rate-limit safety margin.
func DefaultOptions() Options {
	return Options{
		MaxElapsed:            7 * 24 * time.Hour,
		MaxAttempts:           0,
		BaseBackoff:           time.Second,
		BackoffCap:            60 * time.Second,
		JitterMax:             5 * time.Second,
		RateLimitSafetyBuffer: 120 * time.Second,
		RateLimitJitterMax:    30 * time.Second,
	}
}

// WaitStatus describes one sleep a retry invocation is about to perform;
// passed to the caller-supplied OnWait hook so progress can be surfaced
// (e.g. as a Thinking event) without exposing a transient upstream
// failure as a client-facing error.
type WaitStatus struct {
	Attempt     int
	Sleep       time.Duration
	Elapsed     time.Duration
	IsRateLimit bool
	Reason      string
	ResumeAt    *time.Time
}

// OnWait is invoked once per sleep, before the sleep begins.
type OnWait func(WaitStatus)

// ErrAborted is returned by Do when the context is cancelled while waiting.
var ErrAborted = errors.New("retry: aborted")

// httpStatusCoder is implemented by provider errors that carry an HTTP
// status code (e.g. openai.Error, anthropic.Error); Classify uses it when
// the error isn't already an *models.ActivityError or *coreerr.Error.
type httpStatusCoder interface {
	error
	StatusCode() int
}

// Classify maps an error to a retry Decision. It recognizes
// *models.ActivityError (the shape internal/llm's providers already
// produce) and *coreerr.Error directly; anything else falls back to a
// network-heuristic classification so arbitrary transport errors are
// still retried sensibly. opts supplies the safety buffer and jitter
// bound a RateLimited deadline is padded with.
func Classify(err error, opts Options) Decision {
	if err == nil {
		return Fatal{Err: nil}
	}

	var actErr *models.ActivityError
	if errors.As(err, &actErr) {
		return classifyActivityError(actErr, opts)
	}

	var coreErr *coreerr.Error
	if errors.As(err, &coreErr) {
		if coreErr.Kind == coreerr.TransientUpstream {
			return RetryAfterBackoff{Reason: coreErr.Message}
		}
		return Fatal{Err: err}
	}

	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		return classifyStatusCode(statusErr.StatusCode(), err)
	}

	if isNetworkTransient(err) {
		return RetryAfterBackoff{Reason: err.Error()}
	}

	return Fatal{Err: err}
}

func classifyActivityError(err *models.ActivityError, opts Options) Decision {
	switch err.Type {
	case models.ErrorTypeAPILimit:
		if hint, ok := ParseRateLimitHintFromDetails(err.Details); ok {
			var jitter time.Duration
			if opts.RateLimitJitterMax > 0 {
				jitter = time.Duration(rand.Int63n(int64(opts.RateLimitJitterMax)))
			}
			return RateLimited{
				WaitUntil: ApplyRateLimitSafety(hint, opts, jitter),
				Reason:    err.Message,
			}
		}
		return RetryAfterBackoff{Reason: err.Message}
	case models.ErrorTypeTransient:
		return RetryAfterBackoff{Reason: err.Message}
	default:
		return Fatal{Err: err}
	}
}

func classifyStatusCode(statusCode int, err error) Decision {
	switch {
	case statusCode == 429:
		return RetryAfterBackoff{Reason: err.Error()}
	case statusCode == 408 || statusCode == 499 || statusCode >= 500:
		return RetryAfterBackoff{Reason: err.Error()}
	case statusCode >= 400:
		return Fatal{Err: err}
	default:
		return RetryAfterBackoff{Reason: err.Error()}
	}
}

// isNetworkTransient recognizes stream interruption, timeout, and connect
// errors that never reach classifyActivityError/classifyStatusCode because
// they originate below the HTTP layer.
func isNetworkTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Do runs op, retrying according to Classify's decisions until it
// succeeds, a Fatal decision is reached, options are exhausted, or ctx is
// cancelled. onWait may be nil.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options, onWait OnWait) (T, error) {
	var zero T
	start := time.Now()
	attempt := 0

	for {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		decision := Classify(err, opts)
		switch d := decision.(type) {
		case Fatal:
			return zero, d.Err

		case RetryAfterBackoff:
			elapsed := time.Since(start)
			if exceeded(opts, attempt, elapsed) {
				return zero, err
			}
			sleep := backoffDuration(opts, attempt)
			attempt++
			zap.L().Warn("retry: waiting before next attempt",
				zap.Int("attempt", attempt), zap.Duration("sleep", sleep), zap.Error(err))
			if onWait != nil {
				onWait(WaitStatus{
					Attempt:     attempt,
					Sleep:       sleep,
					Elapsed:     elapsed,
					IsRateLimit: false,
					Reason:      d.Reason,
				})
			}
			if waitErr := sleepOrCancel(ctx, sleep); waitErr != nil {
				return zero, waitErr
			}

		case RateLimited:
			elapsed := time.Since(start)
			if exceeded(opts, attempt, elapsed) {
				return zero, err
			}
			sleep := time.Until(d.WaitUntil)
			if sleep < 0 {
				sleep = 0
			}
			attempt++
			zap.L().Warn("retry: waiting out rate limit",
				zap.Int("attempt", attempt), zap.Duration("sleep", sleep), zap.Error(err))
			resumeAt := d.WaitUntil
			if onWait != nil {
				onWait(WaitStatus{
					Attempt:     attempt,
					Sleep:       sleep,
					Elapsed:     elapsed,
					IsRateLimit: true,
					Reason:      d.Reason,
					ResumeAt:    &resumeAt,
				})
			}
			if waitErr := sleepOrCancel(ctx, sleep); waitErr != nil {
				return zero, waitErr
			}

		default:
			zap.L().Warn("retry: unrecognized decision type, treating as fatal")
			return zero, err
		}
	}
}

func exceeded(opts Options, attempt int, elapsed time.Duration) bool {
	if opts.MaxAttempts > 0 && attempt+1 >= opts.MaxAttempts {
		return true
	}
	if opts.MaxElapsed > 0 && elapsed >= opts.MaxElapsed {
		return true
	}
	return false
}

// backoffDuration computes base×2^attempt capped, plus additive jitter.
func backoffDuration(opts Options, attempt int) time.Duration {
	base := opts.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	backoffCap := opts.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 60 * time.Second
	}

	backoff := base
	for i := 0; i < attempt && backoff < backoffCap; i++ {
		backoff *= 2
	}
	if backoff > backoffCap {
		backoff = backoffCap
	}

	jitterMax := opts.JitterMax
	if jitterMax > 0 {
		backoff += time.Duration(rand.Int63n(int64(jitterMax)))
	}
	return backoff
}

// sleepOrCancel awaits either the duration elapsing or ctx being done,
// returning ErrAborted in the latter case.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrAborted
	}
}
