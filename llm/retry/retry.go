// Package retry wraps outbound provider calls with error classification and
// exponential backoff. Connection failures are always published before the
// retry decision is made.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/conductor/instrument"
	"github.com/aschepis/backscratcher/conductor/llm"
)

const (
	// DefaultMaxRetries is the default maximum number of retries
	DefaultMaxRetries = 3
	// DefaultInitialDelay is the default initial delay for exponential backoff
	DefaultInitialDelay = 500 * time.Millisecond
	// DefaultMaxInterval is the default maximum interval for backoff
	DefaultMaxInterval = 30 * time.Second
	// DefaultMaxElapsedTime is the default maximum elapsed time for backoff
	DefaultMaxElapsedTime = 5 * time.Minute
	// StandardMultiplier is the multiplier for standard exponential backoff
	StandardMultiplier = 2.0
	// StandardRandomizationFactor is the randomization factor for standard exponential backoff
	StandardRandomizationFactor = 0.2
)

// Policy configures how many times and how patiently a call is retried.
type Policy struct {
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// Retryable classifies errors. Defaults to IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          DefaultMaxRetries,
		InitialInterval:     DefaultInitialDelay,
		MaxInterval:         DefaultMaxInterval,
		MaxElapsedTime:      DefaultMaxElapsedTime,
		Multiplier:          StandardMultiplier,
		RandomizationFactor: StandardRandomizationFactor,
	}
}

// newBackOff builds a fresh backoff for one logical call.
func (p Policy) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		eb.Multiplier = p.Multiplier
	}
	eb.RandomizationFactor = p.RandomizationFactor
	eb.MaxElapsedTime = p.MaxElapsedTime
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
}

// ExhaustedError is returned once every allowed attempt has failed.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts (%s): %v", e.Attempts, e.TotalDuration.Round(time.Millisecond), e.LastError)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Call identifies the operation being retried in events and logs.
type Call struct {
	TraceID string
	Service string
	Model   string
	URIBase string
}

// Runner executes calls under a Policy.
type Runner struct {
	policy   Policy
	notifier *instrument.Notifier
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a Runner. notifier may be nil.
func NewRunner(policy Policy, notifier *instrument.Notifier, logger zerolog.Logger) *Runner {
	if policy.Retryable == nil {
		policy.Retryable = IsRetryable
	}
	return &Runner{
		policy:   policy,
		notifier: notifier,
		logger:   logger.With().Str("component", "retry").Logger(),
		sleep:    WaitForRetry,
	}
}

// Policy returns the runner's policy.
func (r *Runner) Policy() Policy { return r.policy }

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// policy's retry budget is spent. With MaxRetries == 0 the first error is
// returned unchanged and no retry events are published.
func (r *Runner) Do(ctx context.Context, call Call, fn func(ctx context.Context) error) error {
	start := time.Now()
	b := r.policy.newBackOff()
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsConnectionError(err) {
			r.publishConnectionError(ctx, call, err)
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if !r.policy.Retryable(err) || r.policy.MaxRetries <= 0 {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			exhausted := &ExhaustedError{Attempts: attempt, TotalDuration: time.Since(start), LastError: err}
			r.logger.Error().
				Str("trace_id", call.TraceID).
				Int("attempts", attempt).
				Err(err).
				Msg("Max retries or elapsed time exceeded")
			r.notifier.Publish(ctx, instrument.Event{
				Name:     instrument.EventRetriesExhausted,
				TraceID:  call.TraceID,
				Start:    start,
				Duration: exhausted.TotalDuration,
				Payload:  map[string]any{"service": call.Service, "model": call.Model, "attempts": attempt},
				Err:      err,
			})
			return exhausted
		}
		if ra := llm.ExtractRetryAfter(err); ra != nil && *ra > delay {
			delay = *ra
		}

		r.logger.Warn().
			Str("trace_id", call.TraceID).
			Str("service", call.Service).
			Int("attempt", attempt).
			Int("max_retries", r.policy.MaxRetries).
			Err(err).
			Dur("next_delay", delay).
			Msg("Transient provider error. Retrying after delay")
		r.notifier.Publish(ctx, instrument.Event{
			Name:    instrument.EventRetryAttempt,
			TraceID: call.TraceID,
			Payload: map[string]any{
				"service":     call.Service,
				"model":       call.Model,
				"attempt":     attempt,
				"max_retries": r.policy.MaxRetries,
				"delay_ms":    delay.Milliseconds(),
			},
			Err: err,
		})

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *Runner) publishConnectionError(ctx context.Context, call Call, err error) {
	cause := err
	var llmErr *llm.Error
	if errors.As(err, &llmErr) && llmErr.ProviderErr != nil {
		cause = llmErr.ProviderErr
	}
	r.logger.Error().
		Str("trace_id", call.TraceID).
		Str("uri_base", call.URIBase).
		Err(err).
		Msg("Connection error")
	r.notifier.Publish(ctx, instrument.Event{
		Name:    instrument.EventConnectionError,
		TraceID: call.TraceID,
		Payload: map[string]any{
			"uri_base":        call.URIBase,
			"exception_class": fmt.Sprintf("%T", cause),
			"message":         err.Error(),
		},
		Err: err,
	})
}

// Permanent marks err as final: Do returns it, unwrapped, without retrying
// even when it would otherwise be retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// WaitForRetry waits for the specified delay, respecting context cancellation
func WaitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRetryable reports whether err is worth another attempt: classified
// retryable llm.Errors, network timeouts and connection failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsConnectionError(err)
}

// IsConnectionError reports whether err comes from the transport rather than
// from an HTTP response.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) && llmErr.Type == llm.ErrorTypeNetwork {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ParseRetryAfter reads a retry-after header given either in seconds or as
// an HTTP date. It returns nil when the header is absent or already past.
func ParseRetryAfter(h http.Header) *time.Duration {
	v := h.Get("retry-after")
	if v == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		d := time.Duration(secs * float64(time.Second))
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return &d
		}
	}
	return nil
}
