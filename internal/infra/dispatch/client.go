// Package dispatch starts remote scan jobs and retries failed triggers with
// exponential backoff.
package dispatch

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

var _ domain.Dispatcher = (*Client)(nil)

// Client is the DispatchClient used by the scan service.
type Client struct {
	api     RemoteAPI
	policy  Policy
	sleeper Sleeper
	log     *zap.SugaredLogger
	tracer  trace.Tracer
	observe func(outcome string)
}

type Option func(*Client)

func WithPolicy(p Policy) Option { return func(c *Client) { c.policy = p } }

// WithSleeper replaces the real timer between attempts.
func WithSleeper(s Sleeper) Option { return func(c *Client) { c.sleeper = s } }

func WithLogger(l *zap.SugaredLogger) Option { return func(c *Client) { c.log = l } }

// WithAttemptObserver is told the outcome of every trigger attempt:
// "ok", "not_found" or "error".
func WithAttemptObserver(fn func(outcome string)) Option {
	return func(c *Client) { c.observe = fn }
}

func NewClient(api RemoteAPI, opts ...Option) *Client {
	c := &Client{
		api:     api,
		policy:  DefaultPolicy(),
		sleeper: realSleeper{},
		log:     zap.NewNop().Sugar(),
		tracer:  otel.Tracer("scanrelay/dispatch"),
		observe: func(string) {},
	}
	for _, o := range opts {
		o(c)
	}
	if c.policy.MaxAttempts <= 0 {
		c.policy.MaxAttempts = 1
	}
	return c
}

// CheckTarget runs a single existence check; it is never retried.
func (c *Client) CheckTarget(ctx context.Context, canonicalName string) error {
	ctx, span := c.tracer.Start(ctx, "dispatch.check_target",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("repository", canonicalName)),
	)
	defer span.End()

	if err := c.api.RepoExists(ctx, canonicalName); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "target check failed")
		return err
	}
	return nil
}

// Dispatch triggers the scan job, retrying transient failures. A not-found
// answer stops immediately. Exhausted retries return a *domain.DispatchError.
func (c *Client) Dispatch(ctx context.Context, job domain.JobSpec) error {
	ctx, span := c.tracer.Start(ctx, "dispatch.trigger",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("scan_id", string(job.ScanID)),
			attribute.String("repository", job.CanonicalName),
			attribute.Int("max_attempts", c.policy.MaxAttempts),
		),
	)
	defer span.End()

	var (
		lastErr error
		made    int
	)
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		made++
		lastErr = c.api.TriggerWorkflow(ctx, job)
		if lastErr == nil {
			c.observe("ok")
			span.SetAttributes(attribute.Int("attempts", made))
			span.SetStatus(codes.Ok, "dispatched")
			return nil
		}
		if errors.Is(lastErr, domain.ErrTargetNotFound) {
			c.observe("not_found")
			span.RecordError(lastErr)
			span.SetStatus(codes.Error, "target not found")
			return lastErr
		}

		c.observe("error")
		c.log.Warnw("dispatch attempt failed",
			"scan_id", job.ScanID, "attempt", attempt+1, "max_attempts", c.policy.MaxAttempts, "error", lastErr)
		span.AddEvent("attempt_failed", trace.WithAttributes(attribute.Int("attempt", attempt+1)))

		// no wait after the final attempt
		if attempt < c.policy.MaxAttempts-1 {
			if err := c.sleeper.Sleep(ctx, c.policy.Delay(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	err := &domain.DispatchError{Attempts: made, Err: lastErr}
	span.RecordError(err)
	span.SetStatus(codes.Error, "dispatch exhausted")
	return err
}
