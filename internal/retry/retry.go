// Package retry runs connector calls with bounded retries. Transient
// failures back off exponentially with full jitter unless the provider
// supplied a retry hint; anything else returns at once.
package retry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
)

const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultCallTimeout = 2 * time.Minute
)

type Executor struct {
	// Retries is the number of attempts after the first.
	Retries     int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration

	// OnThrottle runs before every retry caused by a rate limit.
	OnThrottle func(op string)
	// OnRetry runs before every retry.
	OnRetry func(op string, attempt int, err *domain.MigrationError, delay time.Duration)

	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a value in [0, n].
	Jitter func(n int64) int64
	Log    *zap.Logger
}

func New(retries int) *Executor {
	return &Executor{Retries: retries}
}

// With returns a copy of e that retries the given number of times.
func (e *Executor) With(retries int) *Executor {
	c := *e
	c.Retries = retries
	return &c
}

var (
	jitterMu  sync.Mutex
	jitterSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func defaultJitter(n int64) int64 {
	if n <= 0 {
		return 0
	}
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterSrc.Int63n(n + 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Delay returns the wait before retry number attempt (0-based).
func (e *Executor) Delay(attempt int, err *domain.MigrationError) time.Duration {
	if err != nil && err.RetryAfter > 0 {
		return err.RetryAfter
	}
	base, ceiling := e.BaseDelay, e.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}
	d := base
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	jitter := e.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}
	return time.Duration(jitter(int64(d)))
}

// attempt derives the context of one call. The timeout only bounds the
// call itself: stop disarms it once the call has returned, cancel releases
// the context.
func (e *Executor) attempt(ctx context.Context) (actx context.Context, stop func() bool, cancel context.CancelFunc) {
	actx, cancel = context.WithCancel(ctx)
	timeout := e.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	t := time.AfterFunc(timeout, cancel)
	return actx, t.Stop, cancel
}

// classify maps err to a MigrationError. A call cut off by its own
// timeout is transient even if the connector reported something else.
func classify(ctx, actx context.Context, err error) *domain.MigrationError {
	if ctx.Err() == nil && actx.Err() != nil {
		return &domain.MigrationError{Code: domain.CodeTimeout, Message: "call timed out", Err: err}
	}
	return domain.AsMigrationError(err)
}

// Run calls fn until it succeeds, fails permanently, or the retry budget
// is spent. The last error is returned unchanged.
func (e *Executor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return e.loop(ctx, op, func(ctx context.Context) (bool, error) {
		actx, _, cancel := e.attempt(ctx)
		defer cancel()
		err := fn(actx)
		if err == nil {
			return true, nil
		}
		return false, classify(ctx, actx, err)
	})
}

func (e *Executor) loop(ctx context.Context, op string, try func(ctx context.Context) (bool, error)) error {
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := try(ctx)
		if ok {
			return nil
		}
		var me *domain.MigrationError
		if !errors.As(err, &me) {
			me = domain.AsMigrationError(err)
		}
		if me.Category() != domain.CategoryTransient || attempt >= e.Retries {
			return me
		}
		delay := e.Delay(attempt, me)
		if me.Code == domain.CodeRateLimited && e.OnThrottle != nil {
			e.OnThrottle(op)
		}
		if e.OnRetry != nil {
			e.OnRetry(op, attempt+1, me, delay)
		}
		e.logger().Debug("retrying call",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.String("code", string(me.Code)),
			zap.Duration("delay", delay))
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Do runs a connector call under e and unwraps its result.
func Do[T any](ctx context.Context, e *Executor, op string, call func(ctx context.Context) connector.Result[T]) (T, error) {
	var out T
	err := e.Run(ctx, op, func(ctx context.Context) error {
		res := call(ctx)
		if !res.Success {
			return res.Err()
		}
		out = res.Data
		return nil
	})
	return out, err
}

// Open runs a call that returns a stream. The call timeout covers opening
// the stream only; reading continues until the body is closed.
func Open(ctx context.Context, e *Executor, op string, call func(ctx context.Context) connector.Result[connector.StreamedContent]) (connector.StreamedContent, error) {
	var out connector.StreamedContent
	err := e.loop(ctx, op, func(ctx context.Context) (bool, error) {
		actx, stop, cancel := e.attempt(ctx)
		res := call(actx)
		if !stop() && res.Success {
			res.Data.Body.Close()
			cancel()
			return false, &domain.MigrationError{Code: domain.CodeTimeout, Message: "open timed out"}
		}
		if !res.Success {
			cancel()
			return false, classify(ctx, actx, res.Err())
		}
		out = res.Data
		out.Body = &cancelCloser{ReadCloser: res.Data.Body, cancel: cancel}
		return true, nil
	})
	return out, err
}

type cancelCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Session retries fn as a whole without a call timeout. fn bounds its own
// connector calls, typically with Open on an executor with no retries.
func (e *Executor) Session(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return e.loop(ctx, op, func(ctx context.Context) (bool, error) {
		if err := fn(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
}
