// Package publish sends the coded pieces of a message through a transport,
// retrying transient failures and bounding concurrent publishes.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/semaphore"

	"github.com/ppopth/ec-pubsub/ec/piece"
	"github.com/ppopth/ec-pubsub/ec/rlnc"
	"github.com/ppopth/ec-pubsub/metrics"
	"github.com/ppopth/ec-pubsub/transport"
)

var log = logging.Logger("publish")

const (
	DefaultMaxConcurrent = 16
	DefaultMaxAttempts   = 5
	DefaultBaseDelay     = 100 * time.Millisecond
	DefaultMultiplier    = 2.0
	DefaultMaxDelay      = 30 * time.Second
)

var (
	// ErrCapacity is returned when the concurrent publish ceiling is reached.
	ErrCapacity = errors.New("publish capacity exceeded")
	// ErrInsufficientPieces is matched by *InsufficientPiecesError.
	ErrInsufficientPieces = errors.New("insufficient pieces sent")
)

// InsufficientPiecesError reports a publish where fewer than k pieces
// reached the transport. Err is the last send failure.
type InsufficientPiecesError struct {
	Succeeded int
	Required  int
	Attempted int
	Err       error
}

func (e *InsufficientPiecesError) Error() string {
	msg := fmt.Sprintf("insufficient pieces sent: %d of %d attempted succeeded, %d required",
		e.Succeeded, e.Attempted, e.Required)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InsufficientPiecesError) Is(target error) bool {
	return target == ErrInsufficientPieces
}

func (e *InsufficientPiecesError) Unwrap() error {
	return e.Err
}

// RetryEvent describes a retry about to happen.
type RetryEvent struct {
	Topic     string
	MessageID uuid.UUID
	Seq       uint16
	Attempt   int // 1 for the first retry
	Delay     time.Duration
	Err       error
}

// RetryObserver is invoked before each retry, on the publishing goroutine.
type RetryObserver func(RetryEvent)

// Option configures a Coordinator during construction
type Option func(*Coordinator) error

// WithMaxConcurrent sets the ceiling on outstanding publishes
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) error {
		if n < 1 {
			return fmt.Errorf("max concurrent publishes must be at least 1: %d", n)
		}
		c.maxConcurrent = n
		return nil
	}
}

// WithMaxAttempts sets the number of send attempts per piece, the first included
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) error {
		if n < 1 {
			return fmt.Errorf("max attempts must be at least 1: %d", n)
		}
		c.maxAttempts = n
		return nil
	}
}

// WithBackoff sets the retry schedule: the i-th retry waits
// base * multiplier^i, capped at maxDelay.
func WithBackoff(base time.Duration, multiplier float64, maxDelay time.Duration) Option {
	return func(c *Coordinator) error {
		if base <= 0 {
			return fmt.Errorf("retry base delay must be positive: %v", base)
		}
		if multiplier < 1 {
			return fmt.Errorf("retry backoff multiplier must be at least 1: %v", multiplier)
		}
		if maxDelay < base {
			return fmt.Errorf("retry max delay %v is below base delay %v", maxDelay, base)
		}
		c.baseDelay = base
		c.multiplier = multiplier
		c.maxDelay = maxDelay
		return nil
	}
}

// WithClock replaces the clock used for retry delays
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) error {
		c.clock = clk
		return nil
	}
}

// WithMetrics records publish outcomes and retries
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) error {
		c.metrics = m
		return nil
	}
}

// WithRetryObserver registers a callback invoked before each retry
func WithRetryObserver(observer RetryObserver) Option {
	return func(c *Coordinator) error {
		c.observer = observer
		return nil
	}
}

// Coordinator sends encoder output through a transport.
type Coordinator struct {
	transport transport.Transport
	sem       *semaphore.Weighted

	maxConcurrent int
	maxAttempts   int
	baseDelay     time.Duration
	multiplier    float64
	maxDelay      time.Duration

	clock    clock.Clock
	metrics  *metrics.Metrics
	observer RetryObserver
}

func NewCoordinator(tr transport.Transport, opts ...Option) (*Coordinator, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	c := &Coordinator{
		transport:     tr,
		maxConcurrent: DefaultMaxConcurrent,
		maxAttempts:   DefaultMaxAttempts,
		baseDelay:     DefaultBaseDelay,
		multiplier:    DefaultMultiplier,
		maxDelay:      DefaultMaxDelay,
		clock:         clock.New(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop()
	}
	c.sem = semaphore.NewWeighted(int64(c.maxConcurrent))
	return c, nil
}

// Publish sends every piece of stream to topic. It fails immediately with
// ErrCapacity when the concurrency ceiling is reached, and with an
// *InsufficientPiecesError when fewer than k pieces were accepted by the
// transport.
func (c *Coordinator) Publish(ctx context.Context, topic string, stream *rlnc.Stream) error {
	if !c.sem.TryAcquire(1) {
		c.metrics.Publishes.WithLabelValues(metrics.PublishCapacity).Inc()
		return ErrCapacity
	}
	defer c.sem.Release(1)

	var (
		succeeded int
		attempted int
		lastErr   error
	)
	for {
		if err := ctx.Err(); err != nil {
			c.metrics.Publishes.WithLabelValues(metrics.PublishCancelled).Inc()
			return err
		}
		p, ok := stream.Next()
		if !ok {
			break
		}
		attempted++
		if err := c.send(ctx, topic, p); err != nil {
			if ctx.Err() != nil {
				c.metrics.Publishes.WithLabelValues(metrics.PublishCancelled).Inc()
				return ctx.Err()
			}
			c.metrics.PieceSends.WithLabelValues(metrics.SendFailed).Inc()
			log.Warnf("piece %d of message %s on %s not sent: %s", p.Seq, p.MessageID, topic, err)
			lastErr = err
			continue
		}
		c.metrics.PieceSends.WithLabelValues(metrics.SendOK).Inc()
		succeeded++
	}

	if succeeded < stream.K() {
		c.metrics.Publishes.WithLabelValues(metrics.PublishInsufficient).Inc()
		return &InsufficientPiecesError{
			Succeeded: succeeded,
			Required:  stream.K(),
			Attempted: attempted,
			Err:       lastErr,
		}
	}
	c.metrics.Publishes.WithLabelValues(metrics.PublishOK).Inc()
	log.Debugf("published message %s on %s: %d of %d pieces sent", stream.MessageID(), topic, succeeded, attempted)
	return nil
}

// send delivers one piece, retrying transient transport errors.
func (c *Coordinator) send(ctx context.Context, topic string, p *piece.Piece) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}

	operation := func() error {
		err := c.transport.Send(ctx, topic, data)
		if err != nil && !transport.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	retries := 0
	notify := func(err error, delay time.Duration) {
		retries++
		c.metrics.Retries.Inc()
		log.Debugf("retrying piece %d of message %s in %v: %s", p.Seq, p.MessageID, delay, err)
		if c.observer != nil {
			c.observer(RetryEvent{
				Topic:     topic,
				MessageID: p.MessageID,
				Seq:       p.Seq,
				Attempt:   retries,
				Delay:     delay,
				Err:       err,
			})
		}
	}

	return backoff.RetryNotifyWithTimer(operation, c.newBackOff(ctx), notify, &clockTimer{clock: c.clock})
}

func (c *Coordinator) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.Multiplier = c.multiplier
	b.MaxInterval = c.maxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)
}

// clockTimer adapts a go-clock timer to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
