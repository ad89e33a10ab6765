// Package transport defines the best-effort publish/subscribe medium the
// erasure coding layer runs over.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrThrottled marks a transient send failure that should be retried after backing off.
	ErrThrottled = errors.New("transport throttled")
	// ErrMessageTooLarge is returned when a message exceeds the transport's size ceiling.
	ErrMessageTooLarge = errors.New("message exceeds transport size ceiling")
	// ErrClosed is returned by operations on a closed transport or receiver.
	ErrClosed = errors.New("transport closed")
)

// Transport sends opaque messages on topics. Delivery is at-least-once at
// best: messages may be dropped, duplicated or reordered.
type Transport interface {
	// Send publishes data on topic. Failures wrapping ErrThrottled are transient.
	Send(ctx context.Context, topic string, data []byte) error
	// Receive returns a stream of messages arriving on topic.
	Receive(topic string) (Receiver, error)
	// MaxMessageSize returns the per-message byte ceiling.
	MaxMessageSize() int
}

// Receiver is a stream of messages for one topic.
type Receiver interface {
	// Next blocks until a message arrives, ctx is done or the receiver is closed.
	Next(ctx context.Context) ([]byte, error)
	// Close stops delivery to this receiver.
	Close() error
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrThrottled)
}
