package transport

import (
	"context"
	"fmt"
	mrand "math/rand"
	"sync"
)

// DefaultMaxMessageSize is the per-message budget of the reference transport.
const DefaultMaxMessageSize = 900

// ThrottleFunc decides whether a send attempt is rejected as throttled.
type ThrottleFunc func(topic string, data []byte) bool

// MemoryOption configures a Memory transport during construction
type MemoryOption func(*Memory) error

// WithDropRate drops each delivery with probability p
func WithDropRate(p float64) MemoryOption {
	return func(m *Memory) error {
		if p < 0 || p > 1 {
			return fmt.Errorf("drop rate %v out of [0, 1]", p)
		}
		m.dropRate = p
		return nil
	}
}

// WithDuplicateRate delivers each message twice with probability p
func WithDuplicateRate(p float64) MemoryOption {
	return func(m *Memory) error {
		if p < 0 || p > 1 {
			return fmt.Errorf("duplicate rate %v out of [0, 1]", p)
		}
		m.duplicateRate = p
		return nil
	}
}

// WithReorder inserts each delivery at a random position of the receiver's queue
func WithReorder() MemoryOption {
	return func(m *Memory) error {
		m.reorder = true
		return nil
	}
}

// WithSeed makes drops, duplicates and reordering reproducible
func WithSeed(seed int64) MemoryOption {
	return func(m *Memory) error {
		m.rng = mrand.New(mrand.NewSource(seed))
		return nil
	}
}

// WithMaxMessageSize sets the per-message byte ceiling
func WithMaxMessageSize(size int) MemoryOption {
	return func(m *Memory) error {
		if size <= 0 {
			return fmt.Errorf("max message size must be positive: %d", size)
		}
		m.maxMessageSize = size
		return nil
	}
}

// WithThrottle installs a hook that can reject send attempts as throttled
func WithThrottle(throttle ThrottleFunc) MemoryOption {
	return func(m *Memory) error {
		m.throttle = throttle
		return nil
	}
}

// Memory is an in-process Transport shared by every party holding it. It
// models a lossy medium: deliveries can be dropped, duplicated and reordered.
type Memory struct {
	mutex sync.Mutex // Protects all fields below

	rng            *mrand.Rand
	maxMessageSize int
	dropRate       float64
	duplicateRate  float64
	reorder        bool
	throttle       ThrottleFunc
	closed         bool

	inboxes map[string]map[*Inbox]struct{} // Receivers by topic

	sent      int // Accepted Send calls
	delivered int // Messages placed in inboxes, duplicates included
	dropped   int // Deliveries dropped
}

// NewMemory creates a lossless Memory transport and applies options.
func NewMemory(opts ...MemoryOption) (*Memory, error) {
	m := &Memory{
		rng:            mrand.New(mrand.NewSource(1)),
		maxMessageSize: DefaultMaxMessageSize,
		inboxes:        make(map[string]map[*Inbox]struct{}),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Send copies data to every receiver of topic, subject to the fault model.
func (m *Memory) Send(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return ErrClosed
	}
	if len(data) > m.maxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), m.maxMessageSize)
	}
	if m.throttle != nil && m.throttle(topic, data) {
		return ErrThrottled
	}
	m.sent++

	for inbox := range m.inboxes[topic] {
		if m.rng.Float64() < m.dropRate {
			m.dropped++
			continue
		}
		copies := 1
		if m.rng.Float64() < m.duplicateRate {
			copies++
		}
		for i := 0; i < copies; i++ {
			pos := -1
			if m.reorder {
				pos = m.rng.Intn(inbox.Len() + 1)
			}
			inbox.Insert(append([]byte(nil), data...), pos)
			m.delivered++
		}
	}
	return nil
}

// Receive registers a new receiver for topic.
func (m *Memory) Receive(topic string) (Receiver, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	inbox := NewInbox(func(in *Inbox) {
		m.removeInbox(topic, in)
	})
	if m.inboxes[topic] == nil {
		m.inboxes[topic] = make(map[*Inbox]struct{})
	}
	m.inboxes[topic][inbox] = struct{}{}
	return inbox, nil
}

func (m *Memory) removeInbox(topic string, inbox *Inbox) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.inboxes[topic], inbox)
	if len(m.inboxes[topic]) == 0 {
		delete(m.inboxes, topic)
	}
}

// MaxMessageSize returns the per-message byte ceiling.
func (m *Memory) MaxMessageSize() int {
	return m.maxMessageSize
}

// Stats returns the number of accepted sends, deliveries and dropped deliveries.
func (m *Memory) Stats() (sent, delivered, dropped int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.sent, m.delivered, m.dropped
}

// Close closes every receiver and rejects further use.
func (m *Memory) Close() error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	var inboxes []*Inbox
	for _, set := range m.inboxes {
		for inbox := range set {
			inboxes = append(inboxes, inbox)
		}
	}
	m.mutex.Unlock()

	for _, inbox := range inboxes {
		inbox.Close()
	}
	return nil
}
