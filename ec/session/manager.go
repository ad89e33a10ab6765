// Package session routes arriving pieces to per-message decoder sessions and
// manages their lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ppopth/ec-pubsub/ec/field"
	"github.com/ppopth/ec-pubsub/ec/piece"
	"github.com/ppopth/ec-pubsub/ec/rlnc"
	"github.com/ppopth/ec-pubsub/metrics"
	"github.com/ppopth/ec-pubsub/timecache"
)

var log = logging.Logger("session")

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

var (
	// ErrTopicMismatch is returned for a piece whose message is already being decoded on another topic.
	ErrTopicMismatch = errors.New("message identifier already in use on another topic")
	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("session manager closed")
	// ErrTopicTornDown is returned for a piece of a topic torn down and not reopened since.
	ErrTopicTornDown = errors.New("topic has been torn down")
)

// DeliverFunc receives each reconstructed payload exactly once.
type DeliverFunc func(topic string, messageID uuid.UUID, flags piece.Flags, payload []byte)

// Option configures a Manager during construction
type Option func(*Manager) error

// WithTimeout sets how long a session may collect pieces before it expires
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) error {
		if timeout <= 0 {
			return fmt.Errorf("decoder timeout must be positive: %v", timeout)
		}
		m.timeout = timeout
		return nil
	}
}

// WithSweepInterval sets how often expired sessions are evicted
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Manager) error {
		if interval <= 0 {
			return fmt.Errorf("sweep interval must be positive: %v", interval)
		}
		m.sweepInterval = interval
		return nil
	}
}

// WithClock replaces the wall clock, mainly for tests
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) error {
		m.clock = clk
		return nil
	}
}

// WithMetrics records session and piece outcomes
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) error {
		m.metrics = mt
		return nil
	}
}

// WithField sets the field pieces are decoded in
func WithField(f field.Field) Option {
	return func(m *Manager) error {
		m.field = f
		return nil
	}
}

type entry struct {
	topic   string
	session *rlnc.Session
}

// Manager maps message identifiers to decoder sessions. A session is created
// by the first piece of a message and removed by the ingestion that completes
// it, by the sweep once it expires, or by a teardown of its topic.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	field         field.Field
	clock         clock.Clock
	timeout       time.Duration
	sweepInterval time.Duration
	metrics       *metrics.Metrics
	deliver       DeliverFunc

	mutex     sync.Mutex // Protects sessions and tornDown
	sessions  map[uuid.UUID]*entry
	tornDown  map[string]struct{}             // Topics whose pieces are rejected until reopened
	completed *timecache.TimeCache[uuid.UUID] // Recently completed messages whose late pieces are ignored
}

// NewManager creates a Manager and starts its background sweep.
func NewManager(deliver DeliverFunc, opts ...Option) (*Manager, error) {
	if deliver == nil {
		return nil, fmt.Errorf("deliver function is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ctx:    ctx,
		cancel: cancel,

		field:         field.NewGF256(),
		clock:         clock.New(),
		timeout:       DefaultTimeout,
		sweepInterval: DefaultSweepInterval,
		deliver:       deliver,
		sessions:      make(map[uuid.UUID]*entry),
		tornDown:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			cancel()
			return nil, err
		}
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop()
	}
	m.completed = timecache.New[uuid.UUID](m.clock, 2*m.timeout)

	m.wg.Add(1)
	go m.background()

	return m, nil
}

// HandlePiece parses raw transport bytes and ingests the piece. Errors
// describe why a piece was discarded; they never affect other sessions.
func (m *Manager) HandlePiece(topic string, data []byte) (bool, error) {
	p, err := piece.Unmarshal(data)
	if err != nil {
		m.metrics.Pieces.WithLabelValues(metrics.PieceMalformed).Inc()
		return false, err
	}
	return m.Ingest(topic, p)
}

// Ingest routes a parsed piece to its session, creating the session on the
// first piece of a message. It reports whether the piece was innovative.
func (m *Manager) Ingest(topic string, p *piece.Piece) (bool, error) {
	id := p.MessageID

	m.mutex.Lock()
	if m.ctx.Err() != nil {
		m.mutex.Unlock()
		return false, ErrClosed
	}
	if _, ok := m.tornDown[topic]; ok {
		m.mutex.Unlock()
		m.metrics.Pieces.WithLabelValues(metrics.PieceLate).Inc()
		return false, fmt.Errorf("%w: %s", ErrTopicTornDown, topic)
	}
	if m.completed.Has(id) {
		m.mutex.Unlock()
		m.metrics.Pieces.WithLabelValues(metrics.PieceLate).Inc()
		return false, nil
	}
	e, ok := m.sessions[id]
	if !ok {
		e = &entry{
			topic:   topic,
			session: rlnc.NewSession(m.field, p, m.clock.Now(), m.timeout),
		}
		m.sessions[id] = e
		m.metrics.SessionsCreated.Inc()
		m.metrics.SessionsActive.Inc()
		log.Debugf("new session for message %s on %s (k=%d, L=%d)", id, topic, p.K(), p.Length)
	}
	m.mutex.Unlock()

	if e.topic != topic {
		m.metrics.Pieces.WithLabelValues(metrics.PieceInconsistent).Inc()
		return false, fmt.Errorf("%w: %s is on %s, piece arrived on %s", ErrTopicMismatch, id, e.topic, topic)
	}

	useful, err := e.session.Ingest(p)
	switch {
	case errors.Is(err, rlnc.ErrSessionClosed):
		m.metrics.Pieces.WithLabelValues(metrics.PieceLate).Inc()
		return false, err
	case err != nil:
		m.metrics.Pieces.WithLabelValues(metrics.PieceInconsistent).Inc()
		return false, err
	case !useful:
		m.metrics.Pieces.WithLabelValues(metrics.PieceRedundant).Inc()
		return false, nil
	}
	m.metrics.Pieces.WithLabelValues(metrics.PieceAccepted).Inc()

	payload, complete := e.session.Payload()
	if !complete {
		return true, nil
	}

	// Only the ingestion that completed the session reaches here, and only it
	// removes a complete session. If the session was torn down meanwhile, the
	// payload is dropped.
	m.mutex.Lock()
	owned := m.sessions[id] == e
	if owned {
		delete(m.sessions, id)
		m.completed.Add(id)
	}
	m.mutex.Unlock()
	if !owned {
		return true, nil
	}

	m.metrics.SessionsActive.Dec()
	m.metrics.SessionsCompleted.Inc()
	log.Debugf("message %s on %s reconstructed (%d bytes)", id, topic, len(payload))
	m.deliver(topic, id, e.session.Flags(), payload)
	return true, nil
}

// Sweep evicts expired sessions and returns how many were removed. Complete
// sessions are left to the ingestion that completed them, which delivers the
// payload before removing the session.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	evicted := 0

	m.mutex.Lock()
	for id, e := range m.sessions {
		if !e.session.CheckExpired(now) {
			continue
		}
		delete(m.sessions, id)
		evicted++
		m.metrics.SessionsActive.Dec()
		m.metrics.SessionsExpired.Inc()
		log.Infof("message %s on %s expired with rank %d of %d",
			id, e.topic, e.session.Rank(), e.session.K())
	}
	m.mutex.Unlock()

	m.completed.Sweep(now)
	return evicted
}

// Teardown discards every session of topic immediately and returns how many
// were removed. Pieces still being ingested for them are dropped, and later
// pieces of the topic are rejected until Open is called for it.
func (m *Manager) Teardown(topic string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.tornDown[topic] = struct{}{}
	removed := 0
	for id, e := range m.sessions {
		if e.topic != topic {
			continue
		}
		e.session.Discard()
		delete(m.sessions, id)
		removed++
		m.metrics.SessionsActive.Dec()
		m.metrics.SessionsTornDown.Inc()
	}
	if removed > 0 {
		log.Debugf("tore down %d sessions of %s", removed, topic)
	}
	return removed
}

// Open accepts pieces of topic again after a Teardown.
func (m *Manager) Open(topic string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.tornDown, topic)
}

// Session returns the live session for a message, if any.
func (m *Manager) Session(id uuid.UUID) (*rlnc.Session, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sessions)
}

func (m *Manager) background() {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.ctx.Done():
			return
		}
	}
}

// Close stops the background sweep and discards every session.
func (m *Manager) Close() error {
	m.mutex.Lock()
	m.cancel()
	for id, e := range m.sessions {
		e.session.Discard()
		delete(m.sessions, id)
		m.metrics.SessionsActive.Dec()
	}
	m.mutex.Unlock()

	m.wg.Wait()
	return nil
}
