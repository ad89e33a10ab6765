// Package pubsub is the public surface of the erasure coding layer. Payloads
// published on a topic are compressed, split into k pieces, coded into
// ceil(k*r) random linear combinations and sent through a best-effort
// transport. Subscribers get each payload once, after any k independent
// pieces have arrived.
package pubsub

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"sync"

	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppopth/ec-pubsub/compress"
	"github.com/ppopth/ec-pubsub/config"
	"github.com/ppopth/ec-pubsub/ec/piece"
	"github.com/ppopth/ec-pubsub/ec/rlnc"
	"github.com/ppopth/ec-pubsub/ec/session"
	"github.com/ppopth/ec-pubsub/metrics"
	"github.com/ppopth/ec-pubsub/publish"
	"github.com/ppopth/ec-pubsub/transport"
)

var log = logging.Logger("pubsub")

// DefaultMaxPayloadSize bounds decompressed payloads.
const DefaultMaxPayloadSize = 64 << 20

type Option func(*PubSub) error

// WithConfig replaces the default configuration
func WithConfig(cfg *config.Config) Option {
	return func(p *PubSub) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		c := *cfg
		p.config = &c
		return nil
	}
}

// WithCompressor replaces the zlib compressor
func WithCompressor(c compress.Compressor) Option {
	return func(p *PubSub) error {
		p.compressor = c
		return nil
	}
}

// WithRand makes coefficients and message identifiers deterministic
func WithRand(rng *mrand.Rand) Option {
	return func(p *PubSub) error {
		p.rng = rng
		return nil
	}
}

// WithClock replaces the clock driving expiry and retry delays
func WithClock(clk clock.Clock) Option {
	return func(p *PubSub) error {
		p.clock = clk
		return nil
	}
}

// WithRegisterer registers the Prometheus collectors with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *PubSub) error {
		m, err := metrics.New(reg)
		if err != nil {
			return err
		}
		p.metrics = m
		return nil
	}
}

// WithRetryObserver is invoked before each piece retry
func WithRetryObserver(observer publish.RetryObserver) Option {
	return func(p *PubSub) error {
		p.retryObserver = observer
		return nil
	}
}

// PubSub publishes and receives erasure coded messages over a transport
type PubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	transport     transport.Transport
	config        *config.Config
	compressor    compress.Compressor
	rng           *mrand.Rand
	clock         clock.Clock
	metrics       *metrics.Metrics
	retryObserver publish.RetryObserver

	encoder     *rlnc.Encoder
	coordinator *publish.Coordinator
	manager     *session.Manager

	mutex  sync.Mutex        // Protects topics
	topics map[string]*Topic // Topics with at least one subscription
}

// NewPubSub creates a PubSub over tr
func NewPubSub(tr transport.Transport, opts ...Option) (*PubSub, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	ctx, cancel := context.WithCancel(context.Background())

	p := &PubSub{
		ctx:    ctx,
		cancel: cancel,

		transport:  tr,
		config:     config.Default(),
		compressor: compress.NewZlib(DefaultMaxPayloadSize),
		clock:      clock.New(),
		topics:     make(map[string]*Topic),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			cancel()
			return nil, err
		}
	}
	if p.metrics == nil {
		p.metrics = metrics.Nop()
	}
	if p.rng == nil {
		var seed [8]byte
		if _, err := rand.Read(seed[:]); err != nil {
			cancel()
			return nil, err
		}
		p.rng = mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
	}

	cfg := p.config
	maxPieceSize := min(cfg.MaxPieceSize, tr.MaxMessageSize())

	var err error
	p.encoder, err = rlnc.NewEncoder(rlnc.WithRand(p.rng), rlnc.WithMaxPieceSize(maxPieceSize))
	if err != nil {
		cancel()
		return nil, err
	}
	p.coordinator, err = publish.NewCoordinator(tr,
		publish.WithMaxConcurrent(cfg.MaxConcurrentPublishes),
		publish.WithMaxAttempts(cfg.MaxRetryAttempts),
		publish.WithBackoff(cfg.RetryBaseDelay, cfg.RetryBackoffMultiplier, cfg.RetryMaxDelay),
		publish.WithClock(p.clock),
		publish.WithMetrics(p.metrics),
		publish.WithRetryObserver(p.retryObserver),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	p.manager, err = session.NewManager(p.deliver,
		session.WithTimeout(cfg.DecoderTimeout),
		session.WithSweepInterval(cfg.SweepInterval),
		session.WithClock(p.clock),
		session.WithMetrics(p.metrics),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

// Publish encodes payload and sends its pieces on topic. It fails with
// publish.ErrCapacity when too many publishes are outstanding and with a
// *publish.InsufficientPiecesError when fewer than k pieces were sent.
func (p *PubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.ctx.Err() != nil {
		return fmt.Errorf("the pubsub has been closed")
	}
	if len(payload) == 0 {
		return rlnc.ErrEmptyPayload
	}

	data, flags := payload, piece.Flags(0)
	if p.config.CompressionEnabled {
		compressed, err := p.compressor.Compress(payload, p.config.CompressionLevel)
		if err != nil {
			return err
		}
		// Incompressible payloads go out as they are
		if len(compressed) < len(payload) {
			data = compressed
			flags |= piece.FlagCompressed
		}
	}

	k := p.config.PieceCount
	if p.config.AdaptivePieceCount {
		if minK, err := rlnc.MinPieceCount(len(data), p.encoder.MaxPieceSize()); err == nil && minK > k {
			log.Debugf("raising piece count from %d to %d for %d bytes", k, minK, len(data))
			k = minK
		}
	}

	stream, err := p.encoder.Encode(data, k, p.config.RedundancyFactor, rlnc.WithFlags(flags))
	if err != nil {
		return err
	}
	return p.coordinator.Publish(ctx, topic, stream)
}

// Subscribe registers handler for messages on topic. The first subscription
// of a topic starts receiving from the transport.
func (p *PubSub) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.ctx.Err() != nil {
		return nil, fmt.Errorf("the pubsub has been closed")
	}
	t, ok := p.topics[topic]
	if !ok {
		receiver, err := p.transport.Receive(topic)
		if err != nil {
			return nil, fmt.Errorf("receiving %s: %w", topic, err)
		}
		t = newTopic(topic, receiver)
		p.topics[topic] = t
		p.manager.Open(topic)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			t.receiveLoop(p.manager)
		}()
		log.Debugf("subscribed to %s", topic)
	}

	sub := &Subscription{pubsub: p, topic: topic, handler: handler}
	t.addSubscription(sub)
	return sub, nil
}

// Unsubscribe removes the given subscriptions of topic, or all of them when
// none are given. Once a topic has no subscriptions left, its receiver is
// closed and every decoder session of the topic is discarded.
func (p *PubSub) Unsubscribe(topic string, subs ...*Subscription) error {
	p.mutex.Lock()
	t, ok := p.topics[topic]
	if !ok {
		p.mutex.Unlock()
		return nil
	}
	if len(subs) == 0 {
		t.clearSubscriptions()
	}
	for _, sub := range subs {
		if sub.topic != topic {
			p.mutex.Unlock()
			return fmt.Errorf("subscription belongs to %s, not %s", sub.topic, topic)
		}
		t.removeSubscription(sub)
	}
	if !t.empty() {
		p.mutex.Unlock()
		return nil
	}
	delete(p.topics, topic)
	// Torn down under the pubsub lock so a concurrent Subscribe reopens the
	// topic only after this teardown.
	n := p.manager.Teardown(topic)
	p.mutex.Unlock()

	t.Close()
	log.Debugf("unsubscribed from %s, %d sessions discarded", topic, n)
	return nil
}

// deliver runs on the receive loop of the topic whose piece completed a message
func (p *PubSub) deliver(topic string, id uuid.UUID, flags piece.Flags, payload []byte) {
	if flags&piece.FlagCompressed != 0 {
		decompressed, err := p.compressor.Decompress(payload)
		if err != nil {
			log.Warnf("dropping message %s on %s: %v", id, topic, err)
			return
		}
		payload = decompressed
	}

	p.mutex.Lock()
	t, ok := p.topics[topic]
	var handlers []Handler
	if ok {
		handlers = t.handlers()
	}
	p.mutex.Unlock()

	// Each handler owns its Data; only the last one gets the decoded buffer
	for i, handler := range handlers {
		data := payload
		if i < len(handlers)-1 {
			data = bytes.Clone(payload)
		}
		handler(&Message{Topic: topic, ID: id, Data: data})
	}
}

// Sessions returns the number of messages being decoded
func (p *PubSub) Sessions() int {
	return p.manager.Len()
}

// Close stops every topic and the session manager
func (p *PubSub) Close() error {
	p.cancel()

	p.mutex.Lock()
	var topicsToClose []*Topic
	for name, t := range p.topics {
		topicsToClose = append(topicsToClose, t)
		delete(p.topics, name)
	}
	p.mutex.Unlock()

	for _, t := range topicsToClose {
		t.Close()
	}
	p.wg.Wait()
	return p.manager.Close()
}
