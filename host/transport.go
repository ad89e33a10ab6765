package host

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/gogo/protobuf/proto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"

	"github.com/ppopth/ec-pubsub/pb"
	"github.com/ppopth/ec-pubsub/timecache"
	"github.com/ppopth/ec-pubsub/transport"
)

// DefaultMaxMessageSize leaves room for the RPC envelope inside a QUIC
// datagram on a 1280 byte path MTU.
const DefaultMaxMessageSize = 900

// DefaultSeenTTL is how long a relaying transport remembers forwarded messages.
const DefaultSeenTTL = 120 * time.Second

// TransportOption configures a Transport during construction
type TransportOption func(*Transport) error

// WithMaxMessageSize sets the per-message byte ceiling
func WithMaxMessageSize(size int) TransportOption {
	return func(t *Transport) error {
		if size <= 0 {
			return fmt.Errorf("max message size must be positive: %d", size)
		}
		t.maxMessageSize = size
		return nil
	}
}

// WithRateLimit caps outgoing messages per second. Sends beyond the limit
// fail with transport.ErrThrottled.
func WithRateLimit(perSecond float64, burst int) TransportOption {
	return func(t *Transport) error {
		if perSecond <= 0 || burst <= 0 {
			return fmt.Errorf("invalid rate limit: %v/s, burst %d", perSecond, burst)
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithRelay makes the transport flood: every message received for a local
// topic is forwarded once to the other subscribed peers. Messages are
// remembered for ttl to stop them from circulating.
func WithRelay(ttl time.Duration) TransportOption {
	return func(t *Transport) error {
		if ttl <= 0 {
			return fmt.Errorf("seen cache TTL must be positive: %v", ttl)
		}
		t.relay = true
		t.seenTTL = ttl
		return nil
	}
}

// WithTransportClock replaces the clock of the seen cache
func WithTransportClock(clk clock.Clock) TransportOption {
	return func(t *Transport) error {
		t.clock = clk
		return nil
	}
}

// Transport carries topic messages between QUIC peers. Peers announce the
// topics they receive, and each message is sent as one datagram to every
// connected peer subscribed to its topic. Local receivers get a copy too.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	host           *Host
	maxMessageSize int
	limiter        *rate.Limiter
	clock          clock.Clock

	relay   bool
	seenTTL time.Duration
	seen    *timecache.TimeCache[string] // Messages already delivered and forwarded

	mutex              sync.Mutex // Protects all maps below
	peerConnections    map[peer.ID]*Connection
	topicSubscriptions map[string]map[peer.ID]struct{}          // Which peers receive each topic
	inboxes            map[string]map[*transport.Inbox]struct{} // Local receivers by topic
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport attaches a Transport to h. The Transport takes over h's peer
// handlers.
func NewTransport(h *Host, opts ...TransportOption) (*Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		ctx:    ctx,
		cancel: cancel,

		host:               h,
		maxMessageSize:     DefaultMaxMessageSize,
		clock:              clock.New(),
		peerConnections:    make(map[peer.ID]*Connection),
		topicSubscriptions: make(map[string]map[peer.ID]struct{}),
		inboxes:            make(map[string]map[*transport.Inbox]struct{}),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			cancel()
			return nil, err
		}
	}

	if t.relay {
		t.seen = timecache.New[string](t.clock, t.seenTTL)
		t.wg.Add(1)
		go t.sweepLoop()
	}

	h.SetPeerHandlers(t.handleAddPeer, t.handleRemovePeer)
	return t, nil
}

func (t *Transport) sweepLoop() {
	defer t.wg.Done()

	ticker := t.clock.Ticker(t.seenTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.seen.Sweep(t.clock.Now())
		case <-t.ctx.Done():
			return
		}
	}
}

// messageKey identifies a message for the seen cache
func messageKey(topic string, data []byte) string {
	hash := sha256.New()
	hash.Write([]byte(topic))
	hash.Write([]byte{0})
	hash.Write(data)
	return string(hash.Sum(nil))
}

func (t *Transport) MaxMessageSize() int {
	return t.maxMessageSize
}

// Send delivers data to local receivers and to every subscribed peer.
// Per-peer failures are logged; the medium is best-effort.
func (t *Transport) Send(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.ctx.Err() != nil {
		return transport.ErrClosed
	}
	if len(data) > t.maxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", transport.ErrMessageTooLarge, len(data), t.maxMessageSize)
	}
	if t.limiter != nil && !t.limiter.Allow() {
		return transport.ErrThrottled
	}

	if t.relay {
		t.seen.Add(messageKey(topic, data))
	}

	t.mutex.Lock()
	for inbox := range t.inboxes[topic] {
		inbox.Put(append([]byte(nil), data...))
	}
	conns := t.subscribedConnections(topic, "")
	t.mutex.Unlock()

	return broadcast(topic, data, conns)
}

// subscribedConnections lists the connections of topic's subscribers other
// than except. Caller holds the lock.
func (t *Transport) subscribedConnections(topic string, except peer.ID) []*Connection {
	var conns []*Connection
	for pid := range t.topicSubscriptions[topic] {
		if pid == except {
			continue
		}
		if conn, ok := t.peerConnections[pid]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// broadcast sends one message datagram to every connection
func broadcast(topic string, data []byte, conns []*Connection) error {
	if len(conns) == 0 {
		return nil
	}
	rpc := &pb.RPC{
		Messages: []*pb.RPC_Message{{Topicid: proto.String(topic), Data: data}},
	}
	buf, err := proto.Marshal(rpc)
	if err != nil {
		return fmt.Errorf("failed to marshal RPC: %w", err)
	}
	for _, conn := range conns {
		if err := conn.Send(buf); err != nil {
			if errors.Is(err, ErrDatagramTooLarge) {
				return fmt.Errorf("%w: %s", transport.ErrMessageTooLarge, err)
			}
			log.Debugf("failed to send to %s: %v", conn.RemoteAddr(), err)
		}
	}
	return nil
}

// Receive registers a local receiver for topic and announces the
// subscription to peers when it is the first one.
func (t *Transport) Receive(topic string) (transport.Receiver, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}
	inbox := transport.NewInbox(func(in *transport.Inbox) {
		t.removeInbox(topic, in)
	})
	receivers, ok := t.inboxes[topic]
	if !ok {
		receivers = make(map[*transport.Inbox]struct{})
		t.inboxes[topic] = receivers
		t.announce(topic, true)
	}
	receivers[inbox] = struct{}{}
	return inbox, nil
}

func (t *Transport) removeInbox(topic string, inbox *transport.Inbox) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	receivers, ok := t.inboxes[topic]
	if !ok {
		return
	}
	delete(receivers, inbox)
	if len(receivers) == 0 {
		delete(t.inboxes, topic)
		t.announce(topic, false)
	}
}

// announce tells every peer about a subscription change. Caller holds the lock.
func (t *Transport) announce(topic string, subscribe bool) {
	if t.ctx.Err() != nil {
		return
	}
	rpc := &pb.RPC{
		Subscriptions: []*pb.RPC_SubOpts{{
			Subscribe: proto.Bool(subscribe),
			Topicid:   proto.String(topic),
		}},
	}
	for _, conn := range t.peerConnections {
		sendRPC(rpc, conn)
	}
}

// sendHelloPacket sends our current subscriptions to a new peer
func (t *Transport) sendHelloPacket(conn *Connection) {
	var rpc pb.RPC

	t.mutex.Lock()
	for topic := range t.inboxes {
		rpc.Subscriptions = append(rpc.Subscriptions, &pb.RPC_SubOpts{
			Subscribe: proto.Bool(true),
			Topicid:   proto.String(topic),
		})
	}
	t.mutex.Unlock()

	if len(rpc.Subscriptions) > 0 {
		sendRPC(&rpc, conn)
	}
}

// handleAddPeer starts reading from a new peer. It runs with the host lock
// held, so the hello packet is sent from the reader goroutine.
func (t *Transport) handleAddPeer(peerID peer.ID, conn *Connection) {
	t.mutex.Lock()
	t.peerConnections[peerID] = conn
	t.mutex.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.sendHelloPacket(conn)
		for {
			buf, err := conn.Receive(t.ctx)
			if err != nil {
				return
			}
			rpc := &pb.RPC{}
			if err := proto.Unmarshal(buf, rpc); err != nil {
				log.Warnf("invalid packet received from %s: %v", peerID, err)
				continue
			}
			t.handleIncomingRPC(peerID, rpc)
		}
	}()
}

func (t *Transport) handleRemovePeer(peerID peer.ID) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	delete(t.peerConnections, peerID)
	for _, subscribers := range t.topicSubscriptions {
		delete(subscribers, peerID)
	}
}

func (t *Transport) handleIncomingRPC(from peer.ID, rpc *pb.RPC) {
	type forward struct {
		topic string
		data  []byte
		conns []*Connection
	}
	var forwards []forward

	t.mutex.Lock()
	for _, sub := range rpc.GetSubscriptions() {
		topic := sub.GetTopicid()
		if sub.GetSubscribe() {
			subscribers, ok := t.topicSubscriptions[topic]
			if !ok {
				subscribers = make(map[peer.ID]struct{})
				t.topicSubscriptions[topic] = subscribers
			}
			subscribers[from] = struct{}{}
			log.Debugf("%s subscribed to %s", from, topic)
		} else if subscribers, ok := t.topicSubscriptions[topic]; ok {
			delete(subscribers, from)
			log.Debugf("%s unsubscribed from %s", from, topic)
		}
	}

	for _, msg := range rpc.GetMessages() {
		topic := msg.GetTopicid()
		receivers, ok := t.inboxes[topic]
		if !ok {
			continue
		}
		if t.relay {
			if !t.seen.Add(messageKey(topic, msg.GetData())) {
				continue
			}
			forwards = append(forwards, forward{topic, msg.GetData(), t.subscribedConnections(topic, from)})
		}
		for inbox := range receivers {
			inbox.Put(msg.GetData())
		}
	}
	t.mutex.Unlock()

	for _, f := range forwards {
		if err := broadcast(f.topic, f.data, f.conns); err != nil {
			log.Debugf("failed to forward message on %s: %v", f.topic, err)
		}
	}
}

// Subscribers returns the peers known to receive topic
func (t *Transport) Subscribers(topic string) []peer.ID {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var peers []peer.ID
	for pid := range t.topicSubscriptions[topic] {
		peers = append(peers, pid)
	}
	return peers
}

// Close stops the peer readers and closes every local receiver. The host
// stays open.
func (t *Transport) Close() error {
	t.cancel()
	t.host.SetPeerHandlers(nil, nil)

	t.mutex.Lock()
	var inboxes []*transport.Inbox
	for _, receivers := range t.inboxes {
		for inbox := range receivers {
			inboxes = append(inboxes, inbox)
		}
	}
	t.mutex.Unlock()
	for _, inbox := range inboxes {
		inbox.Close()
	}

	t.wg.Wait()
	return nil
}

// sendRPC marshals and sends an RPC to a connection
func sendRPC(rpc *pb.RPC, conn *Connection) {
	buf, err := proto.Marshal(rpc)
	if err != nil {
		log.Errorf("failed to marshal RPC: %v", err)
		return
	}
	if err := conn.Send(buf); err != nil {
		log.Errorf("failed to send RPC to %s: %v", conn.RemoteAddr(), err)
	}
}
