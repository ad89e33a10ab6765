// Package host runs the QUIC endpoint a node uses to exchange coded pieces
// with its peers. Peers authenticate with self-signed certificates derived
// from ed25519 identities and exchange unreliable QUIC datagrams.
package host

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("host")

const (
	DefaultPort        = 7001
	DefaultIdleTimeout = 5 * time.Minute
)

// HostOption configures a Host during construction
type HostOption func(*Host) error

// Host manages QUIC connections to peers
type Host struct {
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup

	mutex       sync.Mutex // Protects connections and handlers
	connections map[peer.ID]*Connection

	certificate *tls.Certificate
	endpoint    *net.UDPAddr
	peerID      peer.ID
	privateKey  crypto.PrivateKey
	idleTimeout time.Duration

	transport *quic.Transport
	listener  *quic.Listener

	stats Stats

	addHandler    AddPeerHandler
	removeHandler RemovePeerHandler
}

// NewHost creates a Host listening on its UDP endpoint
func NewHost(opts ...HostOption) (*Host, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Host{
		ctx:    ctx,
		cancel: cancel,

		endpoint:    net.UDPAddrFromAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultPort)),
		connections: make(map[peer.ID]*Connection),
		idleTimeout: DefaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(h); err != nil {
			cancel()
			return nil, err
		}
	}

	if h.privateKey == nil {
		_, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := WithIdentity(privateKey)(h); err != nil {
			cancel()
			return nil, err
		}
	}

	var err error
	if h.certificate, err = createTLSCertFromKey(h.privateKey); err != nil {
		cancel()
		return nil, err
	}

	udpConn, err := net.ListenUDP("udp", h.endpoint)
	if err != nil {
		cancel()
		return nil, err
	}
	h.transport = &quic.Transport{Conn: udpConn}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*h.certificate},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{alpn},
	}
	h.listener, err = h.transport.Listen(tlsConfig, h.quicConfig())
	if err != nil {
		cancel()
		udpConn.Close()
		return nil, err
	}

	h.waitGroup.Add(1)
	go h.acceptLoop()

	return h, nil
}

const alpn = "ec-pubsub"

func (h *Host) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  h.idleTimeout,
		KeepAlivePeriod: h.idleTimeout / 2,
	}
}

// Connect dials a peer and registers the connection
func (h *Host) Connect(ctx context.Context, addr net.Addr) error {
	// The dial is cancelled by either the host or the caller
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*h.certificate},
		// Peers are authenticated by the peer ID in their certificate, not by a CA
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
	conn, err := h.transport.Dial(dialCtx, addr, tlsConfig, h.quicConfig())
	if err != nil {
		return err
	}

	peerID, err := h.handleConnection(conn)
	if err != nil {
		conn.CloseWithError(0, err.Error())
		return err
	}
	log.Infof("connected to %s at %s", peerID, addr)
	return nil
}

func (h *Host) LocalAddr() net.Addr {
	return h.transport.Conn.LocalAddr()
}

func (h *Host) ID() peer.ID {
	return h.peerID
}

// Peers returns the IDs of connected peers
func (h *Host) Peers() []peer.ID {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	peers := make([]peer.ID, 0, len(h.connections))
	for p := range h.connections {
		peers = append(peers, p)
	}
	return peers
}

// Stats returns the datagram counters of the host
func (h *Host) Stats() *Stats {
	return &h.stats
}

// Close tells every peer the connection is gone, then shuts the host down.
func (h *Host) Close() error {
	h.cancel()

	h.mutex.Lock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mutex.Unlock()
	for _, conn := range conns {
		conn.conn.CloseWithError(0, "host closed")
	}

	err := h.transport.Close()
	h.waitGroup.Wait()
	return err
}

// AddPeerHandler is called when a new peer connects
type AddPeerHandler func(peer.ID, *Connection)

// RemovePeerHandler is called when a peer disconnects
type RemovePeerHandler func(peer.ID)

// SetPeerHandlers registers callbacks for peer connection events. The add
// handler is replayed for peers that are already connected.
func (h *Host) SetPeerHandlers(addHandler AddPeerHandler, removeHandler RemovePeerHandler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.addHandler = addHandler
	h.removeHandler = removeHandler

	if h.addHandler == nil {
		return
	}
	for peerID, conn := range h.connections {
		h.addHandler(peerID, conn)
	}
}

// handleConnection registers a new connection, incoming or outgoing
func (h *Host) handleConnection(conn quic.Connection) (peer.ID, error) {
	state := conn.ConnectionState()
	if !state.SupportsDatagrams {
		return "", fmt.Errorf("peer at %s does not support datagrams", conn.RemoteAddr())
	}
	if len(state.TLS.PeerCertificates) == 0 {
		return "", fmt.Errorf("peer at %s sent no certificate", conn.RemoteAddr())
	}
	peerID, err := parsePeerIDFromCertificate(state.TLS.PeerCertificates[0])
	if err != nil {
		return "", fmt.Errorf("failed parsing for a peer ID from the TLS certificate: %w", err)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, exists := h.connections[peerID]; exists {
		return "", fmt.Errorf("already connected to peer %s", peerID)
	}

	wrapped := &Connection{conn: conn, stats: &h.stats}
	h.connections[peerID] = wrapped
	if h.addHandler != nil {
		h.addHandler(peerID, wrapped)
	}

	h.waitGroup.Add(1)
	go func() {
		defer h.waitGroup.Done()
		<-conn.Context().Done()

		h.mutex.Lock()
		defer h.mutex.Unlock()
		if h.connections[peerID] != wrapped {
			return
		}
		delete(h.connections, peerID)
		if h.removeHandler != nil {
			h.removeHandler(peerID)
		}
		log.Infof("disconnected from %s", peerID)
	}()
	return peerID, nil
}

func (h *Host) acceptLoop() {
	defer h.waitGroup.Done()

	log.Infof("listening on %s as %s", h.LocalAddr(), h.peerID)

	for {
		conn, err := h.listener.Accept(h.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, quic.ErrServerClosed) {
				log.Warnf("listener accept error: %v", err)
			}
			return
		}

		peerID, err := h.handleConnection(conn)
		if err != nil {
			log.Warnf("failed to handle connection: %v", err)
			conn.CloseWithError(0, err.Error())
			continue
		}
		log.Infof("accepted connection from %s at %s", peerID, conn.RemoteAddr())
	}
}

func WithAddrPort(ep netip.AddrPort) HostOption {
	return func(h *Host) error {
		h.endpoint = net.UDPAddrFromAddrPort(ep)
		return nil
	}
}

// WithIdleTimeout sets how long a silent connection is kept open
func WithIdleTimeout(timeout time.Duration) HostOption {
	return func(h *Host) error {
		if timeout <= 0 {
			return fmt.Errorf("idle timeout must be positive: %v", timeout)
		}
		h.idleTimeout = timeout
		return nil
	}
}
