package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	quic "github.com/quic-go/quic-go"
)

// ErrDatagramTooLarge is returned when a datagram exceeds what the
// connection can carry in a single QUIC packet.
var ErrDatagramTooLarge = errors.New("datagram too large for connection")

// Stats counts datagrams and bytes moved by a host
type Stats struct {
	datagramsSent     atomic.Uint64
	datagramsReceived atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
}

func (s *Stats) DatagramsSent() uint64     { return s.datagramsSent.Load() }
func (s *Stats) DatagramsReceived() uint64 { return s.datagramsReceived.Load() }
func (s *Stats) BytesSent() uint64         { return s.bytesSent.Load() }
func (s *Stats) BytesReceived() uint64     { return s.bytesReceived.Load() }

// Connection is an unreliable datagram channel to one peer
type Connection struct {
	conn  quic.Connection
	stats *Stats
}

// Send transmits one datagram. Delivery is not guaranteed.
func (c *Connection) Send(buf []byte) error {
	err := c.conn.SendDatagram(buf)
	var tooLarge *quic.DatagramTooLargeError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrDatagramTooLarge, len(buf), tooLarge.MaxDatagramPayloadSize)
	}
	if err != nil {
		return err
	}
	c.stats.datagramsSent.Add(1)
	c.stats.bytesSent.Add(uint64(len(buf)))
	return nil
}

// Receive blocks until a datagram arrives, the connection closes or ctx is done.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	buf, err := c.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, err
	}
	c.stats.datagramsReceived.Add(1)
	c.stats.bytesReceived.Add(uint64(len(buf)))
	return buf, nil
}

func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) Close() error {
	return c.conn.CloseWithError(0, "")
}
