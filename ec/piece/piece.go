// Package piece defines the coded piece exchanged between publishers and
// subscribers and its fixed-layout wire encoding.
//
// Wire layout, big-endian:
//
//	message ID   16 bytes
//	piece count   2 bytes (k)
//	length        4 bytes (original payload length L)
//	sequence      2 bytes
//	flags         1 byte
//	coefficients  k bytes
//	payload       ceil(L/k) bytes
package piece

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// HeaderSize is the number of bytes before the coefficient vector.
const HeaderSize = 16 + 2 + 4 + 2 + 1

// MaxPieceCount is the largest k the header can express.
const MaxPieceCount = 1<<16 - 1

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("malformed piece")

// Flags carries per-message options that travel with every piece.
type Flags uint8

const (
	// FlagCompressed marks the reconstructed payload as compressed.
	FlagCompressed Flags = 1 << iota

	knownFlags = FlagCompressed
)

// Compressed reports whether FlagCompressed is set.
func (f Flags) Compressed() bool {
	return f&FlagCompressed != 0
}

// Piece is one coded piece: a linear combination of the k source pieces of a
// message together with the coefficients that produced it.
type Piece struct {
	MessageID uuid.UUID // Shared by every piece of one message
	Length    uint32    // Original payload length in bytes
	Seq       uint16    // Position in the publisher's output, informational only
	Flags     Flags
	Coeffs    []byte // One coefficient per source piece, len(Coeffs) == k
	Data      []byte // Coded payload, len(Data) == ShareSize(Length, k)
}

// K returns the number of source pieces the message was split into.
func (p *Piece) K() int {
	return len(p.Coeffs)
}

// ShareSize returns the size of each source piece when a payload of the given
// length is split into k pieces.
func ShareSize(length, k int) int {
	return (length + k - 1) / k
}

// EncodedSize returns the serialized size of a piece for a payload of the
// given length split into k pieces.
func EncodedSize(length, k int) int {
	return HeaderSize + k + ShareSize(length, k)
}

// Size returns the serialized size of p.
func (p *Piece) Size() int {
	return HeaderSize + len(p.Coeffs) + len(p.Data)
}

// Marshal serializes p.
func (p *Piece) Marshal() ([]byte, error) {
	buf := make([]byte, p.Size())
	if _, err := p.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarshalTo serializes p into buf and returns the number of bytes written.
func (p *Piece) MarshalTo(buf []byte) (int, error) {
	k := len(p.Coeffs)
	if k == 0 || k > MaxPieceCount {
		return 0, fmt.Errorf("piece count %d out of range", k)
	}
	if len(p.Data) != ShareSize(int(p.Length), k) {
		return 0, fmt.Errorf("data length %d does not match length %d split into %d pieces",
			len(p.Data), p.Length, k)
	}
	size := p.Size()
	if len(buf) < size {
		return 0, fmt.Errorf("buffer too small: %d < %d", len(buf), size)
	}

	copy(buf[0:16], p.MessageID[:])
	binary.BigEndian.PutUint16(buf[16:18], uint16(k))
	binary.BigEndian.PutUint32(buf[18:22], p.Length)
	binary.BigEndian.PutUint16(buf[22:24], p.Seq)
	buf[24] = byte(p.Flags)
	copy(buf[HeaderSize:], p.Coeffs)
	copy(buf[HeaderSize+k:], p.Data)
	return size, nil
}

// Unmarshal parses a piece. The returned piece does not alias data.
func Unmarshal(data []byte) (*Piece, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(data))
	}

	p := &Piece{}
	copy(p.MessageID[:], data[0:16])
	k := int(binary.BigEndian.Uint16(data[16:18]))
	p.Length = binary.BigEndian.Uint32(data[18:22])
	p.Seq = binary.BigEndian.Uint16(data[22:24])
	p.Flags = Flags(data[24])

	if k == 0 {
		return nil, fmt.Errorf("%w: piece count is zero", ErrMalformed)
	}
	if p.Length == 0 {
		return nil, fmt.Errorf("%w: original length is zero", ErrMalformed)
	}
	if p.Flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", ErrMalformed, uint8(p.Flags))
	}
	body := data[HeaderSize:]
	if len(body) < k {
		return nil, fmt.Errorf("%w: truncated coefficients (%d < %d)", ErrMalformed, len(body), k)
	}
	if want := ShareSize(int(p.Length), k); len(body)-k != want {
		return nil, fmt.Errorf("%w: payload is %d bytes, expected %d", ErrMalformed, len(body)-k, want)
	}

	p.Coeffs = append([]byte(nil), body[:k]...)
	p.Data = append([]byte(nil), body[k:]...)
	return p, nil
}
