package rlnc

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	mrand "math/rand"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ppopth/ec-pubsub/ec/field"
	"github.com/ppopth/ec-pubsub/ec/piece"
)

var log = logging.Logger("rlnc")

// DefaultMaxPieceSize is the transport's per-message byte budget.
const DefaultMaxPieceSize = 900

// redundancyEpsilon absorbs float error in k*r so that, e.g., 10*1.1 yields 11.
const redundancyEpsilon = 1e-9

// EncoderOption configures an Encoder during construction
type EncoderOption func(*Encoder) error

// WithField sets the finite field used for the linear combinations
func WithField(f field.Field) EncoderOption {
	return func(e *Encoder) error {
		if f == nil {
			return fmt.Errorf("field is required")
		}
		e.field = f
		return nil
	}
}

// WithRand sets the random source used for coefficients and message IDs.
// Seeding it makes encoding fully deterministic.
func WithRand(rng *mrand.Rand) EncoderOption {
	return func(e *Encoder) error {
		if rng == nil {
			return fmt.Errorf("random source is required")
		}
		e.rng = rng
		return nil
	}
}

// WithMaxPieceSize sets the byte ceiling every serialized piece must respect
func WithMaxPieceSize(size int) EncoderOption {
	return func(e *Encoder) error {
		if size <= piece.HeaderSize+2 {
			return fmt.Errorf("max piece size %d cannot hold a piece header", size)
		}
		e.maxPieceSize = size
		return nil
	}
}

// Encoder turns payloads into streams of randomly coded pieces.
type Encoder struct {
	field        field.Field
	maxPieceSize int

	mutex sync.Mutex // Protects rng
	rng   *mrand.Rand
}

// NewEncoder creates an Encoder over GF(256) with a randomly seeded source.
func NewEncoder(opts ...EncoderOption) (*Encoder, error) {
	e := &Encoder{
		field:        field.NewGF256(),
		maxPieceSize: DefaultMaxPieceSize,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.rng == nil {
		var seed [8]byte
		if _, err := crand.Read(seed[:]); err != nil {
			return nil, fmt.Errorf("seeding encoder: %w", err)
		}
		e.rng = mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
	}
	return e, nil
}

// MaxPieceSize returns the configured byte ceiling.
func (e *Encoder) MaxPieceSize() int {
	return e.maxPieceSize
}

// Field returns the field the encoder computes in.
func (e *Encoder) Field() field.Field {
	return e.field
}

type encodeParams struct {
	messageID *uuid.UUID
	flags     piece.Flags
}

// EncodeOption adjusts a single Encode call
type EncodeOption func(*encodeParams)

// WithMessageID forces the message identifier instead of drawing a random one
func WithMessageID(id uuid.UUID) EncodeOption {
	return func(p *encodeParams) {
		p.messageID = &id
	}
}

// WithFlags sets the flags carried by every piece of the message
func WithFlags(flags piece.Flags) EncodeOption {
	return func(p *encodeParams) {
		p.flags = flags
	}
}

// PieceTotal returns n = ceil(k * redundancy).
func PieceTotal(k int, redundancy float64) int {
	return int(math.Ceil(float64(k)*redundancy - redundancyEpsilon))
}

// Encode splits payload into k source pieces and returns a stream that
// lazily produces n = ceil(k * redundancy) coded pieces. The payload is
// copied, so the caller may reuse it.
func (e *Encoder) Encode(payload []byte, k int, redundancy float64, opts ...EncodeOption) (*Stream, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("payload of %d bytes exceeds the wire length field", len(payload))
	}
	if k < 2 || k > piece.MaxPieceCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPieceCount, k)
	}
	if math.IsNaN(redundancy) || math.IsInf(redundancy, 0) || redundancy < 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRedundancy, redundancy)
	}
	if size := piece.EncodedSize(len(payload), k); size > e.maxPieceSize {
		return nil, &PieceTooLargeError{Size: size, Limit: e.maxPieceSize, K: k}
	}
	n := PieceTotal(k, redundancy)
	if n < k {
		n = k
	}
	if n > math.MaxUint16+1 {
		return nil, fmt.Errorf("%w: %d pieces exceed the sequence space", ErrInvalidRedundancy, n)
	}

	var params encodeParams
	for _, opt := range opts {
		opt(&params)
	}
	var messageID uuid.UUID
	if params.messageID != nil {
		messageID = *params.messageID
	} else {
		id, err := e.newMessageID()
		if err != nil {
			return nil, err
		}
		messageID = id
	}

	// Source pieces share one zero-padded backing array
	shareSize := piece.ShareSize(len(payload), k)
	padded := make([]byte, shareSize*k)
	copy(padded, payload)
	sources := make([][]byte, k)
	for i := range sources {
		sources[i] = padded[i*shareSize : (i+1)*shareSize]
	}

	log.Debugf("encoding message %s: %d bytes, k=%d, n=%d", messageID, len(payload), k, n)

	return &Stream{
		encoder:   e,
		messageID: messageID,
		flags:     params.flags,
		length:    uint32(len(payload)),
		sources:   sources,
		k:         k,
		total:     n,
	}, nil
}

// MinPieceCount returns the smallest k >= 2 whose pieces fit under
// maxPieceSize for a payload of the given length.
func MinPieceCount(length, maxPieceSize int) (int, error) {
	if length <= 0 {
		return 0, ErrEmptyPayload
	}
	best := math.MaxInt
	for k := 2; k <= piece.MaxPieceCount && k <= length+1; k++ {
		size := piece.EncodedSize(length, k)
		if size <= maxPieceSize {
			return k, nil
		}
		best = min(best, size)
	}
	return 0, &PieceTooLargeError{Size: best, Limit: maxPieceSize, K: 0}
}

// coefficients draws k coefficients uniformly from the nonzero field elements.
func (e *Encoder) coefficients(k int) []byte {
	coeffs := make([]byte, k)
	order := e.field.Order()

	e.mutex.Lock()
	defer e.mutex.Unlock()
	for i := range coeffs {
		coeffs[i] = byte(1 + e.rng.Intn(order-1))
	}
	return coeffs
}

func (e *Encoder) newMessageID() (uuid.UUID, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	id, err := uuid.NewRandomFromReader(e.rng)
	if err != nil {
		return uuid.Nil, fmt.Errorf("generating message ID: %w", err)
	}
	return id, nil
}

// Stream is a finite, non-restartable sequence of coded pieces for one
// message. A Stream is not safe for concurrent use.
type Stream struct {
	encoder   *Encoder
	messageID uuid.UUID
	flags     piece.Flags
	length    uint32
	sources   [][]byte

	k      int
	total  int      // n
	next   int      // Sequence number of the next piece
	prefix [][]byte // Coefficients of the pieces before sequence k
}

// Next computes and returns the next coded piece, or false once all n pieces
// have been produced.
func (s *Stream) Next() (*piece.Piece, bool) {
	if s.next >= s.total {
		return nil, false
	}
	coeffs := s.encoder.coefficients(s.k)
	if s.next < s.k {
		// The first k pieces alone always decode
		for !field.IsLinearlyIndependent(s.encoder.field, append(s.prefix, coeffs)) {
			coeffs = s.encoder.coefficients(s.k)
		}
		s.prefix = append(s.prefix, coeffs)
	}

	// data = sum(coeffs[i] * sources[i])
	data := make([]byte, len(s.sources[0]))
	for i, source := range s.sources {
		field.MulAdd(s.encoder.field, data, source, coeffs[i])
	}

	p := &piece.Piece{
		MessageID: s.messageID,
		Length:    s.length,
		Seq:       uint16(s.next),
		Flags:     s.flags,
		Coeffs:    coeffs,
		Data:      data,
	}
	s.next++
	if s.next >= s.k {
		s.prefix = nil
	}
	if s.next == s.total {
		// Release the payload copy once exhausted
		s.sources = nil
	}
	return p, true
}

// MessageID returns the identifier shared by every piece of the stream.
func (s *Stream) MessageID() uuid.UUID {
	return s.messageID
}

// K returns the number of source pieces.
func (s *Stream) K() int {
	return s.k
}

// Flags returns the flags carried by every piece of the stream.
func (s *Stream) Flags() piece.Flags {
	return s.flags
}

// Len returns n, the total number of pieces the stream produces.
func (s *Stream) Len() int {
	return s.total
}

// Remaining returns the number of pieces not yet produced.
func (s *Stream) Remaining() int {
	return s.total - s.next
}
