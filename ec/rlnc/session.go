package rlnc

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppopth/ec-pubsub/ec/field"
	"github.com/ppopth/ec-pubsub/ec/piece"
)

// State is the lifecycle state of a decoder Session
type State int

const (
	// Collecting accepts pieces until k independent ones have arrived
	Collecting State = iota
	// Complete holds the reconstructed payload; terminal
	Complete
	// Expired has discarded its partial state; terminal
	Expired
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Complete:
		return "complete"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session incrementally decodes one message. Accepted coefficient vectors are
// kept in row echelon form, indexed by their pivot column, with each pivot
// normalized to one. Once the rank reaches k the payload is recovered by back
// substitution.
type Session struct {
	field     field.Field
	messageID uuid.UUID
	k         int
	length    int
	flags     piece.Flags
	created   time.Time
	timeout   time.Duration

	mutex   sync.Mutex // Protects everything below
	state   State
	pivots  [][]byte // pivots[c] is the basis row whose leading entry is column c, or nil
	rows    [][]byte // rows[c] is the coded payload matching pivots[c]
	rank    int
	payload []byte // Set once Complete
}

// NewSession creates a Collecting session shaped after the first piece seen
// for a message. The piece itself is not ingested.
func NewSession(f field.Field, first *piece.Piece, created time.Time, timeout time.Duration) *Session {
	k := first.K()
	return &Session{
		field:     f,
		messageID: first.MessageID,
		k:         k,
		length:    int(first.Length),
		flags:     first.Flags,
		created:   created,
		timeout:   timeout,
		pivots:    make([][]byte, k),
		rows:      make([][]byte, k),
	}
}

// Ingest reduces the piece against the current basis. It returns true when
// the piece added a new dimension and false when it was linearly dependent on
// the accepted pieces, in which case the session is left untouched.
func (s *Session) Ingest(p *piece.Piece) (bool, error) {
	if p.MessageID != s.messageID || p.K() != s.k || int(p.Length) != s.length || p.Flags != s.flags {
		return false, fmt.Errorf("%w: message %s (k=%d, L=%d, flags=%#x) vs session (k=%d, L=%d, flags=%#x)",
			ErrInconsistentPiece, p.MessageID, p.K(), p.Length, uint8(p.Flags), s.k, s.length, uint8(s.flags))
	}
	if len(p.Data) != piece.ShareSize(s.length, s.k) {
		return false, fmt.Errorf("%w: data is %d bytes, expected %d",
			ErrInconsistentPiece, len(p.Data), piece.ShareSize(s.length, s.k))
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != Collecting {
		return false, fmt.Errorf("%w: %s", ErrSessionClosed, s.state)
	}

	coeffs := append([]byte(nil), p.Coeffs...)
	data := append([]byte(nil), p.Data...)

	// Eliminate every column that already has a pivot, in increasing order.
	// Pivot rows are zero left of their pivot, so earlier columns stay zero.
	for col := 0; col < s.k; col++ {
		c := coeffs[col]
		if c == 0 || s.pivots[col] == nil {
			continue
		}
		field.MulAdd(s.field, coeffs, s.pivots[col], c)
		field.MulAdd(s.field, data, s.rows[col], c)
	}
	lead := field.LeadingIndex(coeffs)
	if lead == -1 {
		return false, nil
	}

	inv, err := s.field.Inv(coeffs[lead])
	if err != nil {
		return false, err
	}
	field.Scale(s.field, coeffs, inv)
	field.Scale(s.field, data, inv)
	s.pivots[lead] = coeffs
	s.rows[lead] = data
	s.rank++

	if s.rank == s.k {
		s.reconstruct()
	}
	return true, nil
}

// reconstruct solves the upper triangular system from the last column back
// and concatenates the source pieces. Caller holds the lock.
func (s *Session) reconstruct() {
	for col := s.k - 1; col >= 0; col-- {
		row := s.pivots[col]
		for j := col + 1; j < s.k; j++ {
			if row[j] != 0 {
				// rows[j] is already solved for source piece j
				field.MulAdd(s.field, s.rows[col], s.rows[j], row[j])
			}
		}
	}

	payload := make([]byte, 0, len(s.rows[0])*s.k)
	for _, row := range s.rows {
		payload = append(payload, row...)
	}
	s.payload = payload[:s.length]
	s.state = Complete
	s.pivots = nil
	s.rows = nil
}

// CheckExpired moves a Collecting session past its timeout to Expired and
// drops its partial state. It reports whether the session is Expired.
func (s *Session) CheckExpired(now time.Time) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == Collecting && now.Sub(s.created) > s.timeout {
		s.expire()
	}
	return s.state == Expired
}

// Discard expires a Collecting session immediately.
func (s *Session) Discard() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == Collecting {
		s.expire()
	}
}

func (s *Session) expire() {
	s.state = Expired
	s.pivots = nil
	s.rows = nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Rank returns the number of independent pieces accepted so far.
func (s *Session) Rank() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.rank
}

// Payload returns the reconstructed payload once the session is Complete.
func (s *Session) Payload() ([]byte, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != Complete {
		return nil, false
	}
	return s.payload, true
}

// Basis returns a copy of the accepted coefficient rows, top to bottom.
func (s *Session) Basis() [][]byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var basis [][]byte
	for _, row := range s.pivots {
		if row != nil {
			basis = append(basis, append([]byte(nil), row...))
		}
	}
	return basis
}

// MessageID returns the identifier of the message being decoded.
func (s *Session) MessageID() uuid.UUID { return s.messageID }

// K returns the number of source pieces the message was split into.
func (s *Session) K() int { return s.k }

// Length returns the original payload length.
func (s *Session) Length() int { return s.length }

// Flags returns the flags declared by the message's pieces.
func (s *Session) Flags() piece.Flags { return s.flags }

// Created returns when the first piece of the message arrived.
func (s *Session) Created() time.Time { return s.created }
