package rlnc

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPayload is returned when encoding a zero-length payload.
	ErrEmptyPayload = errors.New("payload is empty")
	// ErrInvalidPieceCount is returned for k < 2 or a k the wire format cannot carry.
	ErrInvalidPieceCount = errors.New("invalid piece count")
	// ErrInvalidRedundancy is returned for redundancy factors below 1.
	ErrInvalidRedundancy = errors.New("invalid redundancy factor")
	// ErrPieceTooLarge is matched by *PieceTooLargeError.
	ErrPieceTooLarge = errors.New("piece too large")

	// ErrInconsistentPiece is returned when a piece disagrees with its session on k, L or flags.
	ErrInconsistentPiece = errors.New("piece is inconsistent with its session")
	// ErrSessionClosed is returned when ingesting into a completed or expired session.
	ErrSessionClosed = errors.New("session is no longer collecting")
)

// PieceTooLargeError reports that a single coded piece would not fit under
// the transport's size ceiling. Increase the piece count or shrink the payload.
type PieceTooLargeError struct {
	Size  int // Serialized size of one piece
	Limit int // Transport ceiling
	K     int // Piece count that produced Size
}

func (e *PieceTooLargeError) Error() string {
	return fmt.Sprintf("piece too large: %d bytes with k=%d exceeds the %d byte limit", e.Size, e.K, e.Limit)
}

// Is makes errors.Is(err, ErrPieceTooLarge) match.
func (e *PieceTooLargeError) Is(target error) bool {
	return target == ErrPieceTooLarge
}
