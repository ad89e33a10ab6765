package rlnc

import (
	"bytes"
	"errors"
	mrand "math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ppopth/ec-pubsub/ec/field"
	"github.com/ppopth/ec-pubsub/ec/piece"
)

func newTestEncoder(t *testing.T, seed int64) *Encoder {
	t.Helper()
	encoder, err := NewEncoder(WithRand(mrand.New(mrand.NewSource(seed))))
	if err != nil {
		t.Fatal(err)
	}
	return encoder
}

func collect(stream *Stream) []*piece.Piece {
	var pieces []*piece.Piece
	for {
		p, ok := stream.Next()
		if !ok {
			return pieces
		}
		pieces = append(pieces, p)
	}
}

// decodeAll feeds pieces to a fresh session until it completes and returns
// the session along with the pieces that were accepted.
func decodeAll(t *testing.T, pieces []*piece.Piece) (*Session, []*piece.Piece) {
	t.Helper()
	session := NewSession(field.NewGF256(), pieces[0], time.Now(), time.Minute)
	var accepted []*piece.Piece
	for _, p := range pieces {
		if session.State() == Complete {
			break
		}
		useful, err := session.Ingest(p)
		if err != nil {
			t.Fatal(err)
		}
		if useful {
			accepted = append(accepted, p)
		}
	}
	return session, accepted
}

// isRowEchelonForm reports whether every nonzero row has its leading entry
// strictly right of the one above it, with zeros below each leading entry and
// zero rows last.
func isRowEchelonForm(matrix [][]byte) bool {
	prev := -1
	for i, row := range matrix {
		lead := field.LeadingIndex(row)
		if lead == -1 {
			for _, below := range matrix[i+1:] {
				if field.LeadingIndex(below) != -1 {
					return false
				}
			}
			return true
		}
		if lead <= prev {
			return false
		}
		for _, below := range matrix[i+1:] {
			if lead < len(below) && below[lead] != 0 {
				return false
			}
		}
		prev = lead
	}
	return true
}

func asciiPayload(n int) []byte {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", n/45+1)
	return []byte(text[:n])
}

func TestEncodeErrors(t *testing.T) {
	encoder := newTestEncoder(t, 1)

	if _, err := encoder.Encode(nil, 4, 1.5); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	if _, err := encoder.Encode([]byte("abc"), 1, 1.5); !errors.Is(err, ErrInvalidPieceCount) {
		t.Fatalf("expected ErrInvalidPieceCount, got %v", err)
	}
	if _, err := encoder.Encode([]byte("abc"), 2, 0.5); !errors.Is(err, ErrInvalidRedundancy) {
		t.Fatalf("expected ErrInvalidRedundancy, got %v", err)
	}

	// 10000 bytes in 2 pieces is far above the 900 byte ceiling
	_, err := encoder.Encode(make([]byte, 10000), 2, 1.5)
	if !errors.Is(err, ErrPieceTooLarge) {
		t.Fatalf("expected ErrPieceTooLarge, got %v", err)
	}
	var tooLarge *PieceTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected *PieceTooLargeError, got %T", err)
	}
	if tooLarge.Limit != DefaultMaxPieceSize || tooLarge.Size != piece.EncodedSize(10000, 2) {
		t.Fatalf("unexpected error contents %+v", tooLarge)
	}
}

func TestFirstKPiecesDecode(t *testing.T) {
	f := field.NewGF256()
	encoder := newTestEncoder(t, 11)

	// Two random nonzero vectors of length two are dependent one time in 255
	for i := 0; i < 2000; i++ {
		stream, err := encoder.Encode([]byte{byte(i), 1, 2, 3}, 2, 1)
		if err != nil {
			t.Fatal(err)
		}
		pieces := collect(stream)
		coeffs := [][]byte{pieces[0].Coeffs, pieces[1].Coeffs}
		if !field.IsLinearlyIndependent(f, coeffs) {
			t.Fatalf("stream %d: the first k pieces are dependent", i)
		}
		session, _ := decodeAll(t, pieces)
		if got, ok := session.Payload(); !ok || !bytes.Equal(got, []byte{byte(i), 1, 2, 3}) {
			t.Fatalf("stream %d did not decode from exactly k pieces", i)
		}
	}
}

func TestPieceTotal(t *testing.T) {
	testCases := []struct {
		k          int
		redundancy float64
		want       int
	}{
		{8, 1.5, 12},
		{8, 1.0, 8},
		{10, 1.1, 11},
		{3, 1.5, 5},
		{4, 2, 8},
	}
	for _, tc := range testCases {
		if got := PieceTotal(tc.k, tc.redundancy); got != tc.want {
			t.Fatalf("PieceTotal(%d, %v): expected %d, got %d", tc.k, tc.redundancy, tc.want, got)
		}
	}
}

func TestStreamIsLazyAndFinite(t *testing.T) {
	encoder := newTestEncoder(t, 2)
	stream, err := encoder.Encode([]byte("hello world"), 4, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	if stream.Len() != 6 || stream.Remaining() != 6 || stream.K() != 4 {
		t.Fatalf("unexpected stream shape: len=%d remaining=%d k=%d", stream.Len(), stream.Remaining(), stream.K())
	}

	pieces := collect(stream)
	if len(pieces) != 6 {
		t.Fatalf("expected 6 pieces, got %d", len(pieces))
	}
	if _, ok := stream.Next(); ok {
		t.Fatal("exhausted stream produced another piece")
	}
	for i, p := range pieces {
		if p.MessageID != stream.MessageID() {
			t.Fatalf("piece %d has a different message ID", i)
		}
		if int(p.Seq) != i {
			t.Fatalf("piece %d has sequence %d", i, p.Seq)
		}
		for _, c := range p.Coeffs {
			if c == 0 {
				t.Fatalf("piece %d has a zero coefficient", i)
			}
		}
	}
}

func TestEncodeIsDeterministicWhenSeeded(t *testing.T) {
	payload := asciiPayload(300)
	first, err := newTestEncoder(t, 99).Encode(payload, 5, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	second, err := newTestEncoder(t, 99).Encode(payload, 5, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	if first.MessageID() != second.MessageID() {
		t.Fatal("message IDs differ for the same seed")
	}
	a, b := collect(first), collect(second)
	for i := range a {
		if !bytes.Equal(a[i].Coeffs, b[i].Coeffs) || !bytes.Equal(a[i].Data, b[i].Data) {
			t.Fatalf("piece %d differs for the same seed", i)
		}
	}
}

func TestEncodeCopiesPayload(t *testing.T) {
	encoder := newTestEncoder(t, 3)
	payload := []byte("immutable payload")
	original := append([]byte(nil), payload...)
	stream, err := encoder.Encode(payload, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := range payload {
		payload[i] = 0
	}
	session, _ := decodeAll(t, collect(stream))
	got, ok := session.Payload()
	if !ok {
		t.Fatal("session did not complete")
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("expected %q, got %q", original, got)
	}
}

func TestRoundTrip(t *testing.T) {
	rng := mrand.New(mrand.NewSource(7))
	encoder := newTestEncoder(t, 7)
	for _, length := range []int{1, 2, 7, 64, 255, 900, 4000} {
		for _, k := range []int{2, 3, 8, 16, 40} {
			if piece.EncodedSize(length, k) > DefaultMaxPieceSize {
				continue
			}
			payload := make([]byte, length)
			rng.Read(payload)

			stream, err := encoder.Encode(payload, k, 2)
			if err != nil {
				t.Fatal(err)
			}
			pieces := collect(stream)
			// Shuffle and intersperse duplicates
			rng.Shuffle(len(pieces), func(i, j int) { pieces[i], pieces[j] = pieces[j], pieces[i] })
			var withDuplicates []*piece.Piece
			for _, p := range pieces {
				withDuplicates = append(withDuplicates, p, p)
			}

			session, accepted := decodeAll(t, withDuplicates)
			got, ok := session.Payload()
			if !ok {
				t.Fatalf("L=%d k=%d: session did not complete (rank %d)", length, k, session.Rank())
			}
			if len(accepted) != k {
				t.Fatalf("L=%d k=%d: accepted %d pieces", length, k, len(accepted))
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("L=%d k=%d: payload mismatch", length, k)
			}
		}
	}
}

func TestConcreteScenario(t *testing.T) {
	encoder := newTestEncoder(t, 11)
	payload := asciiPayload(900)

	stream, err := encoder.Encode(payload, 8, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	pieces := collect(stream)
	if len(pieces) != 12 {
		t.Fatalf("expected 12 pieces, got %d", len(pieces))
	}
	for i, p := range pieces {
		if p.Size() > DefaultMaxPieceSize {
			t.Fatalf("piece %d is %d bytes", i, p.Size())
		}
		buf, err := p.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		if len(buf) > DefaultMaxPieceSize {
			t.Fatalf("serialized piece %d is %d bytes", i, len(buf))
		}
	}

	// Seven pieces can never complete
	session := NewSession(field.NewGF256(), pieces[0], time.Now(), time.Minute)
	for _, p := range pieces[:7] {
		if _, err := session.Ingest(p); err != nil {
			t.Fatal(err)
		}
	}
	if session.State() != Collecting {
		t.Fatalf("seven pieces must not complete, state is %s", session.State())
	}
	if _, ok := session.Payload(); ok {
		t.Fatal("incomplete session exposed a payload")
	}

	// Every 8-subset that is independent reconstructs the payload
	subsets := 0
	for mask := 0; mask < 1<<12; mask++ {
		if popcount(mask) != 8 {
			continue
		}
		var subset []*piece.Piece
		for i := 0; i < 12; i++ {
			if mask&(1<<i) != 0 {
				subset = append(subset, pieces[i])
			}
		}
		var coeffs [][]byte
		for _, p := range subset {
			coeffs = append(coeffs, p.Coeffs)
		}
		if !field.IsLinearlyIndependent(field.NewGF256(), coeffs) {
			continue
		}
		subsets++
		session, _ := decodeAll(t, subset)
		got, ok := session.Payload()
		if !ok || !bytes.Equal(got, payload) {
			t.Fatalf("subset %012b failed to reconstruct", mask)
		}
	}
	// With overwhelming probability almost all of the 495 subsets are independent
	if subsets < 400 {
		t.Fatalf("only %d of 495 subsets were independent", subsets)
	}
}

func popcount(x int) int {
	n := 0
	for ; x != 0; x &= x - 1 {
		n++
	}
	return n
}

func TestOrderIndependence(t *testing.T) {
	encoder := newTestEncoder(t, 5)
	payload := asciiPayload(200)
	stream, err := encoder.Encode(payload, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	_, accepted := decodeAll(t, collect(stream))
	if len(accepted) != 4 {
		t.Fatalf("expected 4 accepted pieces, got %d", len(accepted))
	}

	// All 24 permutations of the independent pieces decode identically
	permutations := 0
	var permute func(prefix []*piece.Piece, rest []*piece.Piece)
	permute = func(prefix []*piece.Piece, rest []*piece.Piece) {
		if len(rest) == 0 {
			permutations++
			session, _ := decodeAll(t, prefix)
			got, ok := session.Payload()
			if !ok || !bytes.Equal(got, payload) {
				t.Fatalf("permutation %d failed to reconstruct", permutations)
			}
			return
		}
		for i := range rest {
			next := append(append([]*piece.Piece(nil), prefix...), rest[i])
			remaining := append(append([]*piece.Piece(nil), rest[:i]...), rest[i+1:]...)
			permute(next, remaining)
		}
	}
	permute(nil, accepted)
	if permutations != 24 {
		t.Fatalf("expected 24 permutations, got %d", permutations)
	}
}

func TestDependentPieceLeavesSessionUntouched(t *testing.T) {
	f := field.NewGF256()
	encoder := newTestEncoder(t, 8)
	stream, err := encoder.Encode(asciiPayload(100), 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	pieces := collect(stream)

	session := NewSession(f, pieces[0], time.Now(), time.Minute)
	for _, p := range pieces[:2] {
		if useful, err := session.Ingest(p); err != nil || !useful {
			t.Fatalf("expected a useful piece, got %v %v", useful, err)
		}
	}
	before := session.Basis()
	if !isRowEchelonForm(before) {
		t.Fatal("basis is not in row echelon form")
	}

	// A combination of the accepted pieces carries no new information
	combined := &piece.Piece{
		MessageID: pieces[0].MessageID,
		Length:    pieces[0].Length,
		Coeffs:    make([]byte, 4),
		Data:      make([]byte, len(pieces[0].Data)),
	}
	field.MulAdd(f, combined.Coeffs, pieces[0].Coeffs, 3)
	field.MulAdd(f, combined.Coeffs, pieces[1].Coeffs, 77)
	field.MulAdd(f, combined.Data, pieces[0].Data, 3)
	field.MulAdd(f, combined.Data, pieces[1].Data, 77)

	zero := &piece.Piece{
		MessageID: pieces[0].MessageID,
		Length:    pieces[0].Length,
		Coeffs:    make([]byte, 4),
		Data:      make([]byte, len(pieces[0].Data)),
	}

	for name, p := range map[string]*piece.Piece{"duplicate": pieces[1], "combination": combined, "zero": zero} {
		useful, err := session.Ingest(p)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if useful {
			t.Fatalf("%s piece was accepted", name)
		}
		if session.Rank() != 2 {
			t.Fatalf("%s piece changed the rank to %d", name, session.Rank())
		}
		after := session.Basis()
		for i := range before {
			if !bytes.Equal(before[i], after[i]) {
				t.Fatalf("%s piece modified the basis", name)
			}
		}
	}
}

func TestInconsistentPiece(t *testing.T) {
	encoder := newTestEncoder(t, 9)
	stream, err := encoder.Encode(asciiPayload(100), 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	pieces := collect(stream)
	session := NewSession(field.NewGF256(), pieces[0], time.Now(), time.Minute)

	other := *pieces[1]
	other.Length = 99
	if _, err := session.Ingest(&other); !errors.Is(err, ErrInconsistentPiece) {
		t.Fatalf("expected ErrInconsistentPiece, got %v", err)
	}
	other = *pieces[1]
	other.MessageID = uuid.New()
	if _, err := session.Ingest(&other); !errors.Is(err, ErrInconsistentPiece) {
		t.Fatalf("expected ErrInconsistentPiece, got %v", err)
	}
	other = *pieces[1]
	other.Flags = piece.FlagCompressed
	if _, err := session.Ingest(&other); !errors.Is(err, ErrInconsistentPiece) {
		t.Fatalf("expected ErrInconsistentPiece, got %v", err)
	}
	if session.Rank() != 0 {
		t.Fatalf("rejected pieces changed the rank to %d", session.Rank())
	}
}

func TestSessionExpiry(t *testing.T) {
	encoder := newTestEncoder(t, 10)
	stream, err := encoder.Encode(asciiPayload(100), 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	pieces := collect(stream)

	created := time.Unix(1000, 0)
	session := NewSession(field.NewGF256(), pieces[0], created, 10*time.Second)
	if _, err := session.Ingest(pieces[0]); err != nil {
		t.Fatal(err)
	}

	if session.CheckExpired(created.Add(10 * time.Second)) {
		t.Fatal("session expired exactly at its timeout")
	}
	if !session.CheckExpired(created.Add(11 * time.Second)) {
		t.Fatal("session did not expire after its timeout")
	}
	if session.State() != Expired {
		t.Fatalf("expected Expired, got %s", session.State())
	}
	if _, err := session.Ingest(pieces[1]); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, ok := session.Payload(); ok {
		t.Fatal("expired session exposed a payload")
	}
}

func TestCompleteSessionNeverExpires(t *testing.T) {
	encoder := newTestEncoder(t, 12)
	stream, err := encoder.Encode(asciiPayload(50), 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	session, _ := decodeAll(t, collect(stream))
	if session.State() != Complete {
		t.Fatalf("expected Complete, got %s", session.State())
	}
	if session.CheckExpired(session.Created().Add(time.Hour)) {
		t.Fatal("complete session expired")
	}
	session.Discard()
	if session.State() != Complete {
		t.Fatal("discard changed a complete session")
	}
}

func TestMinPieceCount(t *testing.T) {
	k, err := MinPieceCount(900, DefaultMaxPieceSize)
	if err != nil {
		t.Fatal(err)
	}
	if k != 2 {
		t.Fatalf("expected k=2 for 900 bytes, got %d", k)
	}

	k, err = MinPieceCount(10000, DefaultMaxPieceSize)
	if err != nil {
		t.Fatal(err)
	}
	if piece.EncodedSize(10000, k) > DefaultMaxPieceSize || piece.EncodedSize(10000, k-1) <= DefaultMaxPieceSize {
		t.Fatalf("k=%d is not the smallest fitting piece count", k)
	}

	if _, err := MinPieceCount(1<<24, DefaultMaxPieceSize); !errors.Is(err, ErrPieceTooLarge) {
		t.Fatalf("expected ErrPieceTooLarge, got %v", err)
	}
}
