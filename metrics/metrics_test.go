package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}
	m.Pieces.WithLabelValues(PieceAccepted).Inc()
	m.SessionsCreated.Inc()

	if got := testutil.ToFloat64(m.Pieces.WithLabelValues(PieceAccepted)); got != 1 {
		t.Fatalf("expected 1 accepted piece, got %v", got)
	}
	count, err := testutil.GatherAndCount(reg, "ecpubsub_decoder_sessions_created_total")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 series, got %d", count)
	}

	// Registering twice on the same registry fails
	if _, err := New(reg); err == nil {
		t.Fatal("expected a duplicate registration error")
	}
}

func TestNop(t *testing.T) {
	m := Nop()
	m.Retries.Inc()
	if got := testutil.ToFloat64(m.Retries); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}
