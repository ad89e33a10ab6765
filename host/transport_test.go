package host

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ppopth/ec-pubsub/transport"
)

func newLocalTransport(t *testing.T, opts ...TransportOption) (*Host, *Transport) {
	t.Helper()
	h := newLocalHost(t)
	tr, err := NewTransport(h, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return h, tr
}

func receive(t *testing.T, r transport.Receiver) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf, err := r.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestTransportSubscriptionsAndDelivery(t *testing.T) {
	h1, t1 := newLocalTransport(t)
	h2, t2 := newLocalTransport(t)

	// Subscribe before connecting so the hello packet carries it
	r2, err := t2.Receive("blocks")
	if err != nil {
		t.Fatal(err)
	}
	if err := h1.Connect(context.Background(), h2.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(t1.Subscribers("blocks")) == 1 })
	if t1.Subscribers("blocks")[0] != h2.ID() {
		t.Fatal("unexpected subscriber")
	}

	// Subscriptions made after connecting are announced too
	r1, err := t1.Receive("blobs")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(t2.Subscribers("blobs")) == 1 })

	if err := t1.Send(context.Background(), "blocks", []byte("piece one")); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, r2); !bytes.Equal(got, []byte("piece one")) {
		t.Fatalf("unexpected message %q", got)
	}
	if err := t2.Send(context.Background(), "blobs", []byte("piece two")); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, r1); !bytes.Equal(got, []byte("piece two")) {
		t.Fatalf("unexpected message %q", got)
	}

	// Closing the last receiver announces the unsubscription
	r2.Close()
	waitFor(t, func() bool { return len(t1.Subscribers("blocks")) == 0 })
}

func TestTransportLocalDelivery(t *testing.T) {
	_, tr := newLocalTransport(t)
	r, err := tr.Receive("blocks")
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("local")
	if err := tr.Send(context.Background(), "blocks", data); err != nil {
		t.Fatal(err)
	}
	data[0] = 'X'
	if got := receive(t, r); !bytes.Equal(got, []byte("local")) {
		t.Fatalf("local receivers should get a copy, got %q", got)
	}
}

func TestTransportCeiling(t *testing.T) {
	_, tr := newLocalTransport(t, WithMaxMessageSize(100))
	if tr.MaxMessageSize() != 100 {
		t.Fatalf("unexpected ceiling %d", tr.MaxMessageSize())
	}
	err := tr.Send(context.Background(), "blocks", make([]byte, 101))
	if !errors.Is(err, transport.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestTransportRateLimit(t *testing.T) {
	_, tr := newLocalTransport(t, WithRateLimit(1, 2))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := tr.Send(ctx, "blocks", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	err := tr.Send(ctx, "blocks", []byte("x"))
	if !errors.Is(err, transport.ErrThrottled) || !transport.IsTransient(err) {
		t.Fatalf("expected a transient throttling error, got %v", err)
	}
}

func TestTransportClose(t *testing.T) {
	h := newLocalHost(t)
	tr, err := NewTransport(h)
	if err != nil {
		t.Fatal(err)
	}
	r, err := tr.Receive("blocks")
	if err != nil {
		t.Fatal(err)
	}
	tr.Close()

	if _, err := r.Next(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := tr.Send(context.Background(), "blocks", []byte("x")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := tr.Receive("blocks"); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTransportRelay(t *testing.T) {
	// A line of three nodes: a - b - c
	ha, ta := newLocalTransport(t, WithRelay(time.Minute))
	hb, tb := newLocalTransport(t, WithRelay(time.Minute))
	hc, tc := newLocalTransport(t, WithRelay(time.Minute))

	rb, err := tb.Receive("blocks")
	if err != nil {
		t.Fatal(err)
	}
	rc, err := tc.Receive("blocks")
	if err != nil {
		t.Fatal(err)
	}
	if err := ha.Connect(context.Background(), hb.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	if err := hc.Connect(context.Background(), hb.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		return len(ta.Subscribers("blocks")) == 1 && len(tb.Subscribers("blocks")) == 1
	})

	if err := ta.Send(context.Background(), "blocks", []byte("relayed")); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, rb); string(got) != "relayed" {
		t.Fatalf("unexpected message at b: %q", got)
	}
	if got := receive(t, rc); string(got) != "relayed" {
		t.Fatalf("unexpected message at c: %q", got)
	}

	// Nothing circulates back to b
	time.Sleep(50 * time.Millisecond)
	if n := rb.(*transport.Inbox).Len(); n != 0 {
		t.Fatalf("b should not receive the message twice, %d queued", n)
	}
}
