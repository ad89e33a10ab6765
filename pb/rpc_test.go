package pb

import (
	"bytes"
	"testing"

	"github.com/gogo/protobuf/proto"
)

func TestRPCEncoding(t *testing.T) {
	rpc := &RPC{
		Subscriptions: []*RPC_SubOpts{
			{Subscribe: proto.Bool(true), Topicid: proto.String("blocks")},
			{Subscribe: proto.Bool(false), Topicid: proto.String("blobs")},
		},
		Messages: []*RPC_Message{
			{Topicid: proto.String("blocks"), Data: []byte{0, 1, 2, 255}},
		},
	}
	buf, err := proto.Marshal(rpc)
	if err != nil {
		t.Fatal(err)
	}

	// Field 1, wire type 2 opens the first subscription
	if buf[0] != 0x0a {
		t.Fatalf("unexpected leading tag %#x", buf[0])
	}

	var decoded RPC
	if err := proto.Unmarshal(buf, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.GetSubscriptions()) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(decoded.GetSubscriptions()))
	}
	if !decoded.Subscriptions[0].GetSubscribe() || decoded.Subscriptions[1].GetSubscribe() {
		t.Fatal("subscribe flags mismatch")
	}
	if decoded.Subscriptions[1].GetTopicid() != "blobs" {
		t.Fatalf("unexpected topic %q", decoded.Subscriptions[1].GetTopicid())
	}
	msg := decoded.GetMessages()[0]
	if msg.GetTopicid() != "blocks" || !bytes.Equal(msg.GetData(), []byte{0, 1, 2, 255}) {
		t.Fatalf("message mismatch: %v", msg)
	}
}

func TestRPCNilGetters(t *testing.T) {
	var rpc *RPC
	if rpc.GetMessages() != nil || rpc.GetSubscriptions() != nil {
		t.Fatal("nil RPC should have no contents")
	}
	var sub *RPC_SubOpts
	if sub.GetSubscribe() || sub.GetTopicid() != "" {
		t.Fatal("nil SubOpts should be empty")
	}
}

func TestRPCMalformed(t *testing.T) {
	var rpc RPC
	if err := proto.Unmarshal([]byte{0x0a, 0x05, 0x01}, &rpc); err == nil {
		t.Fatal("expected an error for truncated input")
	}
}
