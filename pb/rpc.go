// Package pb holds the protobuf messages exchanged between QUIC peers. Each
// QUIC datagram carries exactly one RPC.
//
//	message RPC {
//	  repeated SubOpts subscriptions = 1;
//	  repeated Message messages = 2;
//
//	  message SubOpts {
//	    optional bool subscribe = 1;
//	    optional string topicid = 2;
//	  }
//	  message Message {
//	    optional string topicid = 1;
//	    optional bytes data = 2;
//	  }
//	}
package pb

import (
	"github.com/gogo/protobuf/proto"
)

type RPC struct {
	Subscriptions []*RPC_SubOpts `protobuf:"bytes,1,rep,name=subscriptions" json:"subscriptions,omitempty"`
	Messages      []*RPC_Message `protobuf:"bytes,2,rep,name=messages" json:"messages,omitempty"`
}

func (m *RPC) Reset()         { *m = RPC{} }
func (m *RPC) String() string { return proto.CompactTextString(m) }
func (*RPC) ProtoMessage()    {}

func (m *RPC) GetSubscriptions() []*RPC_SubOpts {
	if m != nil {
		return m.Subscriptions
	}
	return nil
}

func (m *RPC) GetMessages() []*RPC_Message {
	if m != nil {
		return m.Messages
	}
	return nil
}

// RPC_SubOpts announces that the sender joined or left a topic.
type RPC_SubOpts struct {
	Subscribe *bool   `protobuf:"varint,1,opt,name=subscribe" json:"subscribe,omitempty"`
	Topicid   *string `protobuf:"bytes,2,opt,name=topicid" json:"topicid,omitempty"`
}

func (m *RPC_SubOpts) Reset()         { *m = RPC_SubOpts{} }
func (m *RPC_SubOpts) String() string { return proto.CompactTextString(m) }
func (*RPC_SubOpts) ProtoMessage()    {}

func (m *RPC_SubOpts) GetSubscribe() bool {
	if m != nil && m.Subscribe != nil {
		return *m.Subscribe
	}
	return false
}

func (m *RPC_SubOpts) GetTopicid() string {
	if m != nil && m.Topicid != nil {
		return *m.Topicid
	}
	return ""
}

// RPC_Message carries one opaque transport message, a coded piece in practice.
type RPC_Message struct {
	Topicid *string `protobuf:"bytes,1,opt,name=topicid" json:"topicid,omitempty"`
	Data    []byte  `protobuf:"bytes,2,opt,name=data" json:"data,omitempty"`
}

func (m *RPC_Message) Reset()         { *m = RPC_Message{} }
func (m *RPC_Message) String() string { return proto.CompactTextString(m) }
func (*RPC_Message) ProtoMessage()    {}

func (m *RPC_Message) GetTopicid() string {
	if m != nil && m.Topicid != nil {
		return *m.Topicid
	}
	return ""
}

func (m *RPC_Message) GetData() []byte {
	if m != nil {
		return m.Data
	}
	return nil
}
