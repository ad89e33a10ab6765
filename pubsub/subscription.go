package pubsub

import (
	"github.com/google/uuid"
)

// Message is a reconstructed payload. Every handler receives its own copy of
// Data and may modify it.
type Message struct {
	Topic string
	ID    uuid.UUID
	Data  []byte
}

// Handler receives messages of a subscribed topic. Handlers run on the
// topic's receive loop, so a slow handler delays decoding of that topic.
type Handler func(*Message)

// Subscription represents a subscription to a topic
type Subscription struct {
	pubsub  *PubSub
	topic   string
	handler Handler
}

// Topic returns the subscribed topic
func (sub *Subscription) Topic() string {
	return sub.topic
}

// Close removes the subscription. Closing the last subscription of a topic
// tears the topic down.
func (sub *Subscription) Close() error {
	return sub.pubsub.Unsubscribe(sub.topic, sub)
}
