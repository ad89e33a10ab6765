package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/ppopth/ec-pubsub/ec/piece"
	"github.com/ppopth/ec-pubsub/ec/rlnc"
	"github.com/ppopth/ec-pubsub/ec/session"
	"github.com/ppopth/ec-pubsub/transport"
)

// Topic is the receiving side of one subscribed topic
type Topic struct {
	ctx    context.Context
	cancel context.CancelFunc

	lk sync.Mutex

	topic    string
	receiver transport.Receiver

	// the set of subscriptions this topic has
	mySubs map[*Subscription]struct{}
}

func newTopic(topic string, receiver transport.Receiver) *Topic {
	ctx, cancel := context.WithCancel(context.Background())
	return &Topic{
		ctx:    ctx,
		cancel: cancel,

		topic:    topic,
		receiver: receiver,
		mySubs:   make(map[*Subscription]struct{}),
	}
}

// String returns the topic name
func (t *Topic) String() string {
	return t.topic
}

// receiveLoop feeds transport messages to the session manager until the
// topic is closed.
func (t *Topic) receiveLoop(manager *session.Manager) {
	for {
		data, err := t.receiver.Next(t.ctx)
		if err != nil {
			return
		}
		if t.ctx.Err() != nil {
			return
		}
		if _, err := manager.HandlePiece(t.topic, data); err != nil {
			switch {
			case errors.Is(err, piece.ErrMalformed):
				log.Debugf("malformed piece on %s: %v", t.topic, err)
			case errors.Is(err, rlnc.ErrSessionClosed), errors.Is(err, session.ErrClosed),
				errors.Is(err, session.ErrTopicTornDown):
				log.Debugf("late piece on %s: %v", t.topic, err)
			default:
				log.Debugf("discarding piece on %s: %v", t.topic, err)
			}
		}
	}
}

func (t *Topic) addSubscription(sub *Subscription) {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.mySubs[sub] = struct{}{}
}

func (t *Topic) removeSubscription(sub *Subscription) {
	t.lk.Lock()
	defer t.lk.Unlock()
	delete(t.mySubs, sub)
}

func (t *Topic) clearSubscriptions() {
	t.lk.Lock()
	defer t.lk.Unlock()
	clear(t.mySubs)
}

func (t *Topic) empty() bool {
	t.lk.Lock()
	defer t.lk.Unlock()
	return len(t.mySubs) == 0
}

func (t *Topic) handlers() []Handler {
	t.lk.Lock()
	defer t.lk.Unlock()

	handlers := make([]Handler, 0, len(t.mySubs))
	for sub := range t.mySubs {
		handlers = append(handlers, sub.handler)
	}
	return handlers
}

// Close stops receiving. It does not wait for the receive loop, which may be
// the caller when a handler unsubscribes.
func (t *Topic) Close() error {
	t.cancel()
	return t.receiver.Close()
}
