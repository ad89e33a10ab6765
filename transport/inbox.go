package transport

import (
	"context"
	"fmt"
	"sync"
)

// Inbox is a Receiver backed by an unbounded in-memory queue. Transports
// push into it with Put; subscribers drain it with Next.
type Inbox struct {
	ctx    context.Context
	cancel context.CancelFunc

	mutex sync.Mutex // Protects messages
	cond  *sync.Cond // Notifies waiting consumers

	messages [][]byte
	onClose  func(*Inbox)
}

// NewInbox creates an Inbox. onClose, if set, runs once when the inbox is closed.
func NewInbox(onClose func(*Inbox)) *Inbox {
	ctx, cancel := context.WithCancel(context.Background())
	inbox := &Inbox{
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
	}
	inbox.cond = sync.NewCond(&inbox.mutex)
	return inbox
}

// Put appends a message. Messages put after Close are dropped.
func (in *Inbox) Put(message []byte) {
	in.Insert(message, -1)
}

// Insert places a message at position pos in the queue, or at the end when
// pos is negative or beyond the queue length.
func (in *Inbox) Insert(message []byte, pos int) {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	if in.ctx.Err() != nil {
		return
	}
	if pos < 0 || pos >= len(in.messages) {
		in.messages = append(in.messages, message)
	} else {
		in.messages = append(in.messages[:pos+1], in.messages[pos:]...)
		in.messages[pos] = message
	}
	in.cond.Signal()
}

// Len returns the number of queued messages.
func (in *Inbox) Len() int {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	return len(in.messages)
}

// Next returns the next queued message, blocking until one arrives
func (in *Inbox) Next(ctx context.Context) ([]byte, error) {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	unregisterAfterFunc := context.AfterFunc(ctx, func() {
		// Wake up all waiting routines when context is cancelled
		in.mutex.Lock()
		defer in.mutex.Unlock()
		in.cond.Broadcast()
	})
	defer unregisterAfterFunc()

	for len(in.messages) == 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-in.ctx.Done():
			return nil, ErrClosed
		default:
		}
		in.cond.Wait()
	}
	message := in.messages[0]
	in.messages = in.messages[1:]
	return message, nil
}

// Close wakes any waiting Next call and drops queued messages.
func (in *Inbox) Close() error {
	in.mutex.Lock()
	if in.ctx.Err() != nil {
		in.mutex.Unlock()
		return nil
	}
	in.cancel()
	in.messages = nil
	in.cond.Broadcast()
	in.mutex.Unlock()

	if in.onClose != nil {
		in.onClose(in)
	}
	return nil
}
