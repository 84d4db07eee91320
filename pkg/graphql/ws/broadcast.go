package ws

import (
	"context"
	"sync"
)

// Listener receives every inbound message published after it was
// registered, in arrival order. C is closed when the listener is closed or
// the connection ends; Err then reports why.
type Listener struct {
	ch   chan *OperationMessage
	done chan struct{}

	b         *broadcast
	key       uint64
	closeOnce sync.Once
}

func (l *Listener) C() <-chan *OperationMessage {
	return l.ch
}

// Err returns the connection's terminal error once C has been closed by the
// connection ending. It is nil while the connection is live.
func (l *Listener) Err() error {
	return l.b.terminalErr()
}

// Close unregisters the listener. Messages still buffered are discarded.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.b.unregister(l.key)
	})
}

// broadcast fans inbound messages out to every listener. Each listener has
// a bounded buffer; a full buffer blocks the publisher until the listener
// drains, closes, or the publish context ends.
type broadcast struct {
	capacity int

	registered map[uint64]*Listener
	nextKey    uint64
	closed     bool
	err        error

	rw sync.RWMutex
}

func newBroadcast(capacity int) *broadcast {
	return &broadcast{
		capacity:   capacity,
		registered: map[uint64]*Listener{},
	}
}

func (b *broadcast) Register() *Listener {
	b.rw.Lock()
	defer b.rw.Unlock()

	l := &Listener{
		ch:   make(chan *OperationMessage, b.capacity),
		done: make(chan struct{}),
		b:    b,
	}

	if b.closed {
		close(l.ch)
		return l
	}

	b.nextKey++
	l.key = b.nextKey
	b.registered[l.key] = l

	return l
}

func (b *broadcast) unregister(key uint64) {
	b.rw.Lock()
	defer b.rw.Unlock()

	delete(b.registered, key)
}

func (b *broadcast) Len() int {
	b.rw.RLock()
	defer b.rw.RUnlock()

	return len(b.registered)
}

// Send delivers op to every registered listener. It must only be called
// from a single publisher.
func (b *broadcast) Send(ctx context.Context, op *OperationMessage) error {
	b.rw.RLock()
	listeners := make([]*Listener, 0, len(b.registered))
	for _, l := range b.registered {
		listeners = append(listeners, l)
	}
	b.rw.RUnlock()

	for _, l := range listeners {
		select {
		case l.ch <- op:
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Close ends every listener with err. It must not race with Send.
func (b *broadcast) Close(err error) {
	b.rw.Lock()
	defer b.rw.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	b.err = err

	for key, l := range b.registered {
		close(l.ch)
		delete(b.registered, key)
	}
}

func (b *broadcast) terminalErr() error {
	b.rw.RLock()
	defer b.rw.RUnlock()

	return b.err
}
