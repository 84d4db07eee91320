package wstest

import (
	"context"
	"sync"

	"github.com/uswitch/graphqlws/pkg/graphql/ws"
)

// ChanExecutor gives every operation its own stream and lets the caller
// push results into all of them, the way a subscription source would.
type ChanExecutor struct {
	mu      sync.Mutex
	streams map[chan *ws.Response]context.Context
	started chan ws.OperationParams
}

func NewChanExecutor() *ChanExecutor {
	return &ChanExecutor{
		streams: map[chan *ws.Response]context.Context{},
		started: make(chan ws.OperationParams, 64),
	}
}

func (e *ChanExecutor) Execute(ctx context.Context, params ws.OperationParams) (<-chan *ws.Response, error) {
	ch := make(chan *ws.Response)

	e.mu.Lock()
	e.streams[ch] = ctx
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.drop(ch)
	}()

	select {
	case e.started <- params:
	default:
	}

	return ch, nil
}

// Started yields the params of each operation as it begins.
func (e *ChanExecutor) Started() <-chan ws.OperationParams {
	return e.started
}

// Streams is the number of operations still running.
func (e *ChanExecutor) Streams() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.streams)
}

// Publish hands response to every running operation and returns how many
// took it.
func (e *ChanExecutor) Publish(response *ws.Response) int {
	e.mu.Lock()
	streams := make(map[chan *ws.Response]context.Context, len(e.streams))
	for ch, ctx := range e.streams {
		streams[ch] = ctx
	}
	e.mu.Unlock()

	delivered := 0
	for ch, ctx := range streams {
		select {
		case ch <- response:
			delivered++
		case <-ctx.Done():
		}
	}

	return delivered
}

// Finish completes every running operation.
func (e *ChanExecutor) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for ch := range e.streams {
		close(ch)
		delete(e.streams, ch)
	}
}

func (e *ChanExecutor) drop(ch chan *ws.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.streams, ch)
}
