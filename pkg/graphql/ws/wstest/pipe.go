// Package wstest provides an in-memory socket pair and a hand-fed executor
// for exercising ws clients and servers.
package wstest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/uswitch/graphqlws/pkg/graphql/ws"
)

type Origin int

const (
	ServerOrigin = Origin(iota)
	ClientOrigin
)

func (o Origin) String() string {
	if o == ClientOrigin {
		return "client"
	}
	return "server"
}

// Frame is one message that crossed a Pipe.
type Frame struct {
	Origin  Origin
	Data    []byte
	Message *ws.OperationMessage
}

var ErrPipeClosed = errors.New("pipe closed")

// Pipe is an in-memory socket pair. Everything written by either end is
// recorded in order and can be read back with Log.
type Pipe struct {
	toServer chan []byte
	toClient chan []byte

	closed    chan struct{}
	closeOnce sync.Once

	dials atomic.Int32

	mu  sync.Mutex
	log []Frame
}

func NewPipe(queueSize int) *Pipe {
	return &Pipe{
		toServer: make(chan []byte, queueSize),
		toClient: make(chan []byte, queueSize),
		closed:   make(chan struct{}),
	}
}

func (p *Pipe) Client() ws.MessageReaderWriter {
	return &pipeEnd{pipe: p, origin: ClientOrigin, in: p.toClient, out: p.toServer}
}

func (p *Pipe) Server() ws.MessageReaderWriter {
	return &pipeEnd{pipe: p, origin: ServerOrigin, in: p.toServer, out: p.toClient}
}

// Dialer hands out the client end and counts how often it was asked to.
func (p *Pipe) Dialer() ws.Dialer {
	return ws.DialerFunc(func(ctx context.Context, _ string) (ws.MessageReaderWriter, error) {
		p.dials.Add(1)

		select {
		case <-p.closed:
			return nil, ErrPipeClosed
		default:
			return p.Client(), nil
		}
	})
}

func (p *Pipe) Dials() int {
	return int(p.dials.Load())
}

func (p *Pipe) Log() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Frame(nil), p.log...)
}

// Sent returns the decoded messages written by origin.
func (p *Pipe) Sent(origin Origin) []*ws.OperationMessage {
	var ops []*ws.OperationMessage

	for _, frame := range p.Log() {
		if frame.Origin == origin && frame.Message != nil {
			ops = append(ops, frame.Message)
		}
	}

	return ops
}

func (p *Pipe) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *Pipe) Closed() <-chan struct{} {
	return p.closed
}

func (p *Pipe) record(origin Origin, data []byte) {
	op, _ := ws.Decode(data)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.log = append(p.log, Frame{Origin: origin, Data: data, Message: op})
}

type pipeEnd struct {
	pipe   *Pipe
	origin Origin
	in     <-chan []byte
	out    chan<- []byte
}

func (e *pipeEnd) ReadMessage() (int, []byte, error) {
	// frames written before the pipe closed are still delivered
	select {
	case data := <-e.in:
		return 1, data, nil
	default:
	}

	select {
	case <-e.pipe.closed:
		return 0, nil, ErrPipeClosed
	case data := <-e.in:
		return 1, data, nil
	}
}

func (e *pipeEnd) WriteMessage(_ int, data []byte) error {
	select {
	case <-e.pipe.closed:
		return ErrPipeClosed
	default:
	}

	e.pipe.record(e.origin, data)

	select {
	case <-e.pipe.closed:
		return ErrPipeClosed
	case e.out <- data:
		return nil
	}
}

func (e *pipeEnd) Close() error {
	e.pipe.Close()
	return nil
}
