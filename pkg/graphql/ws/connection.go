package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type ConnectionState int32

const (
	StateUnconnected ConnectionState = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection owns one socket, dialled lazily on the first Receive or
// Connect. Outbound messages go through a bounded queue drained by a single
// writer; inbound messages are decoded by a single reader and broadcast to
// every Listener. Once the socket fails or is closed the Connection is done
// for good, there is no reconnect.
type Connection struct {
	url    string
	dialer Dialer
	logger *slog.Logger

	outbound chan *OperationMessage
	inbound  *broadcast

	state atomic.Int32

	connectOnce sync.Once
	connectErr  error

	ctx      context.Context
	cancel   context.CancelCauseFunc
	stopped  chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	closing bool
	err     error
}

// NewConnection returns an unconnected Connection. Nothing is dialled until
// the first Receive or Connect.
func NewConnection(config Config) (*Connection, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	return newConnection(config, config.Logger), nil
}

func newConnection(config Config, logger *slog.Logger) *Connection {
	ctx, cancel := context.WithCancelCause(context.Background())

	return &Connection{
		url:    config.URL,
		dialer: config.Dialer,
		logger: logger.With("url", config.URL),

		outbound: make(chan *OperationMessage, config.OutboundBuffer),
		inbound:  newBroadcast(config.InboundBuffer),

		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// advanceState moves from one state to the next only if nothing else has
// moved the connection on in the meantime.
func (c *Connection) advanceState(from, to ConnectionState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Err returns the terminal error, nil while the connection is usable.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Done is closed once the connection has reached a terminal state.
func (c *Connection) Done() <-chan struct{} {
	return c.stopped
}

// Send queues op for the writer without blocking. The socket does not have
// to be open yet. A full queue is reported as ErrOutboundOverflow.
func (c *Connection) Send(op *OperationMessage) error {
	c.mu.Lock()
	err, closing := c.err, c.closing
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if closing {
		return ErrConnectionClosed
	}

	select {
	case c.outbound <- op:
		return nil
	default:
		return fmt.Errorf("%w: cannot queue %s", ErrOutboundOverflow, op)
	}
}

// Receive registers a listener and then makes sure the socket is open, so
// the listener sees everything the server sends from that point on.
func (c *Connection) Receive(ctx context.Context) (*Listener, error) {
	l := c.inbound.Register()

	if err := c.Connect(ctx); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

// Connect dials the socket if that has not happened yet. Concurrent callers
// share the single dial attempt and its outcome.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectOnce.Do(func() {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()

		if closing {
			c.connectErr = ErrConnectionClosed
			c.terminate(ErrConnectionClosed)
			return
		}

		c.setState(StateConnecting)

		conn, err := c.dialer.Dial(ctx, c.url)
		if err != nil {
			c.connectErr = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
			c.logger.Error("failed to connect", "error", err)
			c.terminate(c.connectErr)
			return
		}

		c.logger.Debug("connected")
		c.setState(StateHandshaking)
		c.run(conn)
	})

	if c.connectErr != nil {
		return c.connectErr
	}

	return c.Err()
}

func (c *Connection) run(conn MessageReaderWriter) {
	g, gctx := errgroup.WithContext(c.ctx)

	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.writeLoop(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		// unblocks ReadMessage
		if err := conn.Close(); err != nil {
			c.logger.Debug("closing socket", "error", err)
		}
		return nil
	})

	go func() {
		err := g.Wait()

		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()

		switch {
		case closing || errors.Is(err, ErrConnectionClosed):
			err = ErrConnectionClosed
		case c.ctx.Err() != nil:
			err = context.Cause(c.ctx)
		case !errors.Is(err, ErrConnectionFailed):
			err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}

		c.terminate(err)
	}()
}

func (c *Connection) readLoop(ctx context.Context, conn MessageReader) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			// any error from ReadMessage means the socket is gone
			c.logger.Warn("[READ] failed read", "error", err)
			return fmt.Errorf("reading: %w", err)
		}

		op, err := Decode(data)
		if err != nil {
			c.logger.Warn("[READ] invalid operation received", "error", err)
			return err
		}

		c.logger.Debug("[READ] received", "type", op.Type, "id", op.ID)

		if err := c.inbound.Send(ctx, op); err != nil {
			return err
		}

		if op.Type == GQL_CONNECTION_ERROR {
			return newServerError(op)
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context, conn MessageWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-c.outbound:
			data, err := Encode(op)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", op, err)
			}

			if err := conn.WriteMessage(textMessage, data); err != nil {
				c.logger.Warn("[WRITE] error writing message", "type", op.Type, "id", op.ID, "error", err)
				return fmt.Errorf("writing %s: %w", op, err)
			}

			c.logger.Debug("[WRITE] sent", "type", op.Type, "id", op.ID)

			if op.Type == GQL_CONNECTION_TERMINATE {
				return ErrConnectionClosed
			}
		}
	}
}

// abort tears the connection down with err as the terminal error.
func (c *Connection) abort(err error) {
	c.mu.Lock()
	done := c.err != nil
	c.mu.Unlock()

	if done {
		return
	}

	c.cancel(err)

	// nothing to unwind if the socket was never opened
	c.connectOnce.Do(func() {
		c.connectErr = err
		c.terminate(err)
	})
}

func (c *Connection) terminate(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	err = c.err
	c.mu.Unlock()

	if errors.Is(err, ErrConnectionClosed) {
		c.setState(StateClosed)
	} else {
		c.setState(StateFailed)
	}

	c.cancel(err)
	c.inbound.Close(err)

	c.stopOnce.Do(func() { close(c.stopped) })
}

// Close sends connection_terminate if the socket is open, waits for it to
// be flushed and closes the socket. If ctx ends first the socket is closed
// straight away.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	alreadyClosing := c.closing
	c.closing = true
	c.mu.Unlock()

	c.connectOnce.Do(func() {
		c.connectErr = ErrConnectionClosed
		c.terminate(ErrConnectionClosed)
	})

	if !alreadyClosing && c.Err() == nil {
		select {
		case c.outbound <- &OperationMessage{Type: GQL_CONNECTION_TERMINATE}:
		default:
			c.cancel(ErrConnectionClosed)
		}
	}

	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		c.cancel(ErrConnectionClosed)
		<-c.stopped
		return ctx.Err()
	}
}
