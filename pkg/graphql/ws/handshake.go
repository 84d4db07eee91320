package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type HandshakeState int32

const (
	HandshakeNotStarted HandshakeState = iota
	HandshakeAckPending
	HandshakeAcknowledged
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeNotStarted:
		return "not_started"
	case HandshakeAckPending:
		return "ack_pending"
	case HandshakeAcknowledged:
		return "acknowledged"
	case HandshakeFailed:
		return "failed"
	default:
		return fmt.Sprintf("handshake(%d)", int32(s))
	}
}

// handshake performs connection_init/connection_ack at most once per
// Connection. The outcome, success or failure, is kept and handed to every
// caller of Await.
type handshake struct {
	conn    *Connection
	timeout time.Duration
	params  ConnectionParams
	logger  *slog.Logger

	once  sync.Once
	done  chan struct{}
	err   error
	state atomic.Int32
}

func newHandshake(conn *Connection, timeout time.Duration, params ConnectionParams, logger *slog.Logger) *handshake {
	return &handshake{
		conn:    conn,
		timeout: timeout,
		params:  params,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (h *handshake) State() HandshakeState {
	return HandshakeState(h.state.Load())
}

// Await starts the handshake if nobody has yet and waits for its outcome.
// ctx only bounds this caller's wait, the handshake itself runs against the
// acknowledgement timeout.
func (h *handshake) Await(ctx context.Context) error {
	h.once.Do(func() {
		h.state.Store(int32(HandshakeAckPending))
		go h.run()
	})

	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handshake) run() {
	defer close(h.done)

	started := time.Now()

	if err := h.perform(); err != nil {
		h.err = err
		h.state.Store(int32(HandshakeFailed))
		h.logger.Error("handshake failed", "error", err)

		h.conn.abort(err)
		return
	}

	h.state.Store(int32(HandshakeAcknowledged))
	if !h.conn.advanceState(StateHandshaking, StateReady) {
		h.logger.Debug("connection ended before the ack was handled", "state", h.conn.State())
	}
	h.logger.Debug("handshake acknowledged", "took", time.Since(started))
}

func (h *handshake) perform() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	init, err := NewInitMessage(h.params)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	// queued before the socket exists, Receive below registers the listener
	// ahead of dialling so the ack cannot be missed
	if err := h.conn.Send(init); err != nil {
		return fmt.Errorf("%w: sending %s: %w", ErrHandshakeFailed, GQL_CONNECTION_INIT, err)
	}

	l, err := h.conn.Receive(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrHandshakeTimeout, err)
		}

		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	defer l.Close()

	select {
	case <-ctx.Done():
		return ErrHandshakeTimeout
	case op, ok := <-l.C():
		if !ok {
			return fmt.Errorf("%w: %w", ErrHandshakeFailed, l.Err())
		}

		switch op.Type {
		case GQL_CONNECTION_ACK:
			return nil
		case GQL_CONNECTION_ERROR:
			return fmt.Errorf("%w: %w", ErrHandshakeFailed, newServerError(op))
		default:
			return fmt.Errorf("%w: expected %s, received %s", ErrHandshakeFailed, GQL_CONNECTION_ACK, op)
		}
	}
}
