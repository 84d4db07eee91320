package ws

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
)

type SubscriptionState int32

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionActive
	SubscriptionCompleted
	SubscriptionCancelled
	SubscriptionFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "pending"
	case SubscriptionActive:
		return "active"
	case SubscriptionCompleted:
		return "completed"
	case SubscriptionCancelled:
		return "cancelled"
	case SubscriptionFailed:
		return "failed"
	default:
		return fmt.Sprintf("subscription(%d)", int32(s))
	}
}

// Subscription is one operation running over the shared connection.
// Responses arrive on Results in the order the server sent them; Results
// is closed when the operation completes, fails or is cancelled, after
// which Err reports the outcome.
type Subscription struct {
	id     MessageID
	params OperationParams

	client   *Client
	listener *Listener
	logger   *slog.Logger

	results chan *Response

	cancel     chan struct{}
	cancelOnce sync.Once
	finished   chan struct{}

	state atomic.Int32

	mu  sync.Mutex
	err error
}

func newSubscription(client *Client, id MessageID, params OperationParams, l *Listener, logger *slog.Logger) *Subscription {
	return &Subscription{
		id:       id,
		params:   params,
		client:   client,
		listener: l,
		logger:   logger,
		results:  make(chan *Response),
		cancel:   make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (s *Subscription) ID() MessageID {
	return s.id
}

func (s *Subscription) Params() OperationParams {
	return s.params
}

func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

func (s *Subscription) setState(state SubscriptionState) {
	s.state.Store(int32(state))
}

func (s *Subscription) Results() <-chan *Response {
	return s.results
}

// Err is nil after a complete message or Close, the context's error after
// it was cancelled, and the failure otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Done is closed once the subscription is terminal.
func (s *Subscription) Done() <-chan struct{} {
	return s.finished
}

// All ranges over the responses, yielding the terminal error last if there
// is one. Breaking out of the loop cancels the subscription.
func (s *Subscription) All() iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		for response := range s.results {
			if !yield(response, nil) {
				s.Close()
				return
			}
		}

		if err := s.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Close cancels the subscription. If it was still running a stop message is
// queued for its id. Close returns once no more responses will be delivered.
func (s *Subscription) Close() {
	s.cancelOnce.Do(func() { close(s.cancel) })
	<-s.finished
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.finished)
	defer close(s.results)
	defer s.client.untrack(s.id)
	defer s.listener.Close()

	for {
		select {
		case <-ctx.Done():
			s.stop(ctx.Err())
			return
		case <-s.cancel:
			s.stop(nil)
			return
		case op, ok := <-s.listener.C():
			if !ok {
				err := s.listener.Err()
				if err == nil {
					err = ErrConnectionClosed
				}
				s.fail(err)
				return
			}

			if op.ID != s.id {
				continue
			}

			response, complete, err := translate(op)
			if err != nil {
				s.fail(err)
				// the server ended the operation itself when it sent an error
				if !errors.Is(err, ErrServer) {
					s.sendStop()
				}
				return
			}

			if complete {
				s.setState(SubscriptionCompleted)
				s.logger.Debug("subscription completed")
				return
			}

			if response == nil {
				continue
			}

			select {
			case s.results <- response:
			case <-ctx.Done():
				s.stop(ctx.Err())
				return
			case <-s.cancel:
				s.stop(nil)
				return
			}
		}
	}
}

// stop tells the server we are no longer interested. Delivery has already
// ended, so a failure to queue the message is only logged.
func (s *Subscription) stop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.setState(SubscriptionCancelled)
	s.sendStop()

	s.logger.Debug("subscription cancelled")
}

func (s *Subscription) sendStop() {
	if err := s.client.conn.Send(&OperationMessage{Type: GQL_STOP, ID: s.id}); err != nil {
		s.logger.Debug("could not queue stop", "error", err)
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.setState(SubscriptionFailed)
	s.logger.Warn("subscription failed", "error", err)
}

// translate maps a message addressed to a subscription onto a response, the
// end of the stream, or an error.
func translate(op *OperationMessage) (*Response, bool, error) {
	switch {
	case op.Type == GQL_CONNECTION_ACK, op.Type.IsKeepAlive():
		return nil, false, nil
	case op.Type == GQL_COMPLETE:
		return nil, true, nil
	case op.Type == GQL_DATA:
		response, err := op.DataPayload()
		return response, false, err
	case op.Type == GQL_ERROR, op.Type == GQL_CONNECTION_ERROR:
		return nil, false, newServerError(op)
	default:
		return nil, false, fmt.Errorf("%w: unable to handle %s", ErrProtocolViolation, op)
	}
}
