// Package server speaks the server side of subscriptions-transport-ws,
// handing each operation to an Executor.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/uswitch/graphqlws/pkg/graphql/ws"
	"github.com/uswitch/graphqlws/pkg/logging"
)

// Executor runs one operation. The returned channel carries its results and
// is closed when the operation is done.
type Executor interface {
	Execute(context.Context, ws.OperationParams) (<-chan *ws.Response, error)
}

type ExecutorFunc func(context.Context, ws.OperationParams) (<-chan *ws.Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, params ws.OperationParams) (<-chan *ws.Response, error) {
	return f(ctx, params)
}

// ServerChannel speaks the server side of the protocol over one socket.
type ServerChannel struct {
	Executor Executor

	// KeepAlive sends a keep-alive straight after the ack.
	KeepAlive bool

	rw     ws.MessageReaderWriter
	logger *slog.Logger

	writeLock sync.Mutex
}

func NewServerChannel(rw ws.MessageReaderWriter, executor Executor, logger *slog.Logger) *ServerChannel {
	if logger == nil {
		logger = logging.Nop()
	}

	return &ServerChannel{Executor: executor, rw: rw, logger: logger}
}

func (s *ServerChannel) read() (*ws.OperationMessage, error) {
	_, data, err := s.rw.ReadMessage()
	if err != nil {
		return nil, err
	}

	return ws.Decode(data)
}

func (s *ServerChannel) write(typ ws.MessageType, id ws.MessageID, payload interface{}) error {
	op := &ws.OperationMessage{Type: typ, ID: id}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		op.Payload = data
	}

	data, err := ws.Encode(op)
	if err != nil {
		return err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	return s.rw.WriteMessage(websocket.TextMessage, data)
}

// Accept waits for connection_init and acknowledges it.
func (s *ServerChannel) Accept(ctx context.Context) error {
	op, err := s.read()
	if err != nil {
		return fmt.Errorf("receiving init message: %w", err)
	}

	if op.Type != ws.GQL_CONNECTION_INIT {
		_ = s.write(ws.GQL_CONNECTION_ERROR, "", map[string]string{
			"message": fmt.Sprintf("expected %s", ws.GQL_CONNECTION_INIT),
		})
		return fmt.Errorf("expecting %s, got %s", ws.GQL_CONNECTION_INIT, op.Type)
	}

	if err := s.write(ws.GQL_CONNECTION_ACK, "", nil); err != nil {
		return fmt.Errorf("sending ack message: %w", err)
	}

	if s.KeepAlive {
		if err := s.write(ws.GQL_CONNECTION_KEEP_ALIVE_SHORT, "", nil); err != nil {
			return fmt.Errorf("sending keep alive: %w", err)
		}
	}

	return nil
}

// Listen serves start and stop messages until the client terminates the
// connection or the socket fails.
func (s *ServerChannel) Listen(ctx context.Context) error {
	var (
		mu         sync.Mutex
		idToCancel = map[ws.MessageID]context.CancelFunc{}
		wg         sync.WaitGroup
	)

	defer func() {
		mu.Lock()
		for _, cancel := range idToCancel {
			cancel()
		}
		mu.Unlock()

		wg.Wait()
	}()

	for {
		op, err := s.read()
		if err != nil {
			return fmt.Errorf("server has closed: %w", err)
		}

		switch op.Type {
		case ws.GQL_CONNECTION_TERMINATE:
			return nil
		case ws.GQL_START:
			if op.ID == "" {
				s.logger.Warn("server received a start with no id, discarding")
				continue
			}

			payload, err := op.StartPayload()
			if err != nil {
				_ = s.write(ws.GQL_ERROR, op.ID, map[string]string{"message": err.Error()})
				continue
			}

			streamCtx, cancel := context.WithCancel(ctx)

			results, err := s.Executor.Execute(streamCtx, payload.Params())
			if err != nil {
				cancel()
				s.logger.Debug("failed to start operation", "id", op.ID, "error", err)
				_ = s.write(ws.GQL_ERROR, op.ID, map[string]string{"message": err.Error()})
				continue
			}

			mu.Lock()
			idToCancel[op.ID] = cancel
			mu.Unlock()

			wg.Add(1)
			go func(id ws.MessageID) {
				defer wg.Done()
				s.streamResults(streamCtx, id, results)

				mu.Lock()
				delete(idToCancel, id)
				mu.Unlock()
				cancel()
			}(op.ID)
		case ws.GQL_STOP:
			mu.Lock()
			cancel, ok := idToCancel[op.ID]
			delete(idToCancel, op.ID)
			mu.Unlock()

			if !ok {
				s.logger.Debug("server received a stop for id with no cancel, discarding", "id", op.ID)
				continue
			}

			cancel()
		default:
			s.logger.Warn("server got unknown operation type", "type", op.Type)
		}
	}
}

func (s *ServerChannel) streamResults(ctx context.Context, id ws.MessageID, ch <-chan *ws.Response) {
	s.logger.Debug("result streaming starting", "id", id)
	defer s.logger.Debug("result streaming done", "id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-ch:
			if !ok {
				_ = s.write(ws.GQL_COMPLETE, id, nil)
				return
			}

			if err := s.write(ws.GQL_DATA, id, result); err != nil {
				return
			}
		}
	}
}

// Serve runs Accept then Listen.
func (s *ServerChannel) Serve(ctx context.Context) error {
	if err := s.Accept(ctx); err != nil {
		return err
	}

	return s.Listen(ctx)
}

// Server upgrades HTTP requests and serves the protocol on each socket.
// Sessions end when the context given to NewServer is done or Close is
// called.
type Server struct {
	Executor  Executor
	KeepAlive bool
	Logger    *slog.Logger

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

func NewServer(ctx context.Context, executor Executor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Server{
		Executor: executor,
		Logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{ws.Subprotocol},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()

	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("failed to upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// closing the socket is what unblocks a pending read
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	channel := NewServerChannel(conn, s.Executor, s.Logger.With("remote", r.RemoteAddr))
	channel.KeepAlive = s.KeepAlive

	if err := channel.Serve(ctx); err != nil {
		s.Logger.Debug("connection ended", "error", err)
	}
}

// Close ends every open session and waits for them to return. Requests
// arriving afterwards are refused.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.sessions.Wait()

	return nil
}
