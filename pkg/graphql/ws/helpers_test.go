package ws_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uswitch/graphqlws/pkg/graphql/ws"
	"github.com/uswitch/graphqlws/pkg/graphql/ws/wstest"
)

const waitFor = 2 * time.Second

// scriptedServer drives the server end of a pipe by hand. Its methods only
// use assert so they can be called from goroutines.
type scriptedServer struct {
	t  *testing.T
	rw ws.MessageReaderWriter
}

func newScriptedServer(t *testing.T, pipe *wstest.Pipe) *scriptedServer {
	return &scriptedServer{t: t, rw: pipe.Server()}
}

func (s *scriptedServer) read() (*ws.OperationMessage, error) {
	type result struct {
		op  *ws.OperationMessage
		err error
	}

	ch := make(chan result, 1)

	go func() {
		_, data, err := s.rw.ReadMessage()
		if err != nil {
			ch <- result{nil, err}
			return
		}

		op, err := ws.Decode(data)
		ch <- result{op, err}
	}()

	select {
	case r := <-ch:
		return r.op, r.err
	case <-time.After(waitFor):
		return nil, fmt.Errorf("timed out waiting for a client message")
	}
}

func (s *scriptedServer) expect(typ ws.MessageType) *ws.OperationMessage {
	op, err := s.read()
	if !assert.NoError(s.t, err) {
		return nil
	}

	if !assert.Equal(s.t, typ, op.Type, "unexpected message %s", op) {
		return nil
	}

	return op
}

func (s *scriptedServer) send(frame string) {
	assert.NoError(s.t, s.rw.WriteMessage(1, []byte(frame)))
}

func (s *scriptedServer) sendf(format string, args ...interface{}) {
	s.send(fmt.Sprintf(format, args...))
}

func (s *scriptedServer) acceptHandshake() {
	if s.expect(ws.GQL_CONNECTION_INIT) != nil {
		s.send(`{"type":"connection_ack"}`)
	}
}

func newPipeClient(t *testing.T, pipe *wstest.Pipe, config ws.Config) *ws.Client {
	t.Helper()

	if config.URL == "" {
		config.URL = "ws://pipe/graphql"
	}
	config.Dialer = pipe.Dialer()

	client, err := ws.NewClient(config)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		client.Close(ctx)
		pipe.Close()
	})

	return client
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

// collect drains a subscription and returns everything it delivered.
func collect(t *testing.T, sub *ws.Subscription) ([]*ws.Response, error) {
	t.Helper()

	var responses []*ws.Response
	timeout := time.After(waitFor)

	for {
		select {
		case response, ok := <-sub.Results():
			if !ok {
				return responses, sub.Err()
			}
			responses = append(responses, response)
		case <-timeout:
			t.Fatalf("subscription %s did not finish", sub.ID())
			return nil, nil
		}
	}
}

func countSent(pipe *wstest.Pipe, origin wstest.Origin, typ ws.MessageType) int {
	count := 0

	for _, op := range pipe.Sent(origin) {
		if op.Type == typ {
			count++
		}
	}

	return count
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting")
	}
}
