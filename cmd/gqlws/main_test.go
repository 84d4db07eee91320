package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uswitch/graphqlws/pkg/graphql/ws"
	"github.com/uswitch/graphqlws/pkg/logging"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCommand()

	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--log-level", "error"))

	err := root.ExecuteContext(testContext(t))

	return out.String(), err
}

func newDemoServer(t *testing.T) string {
	t.Helper()

	config := defaultConfig()

	handler, err := newServeHandler(context.Background(), &config, logging.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + config.Serve.Path
}

func decodeLines(t *testing.T, out string) []map[string]interface{} {
	t.Helper()

	lines := []map[string]interface{}{}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line), scanner.Text())
		lines = append(lines, line)
	}

	return lines
}

func TestQueryCommand(t *testing.T) {
	for _, transport := range []string{"gorilla", "coder"} {
		t.Run(transport, func(t *testing.T) {
			url := newDemoServer(t)

			out, err := runCommand(t, "query",
				"--url", url,
				"--transport", transport,
				"--variables", `{"name": "cli"}`,
				"--operation-name", "Greet",
				`query Other { echo(value: 1) } query Greet($name: String) { hello(name: $name) }`,
			)
			require.NoError(t, err)

			lines := decodeLines(t, out)
			require.Len(t, lines, 1)
			assert.Equal(t, map[string]interface{}{"hello": "hello cli"}, lines[0]["data"])
		})
	}
}

func TestQueryCommandReportsServerErrors(t *testing.T) {
	url := newDemoServer(t)

	out, err := runCommand(t, "query", "--url", url, `{ nope }`)
	assert.Empty(t, out)

	var serverErr *ws.ServerError
	require.True(t, errors.As(err, &serverErr), "%v", err)
	assert.Equal(t, ws.GQL_ERROR, serverErr.Type)
}

func TestQueryCommandRetriesFailedConnections(t *testing.T) {
	var hits atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := runCommand(t, "query",
		"--url", "ws"+strings.TrimPrefix(ts.URL, "http"),
		"--retries", "2",
		`{ hello }`,
	)

	assert.ErrorIs(t, err, ws.ErrConnectionFailed)
	assert.Equal(t, int32(3), hits.Load())
}

func TestQueryCommandDoesNotRetryServerErrors(t *testing.T) {
	url := newDemoServer(t)

	_, err := runCommand(t, "query", "--url", url, "--retries", "3", `{ nope }`)
	assert.ErrorIs(t, err, ws.ErrServer)
	assert.False(t, retryable(err))
}

func TestQueryCommandReadsConfigFile(t *testing.T) {
	url := newDemoServer(t)

	path := filepath.Join(t.TempDir(), "gqlws.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"url: "+url+"\ntransport: coder\nackTimeout: 2s\n",
	), 0o600))

	out, err := runCommand(t, "query", "--config", path, `{ echo(value: 9) }`)
	require.NoError(t, err)

	lines := decodeLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, map[string]interface{}{"echo": float64(9)}, lines[0]["data"])
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gqlws.yaml")
	require.NoError(t, os.WriteFile(path, []byte("url: ws://unreachable.invalid/graphql\n"), 0o600))

	url := newDemoServer(t)

	out, err := runCommand(t, "query", "--config", path, "--url", url, `{ hello }`)
	require.NoError(t, err)
	assert.Contains(t, out, "hello world")
}

func TestQueryCommandRejectsBadInput(t *testing.T) {
	_, err := runCommand(t, "query", "--variables", "[1, 2]", `{ hello }`)
	assert.ErrorContains(t, err, "variables must be a JSON object")

	_, err = runCommand(t, "query", "--transport", "smoke-signals", `{ hello }`)
	assert.ErrorContains(t, err, "unknown transport")

	_, err = runCommand(t, "query")
	assert.Error(t, err)
}

func TestCheckDocument(t *testing.T) {
	assert.NoError(t, checkDocument(`{ hello }`, ""))
	assert.NoError(t, checkDocument(`query A { hello } query B { hello }`, "B"))

	assert.ErrorContains(t, checkDocument(`{ hello `, ""), "invalid query")
	assert.ErrorContains(t, checkDocument(`query A { hello } query B { hello }`, ""), "pick one")
	assert.ErrorContains(t, checkDocument(`query A { hello }`, "C"), `no operation named "C"`)
}

func TestServeHealthz(t *testing.T) {
	config := defaultConfig()

	handler, err := newServeHandler(context.Background(), &config, logging.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestServeStopsWithContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, listener, http.NotFoundHandler(), logging.Nop())
	}()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestServeRefusesUnlistedOrigins(t *testing.T) {
	config := defaultConfig()
	config.Serve.AllowedOrigins = []string{"cli://trusted"}

	handler, err := newServeHandler(context.Background(), &config, logging.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + config.Serve.Path

	_, err = runCommand(t, "query", "--url", url, `{ hello }`)
	assert.ErrorIs(t, err, ws.ErrConnectionFailed)

	out, err := runCommand(t, "query", "--url", url, "--origin", "cli://trusted", `{ hello }`)
	require.NoError(t, err)
	assert.Contains(t, out, "hello world")
}

func TestServeEndsSessionsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := defaultConfig()

	handler, err := newServeHandler(ctx, &config, logging.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(handler)
	defer ts.Close()

	client, err := ws.NewClient(ws.Config{URL: "ws" + strings.TrimPrefix(ts.URL, "http") + config.Serve.Path})
	require.NoError(t, err)
	defer client.Close(context.Background())

	sub, err := client.ExecuteQuery(testContext(t), `{ hello }`, nil, "")
	require.NoError(t, err)
	for _, err := range sub.All() {
		require.NoError(t, err)
	}

	cancel()

	select {
	case <-client.Connection().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("websocket session outlived the serve context")
	}
	assert.Equal(t, ws.StateFailed, client.Connection().State())
}
