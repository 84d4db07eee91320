package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainOrder(t *testing.T) {
	order := []string{}

	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), tag("first"), tag("second"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func upgradeRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/graphql", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Origin", origin)
	return r
}

func TestAllowedOrigins(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	tests := []struct {
		name     string
		allowed  []string
		request  *http.Request
		expected int
	}{
		{"no list", nil, upgradeRequest("http://evil.example"), http.StatusTeapot},
		{"listed", []string{"cli://graphqlws"}, upgradeRequest("cli://graphqlws"), http.StatusTeapot},
		{"not listed", []string{"cli://graphqlws"}, upgradeRequest("http://evil.example"), http.StatusForbidden},
		{"plain request", []string{"cli://graphqlws"}, httptest.NewRequest(http.MethodGet, "/healthz", nil), http.StatusTeapot},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			AllowedOrigins(OriginConfig{AllowedOrigins: test.allowed}, logger)(ok).ServeHTTP(rec, test.request)

			assert.Equal(t, test.expected, rec.Code)
		})
	}
}

func TestRequestLog(t *testing.T) {
	out := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(out, nil))

	handler := RequestLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Contains(t, out.String(), "path=/missing")
	assert.Contains(t, out.String(), "status=404")
}
