// Package middleware wraps the handlers served by gqlws serve.
package middleware

import (
	"net/http"
)

type Middleware func(http.Handler) http.Handler

// Chain wraps handler so the first middleware sees a request first.
func Chain(handler http.Handler, middleware ...Middleware) http.Handler {
	h := handler

	for i := len(middleware) - 1; i >= 0; i = i - 1 {
		h = middleware[i](h)
	}

	return h
}
