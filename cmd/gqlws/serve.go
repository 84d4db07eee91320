package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uswitch/graphqlws/pkg/graphql/ws/server"
	"github.com/uswitch/graphqlws/pkg/middleware"
)

const gracefulTimeout = 15 * time.Second

func newServeCommand(opts *options) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a demo schema over subscriptions-transport-ws",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.resolve(cmd)
			if err != nil {
				return err
			}

			logger := config.logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			handler, err := newServeHandler(ctx, config, logger)
			if err != nil {
				return err
			}

			listener, err := net.Listen("tcp", config.Serve.Addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", config.Serve.Addr, err)
			}

			return serve(ctx, listener, handler, logger)
		},
	}

	flags := serveCmd.Flags()
	flags.StringVar(&opts.addr, "addr", "127.0.0.1:8080", "address to listen on")
	flags.StringVar(&opts.path, "path", "/graphql", "path to serve the websocket endpoint on")
	flags.BoolVar(&opts.keepAlive, "keep-alive", false, "send a keep-alive after every ack")
	flags.StringSliceVar(&opts.allowedOrigins, "allowed-origin", []string{}, "origins allowed to open a websocket, any when empty")

	return serveCmd
}

// newServeHandler builds the demo endpoint. Websocket sessions are hijacked
// out of the http.Server, so they end with ctx rather than with Shutdown.
func newServeHandler(ctx context.Context, config *Config, logger *slog.Logger) (http.Handler, error) {
	schema, err := server.DemoSchema()
	if err != nil {
		return nil, fmt.Errorf("building demo schema: %w", err)
	}

	sessions := server.NewServer(ctx, server.GraphQLExecutor(schema), logger)
	sessions.KeepAlive = config.Serve.KeepAlive

	mux := http.NewServeMux()
	mux.Handle(config.Serve.Path, sessions)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		fmt.Fprint(w, "OK")
	})

	return middleware.Chain(mux,
		middleware.RequestLog(logger),
		middleware.AllowedOrigins(middleware.OriginConfig{AllowedOrigins: config.Serve.AllowedOrigins}, logger),
	), nil
}

// serve runs handler on listener until ctx is done, then drains.
func serve(ctx context.Context, listener net.Listener, handler http.Handler, logger *slog.Logger) error {
	httpServer := &http.Server{
		Handler:     handler,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "addr", listener.Addr().String())

		if err := httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
		defer cancel()

		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
