package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/uswitch/graphqlws/pkg/graphql/ws"
)

func newQueryCommand(opts *options) *cobra.Command {
	queryCmd := &cobra.Command{
		Use:   "query [query]",
		Short: "Execute an operation and print each result as a JSON line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.resolve(cmd)
			if err != nil {
				return err
			}

			if err := checkDocument(args[0], opts.operationName); err != nil {
				return err
			}

			variables, err := parseVariables(opts.variables)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return runQuery(ctx, config, config.logger(), ws.OperationParams{
				Query:         args[0],
				Variables:     variables,
				OperationName: opts.operationName,
			}, cmd.OutOrStdout())
		},
	}

	flags := queryCmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8080/graphql", "url to connect to")
	flags.StringVar(&opts.origin, "origin", "cli://graphqlws", "origin to send to the server")
	flags.StringVar(&opts.transport, "transport", "gorilla", "websocket library to dial with, gorilla or coder")
	flags.StringVar(&opts.ackTimeout, "ack-timeout", ws.DefaultAckTimeout.String(), "how long to wait for connection_ack")
	flags.Uint64Var(&opts.retries, "retries", 0, "how many times to retry when the connection or handshake fails")
	flags.StringVar(&opts.variables, "variables", "", "variables as a JSON object")
	flags.StringVar(&opts.operationName, "operation-name", "", "operation to run when the document has several")

	return queryCmd
}

// checkDocument parses query locally so that syntax errors and a missing
// operation fail before anything is dialled.
func checkDocument(query, operationName string) error {
	doc, err := parser.ParseQuery(&ast.Source{Name: "query", Input: query})
	if err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	if doc.Operations.ForName(operationName) != nil {
		return nil
	}

	if operationName == "" {
		return fmt.Errorf("the document has %d operations, pick one with --operation-name", len(doc.Operations))
	}

	return fmt.Errorf("the document has no operation named %q", operationName)
}

func parseVariables(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}

	var variables map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &variables); err != nil {
		return nil, fmt.Errorf("variables must be a JSON object: %w", err)
	}

	return variables, nil
}

// retryable reports whether err happened before the server accepted us, so
// trying again cannot duplicate output.
func retryable(err error) bool {
	return errors.Is(err, ws.ErrConnectionFailed) || errors.Is(err, ws.ErrHandshakeFailed)
}

// runQuery executes params, retrying with exponential backoff while the
// connection or handshake fails and nothing has been printed yet.
func runQuery(ctx context.Context, config *Config, logger *slog.Logger, params ws.OperationParams, out io.Writer) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), config.Retries),
		ctx,
	)

	attempt := 0

	return backoff.RetryNotify(
		func() error {
			attempt++

			printed, err := queryOnce(ctx, config.ClientConfig(logger.With("attempt", attempt)), params, out)
			if err == nil {
				return nil
			}

			if printed > 0 || !retryable(err) {
				return backoff.Permanent(err)
			}

			return err
		},
		policy,
		func(err error, wait time.Duration) {
			logger.Warn("operation failed, retrying", "error", err, "wait", wait)
		},
	)
}

func queryOnce(ctx context.Context, clientConfig ws.Config, params ws.OperationParams, out io.Writer) (int, error) {
	client, err := ws.NewClient(clientConfig)
	if err != nil {
		return 0, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client.Close(closeCtx)
	}()

	sub, err := client.Execute(ctx, params)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(out)
	printed := 0

	for response, err := range sub.All() {
		if err != nil {
			return printed, err
		}

		if err := enc.Encode(response); err != nil {
			return printed, err
		}
		printed++
	}

	return printed, nil
}
