package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// options holds flag values. A flag only overrides the config file when it
// was set on the command line.
type options struct {
	configPath string
	logLevel   string
	logFormat  string

	url        string
	origin     string
	transport  string
	ackTimeout string
	retries    uint64

	variables     string
	operationName string

	addr      string
	path      string
	keepAlive bool

	allowedOrigins []string
}

func (o *options) resolve(cmd *cobra.Command) (*Config, error) {
	config := defaultConfig()

	if o.configPath != "" {
		fromFile, err := ConfigFromPath(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("could not load config file from '%s': %w", o.configPath, err)
		}
		config = *fromFile
	}

	flags := cmd.Flags()

	overrides := []struct {
		name  string
		apply func()
	}{
		{"log-level", func() { config.Log.Level = o.logLevel }},
		{"log-format", func() { config.Log.Format = o.logFormat }},
		{"url", func() { config.URL = o.url }},
		{"origin", func() { config.Origin = o.origin }},
		{"transport", func() { config.Transport = o.transport }},
		{"ack-timeout", func() { config.AckTimeout = o.ackTimeout }},
		{"retries", func() { config.Retries = o.retries }},
		{"addr", func() { config.Serve.Addr = o.addr }},
		{"path", func() { config.Serve.Path = o.path }},
		{"keep-alive", func() { config.Serve.KeepAlive = o.keepAlive }},
		{"allowed-origin", func() { config.Serve.AllowedOrigins = o.allowedOrigins }},
	}

	for _, override := range overrides {
		if flags.Lookup(override.name) != nil && flags.Changed(override.name) {
			override.apply()
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "gqlws",
		Short:         "Run GraphQL operations over subscriptions-transport-ws",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "text or json")

	rootCmd.AddCommand(newQueryCommand(opts))
	rootCmd.AddCommand(newServeCommand(opts))

	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gqlws: %v\n", err)
		os.Exit(1)
	}
}
