package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/qri-io/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/uswitch/graphqlws/pkg/graphql/ws"
	"github.com/uswitch/graphqlws/pkg/logging"
)

//go:embed config.schema.json
var configSchema []byte

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type ServeConfig struct {
	Addr      string `json:"addr"`
	Path      string `json:"path"`
	KeepAlive bool   `json:"keepAlive"`

	AllowedOrigins []string `json:"allowedOrigins"`
}

type Config struct {
	URL       string `json:"url"`
	Origin    string `json:"origin"`
	Transport string `json:"transport"`

	AckTimeout string `json:"ackTimeout"`
	Retries    uint64 `json:"retries"`

	InboundBuffer  int `json:"inboundBuffer"`
	OutboundBuffer int `json:"outboundBuffer"`

	ConnectionParams ws.ConnectionParams `json:"connectionParams"`

	Log   LogConfig   `json:"log"`
	Serve ServeConfig `json:"serve"`
}

func defaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8080/graphql",
		Origin:         "cli://graphqlws",
		Transport:      "gorilla",
		AckTimeout:     ws.DefaultAckTimeout.String(),
		Retries:        0,
		InboundBuffer:  ws.DefaultInboundBuffer,
		OutboundBuffer: ws.DefaultOutboundBuffer,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Serve: ServeConfig{
			Addr: "127.0.0.1:8080",
			Path: "/graphql",
		},
	}
}

func (c Config) validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url '%s': %w", c.URL, err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url '%s' needs a ws or wss scheme", c.URL)
	}

	if c.Transport != "gorilla" && c.Transport != "coder" {
		return fmt.Errorf("unknown transport '%s'", c.Transport)
	}

	if timeout, err := time.ParseDuration(c.AckTimeout); err != nil {
		return fmt.Errorf("invalid ack timeout '%s': %w", c.AckTimeout, err)
	} else if timeout <= 0 {
		return fmt.Errorf("ack timeout must be positive, got %s", c.AckTimeout)
	}

	if c.InboundBuffer < 1 || c.OutboundBuffer < 1 {
		return fmt.Errorf("buffers must hold at least one message")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return err
	}

	if !strings.HasPrefix(c.Serve.Path, "/") {
		return fmt.Errorf("serve path '%s' must start with /", c.Serve.Path)
	}

	return nil
}

// validateDocument checks a JSON config document against the embedded
// schema and folds every violation into one error.
func validateDocument(doc []byte) error {
	rs := &jsonschema.RootSchema{}
	if err := json.Unmarshal(configSchema, rs); err != nil {
		return fmt.Errorf("loading config schema: %w", err)
	}

	errs, err := rs.ValidateBytes(doc)
	if err != nil {
		return err
	}

	if len(errs) == 0 {
		return nil
	}

	messages := make([]string, len(errs))
	for idx, valErr := range errs {
		path := valErr.PropertyPath
		if path == "" {
			path = "/"
		}
		messages[idx] = fmt.Sprintf("%s: %s", path, valErr.Message)
	}

	return fmt.Errorf("invalid config: %s", strings.Join(messages, "; "))
}

// ParseConfig reads a YAML document over the defaults.
func ParseConfig(content []byte) (*Config, error) {
	config := defaultConfig()

	var doc interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if doc != nil {
		asJSON, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("converting config: %w", err)
		}

		if err := validateDocument(asJSON); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(asJSON, &config); err != nil {
			return nil, err
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func ConfigFromPath(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseConfig(content)
}

func (c Config) logger() *slog.Logger {
	level, _ := logging.ParseLevel(c.Log.Level)
	format, _ := logging.ParseFormat(c.Log.Format)

	return logging.New(logging.Config{Level: level, Format: format, Output: os.Stderr})
}

func (c Config) dialer() ws.Dialer {
	header := http.Header{}
	if c.Origin != "" {
		header.Set("Origin", c.Origin)
	}

	if c.Transport == "coder" {
		return ws.CoderDialer{Header: header}
	}

	return ws.GorillaDialer{Header: header}
}

// ClientConfig turns the file and flag settings into a ws.Config. Call it
// on a validated Config.
func (c Config) ClientConfig(logger *slog.Logger) ws.Config {
	timeout, _ := time.ParseDuration(c.AckTimeout)

	return ws.Config{
		URL:              c.URL,
		Dialer:           c.dialer(),
		AckTimeout:       timeout,
		InboundBuffer:    c.InboundBuffer,
		OutboundBuffer:   c.OutboundBuffer,
		ConnectionParams: c.ConnectionParams,
		Logger:           logger,
	}
}
