package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/uswitch/graphqlws/pkg/logging"
)

const (
	DefaultAckTimeout     = 30 * time.Second
	DefaultInboundBuffer  = 256
	DefaultOutboundBuffer = 1024
)

type Config struct {
	// URL of the server, ws:// or wss://.
	URL string

	// Dialer opens the socket, GorillaDialer when nil.
	Dialer Dialer

	// AckTimeout bounds the wait for connection_ack, including dialling.
	AckTimeout time.Duration

	// InboundBuffer is the per listener buffer. A full listener holds up
	// the reader for everyone.
	InboundBuffer int

	// OutboundBuffer is the size of the send queue. Send fails with
	// ErrOutboundOverflow when it is full.
	OutboundBuffer int

	// ConnectionParams is sent as the connection_init payload when set.
	ConnectionParams ConnectionParams

	Logger *slog.Logger
}

var defaultConfig = Config{
	AckTimeout:     DefaultAckTimeout,
	InboundBuffer:  DefaultInboundBuffer,
	OutboundBuffer: DefaultOutboundBuffer,
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = GorillaDialer{}
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = defaultConfig.AckTimeout
	}
	if c.InboundBuffer == 0 {
		c.InboundBuffer = defaultConfig.InboundBuffer
	}
	if c.OutboundBuffer == 0 {
		c.OutboundBuffer = defaultConfig.OutboundBuffer
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}

	return c
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("a url is required")
	}

	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("%q is an invalid URL: %w", c.URL, err)
	}

	if c.AckTimeout < 0 {
		return fmt.Errorf("ack timeout must be positive, was %s", c.AckTimeout)
	}

	if c.InboundBuffer < 0 || c.OutboundBuffer < 0 {
		return fmt.Errorf("buffer sizes must be positive, were %d inbound and %d outbound", c.InboundBuffer, c.OutboundBuffer)
	}

	return nil
}

// Client runs GraphQL operations over a single shared subscriptions-transport-ws
// connection. The connection is opened, and the handshake performed, by the
// first operation; every later operation reuses both.
type Client struct {
	id        uuid.UUID
	conn      *Connection
	handshake *handshake
	logger    *slog.Logger

	nextID atomic.Uint64

	mu     sync.Mutex
	active map[MessageID]*Subscription
	closed bool
}

func NewClient(config Config) (*Client, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := config.Logger.With("client", id.String())

	conn := newConnection(config, logger)

	return &Client{
		id:        id,
		conn:      conn,
		handshake: newHandshake(conn, config.AckTimeout, config.ConnectionParams, logger),
		logger:    logger,
		active:    map[MessageID]*Subscription{},
	}, nil
}

// ID identifies this client instance in logs.
func (c *Client) ID() uuid.UUID {
	return c.id
}

func (c *Client) Connection() *Connection {
	return c.conn
}

func (c *Client) HandshakeState() HandshakeState {
	return c.handshake.State()
}

// ExecuteQuery runs query and returns its stream of responses.
func (c *Client) ExecuteQuery(ctx context.Context, query string, variables map[string]interface{}, operationName string) (*Subscription, error) {
	return c.Execute(ctx, OperationParams{
		Query:         query,
		Variables:     variables,
		OperationName: operationName,
	})
}

// Execute starts an operation under a fresh id. It returns once the
// handshake has completed and the start message is queued; a handshake
// failure is returned here and no start message is sent. Cancelling ctx
// later stops the subscription, as does Subscription.Close.
func (c *Client) Execute(ctx context.Context, params OperationParams) (*Subscription, error) {
	id := MessageID(strconv.FormatUint(c.nextID.Add(1), 10))
	logger := c.logger.With("id", id)

	start, err := NewStartMessage(id, params)
	if err != nil {
		return nil, err
	}

	if err := c.handshake.Await(ctx); err != nil {
		return nil, err
	}

	l, err := c.conn.Receive(ctx)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(c, id, params, l, logger)

	if err := c.track(sub); err != nil {
		l.Close()
		return nil, err
	}

	if err := c.conn.Send(start); err != nil {
		c.untrack(id)
		l.Close()
		return nil, err
	}

	sub.setState(SubscriptionActive)
	logger.Debug("subscription started", "operation", params.OperationName)

	go sub.run(ctx)

	return sub, nil
}

func (c *Client) track(sub *Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	if _, ok := c.active[sub.id]; ok {
		return fmt.Errorf("there is already an active subscription for %v", sub.id)
	}

	c.active[sub.id] = sub

	return nil
}

func (c *Client) untrack(id MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.active, id)
}

// Active returns the number of subscriptions that have not yet reached a
// terminal state.
func (c *Client) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.active)
}

// Close stops every active subscription and closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*Subscription, 0, len(c.active))
	for _, sub := range c.active {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	return c.conn.Close(ctx)
}
