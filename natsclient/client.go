package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ctxfed/errors"
	"github.com/c360/ctxfed/pkg/retry"
)

// ErrNotConnected is returned by operations that need an established connection
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client wraps a NATS connection and its JetStream context
type Client struct {
	url         string
	name        string
	timeout     time.Duration
	connectWith retry.Config
	logger      *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithName sets the connection name reported to the server
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithTimeout sets the dial timeout of one connection attempt
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

// WithConnectRetry sets the retry policy of Connect
func WithConnectRetry(cfg retry.Config) ClientOption {
	return func(c *Client) { c.connectWith = cfg }
}

// NewClient creates an unconnected client for url
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:         url,
		name:        "ctxfed",
		timeout:     5 * time.Second,
		connectWith: retry.DefaultConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the server URL
func (c *Client) URL() string { return c.url }

// Connect dials the server, retrying transient failures, and initialises JetStream.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := retry.DoWithResult(ctx, c.connectWith, func() (*nats.Conn, error) {
		return nats.Connect(c.url,
			nats.Name(c.name),
			nats.Timeout(c.timeout),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					c.logger.Warn("NATS disconnected", "url", c.url, "error", err)
				}
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				c.logger.Info("NATS reconnected", "url", c.url)
			}),
		)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "Client", "Connect", "initialise jetstream")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// IsConnected reports whether the underlying connection is up
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Drain()
	c.conn = nil
	c.js = nil
	if err != nil {
		return errors.Wrap(err, "Client", "Close", "drain connection")
	}
	return nil
}

// JetStream returns the JetStream context of the current connection
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// CreateKeyValueBucket returns the named bucket, creating it when missing
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		// lost a creation race with another instance
		if isAlreadyExistsError(err) {
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err == nil {
				return bucket, nil
			}
		}
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}

	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

func isAlreadyExistsError(err error) bool {
	return stderrors.Is(err, jetstream.ErrBucketExists) ||
		strings.Contains(err.Error(), "already in use") ||
		strings.Contains(err.Error(), "already exists")
}
