package poolupdates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// Constants for reconnection logic
const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second

	// RpcNamespace is the namespace under which the pool stream is registered.
	RpcNamespace                 = "defi"
	PoolUpdateSubscriptionMethod = "subscribePoolUpdates"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Applier receives decoded-on-arrival pool update payloads in the order
// the stream delivers them. *poolregistry.Registry is the production
// implementation.
type Applier interface {
	ApplyUpdate(ctx context.Context, chain uint64, encoded []byte) error
}

// Config holds the configuration for the client.
type Config struct {
	URL      string
	Logger   Logger
	Registry Applier
}

// validate checks if the configuration is valid.
func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("config: URL is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.Registry == nil {
		return errors.New("config: Registry is required")
	}
	return nil
}

// Client manages the connection and subscription to the pool update stream
// and feeds every notification to the registry, in arrival order.
type Client struct {
	registry Applier
	errCh    chan error
	logger   Logger
}

// UpdateEvent is the wrapper object received from the server. Pool stays
// raw; decoding and validation belong to the registry so a malformed
// payload is dropped there with an anomaly report, never inserted.
type UpdateEvent struct {
	Chain  uint64          `json:"chain"`
	Pool   json.RawMessage `json:"pool"`
	SentAt int64           `json:"sentAt"`
}

// NewClient creates a new client and starts the connection and subscription manager.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := &Client{
		registry: cfg.Registry,
		errCh:    make(chan error, 1),
		logger:   cfg.Logger,
	}

	go client.run(ctx, cfg.URL)
	return client, nil
}

// Err returns a read-only channel for receiving fatal (unrecoverable) errors.
func (c *Client) Err() <-chan error {
	return c.errCh
}

// run handles the entire lifecycle of the client, including reconnection.
func (c *Client) run(ctx context.Context, url string) {
	defer close(c.errCh)
	reconnectDelay := initialReconnectDelay

	for {
		if ctx.Err() != nil {
			c.logger.Info("Client context canceled, shutting down.")
			return
		}

		c.logger.Info("Attempting to connect to RPC server", "url", url)
		rpcClient, err := rpc.DialContext(ctx, url)
		if err != nil {
			c.logger.Error("Failed to connect to RPC server, will retry...", "error", err, "delay", reconnectDelay)
			time.Sleep(reconnectDelay)
			reconnectDelay = min(reconnectDelay*2, maxReconnectDelay)
			continue
		}

		c.logger.Info("Successfully connected to RPC server.")
		reconnectDelay = initialReconnectDelay // Reset delay on success

		err = c.subscribeAndProcess(ctx, rpcClient)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("Context canceled during subscription, shutting down.", "error", err)
				return
			}
			c.logger.Error("Subscription failed, will reconnect...", "error", err, "delay", reconnectDelay)
			time.Sleep(reconnectDelay)
			reconnectDelay = min(reconnectDelay*2, maxReconnectDelay)
		}
	}
}

// subscribeAndProcess handles the subscription and processing of messages.
func (c *Client) subscribeAndProcess(ctx context.Context, rpcClient *rpc.Client) error {
	defer rpcClient.Close()

	rawCh := make(chan json.RawMessage)
	sub, err := rpcClient.Subscribe(ctx, RpcNamespace, rawCh, PoolUpdateSubscriptionMethod)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	c.logger.Info("Successfully subscribed. Waiting for pool updates...")
	for {
		select {
		case rawData := <-rawCh:
			c.processMessage(ctx, rawData)
		case err := <-sub.Err():
			return err
		case <-ctx.Done():
			c.logger.Info("Context cancelled, stopping subscription.")
			return ctx.Err()
		}
	}
}

// processMessage handles unmarshalling and routing of an incoming event.
// Per-message failures are logged and dropped; they never kill the
// subscription loop.
func (c *Client) processMessage(ctx context.Context, rawData json.RawMessage) {
	receivedAt := time.Now()

	var event UpdateEvent
	if err := json.Unmarshal(rawData, &event); err != nil {
		c.logger.Error("Failed to unmarshal pool update event", "error", err)
		return
	}
	if len(event.Pool) == 0 {
		c.logger.Warn("Received pool update event with empty payload", "chain", event.Chain)
		return
	}

	if err := c.registry.ApplyUpdate(ctx, event.Chain, event.Pool); err != nil {
		c.logger.Warn("Dropped pool update", "chain", event.Chain, "error", err)
		return
	}

	c.logger.Debug("Applied pool update",
		"chain", event.Chain,
		"transport_ms", receivedAt.Sub(time.Unix(0, event.SentAt)).Round(time.Millisecond).Milliseconds(),
		"processing_ms", time.Since(receivedAt).Milliseconds(),
	)
}
