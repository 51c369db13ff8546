// Package natsclient manages the NATS connection for the pipeline with
// a circuit breaker around connection and JetStream operations.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/metric"
)

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int

// defaultAckWait bounds one delivery attempt. It must comfortably
// exceed the slowest handler's full retry budget, or redeliveries pile
// up behind tasks that are still running.
const defaultAckWait = 5 * time.Minute

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Client manages a NATS connection with a circuit breaker. JetStream
// operations go through the same breaker so a flapping broker backs the
// whole pipeline off instead of hammering it.
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	circuitThreshold int32
	backoff          atomic.Value // time.Duration
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	ackWait       time.Duration
	clientName    string
	username      string
	password      string

	metrics *metric.Metrics

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client for the given server URL.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default().With("component", "natsclient"),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		ackWait:          defaultAckWait,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)

	return c, nil
}

// URL returns the NATS server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy reports whether the connection is usable.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the total recorded failure count.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		if status == StatusConnected {
			c.metrics.NATSConnected.Set(1)
		} else {
			c.metrics.NATSConnected.Set(0)
		}
	}
}

// Connect establishes the connection and initializes JetStream.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return errors.ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.recordFailure()
			if c.Status() == StatusCircuitOpen {
				return errors.ErrCircuitOpen
			}
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("connected to NATS", "url", c.url)
	return nil
}

// WaitForConnection blocks until the connection is healthy or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.consumersMu.Lock()
	for name, cc := range c.consumers {
		cc.Stop()
		c.logger.Debug("stopped consumer", "consumer", name)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.setStatus(StatusDisconnected)
		return nil
	}

	drainTimeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	var drainErr error
	drainDone := make(chan error, 1)
	go func() { drainDone <- c.conn.Drain() }()

	select {
	case err := <-drainDone:
		if err != nil {
			drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		drainErr = errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", drainTimeout),
			"Client", "Close", "drain connection")
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}

	c.conn.Close()
	c.conn = nil
	c.username = ""
	c.password = ""
	c.setStatus(StatusDisconnected)

	return drainErr
}

// Publish publishes on core NATS (at-most-once).
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return errors.ErrNoConnection
	}
	return conn.Publish(subject, data)
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// CreateStream creates or updates a JetStream stream.
func (c *Client) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.guardedJetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateStream", "create stream "+cfg.Name)
	}

	c.resetCircuit()
	return stream, nil
}

// PublishToStream publishes with JetStream persistence (at-least-once).
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := c.guardedJetStream()
	if err != nil {
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish "+subject)
	}

	c.resetCircuit()
	return nil
}

// ConsumeStream runs a durable consumer on the stream with an explicit
// ack policy: the handler returning nil acks, anything else naks so the
// broker redelivers. Redeliveries therefore happen until the handler
// declares the message handled; handlers must be idempotent.
func (c *Client) ConsumeStream(ctx context.Context, streamName, durable, subject string,
	handler func(context.Context, []byte) error) error {

	js, err := c.guardedJetStream()
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.ErrShuttingDown
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.ackWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "ConsumeStream", "create consumer "+durable)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		// The handler deadline matches the broker's ack wait, so a task
		// cannot keep running after the message is up for redelivery.
		msgCtx, cancel := context.WithTimeout(ctx, c.ackWait)
		defer cancel()

		if err := handler(msgCtx, msg.Data()); err != nil {
			c.logger.Warn("message handling failed, redelivering",
				"subject", msg.Subject(), "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "ConsumeStream", "start consumer "+durable)
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if c.closed.Load() {
		consumeCtx.Stop()
		return errors.ErrShuttingDown
	}
	if c.consumers == nil {
		c.consumers = make(map[string]jetstream.ConsumeContext)
	}
	key := streamName + ":" + durable
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
	}
	c.consumers[key] = consumeCtx

	c.resetCircuit()
	return nil
}

// StopConsumer stops a consumer started by ConsumeStream.
func (c *Client) StopConsumer(streamName, durable string) {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	key := streamName + ":" + durable
	if cc, ok := c.consumers[key]; ok {
		cc.Stop()
		delete(c.consumers, key)
	}
}

// CreateKeyValueBucket creates or gets a KV bucket.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.guardedJetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		c.resetCircuit()
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			// Lost a creation race; the existing bucket is fine.
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				c.recordFailure()
				return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
					"access existing bucket "+cfg.Bucket)
			}
			c.resetCircuit()
			return bucket, nil
		}
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			"create bucket "+cfg.Bucket)
	}

	c.logger.Info("created KV bucket", "bucket", cfg.Bucket)
	c.resetCircuit()
	return bucket, nil
}

func (c *Client) guardedJetStream() (jetstream.JetStream, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, errors.ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return nil, errors.ErrNoConnection
	}
	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	return js, nil
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

func (c *Client) recordFailure() {
	c.failures.Add(1)
	circuitFailures := c.circuitFailures.Add(1)

	if circuitFailures < c.circuitThreshold {
		return
	}

	currentStatus := c.Status()
	currentBackoff := c.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > c.maxBackoff {
		newBackoff = c.maxBackoff
	}
	c.backoff.Store(newBackoff)
	c.circuitFailures.Store(0)

	if currentStatus != StatusCircuitOpen {
		if c.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			c.logger.Warn("circuit breaker opened",
				"failures", circuitFailures, "backoff", currentBackoff)
			time.AfterFunc(currentBackoff, c.testCircuit)
		}
	} else {
		c.logger.Warn("circuit breaker still open", "backoff", newBackoff)
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) testCircuit() {
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Warn("NATS disconnected", "error", err)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	if c.metrics != nil {
		c.metrics.NATSReconnects.Inc()
	}
	c.logger.Info("NATS reconnected")
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS async error", "error", err)
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "bucket name already in use") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "stream name already in use")
}
