// Package natsclient manages the node's NATS connection with a circuit breaker.
package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
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

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// MsgHandler receives one message. The context carries the per-message
// processing deadline.
type MsgHandler func(ctx context.Context, msg *nats.Msg)

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// circuit breaker
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	handlerTimeout time.Duration

	username string
	password string
	token    string

	clientName string
	tlsConfig  *tls.Config

	coreMetrics     *metric.Metrics
	jsMetrics       *jetstreamMetrics
	metricsCancel   context.CancelFunc
	metricsInterval time.Duration

	onHealthChange func(bool)

	healthInterval time.Duration
	healthDone     chan struct{}

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		handlerTimeout:   30 * time.Second,
		metricsInterval:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient")

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// GetConnection returns the current NATS connection
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	if m.coreMetrics != nil {
		m.coreMetrics.RecordNATSStatus(status == StatusConnected)
		circuit := 0
		if status == StatusCircuitOpen {
			circuit = 1
		}
		m.coreMetrics.RecordCircuitBreakerState(circuit)
	}
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// recordFailure counts a failure and opens the circuit once the threshold is
// reached in the current round. Every further round doubles the backoff up to
// maxBackoff.
func (m *Client) recordFailure() {
	m.failures.Add(1)
	m.lastFailure.Store(time.Now())

	circuitFailures := m.circuitFailures.Add(1)
	if circuitFailures < m.circuitThreshold {
		return
	}

	current := m.backoff.Load().(time.Duration)
	next := current * 2
	if next > m.maxBackoff {
		next = m.maxBackoff
	}
	m.backoff.Store(next)
	m.circuitFailures.Store(0)

	status := m.Status()
	if status == StatusCircuitOpen {
		m.logger.Warn("Circuit breaker still open", "backoff", next)
		return
	}
	if m.status.CompareAndSwap(status, StatusCircuitOpen) {
		m.setStatus(StatusCircuitOpen)
		m.logger.Warn("Circuit breaker opened", "failures", circuitFailures, "retry_in", current)
		time.AfterFunc(current, m.testCircuit)
	}
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// testCircuit moves an open circuit to half-open so the next Connect is attempted.
func (m *Client) testCircuit() {
	if m.Status() == StatusCircuitOpen {
		m.logger.Debug("Circuit breaker half-open")
		m.setStatus(StatusDisconnected)
	}
}

// WaitForConnection waits for the connection to be established
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	if m.tlsConfig != nil {
		opts = append(opts, nats.Secure(m.tlsConfig))
	}
	return opts
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
	}
	if rtt, err := m.RTT(); err == nil {
		status.RTT = rtt
	}
	return status
}

// Connect establishes the connection and initializes JetStream.
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("Connecting to NATS", "url", m.url)

	opts := m.buildConnectionOptions()
	type result struct {
		conn *nats.Conn
		err  error
	}
	connectDone := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		connectDone <- result{conn, err}
	}()

	var res result
	select {
	case res = <-connectDone:
	case <-ctx.Done():
		res.err = ctx.Err()
		go func() {
			if late := <-connectDone; late.conn != nil {
				late.conn.Close()
			}
		}()
	}

	if res.err != nil {
		m.recordFailure()
		if m.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		m.setStatus(StatusDisconnected)
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(res.conn)
	m.mu.Lock()
	m.conn = res.conn
	if err == nil {
		m.js = js
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("JetStream unavailable", "error", err)
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Connected to NATS", "url", m.url)

	if m.healthInterval > 0 {
		m.startHealthMonitoring()
	}
	if m.jsMetrics != nil && m.metricsInterval > 0 {
		m.metricsCancel = m.jsMetrics.startPoller(context.Background(), m.metricsInterval)
	}
	if m.onHealthChange != nil {
		m.onHealthChange(true)
	}
	return nil
}

// Close unsubscribes everything, drains the connection and clears credentials.
// It is safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil
	}
	m.closed.Store(true)

	m.stopHealthMonitoring()
	if m.metricsCancel != nil {
		m.metricsCancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) &&
			!stderrors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	m.subs = nil

	if m.conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		conn := m.conn
		go func() { drainDone <- conn.Drain() }()

		select {
		case err := <-drainDone:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
		}

		conn.Close()
		m.conn = nil
		m.js = nil
	}

	m.username, m.password, m.token = "", "", ""
	m.setStatus(StatusDisconnected)

	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

func (m *Client) connected() (*nats.Conn, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (m *Client) wrapHandler(ctx context.Context, handler MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, m.handlerTimeout)
		defer cancel()
		handler(msgCtx, msg)
	}
}

func (m *Client) track(sub *nats.Subscription) {
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
}

// Subscribe delivers every message on subject to handler.
func (m *Client) Subscribe(ctx context.Context, subject string, handler MsgHandler) (*nats.Subscription, error) {
	conn, err := m.connected()
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, m.wrapHandler(ctx, handler))
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	m.track(sub)
	return sub, nil
}

// QueueSubscribe delivers each message on subject to exactly one member of queue.
func (m *Client) QueueSubscribe(ctx context.Context, subject, queue string,
	handler MsgHandler) (*nats.Subscription, error) {
	conn, err := m.connected()
	if err != nil {
		return nil, err
	}
	sub, err := conn.QueueSubscribe(subject, queue, m.wrapHandler(ctx, handler))
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "QueueSubscribe", "subscribe "+subject)
	}
	m.track(sub)
	return sub, nil
}

// Publish publishes a message to a NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := m.connected()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	if m.coreMetrics != nil {
		m.coreMetrics.RecordMessagePublished("natsclient", subject)
	}
	return nil
}

// Request sends data and waits for a single reply until ctx ends.
func (m *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	conn, err := m.connected()
	if err != nil {
		return nil, err
	}
	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, nats.ErrTimeout) {
			return nil, errors.WrapTransient(errors.ErrAskTimeout, "Client", "Request", subject)
		}
		return nil, errors.WrapTransient(err, "Client", "Request", "request "+subject)
	}
	return msg.Data, nil
}

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "JetStream", "JetStream not initialized")
	}
	return m.js, nil
}

func (m *Client) jetStream() (jetstream.JetStream, error) {
	if _, err := m.connected(); err != nil {
		return nil, err
	}
	js, err := m.JetStream()
	if err != nil {
		m.recordFailure()
		return nil, err
	}
	return js, nil
}

// CreateStream creates the stream or updates its configuration in place.
func (m *Client) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.jetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		m.recordFailure()
		m.jsMetrics.recordError("create_stream")
		return nil, errors.WrapTransient(err, "Client", "CreateStream", "create stream "+cfg.Name)
	}

	m.resetCircuit()
	m.jsMetrics.trackStream(cfg.Name, stream)
	return stream, nil
}

// CreateKeyValueBucket returns the bucket, creating it when it does not exist.
func (m *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := m.jetStream()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		m.resetCircuit()
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			if bucket, err = js.KeyValue(ctx, cfg.Bucket); err == nil {
				m.resetCircuit()
				return bucket, nil
			}
		}
		m.recordFailure()
		m.jsMetrics.recordError("create_kv")
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}

	m.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	m.resetCircuit()
	return bucket, nil
}

// OnHealthChange sets a callback for health status changes
func (m *Client) OnHealthChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthChange = fn
}

func (m *Client) healthCallback() func(bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onHealthChange
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)
	m.logger.Warn("NATS disconnected", "error", err)
	if fn := m.healthCallback(); fn != nil {
		go fn(false)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("NATS reconnected")
	if m.coreMetrics != nil {
		m.coreMetrics.RecordNATSReconnect()
	}
	if fn := m.healthCallback(); fn != nil {
		go fn(true)
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
	if fn := m.healthCallback(); fn != nil {
		go fn(false)
	}
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	m.logger.Error("NATS async error", "subject", subject, "error", err)
}

func (m *Client) startHealthMonitoring() {
	m.stopHealthMonitoring()

	m.mu.Lock()
	done := make(chan struct{})
	m.healthDone = done
	interval := m.healthInterval
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastHealthy := m.IsHealthy()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn := m.GetConnection()
				if conn == nil {
					continue
				}

				rtt, err := conn.RTT()
				healthy := conn.IsConnected() && err == nil
				if healthy && m.coreMetrics != nil {
					m.coreMetrics.RecordNATSRTT(rtt)
				}

				if healthy && m.Status() != StatusConnected {
					m.setStatus(StatusConnected)
				} else if !healthy && m.Status() == StatusConnected {
					m.setStatus(StatusReconnecting)
				}

				if healthy != lastHealthy {
					if fn := m.healthCallback(); fn != nil {
						fn(healthy)
					}
				}
				lastHealthy = healthy
			}
		}
	}()
}

func (m *Client) stopHealthMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
