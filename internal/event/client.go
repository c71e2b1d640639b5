package event

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/me/ensrun/internal/config"
	"github.com/me/ensrun/internal/logging"
)

// ErrClosedByRemote is returned when the collector closed the connection
// gracefully. Such failures are never retried.
var ErrClosedByRemote = errors.New("event: connection closed by remote")

const (
	defaultMaxRetries = 10
	defaultBaseDelay  = 200 * time.Millisecond
	defaultMultiplier = 5 * time.Second

	handshakeTimeout = 30 * time.Second
	writeTimeout     = 30 * time.Second
	// closeWait bounds how long a send waits for the reader to surface a
	// close frame after the connection reported ErrCloseSent.
	closeWait = 5 * time.Second
	// defaultHandshakeGrace is how long a fresh connection is watched for
	// an immediate close frame before the first write.
	defaultHandshakeGrace = 100 * time.Millisecond
)

// DeliveryError is returned when an envelope could not be delivered.
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("event: delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// HandshakeError reports a non-101 response to the websocket upgrade.
type HandshakeError struct {
	StatusCode int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("event: websocket handshake rejected with HTTP %d", e.StatusCode)
}

// Sender delivers envelopes.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token in the "token" header and as a bearer credential.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithCertificate trusts the PEM encoded certificate for TLS connections.
func WithCertificate(pem []byte) ClientOption {
	return func(c *Client) { c.certPEM = pem }
}

// WithMaxRetries sets how many times a failed send is retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff sets the linear backoff: the wait before retry i is
// base + multiplier*i.
func WithBackoff(base, multiplier time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = base
		c.multiplier = multiplier
	}
}

// WithTimer replaces the timer used between retries.
func WithTimer(t backoff.Timer) ClientOption {
	return func(c *Client) { c.timer = t }
}

// WithHandshakeGrace sets how long a new connection is watched for a close
// frame sent right after the upgrade. Zero disables the check.
func WithHandshakeGrace(d time.Duration) ClientOption {
	return func(c *Client) { c.handshakeGrace = d }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client delivers envelopes over a single persistent websocket connection,
// reconnecting after transient failures. Send calls are serialized.
type Client struct {
	url        string
	token      string
	certPEM    []byte
	maxRetries int
	baseDelay  time.Duration
	multiplier time.Duration
	timer      backoff.Timer
	logger     *slog.Logger
	dialer     *websocket.Dialer

	handshakeGrace time.Duration

	mu   sync.Mutex
	conn *connection
}

// connection is one websocket plus the goroutine draining its reads.
type connection struct {
	ws       *websocket.Conn
	closed   chan struct{}
	closeErr error // valid once closed is closed
}

// NewClient creates a client for rawURL. ws, wss, http and https schemes
// are accepted; http(s) is mapped to ws(s).
func NewClient(rawURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		multiplier: defaultMultiplier,

		handshakeGrace: defaultHandshakeGrace,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logging.OrDiscard(c.logger).With("component", "event-client")

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("event: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("event: unsupported url scheme %q", u.Scheme)
	}
	c.url = u.String()
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}

	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if len(c.certPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(c.certPEM) {
			return nil, errors.New("event: no certificates found in PEM data")
		}
		c.dialer.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return c, nil
}

// NewClientFromConfig builds a client from the events config section.
func NewClientFromConfig(cfg config.EventConfig, logger *slog.Logger) (*Client, error) {
	opts := []ClientOption{
		WithLogger(logger),
		WithMaxRetries(cfg.MaxRetries),
		WithBackoff(cfg.BaseDelay, cfg.Multiplier),
	}
	if cfg.Token != "" {
		opts = append(opts, WithToken(cfg.Token))
	}
	if cfg.CertFile != "" {
		pem, err := os.ReadFile(cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("event: read certificate: %w", err)
		}
		opts = append(opts, WithCertificate(pem))
	}
	return NewClient(cfg.URL, opts...)
}

// URL returns the websocket URL the client dials.
func (c *Client) URL() string { return c.url }

// Send encodes env and delivers it.
func (c *Client) Send(ctx context.Context, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.SendMessage(ctx, data)
}

// SendEvent builds and sends an envelope.
func (c *Client) SendEvent(ctx context.Context, typ, source string, data map[string]any) error {
	return c.Send(ctx, New(typ, source, data))
}

// SendMessage writes msg as a text frame, connecting first if needed.
// Transient failures drop the connection and are retried up to MaxRetries
// times. A graceful remote close returns ErrClosedByRemote at once.
func (c *Client) SendMessage(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempts := 0
	op := func() error {
		attempts++
		return c.attempt(ctx, msg)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("event delivery failed, retrying", "url", c.url, "attempt", attempts, "wait", wait, "error", err)
	}

	var b backoff.BackOff = &linearBackOff{base: c.baseDelay, multiplier: c.multiplier}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)

	err := backoff.RetryNotifyWithTimer(op, b, notify, c.timer)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosedByRemote) {
		return err
	}
	return &DeliveryError{Attempts: attempts, Err: err}
}

// attempt performs one connect-and-write. Non-retryable failures are
// wrapped with backoff.Permanent.
func (c *Client) attempt(ctx context.Context, msg []byte) error {
	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.conn = conn
		if err := c.awaitHandshakeClose(ctx, conn); err != nil {
			return err
		}
	}
	conn := c.conn

	select {
	case <-conn.closed:
		return c.closedError(conn)
	default:
	}

	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.ws.WriteMessage(websocket.TextMessage, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		select {
		case <-conn.closed:
			return c.closedError(conn)
		case <-time.After(closeWait):
		}
	}
	c.drop()
	return fmt.Errorf("event: write: %w", err)
}

// awaitHandshakeClose watches a new connection for handshakeGrace so a
// collector that closes right after the upgrade is classified before
// anything is written into a socket nobody reads.
func (c *Client) awaitHandshakeClose(ctx context.Context, conn *connection) error {
	if c.handshakeGrace <= 0 {
		return nil
	}
	t := time.NewTimer(c.handshakeGrace)
	defer t.Stop()
	select {
	case <-conn.closed:
		return c.closedError(conn)
	case <-t.C:
		return nil
	case <-ctx.Done():
		c.drop()
		return backoff.Permanent(ctx.Err())
	}
}

// closedError classifies a connection whose reader has stopped.
func (c *Client) closedError(conn *connection) error {
	c.drop()
	if websocket.IsCloseError(conn.closeErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrClosedByRemote, conn.closeErr))
	}
	return fmt.Errorf("event: connection lost: %w", conn.closeErr)
}

func (c *Client) dial(ctx context.Context) (*connection, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("token", c.token)
		header.Set("Authorization", "Bearer "+c.token)
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			herr := &HandshakeError{StatusCode: resp.StatusCode}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(herr)
			}
			return nil, herr
		}
		return nil, fmt.Errorf("event: dial %s: %w", c.url, err)
	}

	conn := &connection{ws: ws, closed: make(chan struct{})}
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				conn.closeErr = err
				close(conn.closed)
				return
			}
		}
	}()
	c.logger.Debug("connected", "url", c.url)
	return conn, nil
}

// drop discards the current connection. Caller holds c.mu.
func (c *Client) drop() {
	if c.conn == nil {
		return
	}
	c.conn.ws.Close()
	c.conn = nil
}

// Close sends a normal closure frame and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("close frame not sent", "error", err)
	}
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
	}
	c.drop()
	return nil
}

// linearBackOff waits base + multiplier*retry before retry number retry.
type linearBackOff struct {
	base       time.Duration
	multiplier time.Duration
	retry      int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	d := b.base + b.multiplier*time.Duration(b.retry)
	b.retry++
	return d
}

func (b *linearBackOff) Reset() { b.retry = 0 }
