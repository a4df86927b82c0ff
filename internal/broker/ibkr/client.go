package ibkr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/metrics"
	"golang.org/x/time/rate"
)

// ErrSessionClosed is returned by Connect after Disconnect.
var ErrSessionClosed = errors.New("session closed")

// dialFunc opens the transport. Replaced in tests.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client implements broker.Session for TWS / IB Gateway.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	dial     dialFunc

	// Connection. mu serialises Connect, Disconnect and disconnect handling.
	mu            sync.Mutex
	conn          net.Conn
	closing       bool
	state         atomic.Int32
	serverVersion atomic.Int32
	connTime      string
	connectedAt   time.Time

	writeMu sync.Mutex
	limiter *rate.Limiter

	events chan broker.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewClient creates a new IBKR client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = DefaultConfig().MaxRequestsPerSecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		dial:     dialer.DialContext,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		events:   make(chan broker.Event, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(broker.StateDisconnected))

	return c
}

// Connect dials the gateway, performs the handshake and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closing {
		return ErrSessionClosed
	}
	if c.State() == broker.StateConnected {
		return nil
	}

	c.state.Store(int32(broker.StateConnecting))
	c.logger.Info("connecting to IBKR",
		"addr", c.cfg.Addr(),
		"client_id", c.cfg.ClientID,
		"paper", c.cfg.PaperTrading,
	)

	conn, err := c.dial(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		c.state.Store(int32(broker.StateError))
		return fmt.Errorf("%w: %v", broker.ErrConnectionTimeout, err)
	}

	reader := bufio.NewReaderSize(conn, 64<<10)
	if err := c.handshake(conn, reader); err != nil {
		_ = conn.Close()
		c.state.Store(int32(broker.StateError))
		return fmt.Errorf("handshake: %w", err)
	}

	c.conn = conn
	c.connectedAt = time.Now()
	c.state.Store(int32(broker.StateConnected))
	c.recorder.RecordGatewayStatus(true)

	c.wg.Add(1)
	go c.readLoop(conn, reader)

	c.logger.Info("connected to IBKR",
		"server_version", c.ServerVersion(),
		"conn_time", c.connTime,
	)
	return nil
}

// handshake sends the version range, reads the server version and starts
// the API session.
func (c *Client) handshake(conn net.Conn, reader *bufio.Reader) error {
	if c.cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	if _, err := conn.Write(handshakePrefix()); err != nil {
		return fmt.Errorf("write version range: %w", err)
	}

	fields, err := readFrame(reader)
	if err != nil {
		return fmt.Errorf("read server version: %w", err)
	}
	if len(fields) < 1 {
		return errors.New("empty server version")
	}
	version, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("server version %q: %w", fields[0], err)
	}
	if version < minClientVersion {
		return fmt.Errorf("server version %d below supported minimum %d", version, minClientVersion)
	}
	c.serverVersion.Store(int32(version))
	if len(fields) > 1 {
		c.connTime = fields[1]
	}

	if _, err := conn.Write(frame(encodeStartAPI(c.cfg.ClientID))); err != nil {
		return fmt.Errorf("write startAPI: %w", err)
	}
	return nil
}

// readLoop decodes inbound messages until the connection fails.
func (c *Client) readLoop(conn net.Conn, reader *bufio.Reader) {
	defer c.wg.Done()

	for {
		fields, err := readFrame(reader)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		events, err := decodeMessage(fields, time.Now())
		if err != nil {
			c.recorder.RecordError("decode")
			c.logger.Warn("dropping undecodable message", "err", err)
			continue
		}
		for _, ev := range events {
			if !c.emit(ev) {
				return
			}
		}
	}
}

// emit delivers ev, blocking until the consumer takes it or the client
// shuts down.
func (c *Client) emit(ev broker.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// handleDisconnect handles connection loss.
func (c *Client) handleDisconnect(conn net.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn || c.closing {
		return
	}

	_ = conn.Close()
	c.conn = nil
	c.state.Store(int32(broker.StateDisconnected))
	c.recorder.RecordGatewayStatus(false)
	c.logger.Warn("disconnected from IBKR", "err", cause)

	select {
	case c.events <- broker.ConnectionClosed{Err: cause}:
	default:
		c.logger.Error("event buffer full, connection loss not delivered")
	}

	if c.cfg.AutoReconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for i := 0; i < c.cfg.MaxReconnectTries; i++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}

		c.logger.Info("attempting reconnect", "attempt", i+1)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		c.mu.Lock()
		err := c.connectLocked(ctx)
		c.mu.Unlock()
		cancel()

		if err == nil {
			c.logger.Info("reconnected successfully")
			return
		}
		if errors.Is(err, ErrSessionClosed) {
			return
		}

		c.logger.Warn("reconnect failed", "err", err)
	}

	c.logger.Error("max reconnect attempts reached")
}

// Send encodes and writes one request.
func (c *Client) Send(ctx context.Context, req broker.Request) error {
	payload, err := encodeRequest(req)
	if err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.State() != broker.StateConnected {
		return broker.ErrNotConnected
	}

	if _, err := conn.Write(frame(payload)); err != nil {
		return fmt.Errorf("write %s: %w", broker.RequestName(req), err)
	}

	c.logger.Debug("request sent", "request", broker.RequestName(req))
	return nil
}

// Events returns the inbound event stream. It is closed by Disconnect.
func (c *Client) Events() <-chan broker.Event {
	return c.events
}

// Disconnect closes the connection and the event stream. The client cannot
// be reconnected afterwards.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	close(c.done)
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state.Store(int32(broker.StateDisconnected))
	c.mu.Unlock()

	c.wg.Wait()
	close(c.events)
	c.recorder.RecordGatewayStatus(false)

	c.logger.Info("disconnected from IBKR")
	return nil
}

// State returns the current connection state.
func (c *Client) State() broker.ConnectionState {
	return broker.ConnectionState(c.state.Load())
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.State() == broker.StateConnected
}

// ServerVersion returns the version negotiated in the last handshake.
func (c *Client) ServerVersion() int {
	return int(c.serverVersion.Load())
}

var _ broker.Session = (*Client)(nil)
