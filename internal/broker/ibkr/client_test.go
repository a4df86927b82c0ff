package ibkr

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/broker"
)

func newTestClient(t *testing.T, d *mockDialer) *Client {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AutoReconnect = false
	cfg.MaxRequestsPerSecond = 1000
	client := NewClient(cfg, nil)
	client.dial = d.Dial
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func nextEvent(t *testing.T, c *Client) broker.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

// TestNewClient tests client constructor.
func TestNewClient(t *testing.T) {
	client := NewClient(DefaultConfig(), nil)

	if client.State() != broker.StateDisconnected {
		t.Errorf("expected state Disconnected, got %v", client.State())
	}
	if client.IsConnected() {
		t.Error("expected client to not be connected initially")
	}
}

// TestClient_DefaultConfig tests default configuration.
func TestClient_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Addr() != "127.0.0.1:7497" {
		t.Errorf("expected addr 127.0.0.1:7497, got %s", cfg.Addr())
	}
	if cfg.ClientID != 1 {
		t.Errorf("expected clientID 1, got %d", cfg.ClientID)
	}
	if cfg.MaxRequestsPerSecond != 45 {
		t.Errorf("expected rate limit 45, got %d", cfg.MaxRequestsPerSecond)
	}
	if !cfg.PaperTrading || cfg.IsLivePort() {
		t.Error("expected paper trading by default")
	}
}

func TestClient_PortPresets(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantPort int
		wantLive bool
	}{
		{"tws live", LiveConfig(), 7496, true},
		{"tws paper", DefaultConfig(), 7497, false},
		{"gateway live", GatewayConfig(false), 4001, true},
		{"gateway paper", GatewayConfig(true), 4002, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cfg.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", tt.cfg.Port, tt.wantPort)
			}
			if tt.cfg.IsLivePort() != tt.wantLive {
				t.Errorf("IsLivePort() = %v, want %v", tt.cfg.IsLivePort(), tt.wantLive)
			}
			if tt.cfg.PaperTrading == tt.wantLive {
				t.Errorf("PaperTrading = %v", tt.cfg.PaperTrading)
			}
		})
	}
}

// TestClient_Send_NotConnected tests sending when not connected.
func TestClient_Send_NotConnected(t *testing.T) {
	client := NewClient(DefaultConfig(), nil)

	err := client.Send(context.Background(), broker.ReqPositions{})
	if !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_ConnectDialError(t *testing.T) {
	d := newMockDialer()
	d.SetDialError(errors.New("connection refused"))
	client := newTestClient(t, d)

	err := client.Connect(context.Background())
	if !errors.Is(err, broker.ErrConnectionTimeout) {
		t.Errorf("Connect() error = %v, want ErrConnectionTimeout", err)
	}
	if client.State() != broker.StateError {
		t.Errorf("state = %v, want error", client.State())
	}
}

func TestClient_ConnectOldServer(t *testing.T) {
	conn := newMockConn()
	conn.QueueFrame("76", "20261016 09:30:00 EST")
	client := newTestClient(t, newMockDialer(conn))

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected handshake error for an old server")
	}
	if !conn.IsClosed() {
		t.Error("connection should be closed after a failed handshake")
	}
}

func TestClient_Handshake(t *testing.T) {
	conn := serverConn()
	client := newTestClient(t, newMockDialer(conn))

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("expected connected state")
	}
	if client.ServerVersion() != 151 {
		t.Errorf("ServerVersion() = %d, want 151", client.ServerVersion())
	}

	written := conn.GetWritten()
	if !bytes.HasPrefix(written, []byte("API\x00")) {
		t.Fatalf("handshake must start with API preamble, got %q", written)
	}

	frames, err := conn.writtenFrames()
	if err != nil {
		t.Fatalf("parse written frames: %v", err)
	}
	if len(frames) != 1 || frames[0][0] != "71" || frames[0][2] != "1" {
		t.Errorf("startAPI frame = %v, want [71 2 1 ...]", frames)
	}
}

func TestClient_SendWritesFrame(t *testing.T) {
	conn := serverConn()
	client := newTestClient(t, newMockDialer(conn))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Send(context.Background(), broker.ReqIDs{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := client.Send(context.Background(), broker.GlobalCancel{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	frames, _ := conn.writtenFrames()
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	if got := frames[1]; len(got) != 3 || got[0] != "8" || got[1] != "1" || got[2] != "1" {
		t.Errorf("reqIds frame = %v", got)
	}
	if got := frames[2]; got[0] != "58" {
		t.Errorf("global cancel frame = %v", got)
	}
}

func TestClient_SendWriteError(t *testing.T) {
	conn := serverConn()
	client := newTestClient(t, newMockDialer(conn))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn.SetWriteError(io.ErrClosedPipe)
	if err := client.Send(context.Background(), broker.ReqPositions{}); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Send() error = %v, want ErrClosedPipe", err)
	}
}

func TestClient_EventsDecoded(t *testing.T) {
	conn := serverConn()
	client := newTestClient(t, newMockDialer(conn))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn.QueueFrame("9", "1", "17")
	conn.QueueFrame("61", "3", "DU123", "756733", "SPY", "STK", "", "0", "", "", "ARCA", "USD", "SPY", "SPY", "-50", "412.5")
	conn.QueueFrame("62", "1")

	if ev, ok := nextEvent(t, client).(broker.NextValidID); !ok || ev.OrderID != 17 {
		t.Errorf("first event = %#v, want NextValidID 17", ev)
	}

	pos, ok := nextEvent(t, client).(broker.Position)
	if !ok {
		t.Fatal("second event is not a Position")
	}
	if pos.Account != "DU123" || pos.Contract.ConID != 756733 || pos.Quantity != -50 {
		t.Errorf("position = %+v", pos)
	}
	if !pos.AvgCost.Equal(decimal.RequireFromString("412.5")) {
		t.Errorf("avg cost = %s, want 412.5", pos.AvgCost)
	}

	if _, ok := nextEvent(t, client).(broker.PositionEnd); !ok {
		t.Error("third event is not PositionEnd")
	}
}

func TestClient_UndecodableMessageSkipped(t *testing.T) {
	conn := serverConn()
	client := newTestClient(t, newMockDialer(conn))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn.QueueFrame("9", "1", "not-a-number")
	conn.QueueFrame("62", "1")

	if _, ok := nextEvent(t, client).(broker.PositionEnd); !ok {
		t.Error("expected the bad message to be skipped")
	}
}

func TestClient_ConnectionLost(t *testing.T) {
	conn := serverConn()
	client := newTestClient(t, newMockDialer(conn))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn.HangUp()

	ev, ok := nextEvent(t, client).(broker.ConnectionClosed)
	if !ok {
		t.Fatal("expected ConnectionClosed")
	}
	if !errors.Is(ev.Err, io.EOF) {
		t.Errorf("ConnectionClosed.Err = %v, want EOF", ev.Err)
	}
	if client.IsConnected() {
		t.Error("client should report disconnected")
	}
	if err := client.Send(context.Background(), broker.ReqIDs{}); !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("Send() after loss = %v, want ErrNotConnected", err)
	}
}

func TestClient_Reconnect(t *testing.T) {
	first, second := serverConn(), serverConn()
	d := newMockDialer(first, second)

	cfg := DefaultConfig()
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.MaxReconnectTries = 3
	client := NewClient(cfg, nil)
	client.dial = d.Dial
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first.HangUp()

	if _, ok := nextEvent(t, client).(broker.ConnectionClosed); !ok {
		t.Fatal("expected ConnectionClosed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !client.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !client.IsConnected() {
		t.Fatal("client did not reconnect")
	}

	second.QueueFrame("9", "1", "30")
	if ev, ok := nextEvent(t, client).(broker.NextValidID); !ok || ev.OrderID != 30 {
		t.Errorf("event after reconnect = %#v", ev)
	}
}

func TestClient_DisconnectClosesEvents(t *testing.T) {
	conn := serverConn()
	client := newTestClient(t, newMockDialer(conn))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !conn.IsClosed() {
		t.Error("connection should be closed")
	}
	if _, ok := <-client.Events(); ok {
		t.Error("events channel should be closed")
	}
	if err := client.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Connect() after Disconnect = %v, want ErrSessionClosed", err)
	}
	// Idempotent.
	if err := client.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}
