package ibkr

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// mockConn implements net.Conn for testing. Reads block until data is
// queued, the remote hangs up or the connection is closed.
type mockConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	closed   bool
	hungUp   bool
	writeErr error // Force write error
}

func newMockConn() *mockConn {
	m := &mockConn{
		readBuf:  new(bytes.Buffer),
		writeBuf: new(bytes.Buffer),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Read reads from the mock connection.
func (m *mockConn) Read(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.readBuf.Len() == 0 && !m.closed && !m.hungUp {
		m.cond.Wait()
	}
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return m.readBuf.Read(b)
}

// Write writes to the mock connection.
func (m *mockConn) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.ErrClosedPipe
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuf.Write(b)
}

// Close closes the mock connection.
func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

func (m *mockConn) LocalAddr() net.Addr {
	return &mockAddr{network: "tcp", addr: "127.0.0.1:12345"}
}

func (m *mockConn) RemoteAddr() net.Addr {
	return &mockAddr{network: "tcp", addr: "127.0.0.1:7497"}
}

func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// QueueFrame queues one framed message built from fields.
func (m *mockConn) QueueFrame(fields ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.Write(frame([]byte(strings.Join(fields, "\x00") + "\x00")))
	m.cond.Broadcast()
}

// HangUp simulates the gateway closing the socket.
func (m *mockConn) HangUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hungUp = true
	m.cond.Broadcast()
}

// GetWritten returns data written to the connection.
func (m *mockConn) GetWritten() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.writeBuf.Bytes()...)
}

// SetWriteError sets an error to return on write.
func (m *mockConn) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// IsClosed returns true if connection is closed.
func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// writtenFrames splits everything written after the handshake preamble
// into messages.
func (m *mockConn) writtenFrames() ([][]string, error) {
	data := m.GetWritten()
	data = bytes.TrimPrefix(data, handshakePrefix())

	r := bufio.NewReader(bytes.NewReader(data))
	var out [][]string
	for {
		fields, err := readFrame(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, fields)
	}
}

// mockAddr implements net.Addr.
type mockAddr struct {
	network string
	addr    string
}

func (a *mockAddr) Network() string { return a.network }
func (a *mockAddr) String() string  { return a.addr }

// mockDialer hands out prepared connections.
type mockDialer struct {
	mu      sync.Mutex
	conns   []*mockConn
	dialErr error
	dials   int
}

func newMockDialer(conns ...*mockConn) *mockDialer {
	return &mockDialer{conns: conns}
}

func (d *mockDialer) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if len(d.conns) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *mockDialer) SetDialError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// serverConn returns a connection that completes the handshake.
func serverConn() *mockConn {
	conn := newMockConn()
	conn.QueueFrame("151", "20261016 09:30:00 EST")
	return conn
}
