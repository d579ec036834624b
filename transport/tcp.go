package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultReadBufferSize bounds a single response read. The controller does
// not frame its replies, so anything longer is cut off.
const DefaultReadBufferSize = 1024

// MDNSServiceType is the DNS-SD service TCP controllers advertise.
const MDNSServiceType = "_roomctl._tcp"

type TCPTransport struct {
	Addr           string
	ReadBufferSize int
	ConnectTimeout time.Duration

	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		Addr:           addr,
		ReadBufferSize: DefaultReadBufferSize,
		ConnectTimeout: DefaultConnectTimeout,
		logger:         slog.Default(),
	}
}

func (t *TCPTransport) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: t.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.Addr, err)
	}
	t.conn = conn
	t.logger.Debug("Connected to controller", "addr", t.Addr)
	return nil
}

// Identify writes the identify frame on the command stream; TCP controllers
// have no separate auth channel.
func (t *TCPTransport) Identify(ctx context.Context, payload []byte) error {
	return t.Send(ctx, payload)
}

func (t *TCPTransport) Send(ctx context.Context, payload []byte) error {
	conn, err := t.current()
	if err != nil {
		return err
	}

	stop := bindDeadline(ctx, conn.SetWriteDeadline)
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return t.wrap(ctx, "write", err)
	}
	t.logger.Debug("Sent frame", "addr", t.Addr, "size", len(payload))
	return nil
}

func (t *TCPTransport) Receive(ctx context.Context) ([]byte, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}

	stop := bindDeadline(ctx, conn.SetReadDeadline)
	defer stop()

	size := t.ReadBufferSize
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	buf := make([]byte, size)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, t.wrap(ctx, "read", err)
	}
	if n == size {
		t.logger.Warn("Response filled the read buffer and may be truncated", "addr", t.Addr, "size", n)
	}
	t.logger.Debug("Received frame", "addr", t.Addr, "size", n)
	return buf[:n], nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.logger.Debug("Closed controller connection", "addr", t.Addr)
	return err
}

func (t *TCPTransport) Meta() Metadata {
	return Metadata{Protocol: "tcp", Address: t.Addr, Handshake: HandshakeAsserted}
}

func (t *TCPTransport) current() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

func (t *TCPTransport) wrap(ctx context.Context, op string, err error) error {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s %s: %w: %w", op, t.Addr, ErrTimeout, ctx.Err())
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%s %s: %w: %w", op, t.Addr, ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%s %s: %w: %w", op, t.Addr, ErrClosed, err)
	default:
		return fmt.Errorf("%s %s: %w", op, t.Addr, err)
	}
}

// bindDeadline applies the ctx deadline to the connection and unblocks the
// pending I/O call if ctx is cancelled early.
func bindDeadline(ctx context.Context, set func(time.Time) error) (stop func()) {
	if dl, ok := ctx.Deadline(); ok {
		_ = set(dl)
	} else {
		_ = set(time.Time{})
	}
	cancel := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
	})
	return func() { cancel() }
}
