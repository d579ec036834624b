package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// BLETransport talks to a controller over two characteristics of one GATT
// connection: writes go to the auth or command characteristic and replies are
// notified on the command characteristic.
type BLETransport struct {
	central Central
	address string

	logger *slog.Logger

	mu         sync.Mutex
	peripheral Peripheral
	subscribed bool
	closed     bool

	// single slot, the latest notification replaces an unread one
	inbox chan []byte
	done  chan struct{}
}

func NewBLETransport(central Central, address string) *BLETransport {
	return &BLETransport{
		central: central,
		address: address,
		logger:  slog.Default(),
		inbox:   make(chan []byte, 1),
		done:    make(chan struct{}),
	}
}

func (t *BLETransport) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

func (t *BLETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.peripheral != nil {
		return nil
	}

	p, err := t.central.Connect(ctx, t.address)
	if err != nil {
		return fmt.Errorf("connect %s: %w", t.address, err)
	}
	t.peripheral = p
	t.logger.Debug("Connected to peripheral", "address", t.address)
	return nil
}

// Identify writes the identify frame to the auth characteristic and then
// subscribes to command notifications so the acknowledgment can be read.
func (t *BLETransport) Identify(ctx context.Context, payload []byte) error {
	p, err := t.current()
	if err != nil {
		return err
	}
	if err := p.Write(ctx, AuthCharUUID, payload); err != nil {
		return fmt.Errorf("write auth characteristic: %w", err)
	}
	return t.subscribe()
}

// Send drops any unread notification before writing, so the next Receive
// returns the first reply that arrives after this frame.
func (t *BLETransport) Send(ctx context.Context, payload []byte) error {
	p, err := t.current()
	if err != nil {
		return err
	}
	if err := t.subscribe(); err != nil {
		return err
	}

	select {
	case stale := <-t.inbox:
		t.logger.Debug("Dropped unread notification", "address", t.address, "size", len(stale))
	default:
	}

	if err := p.Write(ctx, CommandCharUUID, payload); err != nil {
		return fmt.Errorf("write command characteristic: %w", err)
	}
	t.logger.Debug("Sent frame", "address", t.address, "size", len(payload))
	return nil
}

func (t *BLETransport) Receive(ctx context.Context) ([]byte, error) {
	if _, err := t.current(); err != nil {
		return nil, err
	}

	select {
	case b := <-t.inbox:
		return b, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for notification from %s: %w: %w", t.address, ErrTimeout, ctx.Err())
	}
}

func (t *BLETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)

	if t.peripheral == nil {
		return nil
	}

	var errs []error
	if t.subscribed {
		if err := t.peripheral.Unsubscribe(CommandCharUUID); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
		}
		t.subscribed = false
	}
	if err := t.peripheral.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	t.logger.Debug("Closed peripheral connection", "address", t.address)
	return errors.Join(errs...)
}

func (t *BLETransport) Meta() Metadata {
	return Metadata{Protocol: "ble", Address: t.address, Handshake: HandshakeAcknowledged}
}

func (t *BLETransport) current() (Peripheral, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.peripheral == nil {
		return nil, ErrNotConnected
	}
	return t.peripheral, nil
}

func (t *BLETransport) subscribe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.subscribed {
		return nil
	}
	if err := t.peripheral.Subscribe(CommandCharUUID, t.deliver); err != nil {
		return fmt.Errorf("subscribe to notifications: %w", err)
	}
	t.subscribed = true
	return nil
}

func (t *BLETransport) deliver(data []byte) {
	b := append([]byte(nil), data...)

	select {
	case <-t.done:
		return
	default:
	}

	for {
		select {
		case t.inbox <- b:
			return
		default:
		}
		select {
		case old := <-t.inbox:
			t.logger.Debug("Replaced unread notification", "address", t.address, "size", len(old))
		default:
		}
	}
}
