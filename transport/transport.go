package transport

import (
	"context"
	"errors"
	"time"
)

const DefaultConnectTimeout = 10 * time.Second

var (
	ErrNotConnected = errors.New("transport is not connected")
	ErrClosed       = errors.New("transport closed")
	ErrTimeout      = errors.New("transport timed out")
)

// Handshake describes how a controller answers an identify frame.
type Handshake int

const (
	// HandshakeAcknowledged controllers notify the ack marker or a Status
	// after identify (BLE).
	HandshakeAcknowledged Handshake = iota
	// HandshakeAsserted controllers answer nothing; the reply to the next
	// command doubles as the authentication signal (TCP).
	HandshakeAsserted
)

func (h Handshake) String() string {
	if h == HandshakeAsserted {
		return "asserted"
	}
	return "acknowledged"
}

type Metadata struct {
	Protocol  string // "ble" or "tcp"
	Address   string // MAC/platform address or host:port
	Handshake Handshake
}

// Transport is a duplex byte channel to one controller. It knows nothing
// about message contents.
type Transport interface {
	Connect(ctx context.Context) error
	Identify(ctx context.Context, payload []byte) error // write on the auth channel
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error) // next response frame, one at a time
	Close() error
	Meta() Metadata
}
