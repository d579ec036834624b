package transport

import (
	"context"
	"time"
)

const (
	// Controller GATT characteristics. Notifications arrive on the command
	// characteristic.
	CommandCharUUID = "0000ff01-0000-1000-8000-00805f9b34fb"
	AuthCharUUID    = "0000ff02-0000-1000-8000-00805f9b34fb"

	DefaultScanTimeout = 10 * time.Second
)

type Advertisement struct {
	Name    string
	Address string
	RSSI    int16
}

// Central scans for and connects to BLE peripherals.
type Central interface {
	// Scan reports advertisements to fn until fn returns true or ctx ends.
	Scan(ctx context.Context, fn func(Advertisement) bool) error
	Connect(ctx context.Context, address string) (Peripheral, error)
}

// Peripheral is a connected GATT server, addressed by characteristic UUID.
type Peripheral interface {
	Write(ctx context.Context, uuid string, data []byte) error
	Subscribe(uuid string, fn func([]byte)) error
	Unsubscribe(uuid string) error
	Disconnect() error
}
