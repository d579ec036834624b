package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// Bluetooth is the Central backed by the host adapter.
type Bluetooth struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	mu   sync.Mutex
	seen map[string]bluetooth.Address // advertised address string -> adapter address
}

func NewBluetooth(adapter *bluetooth.Adapter, logger *slog.Logger) *Bluetooth {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bluetooth{adapter: adapter, logger: logger, seen: make(map[string]bluetooth.Address)}
}

func (b *Bluetooth) enable() error {
	b.enableOnce.Do(func() {
		b.enableErr = b.adapter.Enable()
	})
	if b.enableErr != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", b.enableErr)
	}
	return nil
}

func (b *Bluetooth) Scan(ctx context.Context, fn func(Advertisement) bool) error {
	if err := b.enable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = b.adapter.StopScan()
	})
	defer stop()

	matched := false
	err := b.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if matched {
			return
		}
		addr := r.Address.String()
		b.mu.Lock()
		b.seen[addr] = r.Address
		b.mu.Unlock()

		if fn(Advertisement{Name: r.LocalName(), Address: addr, RSSI: r.RSSI}) {
			matched = true
			_ = a.StopScan()
		}
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if !matched && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (b *Bluetooth) Connect(ctx context.Context, address string) (Peripheral, error) {
	if err := b.enable(); err != nil {
		return nil, err
	}

	addr, ok := b.lookup(address)
	if !ok {
		// The adapter only connects to addresses it has seen advertise.
		err := b.Scan(ctx, func(adv Advertisement) bool {
			return strings.EqualFold(adv.Address, address)
		})
		if err != nil {
			return nil, err
		}
		if addr, ok = b.lookup(address); !ok {
			return nil, fmt.Errorf("peripheral %s is not advertising", address)
		}
	}

	type result struct {
		p   *gattPeripheral
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := b.dial(addr)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.p, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.p != nil {
				_ = r.p.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func (b *Bluetooth) lookup(address string) (bluetooth.Address, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range b.seen {
		if strings.EqualFold(k, address) {
			return v, true
		}
	}
	return bluetooth.Address{}, false
}

func (b *Bluetooth) dial(addr bluetooth.Address) (*gattPeripheral, error) {
	dev, err := b.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr.String(), err)
	}

	p := &gattPeripheral{
		disconnect: dev.Disconnect,
		chars:      make(map[string]bluetooth.DeviceCharacteristic),
	}

	services, err := dev.DiscoverServices(nil)
	if err != nil {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("discover services: %w", err)
	}
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			b.logger.Warn("Failed to discover characteristics", "service", svc.UUID().String(), "error", err)
			continue
		}
		for _, c := range chars {
			p.chars[strings.ToLower(c.UUID().String())] = c
		}
	}

	for _, want := range []string{CommandCharUUID, AuthCharUUID} {
		if _, ok := p.chars[want]; !ok {
			_ = dev.Disconnect()
			return nil, fmt.Errorf("characteristic %s not found on %s", want, addr.String())
		}
	}
	b.logger.Debug("Discovered controller characteristics", "address", addr.String(), "count", len(p.chars))
	return p, nil
}

type gattPeripheral struct {
	disconnect func() error

	mu    sync.Mutex
	chars map[string]bluetooth.DeviceCharacteristic
}

func (p *gattPeripheral) char(uuid string) (bluetooth.DeviceCharacteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[strings.ToLower(uuid)]
	if !ok {
		return c, fmt.Errorf("unknown characteristic %s", uuid)
	}
	return c, nil
}

func (p *gattPeripheral) Write(ctx context.Context, uuid string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := p.char(uuid)
	if err != nil {
		return err
	}
	_, err = c.WriteWithoutResponse(data)
	return err
}

func (p *gattPeripheral) Subscribe(uuid string, fn func([]byte)) error {
	c, err := p.char(uuid)
	if err != nil {
		return err
	}
	return c.EnableNotifications(fn)
}

func (p *gattPeripheral) Unsubscribe(uuid string) error {
	c, err := p.char(uuid)
	if err != nil {
		return err
	}
	return c.EnableNotifications(nil)
}

func (p *gattPeripheral) Disconnect() error {
	return p.disconnect()
}
