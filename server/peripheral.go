package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/osinovii/roomctl/proto"
	"github.com/osinovii/roomctl/transport"
)

// Peripheral is an in-process BLE controller. It implements
// transport.Peripheral so the real BLE transport can be driven without radio
// hardware.
type Peripheral struct {
	Name    string
	Address string

	// Silent suppresses every notification.
	Silent bool
	// IgnoreCommands acknowledges identify but never answers a command.
	IgnoreCommands bool
	// AckCommands answers successful commands with the raw ack marker instead
	// of Status{Ok}.
	AckCommands bool

	controller *Controller

	mu        sync.Mutex
	session   *DeviceSession
	connected bool
	notify    func([]byte)
	pending   [][]byte // notified once a subscriber appears
	writes    map[string][][]byte
}

func NewPeripheral(name, address string, controller *Controller) *Peripheral {
	return &Peripheral{
		Name:       name,
		Address:    address,
		controller: controller,
		writes:     make(map[string][][]byte),
	}
}

func (p *Peripheral) connect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	p.session = p.controller.NewSession()
	p.pending = nil
}

func (p *Peripheral) Write(ctx context.Context, uuid string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return errors.New("peripheral not connected")
	}
	p.writes[uuid] = append(p.writes[uuid], append([]byte(nil), data...))
	session := p.session
	p.mu.Unlock()

	switch uuid {
	case transport.AuthCharUUID:
		token, err := proto.DecodeIdentifyRequest(data)
		if err != nil || !session.Identify(token) {
			return p.reply(proto.Status{Code: proto.StatusError})
		}
		return p.reply(proto.Ack{})
	case transport.CommandCharUUID:
		if p.IgnoreCommands {
			return nil
		}
		msgs, err := proto.DecodeMessages(data)
		if err != nil {
			return p.reply(proto.Status{Code: proto.StatusError})
		}
		for _, m := range msgs {
			resp := session.Handle(m)
			if p.AckCommands && resp == (proto.Status{Code: proto.StatusOk}) {
				resp = proto.Ack{}
			}
			if err := p.reply(resp); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("write not permitted on %s", uuid)
	}
}

func (p *Peripheral) reply(r proto.Response) error {
	if p.Silent {
		return nil
	}
	data, err := proto.EncodeResponse(r)
	if err != nil {
		return err
	}

	p.mu.Lock()
	fn := p.notify
	if fn == nil {
		p.pending = append(p.pending, data)
	}
	p.mu.Unlock()

	if fn != nil {
		fn(data)
	}
	return nil
}

func (p *Peripheral) Subscribe(uuid string, fn func([]byte)) error {
	if !strings.EqualFold(uuid, transport.CommandCharUUID) {
		return fmt.Errorf("notifications not supported on %s", uuid)
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return errors.New("peripheral not connected")
	}
	p.notify = fn
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, data := range pending {
		fn(data)
	}
	return nil
}

func (p *Peripheral) Unsubscribe(uuid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = nil
	return nil
}

func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.notify = nil
	p.session = nil
	return nil
}

func (p *Peripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Peripheral) Subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notify != nil
}

// Writes returns a copy of the frames written to the characteristic.
func (p *Peripheral) Writes(uuid string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes[uuid]...)
}

// Central is an in-process transport.Central over simulated peripherals.
type Central struct {
	mu          sync.Mutex
	peripherals []*Peripheral
}

func NewCentral(peripherals ...*Peripheral) *Central {
	return &Central{peripherals: peripherals}
}

func (c *Central) Add(p *Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripherals = append(c.peripherals, p)
}

// Scan reports each peripheral once, then keeps "scanning" until ctx ends,
// like a radio that hears nothing further.
func (c *Central) Scan(ctx context.Context, fn func(transport.Advertisement) bool) error {
	c.mu.Lock()
	peripherals := append([]*Peripheral(nil), c.peripherals...)
	c.mu.Unlock()

	for _, p := range peripherals {
		if fn(transport.Advertisement{Name: p.Name, Address: p.Address, RSSI: -60}) {
			return nil
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *Central) Connect(ctx context.Context, address string) (transport.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peripherals {
		if strings.EqualFold(p.Address, address) {
			p.connect()
			return p, nil
		}
	}
	return nil, fmt.Errorf("no peripheral at %s", address)
}
