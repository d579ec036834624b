package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/osinovii/roomctl/transport"
)

// Identity is a resolved controller: its advertised name and the address
// the transport dials (a BLE address or host:port).
type Identity struct {
	Name    string
	Address string
}

type Resolver interface {
	Resolve(ctx context.Context, name string) (Identity, error)
}

// BLEResolver scans advertisements for an exact local name match.
type BLEResolver struct {
	central transport.Central
	timeout time.Duration
	logger  *slog.Logger
}

func NewBLEResolver(central transport.Central, timeout time.Duration, logger *slog.Logger) *BLEResolver {
	if timeout <= 0 {
		timeout = transport.DefaultScanTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BLEResolver{central: central, timeout: timeout, logger: logger}
}

func (r *BLEResolver) Resolve(ctx context.Context, name string) (Identity, error) {
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var found *Identity
	err := r.central.Scan(sctx, func(adv transport.Advertisement) bool {
		if adv.Name != name {
			return false
		}
		found = &Identity{Name: adv.Name, Address: adv.Address}
		r.logger.Info("Discovered controller", "name", adv.Name, "address", adv.Address, "rssi", adv.RSSI)
		return true
	})
	if found != nil {
		return *found, nil
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return Identity{}, fmt.Errorf("scan for %s: %w", name, err)
	}
	return Identity{}, fmt.Errorf("%w: no advertisement named %q within %s", ErrDeviceNotFound, name, r.timeout)
}

// MDNSResolver looks up controllers advertising ServiceType and matches the
// instance name or its ble_name TXT record.
type MDNSResolver struct {
	Service string
	Timeout time.Duration

	query  func(*mdns.QueryParam) error
	logger *slog.Logger
}

func NewMDNSResolver(service string, timeout time.Duration, logger *slog.Logger) *MDNSResolver {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNSResolver{Service: service, Timeout: timeout, query: mdns.Query, logger: logger}
}

func (r *MDNSResolver) Resolve(ctx context.Context, name string) (Identity, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 8)
	params := mdns.DefaultParams(r.Service)
	params.Entries = entriesCh
	params.Timeout = r.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < params.Timeout {
			params.Timeout = left
		}
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(entriesCh)
		errCh <- r.query(params)
	}()
	// keep the query from blocking on a full channel once we stop reading
	defer func() {
		go func() {
			for range entriesCh {
			}
		}()
	}()

	for {
		select {
		case entry, ok := <-entriesCh:
			if !ok {
				if err := <-errCh; err != nil {
					return Identity{}, fmt.Errorf("mdns lookup %s: %w", r.Service, err)
				}
				return Identity{}, fmt.Errorf("%w: no %s service named %q", ErrDeviceNotFound, r.Service, name)
			}
			if !r.matches(entry, name) {
				continue
			}

			var host string
			switch {
			case entry.AddrV4 != nil:
				host = entry.AddrV4.String()
			case entry.AddrV6 != nil:
				host = entry.AddrV6.String()
			default:
				r.logger.Warn("Controller advertised without an address", "service_name", entry.Name)
				continue
			}

			id := Identity{Name: name, Address: net.JoinHostPort(host, strconv.Itoa(entry.Port))}
			r.logger.Info("Discovered controller",
				"service_name", entry.Name,
				"address", id.Address,
			)
			return id, nil
		case <-ctx.Done():
			return Identity{}, fmt.Errorf("%w: mdns lookup %s: %w", ErrDeviceNotFound, r.Service, ctx.Err())
		}
	}
}

func (r *MDNSResolver) matches(entry *mdns.ServiceEntry, name string) bool {
	if entry == nil {
		return false
	}
	instance := strings.TrimSuffix(entry.Name, ".")
	if i := strings.Index(instance, "."+r.Service); i >= 0 {
		instance = instance[:i]
	}
	if instance == name {
		return true
	}
	for _, field := range entry.InfoFields {
		if v, ok := strings.CutPrefix(field, "ble_name="); ok && v == name {
			return true
		}
	}
	return false
}

// StaticResolver serves addresses from configuration. Fallback, when set,
// answers any name that has no entry of its own.
type StaticResolver struct {
	Addresses map[string]string
	Fallback  string
}

func (r StaticResolver) Resolve(_ context.Context, name string) (Identity, error) {
	if addr, ok := r.Addresses[name]; ok && addr != "" {
		return Identity{Name: name, Address: addr}, nil
	}
	if r.Fallback != "" {
		return Identity{Name: name, Address: r.Fallback}, nil
	}
	return Identity{}, fmt.Errorf("%w: %q has no configured address", ErrDeviceNotFound, name)
}

// Resolvers tries each resolver in order. Only a not-found answer moves on to
// the next one.
type Resolvers []Resolver

func (rs Resolvers) Resolve(ctx context.Context, name string) (Identity, error) {
	err := fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	for _, r := range rs {
		var id Identity
		id, err = r.Resolve(ctx, name)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrDeviceNotFound) {
			return Identity{}, err
		}
	}
	return Identity{}, err
}
