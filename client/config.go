package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osinovii/roomctl/transport"
)

// Config is passed to the client at construction; nothing in the protocol
// core reads a process-wide device or token.
type Config struct {
	Transport string         `yaml:"transport"` // "ble" or "tcp"
	Discovery string         `yaml:"discovery"` // "static" or "mdns", tcp only
	Device    string         `yaml:"device"`    // default target
	Token     string         `yaml:"token"`
	Devices   []DeviceConfig `yaml:"devices"`
	TCP       TCPConfig      `yaml:"tcp"`
	BLE       BLEConfig      `yaml:"ble"`
	Timeouts  TimeoutConfig  `yaml:"timeouts"`
	Log       LogConfig      `yaml:"log"`
}

type DeviceConfig struct {
	Name    string `yaml:"name"`
	Token   string `yaml:"token"`
	Address string `yaml:"address"` // BLE address or host:port
}

type TCPConfig struct {
	Address    string `yaml:"address"` // used for devices without their own address
	ReadBuffer int    `yaml:"read_buffer"`
}

type BLEConfig struct {
	ShortSetState bool `yaml:"short_set_state"`
}

type TimeoutConfig struct {
	Scan     time.Duration `yaml:"scan"`
	Connect  time.Duration `yaml:"connect"`
	Auth     time.Duration `yaml:"auth"`
	Response time.Duration `yaml:"response"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

func Defaults() *Config {
	return &Config{
		Transport: "ble",
		Discovery: "static",
		TCP: TCPConfig{
			ReadBuffer: transport.DefaultReadBufferSize,
		},
		BLE: BLEConfig{ShortSetState: true},
		Timeouts: TimeoutConfig{
			Scan:     transport.DefaultScanTimeout,
			Connect:  DefaultTimeouts.Connect,
			Auth:     DefaultTimeouts.Auth,
			Response: DefaultTimeouts.Response,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML config file over the defaults and applies ROOMCTL_* env
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	cfg.Device = getEnv("ROOMCTL_DEVICE", cfg.Device)
	cfg.Token = getEnv("ROOMCTL_TOKEN", cfg.Token)
	cfg.Transport = getEnv("ROOMCTL_TRANSPORT", cfg.Transport)
	cfg.TCP.Address = getEnv("ROOMCTL_TCP_ADDR", cfg.TCP.Address)
	cfg.Log.Level = getEnv("ROOMCTL_LOG_LEVEL", cfg.Log.Level)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ValidationError collects every problem found in a config.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func Validate(cfg *Config) error {
	ve := &ValidationError{}

	switch cfg.Transport {
	case "ble", "tcp":
	default:
		ve.Add("transport must be \"ble\" or \"tcp\", got %q", cfg.Transport)
	}
	switch cfg.Discovery {
	case "static", "mdns":
	default:
		ve.Add("discovery must be \"static\" or \"mdns\", got %q", cfg.Discovery)
	}
	if cfg.TCP.ReadBuffer <= 0 {
		ve.Add("tcp.read_buffer must be > 0")
	}

	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"scan", cfg.Timeouts.Scan},
		{"connect", cfg.Timeouts.Connect},
		{"auth", cfg.Timeouts.Auth},
		{"response", cfg.Timeouts.Response},
	}
	for _, tt := range timeouts {
		if tt.d <= 0 {
			ve.Add("timeouts.%s must be > 0", tt.name)
		}
	}

	seen := make(map[string]bool)
	for i, d := range cfg.Devices {
		if d.Name == "" {
			ve.Add("devices[%d].name must not be empty", i)
			continue
		}
		if seen[d.Name] {
			ve.Add("devices[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func (c *Config) device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// Target fills in the configured defaults for an empty name or token. An
// explicit token wins over a device entry, which wins over the global token.
func (c *Config) Target(name, token string) Target {
	if name == "" {
		name = c.Device
	}
	if token == "" {
		if d, ok := c.device(name); ok && d.Token != "" {
			token = d.Token
		} else {
			token = c.Token
		}
	}
	return Target{Name: name, Token: token}
}

// NewClient wires resolvers and transports for the configured transport.
// central is only used for BLE and may be nil for TCP.
func (c *Config) NewClient(central transport.Central, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addresses := make(map[string]string)
	for _, d := range c.Devices {
		if d.Address != "" {
			addresses[d.Name] = d.Address
		}
	}

	timeouts := WithTimeouts(Timeouts{
		Connect:  c.Timeouts.Connect,
		Auth:     c.Timeouts.Auth,
		Response: c.Timeouts.Response,
	})

	switch c.Transport {
	case "ble":
		if central == nil {
			return nil, errors.New("ble transport needs a bluetooth central")
		}
		resolver := Resolvers{
			StaticResolver{Addresses: addresses},
			NewBLEResolver(central, c.Timeouts.Scan, logger),
		}
		dial := func(id Identity) (transport.Transport, error) {
			t := transport.NewBLETransport(central, id.Address)
			t.SetLogger(logger)
			return t, nil
		}
		return NewClient(resolver, dial, logger, timeouts, WithShortSetState(c.BLE.ShortSetState)), nil

	case "tcp":
		resolver := Resolvers{StaticResolver{Addresses: addresses}}
		if c.Discovery == "mdns" {
			resolver = append(resolver, NewMDNSResolver(transport.MDNSServiceType, c.Timeouts.Scan, logger))
		}
		if c.TCP.Address != "" {
			resolver = append(resolver, StaticResolver{Fallback: c.TCP.Address})
		}
		dial := func(id Identity) (transport.Transport, error) {
			t := transport.NewTCPTransport(id.Address)
			t.ReadBufferSize = c.TCP.ReadBuffer
			t.ConnectTimeout = c.Timeouts.Connect
			t.SetLogger(logger)
			return t, nil
		}
		return NewClient(resolver, dial, logger, timeouts), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", c.Transport)
	}
}

// NewLogger builds the slog logger described by cfg.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
