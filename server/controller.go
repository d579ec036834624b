// Package server simulates a room controller: the device side of the
// protocol, reachable over TCP or as an in-process BLE peripheral.
package server

import (
	"log/slog"
	"sync"

	"github.com/osinovii/roomctl/proto"
)

// Controller holds the simulated device state shared by all connections.
type Controller struct {
	mu    sync.RWMutex
	info  proto.Info
	state proto.State

	logger *slog.Logger
}

func NewController(info proto.Info, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		info: info,
		state: proto.State{
			DoorLock:    true,
			Temperature: 22.5,
			Pressure:    1013,
			Humidity:    45,
		},
		logger: logger,
	}
}

func (c *Controller) Info() proto.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Controller) Snapshot() proto.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) SetReadings(temperature, pressure, humidity float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Temperature = temperature
	c.state.Pressure = pressure
	c.state.Humidity = humidity
}

func (c *Controller) SetChannels(ch1, ch2 bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Channel1 = ch1
	c.state.Channel2 = ch2
}

func (c *Controller) apply(code proto.StateCode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch code {
	case proto.DoorLockOpen:
		c.state.DoorLock = false
	case proto.DoorLockClose:
		c.state.DoorLock = true
	case proto.LightOn:
		c.state.LightOn = true
	case proto.LightOff:
		c.state.LightOn = false
	default:
		return false
	}
	return true
}

// NewSession starts per-connection authentication state.
func (c *Controller) NewSession() *DeviceSession {
	return &DeviceSession{controller: c}
}

type DeviceSession struct {
	controller    *Controller
	authenticated bool
}

func (s *DeviceSession) Authenticated() bool {
	return s.authenticated
}

// Identify checks token against the stored value. A wrong token drops any
// earlier authentication on the connection.
func (s *DeviceSession) Identify(token string) bool {
	s.authenticated = token != "" && token == s.controller.Info().Token
	if !s.authenticated {
		s.controller.logger.Warn("Rejected identify")
	}
	return s.authenticated
}

// Handle answers one command. Identify frames are handled by Identify.
func (s *DeviceSession) Handle(m proto.Message) proto.Response {
	if id, ok := m.(proto.Identify); ok {
		if s.Identify(id.Token) {
			return proto.Status{Code: proto.StatusOk}
		}
		return proto.Status{Code: proto.StatusError}
	}
	if !s.authenticated {
		return proto.Status{Code: proto.StatusError}
	}

	switch m := m.(type) {
	case proto.SetState:
		if !s.controller.apply(m.State) {
			return proto.Status{Code: proto.StatusError}
		}
		s.controller.logger.Debug("Applied state", "state", m.State.String())
		return proto.Status{Code: proto.StatusOk}
	case proto.GetState:
		return s.controller.Snapshot()
	case proto.GetInfo:
		return s.controller.Info()
	default:
		return proto.Status{Code: proto.StatusError}
	}
}
