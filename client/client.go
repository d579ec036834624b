// Package client drives room controllers: it resolves a device, opens a
// Session over a transport, authenticates and runs one command per call.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/osinovii/roomctl/proto"
	"github.com/osinovii/roomctl/transport"
)

// Target names the controller an operation runs against.
type Target struct {
	Name  string
	Token string
}

// Result summarizes one operation. Success is false when the controller
// answered with an error status or something unrecognized; Detail then holds
// the raw frame and Reason says why an unrecognized frame was not understood.
type Result struct {
	Device   string       `json:"device"`
	Success  bool         `json:"success"`
	Response string       `json:"response,omitempty"`
	State    *proto.State `json:"state,omitempty"`
	Info     *proto.Info  `json:"info,omitempty"`
	Detail   string       `json:"detail,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// Dialer builds an unconnected transport for a resolved controller.
type Dialer func(id Identity) (transport.Transport, error)

type Client struct {
	resolver Resolver
	dial     Dialer
	opts     []SessionOption
	logger   *slog.Logger
}

func NewClient(resolver Resolver, dial Dialer, logger *slog.Logger, opts ...SessionOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		resolver: resolver,
		dial:     dial,
		opts:     append([]SessionOption{WithLogger(logger)}, opts...),
		logger:   logger,
	}
}

func (c *Client) OpenDoor(ctx context.Context, t Target) (Result, error) {
	return c.run(ctx, "open_door", t, proto.SetState{State: proto.DoorLockOpen})
}

func (c *Client) CloseDoor(ctx context.Context, t Target) (Result, error) {
	return c.run(ctx, "close_door", t, proto.SetState{State: proto.DoorLockClose})
}

func (c *Client) LightOn(ctx context.Context, t Target) (Result, error) {
	return c.run(ctx, "light_on", t, proto.SetState{State: proto.LightOn})
}

func (c *Client) LightOff(ctx context.Context, t Target) (Result, error) {
	return c.run(ctx, "light_off", t, proto.SetState{State: proto.LightOff})
}

func (c *Client) GetState(ctx context.Context, t Target) (Result, error) {
	return c.run(ctx, "get_state", t, proto.GetState{})
}

func (c *Client) GetInfo(ctx context.Context, t Target) (Result, error) {
	return c.run(ctx, "get_info", t, proto.GetInfo{})
}

// Operations maps operation names to their methods.
func (c *Client) Operations() map[string]func(context.Context, Target) (Result, error) {
	return map[string]func(context.Context, Target) (Result, error){
		"open_door":  c.OpenDoor,
		"close_door": c.CloseDoor,
		"light_on":   c.LightOn,
		"light_off":  c.LightOff,
		"get_state":  c.GetState,
		"get_info":   c.GetInfo,
	}
}

func (c *Client) run(ctx context.Context, op string, t Target, m proto.Message) (res Result, err error) {
	res.Device = t.Name
	logger := c.logger.With("op", op, "device", t.Name)

	id, err := c.resolver.Resolve(ctx, t.Name)
	if err != nil {
		kind := ErrTransport
		if errors.Is(err, ErrDeviceNotFound) {
			kind = ErrDeviceNotFound
		}
		return res, &Error{Op: op, Device: t.Name, Kind: kind, Err: err}
	}

	tr, err := c.dial(id)
	if err != nil {
		return res, &Error{Op: op, Device: t.Name, Kind: ErrConnectionFailed, Err: err}
	}

	s := NewSession(t.Name, tr, c.opts...)
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.Warn("Failed to close session", "session", s.ID, "error", cerr)
		}
		if frame := s.LastFrame(); len(frame) > 0 {
			res.Detail = hex.EncodeToString(frame)
		}
	}()

	if err := s.Connect(ctx); err != nil {
		return res, err
	}
	if err := s.Authenticate(ctx, t.Token); err != nil {
		return res, err
	}
	resp, err := s.Execute(ctx, m)
	if err != nil {
		return res, err
	}

	res.Response = Describe(resp)
	switch r := resp.(type) {
	case proto.Status:
		_, isSet := m.(proto.SetState)
		res.Success = isSet && r.Code == proto.StatusOk
	case proto.Ack:
		_, isSet := m.(proto.SetState)
		res.Success = isSet
	case proto.State:
		res.State = &r
		_, res.Success = m.(proto.GetState)
	case proto.Info:
		res.Info = &r
		_, res.Success = m.(proto.GetInfo)
	case proto.Unrecognized:
		res.Reason = r.Reason
		logger.Warn("Unrecognized controller response", "reason", r.Reason, "size", len(r.Raw))
	}
	logger.Info("Operation complete", "session", s.ID, "success", res.Success, "response", res.Response)
	return res, nil
}

// Describe names a response variant for logs and results.
func Describe(r proto.Response) string {
	switch r := r.(type) {
	case proto.Status:
		return "status_" + strings.ToLower(r.Code.String())
	case proto.Ack:
		return "ack"
	case proto.State:
		return "state"
	case proto.Info:
		return "info"
	case proto.Unrecognized:
		return "unrecognized"
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", r)
	}
}
