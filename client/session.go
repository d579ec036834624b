package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osinovii/roomctl/proto"
	"github.com/osinovii/roomctl/transport"
)

type SessionState int

const (
	Disconnected SessionState = iota
	Connected
	Authenticated
	AwaitingResponse
	Closed
	Failed
)

var sessionStateNames = [...]string{"disconnected", "connected", "authenticated", "awaiting_response", "closed", "failed"}

func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

type Timeouts struct {
	Connect  time.Duration
	Auth     time.Duration
	Response time.Duration
}

var DefaultTimeouts = Timeouts{
	Connect:  transport.DefaultConnectTimeout,
	Auth:     5 * time.Second,
	Response: 5 * time.Second,
}

type SessionOption func(*Session)

func WithTimeouts(t Timeouts) SessionOption {
	return func(s *Session) {
		if t.Connect > 0 {
			s.timeouts.Connect = t.Connect
		}
		if t.Auth > 0 {
			s.timeouts.Auth = t.Auth
		}
		if t.Response > 0 {
			s.timeouts.Response = t.Response
		}
	}
}

// WithShortSetState sends SetState in its two byte form.
func WithShortSetState(short bool) SessionOption {
	return func(s *Session) { s.shortSetState = short }
}

func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Session owns one transport for one connect, authenticate, execute, close
// sequence. Responses are correlated by arrival order only, so at most one
// Execute may be in flight.
type Session struct {
	ID     string
	Device string

	transport     transport.Transport
	timeouts      Timeouts
	shortSetState bool
	logger        *slog.Logger

	mu        sync.Mutex
	state     SessionState
	confirmed bool // the controller has answered as authenticated
	released  bool
	lastFrame []byte
}

func NewSession(device string, t transport.Transport, opts ...SessionOption) *Session {
	meta := t.Meta()
	s := &Session{
		ID:        meta.Protocol + "-" + uuid.NewString(),
		Device:    device,
		transport: t,
		timeouts:  DefaultTimeouts,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.ID, "device", device, "protocol", meta.Protocol)
	return s
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastFrame returns the last raw frame received, for diagnostics.
func (s *Session) LastFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.lastFrame...)
}

func (s *Session) Connect(ctx context.Context) error {
	if err := s.transition("connect", Disconnected, Disconnected); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeouts.Connect)
	defer cancel()

	if err := s.transport.Connect(cctx); err != nil {
		s.fail()
		return s.errorf("connect", ErrConnectionFailed, err)
	}

	s.set(Connected)
	s.logger.Debug("Session connected", "address", s.transport.Meta().Address)
	return nil
}

// Authenticate sends the identify frame. Controllers with an acknowledged
// handshake must answer with the ack marker or Status{Ok} within the auth
// timeout; for asserted handshakes the first command reply is the signal.
func (s *Session) Authenticate(ctx context.Context, token string) error {
	if err := s.transition("authenticate", Connected, Connected); err != nil {
		return err
	}

	meta := s.transport.Meta()
	var payload []byte
	if meta.Handshake == transport.HandshakeAcknowledged {
		payload = proto.EncodeIdentifyRequest(token)
	} else {
		var err error
		if payload, err = proto.Encode(proto.Identify{Token: token}); err != nil {
			s.fail()
			return s.errorf("authenticate", ErrAuthenticationFailed, err)
		}
	}

	actx, cancel := context.WithTimeout(ctx, s.timeouts.Auth)
	defer cancel()

	if err := s.transport.Identify(actx, payload); err != nil {
		s.fail()
		return s.errorf("authenticate", ErrAuthenticationFailed, fmt.Errorf("%w: %w", transportKind(err), err))
	}

	if meta.Handshake == transport.HandshakeAsserted {
		s.set(Authenticated)
		s.logger.Debug("Identify sent, awaiting first reply")
		return nil
	}

	frame, err := s.transport.Receive(actx)
	if err != nil {
		s.fail()
		return s.errorf("authenticate", ErrAuthenticationFailed, fmt.Errorf("%w: %w", transportKind(err), err))
	}
	s.record(frame)

	if !proto.IsAck(frame) {
		resp, err := proto.DecodeResponse(frame)
		if err != nil {
			s.fail()
			return s.errorf("authenticate", ErrAuthenticationFailed, err)
		}
		if !isStatus(resp, proto.StatusOk) {
			s.fail()
			return s.errorf("authenticate", ErrAuthenticationFailed, fmt.Errorf("controller answered %s", Describe(resp)))
		}
	}

	s.mu.Lock()
	s.confirmed = true
	s.mu.Unlock()
	s.set(Authenticated)
	s.logger.Debug("Session authenticated")
	return nil
}

// Execute sends m and waits for the first frame that follows. An unknown
// reply is returned as proto.Unrecognized, not as an error.
func (s *Session) Execute(ctx context.Context, m proto.Message) (proto.Response, error) {
	s.mu.Lock()
	switch s.state {
	case AwaitingResponse:
		s.mu.Unlock()
		return nil, s.errorf("execute", ErrSessionBusy, nil)
	case Authenticated:
		s.state = AwaitingResponse
	default:
		state := s.state
		s.mu.Unlock()
		return nil, s.errorf("execute", ErrSessionState, fmt.Errorf("session is %s", state))
	}
	s.mu.Unlock()

	payload, err := s.encode(m)
	if err != nil {
		s.set(Authenticated)
		return nil, s.errorf("execute", nil, err)
	}

	// the response timeout bounds the write as well as the reply
	rctx, cancel := context.WithTimeout(ctx, s.timeouts.Response)
	defer cancel()

	if err := s.transport.Send(rctx, payload); err != nil {
		s.fail()
		return nil, s.errorf("execute", transportKind(err), err)
	}

	frame, err := s.transport.Receive(rctx)
	if err != nil {
		s.fail()
		return nil, s.errorf("execute", transportKind(err), err)
	}
	s.record(frame)

	var resp proto.Response = proto.Ack{}
	if !proto.IsAck(frame) {
		if resp, err = proto.DecodeResponse(frame); err != nil {
			s.set(Authenticated)
			return nil, s.errorf("execute", ErrDecode, err)
		}
	}

	s.mu.Lock()
	confirmed := s.confirmed
	s.confirmed = true
	s.mu.Unlock()

	// an asserted identify is only refuted by the reply to the first command
	if !confirmed && isStatus(resp, proto.StatusError) {
		s.fail()
		return resp, s.errorf("authenticate", ErrAuthenticationFailed, errors.New("controller rejected the first command"))
	}

	s.set(Authenticated)
	s.logger.Debug("Command executed", "message", fmt.Sprintf("%T", m), "response", Describe(resp))
	return resp, nil
}

// Close releases the transport. Closing a closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	s.mu.Unlock()

	if err := s.release(); err != nil {
		return s.errorf("close", ErrTransport, err)
	}
	s.logger.Debug("Session closed")
	return nil
}

func (s *Session) encode(m proto.Message) ([]byte, error) {
	if set, ok := m.(proto.SetState); ok && s.shortSetState {
		if err := set.State.Validate(); err != nil {
			return nil, err
		}
		return proto.EncodeShort(set), nil
	}
	return proto.Encode(m)
}

// transition checks the session is in want and moves it to next.
func (s *Session) transition(op string, want, next SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return s.errorf(op, ErrSessionState, fmt.Errorf("session is %s, want %s", s.state, want))
	}
	s.state = next
	return nil
}

func (s *Session) set(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Close may race with an in-flight operation
	if s.state == Closed || s.state == Failed {
		return
	}
	s.state = state
}

// fail marks the session unusable and releases the transport right away.
func (s *Session) fail() {
	s.mu.Lock()
	if s.state != Closed {
		s.state = Failed
	}
	s.mu.Unlock()

	if err := s.release(); err != nil {
		s.logger.Warn("Failed to release transport", "error", err)
	}
}

func (s *Session) release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.mu.Unlock()
	return s.transport.Close()
}

func (s *Session) record(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFrame = append([]byte(nil), frame...)
}

func (s *Session) errorf(op string, kind, err error) error {
	e := &Error{Op: op, Device: s.Device, Kind: kind, Err: err}
	if kind != ErrSessionBusy && kind != ErrSessionState {
		s.logger.Warn("Session operation failed", "op", op, "error", e)
	}
	return e
}

// transportKind maps a transport error to the session error kind.
func transportKind(err error) error {
	if errors.Is(err, transport.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrResponseTimeout
	}
	return ErrTransport
}

func isStatus(r proto.Response, code proto.StatusCode) bool {
	st, ok := r.(proto.Status)
	return ok && st.Code == code
}
