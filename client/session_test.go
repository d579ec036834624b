package client_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osinovii/roomctl/client"
	"github.com/osinovii/roomctl/proto"
	"github.com/osinovii/roomctl/server"
	"github.com/osinovii/roomctl/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testInfo = proto.Info{
	IP:      "192.168.1.100",
	MAC:     "AA:BB:CC:DD:EE:FF",
	BLEName: "ROOM_35",
	Token:   "0jX7BvZ5450VqxVn",
}

var fastTimeouts = client.WithTimeouts(client.Timeouts{
	Connect:  time.Second,
	Auth:     100 * time.Millisecond,
	Response: 100 * time.Millisecond,
})

// fakeTransport replays scripted frames. Receive blocks on gate when set.
type fakeTransport struct {
	handshake transport.Handshake
	frames    chan []byte
	gate      chan struct{}
	// blockSend makes Send wait for its context instead of writing.
	blockSend bool

	mu     sync.Mutex
	sent   [][]byte
	closes int
}

func newFake(h transport.Handshake, frames ...[]byte) *fakeTransport {
	f := &fakeTransport{handshake: h, frames: make(chan []byte, len(frames)+1)}
	for _, fr := range frames {
		f.frames <- fr
	}
	return f
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Identify(ctx context.Context, payload []byte) error {
	return f.Send(ctx, payload)
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error {
	if f.blockSend {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, transport.ErrTimeout
		}
	}
	select {
	case b := <-f.frames:
		return b, nil
	case <-ctx.Done():
		return nil, transport.ErrTimeout
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) Meta() transport.Metadata {
	return transport.Metadata{Protocol: "fake", Address: "fake:0", Handshake: f.handshake}
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) sentFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func authenticated(t *testing.T, f *fakeTransport, opts ...client.SessionOption) *client.Session {
	t.Helper()
	s := client.NewSession("ROOM_35", f, append([]client.SessionOption{fastTimeouts, client.WithLogger(quietLogger())}, opts...)...)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Authenticate(ctx, testInfo.Token))
	require.Equal(t, client.Authenticated, s.State())
	return s
}

func TestSession_IDCarriesProtocol(t *testing.T) {
	s := client.NewSession("ROOM_35", newFake(transport.HandshakeAsserted))
	assert.Regexp(t, `^fake-[0-9a-f-]{36}$`, s.ID)
	assert.Equal(t, client.Disconnected, s.State())
}

func TestSession_ExecuteBeforeAuthenticate(t *testing.T) {
	f := newFake(transport.HandshakeAsserted)
	s := client.NewSession("ROOM_35", f, fastTimeouts)
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Execute(context.Background(), proto.GetInfo{})
	assert.ErrorIs(t, err, client.ErrSessionState)
	assert.Zero(t, f.sentFrames())
}

func TestSession_ConcurrentExecuteFailsFast(t *testing.T) {
	status, err := proto.EncodeResponse(proto.Status{Code: proto.StatusOk})
	require.NoError(t, err)

	f := newFake(transport.HandshakeAsserted, status)
	f.gate = make(chan struct{})
	s := authenticated(t, f, client.WithTimeouts(client.Timeouts{Response: 2 * time.Second}))

	type result struct {
		resp proto.Response
		err  error
	}
	first := make(chan result, 1)
	go func() {
		resp, err := s.Execute(context.Background(), proto.SetState{State: proto.LightOn})
		first <- result{resp, err}
	}()

	require.Eventually(t, func() bool { return s.State() == client.AwaitingResponse }, time.Second, 5*time.Millisecond)

	_, err = s.Execute(context.Background(), proto.GetState{})
	assert.ErrorIs(t, err, client.ErrSessionBusy)

	close(f.gate)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, proto.Status{Code: proto.StatusOk}, r.resp)
	assert.Equal(t, client.Authenticated, s.State())
	// identify plus one command, the rejected call never reached the wire
	assert.Equal(t, 2, f.sentFrames())
}

func TestSession_AuthTimeoutIsTerminal(t *testing.T) {
	p := server.NewPeripheral(testInfo.BLEName, testInfo.MAC, server.NewController(testInfo, quietLogger()))
	p.Silent = true
	tr := transport.NewBLETransport(server.NewCentral(p), testInfo.MAC)
	tr.SetLogger(quietLogger())

	s := client.NewSession("ROOM_35", tr, fastTimeouts, client.WithLogger(quietLogger()))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	err := s.Authenticate(ctx, testInfo.Token)
	assert.ErrorIs(t, err, client.ErrAuthenticationFailed)
	assert.ErrorIs(t, err, client.ErrResponseTimeout)
	assert.Equal(t, client.Failed, s.State())
	assert.False(t, p.Connected())

	writes := len(p.Writes(transport.CommandCharUUID))
	_, err = s.Execute(ctx, proto.GetState{})
	assert.ErrorIs(t, err, client.ErrSessionState)
	assert.Len(t, p.Writes(transport.CommandCharUUID), writes)
}

func TestSession_ExecuteSendIsBounded(t *testing.T) {
	f := newFake(transport.HandshakeAcknowledged, proto.AckMarker)
	s := authenticated(t, f)
	f.blockSend = true

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), proto.GetInfo{})
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, client.ErrResponseTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after the response timeout")
	}
	assert.Equal(t, client.Failed, s.State())
	assert.Equal(t, 1, f.closeCount())
}

func TestSession_AuthRejected(t *testing.T) {
	status, err := proto.EncodeResponse(proto.Status{Code: proto.StatusError})
	require.NoError(t, err)

	f := newFake(transport.HandshakeAcknowledged, status)
	s := client.NewSession("ROOM_35", f, fastTimeouts, client.WithLogger(quietLogger()))
	require.NoError(t, s.Connect(context.Background()))

	err = s.Authenticate(context.Background(), "wrong")
	assert.ErrorIs(t, err, client.ErrAuthenticationFailed)
	assert.Equal(t, client.Failed, s.State())
	assert.Equal(t, 1, f.closeCount())
}

func TestSession_AuthRejectsOutOfRangeStatus(t *testing.T) {
	// status 256 must not narrow to Ok
	f := newFake(transport.HandshakeAcknowledged, []byte{0x08, 0x80, 0x02})
	s := client.NewSession("ROOM_35", f, fastTimeouts, client.WithLogger(quietLogger()))
	require.NoError(t, s.Connect(context.Background()))

	err := s.Authenticate(context.Background(), testInfo.Token)
	assert.ErrorIs(t, err, client.ErrAuthenticationFailed)
	assert.Equal(t, client.Failed, s.State())
}

func TestSession_AuthAcceptsStatusOk(t *testing.T) {
	status, err := proto.EncodeResponse(proto.Status{Code: proto.StatusOk})
	require.NoError(t, err)
	authenticated(t, newFake(transport.HandshakeAcknowledged, status))
}

func TestSession_AuthAcceptsAckMarker(t *testing.T) {
	authenticated(t, newFake(transport.HandshakeAcknowledged, proto.AckMarker))
}

func TestSession_CloseIdempotent(t *testing.T) {
	f := newFake(transport.HandshakeAsserted)
	s := authenticated(t, f)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, client.Closed, s.State())
	assert.Equal(t, 1, f.closeCount())

	_, err := s.Execute(context.Background(), proto.GetInfo{})
	assert.ErrorIs(t, err, client.ErrSessionState)
}

func TestSession_CloseAfterFailure(t *testing.T) {
	f := newFake(transport.HandshakeAsserted)
	s := authenticated(t, f)

	_, err := s.Execute(context.Background(), proto.GetInfo{})
	require.ErrorIs(t, err, client.ErrResponseTimeout)
	assert.Equal(t, client.Failed, s.State())

	assert.NoError(t, s.Close())
	assert.Equal(t, 1, f.closeCount())
}

func TestSession_ExecuteUnrecognized(t *testing.T) {
	f := newFake(transport.HandshakeAsserted, []byte{0x48, 0x01})
	s := authenticated(t, f)

	resp, err := s.Execute(context.Background(), proto.GetState{})
	require.NoError(t, err)
	u, ok := resp.(proto.Unrecognized)
	require.True(t, ok, "got %#v", resp)
	assert.Equal(t, []byte{0x48, 0x01}, u.Raw)
	assert.Equal(t, client.Authenticated, s.State())
	assert.Equal(t, []byte{0x48, 0x01}, s.LastFrame())
}

func TestSession_ExecuteAckMarker(t *testing.T) {
	f := newFake(transport.HandshakeAsserted, proto.AckMarker)
	s := authenticated(t, f)

	resp, err := s.Execute(context.Background(), proto.SetState{State: proto.DoorLockClose})
	require.NoError(t, err)
	assert.Equal(t, proto.Ack{}, resp)
}

func TestSession_ExecuteMalformed(t *testing.T) {
	f := newFake(transport.HandshakeAsserted, []byte{0x00, 0x01})
	s := authenticated(t, f)

	_, err := s.Execute(context.Background(), proto.GetState{})
	assert.ErrorIs(t, err, client.ErrDecode)
	assert.ErrorIs(t, err, proto.ErrDecode)
	assert.Equal(t, client.Authenticated, s.State())
}

func TestSession_AssertedIdentifyRefutedByFirstReply(t *testing.T) {
	status, err := proto.EncodeResponse(proto.Status{Code: proto.StatusError})
	require.NoError(t, err)

	f := newFake(transport.HandshakeAsserted, status)
	s := authenticated(t, f)

	_, err = s.Execute(context.Background(), proto.GetInfo{})
	assert.ErrorIs(t, err, client.ErrAuthenticationFailed)
	assert.Equal(t, client.Failed, s.State())
}

func TestSession_ShortSetState(t *testing.T) {
	f := newFake(transport.HandshakeAsserted, []byte{0x08, 0x00})
	s := authenticated(t, f, client.WithShortSetState(true))

	_, err := s.Execute(context.Background(), proto.SetState{State: proto.LightOff})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []byte{0x08, 0x03}, f.sent[len(f.sent)-1])
}

func TestSession_InvalidStateCodeStaysUsable(t *testing.T) {
	f := newFake(transport.HandshakeAsserted)
	s := authenticated(t, f)

	_, err := s.Execute(context.Background(), proto.SetState{State: proto.StateCode(9)})
	assert.Error(t, err)
	assert.Equal(t, client.Authenticated, s.State())
	assert.Equal(t, 1, f.sentFrames())
}
