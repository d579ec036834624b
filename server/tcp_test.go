package server

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/osinovii/roomctl/proto"
)

var testInfo = proto.Info{
	IP:      "192.168.1.100",
	MAC:     "AA:BB:CC:DD:EE:FF",
	BLEName: "ROOM_35",
	Token:   "0jX7BvZ5450VqxVn",
}

func newTestController() *Controller {
	return NewController(testInfo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func startTestServer(t *testing.T) *TCPServer {
	t.Helper()
	s := NewTCPServer("127.0.0.1:0", newTestController())
	if err := s.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go s.Start()
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func dial(t *testing.T, s *TCPServer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Address())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mustEncode(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Encode(m)
	if err != nil {
		t.Fatalf("Failed to encode %#v: %v", m, err)
	}
	return b
}

func readResponse(t *testing.T, conn net.Conn) proto.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	resp, err := proto.DecodeResponse(buf[:n])
	if err != nil {
		t.Fatalf("Failed to decode response %x: %v", buf[:n], err)
	}
	return resp
}

func TestNewTCPServer(t *testing.T) {
	s := NewTCPServer("localhost:0", newTestController())

	if s.maxClients != 4 {
		t.Errorf("Expected maxClients 4, got %d", s.maxClients)
	}
	if s.readBuffer != 1024 {
		t.Errorf("Expected readBuffer 1024, got %d", s.readBuffer)
	}
	if s.Address() != "localhost:0" {
		t.Errorf("Expected unbound address, got %s", s.Address())
	}
}

func TestTCPServer_GetInfo(t *testing.T) {
	s := startTestServer(t)
	conn := dial(t, s)

	conn.Write(mustEncode(t, proto.Identify{Token: testInfo.Token}))
	conn.Write(mustEncode(t, proto.GetInfo{}))

	resp := readResponse(t, conn)
	if resp != testInfo {
		t.Errorf("Expected %+v, got %#v", testInfo, resp)
	}
}

func TestTCPServer_CoalescedFrames(t *testing.T) {
	s := startTestServer(t)
	conn := dial(t, s)

	frame := append(mustEncode(t, proto.Identify{Token: testInfo.Token}), mustEncode(t, proto.GetState{})...)
	conn.Write(frame)

	resp := readResponse(t, conn)
	state, ok := resp.(proto.State)
	if !ok {
		t.Fatalf("Expected State, got %#v", resp)
	}
	if !state.DoorLock {
		t.Error("Expected door to start locked")
	}
}

func TestTCPServer_StateOutOfRange(t *testing.T) {
	s := startTestServer(t)
	conn := dial(t, s)

	// set_state 258 would read as LightOn if narrowed to a byte
	frame := append(mustEncode(t, proto.Identify{Token: testInfo.Token}), 0x22, 0x03, 0x08, 0x82, 0x02)
	conn.Write(frame)

	resp := readResponse(t, conn)
	if resp != (proto.Status{Code: proto.StatusError}) {
		t.Errorf("Expected Status Error, got %#v", resp)
	}
	if s.controller.Snapshot().LightOn {
		t.Error("Light should not change on an out of range state")
	}
}

func TestTCPServer_RequiresIdentify(t *testing.T) {
	s := startTestServer(t)
	conn := dial(t, s)

	conn.Write(mustEncode(t, proto.SetState{State: proto.LightOn}))

	resp := readResponse(t, conn)
	if resp != (proto.Status{Code: proto.StatusError}) {
		t.Errorf("Expected Status Error, got %#v", resp)
	}
	if s.controller.Snapshot().LightOn {
		t.Error("Light should not change without identify")
	}
}

func TestTCPServer_MaxClients(t *testing.T) {
	s := startTestServer(t)
	s.SetMaxClients(1)

	first := dial(t, s)
	first.Write(mustEncode(t, proto.Identify{Token: testInfo.Token}))
	first.Write(mustEncode(t, proto.GetInfo{}))
	readResponse(t, first)

	second := dial(t, s)
	second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := second.Read(make([]byte, 16)); err == nil {
		t.Error("Expected second connection to be closed")
	}
}

func TestTCPServer_Shutdown(t *testing.T) {
	s := NewTCPServer("127.0.0.1:0", newTestController())
	if err := s.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	conn := dial(t, s)
	time.Sleep(50 * time.Millisecond)

	if err := s.Shutdown(); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Shutdown")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 16)); err == nil {
		t.Error("Expected client connection to be closed")
	}
}
