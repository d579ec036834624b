// Package integration runs the client against simulated controllers over
// every transport at once.
package integration

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/osinovii/roomctl/client"
	"github.com/osinovii/roomctl/proto"
	"github.com/osinovii/roomctl/server"
)

var roomInfo = proto.Info{
	IP:      "192.168.1.100",
	MAC:     "AA:BB:CC:DD:EE:FF",
	BLEName: "ROOM_35",
	Token:   "0jX7BvZ5450VqxVn",
}

var roomTarget = client.Target{Name: roomInfo.BLEName, Token: roomInfo.Token}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// room is one simulated controller reachable over TCP and BLE.
type room struct {
	controller *server.Controller
	tcp        *server.TCPServer
	peripheral *server.Peripheral
	central    *server.Central
}

func newRoom(t *testing.T, maxClients int) *room {
	t.Helper()
	controller := server.NewController(roomInfo, quietLogger())

	tcp := server.NewTCPServer("127.0.0.1:0", controller)
	tcp.SetMaxClients(maxClients)
	if err := tcp.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go tcp.Start()
	t.Cleanup(func() { tcp.Shutdown() })

	p := server.NewPeripheral(roomInfo.BLEName, roomInfo.MAC, controller)
	return &room{
		controller: controller,
		tcp:        tcp,
		peripheral: p,
		central:    server.NewCentral(p),
	}
}

func (r *room) tcpClient(t *testing.T) *client.Client {
	t.Helper()
	cfg := client.Defaults()
	cfg.Transport = "tcp"
	cfg.TCP.Address = r.tcp.Address()
	cfg.Timeouts.Response = time.Second
	c, err := cfg.NewClient(nil, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create tcp client: %v", err)
	}
	return c
}

func (r *room) bleClient(t *testing.T) *client.Client {
	t.Helper()
	cfg := client.Defaults()
	cfg.Timeouts.Scan = 200 * time.Millisecond
	cfg.Timeouts.Response = time.Second
	c, err := cfg.NewClient(r.central, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create ble client: %v", err)
	}
	return c
}
