package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osinovii/roomctl/client"
	"github.com/osinovii/roomctl/proto"
	"github.com/osinovii/roomctl/server"
	"github.com/osinovii/roomctl/transport"
)

var testInfo = proto.Info{
	IP:      "192.168.1.100",
	MAC:     "AA:BB:CC:DD:EE:FF",
	BLEName: "ROOM_35",
	Token:   "0jX7BvZ5450VqxVn",
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T) (*client.Client, *server.Controller) {
	t.Helper()
	controller := server.NewController(testInfo, quietLogger())
	srv := server.NewTCPServer("127.0.0.1:0", controller)
	require.NoError(t, srv.Listen())
	go srv.Start()
	t.Cleanup(func() { srv.Shutdown() })

	dial := func(id client.Identity) (transport.Transport, error) {
		tr := transport.NewTCPTransport(id.Address)
		tr.SetLogger(quietLogger())
		return tr, nil
	}
	timeouts := client.WithTimeouts(client.Timeouts{Connect: time.Second, Auth: time.Second, Response: time.Second})
	return client.NewClient(client.StaticResolver{Fallback: srv.Address()}, dial, quietLogger(), timeouts), controller
}

func defaults(device, token string) TargetFunc {
	return func(d, tk string) client.Target {
		if d == "" {
			d = device
		}
		if tk == "" {
			tk = token
		}
		return client.Target{Name: d, Token: tk}
	}
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := h(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "got %#v", result.Content[0])
	return result, text.Text
}

func TestHandler_LightOn(t *testing.T) {
	c, controller := testClient(t)
	h := handler("light_on", c.LightOn, defaults("ROOM_35", testInfo.Token), quietLogger())

	result, text := call(t, h, nil)
	assert.False(t, result.IsError)
	assert.True(t, controller.Snapshot().LightOn)

	var res client.Result
	require.NoError(t, json.Unmarshal([]byte(text), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "ROOM_35", res.Device)
}

func TestHandler_GetInfoWithArguments(t *testing.T) {
	c, _ := testClient(t)
	h := handler("get_info", c.GetInfo, defaults("", ""), quietLogger())

	result, text := call(t, h, map[string]any{"device": "ROOM_35", "token": testInfo.Token})
	assert.False(t, result.IsError)
	assert.Contains(t, text, `"ble_name":"ROOM_35"`)
	assert.Contains(t, text, `"ip":"192.168.1.100"`)
}

func TestHandler_MissingDevice(t *testing.T) {
	c, _ := testClient(t)
	h := handler("get_state", c.GetState, defaults("", ""), quietLogger())

	result, text := call(t, h, nil)
	assert.True(t, result.IsError)
	assert.Contains(t, text, "device is required")
}

func TestHandler_OperationError(t *testing.T) {
	c, controller := testClient(t)
	h := handler("open_door", c.OpenDoor, defaults("ROOM_35", "wrong"), quietLogger())

	result, text := call(t, h, nil)
	assert.True(t, result.IsError)
	assert.Contains(t, text, "open_door failed")
	assert.Contains(t, text, client.ErrAuthenticationFailed.Error())
	assert.True(t, controller.Snapshot().DoorLock)
}

func TestRegisterTools(t *testing.T) {
	c, _ := testClient(t)
	s := NewMCPServer("test", quietLogger())

	assert.NotPanics(t, func() {
		RegisterTools(s, c, defaults("ROOM_35", testInfo.Token), quietLogger())
	})
	assert.Len(t, operations, len(c.Operations()))
	for _, op := range operations {
		assert.Contains(t, c.Operations(), op.name)
	}
}
