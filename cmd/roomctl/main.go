package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/osinovii/roomctl/client"
	"github.com/osinovii/roomctl/mcp"
	"github.com/osinovii/roomctl/transport"
)

var version = "dev"

var commands = map[string]string{
	"open-door":  "open_door",
	"close-door": "close_door",
	"light-on":   "light_on",
	"light-off":  "light_off",
	"state":      "get_state",
	"info":       "get_info",
}

type output struct {
	client.Result
	Door  string `json:"door,omitempty"`
	Light string `json:"light,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: roomctl [flags] <open-door|close-door|light-on|light-off|state|info|mcp>\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", getEnv("ROOMCTL_CONFIG", "roomctl.yaml"), "path to the YAML config file")
	device := flag.String("device", "", "controller BLE name (overrides config)")
	token := flag.String("token", "", "controller token (overrides config)")
	transportName := flag.String("transport", "", "ble or tcp (overrides config)")
	tcpAddr := flag.String("tcp-addr", "", "controller host:port for tcp (overrides config)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline for one command")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	cfg, err := client.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *transportName != "" {
		cfg.Transport = *transportName
	}
	if *tcpAddr != "" {
		cfg.TCP.Address = *tcpAddr
	}
	if err := client.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// stdout carries results and the MCP stream
	logger := client.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	var central transport.Central
	if cfg.Transport == "ble" {
		central = transport.NewBluetooth(nil, logger)
	}
	c, err := cfg.NewClient(central, logger)
	if err != nil {
		logger.Error("Failed to create client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd == "mcp" {
		s := mcp.NewMCPServer(version, logger)
		mcp.RegisterTools(s, c, cfg.Target, logger)
		if err := s.Run(); err != nil {
			logger.Error("MCP server stopped", "error", err)
			os.Exit(1)
		}
		return
	}

	op, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	target := cfg.Target(*device, *token)
	if target.Name == "" {
		fmt.Fprintln(os.Stderr, "no device given: use -device, ROOMCTL_DEVICE or the config file")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	res, err := c.Operations()[op](ctx, target)
	out := describe(res, err)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		logger.Error("Failed to write result", "error", encErr)
	}
	if err != nil || !res.Success {
		os.Exit(1)
	}
}

func describe(res client.Result, err error) output {
	out := output{Result: res}
	if res.State != nil {
		out.Door = "unlocked"
		if res.State.DoorLock {
			out.Door = "locked"
		}
		out.Light = "off"
		if res.State.LightOn {
			out.Light = "on"
		}
	}
	if err != nil {
		out.Error = err.Error()
		if kind := client.KindOf(err); kind != nil {
			out.Kind = strings.ReplaceAll(kind.Error(), " ", "_")
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
