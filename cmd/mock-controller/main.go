package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/osinovii/roomctl/client"
	"github.com/osinovii/roomctl/proto"
	"github.com/osinovii/roomctl/server"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:7000", "listen address")
	name := flag.String("name", "ROOM_35", "BLE name reported by get_info and advertised over mDNS")
	token := flag.String("token", os.Getenv("ROOMCTL_TOKEN"), "token clients must identify with")
	mac := flag.String("mac", "AA:BB:CC:DD:EE:FF", "MAC address reported by get_info")
	maxClients := flag.Int("max-clients", 4, "concurrent connections before new ones are rejected")
	advertise := flag.Bool("advertise", true, "advertise the controller over mDNS")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	logFormat := flag.String("log-format", "text", "text or json")
	flag.Parse()

	logger := client.NewLogger(client.LogConfig{Level: *logLevel, Format: *logFormat}, os.Stderr)
	slog.SetDefault(logger)

	if *token == "" {
		logger.Error("A token is required: use -token or ROOMCTL_TOKEN")
		os.Exit(2)
	}

	host, _, err := net.SplitHostPort(*addr)
	if err != nil {
		logger.Error("Invalid listen address", "addr", *addr, "error", err)
		os.Exit(2)
	}

	controller := server.NewController(proto.Info{
		IP:      host,
		MAC:     *mac,
		BLEName: *name,
		Token:   *token,
	}, logger)

	tcpServer := server.NewTCPServer(*addr, controller)
	tcpServer.SetMaxClients(*maxClients)
	if err := tcpServer.Listen(); err != nil {
		logger.Error("Error starting mock controller", "error", err.Error())
		os.Exit(1)
	}

	if *advertise {
		if err := tcpServer.Advertise(); err != nil {
			logger.Warn("mDNS advertisement unavailable", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		tcpServer.Shutdown()
	}()

	if err := tcpServer.Start(); err != nil {
		logger.Error("Mock controller stopped", "error", err.Error())
		os.Exit(1)
	}
}
