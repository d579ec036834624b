package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/mdns"
	"github.com/osinovii/roomctl/proto"
	"github.com/osinovii/roomctl/transport"
)

const ServiceType = transport.MDNSServiceType

// TCPServer serves the controller protocol on a raw TCP socket: one fixed
// size read per request frame, one write per reply, no framing.
type TCPServer struct {
	Addr       string
	controller *Controller
	logger     *slog.Logger

	mu         sync.Mutex
	listener   net.Listener
	clients    map[net.Conn]struct{}
	maxClients int
	readBuffer int
	mdns       *mdns.Server
}

func NewTCPServer(addr string, controller *Controller) *TCPServer {
	return &TCPServer{
		Addr:       addr,
		controller: controller,
		logger:     controller.logger,
		clients:    make(map[net.Conn]struct{}),
		maxClients: 4,
		readBuffer: 1024,
	}
}

func (s *TCPServer) SetMaxClients(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxClients = n
}

// Listen binds the socket; Address reports the bound address afterwards.
func (s *TCPServer) Listen() error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.logger.Info("Controller listening", "addr", l.Addr().String())
	return nil
}

func (s *TCPServer) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.Addr
	}
	return s.listener.Addr().String()
}

// Start listens (if Listen was not called) and accepts connections until
// Shutdown.
func (s *TCPServer) Start() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		l = s.listener
		s.mu.Unlock()
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if len(s.clients) >= s.maxClients {
			s.mu.Unlock()
			s.logger.Warn("Max clients reached, rejecting connection", "remote_addr", conn.RemoteAddr())
			conn.Close()
			continue
		}
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(c net.Conn) {
	addr := c.RemoteAddr().String()
	s.logger.Info("Client connected", "addr", addr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.Close()
		s.logger.Info("Client disconnected", "addr", addr)
	}()

	session := s.controller.NewSession()
	buf := make([]byte, s.readBuffer)
	for {
		n, err := c.Read(buf)
		if err != nil {
			return
		}

		msgs, decodeErr := proto.DecodeMessages(buf[:n])
		var replies []proto.Response
		for _, m := range msgs {
			// TCP identify is one-way, the controller does not answer it
			if id, ok := m.(proto.Identify); ok {
				session.Identify(id.Token)
				continue
			}
			replies = append(replies, session.Handle(m))
		}
		if decodeErr != nil {
			s.logger.Warn("Invalid frame received", "addr", addr, "error", decodeErr, "size", n)
			replies = append(replies, proto.Status{Code: proto.StatusError})
		}

		for _, r := range replies {
			data, err := proto.EncodeResponse(r)
			if err != nil {
				s.logger.Error("Failed to encode response", "addr", addr, "error", err)
				return
			}
			if _, err := c.Write(data); err != nil {
				s.logger.Warn("Failed to write response", "addr", addr, "error", err)
				return
			}
		}
	}
}

// Advertise publishes the controller over mDNS with its BLE name in a TXT
// record so clients can resolve it by the same name on either transport.
func (s *TCPServer) Advertise() error {
	host, portStr, err := net.SplitHostPort(s.Address())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		ips = []net.IP{ip}
	}

	info := s.controller.Info()
	service, err := mdns.NewMDNSService(info.BLEName, ServiceType, "", "", port, ips, []string{"ble_name=" + info.BLEName, "mac=" + info.MAC})
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}

	s.mu.Lock()
	s.mdns = server
	s.mu.Unlock()
	s.logger.Info("Advertising controller", "service", ServiceType, "name", info.BLEName, "port", port)
	return nil
}

func (s *TCPServer) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("Shutting down controller", "addr", s.Addr)

	var errs []error
	if s.mdns != nil {
		errs = append(errs, s.mdns.Shutdown())
		s.mdns = nil
	}
	if s.listener != nil {
		errs = append(errs, s.listener.Close())
	}
	for c := range s.clients {
		c.Close()
	}
	return errors.Join(errs...)
}
