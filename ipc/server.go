// Package ipc provides inter-process communication for edgeflow status queries.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultAddr is the loopback address the server listens on when none is
// configured.
const DefaultAddr = "127.0.0.1:47848"

// Commands understood by the server.
const (
	CommandPing        = "ping"
	CommandStatus      = "status"
	CommandConnections = "connections"
)

// Request represents an IPC request.
type Request struct {
	Command string `json:"command"`
}

// StatusFunc builds the status response. Connections are included only
// when requested.
type StatusFunc func(withConnections bool) *StatusResponse

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server provides an IPC server for status queries.
type Server struct {
	addr       string
	listener   net.Listener
	statusFunc StatusFunc
	logger     *zap.Logger
	mu         sync.Mutex
	running    bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewServer creates a new IPC server listening on addr.
func NewServer(addr string, statusFunc StatusFunc, opts ...ServerOption) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		addr:       addr,
		statusFunc: statusFunc,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening for IPC connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	s.listener = listener
	s.stopChan = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(listener, s.stopChan)
	return nil
}

// Addr returns the address the server listens on, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the IPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop(listener net.Listener, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Read request
	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		s.logger.Debug("failed to decode request", zap.Error(err))
		return
	}

	// Process request
	var response any
	switch req.Command {
	case CommandPing:
		response = map[string]string{"status": "ok"}
	case CommandStatus, CommandConnections:
		if s.statusFunc != nil {
			response = s.statusFunc(req.Command == CommandConnections)
		} else {
			response = map[string]string{"error": "status function not set"}
		}
	default:
		response = map[string]string{"error": "unknown command"}
	}

	// Send response
	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(response); err != nil {
		s.logger.Debug("failed to send response", zap.String("command", req.Command), zap.Error(err))
	}
}

// Client provides an IPC client for status queries.
type Client struct {
	addr string
}

// NewClient creates a new IPC client for the server at addr.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{addr: addr}
}

func (c *Client) call(command string, resp any) error {
	conn, err := net.DialTimeout("tcp", c.addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("edgeflow is not running: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(Request{Command: command}); err != nil {
		return fmt.Errorf("failed to send %s request: %w", command, err)
	}

	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(resp); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return nil
}

// Ping checks if the server is running.
func (c *Client) Ping() error {
	var resp map[string]string
	if err := c.call(CommandPing, &resp); err != nil {
		return err
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("unexpected response: %v", resp)
	}

	return nil
}

// GetStatus retrieves the current status from the running instance.
func (c *Client) GetStatus() (*StatusResponse, error) {
	return c.status(CommandStatus)
}

// GetConnections retrieves the status including tracked connections.
func (c *Client) GetConnections() (*StatusResponse, error) {
	return c.status(CommandConnections)
}

func (c *Client) status(command string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(command, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
