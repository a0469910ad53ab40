package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"vis-service/internal/eventloop"
	"vis-service/internal/feed"
	"vis-service/internal/monitor"
)

const (
	DefaultPort         = 8001
	DefaultReapInterval = 3 * time.Second
)

type Config struct {
	BindAddress string
	Port        int
	// MaxClients bounds simultaneous clients; 0 means unbounded
	MaxClients     int
	ReapInterval   time.Duration
	WriteTimeout   time.Duration
	RetryInterval  time.Duration
	ReadBufferSize int
}

func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		ReapInterval:   DefaultReapInterval,
		WriteTimeout:   50 * time.Millisecond,
		RetryInterval:  100 * time.Millisecond,
		ReadBufferSize: 4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	return c
}

func (c Config) Address() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithHooks(hooks *monitor.Hooks) Option {
	return func(s *Server) {
		s.hooks = hooks
	}
}

func WithProtocol(factory ProtocolFactory) Option {
	return func(s *Server) {
		s.protocol = factory
	}
}

// Server accepts clients and owns every Connection it creates. Connections
// never point back at the Server; it polls their liveness from the reaper.
//
// Except for New, every method must be called on the event loop goroutine.
type Server struct {
	cfg      Config
	loop     *eventloop.Loop
	state    *feed.State // borrowed, outlives the server
	logger   *slog.Logger
	hooks    *monitor.Hooks
	protocol ProtocolFactory

	clientLogger *slog.Logger

	listener   net.Listener
	acceptDone chan struct{}
	clients    []*Connection
	reaper     *eventloop.Timer
}

func New(cfg Config, loop *eventloop.Loop, state *feed.State, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		loop:     loop,
		state:    state,
		logger:   slog.Default(),
		protocol: NewEcho,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clientLogger = s.logger.With("component", "vis_client")
	s.logger = s.logger.With("component", "vis_output_server")
	s.reaper = loop.NewTimer(s.ReapClients)
	return s
}

// Open starts listening. Calling it on an open server does nothing.
func (s *Server) Open(ctx context.Context) error {
	if s.listener != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}

	s.listener = ln
	s.acceptDone = make(chan struct{})
	go s.acceptLoop(ln, s.acceptDone)

	s.logger.Info("Visualization server listening", "address", ln.Addr().String(), "max_clients", s.cfg.MaxClients)
	s.hooks.Trigger(monitor.Event{
		Type:       monitor.EventServerOpen,
		Message:    "listening",
		Properties: map[string]any{"address": ln.Addr().String(), "maxClients": s.cfg.MaxClients},
	})
	return nil
}

// Close stops accepting, closes every client and waits for their I/O
// goroutines. When it returns no Connection uses the feed state any more.
// Calling it on a closed server does nothing.
func (s *Server) Close() {
	if s.listener == nil {
		return
	}

	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("Error closing listener", "error", err)
	}
	<-s.acceptDone
	s.listener = nil
	s.acceptDone = nil

	for _, c := range s.clients {
		c.Close()
		c.wait()
	}
	closed := len(s.clients)
	clear(s.clients)
	s.clients = nil
	s.reaper.Cancel()

	s.logger.Info("Visualization server closed", "clients_closed", closed)
	s.hooks.Trigger(monitor.Event{
		Type:       monitor.EventServerClose,
		Message:    "closed",
		Properties: map[string]any{"clientsClosed": closed},
	})
}

func (s *Server) IsOpen() bool {
	return s.listener != nil
}

// Addr is the bound listener address, nil while closed
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Len counts every tracked connection, including closed ones not yet reaped
func (s *Server) Len() int {
	return len(s.clients)
}

func (s *Server) MaxClients() int {
	return s.cfg.MaxClients
}

func (s *Server) Clients() []ClientStats {
	stats := make([]ClientStats, 0, len(s.clients))
	for _, c := range s.clients {
		stats = append(stats, c.Stats())
	}
	return stats
}

// ReapPending reports whether the reaper is scheduled
func (s *Server) ReapPending() bool {
	return s.reaper.IsPending()
}

// ReapClients removes every closed connection. While clients remain it
// schedules itself again; with none left it stays idle until the next accept.
func (s *Server) ReapClients() {
	s.reap()

	if len(s.clients) > 0 {
		s.reaper.Schedule(s.cfg.ReapInterval)
	}
}

// reap sweeps closed connections and reports them
func (s *Server) reap() int {
	removed := s.sweep()
	if removed > 0 {
		s.logger.Info("Reaped closed clients", "removed", removed, "remaining", len(s.clients))
		s.hooks.Trigger(monitor.Event{
			Type:       monitor.EventReap,
			Message:    "reaped closed clients",
			Properties: map[string]any{"removed": removed, "remaining": len(s.clients)},
		})
	}
	return removed
}

func (s *Server) sweep() int {
	kept := s.clients[:0]
	for _, c := range s.clients {
		if c.IsClosed() {
			c.wait()
			continue
		}
		kept = append(kept, c)
	}
	removed := len(s.clients) - len(kept)
	clear(s.clients[len(kept):])
	s.clients = kept
	return removed
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("Accept failed, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.loop.Submit(func() { s.onAccept(ln, conn) }) {
			conn.Close()
			return
		}
	}
}

func (s *Server) onAccept(ln net.Listener, conn net.Conn) {
	// accepted just before a Close or re-Open
	if s.listener != ln {
		conn.Close()
		return
	}

	remote := conn.RemoteAddr().String()
	if s.atCapacity() {
		conn.Close()
		s.logger.Info("Rejected client, too many connections", "remote_addr", remote, "max_clients", s.cfg.MaxClients)
		s.hooks.Trigger(monitor.Event{
			Type:       monitor.EventReject,
			RemoteAddr: remote,
			Message:    "too many clients",
			Properties: map[string]any{"maxClients": s.cfg.MaxClients},
		})
		return
	}

	c := newConnection(conn, s.loop, s.state, s.protocol, connectionOptions{
		readBufferSize: s.cfg.ReadBufferSize,
		writeTimeout:   s.cfg.WriteTimeout,
		retryInterval:  s.cfg.RetryInterval,
		logger:         s.clientLogger,
		hooks:          s.hooks,
	})
	s.clients = append(s.clients, c)
	c.start()

	s.logger.Info("Accepted client", "client_id", c.ID(), "remote_addr", remote, "clients", len(s.clients))
	s.hooks.Trigger(monitor.Event{
		Type:         monitor.EventAccept,
		ConnectionID: c.ID(),
		RemoteAddr:   remote,
		Message:      "client accepted",
		Properties:   map[string]any{"clients": len(s.clients)},
	})

	if !s.reaper.IsPending() {
		s.reaper.Schedule(s.cfg.ReapInterval)
	}
}

// atCapacity sweeps already-closed connections before refusing, so a client
// that hung up never holds a slot until the next reaper run.
func (s *Server) atCapacity() bool {
	if s.cfg.MaxClients <= 0 || len(s.clients) < s.cfg.MaxClients {
		return false
	}
	s.reap()
	return len(s.clients) >= s.cfg.MaxClients
}
