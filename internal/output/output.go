package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vis-service/internal/eventloop"
	"vis-service/internal/feed"
	"vis-service/internal/relay"
)

// ClientsView is what the status API shows about connected clients
type ClientsView struct {
	Enabled    bool                `json:"enabled"`
	Address    string              `json:"address,omitempty"`
	Count      int                 `json:"count"`
	MaxClients int                 `json:"maxClients"`
	Clients    []relay.ClientStats `json:"clients"`
}

// Output is the one handle the host holds. It owns the relay server and the
// feed state and tears them down in that order.
//
// Enable, Disable and Clients may be called from any goroutine but never from
// a task running on the event loop. Open, Close and Play belong to the
// production goroutine.
type Output struct {
	// server must be released before state; see Shutdown
	server *relay.Server
	state  *feed.State

	loop   *eventloop.Loop
	logger *slog.Logger

	closeServer func(*relay.Server)

	mu sync.RWMutex
}

type options struct {
	feed  []feed.Option
	relay []relay.Option
}

type Option func(*options)

// WithFeedOptions configures the feed state the Output creates
func WithFeedOptions(opts ...feed.Option) Option {
	return func(o *options) {
		o.feed = append(o.feed, opts...)
	}
}

// WithRelayOptions configures the relay server the Output creates
func WithRelayOptions(opts ...relay.Option) Option {
	return func(o *options) {
		o.relay = append(o.relay, opts...)
	}
}

// New creates the feed state and a server around loop. The state is never
// handed out; callers see it through Snapshot and Delay. The loop must be
// running before Enable is called.
func New(cfg relay.Config, loop *eventloop.Loop, logger *slog.Logger, opts ...Option) *Output {
	if logger == nil {
		logger = slog.Default()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	state := feed.New(append([]feed.Option{feed.WithLogger(logger)}, o.feed...)...)
	relayOpts := append([]relay.Option{relay.WithLogger(logger)}, o.relay...)

	return &Output{
		server:      relay.New(cfg, loop, state, relayOpts...),
		state:       state,
		loop:        loop,
		logger:      logger.With("component", "vis_output"),
		closeServer: (*relay.Server).Close,
	}
}

// Enable starts accepting clients; it returns once the listener is bound
func (o *Output) Enable(ctx context.Context) error {
	server := o.currentServer()
	if server == nil {
		return relay.ErrServerClosed
	}

	var openErr error
	if err := o.loop.Call(func() { openErr = server.Open(ctx) }); err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	if openErr != nil {
		return openErr
	}
	o.logger.Info("Visualization output enabled")
	return nil
}

// Disable stops accepting and drops every client. Calling it twice is fine.
func (o *Output) Disable() error {
	server := o.currentServer()
	if server == nil {
		return nil
	}

	if err := o.loop.Call(server.Close); err != nil {
		return fmt.Errorf("disable: %w", err)
	}
	o.logger.Info("Visualization output disabled")
	return nil
}

// Open starts a new stream with the given format
func (o *Output) Open(format feed.AudioFormat) error {
	if err := format.Validate(); err != nil {
		return err
	}
	state := o.currentState()
	if state == nil {
		return relay.ErrServerClosed
	}
	state.Open(format)
	return nil
}

func (o *Output) Close() {
	if state := o.currentState(); state != nil {
		state.Close()
	}
}

// Play accounts for one block of produced audio. It never blocks on the
// network and always accepts the whole block.
func (o *Output) Play(data []byte) int {
	if state := o.currentState(); state != nil {
		state.Deposit(len(data))
	}
	return len(data)
}

// Delay reports how far production runs ahead of real time
func (o *Output) Delay() time.Duration {
	if state := o.currentState(); state != nil {
		return state.CurrentDelay()
	}
	return 0
}

func (o *Output) Snapshot() feed.Snapshot {
	if state := o.currentState(); state != nil {
		return state.Snapshot()
	}
	return feed.Snapshot{}
}

func (o *Output) Clients() (ClientsView, error) {
	server := o.currentServer()
	if server == nil {
		return ClientsView{}, relay.ErrServerClosed
	}

	var view ClientsView
	err := o.loop.Call(func() {
		view = ClientsView{
			Enabled:    server.IsOpen(),
			Count:      server.Len(),
			MaxClients: server.MaxClients(),
			Clients:    server.Clients(),
		}
		if addr := server.Addr(); addr != nil {
			view.Address = addr.String()
		}
	})
	return view, err
}

// Shutdown closes the server, then the feed state, and drops both. Every
// client is gone before the state is released. Later calls are no-ops.
//
// If the server cannot be closed the state stays open and both are kept, so
// Shutdown may be called again.
func (o *Output) Shutdown() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.server != nil {
		server := o.server
		callErr := o.loop.Call(func() { o.closeServer(server) })
		switch {
		case errors.Is(callErr, eventloop.ErrStopped):
			// nothing runs on a stopped loop any more, so the server is ours
			if err := o.closeDirect(server); err != nil {
				return err
			}
		case callErr != nil:
			o.logger.Error("Failed to close visualization server, keeping feed state", "error", callErr)
			return fmt.Errorf("shutdown: %w", callErr)
		}
		o.server = nil
	}

	if o.state != nil {
		o.state.Close()
		o.state = nil
	}
	return nil
}

func (o *Output) closeDirect(server *relay.Server) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Failed to close visualization server, keeping feed state", "panic", r)
			err = fmt.Errorf("shutdown: server close panicked: %v", r)
		}
	}()
	o.closeServer(server)
	return nil
}

func (o *Output) currentServer() *relay.Server {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.server
}

func (o *Output) currentState() *feed.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}
