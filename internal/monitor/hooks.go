package monitor

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a relay lifecycle or diagnostic event
type EventType string

const (
	EventAccept      EventType = "accept"
	EventReject      EventType = "reject"
	EventReap        EventType = "reap"
	EventHangup      EventType = "hangup"
	EventWriteError  EventType = "write_error"
	EventFeedReport  EventType = "feed_report"
	EventServerOpen  EventType = "server_open"
	EventServerClose EventType = "server_close"
)

// Event is what hooks and sinks receive
type Event struct {
	Type         EventType      `json:"type"`
	ConnectionID string         `json:"connectionId,omitempty"`
	RemoteAddr   string         `json:"remoteAddr,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	// Seq orders events from one Hooks; hooks may receive them out of order
	Seq uint64 `json:"seq,omitempty"`
}

// Hook is called once per triggered event, on its own goroutine
type Hook func(Event)

// Hooks fans events out to every registered hook. The zero value is ready
// to use and a nil *Hooks drops events.
type Hooks struct {
	mu    sync.RWMutex
	hooks []Hook
	seq   atomic.Uint64
}

func NewHooks() *Hooks {
	return &Hooks{hooks: make([]Hook, 0)}
}

func (h *Hooks) Add(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

func (h *Hooks) Len() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hooks)
}

// Trigger never blocks the caller; hooks run asynchronously
func (h *Hooks) Trigger(ev Event) {
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Seq = h.seq.Add(1)

	h.mu.RLock()
	hooks := make([]Hook, len(h.hooks))
	copy(hooks, h.hooks)
	h.mu.RUnlock()

	for _, hook := range hooks {
		go hook(ev)
	}
}

// LoggingHook writes every event to logger at debug level
func LoggingHook(logger *slog.Logger) Hook {
	logger = logger.With("component", "monitor")
	return func(ev Event) {
		attrs := []any{"type", string(ev.Type)}
		if ev.ConnectionID != "" {
			attrs = append(attrs, "connection_id", ev.ConnectionID)
		}
		if ev.RemoteAddr != "" {
			attrs = append(attrs, "remote_addr", ev.RemoteAddr)
		}
		if ev.Error != "" {
			attrs = append(attrs, "error", ev.Error)
		}
		logger.Debug("[MONITOR] "+ev.Message, attrs...)
	}
}

// Counters aggregates events into totals for the status API
type Counters struct {
	mu sync.RWMutex

	accepted    int
	rejected    int
	reaped      int
	hangups     int
	writeErrors int
	reports     int
	peakActive  int
	active      int
	activeSeq   uint64
	lastReport  *Event
	lastReset   time.Time
}

func NewCounters() *Counters {
	return &Counters{lastReset: time.Now()}
}

// Hook returns the hook that feeds c
func (c *Counters) Hook() Hook {
	return c.Collect
}

func (c *Counters) Collect(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case EventAccept:
		c.accepted++
		if n, ok := ev.Properties["clients"].(int); ok {
			if c.fresh(ev.Seq) {
				c.active = n
			}
			c.peakActive = max(c.peakActive, n)
		} else {
			c.active++
			c.peakActive = max(c.peakActive, c.active)
		}
	case EventReject:
		c.rejected++
	case EventReap:
		n := 1
		if v, ok := ev.Properties["removed"].(int); ok {
			n = v
		}
		c.reaped += n
		if remaining, ok := ev.Properties["remaining"].(int); ok {
			if c.fresh(ev.Seq) {
				c.active = remaining
			}
		} else {
			c.active = max(c.active-n, 0)
		}
	case EventHangup:
		c.hangups++
	case EventWriteError:
		c.writeErrors++
	case EventFeedReport:
		c.reports++
		evCopy := ev
		c.lastReport = &evCopy
	case EventServerClose:
		if c.fresh(ev.Seq) {
			c.active = 0
		}
	}
}

// fresh reports whether an event carrying an absolute client count is newer
// than the last one applied. Unsequenced events always apply.
func (c *Counters) fresh(seq uint64) bool {
	if seq == 0 {
		return true
	}
	if seq < c.activeSeq {
		return false
	}
	c.activeSeq = seq
	return true
}

func (c *Counters) GetMetrics() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	metrics := map[string]any{
		"accepted":         c.accepted,
		"rejected":         c.rejected,
		"reaped":           c.reaped,
		"hangups":          c.hangups,
		"writeErrors":      c.writeErrors,
		"feedReports":      c.reports,
		"activeEstimate":   c.active,
		"peakActive":       c.peakActive,
		"collectionPeriod": time.Since(c.lastReset).String(),
	}
	if c.lastReport != nil {
		metrics["lastFeedReport"] = c.lastReport.Properties
	}
	return metrics
}

func (c *Counters) GetMetricsJSON() ([]byte, error) {
	return json.Marshal(c.GetMetrics())
}

// Reset zeroes the totals. The active estimate is current state and is kept.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accepted = 0
	c.rejected = 0
	c.reaped = 0
	c.hangups = 0
	c.writeErrors = 0
	c.reports = 0
	c.peakActive = c.active
	c.lastReport = nil
	c.lastReset = time.Now()
}
