package feed

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultReportEvery is how many deposits pass between two lead/lag reports
const DefaultReportEvery = 500

// Report is the periodic lead/lag diagnostic emitted by Deposit
type Report struct {
	Calls           uint64        `json:"calls"`
	CumulativeBytes uint64        `json:"cumulativeBytes"`
	Lead            time.Duration `json:"lead"` // negative when production lags wall time
	At              time.Time     `json:"at"`
}

// Snapshot is a consistent copy of the feed timing record
type Snapshot struct {
	Open            bool          `json:"open"`
	Started         bool          `json:"started"`
	Format          AudioFormat   `json:"format"`
	StartedAt       time.Time     `json:"startedAt,omitempty"`
	LastDepositAt   time.Time     `json:"lastDepositAt,omitempty"`
	CumulativeBytes uint64        `json:"cumulativeBytes"`
	Calls           uint64        `json:"calls"`
	Produced        time.Duration `json:"produced"`
	Lead            time.Duration `json:"lead"`
}

type Option func(*State)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *State) {
		s.logger = logger
	}
}

// WithReportEvery sets the report period in deposits; 0 disables reports
func WithReportEvery(n int) Option {
	return func(s *State) {
		if n < 0 {
			n = 0
		}
		s.reportEvery = uint64(n)
	}
}

// WithReportHook registers a callback receiving every lead/lag report.
// It runs on the depositing goroutine, outside the state lock.
func WithReportHook(hook func(Report)) Option {
	return func(s *State) {
		s.onReport = hook
	}
}

// State is the feed timing record shared between the production goroutine
// and the network side. Every method is safe for concurrent use, but Open,
// Close and Deposit are expected to be called from the production goroutine
// only.
type State struct {
	mu sync.Mutex

	now         func() time.Time
	logger      *slog.Logger
	reportEvery uint64
	onReport    func(Report)

	open            bool
	format          AudioFormat
	started         bool
	startedAt       time.Time
	lastDepositAt   time.Time
	cumulativeBytes uint64
	calls           uint64
}

// New creates a closed State. Call Open once the stream format is known.
func New(opts ...Option) *State {
	s := &State{
		now:         time.Now,
		logger:      slog.Default(),
		reportEvery: DefaultReportEvery,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "vis_output_state")
	return s
}

// Open (re)initializes the timing record for a new stream format
func (s *State) Open(format AudioFormat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open = true
	s.format = format
	s.started = false
	s.startedAt = time.Time{}
	s.lastDepositAt = time.Time{}
	s.cumulativeBytes = 0
	s.calls = 0

	s.logger.Debug("Feed state opened", "format", format.String())
}

// Close releases the timing record
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open = false
	s.started = false

	s.logger.Debug("Feed state closed", "calls", s.calls, "bytes", s.cumulativeBytes)
}

// Deposit accounts for one block of produced data. The first deposit after
// Open starts the clock. Depositing into a closed State is a caller error;
// it is ignored.
func (s *State) Deposit(n int) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		s.logger.Debug("Deposit on closed feed state ignored", "bytes", n)
		return
	}

	now := s.now()
	if !s.started {
		s.started = true
		s.startedAt = now
	}
	if n > 0 {
		s.cumulativeBytes += uint64(n)
	}
	s.lastDepositAt = now
	s.calls++

	var report *Report
	if s.reportEvery > 0 && s.calls%s.reportEvery == 0 {
		report = &Report{
			Calls:           s.calls,
			CumulativeBytes: s.cumulativeBytes,
			Lead:            s.leadLocked(now),
			At:              now,
		}
	}
	s.mu.Unlock()

	if report != nil {
		s.logger.Info("Feed lead/lag report",
			"calls", report.Calls,
			"bytes", report.CumulativeBytes,
			"lead", report.Lead.Seconds())
		if s.onReport != nil {
			s.onReport(*report)
		}
	}
}

// CurrentDelay returns how far production runs ahead of wall time, never
// negative. Diagnostics only.
func (s *State) CurrentDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open || !s.started {
		return 0
	}
	if lead := s.leadLocked(s.now()); lead > 0 {
		return lead
	}
	return 0
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Open:            s.open,
		Started:         s.started,
		Format:          s.format,
		StartedAt:       s.startedAt,
		LastDepositAt:   s.lastDepositAt,
		CumulativeBytes: s.cumulativeBytes,
		Calls:           s.calls,
		Produced:        s.format.SizeToDuration(s.cumulativeBytes),
	}
	if s.open && s.started {
		snap.Lead = s.leadLocked(s.now())
	}
	return snap
}

// leadLocked is produced playback time minus elapsed wall time
func (s *State) leadLocked(now time.Time) time.Duration {
	produced := s.format.SizeToDuration(s.cumulativeBytes)
	return produced - now.Sub(s.startedAt)
}
