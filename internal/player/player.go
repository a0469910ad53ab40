package player

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vis-service/internal/feed"
)

// DefaultBlockDuration matches the chunk size a typical host plays per call
const DefaultBlockDuration = 20 * time.Millisecond

// Sink is the host-facing side of the visualization output
type Sink interface {
	Open(format feed.AudioFormat) error
	Close()
	Play(data []byte) int
}

// Player stands in for the audio host: it opens the sink and feeds it silent
// blocks at real-time pace until stopped.
type Player struct {
	sink   Sink
	format feed.AudioFormat
	block  time.Duration
	logger *slog.Logger
}

func New(sink Sink, format feed.AudioFormat, block time.Duration, logger *slog.Logger) *Player {
	if block <= 0 {
		block = DefaultBlockDuration
	}
	return &Player{
		sink:   sink,
		format: format,
		block:  block,
		logger: logger.With("component", "player"),
	}
}

// BlockSize is the byte size of one block, rounded down to whole frames
func (p *Player) BlockSize() int {
	frames := int(time.Duration(p.format.SampleRate) * p.block / time.Second)
	if frames < 1 {
		frames = 1
	}
	return frames * p.format.FrameSize()
}

// Run plays until ctx is done, then closes the sink
func (p *Player) Run(ctx context.Context) error {
	if err := p.sink.Open(p.format); err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	defer p.sink.Close()

	silence := make([]byte, p.BlockSize())
	ticker := time.NewTicker(p.block)
	defer ticker.Stop()

	p.logger.Info("Player started", "format", p.format.String(), "block_bytes", len(silence), "block", p.block)

	var blocks uint64
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Player stopped", "blocks", blocks)
			return nil
		case <-ticker.C:
			if n := p.sink.Play(silence); n != len(silence) {
				p.logger.Warn("Output accepted a partial block", "accepted", n, "size", len(silence))
			}
			blocks++
		}
	}
}
