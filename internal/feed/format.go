package feed

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidFormat is wrapped by every audio format parse/validation failure
var ErrInvalidFormat = errors.New("invalid audio format")

// SampleFormat identifies how one sample is stored in a PCM block
type SampleFormat uint8

const (
	SampleS8 SampleFormat = iota + 1
	SampleS16
	SampleS24P32 // 24 bit samples padded to 32 bit
	SampleS32
	SampleFloat
)

func (f SampleFormat) String() string {
	switch f {
	case SampleS8:
		return "8"
	case SampleS16:
		return "16"
	case SampleS24P32:
		return "24"
	case SampleS32:
		return "32"
	case SampleFloat:
		return "f"
	default:
		return "?"
	}
}

// Size returns the number of bytes one sample occupies
func (f SampleFormat) Size() int {
	switch f {
	case SampleS8:
		return 1
	case SampleS16:
		return 2
	case SampleS24P32, SampleS32, SampleFloat:
		return 4
	default:
		return 0
	}
}

// AudioFormat describes the PCM stream being played
type AudioFormat struct {
	SampleRate uint32
	Format     SampleFormat
	Channels   uint8
}

// ParseAudioFormat parses "rate:bits:channels", e.g. "44100:16:2"
func ParseAudioFormat(s string) (AudioFormat, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return AudioFormat{}, fmt.Errorf("%w: %q is not rate:bits:channels", ErrInvalidFormat, s)
	}

	rate, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return AudioFormat{}, fmt.Errorf("%w: sample rate %q: %w", ErrInvalidFormat, parts[0], err)
	}

	var sample SampleFormat
	switch parts[1] {
	case "8":
		sample = SampleS8
	case "16":
		sample = SampleS16
	case "24":
		sample = SampleS24P32
	case "32":
		sample = SampleS32
	case "f":
		sample = SampleFloat
	default:
		return AudioFormat{}, fmt.Errorf("%w: unsupported sample format %q", ErrInvalidFormat, parts[1])
	}

	channels, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return AudioFormat{}, fmt.Errorf("%w: channels %q: %w", ErrInvalidFormat, parts[2], err)
	}

	f := AudioFormat{SampleRate: uint32(rate), Format: sample, Channels: uint8(channels)}
	if err := f.Validate(); err != nil {
		return AudioFormat{}, err
	}
	return f, nil
}

// Validate rejects formats no timing can be derived from
func (f AudioFormat) Validate() error {
	if f.SampleRate == 0 {
		return fmt.Errorf("%w: sample rate must be positive", ErrInvalidFormat)
	}
	if f.Format.Size() == 0 {
		return fmt.Errorf("%w: unknown sample format", ErrInvalidFormat)
	}
	if f.Channels == 0 {
		return fmt.Errorf("%w: channel count must be positive", ErrInvalidFormat)
	}
	return nil
}

// FrameSize is the size of one sample across all channels
func (f AudioFormat) FrameSize() int {
	return f.Format.Size() * int(f.Channels)
}

func (f AudioFormat) BytesPerSecond() int {
	return f.FrameSize() * int(f.SampleRate)
}

// SizeToDuration converts a byte count into playback time
func (f AudioFormat) SizeToDuration(n uint64) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	secs := n / uint64(bps)
	rem := n % uint64(bps)
	return time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(bps)
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%d:%s:%d", f.SampleRate, f.Format, f.Channels)
}

// MarshalText lets snapshots carry the format in its short notation
func (f AudioFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}
