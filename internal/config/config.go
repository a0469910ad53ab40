package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"vis-service/internal/feed"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	ConfigInstance *Config
	once           sync.Once
	loadErr        error

	// ErrInvalidConfig is wrapped by every validation failure
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	Visualization VisualizationConfig
	HTTP          HTTPConfig
	Log           LogConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
}

// VisualizationConfig is read once when the output is constructed
type VisualizationConfig struct {
	BindAddress   string
	Port          int
	MaxClients    int
	ReapInterval  time.Duration
	WriteTimeout  time.Duration
	RetryInterval time.Duration
	ReadBuffer    int
	AudioFormat   string
	ReportEvery   int
	// SimulatePlayer drives the output with silence when no host is attached
	SimulatePlayer bool
	PlayerBlock    time.Duration
}

type HTTPConfig struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	StreamInterval time.Duration
	AllowedOrigins []string
	// ControlRateLimit caps enable/disable calls per client IP and minute;
	// enforced only when Redis is configured
	ControlRateLimit int
}

type LogConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL          string
	Channel      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// SetDefaults registers every key with its default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("VIS_BIND_ADDRESS", "")
	v.SetDefault("VIS_PORT", 8001)
	v.SetDefault("VIS_MAX_CLIENTS", 0)
	v.SetDefault("VIS_REAP_INTERVAL", 3*time.Second)
	v.SetDefault("VIS_WRITE_TIMEOUT", 50*time.Millisecond)
	v.SetDefault("VIS_RETRY_INTERVAL", 100*time.Millisecond)
	v.SetDefault("VIS_READ_BUFFER", 4096)
	v.SetDefault("VIS_AUDIO_FORMAT", "44100:16:2")
	v.SetDefault("VIS_REPORT_EVERY", 500)
	v.SetDefault("VIS_SIMULATE_PLAYER", true)
	v.SetDefault("VIS_PLAYER_BLOCK", 20*time.Millisecond)
	v.SetDefault("HTTP_ADDRESS", ":8002")
	v.SetDefault("HTTP_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("HTTP_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("HTTP_STREAM_INTERVAL", time.Second)
	v.SetDefault("HTTP_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("HTTP_CONTROL_RATE_LIMIT", 10)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_CHANNEL", "vis:events")
	v.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
	v.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "vis-events")
}

// Load builds a Config from v. Defaults must already be registered.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Visualization: VisualizationConfig{
			BindAddress:   v.GetString("VIS_BIND_ADDRESS"),
			Port:          v.GetInt("VIS_PORT"),
			MaxClients:    v.GetInt("VIS_MAX_CLIENTS"),
			ReapInterval:  v.GetDuration("VIS_REAP_INTERVAL"),
			WriteTimeout:  v.GetDuration("VIS_WRITE_TIMEOUT"),
			RetryInterval: v.GetDuration("VIS_RETRY_INTERVAL"),
			ReadBuffer:    v.GetInt("VIS_READ_BUFFER"),
			AudioFormat:   v.GetString("VIS_AUDIO_FORMAT"),
			ReportEvery:   v.GetInt("VIS_REPORT_EVERY"),

			SimulatePlayer: v.GetBool("VIS_SIMULATE_PLAYER"),
			PlayerBlock:    v.GetDuration("VIS_PLAYER_BLOCK"),
		},
		HTTP: HTTPConfig{
			Address:          v.GetString("HTTP_ADDRESS"),
			ReadTimeout:      v.GetDuration("HTTP_READ_TIMEOUT"),
			WriteTimeout:     v.GetDuration("HTTP_WRITE_TIMEOUT"),
			IdleTimeout:      v.GetDuration("HTTP_IDLE_TIMEOUT"),
			StreamInterval:   v.GetDuration("HTTP_STREAM_INTERVAL"),
			AllowedOrigins:   splitList(v.GetString("HTTP_ALLOWED_ORIGINS")),
			ControlRateLimit: v.GetInt("HTTP_CONTROL_RATE_LIMIT"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Redis: RedisConfig{
			URL:          v.GetString("REDIS_URL"),
			Channel:      v.GetString("REDIS_CHANNEL"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads .env (if present) and the process environment once
func LoadConfig() (*Config, error) {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("No .env file found, using environment variables")
		}

		v := viper.New()
		SetDefaults(v)
		v.AutomaticEnv()

		ConfigInstance, loadErr = Load(v)
	})

	return ConfigInstance, loadErr
}

// Validate checks the values that would otherwise fail late, at listen time
func (c *Config) Validate() error {
	var errs []error

	vc := c.Visualization
	if vc.Port < 0 || vc.Port > 65535 {
		errs = append(errs, fmt.Errorf("VIS_PORT %d out of range", vc.Port))
	}
	if vc.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("VIS_MAX_CLIENTS must not be negative, got %d", vc.MaxClients))
	}
	if vc.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("VIS_REAP_INTERVAL must be positive, got %s", vc.ReapInterval))
	}
	if vc.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("VIS_WRITE_TIMEOUT must be positive, got %s", vc.WriteTimeout))
	}
	if vc.ReadBuffer <= 0 {
		errs = append(errs, fmt.Errorf("VIS_READ_BUFFER must be positive, got %d", vc.ReadBuffer))
	}
	if vc.ReportEvery < 0 {
		errs = append(errs, fmt.Errorf("VIS_REPORT_EVERY must not be negative, got %d", vc.ReportEvery))
	}
	if _, err := feed.ParseAudioFormat(vc.AudioFormat); err != nil {
		errs = append(errs, fmt.Errorf("VIS_AUDIO_FORMAT: %w", err))
	}
	if c.HTTP.StreamInterval <= 0 {
		errs = append(errs, fmt.Errorf("HTTP_STREAM_INTERVAL must be positive, got %s", c.HTTP.StreamInterval))
	}
	if c.Kafka.Topic == "" && len(c.Kafka.Brokers) > 0 {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Format returns the parsed stream format. Validate has already
// rejected unparsable values.
func (vc VisualizationConfig) Format() feed.AudioFormat {
	f, _ := feed.ParseAudioFormat(vc.AudioFormat)
	return f
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
