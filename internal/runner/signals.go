// signals.go loads the pre-computed signal frames the runner consumes.
//
// The primary bus is a well-known Redis key holding a JSON envelope
// {generated_at, signals}; the publisher refreshes it with a TTL so stale
// frames simply disappear. A JSON file fallback covers development and
// air-gapped runs — the runner treats both through the same interface and
// applies the same staleness check.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"algo-runner/internal/config"
	"algo-runner/pkg/types"
)

// SignalSource supplies the latest signal frames.
type SignalSource interface {
	Load(ctx context.Context) (types.Signals, error)
}

// signalEnvelope is the published payload shape.
type signalEnvelope struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Signals     types.Signals `json:"signals"`
}

func decodeEnvelope(data []byte, maxAge time.Duration) (types.Signals, error) {
	var env signalEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Signals == nil {
		// Bare map without envelope is accepted from older publishers.
		var bare types.Signals
		if berr := json.Unmarshal(data, &bare); berr != nil {
			return nil, fmt.Errorf("decode signals: %w", err)
		}
		return bare, nil
	}
	if maxAge > 0 && !env.GeneratedAt.IsZero() && time.Since(env.GeneratedAt) > maxAge {
		return nil, fmt.Errorf("signals stale: generated %s ago", time.Since(env.GeneratedAt).Round(time.Second))
	}
	return env.Signals, nil
}

// RedisSource reads the signal envelope from Redis with a file fallback,
// so a bus outage degrades to the last exported file instead of halting
// the loop.
type RedisSource struct {
	client   *redis.Client
	key      string
	maxAge   time.Duration
	fallback *FileSource
	logger   *slog.Logger
}

// NewRedisSource connects the bus reader.
func NewRedisSource(cfg config.SignalsConfig, logger *slog.Logger) *RedisSource {
	var fallback *FileSource
	if cfg.File != "" {
		fallback = NewFileSource(cfg.File, cfg.TTL)
	}
	return &RedisSource{
		client:   redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		key:      cfg.RedisKey,
		maxAge:   cfg.TTL,
		fallback: fallback,
		logger:   logger.With("component", "signals"),
	}
}

// Load fetches and decodes the current frames.
func (s *RedisSource) Load(ctx context.Context) (types.Signals, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if s.fallback != nil {
			s.logger.Warn("signal bus unavailable, using file fallback", "error", err)
			return s.fallback.Load(ctx)
		}
		if err == redis.Nil {
			return nil, fmt.Errorf("signal key %q not set", s.key)
		}
		return nil, fmt.Errorf("read signal bus: %w", err)
	}
	return decodeEnvelope(data, s.maxAge)
}

// FileSource reads frames from a JSON file.
type FileSource struct {
	path   string
	maxAge time.Duration
}

// NewFileSource builds a file-backed source.
func NewFileSource(path string, maxAge time.Duration) *FileSource {
	return &FileSource{path: path, maxAge: maxAge}
}

// Load reads and decodes the file.
func (s *FileSource) Load(ctx context.Context) (types.Signals, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read signal file: %w", err)
	}
	return decodeEnvelope(data, s.maxAge)
}
