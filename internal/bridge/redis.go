// Package bridge republishes journal events to Redis so out-of-process
// consumers (dashboards, companion services) can follow the assistant's
// change stream without linking against this process.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adjutant-app/adjutant/internal/journal"
)

const publishTimeout = 5 * time.Second

// Config holds bridge configuration. An empty Addr disables the bridge.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Publisher mirrors journal events onto a Redis pub/sub channel. A nil
// Publisher is valid and publishes nothing, so callers never need to guard.
type Publisher struct {
	cfg    Config
	client *redis.Client

	mu        sync.Mutex
	connected bool
	published int64
	dropped   int64

	log zerolog.Logger
}

// New creates a publisher, or nil when no Redis address is configured.
func New(cfg Config, log zerolog.Logger) *Publisher {
	if cfg.Addr == "" {
		return nil
	}
	if cfg.Channel == "" {
		cfg.Channel = "adjutant:changes"
	}
	return &Publisher{
		cfg: cfg,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		log: log.With().Str("component", "redis_bridge").Logger(),
	}
}

// Publish mirrors one journal event. Errors are counted and logged, never
// returned: a Redis outage must not reach emitters.
func (p *Publisher) Publish(event journal.ChangeEvent) {
	if p == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.ensureConnection(ctx); err != nil {
		p.markDropped()
		p.log.Warn().Err(err).Str("label", event.Label()).Msg("Redis unavailable, event not mirrored")
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.markDropped()
		p.log.Error().Err(err).Str("label", event.Label()).Msg("Failed to marshal journal event")
		return
	}

	if err := p.client.Publish(ctx, p.cfg.Channel, data).Err(); err != nil {
		p.markDropped()
		p.markDisconnected()
		p.log.Warn().Err(err).Str("label", event.Label()).Msg("Redis publish failed")
		return
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
}

// ensureConnection pings before the first publish and after any failure,
// reconnecting lazily.
func (p *Publisher) ensureConnection(ctx context.Context) error {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if connected {
		return nil
	}

	if err := p.client.Ping(ctx).Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.log.Info().Str("addr", p.cfg.Addr).Str("channel", p.cfg.Channel).Msg("Redis bridge connected")
	return nil
}

func (p *Publisher) markDisconnected() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}

func (p *Publisher) markDropped() {
	p.mu.Lock()
	p.dropped++
	p.mu.Unlock()
}

// Stats reports publish counters for diagnostics.
func (p *Publisher) Stats() (published, dropped int64) {
	if p == nil {
		return 0, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.dropped
}

// Close releases the Redis connection. Safe on nil.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
