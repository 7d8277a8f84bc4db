package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant-app/adjutant/internal/journal"
)

func TestPublish_MirrorsEventToChannel(t *testing.T) {
	mr := miniredis.RunT(t)

	p := New(Config{Addr: mr.Addr(), Channel: "test:changes"}, zerolog.Nop())
	require.NotNil(t, p)
	defer p.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := sub.Subscribe(ctx, "test:changes")
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx) // wait for the subscription to be live
	require.NoError(t, err)

	event := journal.ChangeEvent{
		ID:        "evt-1",
		Domain:    journal.DomainGoals,
		EventType: "updated",
		Payload:   map[string]interface{}{"id": "g1"},
		Timestamp: time.Now(),
	}
	p.Publish(event)

	msg, err := pubsub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got journal.ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, "goals:updated", got.Label())

	published, dropped := p.Stats()
	assert.Equal(t, int64(1), published)
	assert.Equal(t, int64(0), dropped)
}

func TestPublish_RedisDownIsCountedNotPropagated(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	p := New(Config{Addr: addr}, zerolog.Nop())
	require.NotNil(t, p)
	defer p.Close()

	require.NotPanics(t, func() {
		p.Publish(journal.ChangeEvent{ID: "evt-x", Domain: journal.DomainSystem, EventType: "noise"})
	})

	published, dropped := p.Stats()
	assert.Equal(t, int64(0), published)
	assert.Equal(t, int64(1), dropped)
}

func TestPublish_ReconnectsAfterOutage(t *testing.T) {
	mr := miniredis.RunT(t)

	p := New(Config{Addr: mr.Addr(), Channel: "test:changes"}, zerolog.Nop())
	require.NotNil(t, p)
	defer p.Close()

	p.Publish(journal.ChangeEvent{ID: "evt-1", Domain: journal.DomainNews, EventType: "fetched"})

	// outage: the next publish fails and marks the bridge disconnected
	mr.Close()
	p.Publish(journal.ChangeEvent{ID: "evt-2", Domain: journal.DomainNews, EventType: "fetched"})
	_, dropped := p.Stats()
	assert.GreaterOrEqual(t, dropped, int64(1))

	// recovery: miniredis back on the same address
	require.NoError(t, mr.Restart())
	p.Publish(journal.ChangeEvent{ID: "evt-3", Domain: journal.DomainNews, EventType: "fetched"})

	published, _ := p.Stats()
	assert.GreaterOrEqual(t, published, int64(2))
}

func TestNilPublisher_IsSafe(t *testing.T) {
	var p *Publisher

	require.NotPanics(t, func() {
		p.Publish(journal.ChangeEvent{ID: "evt", Domain: journal.DomainOther("misc"), EventType: "x"})
	})
	published, dropped := p.Stats()
	assert.Zero(t, published)
	assert.Zero(t, dropped)
	assert.NoError(t, p.Close())
}

func TestNew_UnconfiguredReturnsNil(t *testing.T) {
	assert.Nil(t, New(Config{}, zerolog.Nop()))
}
