package journal

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_RecordsEvent(t *testing.T) {
	j := New(16, zerolog.Nop())

	event := j.Emit(DomainGoals, "updated", map[string]interface{}{"id": "g1"}, nil)

	require.NotEmpty(t, event.ID)
	assert.Equal(t, DomainGoals, event.Domain)
	assert.Equal(t, "goals:updated", event.Label())
	assert.False(t, event.Timestamp.IsZero())

	snapshot := j.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, event.ID, snapshot[0].ID)
}

func TestEmit_NotifiesAllSubscribers(t *testing.T) {
	j := New(16, zerolog.Nop())

	var first, second []string
	j.Subscribe(func(e ChangeEvent) { first = append(first, e.Label()) })
	j.Subscribe(func(e ChangeEvent) { second = append(second, e.Label()) })

	j.Emit(DomainNews, "fetched", nil, nil)
	j.Emit(DomainMarket, "moved", nil, nil)

	assert.Equal(t, []string{"news:fetched", "market:moved"}, first)
	assert.Equal(t, []string{"news:fetched", "market:moved"}, second)
}

func TestEmit_PanickingSubscriberIsIsolated(t *testing.T) {
	j := New(16, zerolog.Nop())

	var received int
	j.Subscribe(func(e ChangeEvent) { panic("subscriber exploded") })
	j.Subscribe(func(e ChangeEvent) { received++ })

	require.NotPanics(t, func() {
		j.Emit(DomainHealth, "checked", nil, nil)
	})
	assert.Equal(t, 1, received)
}

func TestUnsubscribe(t *testing.T) {
	j := New(16, zerolog.Nop())

	var received int
	unsubscribe := j.Subscribe(func(e ChangeEvent) { received++ })

	j.Emit(DomainCalendar, "event_added", nil, nil)
	unsubscribe()
	j.Emit(DomainCalendar, "event_added", nil, nil)

	assert.Equal(t, 1, received)
	assert.Equal(t, 0, j.SubscriberCount())
}

func TestSnapshot_BoundedAndOrdered(t *testing.T) {
	j := New(3, zerolog.Nop())

	j.Emit(DomainGoals, "a", nil, nil)
	j.Emit(DomainGoals, "b", nil, nil)
	j.Emit(DomainGoals, "c", nil, nil)
	j.Emit(DomainGoals, "d", nil, nil)

	snapshot := j.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "b", snapshot[0].EventType)
	assert.Equal(t, "c", snapshot[1].EventType)
	assert.Equal(t, "d", snapshot[2].EventType)
}

func TestEmit_SourceFromOptions(t *testing.T) {
	j := New(16, zerolog.Nop())

	event := j.Emit(DomainMessages, "received", nil, &EmitOptions{Source: "webchat"})

	assert.Equal(t, "webchat", event.Source)
}

func TestParseDomain(t *testing.T) {
	assert.Equal(t, DomainGoals, ParseDomain("goals"))
	assert.True(t, ParseDomain("memory").IsKnown())

	other := ParseDomain("weather")
	assert.False(t, other.IsKnown())
	assert.Equal(t, "weather", other.String())
}
