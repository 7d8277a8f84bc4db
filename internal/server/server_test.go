package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant-app/adjutant/internal/budget"
	"github.com/adjutant-app/adjutant/internal/dispatch"
	"github.com/adjutant-app/adjutant/internal/heartbeat"
	"github.com/adjutant-app/adjutant/internal/history"
	"github.com/adjutant-app/adjutant/internal/journal"
	"github.com/adjutant-app/adjutant/internal/orchestrator"
	"github.com/adjutant-app/adjutant/internal/updates"
)

type fixture struct {
	server  *Server
	journal *journal.Journal
	updates *updates.Coordinator
	archive *history.Archive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()

	guard := budget.New(budget.Config{Window: time.Hour, DefaultCeiling: 100}, log)
	dispatcher := dispatch.New(guard, dispatch.Config{}, log)
	hb := heartbeat.New(heartbeat.Config{IdleInterval: time.Hour}, func() (bool, error) {
		return false, nil
	}, log)
	jrnl := journal.New(32, log)
	coordinator := updates.New(updates.Config{TickInterval: time.Hour}, log)

	archive, err := history.Open(filepath.Join(t.TempDir(), "history.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	orch, err := orchestrator.New(orchestrator.Deps{
		Journal:    jrnl,
		Budget:     guard,
		Dispatcher: dispatcher,
		Heartbeat:  hb,
		Updates:    coordinator,
		Archive:    archive,
	}, log)
	require.NoError(t, err)
	orch.Start()
	t.Cleanup(orch.Stop)

	srv := New(Config{
		Port:         0,
		Orchestrator: orch,
		Journal:      jrnl,
		Budget:       guard,
		Updates:      coordinator,
		Archive:      archive,
	}, log)

	return &fixture{server: srv, journal: jrnl, updates: coordinator, archive: archive}
}

func get(t *testing.T, f *fixture, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := get(t, f, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Started)
	assert.Equal(t, "idle", status.Heartbeat.Mode)
}

func TestJournalRecentEndpoint(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		f.journal.Emit(journal.DomainNews, "fetched", map[string]interface{}{"batch": i}, nil)
	}

	rec := get(t, f, "/api/journal/recent")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count  int                   `json:"count"`
		Events []journal.ChangeEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 5, body.Count)

	// limit keeps the newest
	rec = get(t, f, "/api/journal/recent?limit=2")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, float64(4), body.Events[1].Payload["batch"])
}

func TestUpdateEndpoints(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.updates.Register("weather", func() (interface{}, error) { return "sunny", nil }))
	f.updates.Tick()

	rec := get(t, f, "/api/updates/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats updates.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TickCount)
	assert.Equal(t, 1, stats.SourceCount)

	rec = get(t, f, "/api/updates/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]updates.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Contains(t, health, "weather")
	assert.Equal(t, "healthy", health["weather"].Status)
}

func TestBudgetEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := get(t, f, "/api/budget")
	require.Equal(t, http.StatusOK, rec.Code)

	var status budget.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, time.Hour, status.Window)
}

func TestHistoryJobsEndpoint(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.archive.RecordJobOutcome(history.JobOutcome{
		JobID: "job-1", Kind: "digest", Class: "background", State: "completed",
		FinishedAt: time.Now(),
	}))

	rec := get(t, f, "/api/history/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int                  `json:"count"`
		Jobs  []history.JobOutcome `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "job-1", body.Jobs[0].JobID)
}

func TestHistoryJobsEndpoint_NoArchive(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.Archive = nil

	rec := get(t, f, "/api/history/jobs")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChannelsEndpoint_NoRouter(t *testing.T) {
	f := newFixture(t)

	rec := get(t, f, "/api/channels")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}

func TestEventsStream_DeliversJournalEvents(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// first frame is the connected handshake
	line := readDataLine(t, reader)
	assert.Contains(t, line, `"type":"connected"`)

	f.journal.Emit(journal.DomainGoals, "updated", map[string]interface{}{"id": "g1"}, nil)

	line = readDataLine(t, reader)
	assert.Contains(t, line, `"type":"change"`)
	assert.Contains(t, line, `"goals"`)
	assert.Contains(t, line, `"updated"`)
}

func readDataLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(line)
		}
	}
}
