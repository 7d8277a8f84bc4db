// Package di provides dependency injection wiring and initialization.
package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/adjutant-app/adjutant/internal/bridge"
	"github.com/adjutant-app/adjutant/internal/budget"
	"github.com/adjutant-app/adjutant/internal/config"
	"github.com/adjutant-app/adjutant/internal/dispatch"
	"github.com/adjutant-app/adjutant/internal/heartbeat"
	"github.com/adjutant-app/adjutant/internal/history"
	"github.com/adjutant-app/adjutant/internal/journal"
	"github.com/adjutant-app/adjutant/internal/orchestrator"
	"github.com/adjutant-app/adjutant/internal/router"
	"github.com/adjutant-app/adjutant/internal/router/webchat"
	"github.com/adjutant-app/adjutant/internal/updates"
)

// Container holds all application components. It is the explicit application
// context: built once by Wire and passed by reference, so tests can
// construct isolated instances instead of sharing global state.
type Container struct {
	Journal      *journal.Journal
	Budget       *budget.Guard
	Dispatcher   *dispatch.Dispatcher
	Heartbeat    *heartbeat.Heartbeat
	Updates      *updates.Coordinator
	Router       *router.Router
	Webchat      *webchat.Adapter
	Archive      *history.Archive
	Bridge       *bridge.Publisher
	Orchestrator *orchestrator.Orchestrator
}

// Wire builds the full component graph from configuration.
// Order: journal and budget first, then the dispatcher they feed, the
// heartbeat that drives the dispatcher, the independent loops (updates,
// router) and finally the orchestrator over all of them.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{}

	c.Journal = journal.New(cfg.Journal.RecentWindow, log)
	c.Budget = budget.New(budget.Config{
		Window:         cfg.Budget.Window,
		DefaultCeiling: cfg.Budget.DefaultCeiling,
		Ceilings:       cfg.Budget.Ceilings,
	}, log)

	c.Dispatcher = dispatch.New(c.Budget, dispatch.Config{
		MaxAttempts:      cfg.Dispatcher.MaxAttempts,
		ActivityCooldown: cfg.Dispatcher.ActivityCooldown,
	}, log)

	dispatcher := c.Dispatcher
	c.Heartbeat = heartbeat.New(heartbeat.Config{
		IdleInterval:   cfg.Heartbeat.IdleInterval,
		ActiveInterval: cfg.Heartbeat.ActiveInterval,
		ActiveTimeout:  cfg.Heartbeat.ActiveTimeout,
	}, func() (bool, error) {
		if dispatcher.HasEligibleWork() {
			dispatcher.Trigger()
			return true, nil
		}
		return false, nil
	}, log)

	c.Updates = updates.New(updates.Config{
		TickInterval:       cfg.Updates.TickInterval,
		MaxPendingKeys:     cfg.Updates.MaxPendingKeys,
		SlowTickThreshold:  cfg.Updates.SlowTickThreshold,
		ErrorThreshold:     cfg.Updates.ErrorThreshold,
		DisableOnThreshold: cfg.Updates.DisableOnThreshold,
	}, log)

	c.Router = router.New(router.Config{
		ChannelPriority: cfg.Router.ChannelPriority,
	}, log)
	c.Webchat = webchat.New(webchat.Config{
		Enabled:   true,
		ChunkSize: cfg.Router.ChunkSize,
	}, log)
	if err := c.Router.RegisterChannel(c.Webchat); err != nil {
		return nil, fmt.Errorf("failed to register webchat channel: %w", err)
	}

	archive, err := history.Open(filepath.Join(cfg.DataDir, "history.db"), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open history archive: %w", err)
	}
	c.Archive = archive

	c.Bridge = bridge.New(bridge.Config{
		Addr:    cfg.Bridge.RedisAddr,
		Channel: cfg.Bridge.RedisChannel,
	}, log)

	c.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		Journal:    c.Journal,
		Budget:     c.Budget,
		Dispatcher: c.Dispatcher,
		Heartbeat:  c.Heartbeat,
		Updates:    c.Updates,
		Archive:    c.Archive,
		Bridge:     c.Bridge,
	}, log)
	if err != nil {
		c.Archive.Close()
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	log.Info().Msg("Dependency wiring completed")
	return c, nil
}

// Close releases resources owned by the container.
func (c *Container) Close() {
	if c.Archive != nil {
		c.Archive.Close()
	}
	if c.Bridge != nil {
		c.Bridge.Close()
	}
}
