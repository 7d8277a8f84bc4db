// Package router is the multi-channel message hub. It normalizes inbound
// messages from channel adapters, applies each channel's access policy,
// dispatches to a single handler, and routes replies out with automatic
// fallback when the target channel is down.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler turns a normalized inbound message into an optional reply. An
// empty reply means no response is sent.
type Handler func(ctx context.Context, msg InboundMessage) (string, error)

// Config holds router configuration.
type Config struct {
	// ChannelPriority orders channels for fallback and best-channel
	// resolution. Channels not listed rank after listed ones, in
	// registration order.
	ChannelPriority []string
}

// ChannelStatus is a per-channel observability snapshot.
type ChannelStatus struct {
	Label   string `json:"label"`
	Status  Status `json:"status"`
	Enabled bool   `json:"enabled"`
}

// Router owns the channel set and the inbound/outbound pipelines.
type Router struct {
	cfg Config

	mu           sync.Mutex
	channels     map[string]ChannelAdapter
	order        []string // registration order
	handler      Handler
	listeners    map[int]Listener
	nextListener int

	log zerolog.Logger
}

// New creates a router with no channels attached.
func New(cfg Config, log zerolog.Logger) *Router {
	return &Router{
		cfg:       cfg,
		channels:  make(map[string]ChannelAdapter),
		listeners: make(map[int]Listener),
		log:       log.With().Str("component", "channel_router").Logger(),
	}
}

// AddListener registers an event listener and returns its removal function.
func (r *Router) AddListener(fn Listener) func() {
	r.mu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// RegisterChannel attaches a channel adapter and wires its inbound messages
// into the pipeline. Registering an already-registered id is an error.
func (r *Router) RegisterChannel(adapter ChannelAdapter) error {
	if adapter == nil || adapter.ID() == "" {
		return fmt.Errorf("adapter requires a non-empty id")
	}

	r.mu.Lock()
	if _, exists := r.channels[adapter.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("channel %q already registered", adapter.ID())
	}
	r.channels[adapter.ID()] = adapter
	r.order = append(r.order, adapter.ID())
	r.mu.Unlock()

	adapter.OnMessage(func(msg InboundMessage) {
		r.handleInbound(adapter, msg)
	})

	r.log.Info().
		Str("channel", adapter.ID()).
		Str("label", adapter.Label()).
		Bool("enabled", adapter.Enabled()).
		Msg("Channel registered")
	return nil
}

// SetAIHandler sets the single function that turns inbound messages into
// replies. Replaces any previous handler.
func (r *Router) SetAIHandler(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// StartAll starts every administratively enabled channel. One channel's
// startup failure does not block the others; failures are reported
// per-channel in the returned map.
func (r *Router) StartAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)

	for _, adapter := range r.adapters() {
		if !adapter.Enabled() {
			r.log.Debug().Str("channel", adapter.ID()).Msg("Channel disabled, not starting")
			continue
		}
		if err := r.safeStart(ctx, adapter); err != nil {
			failures[adapter.ID()] = err
			r.log.Error().Err(err).Str("channel", adapter.ID()).Msg("Channel failed to start")
			continue
		}
		r.log.Info().Str("channel", adapter.ID()).Msg("Channel started")
	}
	return failures
}

// StopAll stops every channel, isolating per-channel failures.
func (r *Router) StopAll() map[string]error {
	failures := make(map[string]error)

	for _, adapter := range r.adapters() {
		if err := r.safeStop(adapter); err != nil {
			failures[adapter.ID()] = err
			r.log.Error().Err(err).Str("channel", adapter.ID()).Msg("Channel failed to stop")
		}
	}
	return failures
}

// SendMessage sends content to a recipient on a channel. If the target
// channel is not connected the router resolves a fallback from the priority
// order, excluding channels already tried, and reroutes transparently.
func (r *Router) SendMessage(ctx context.Context, channelID, recipientID, content string, opts SendOptions) SendResult {
	return r.send(ctx, channelID, recipientID, content, opts, make(map[string]bool))
}

// Broadcast independently sends content to every connected channel using
// each channel's default recipient. One channel's failure does not block
// the others.
func (r *Router) Broadcast(ctx context.Context, content string, opts SendOptions) map[string]SendResult {
	results := make(map[string]SendResult)

	for _, adapter := range r.adapters() {
		if adapter.Status() != StatusConnected {
			continue
		}
		results[adapter.ID()] = r.deliver(ctx, adapter, adapter.DefaultRecipient(), content, opts)
	}
	return results
}

// SendBestChannel sends via the first connected channel in priority order.
func (r *Router) SendBestChannel(ctx context.Context, recipientID, content string, opts SendOptions) SendResult {
	best := r.firstConnected(nil)
	if best == nil {
		return SendResult{Success: false, Reason: "no connected channel available"}
	}
	return r.deliver(ctx, best, recipientID, content, opts)
}

// Status reports every registered channel's state.
func (r *Router) Status() map[string]ChannelStatus {
	out := make(map[string]ChannelStatus)
	for _, adapter := range r.adapters() {
		out[adapter.ID()] = ChannelStatus{
			Label:   adapter.Label(),
			Status:  adapter.Status(),
			Enabled: adapter.Enabled(),
		}
	}
	return out
}

// handleInbound is the inbound pipeline: access policy, received event,
// handler, reply via the originating channel, processed or error event.
func (r *Router) handleInbound(adapter ChannelAdapter, msg InboundMessage) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	if msg.ChannelID == "" {
		msg.ChannelID = adapter.ID()
	}

	if !adapter.ShouldRespond(msg) {
		r.log.Debug().
			Str("channel", msg.ChannelID).
			Str("user", msg.UserID).
			Msg("Message denied by channel policy, dropped")
		return
	}

	r.emit(MessageReceived{Message: msg})

	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		r.log.Warn().Str("channel", msg.ChannelID).Msg("No handler set, message ignored")
		return
	}

	reply, err := r.safeHandle(handler, msg)
	if err != nil {
		r.log.Error().Err(err).
			Str("channel", msg.ChannelID).
			Str("message_id", msg.ID).
			Msg("Handler failed")
		r.emit(MessageError{Message: msg, Err: err})
		return
	}

	var result SendResult
	if reply != "" {
		result = r.SendMessage(context.Background(), msg.ChannelID, msg.ChatID, reply, SendOptions{})
		if !result.Success {
			r.log.Warn().
				Str("channel", msg.ChannelID).
				Str("reason", result.Reason).
				Msg("Reply delivery failed")
		}
	}
	r.emit(MessageProcessed{Message: msg, Reply: reply, Result: result})
}

// send delivers to the target channel or recurses into a fallback,
// excluding channels already tried.
func (r *Router) send(ctx context.Context, channelID, recipientID, content string, opts SendOptions, tried map[string]bool) SendResult {
	tried[channelID] = true

	r.mu.Lock()
	adapter := r.channels[channelID]
	r.mu.Unlock()

	if adapter == nil || adapter.Status() != StatusConnected {
		fallback := r.firstConnected(tried)
		if fallback == nil {
			return SendResult{
				Success:   false,
				ChannelID: channelID,
				Reason:    fmt.Sprintf("channel %q unavailable and no connected fallback", channelID),
			}
		}
		r.log.Warn().
			Str("channel", channelID).
			Str("fallback", fallback.ID()).
			Msg("Channel unavailable, rerouting")
		// recipient ids are platform-scoped; reroutes go to the
		// fallback channel's default recipient
		return r.send(ctx, fallback.ID(), fallback.DefaultRecipient(), content, opts, tried)
	}

	return r.deliver(ctx, adapter, recipientID, content, opts)
}

// deliver formats, chunks and sends to a connected channel, stopping at the
// first failed chunk.
func (r *Router) deliver(ctx context.Context, adapter ChannelAdapter, recipientID, content string, opts SendOptions) SendResult {
	formatted := adapter.FormatOutbound(content)
	chunks := adapter.ChunkMessage(formatted)

	sent := 0
	for i, chunk := range chunks {
		if err := r.safeSend(ctx, adapter, recipientID, chunk, opts); err != nil {
			r.log.Error().Err(err).
				Str("channel", adapter.ID()).
				Int("chunk", i+1).
				Int("chunks", len(chunks)).
				Msg("Chunk send failed, aborting remaining chunks")
			return SendResult{
				Success:    false,
				ChannelID:  adapter.ID(),
				ChunksSent: sent,
				Reason:     fmt.Sprintf("chunk %d/%d failed: %v", i+1, len(chunks), err),
			}
		}
		sent++
	}
	return SendResult{Success: true, ChannelID: adapter.ID(), ChunksSent: sent}
}

// firstConnected returns the highest-priority connected channel not in the
// excluded set, or nil.
func (r *Router) firstConnected(excluded map[string]bool) ChannelAdapter {
	for _, adapter := range r.adapters() {
		if excluded[adapter.ID()] {
			continue
		}
		if adapter.Status() == StatusConnected {
			return adapter
		}
	}
	return nil
}

// adapters returns every channel in priority order: configured priority
// first, then remaining channels in registration order.
func (r *Router) adapters() []ChannelAdapter {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChannelAdapter, 0, len(r.channels))
	seen := make(map[string]bool, len(r.channels))
	for _, id := range r.cfg.ChannelPriority {
		if adapter, ok := r.channels[id]; ok && !seen[id] {
			out = append(out, adapter)
			seen[id] = true
		}
	}
	for _, id := range r.order {
		if !seen[id] {
			out = append(out, r.channels[id])
			seen[id] = true
		}
	}
	return out
}

func (r *Router) safeStart(ctx context.Context, adapter ChannelAdapter) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("channel start panicked: %v", rec)
		}
	}()
	return adapter.Start(ctx)
}

func (r *Router) safeStop(adapter ChannelAdapter) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("channel stop panicked: %v", rec)
		}
	}()
	return adapter.Stop()
}

func (r *Router) safeHandle(h Handler, msg InboundMessage) (reply string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(context.Background(), msg)
}

func (r *Router) safeSend(ctx context.Context, adapter ChannelAdapter, recipientID, chunk string, opts SendOptions) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()
	return adapter.SendMessage(ctx, recipientID, chunk, opts)
}

// emit delivers an event to all listeners, isolating each one.
func (r *Router) emit(event Event) {
	r.mu.Lock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		r.notify(fn, event)
	}
}

func (r *Router) notify(fn Listener, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("Router listener panicked")
		}
	}()
	fn(event)
}
