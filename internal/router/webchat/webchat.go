// Package webchat is the built-in browser channel: a local WebSocket
// endpoint speaking a small JSON frame protocol. Unlike external platform
// channels this transport is owned end to end, so "connected" means the
// endpoint is accepting, not that a peer is dialed.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/adjutant-app/adjutant/internal/router"
)

const (
	channelID = "webchat"
	writeWait = 10 * time.Second

	// RecipientAll fans an outbound frame out to every connected client.
	RecipientAll = "*"
)

// inboundFrame is the wire shape clients send.
type inboundFrame struct {
	ID      string `json:"id,omitempty"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// outboundFrame is the wire shape clients receive.
type outboundFrame struct {
	Content string    `json:"content"`
	Silent  bool      `json:"silent,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Config holds webchat channel configuration.
type Config struct {
	Enabled   bool
	ChunkSize int
	// AllowedUsers restricts who the assistant responds to. Empty means
	// everyone.
	AllowedUsers []string
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Adapter implements router.ChannelAdapter over a local WebSocket endpoint.
// Mount Handler() on the HTTP server to accept client connections.
type Adapter struct {
	cfg Config

	mu        sync.Mutex
	status    router.Status
	clients   map[string]*client
	onMessage func(router.InboundMessage)
	allowed   map[string]bool

	log zerolog.Logger
}

// New creates the webchat adapter.
func New(cfg Config, log zerolog.Logger) *Adapter {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4000
	}
	allowed := make(map[string]bool, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		allowed[u] = true
	}
	return &Adapter{
		cfg:     cfg,
		status:  router.StatusDisconnected,
		clients: make(map[string]*client),
		allowed: allowed,
		log:     log.With().Str("component", "webchat").Logger(),
	}
}

func (a *Adapter) ID() string    { return channelID }
func (a *Adapter) Label() string { return "Web chat" }

func (a *Adapter) Enabled() bool { return a.cfg.Enabled }

func (a *Adapter) Status() router.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Start marks the endpoint as accepting. There is nothing to dial; clients
// connect to us.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = router.StatusConnected
	a.log.Info().Msg("Webchat channel accepting connections")
	return nil
}

// Stop closes every client connection and stops accepting.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	a.status = router.StatusDisconnected
	clients := make([]*client, 0, len(a.clients))
	for _, c := range a.clients {
		clients = append(clients, c)
	}
	a.clients = make(map[string]*client)
	a.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		_ = c.conn.Close(websocket.StatusGoingAway, "channel stopping")
	}
	a.log.Info().Int("clients", len(clients)).Msg("Webchat channel stopped")
	return nil
}

func (a *Adapter) OnMessage(fn func(router.InboundMessage)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = fn
}

// ShouldRespond allows everyone unless an allow-list is configured.
func (a *Adapter) ShouldRespond(msg router.InboundMessage) bool {
	if len(a.allowed) == 0 {
		return true
	}
	return a.allowed[msg.UserID]
}

// FormatOutbound passes content through; webchat renders plain text.
func (a *Adapter) FormatOutbound(content string) string {
	return strings.TrimRight(content, " \t\n")
}

// ChunkMessage splits oversized content at the configured size, preferring
// newline then space boundaries in the back half of the window.
func (a *Adapter) ChunkMessage(content string) []string {
	runes := []rune(content)
	if len(runes) <= a.cfg.ChunkSize {
		return []string{content}
	}

	var chunks []string
	for len(runes) > a.cfg.ChunkSize {
		cut := a.cfg.ChunkSize
		window := runes[:cut]
		if i := lastIndexAfter(window, '\n', cut/2); i > 0 {
			cut = i + 1
		} else if i := lastIndexAfter(window, ' ', cut/2); i > 0 {
			cut = i + 1
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastIndexAfter(runes []rune, r rune, min int) int {
	for i := len(runes) - 1; i >= min; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// SendMessage writes one outbound frame to a client, or to every client for
// the broadcast recipient.
func (a *Adapter) SendMessage(ctx context.Context, recipientID, content string, opts router.SendOptions) error {
	frame := outboundFrame{Content: content, Silent: opts.Silent, SentAt: time.Now()}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound frame: %w", err)
	}

	a.mu.Lock()
	if a.status != router.StatusConnected {
		a.mu.Unlock()
		return fmt.Errorf("webchat channel is not accepting")
	}
	var targets []*client
	if recipientID == RecipientAll || recipientID == "" {
		for _, c := range a.clients {
			targets = append(targets, c)
		}
	} else if c, ok := a.clients[recipientID]; ok {
		targets = append(targets, c)
	}
	a.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("no webchat client for recipient %q", recipientID)
	}

	for _, c := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, writeWait)
		err := c.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			a.dropClient(c.id)
			return fmt.Errorf("write to client %s failed: %w", c.id, err)
		}
	}
	return nil
}

func (a *Adapter) DefaultRecipient() string { return RecipientAll }

// Handler returns the HTTP handler that upgrades client connections. Mount
// it on the server at the webchat path.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Status() != router.StatusConnected {
			http.Error(w, "webchat channel is not accepting", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// local, same-origin endpoint
			InsecureSkipVerify: true,
		})
		if err != nil {
			a.log.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		c := &client{
			id:     uuid.New().String(),
			userID: r.URL.Query().Get("user"),
			conn:   conn,
			ctx:    ctx,
			cancel: cancel,
		}

		a.mu.Lock()
		a.clients[c.id] = c
		count := len(a.clients)
		a.mu.Unlock()

		a.log.Info().Str("client", c.id).Int("clients", count).Msg("Webchat client connected")
		go a.readLoop(c)
	})
}

// readLoop reads frames from one client until it disconnects.
func (a *Adapter) readLoop(c *client) {
	defer func() {
		a.dropClient(c.id)
		a.log.Info().Str("client", c.id).Msg("Webchat client disconnected")
	}()

	for {
		msgType, data, err := c.conn.Read(c.ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				a.log.Debug().Str("client", c.id).Msg("Webchat connection closed normally")
			} else if c.ctx.Err() == nil {
				a.log.Warn().Err(err).Str("client", c.id).Msg("Webchat read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.log.Warn().Err(err).Str("client", c.id).Msg("Malformed webchat frame, ignored")
			continue
		}
		a.dispatch(c, frame)
	}
}

// dispatch normalizes one frame and hands it to the router callback.
func (a *Adapter) dispatch(c *client, frame inboundFrame) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Msg("Inbound message callback panicked")
		}
	}()

	a.mu.Lock()
	fn := a.onMessage
	a.mu.Unlock()
	if fn == nil {
		return
	}

	userID := frame.UserID
	if userID == "" {
		userID = c.userID
	}
	id := frame.ID
	if id == "" {
		id = uuid.New().String()
	}

	fn(router.InboundMessage{
		ChannelID:  channelID,
		UserID:     userID,
		ChatID:     c.id,
		ID:         id,
		Content:    frame.Content,
		ReceivedAt: time.Now(),
	})
}

func (a *Adapter) dropClient(id string) {
	a.mu.Lock()
	c, ok := a.clients[id]
	if ok {
		delete(a.clients, id)
	}
	a.mu.Unlock()
	if ok {
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
