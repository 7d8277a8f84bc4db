package webchat

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/adjutant-app/adjutant/internal/router"
)

func testAdapter(t *testing.T) (*Adapter, *httptest.Server) {
	t.Helper()
	a := New(Config{Enabled: true, ChunkSize: 4000}, zerolog.Nop())
	require.NoError(t, a.Start(context.Background()))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Stop()
	})
	return a, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "?user=tester"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestInboundFrame_ReachesMessageCallback(t *testing.T) {
	a, srv := testAdapter(t)

	received := make(chan router.InboundMessage, 1)
	a.OnMessage(func(msg router.InboundMessage) { received <- msg })

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(inboundFrame{UserID: "alice", Content: "good morning"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	select {
	case msg := <-received:
		assert.Equal(t, "webchat", msg.ChannelID)
		assert.Equal(t, "alice", msg.UserID)
		assert.Equal(t, "good morning", msg.Content)
		assert.NotEmpty(t, msg.ChatID)
		assert.NotEmpty(t, msg.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("inbound frame never reached the callback")
	}
}

func TestSendMessage_DeliversFrameToClient(t *testing.T) {
	a, srv := testAdapter(t)

	received := make(chan router.InboundMessage, 1)
	a.OnMessage(func(msg router.InboundMessage) { received <- msg })

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// learn the client's chat id through a hello frame
	data, err := json.Marshal(inboundFrame{UserID: "alice", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	var chatID string
	select {
	case msg := <-received:
		chatID = msg.ChatID
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound frame")
	}

	require.NoError(t, a.SendMessage(ctx, chatID, "your calendar is clear", router.SendOptions{}))

	_, reply, err := conn.Read(ctx)
	require.NoError(t, err)

	var frame outboundFrame
	require.NoError(t, json.Unmarshal(reply, &frame))
	assert.Equal(t, "your calendar is clear", frame.Content)
	assert.False(t, frame.SentAt.IsZero())
}

func TestSendMessage_UnknownRecipientFails(t *testing.T) {
	a, _ := testAdapter(t)

	err := a.SendMessage(context.Background(), "nobody", "hi", router.SendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no webchat client")
}

func TestSendMessage_FailsWhenStopped(t *testing.T) {
	a := New(Config{Enabled: true}, zerolog.Nop())

	err := a.SendMessage(context.Background(), RecipientAll, "hi", router.SendOptions{})
	require.Error(t, err)
	assert.Equal(t, router.StatusDisconnected, a.Status())
}

func TestShouldRespond_AllowList(t *testing.T) {
	open := New(Config{Enabled: true}, zerolog.Nop())
	assert.True(t, open.ShouldRespond(router.InboundMessage{UserID: "anyone"}))

	restricted := New(Config{Enabled: true, AllowedUsers: []string{"alice"}}, zerolog.Nop())
	assert.True(t, restricted.ShouldRespond(router.InboundMessage{UserID: "alice"}))
	assert.False(t, restricted.ShouldRespond(router.InboundMessage{UserID: "mallory"}))
}

func TestChunkMessage_ShortContentIsSingleChunk(t *testing.T) {
	a := New(Config{Enabled: true, ChunkSize: 100}, zerolog.Nop())

	chunks := a.ChunkMessage("short note")
	require.Len(t, chunks, 1)
	assert.Equal(t, "short note", chunks[0])
}

func TestChunkMessage_SplitsAtWordBoundaries(t *testing.T) {
	a := New(Config{Enabled: true, ChunkSize: 20}, zerolog.Nop())

	chunks := a.ChunkMessage("the quick brown fox jumps over the lazy dog")
	require.Greater(t, len(chunks), 1)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 20)
	}
	assert.Equal(t, "the quick brown fox jumps over the lazy dog", strings.Join(chunks, ""))
}

func TestChunkMessage_HardCutsUnbreakableContent(t *testing.T) {
	a := New(Config{Enabled: true, ChunkSize: 10}, zerolog.Nop())

	chunks := a.ChunkMessage(strings.Repeat("x", 25))
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("x", 10), chunks[0])
	assert.Equal(t, strings.Repeat("x", 10), chunks[1])
	assert.Equal(t, strings.Repeat("x", 5), chunks[2])
}

func TestFormatOutbound_TrimsTrailingWhitespace(t *testing.T) {
	a := New(Config{Enabled: true}, zerolog.Nop())
	assert.Equal(t, "done", a.FormatOutbound("done \n\t\n"))
}
