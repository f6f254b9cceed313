package host

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsole_RunDeliversLines(t *testing.T) {
	var out bytes.Buffer
	console := NewConsole("local", strings.NewReader("hello\n  \nsecond\n/quit\nnever\n"), &out)

	var got []string
	err := console.Run(context.Background(), func(ctx context.Context, sess *Session) {
		assert.Equal(t, "local", sess.UserID)
		assert.Equal(t, "console", sess.Platform)
		assert.Nil(t, sess.Directory(), "console has no directory")
		got = append(got, sess.Text)
		require.NoError(t, sess.Reply(ctx, "echo "+sess.Text))
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"hello", "  ", "second"}, got)
	assert.Contains(t, out.String(), "Bot: echo hello")
	assert.NotContains(t, out.String(), "never")
}

func TestConsole_RunStopsAtEOF(t *testing.T) {
	console := NewConsole("local", strings.NewReader("only\n"), io.Discard)

	calls := 0
	err := console.Run(context.Background(), func(ctx context.Context, sess *Session) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

type stubLookup struct{}

func (stubLookup) LookupName(ctx context.Context, userID string) (string, error) {
	return "Name(" + userID + ")", nil
}

func TestWebSocket_RoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := NewWebSocket("127.0.0.1:0", logger)
	require.NoError(t, err)
	ws.WithDirectory("lark", stubLookup{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	var mu sync.Mutex
	seen := map[string]*Session{}
	go func() {
		done <- ws.Run(ctx, func(ctx context.Context, sess *Session) {
			mu.Lock()
			seen[sess.UserID] = sess
			mu.Unlock()
			sess.Reply(ctx, "re: "+sess.Text)
		})
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ws.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(InboundFrame{UserID: "u1", Platform: "lark", Text: "hi"}))
	require.NoError(t, conn.WriteJSON(InboundFrame{UserID: "u2", UserName: "Bob", Platform: "slack", Text: "yo"}))

	replies := map[string]string{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(replies) < 2 {
		var frame OutboundFrame
		require.NoError(t, conn.ReadJSON(&frame))
		replies[frame.UserID] = frame.Text
	}
	assert.Equal(t, map[string]string{"u1": "re: hi", "u2": "re: yo"}, replies)

	mu.Lock()
	u1, u2 := seen["u1"], seen["u2"]
	mu.Unlock()

	assert.Equal(t, "u1", u1.UserName, "missing name falls back to id")
	require.NotNil(t, u1.Directory())
	name, err := u1.Directory().LookupName(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Name(u1)", name)

	assert.Equal(t, "Bob", u2.UserName)
	assert.Nil(t, u2.Directory(), "no directory configured for slack")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("websocket host did not stop")
	}
}

func TestSession_ReplyWithoutBot(t *testing.T) {
	sess := &Session{UserID: "u1", Text: "hi"}

	assert.ErrorIs(t, sess.Reply(context.Background(), "x"), ErrNoBot)
	assert.Nil(t, sess.Directory())
}

func TestWebSocket_ShutdownLetsHandlersFinish(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := NewWebSocket("127.0.0.1:0", logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entered := make(chan struct{})
	release := make(chan struct{})
	handlerErr := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		done <- ws.Run(ctx, func(ctx context.Context, sess *Session) {
			close(entered)
			<-release
			handlerErr <- ctx.Err()
		})
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ws.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(InboundFrame{UserID: "u1", Text: "slow"}))
	<-entered

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight handler finished")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	assert.NoError(t, <-handlerErr, "handler context survives shutdown")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("websocket host did not stop")
	}
}
