package bridge

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/transport/ws"
)

// echoGame answers every request with an empty changes message carrying
// the request tag, and counts disconnects.
type echoGame struct {
	srv         *ws.Server
	disconnects atomic.Int32
}

func (g *echoGame) Handle(_ context.Context, player string, raw []byte, codec protocol.Codec) error {
	m, err := codec.Decode(raw)
	if err != nil {
		return nil
	}
	if m.Tag == protocol.TagDisconnect {
		g.disconnects.Add(1)
		return dispatch.ErrDisconnect
	}
	g.srv.Send(player, protocol.NewMessage(protocol.TagChanges, protocol.AttrReplyTo, m.Tag))
	return nil
}

func startGame(t *testing.T) (*echoGame, string) {
	t.Helper()
	g := &echoGame{}
	g.srv = ws.NewServer(ws.Config{
		Version: "1",
		Tokens:  map[string]string{"secret-d": "player:dutch"},
	}, g, nil)
	ts := httptest.NewServer(g.srv.Handler())
	t.Cleanup(ts.Close)
	return g, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newManager(t *testing.T, url string, stateFile string) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		ServerWSURL: url,
		Version:     "1",
		Credentials: map[string]Credential{
			"agent-1": {Player: "player:dutch", Token: "secret-d"},
			"agent-x": {Player: "player:dutch", Token: "wrong"},
		},
		StateFile: stateFile,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_SendAndPoll(t *testing.T) {
	g, url := startGame(t)
	state := filepath.Join(t.TempDir(), "mcp", "sessions.json")
	m := newManager(t, url, state)
	ctx := context.Background()

	res, err := m.Send(ctx, "agent-1", protocol.NewMessage(protocol.TagBuildColony, protocol.AttrName, "Jamestown"))
	require.NoError(t, err)
	require.True(t, res.Sent)
	require.Equal(t, "player:dutch", res.Player)

	poll, err := m.Poll(ctx, "agent-1", PollOpts{Wait: true, TimeoutMS: 2000})
	require.NoError(t, err)
	require.Len(t, poll.Messages, 1)
	require.Equal(t, protocol.TagChanges, poll.Messages[0].Tag)
	require.Equal(t, protocol.TagBuildColony, poll.Messages[0].Attr(protocol.AttrReplyTo))
	require.Equal(t, uint64(1), poll.Cursor)

	empty, err := m.Poll(ctx, "agent-1", PollOpts{Since: poll.Cursor})
	require.NoError(t, err)
	require.Empty(t, empty.Messages)
	require.Equal(t, poll.Cursor, empty.Cursor)

	st, err := m.GetStatus(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, st.Connected)
	require.NotEmpty(t, st.Session)
	require.Equal(t, []string{"player:dutch"}, g.srv.Connected())

	b, err := os.ReadFile(state)
	require.NoError(t, err)
	require.Contains(t, string(b), st.Session)

	_, err = m.Send(ctx, "agent-1", protocol.NewMessage(protocol.TagHello))
	require.Error(t, err)
}

func TestManager_DisconnectPausesUntilNextUse(t *testing.T) {
	g, url := startGame(t)
	m := newManager(t, url, "")
	ctx := context.Background()

	_, err := m.Send(ctx, "agent-1", protocol.NewMessage(protocol.TagAbandonColony))
	require.NoError(t, err)
	require.NoError(t, m.Disconnect(ctx, "agent-1"))
	require.Eventually(t, func() bool { return g.disconnects.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(g.srv.Connected()) == 0 }, 2*time.Second, 10*time.Millisecond)

	st, err := m.GetStatus(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, st.Paused)
	require.False(t, st.Connected)

	_, err = m.Send(ctx, "agent-1", protocol.NewMessage(protocol.TagAbandonColony))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(g.srv.Connected()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestManager_RefusedTokenSurfacesError(t *testing.T) {
	_, url := startGame(t)
	m := newManager(t, url, "")
	ctx := context.Background()

	_, err := m.Send(ctx, "agent-x", protocol.NewMessage(protocol.TagAbandonColony))
	require.ErrorIs(t, err, ErrNotConnected)

	st, err := m.GetStatus(ctx, "agent-x")
	require.NoError(t, err)
	require.Contains(t, st.LastError, protocol.CodeUnauthorized)

	poll, err := m.Poll(ctx, "agent-x", PollOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, poll.Messages)
	require.Equal(t, protocol.TagError, poll.Messages[0].Tag)
}

func TestManager_UnknownAgent(t *testing.T) {
	_, url := startGame(t)
	m := newManager(t, url, "")
	_, err := m.GetStatus(context.Background(), "stranger")
	require.ErrorIs(t, err, ErrUnknownAgent)

	_, err = m.PlayerOf("stranger")
	require.ErrorIs(t, err, ErrUnknownAgent)
	player, err := m.PlayerOf("agent-x")
	require.NoError(t, err)
	require.Equal(t, "player:dutch", player)
}

func TestSession_PauseAndResume(t *testing.T) {
	s := NewSession(SessionConfig{Key: "t", ServerWSURL: "ws://example.invalid"}, nil, nil)
	s.DisconnectAndPause()
	require.True(t, s.Status().Paused)
	require.False(t, s.Status().Connected)

	s.ResumeReconnect()
	require.False(t, s.Status().Paused)
	select {
	case <-s.resumeNotify:
	default:
		t.Fatal("expected resumeNotify to be signaled on paused -> running")
	}

	s.ResumeReconnect()
	select {
	case <-s.resumeNotify:
		t.Fatal("resume of a running session must not signal")
	default:
	}
	s.Close()
}

func TestSession_BacklogEvictionReportsGap(t *testing.T) {
	s := NewSession(SessionConfig{Key: "t", ServerWSURL: "ws://example.invalid", Backlog: 2}, nil, nil)
	for i := 0; i < 5; i++ {
		s.push(protocol.NewMessage(protocol.TagChanges))
	}
	res, err := s.Poll(context.Background(), PollOpts{})
	require.NoError(t, err)
	require.True(t, res.Gap)
	require.Len(t, res.Messages, 2)
	require.Equal(t, uint64(5), res.Cursor)

	res, err = s.Poll(context.Background(), PollOpts{Since: 3, Max: 1})
	require.NoError(t, err)
	require.False(t, res.Gap)
	require.Len(t, res.Messages, 1)
	require.Equal(t, uint64(4), res.Cursor)
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent-1:\n  player: player:dutch\n  token: secret-d\n"), 0o644))
	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	require.Equal(t, Credential{Player: "player:dutch", Token: "secret-d"}, creds["agent-1"])

	require.NoError(t, os.WriteFile(path, []byte("agent-1:\n  player: player:dutch\n"), 0o644))
	_, err = LoadCredentials(path)
	require.Error(t, err)
}
