package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"colonysync/internal/protocol"
)

type staticSessions struct {
	players []string
	got     []string
}

func (s *staticSessions) Send(player string, _ *protocol.Message) bool {
	s.got = append(s.got, player)
	return true
}

func (s *staticSessions) Connected() []string { return s.players }

func TestFanout(t *testing.T) {
	humans := &staticSessions{players: []string{"player:b", "player:a"}}
	bots := &staticSessions{players: []string{"player:d", "player:a"}}
	f := Fanout(humans, bots)

	require.Equal(t, []string{"player:a", "player:b", "player:d"}, f.Connected())
	m := protocol.NewMessage("ping")
	require.True(t, f.Send("player:a", m))
	require.True(t, f.Send("player:d", m))
	require.False(t, f.Send("player:z", m))
	require.Equal(t, []string{"player:a"}, humans.got)
	require.Equal(t, []string{"player:d"}, bots.got)
}
