package dispatch

import (
	"slices"

	"colonysync/internal/protocol"
)

type fanout []Sessions

// Fanout joins session sets; a player is delivered to by the first set
// that lists it as connected.
func Fanout(sets ...Sessions) Sessions { return fanout(sets) }

func (f fanout) Send(player string, m *protocol.Message) bool {
	for _, s := range f {
		if slices.Contains(s.Connected(), player) {
			return s.Send(player, m)
		}
	}
	return false
}

func (f fanout) Connected() []string {
	var out []string
	for _, s := range f {
		out = append(out, s.Connected()...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
