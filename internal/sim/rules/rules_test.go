package rules_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/sim/rules"
	"colonysync/internal/sim/world"
	"colonysync/internal/sim/worldtest"
)

type sessions struct {
	mu  sync.Mutex
	got map[string][]*protocol.Message
}

func (s *sessions) Send(player string, m *protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got[player] = append(s.got[player], m)
	return true
}

func (s *sessions) Connected() []string {
	return []string{worldtest.PlayerA, worldtest.PlayerB, worldtest.PlayerC, worldtest.PlayerNative}
}

func (s *sessions) of(player string) []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Message(nil), s.got[player]...)
}

type harness struct {
	t        *testing.T
	w        *world.World
	d        *dispatch.Dispatcher
	sessions *sessions
}

func newHarness(t *testing.T, listeners ...world.Listener) *harness {
	t.Helper()
	w := worldtest.New(t, listeners...)
	s := &sessions{got: map[string][]*protocol.Message{}}
	d := dispatch.New(w, rules.NewRegistry(), s, dispatch.Config{VerifyRollback: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, w: w, d: d, sessions: s}
}

func must(m *protocol.Message, err error) *protocol.Message {
	if err != nil {
		panic(err)
	}
	return m
}

func (h *harness) submit(player string, m *protocol.Message) dispatch.Result {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.d.Submit(ctx, player, m)
	require.NoError(h.t, err)
	return res
}

func (h *harness) announce(a dispatch.Announcement) dispatch.Result {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.d.Announce(ctx, a)
	require.NoError(h.t, err)
	return res
}

func (h *harness) reset() {
	h.sessions.mu.Lock()
	h.sessions.got = map[string][]*protocol.Message{}
	h.sessions.mu.Unlock()
}

func TestScenario_BuildColony(t *testing.T) {
	h := newHarness(t)
	res := h.submit(worldtest.PlayerA, must(protocol.BuildColony{Name: "Jamestown", Unit: worldtest.ColonistA}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)

	recs := res.Changes.Records
	require.Len(t, recs, 2)
	require.Equal(t, protocol.TagRemove, recs[0].Kind.Tag())
	require.Equal(t, worldtest.ColonistA, recs[0].Ref)
	require.Equal(t, protocol.TagAdd, recs[1].Kind.Tag())

	own := h.sessions.of(worldtest.PlayerA)
	require.Len(t, own, 1)
	require.Len(t, own[0].Children, 2)
	colony := own[0].Children[1].Children[0]
	require.Equal(t, "Jamestown", colony.Attr(protocol.AttrName))
	require.NotNil(t, colony.Child("production"), "owner sees production")

	seen := h.sessions.of(worldtest.PlayerB)
	require.Len(t, seen, 1)
	require.Len(t, seen[0].Children, 1, "observer sees only the colony")
	require.Equal(t, protocol.TagAdd, seen[0].Children[0].Tag)
	public := seen[0].Children[0].Children[0]
	require.Equal(t, "Jamestown", public.Attr(protocol.AttrName))
	require.Nil(t, public.Child("production"))
	require.Nil(t, public.Child("unitRef"))

	require.Empty(t, h.sessions.of(worldtest.PlayerC))

	h.w.View(func(r world.Reader) {
		require.True(t, r.NameInUse("Jamestown"))
		u, _ := r.Unit(worldtest.ColonistA)
		require.False(t, u.OnMap())
	})
}

func TestScenario_BuildColonyDuplicateName(t *testing.T) {
	h := newHarness(t)
	before := h.w.Digest()
	res := h.submit(worldtest.PlayerA, must(protocol.BuildColony{Name: "Onondaga", Unit: worldtest.ColonistA}.Message()))
	require.Equal(t, dispatch.Rejected, res.State)
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState)
	require.Equal(t, "duplicate name", protocol.ReasonOf(res.Err))
	require.Equal(t, before, h.w.Digest())

	own := h.sessions.of(worldtest.PlayerA)
	require.Len(t, own, 1)
	require.Equal(t, protocol.TagError, own[0].Tag)
	for _, p := range []string{worldtest.PlayerB, worldtest.PlayerC, worldtest.PlayerNative} {
		require.Empty(t, h.sessions.of(p), p)
	}
}

func TestScenario_AbandonColony(t *testing.T) {
	rec := &removals{}
	h := newHarness(t, rec)

	res := h.submit(worldtest.PlayerA, must(protocol.AbandonColony{Colony: worldtest.BostonA}.Message()))
	require.Equal(t, dispatch.Rejected, res.State)
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState)
	require.Empty(t, rec.refs)

	res = h.submit(worldtest.PlayerA, must(protocol.AbandonColony{Colony: worldtest.PlymouthA}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	require.Equal(t, []string{worldtest.PlymouthA}, rec.refs)
	h.w.View(func(r world.Reader) {
		_, ok := r.Colony(worldtest.PlymouthA)
		require.False(t, ok)
	})

	res = h.submit(worldtest.PlayerB, must(protocol.AbandonColony{Colony: worldtest.BostonA}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrUnauthorized)
}

func TestPutOutsideColony_EmptiesColonyForAbandon(t *testing.T) {
	rec := &removals{}
	h := newHarness(t, rec)

	res := h.submit(worldtest.PlayerA, must(protocol.PutOutsideColony{Unit: worldtest.ColonistA}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState, "unit on the map is not in a colony")
	res = h.submit(worldtest.PlayerA, must(protocol.PutOutsideColony{Unit: worldtest.CargoA}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState, "unit aboard ship is not in a colony")
	res = h.submit(worldtest.PlayerB, must(protocol.PutOutsideColony{Unit: worldtest.WorkerA}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrUnauthorized)

	res = h.submit(worldtest.PlayerA, must(protocol.PutOutsideColony{Unit: worldtest.WorkerA}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	require.Len(t, res.Changes.Records, 2, "colony update then unit update")
	h.w.View(func(r world.Reader) {
		c, _ := r.Colony(worldtest.BostonA)
		require.Empty(t, c.Units)
		u, _ := r.Unit(worldtest.WorkerA)
		require.True(t, u.OnMap())
		require.Equal(t, c.Tile, u.Tile)
	})

	res = h.submit(worldtest.PlayerA, must(protocol.AbandonColony{Colony: worldtest.BostonA}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	require.Equal(t, []string{worldtest.BostonA}, rec.refs)
	h.w.View(func(r world.Reader) {
		u, ok := r.Unit(worldtest.WorkerA)
		require.True(t, ok, "the unit outlives its colony")
		require.True(t, u.OnMap())
	})
}

type removals struct{ refs []string }

func (r *removals) OnCreate(world.Reader, world.Object)                       {}
func (r *removals) OnOwnerChanged(world.Reader, world.Object, string, string) {}
func (r *removals) OnRemove(_ world.Reader, ref string)                       { r.refs = append(r.refs, ref) }

func TestBuildColony_Legality(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name   string
		player string
		msg    protocol.BuildColony
		code   string
	}{
		{"naval unit", worldtest.PlayerA, protocol.BuildColony{Name: "X", Unit: worldtest.CaravelA}, protocol.CodeIllegalState},
		{"aboard ship", worldtest.PlayerA, protocol.BuildColony{Name: "X", Unit: worldtest.CargoA}, protocol.CodeIllegalState},
		{"next to settlement", worldtest.PlayerA, protocol.BuildColony{Name: "X", Unit: worldtest.MissionaryA}, protocol.CodeIllegalState},
		{"native player", worldtest.PlayerNative, protocol.BuildColony{Name: "X", Unit: worldtest.Brave}, protocol.CodeIllegalState},
		{"case-insensitive duplicate", worldtest.PlayerA, protocol.BuildColony{Name: "boston", Unit: worldtest.ColonistA}, protocol.CodeIllegalState},
		{"foreign unit", worldtest.PlayerA, protocol.BuildColony{Name: "X", Unit: worldtest.ScoutB}, protocol.CodeUnauthorized},
	}
	for _, c := range cases {
		res := h.submit(c.player, must(c.msg.Message()))
		require.Equal(t, dispatch.Rejected, res.State, c.name)
		require.Equal(t, c.code, protocol.CodeOf(res.Err), c.name)
	}
}

func TestBuildColony_NameCheckedBeforeTile(t *testing.T) {
	h := newHarness(t)
	res := h.submit(worldtest.PlayerA, must(protocol.BuildColony{Name: "Boston", Unit: worldtest.MissionaryA}.Message()))
	require.Equal(t, dispatch.Rejected, res.State)
	require.Equal(t, "duplicate name", protocol.ReasonOf(res.Err))

	res = h.submit(worldtest.PlayerA, must(protocol.BuildColony{Unit: worldtest.MissionaryA}.Message()))
	require.Equal(t, dispatch.Rejected, res.State)
	require.Equal(t, "tile cannot be claimed", protocol.ReasonOf(res.Err))
}

func TestBuildColony_EmptyNameIsAssigned(t *testing.T) {
	h := newHarness(t)
	res := h.submit(worldtest.PlayerA, must(protocol.BuildColony{Name: "  ", Unit: worldtest.ColonistA}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	h.w.View(func(r world.Reader) {
		c, ok := r.ColonyAt(worldtest.ColonistAAt)
		require.True(t, ok)
		require.Equal(t, "Dutch Colony 1", c.Name)
		require.True(t, r.NameInUse("dutch colony 1"))
	})
}

func TestSetDestination(t *testing.T) {
	h := newHarness(t)
	res := h.submit(worldtest.PlayerA, must(protocol.SetDestination{Unit: worldtest.ColonistA, Destination: worldtest.Onondaga}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	h.w.View(func(r world.Reader) {
		u, _ := r.Unit(worldtest.ColonistA)
		require.Equal(t, worldtest.Onondaga, u.Destination)
	})

	res = h.submit(worldtest.PlayerA, must(protocol.SetDestination{Unit: worldtest.ColonistA}.Message()))
	require.Equal(t, dispatch.Propagated, res.State)
	h.w.View(func(r world.Reader) {
		u, _ := r.Unit(worldtest.ColonistA)
		require.Empty(t, u.Destination)
	})

	res = h.submit(worldtest.PlayerA, must(protocol.SetDestination{Unit: worldtest.ColonistA, Destination: worldtest.ScoutB}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState)
	res = h.submit(worldtest.PlayerA, must(protocol.SetDestination{Unit: worldtest.ColonistA, Destination: "tile:99:99"}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState)
}

func TestDeleteTradeRoute(t *testing.T) {
	h := newHarness(t)
	res := h.submit(worldtest.PlayerB, must(protocol.DeleteTradeRoute{TradeRoute: worldtest.RouteA}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrUnauthorized)

	res = h.submit(worldtest.PlayerA, must(protocol.DeleteTradeRoute{TradeRoute: worldtest.RouteA}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	require.Len(t, res.Changes.Records, 2, "caravel update then route removal")
	h.w.View(func(r world.Reader) {
		_, ok := r.TradeRoute(worldtest.RouteA)
		require.False(t, ok)
		u, _ := r.Unit(worldtest.CaravelA)
		require.Empty(t, u.TradeRoute)
	})
}

func TestMissionary(t *testing.T) {
	h := newHarness(t)

	res := h.submit(worldtest.PlayerA, must(protocol.Missionary{Unit: worldtest.ColonistA, Direction: "E"}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState, "no settlement there")
	res = h.submit(worldtest.PlayerA, must(protocol.Missionary{Unit: worldtest.SoldierA, Direction: "N"}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState, "soldier cannot preach")
	res = h.submit(worldtest.PlayerA, must(protocol.Missionary{Unit: worldtest.MissionaryA, Direction: "E", Denounce: true}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState, "empty mission")

	res = h.submit(worldtest.PlayerA, must(protocol.Missionary{Unit: worldtest.MissionaryA, Direction: "E"}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	h.w.View(func(r world.Reader) {
		s, _ := r.Settlement(worldtest.Onondaga)
		require.Equal(t, worldtest.MissionaryA, s.Missionary)
		u, _ := r.Unit(worldtest.MissionaryA)
		require.Equal(t, worldtest.Onondaga, u.Location)
		require.True(t, r.IsVisibleTo(worldtest.Onondaga, worldtest.PlayerA))
	})

	// A second player's missionary denounces the first.
	require.NoError(t, h.w.Update(func(tx *world.Tx) error {
		return tx.Create(&world.Unit{ID: "unit:b2", Owner: worldtest.PlayerB, Type: "jesuit_missionary", Tile: world.Coord{X: 9, Y: 2}, MovesLeft: 3})
	}))
	res = h.submit(worldtest.PlayerB, must(protocol.Missionary{Unit: "unit:b2", Direction: "SW", Denounce: true}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	h.w.View(func(r world.Reader) {
		s, _ := r.Settlement(worldtest.Onondaga)
		require.Equal(t, "unit:b2", s.Missionary)
		_, ok := r.Unit(worldtest.MissionaryA)
		require.False(t, ok, "denounced missionary is gone")
	})
}

func TestDemandTribute(t *testing.T) {
	h := newHarness(t)
	res := h.submit(worldtest.PlayerA, must(protocol.DemandTribute{Unit: worldtest.ColonistA, Direction: "E"}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState, "unarmed colonist")

	res = h.submit(worldtest.PlayerA, must(protocol.DemandTribute{Unit: worldtest.SoldierA, Direction: "N"}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	h.w.View(func(r world.Reader) {
		p, _ := r.Player(worldtest.PlayerA)
		require.Equal(t, 500+rules.MaxTribute, p.Gold)
		s, _ := r.Settlement(worldtest.Onondaga)
		require.Equal(t, 300-rules.MaxTribute, s.Gold)
		require.Equal(t, rules.TributeAlarm, s.Alarm[worldtest.PlayerA])
	})

	// The native owner sees the settlement update but not A's treasury.
	for _, m := range h.sessions.of(worldtest.PlayerNative) {
		for _, rec := range m.Children {
			if len(rec.Children) == 0 {
				continue
			}
			if p := rec.Children[0]; p.Tag == "player" {
				require.False(t, p.Has("gold"), "treasury leaked: %v", p)
			}
		}
	}

	require.NoError(t, h.w.Update(func(tx *world.Tx) error {
		u, err := tx.EditUnit(worldtest.SoldierA)
		if err != nil {
			return err
		}
		u.MovesLeft = 3
		return nil
	}))
	res = h.submit(worldtest.PlayerA, must(protocol.DemandTribute{Unit: worldtest.SoldierA, Direction: "N"}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState, "once per turn")

	h.announce(rules.NextTurn())
	res = h.submit(worldtest.PlayerA, must(protocol.DemandTribute{Unit: worldtest.SoldierA, Direction: "N"}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
}

func TestNextTurn_RestoredMovesReachOwner(t *testing.T) {
	h := newHarness(t)
	res := h.submit(worldtest.PlayerA, must(protocol.DemandTribute{Unit: worldtest.SoldierA, Direction: "N"}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	h.reset()

	res = h.announce(rules.NextTurn())
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)

	findUnit := func(player, id string) *protocol.Message {
		for _, m := range h.sessions.of(player) {
			for _, rec := range m.Children {
				if rec.Tag != protocol.TagUpdate || len(rec.Children) == 0 {
					continue
				}
				if p := rec.Children[0]; p.Attr(protocol.AttrID) == id {
					return p
				}
			}
		}
		return nil
	}
	soldier := findUnit(worldtest.PlayerA, worldtest.SoldierA)
	require.NotNil(t, soldier, "owner is told about restored moves")
	require.Equal(t, 3, soldier.Int("movesLeft", -1))
	require.Nil(t, findUnit(worldtest.PlayerC, worldtest.SoldierA))

	for _, m := range h.sessions.of(worldtest.PlayerC) {
		for _, rec := range m.Children {
			require.Equal(t, protocol.TagOther, rec.Tag, "only the turn marker is public")
		}
	}
}

func TestMonarchAction(t *testing.T) {
	h := newHarness(t)
	answer := protocol.MonarchAction{Action: rules.MonarchRaiseTax, Tax: -1, Answered: true, Accepted: true}

	res := h.submit(worldtest.PlayerA, must(answer.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState, "nothing pending")

	res = h.announce(rules.ProposeTaxRaise(worldtest.PlayerA, 12))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	var proposal *protocol.Message
	for _, m := range h.sessions.of(worldtest.PlayerA) {
		if m.Tag == protocol.TagMonarchAction {
			proposal = m
		}
	}
	require.NotNil(t, proposal)
	require.Equal(t, 12, proposal.Int(protocol.AttrTax, 0))
	require.NotNil(t, proposal.Child("template"))
	for _, m := range h.sessions.of(worldtest.PlayerB) {
		require.NotEqual(t, protocol.TagMonarchAction, m.Tag)
	}

	res = h.submit(worldtest.PlayerA, must(answer.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	h.w.View(func(r world.Reader) {
		p, _ := r.Player(worldtest.PlayerA)
		require.Equal(t, 12, p.Tax)
		require.Nil(t, p.Pending)
	})

	res = h.announce(rules.ProposeTaxRaise(worldtest.PlayerNative, 5))
	require.Equal(t, dispatch.Rejected, res.State)
}

func TestCedeColony(t *testing.T) {
	owners := &ownerChanges{}
	h := newHarness(t, owners)

	res := h.submit(worldtest.PlayerA, must(protocol.CedeColony{Colony: worldtest.BostonA, To: worldtest.PlayerNative}.Message()))
	require.ErrorIs(t, res.Err, protocol.ErrIllegalState)

	res = h.submit(worldtest.PlayerA, must(protocol.CedeColony{Colony: worldtest.BostonA, To: worldtest.PlayerAI}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	require.Equal(t, []string{worldtest.BostonA, worldtest.WorkerA}, owners.refs)
	h.w.View(func(r world.Reader) {
		c, _ := r.Colony(worldtest.BostonA)
		require.Equal(t, worldtest.PlayerAI, c.Owner)
		u, _ := r.Unit(worldtest.WorkerA)
		require.Equal(t, worldtest.PlayerAI, u.Owner)
	})
	// The old owner is told both objects left; the worker inside the colony
	// is no longer visible to it.
	own := h.sessions.of(worldtest.PlayerA)
	require.Len(t, own, 1)
	recs := own[0].Children
	require.GreaterOrEqual(t, len(recs), 2)
	require.Equal(t, protocol.TagRemove, recs[0].Tag)
	require.Equal(t, protocol.TagRemove, recs[1].Tag)
	for _, rec := range recs[2:] {
		require.Equal(t, protocol.TagAdd, rec.Tag)
		require.NotEqual(t, worldtest.WorkerA, rec.Children[0].Attr(protocol.AttrID))
	}
}

type ownerChanges struct{ refs []string }

func (o *ownerChanges) OnCreate(world.Reader, world.Object) {}
func (o *ownerChanges) OnOwnerChanged(_ world.Reader, obj world.Object, _, _ string) {
	o.refs = append(o.refs, obj.ObjectID())
}
func (o *ownerChanges) OnRemove(world.Reader, string) {}

func TestEndGame(t *testing.T) {
	h := newHarness(t)
	res := h.announce(rules.EndGame(worldtest.PlayerA, true))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)
	for _, p := range []string{worldtest.PlayerA, worldtest.PlayerB, worldtest.PlayerC} {
		msgs := h.sessions.of(p)
		require.Len(t, msgs, 1, p)
		ended, err := protocol.ParseGameEnded(msgs[0])
		require.NoError(t, err)
		require.Equal(t, worldtest.PlayerA, ended.Winner)
		require.True(t, ended.HighScore)
	}
	h.reset()
	res = h.announce(rules.EndGame(worldtest.PlayerB, false))
	require.Equal(t, dispatch.Rejected, res.State)
	require.Empty(t, h.sessions.of(worldtest.PlayerB))
}

func TestRegistryCoversClientTags(t *testing.T) {
	reg := rules.NewRegistry()
	require.Equal(t, []string{
		protocol.TagAbandonColony,
		protocol.TagBuildColony,
		protocol.TagCedeColony,
		protocol.TagDeleteTradeRoute,
		protocol.TagDemandTribute,
		protocol.TagMissionary,
		protocol.TagMonarchAction,
		protocol.TagPutOutsideColony,
		protocol.TagSetDestination,
	}, reg.Tags())
	_, ok := reg.Lookup(protocol.TagGameEnded)
	require.False(t, ok, "gameEnded is server-only")
}

type journal struct {
	mu  sync.Mutex
	out []dispatch.Outcome
}

func (j *journal) RecordOutcome(o dispatch.Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.out = append(j.out, o)
}

func TestOutcomeCarriesMintedIDs(t *testing.T) {
	h := newHarness(t)
	j := &journal{}
	h.d.AddRecorder(j)

	res := h.submit(worldtest.PlayerA, must(protocol.BuildColony{Name: "Jamestown", Unit: worldtest.ColonistA}.Message()))
	require.Equal(t, dispatch.Propagated, res.State, "%v", res.Err)

	j.mu.Lock()
	last := j.out[len(j.out)-1]
	j.mu.Unlock()
	require.Len(t, last.Minted, 1)
	h.w.View(func(r world.Reader) {
		c, ok := r.Colony(last.Minted[0])
		require.True(t, ok)
		require.Equal(t, "Jamestown", c.Name)
	})
}

func TestParseAnnouncement(t *testing.T) {
	for _, a := range []dispatch.Announcement{
		rules.ProposeTaxRaise(worldtest.PlayerA, 12),
		rules.EndGame(worldtest.PlayerB, true),
		rules.NextTurn(),
	} {
		back, err := rules.ParseAnnouncement(a.Message)
		require.NoError(t, err, a.Message.Tag)
		require.True(t, a.Message.Equal(back.Message), a.Message.Tag)
		require.NotNil(t, back.Apply)
	}
	_, err := rules.ParseAnnouncement(protocol.NewMessage("plague"))
	require.ErrorIs(t, err, protocol.ErrUnknownType)
	_, err = rules.ParseAnnouncement(protocol.NewMessage(rules.AnnounceRaiseTax))
	require.ErrorIs(t, err, protocol.ErrIncomplete)
}
