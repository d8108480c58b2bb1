package world_test

import (
	"errors"
	"testing"

	"colonysync/internal/sim/world"
	"colonysync/internal/sim/worldtest"
)

type recorder struct {
	events []string
}

func (r *recorder) OnCreate(_ world.Reader, obj world.Object) {
	r.events = append(r.events, "create "+obj.ObjectID())
}

func (r *recorder) OnOwnerChanged(_ world.Reader, obj world.Object, oldOwner, newOwner string) {
	r.events = append(r.events, "owner "+obj.ObjectID()+" "+oldOwner+"->"+newOwner)
}

func (r *recorder) OnRemove(_ world.Reader, ref string) {
	r.events = append(r.events, "remove "+ref)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	rec := &recorder{}
	w := worldtest.New(t, rec)
	before := w.Digest()
	seq := w.Seq()
	rec.events = nil

	boom := errors.New("boom")
	err := w.Update(func(tx *world.Tx) error {
		u, err := tx.EditUnit(worldtest.ColonistA)
		if err != nil {
			return err
		}
		u.MovesLeft = 0
		u.Goods = map[string]int{"guns": 1}
		if err := tx.Remove(worldtest.PlymouthA); err != nil {
			return err
		}
		if err := tx.SetOwner(worldtest.BostonA, worldtest.PlayerB); err != nil {
			return err
		}
		if err := tx.Create(&world.Colony{ID: tx.NewID(world.KindColony), Name: "X", Owner: worldtest.PlayerA}); err != nil {
			return err
		}
		p, err := tx.EditPlayer(worldtest.PlayerA)
		if err != nil {
			return err
		}
		p.Gold = 0
		tx.EditGame().Turn = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := w.Digest(); got != before {
		t.Fatalf("digest changed after rollback")
	}
	if w.Seq() != seq {
		t.Fatalf("seq advanced on rollback")
	}
	if len(rec.events) != 0 {
		t.Fatalf("listeners saw rolled back events: %v", rec.events)
	}
}

func TestUpdate_RollsBackOnPanic(t *testing.T) {
	w := worldtest.New(t)
	before := w.Digest()
	err := w.Update(func(tx *world.Tx) error {
		if err := tx.Remove(worldtest.ColonistA); err != nil {
			return err
		}
		panic("handler bug")
	})
	if err == nil {
		t.Fatalf("expected error from panicking mutation")
	}
	if w.Digest() != before {
		t.Fatalf("panic left partial mutation")
	}
}

func TestUpdate_FiresEventsInOrderOnCommit(t *testing.T) {
	rec := &recorder{}
	w := worldtest.New(t, rec)
	rec.events = nil

	var created string
	err := w.Update(func(tx *world.Tx) error {
		created = tx.NewID(world.KindUnit)
		if err := tx.Create(&world.Unit{ID: created, Owner: worldtest.PlayerA, Type: "free_colonist"}); err != nil {
			return err
		}
		if err := tx.SetOwner(worldtest.BostonA, worldtest.PlayerAI); err != nil {
			return err
		}
		return tx.Remove(worldtest.ColonistA)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	want := []string{
		"create " + created,
		"owner " + worldtest.BostonA + " " + worldtest.PlayerA + "->" + worldtest.PlayerAI,
		"remove " + worldtest.ColonistA,
	}
	if len(rec.events) != len(want) {
		t.Fatalf("events=%v want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("events[%d]=%q want %q", i, rec.events[i], want[i])
		}
	}
}

func TestCreate_NeverReusesIdentifiers(t *testing.T) {
	w := worldtest.New(t)
	if err := w.Update(func(tx *world.Tx) error { return tx.Remove(worldtest.ColonistA) }); err != nil {
		t.Fatalf("remove: %v", err)
	}
	err := w.Update(func(tx *world.Tx) error {
		return tx.Create(&world.Unit{ID: worldtest.ColonistA, Owner: worldtest.PlayerA})
	})
	if err == nil {
		t.Fatalf("expected reuse of a destroyed id to fail")
	}
	err = w.Update(func(tx *world.Tx) error {
		return tx.Create(&world.Unit{ID: worldtest.ScoutB, Owner: worldtest.PlayerA})
	})
	if err == nil {
		t.Fatalf("expected duplicate id to fail")
	}
}

func TestSetOwner_UnknownOwnerFails(t *testing.T) {
	w := worldtest.New(t)
	err := w.Update(func(tx *world.Tx) error { return tx.SetOwner(worldtest.BostonA, "player:ghost") })
	if !errors.Is(err, world.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIsVisibleTo(t *testing.T) {
	w := worldtest.New(t)
	cases := []struct {
		ref, player string
		want        bool
	}{
		{worldtest.ColonistA, worldtest.PlayerA, true},
		{worldtest.ColonistA, worldtest.PlayerB, true},  // scout two tiles away
		{worldtest.ColonistA, worldtest.PlayerC, false}, // far away
		{worldtest.PlymouthA, worldtest.PlayerB, false},
		{worldtest.CargoA, worldtest.PlayerA, true},
		{worldtest.CargoA, worldtest.PlayerNative, false}, // aboard, hidden from others
		{worldtest.WorkerA, worldtest.PlayerB, false},
		{worldtest.Onondaga, worldtest.PlayerA, true}, // missionary adjacent
		{worldtest.RouteA, worldtest.PlayerA, true},
		{worldtest.RouteA, worldtest.PlayerB, false},
		{worldtest.PlayerC, worldtest.PlayerA, true},
		{worldtest.ColonistAAt.Ref(), worldtest.PlayerB, true},
		{world.Coord{X: 19, Y: 9}.Ref(), worldtest.PlayerB, false},
		{"unit:missing", worldtest.PlayerA, false},
		{worldtest.ColonistA, "player:ghost", false},
	}
	w.View(func(r world.Reader) {
		for _, c := range cases {
			if got := r.IsVisibleTo(c.ref, c.player); got != c.want {
				t.Errorf("IsVisibleTo(%s, %s)=%v want %v", c.ref, c.player, got, c.want)
			}
		}
	})
}

func TestReader_Lookups(t *testing.T) {
	w := worldtest.New(t)
	w.View(func(r world.Reader) {
		if _, ok := r.Unit(worldtest.PlymouthA); ok {
			t.Fatalf("colony resolved as unit")
		}
		if c, ok := r.ColonyAt(world.Coord{X: 3, Y: 6}); !ok || c.ID != worldtest.PlymouthA {
			t.Fatalf("ColonyAt: %v %v", c, ok)
		}
		if !r.NameInUse("onondaga") || r.NameInUse("Jamestown") {
			t.Fatalf("NameInUse mismatch")
		}
		tile, ok := r.Resolve(worldtest.MountainsAt.Ref())
		if !ok || tile.(*world.Tile).Type != "mountains" {
			t.Fatalf("tile resolve: %v %v", tile, ok)
		}
		if _, ok := r.TileAt(world.Coord{X: worldtest.Width, Y: 0}); ok {
			t.Fatalf("off-map tile resolved")
		}
		if n := len(r.Players()); n != 6 {
			t.Fatalf("players=%d", n)
		}
	})
}

func TestSnapshotRoundTripKeepsDigest(t *testing.T) {
	w := worldtest.New(t)
	if err := w.Update(func(tx *world.Tx) error {
		p, err := tx.EditPlayer(worldtest.PlayerA)
		if err != nil {
			return err
		}
		p.Pending = &world.MonarchOffer{Action: "RAISE_TAX", Tax: 7}
		c, err := tx.EditColony(worldtest.BostonA)
		if err != nil {
			return err
		}
		c.BuildQueue = []string{}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap := w.Snapshot()
	if snap.Header.Digest != w.Digest() {
		t.Fatalf("header digest mismatch")
	}
	w2, err := world.FromSnapshot(snap, w.Catalogs())
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if w2.Digest() != w.Digest() {
		t.Fatalf("digest differs after round trip")
	}
	if w2.Seq() != w.Seq() {
		t.Fatalf("seq differs after round trip")
	}

	snap.Players[0].Gold++
	if _, err := world.FromSnapshot(snap, w.Catalogs()); err == nil {
		t.Fatalf("expected digest mismatch error")
	}
}

func TestSnapshotKeepsRetiredIdentifiers(t *testing.T) {
	w := worldtest.New(t)
	if err := w.Update(func(tx *world.Tx) error { return tx.Remove(worldtest.ColonistA) }); err != nil {
		t.Fatalf("remove: %v", err)
	}
	before := w.Digest()
	snap := w.Snapshot()
	if len(snap.Retired) != 1 || snap.Retired[0] != worldtest.ColonistA {
		t.Fatalf("retired=%v", snap.Retired)
	}

	w2, err := world.FromSnapshot(snap, w.Catalogs())
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if w2.Digest() != before {
		t.Fatalf("digest differs after round trip")
	}
	err = w2.Update(func(tx *world.Tx) error {
		return tx.Create(&world.Unit{ID: worldtest.ColonistA, Owner: worldtest.PlayerA})
	})
	if err == nil {
		t.Fatalf("expected a resumed world to refuse a destroyed id")
	}

	snap.Retired = append(snap.Retired, worldtest.ScoutB)
	if _, err := world.FromSnapshot(snap, w.Catalogs()); err == nil {
		t.Fatalf("expected live retired id to be refused")
	}
}

func TestGeometry(t *testing.T) {
	c, ok := world.ParseTileRef("tile:4:-1")
	if !ok || c != (world.Coord{X: 4, Y: -1}) {
		t.Fatalf("ParseTileRef: %v %v", c, ok)
	}
	if _, ok := world.ParseTileRef("unit:4:1"); ok {
		t.Fatalf("non-tile ref parsed")
	}
	d, ok := world.ParseDirection("ne")
	if !ok || (world.Coord{X: 1, Y: 1}).Step(d) != (world.Coord{X: 2, Y: 0}) {
		t.Fatalf("direction step")
	}
	if world.Distance(world.Coord{X: 0, Y: 0}, world.Coord{X: -3, Y: 2}) != 3 {
		t.Fatalf("distance")
	}
}
