package world

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"colonysync/internal/persistence/snapshot"
	"colonysync/internal/sim/catalogs"
)

// Snapshot exports the committed state.
func (w *World) Snapshot() snapshot.SnapshotV1 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap := w.exportLocked()
	snap.Retired = slices.Sorted(maps.Keys(w.retired))
	snap.Header = snapshot.Header{
		Version: snapshot.Version,
		GameID:  w.cfg.ID,
		Turn:    w.game.Turn,
		Seq:     w.seq,
		Digest:  digestOf(snap),
	}
	return snap
}

// Digest is a stable hash of the committed state. Two worlds with equal
// digests are structurally identical.
func (w *World) Digest() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return digestOf(w.exportLocked())
}

func digestOf(snap snapshot.SnapshotV1) string {
	snap.Header = snapshot.Header{}
	snap.Retired = nil
	b, err := json.Marshal(snap)
	if err != nil {
		panic(fmt.Sprintf("world: digest: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (w *World) exportLocked() snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Width:     w.cfg.Width,
		Height:    w.cfg.Height,
		Terrain:   slices.Clone(w.cfg.Terrain),
		Turn:      w.game.Turn,
		Winner:    w.game.Winner,
		HighScore: w.game.HighScore,
	}
	for _, o := range (view{w}).Objects() {
		switch x := o.(type) {
		case *Player:
			p := snapshot.PlayerV1{
				ID: x.ID, Name: x.Name, Nation: string(x.Nation), AI: x.AI, Strategy: x.Strategy,
				Gold: x.Gold, Tax: x.Tax, Dead: x.Dead,
			}
			if x.Pending != nil {
				p.PendingAction = x.Pending.Action
				p.PendingTax = x.Pending.Tax
			}
			snap.Players = append(snap.Players, p)
		case *Unit:
			snap.Units = append(snap.Units, snapshot.UnitV1{
				ID: x.ID, Owner: x.Owner, Type: x.Type, X: x.Tile.X, Y: x.Tile.Y, Location: x.Location,
				Cargo: cloneStrings(x.Cargo), Goods: cloneCounts(x.Goods), Destination: x.Destination,
				TradeRoute: x.TradeRoute, MovesLeft: x.MovesLeft,
			})
		case *Colony:
			snap.Colonies = append(snap.Colonies, snapshot.ColonyV1{
				ID: x.ID, Name: x.Name, Owner: x.Owner, X: x.Tile.X, Y: x.Tile.Y,
				Units: cloneStrings(x.Units), Production: cloneCounts(x.Production), BuildQueue: cloneStrings(x.BuildQueue),
			})
		case *Settlement:
			snap.Settlements = append(snap.Settlements, snapshot.SettlementV1{
				ID: x.ID, Name: x.Name, Owner: x.Owner, X: x.Tile.X, Y: x.Tile.Y, Capital: x.Capital,
				Missionary: x.Missionary, Gold: x.Gold, Alarm: cloneCounts(x.Alarm), LastTribute: x.LastTribute,
			})
		case *TradeRoute:
			snap.TradeRoutes = append(snap.TradeRoutes, snapshot.TradeRouteV1{
				ID: x.ID, Name: x.Name, Owner: x.Owner, Stops: cloneStrings(x.Stops),
			})
		}
	}
	return snap
}

// FromSnapshot rebuilds a world. No lifecycle event is emitted; consumers
// that shadow the arena rebuild from the loaded state.
func FromSnapshot(snap snapshot.SnapshotV1, cats *catalogs.Catalogs) (*World, error) {
	w, err := New(Config{ID: snap.Header.GameID, Width: snap.Width, Height: snap.Height, Terrain: slices.Clone(snap.Terrain)}, cats)
	if err != nil {
		return nil, err
	}
	w.game = Game{Turn: snap.Turn, Winner: snap.Winner, HighScore: snap.HighScore}
	w.seq = snap.Header.Seq

	add := func(o Object) error {
		if _, dup := w.objects[o.ObjectID()]; dup || o.ObjectID() == "" {
			return fmt.Errorf("world: snapshot: bad or duplicate id %q", o.ObjectID())
		}
		w.objects[o.ObjectID()] = o
		return nil
	}
	for _, p := range snap.Players {
		obj := &Player{ID: p.ID, Name: p.Name, Nation: Nation(p.Nation), AI: p.AI, Strategy: p.Strategy, Gold: p.Gold, Tax: p.Tax, Dead: p.Dead}
		if p.PendingAction != "" {
			obj.Pending = &MonarchOffer{Action: p.PendingAction, Tax: p.PendingTax}
		}
		if err := add(obj); err != nil {
			return nil, err
		}
	}
	for _, u := range snap.Units {
		if err := add(&Unit{
			ID: u.ID, Owner: u.Owner, Type: u.Type, Tile: Coord{X: u.X, Y: u.Y}, Location: u.Location,
			Cargo: u.Cargo, Goods: u.Goods, Destination: u.Destination, TradeRoute: u.TradeRoute, MovesLeft: u.MovesLeft,
		}); err != nil {
			return nil, err
		}
	}
	for _, c := range snap.Colonies {
		if err := add(&Colony{
			ID: c.ID, Name: c.Name, Owner: c.Owner, Tile: Coord{X: c.X, Y: c.Y},
			Units: c.Units, Production: c.Production, BuildQueue: c.BuildQueue,
		}); err != nil {
			return nil, err
		}
	}
	for _, s := range snap.Settlements {
		if err := add(&Settlement{
			ID: s.ID, Name: s.Name, Owner: s.Owner, Tile: Coord{X: s.X, Y: s.Y}, Capital: s.Capital,
			Missionary: s.Missionary, Gold: s.Gold, Alarm: s.Alarm, LastTribute: s.LastTribute,
		}); err != nil {
			return nil, err
		}
	}
	for _, r := range snap.TradeRoutes {
		if err := add(&TradeRoute{ID: r.ID, Name: r.Name, Owner: r.Owner, Stops: r.Stops}); err != nil {
			return nil, err
		}
	}
	for _, id := range snap.Retired {
		if _, live := w.objects[id]; live || id == "" {
			return nil, fmt.Errorf("world: snapshot: retired id %q is live", id)
		}
		w.retired[id] = struct{}{}
	}
	if snap.Header.Digest != "" {
		if got := digestOf(w.exportLocked()); got != snap.Header.Digest {
			return nil, fmt.Errorf("world: snapshot digest mismatch: got %s want %s", got, snap.Header.Digest)
		}
	}
	return w, nil
}

// Empty collections export as nil so digests survive a snapshot round trip.
func cloneStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return slices.Clone(s)
}

func cloneCounts(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}
