// Package worldtest seeds a small, fully known world for tests of packages
// built on top of the world model.
package worldtest

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"colonysync/internal/sim/catalogs"
	"colonysync/internal/sim/world"
)

const (
	PlayerA      = "player:a" // European, human
	PlayerB      = "player:b" // European, human, scouting near A
	PlayerC      = "player:c" // European, human, far away
	PlayerAI     = "player:d" // European, AI
	PlayerNative = "player:n" // native, AI
	PlayerREF    = "player:r" // royal expeditionary force, AI

	ColonistA   = "unit:a1" // free colonist at (3,3)
	MissionaryA = "unit:a2" // jesuit missionary at (7,3), west of the settlement
	SoldierA    = "unit:a3" // soldier at (8,4), south of the settlement
	CaravelA    = "unit:a4" // caravel at (0,3) carrying CargoA, on RouteA
	CargoA      = "unit:a5" // colonist aboard CaravelA
	WorkerA     = "unit:a6" // colonist working in BostonA
	ScoutB      = "unit:b1" // scout at (5,3)
	ColonistC   = "unit:c1" // colonist at (18,8)
	ColonistAI  = "unit:d1" // AI colonist at (15,2)
	WorkerAI    = "unit:d2" // AI colonist working in FortOrangeAI
	Brave       = "unit:n1" // native brave at (9,3)
	Regular     = "unit:r1" // REF regular at (19,0)

	PlymouthA    = "colony:a1" // empty colony at (3,6)
	BostonA      = "colony:a2" // colony at (5,7) with WorkerA
	FortOrangeAI = "colony:d1" // AI colony at (15,4) with WorkerAI
	Onondaga     = "settlement:n1"
	RouteA       = "route:a1"

	Width  = 20
	Height = 10
)

var (
	ColonistAAt = world.Coord{X: 3, Y: 3}
	OnondagaAt  = world.Coord{X: 8, Y: 3}
	MountainsAt = world.Coord{X: 10, Y: 5}
)

// ConfigDir locates the repository configs directory.
func ConfigDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "configs")
}

func Catalogs(t testing.TB) *catalogs.Catalogs {
	t.Helper()
	cats, err := catalogs.Load(ConfigDir())
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	return cats
}

// SeqIDs returns a deterministic identifier source: "unit:x1", "colony:x2"...
func SeqIDs() func(world.Kind) string {
	var n atomic.Uint64
	return func(k world.Kind) string {
		return fmt.Sprintf("%s:x%d", k, n.Add(1))
	}
}

func Terrain() []string {
	terrain := make([]string, Width*Height)
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			t := "plains"
			switch {
			case x == 0:
				t = "ocean"
			case x == MountainsAt.X && y == MountainsAt.Y:
				t = "mountains"
			}
			terrain[y*Width+x] = t
		}
	}
	return terrain
}

// New builds the fixture world. Listeners are registered before seeding so
// they observe every creation.
func New(t testing.TB, listeners ...world.Listener) *world.World {
	t.Helper()
	w, err := world.New(world.Config{ID: "fixture", Width: Width, Height: Height, Terrain: Terrain()}, Catalogs(t))
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	w.SetIDSource(SeqIDs())
	for _, l := range listeners {
		w.AddListener(l)
	}
	if err := w.Update(Seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return w
}

// Seed creates the fixture objects.
func Seed(tx *world.Tx) error {
	objs := []world.Object{
		&world.Player{ID: PlayerA, Name: "Dutch", Nation: world.NationEuropean, Gold: 500},
		&world.Player{ID: PlayerB, Name: "English", Nation: world.NationEuropean, Gold: 500},
		&world.Player{ID: PlayerC, Name: "French", Nation: world.NationEuropean, Gold: 500},
		&world.Player{ID: PlayerAI, Name: "Spanish", Nation: world.NationEuropean, AI: true, Strategy: "conquest", Gold: 500},
		&world.Player{ID: PlayerNative, Name: "Iroquois", Nation: world.NationNative, AI: true},
		&world.Player{ID: PlayerREF, Name: "Royal Army", Nation: world.NationREF, AI: true},

		&world.Colony{ID: PlymouthA, Name: "Plymouth", Owner: PlayerA, Tile: world.Coord{X: 3, Y: 6}},
		&world.Colony{ID: BostonA, Name: "Boston", Owner: PlayerA, Tile: world.Coord{X: 5, Y: 7}, Units: []string{WorkerA},
			Production: map[string]int{"food": 4, "bells": 1}, BuildQueue: []string{"docks"}},
		&world.Colony{ID: FortOrangeAI, Name: "Fort Orange", Owner: PlayerAI, Tile: world.Coord{X: 15, Y: 4}, Units: []string{WorkerAI},
			Production: map[string]int{"food": 2}},
		&world.Settlement{ID: Onondaga, Name: "Onondaga", Owner: PlayerNative, Tile: OnondagaAt, Capital: true, Gold: 300},
		&world.TradeRoute{ID: RouteA, Name: "Sugar run", Owner: PlayerA, Stops: []string{PlymouthA, BostonA}},

		&world.Unit{ID: ColonistA, Owner: PlayerA, Type: "free_colonist", Tile: ColonistAAt, MovesLeft: 3},
		&world.Unit{ID: MissionaryA, Owner: PlayerA, Type: "jesuit_missionary", Tile: world.Coord{X: 7, Y: 3}, MovesLeft: 3},
		&world.Unit{ID: SoldierA, Owner: PlayerA, Type: "soldier", Tile: world.Coord{X: 8, Y: 4}, MovesLeft: 3},
		&world.Unit{ID: CaravelA, Owner: PlayerA, Type: "caravel", Tile: world.Coord{X: 0, Y: 3}, MovesLeft: 12,
			Cargo: []string{CargoA}, Goods: map[string]int{"rum": 50}, TradeRoute: RouteA},
		&world.Unit{ID: CargoA, Owner: PlayerA, Type: "free_colonist", Tile: world.Coord{X: 0, Y: 3}, Location: CaravelA},
		&world.Unit{ID: WorkerA, Owner: PlayerA, Type: "free_colonist", Tile: world.Coord{X: 5, Y: 7}, Location: BostonA},
		&world.Unit{ID: ScoutB, Owner: PlayerB, Type: "scout", Tile: world.Coord{X: 5, Y: 3}, MovesLeft: 12},
		&world.Unit{ID: ColonistC, Owner: PlayerC, Type: "free_colonist", Tile: world.Coord{X: 18, Y: 8}, MovesLeft: 3},
		&world.Unit{ID: ColonistAI, Owner: PlayerAI, Type: "free_colonist", Tile: world.Coord{X: 15, Y: 2}, MovesLeft: 3},
		&world.Unit{ID: WorkerAI, Owner: PlayerAI, Type: "free_colonist", Tile: world.Coord{X: 15, Y: 4}, Location: FortOrangeAI},
		&world.Unit{ID: Brave, Owner: PlayerNative, Type: "brave", Tile: world.Coord{X: 9, Y: 3}, MovesLeft: 3},
		&world.Unit{ID: Regular, Owner: PlayerREF, Type: "king_regular", Tile: world.Coord{X: 19, Y: 0}, MovesLeft: 3},
	}
	for _, o := range objs {
		if err := tx.Create(o); err != nil {
			return err
		}
	}
	return nil
}
