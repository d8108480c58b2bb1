package world

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"colonysync/internal/sim/catalogs"
)

// Line of sight of owned colonies and settlements.
const (
	ColonyLineOfSight     = 2
	SettlementLineOfSight = 2
)

var ErrNotFound = errors.New("world: object not found")

type Config struct {
	ID     string
	Width  int
	Height int
	// Terrain holds Width*Height tile type ids, row-major.
	Terrain []string
}

type Game struct {
	Turn      int
	Winner    string
	HighScore bool
}

// Listener receives lifecycle events after a mutation commits, in the order
// the mutation produced them. Callbacks run while the world is locked; they
// may read through r but must not call View or Update.
type Listener interface {
	OnCreate(r Reader, obj Object)
	OnOwnerChanged(r Reader, obj Object, oldOwner, newOwner string)
	OnRemove(r Reader, ref string)
}

// Reader is read-only access to the world. Objects returned by a Reader are
// live and must not be modified or retained past the callback.
type Reader interface {
	Resolve(ref string) (Object, bool)
	Player(id string) (*Player, bool)
	Unit(id string) (*Unit, bool)
	Colony(id string) (*Colony, bool)
	Settlement(id string) (*Settlement, bool)
	TradeRoute(id string) (*TradeRoute, bool)
	TileAt(c Coord) (*Tile, bool)
	ColonyAt(c Coord) (*Colony, bool)
	SettlementAt(c Coord) (*Settlement, bool)
	// Players and Objects are sorted by id.
	Players() []*Player
	Objects() []Object
	// NameInUse reports whether a colony or settlement already carries
	// name, ignoring case.
	NameInUse(name string) bool
	IsVisibleTo(ref, player string) bool
	Catalogs() *catalogs.Catalogs
	Game() Game
}

// World is the authoritative arena of game objects. Any number of readers
// may hold View concurrently; Update is exclusive.
type World struct {
	cfg  Config
	cats *catalogs.Catalogs

	mu        sync.RWMutex
	objects   map[string]Object
	retired   map[string]struct{}
	game      Game
	seq       uint64
	listeners []Listener
	newID     func(Kind) string
}

func New(cfg Config, cats *catalogs.Catalogs) (*World, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("world: bad map size %dx%d", cfg.Width, cfg.Height)
	}
	if len(cfg.Terrain) != cfg.Width*cfg.Height {
		return nil, fmt.Errorf("world: terrain has %d tiles, want %d", len(cfg.Terrain), cfg.Width*cfg.Height)
	}
	for i, t := range cfg.Terrain {
		if _, ok := cats.Tile(t); !ok {
			return nil, fmt.Errorf("world: tile %d: unknown type %q", i, t)
		}
	}
	return &World{
		cfg:     cfg,
		cats:    cats,
		objects: map[string]Object{},
		retired: map[string]struct{}{},
		newID:   ulidID,
	}, nil
}

func ulidID(k Kind) string {
	return string(k) + ":" + strings.ToLower(ulid.Make().String())
}

// SetIDSource replaces the identifier generator. Generated ids must never
// repeat for the lifetime of the world.
func (w *World) SetIDSource(fn func(Kind) string) { w.newID = fn }

// AddListener registers l for lifecycle events. Call before the world is
// shared.
func (w *World) AddListener(l Listener) { w.listeners = append(w.listeners, l) }

func (w *World) ID() string                   { return w.cfg.ID }
func (w *World) Config() Config               { return w.cfg }
func (w *World) Catalogs() *catalogs.Catalogs { return w.cats }

// Seq counts committed mutations.
func (w *World) Seq() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.seq
}

// View runs fn with a consistent read-only view.
func (w *World) View(fn func(Reader)) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn(view{w})
}

// Update runs fn exclusively. When fn returns an error or panics every change
// it made is rolled back and no lifecycle event is delivered; otherwise the
// changes commit and listeners observe the buffered events.
func (w *World) Update(fn func(*Tx) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx := &Tx{view: view{w}, undo: map[string]Object{}}
	if err := tx.run(fn); err != nil {
		tx.rollback()
		return err
	}
	w.seq++
	for _, ev := range tx.events {
		if ev.kind == eventRemove {
			w.retired[ev.ref] = struct{}{}
		}
	}
	tx.fire()
	return nil
}

type view struct{ w *World }

func (v view) Catalogs() *catalogs.Catalogs { return v.w.cats }
func (v view) Game() Game                   { return v.w.game }

func (v view) Resolve(ref string) (Object, bool) {
	if c, ok := ParseTileRef(ref); ok {
		t, ok := v.TileAt(c)
		if !ok {
			return nil, false
		}
		return t, true
	}
	o, ok := v.w.objects[ref]
	return o, ok
}

func lookup[T Object](v view, id string) (T, bool) {
	o, ok := v.w.objects[id]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := o.(T)
	return t, ok
}

func (v view) Player(id string) (*Player, bool)         { return lookup[*Player](v, id) }
func (v view) Unit(id string) (*Unit, bool)             { return lookup[*Unit](v, id) }
func (v view) Colony(id string) (*Colony, bool)         { return lookup[*Colony](v, id) }
func (v view) Settlement(id string) (*Settlement, bool) { return lookup[*Settlement](v, id) }
func (v view) TradeRoute(id string) (*TradeRoute, bool) { return lookup[*TradeRoute](v, id) }

func (v view) TileAt(c Coord) (*Tile, bool) {
	cfg := v.w.cfg
	if c.X < 0 || c.Y < 0 || c.X >= cfg.Width || c.Y >= cfg.Height {
		return nil, false
	}
	return &Tile{Coord: c, Type: cfg.Terrain[c.Y*cfg.Width+c.X]}, true
}

func (v view) ColonyAt(c Coord) (*Colony, bool) {
	for _, o := range v.w.objects {
		if col, ok := o.(*Colony); ok && col.Tile == c {
			return col, true
		}
	}
	return nil, false
}

func (v view) SettlementAt(c Coord) (*Settlement, bool) {
	for _, o := range v.w.objects {
		if s, ok := o.(*Settlement); ok && s.Tile == c {
			return s, true
		}
	}
	return nil, false
}

func (v view) Players() []*Player {
	var out []*Player
	for _, o := range v.w.objects {
		if p, ok := o.(*Player); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v view) Objects() []Object {
	out := make([]Object, 0, len(v.w.objects))
	for _, o := range v.w.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID() < out[j].ObjectID() })
	return out
}

func (v view) NameInUse(name string) bool {
	for _, o := range v.w.objects {
		switch x := o.(type) {
		case *Colony:
			if strings.EqualFold(x.Name, name) {
				return true
			}
		case *Settlement:
			if strings.EqualFold(x.Name, name) {
				return true
			}
		}
	}
	return false
}
