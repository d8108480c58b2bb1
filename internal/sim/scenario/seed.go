package scenario

import (
	"fmt"
	"maps"
	"slices"

	"colonysync/internal/sim/catalogs"
	"colonysync/internal/sim/world"
)

// NewWorld validates the scenario and builds its world. Listeners are
// attached before seeding so they see every object created.
func (c Config) NewWorld(cats *catalogs.Catalogs, listeners ...world.Listener) (*world.World, error) {
	if err := c.Validate(cats); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	terrain, err := c.Terrain(cats)
	if err != nil {
		return nil, err
	}
	w, err := world.New(world.Config{ID: c.GameID, Width: c.Map.Width, Height: c.Map.Height, Terrain: terrain}, cats)
	if err != nil {
		return nil, err
	}
	for _, l := range listeners {
		w.AddListener(l)
	}
	if err := w.Update(c.Seed); err != nil {
		return nil, fmt.Errorf("scenario: seed: %w", err)
	}
	return w, nil
}

// Seed creates every scenario object. Units inside a colony or carrier
// take its tile and are listed by it.
func (c Config) Seed(tx *world.Tx) error {
	colonies := map[string]*world.Colony{}
	units := map[string]*world.Unit{}
	var objs []world.Object

	for _, p := range c.Players {
		objs = append(objs, &world.Player{
			ID: p.ID, Name: p.Name, Nation: p.Nation, AI: p.AI, Strategy: p.Strategy, Gold: p.Gold, Tax: p.Tax,
		})
	}
	for _, s := range c.Colonies {
		col := &world.Colony{
			ID: s.ID, Name: s.Name, Owner: s.Owner, Tile: world.Coord{X: s.X, Y: s.Y},
			Production: maps.Clone(s.Production), BuildQueue: slices.Clone(s.Build),
		}
		colonies[col.ID] = col
		objs = append(objs, col)
	}
	for _, s := range c.Settlements {
		objs = append(objs, &world.Settlement{
			ID: s.ID, Name: s.Name, Owner: s.Owner, Tile: world.Coord{X: s.X, Y: s.Y}, Capital: s.Capital, Gold: s.Gold,
		})
	}
	for _, r := range c.TradeRoutes {
		objs = append(objs, &world.TradeRoute{ID: r.ID, Name: r.Name, Owner: r.Owner, Stops: slices.Clone(r.Stops)})
	}

	cats := tx.Catalogs()
	in := map[string]string{}
	for _, s := range c.Units {
		u := &world.Unit{
			ID: s.ID, Owner: s.Owner, Type: s.Type, Tile: world.Coord{X: s.X, Y: s.Y},
			Goods: maps.Clone(s.Goods), TradeRoute: s.TradeRoute, MovesLeft: s.Moves,
		}
		if u.MovesLeft == 0 && s.In == "" {
			u.MovesLeft = cats.Unit(s.Type).Moves * 3
		}
		units[u.ID] = u
		in[u.ID] = s.In
	}
	// Carriers are placed before their cargo so the cargo takes a settled tile.
	var place func(id string, depth int) error
	place = func(id string, depth int) error {
		u, where := units[id], in[id]
		if where == "" || u.Location != "" {
			return nil
		}
		if depth > len(units) {
			return fmt.Errorf("unit %s: location cycle", id)
		}
		if col, ok := colonies[where]; ok {
			u.Location, u.Tile = col.ID, col.Tile
			col.Units = append(col.Units, u.ID)
			return nil
		}
		carrier, ok := units[where]
		if !ok {
			return fmt.Errorf("unit %s: unknown location %s", id, where)
		}
		if err := place(where, depth+1); err != nil {
			return err
		}
		u.Location, u.Tile = carrier.ID, carrier.Tile
		carrier.Cargo = append(carrier.Cargo, u.ID)
		return nil
	}
	for _, s := range c.Units {
		if err := place(s.ID, 0); err != nil {
			return err
		}
		objs = append(objs, units[s.ID])
	}

	for _, o := range objs {
		if err := tx.Create(o); err != nil {
			return err
		}
	}
	return nil
}
