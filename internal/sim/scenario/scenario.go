// Package scenario describes the starting position of a game: map,
// players with their join tokens, and every initial object.
package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"colonysync/internal/sim/catalogs"
	"colonysync/internal/sim/world"
)

type Config struct {
	GameID      string           `yaml:"game_id"`
	Map         MapSpec          `yaml:"map"`
	Players     []PlayerSpec     `yaml:"players"`
	Colonies    []ColonySpec     `yaml:"colonies,omitempty"`
	Settlements []SettlementSpec `yaml:"settlements,omitempty"`
	Units       []UnitSpec       `yaml:"units,omitempty"`
	TradeRoutes []TradeRouteSpec `yaml:"trade_routes,omitempty"`
}

// MapSpec lays the terrain out as rows of legend characters. Tiles not
// covered by Rows take Fill.
type MapSpec struct {
	Width  int               `yaml:"width"`
	Height int               `yaml:"height"`
	Fill   string            `yaml:"fill"`
	Legend map[string]string `yaml:"legend"`
	Rows   []string          `yaml:"rows"`
}

type PlayerSpec struct {
	ID       string       `yaml:"id"`
	Name     string       `yaml:"name"`
	Nation   world.Nation `yaml:"nation"`
	AI       bool         `yaml:"ai"`
	Strategy string       `yaml:"strategy,omitempty"`
	Gold     int          `yaml:"gold"`
	Tax      int          `yaml:"tax"`
	// Token authenticates a human player's hello.
	Token string `yaml:"token,omitempty"`
}

type ColonySpec struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Owner      string         `yaml:"owner"`
	X          int            `yaml:"x"`
	Y          int            `yaml:"y"`
	Production map[string]int `yaml:"production,omitempty"`
	Build      []string       `yaml:"build,omitempty"`
}

type SettlementSpec struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Owner   string `yaml:"owner"`
	X       int    `yaml:"x"`
	Y       int    `yaml:"y"`
	Capital bool   `yaml:"capital"`
	Gold    int    `yaml:"gold"`
}

// UnitSpec places a unit on a tile, or inside the colony or carrier named
// by In.
type UnitSpec struct {
	ID         string         `yaml:"id"`
	Owner      string         `yaml:"owner"`
	Type       string         `yaml:"type"`
	X          int            `yaml:"x"`
	Y          int            `yaml:"y"`
	In         string         `yaml:"in,omitempty"`
	Moves      int            `yaml:"moves,omitempty"`
	Goods      map[string]int `yaml:"goods,omitempty"`
	TradeRoute string         `yaml:"trade_route,omitempty"`
}

type TradeRouteSpec struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Owner string   `yaml:"owner"`
	Stops []string `yaml:"stops"`
}

func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("scenario path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("scenario.yaml: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

func defaultLegend() map[string]string {
	return map[string]string{
		"~": "ocean",
		".": "plains",
		"g": "grassland",
		"f": "forest",
		"h": "hills",
		"M": "mountains",
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.GameID = strings.TrimSpace(c.GameID)
	if c.GameID == "" {
		c.GameID = "game"
	}
	if c.Map.Fill == "" {
		c.Map.Fill = "plains"
	}
	if len(c.Map.Legend) == 0 {
		c.Map.Legend = defaultLegend()
	}
	for i := range c.Players {
		p := &c.Players[i]
		p.ID = strings.TrimSpace(p.ID)
		if p.Name == "" {
			p.Name = strings.TrimPrefix(p.ID, "player:")
		}
		if p.Nation == "" {
			p.Nation = world.NationEuropean
		}
	}
}

// Validate checks cross references against the catalogs. Identifiers must
// carry their kind prefix, as in "unit:...".
func (c Config) Validate(cats *catalogs.Catalogs) error {
	if c.Map.Width <= 0 || c.Map.Height <= 0 {
		return fmt.Errorf("map size must be > 0")
	}
	if len(c.Map.Rows) > c.Map.Height {
		return fmt.Errorf("map has %d rows, height is %d", len(c.Map.Rows), c.Map.Height)
	}
	if _, err := c.Terrain(cats); err != nil {
		return err
	}

	seen := map[string]world.Kind{}
	claim := func(id string, kind world.Kind) error {
		if !strings.HasPrefix(id, string(kind)+":") || len(id) == len(kind)+1 {
			return fmt.Errorf("%s id %q must look like %s:<name>", kind, id, kind)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate id: %s", id)
		}
		seen[id] = kind
		return nil
	}
	inBounds := func(id string, x, y int) error {
		if x < 0 || y < 0 || x >= c.Map.Width || y >= c.Map.Height {
			return fmt.Errorf("%s is off the map at (%d,%d)", id, x, y)
		}
		return nil
	}
	isPlayer := func(id string) bool { return seen[id] == world.KindPlayer }

	tokens := map[string]string{}
	for _, p := range c.Players {
		if err := claim(p.ID, world.KindPlayer); err != nil {
			return err
		}
		switch p.Nation {
		case world.NationEuropean, world.NationNative, world.NationREF:
		default:
			return fmt.Errorf("player %s has unknown nation %q", p.ID, p.Nation)
		}
		if !p.AI && p.Token == "" {
			return fmt.Errorf("human player %s needs a token", p.ID)
		}
		if p.Token != "" {
			if other, dup := tokens[p.Token]; dup {
				return fmt.Errorf("players %s and %s share a token", other, p.ID)
			}
			tokens[p.Token] = p.ID
		}
	}
	for _, col := range c.Colonies {
		if err := claim(col.ID, world.KindColony); err != nil {
			return err
		}
		if !isPlayer(col.Owner) {
			return fmt.Errorf("colony %s: unknown owner %q", col.ID, col.Owner)
		}
		if err := inBounds(col.ID, col.X, col.Y); err != nil {
			return err
		}
	}
	for _, s := range c.Settlements {
		if err := claim(s.ID, world.KindSettlement); err != nil {
			return err
		}
		if !isPlayer(s.Owner) {
			return fmt.Errorf("settlement %s: unknown owner %q", s.ID, s.Owner)
		}
		if err := inBounds(s.ID, s.X, s.Y); err != nil {
			return err
		}
	}
	for _, r := range c.TradeRoutes {
		if err := claim(r.ID, world.KindTradeRoute); err != nil {
			return err
		}
		if !isPlayer(r.Owner) {
			return fmt.Errorf("trade route %s: unknown owner %q", r.ID, r.Owner)
		}
		for _, stop := range r.Stops {
			if k := seen[stop]; k != world.KindColony && k != world.KindSettlement {
				return fmt.Errorf("trade route %s: bad stop %q", r.ID, stop)
			}
		}
	}
	for _, u := range c.Units {
		if err := claim(u.ID, world.KindUnit); err != nil {
			return err
		}
	}
	for _, u := range c.Units {
		if !isPlayer(u.Owner) {
			return fmt.Errorf("unit %s: unknown owner %q", u.ID, u.Owner)
		}
		if _, ok := cats.Units.ByID[u.Type]; !ok {
			return fmt.Errorf("unit %s: unknown type %q", u.ID, u.Type)
		}
		if u.TradeRoute != "" && seen[u.TradeRoute] != world.KindTradeRoute {
			return fmt.Errorf("unit %s: unknown trade route %q", u.ID, u.TradeRoute)
		}
		switch seen[u.In] {
		case "":
			if u.In != "" {
				return fmt.Errorf("unit %s: unknown location %q", u.ID, u.In)
			}
			if err := inBounds(u.ID, u.X, u.Y); err != nil {
				return err
			}
		case world.KindColony:
		case world.KindUnit:
			if u.In == u.ID {
				return fmt.Errorf("unit %s cannot carry itself", u.ID)
			}
		default:
			return fmt.Errorf("unit %s: cannot be inside %s", u.ID, u.In)
		}
	}
	return nil
}

// Terrain expands the map into one tile type per tile, row-major.
func (c Config) Terrain(cats *catalogs.Catalogs) ([]string, error) {
	m := c.Map
	if _, ok := cats.Tile(m.Fill); !ok {
		return nil, fmt.Errorf("map fill: unknown tile type %q", m.Fill)
	}
	out := make([]string, m.Width*m.Height)
	for i := range out {
		out[i] = m.Fill
	}
	for y, row := range m.Rows {
		if len(row) > m.Width {
			return nil, fmt.Errorf("map row %d is wider than %d", y, m.Width)
		}
		for x, ch := range row {
			t, ok := m.Legend[string(ch)]
			if !ok {
				return nil, fmt.Errorf("map row %d: %q not in legend", y, ch)
			}
			if _, ok := cats.Tile(t); !ok {
				return nil, fmt.Errorf("map legend %q: unknown tile type %q", ch, t)
			}
			out[y*m.Width+x] = t
		}
	}
	return out, nil
}

// Tokens maps each join token to its player.
func (c Config) Tokens() map[string]string {
	out := map[string]string{}
	for _, p := range c.Players {
		if p.Token != "" {
			out[p.Token] = p.ID
		}
	}
	return out
}

// AIPlayers lists the players run in-process.
func (c Config) AIPlayers() []string {
	var out []string
	for _, p := range c.Players {
		if p.AI {
			out = append(out, p.ID)
		}
	}
	return out
}
