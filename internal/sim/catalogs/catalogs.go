package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Unit abilities referenced by the rule handlers.
const (
	AbilityFoundColony      = "found_colony"
	AbilityEstablishMission = "establish_mission"
	AbilityDenounceHeresy   = "denounce_heresy"
	AbilityDemandTribute    = "demand_tribute"
	AbilityCarryUnits       = "carry_units"
)

// Catalogs holds definitions loaded once at startup. It is immutable after
// Load and shared by reference.
type Catalogs struct {
	Units UnitCatalog
	Tiles TileCatalog

	// Digest covers every catalog file and is announced at handshake.
	Digest string
}

type UnitCatalog struct {
	ByID   map[string]UnitTypeDef
	Digest string
}

type UnitTypeDef struct {
	ID          string   `json:"id"`
	Offence     int      `json:"offence"`
	Moves       int      `json:"moves"`
	LineOfSight int      `json:"line_of_sight"`
	Space       int      `json:"space,omitempty"`
	Naval       bool     `json:"naval,omitempty"`
	Abilities   []string `json:"abilities,omitempty"`
}

func (d UnitTypeDef) Armed() bool { return d.Offence > 0 }

func (d UnitTypeDef) Has(ability string) bool {
	for _, a := range d.Abilities {
		if a == ability {
			return true
		}
	}
	return false
}

type TileCatalog struct {
	ByID   map[string]TileTypeDef
	Digest string
}

type TileTypeDef struct {
	ID         string `json:"id"`
	Water      bool   `json:"water,omitempty"`
	Settleable bool   `json:"settleable"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadUnits(filepath.Join(configDir, "unit_types.json"), &c.Units); err != nil {
		return nil, err
	}
	if err := loadTiles(filepath.Join(configDir, "tile_types.json"), &c.Tiles); err != nil {
		return nil, err
	}
	c.Digest = sha256Hex([]byte(c.Units.Digest + ":" + c.Tiles.Digest))
	return &c, nil
}

// Unit returns the definition of a unit type; unknown types get a zero
// definition with a line of sight of one.
func (c *Catalogs) Unit(id string) UnitTypeDef {
	if c != nil {
		if d, ok := c.Units.ByID[id]; ok {
			return d
		}
	}
	return UnitTypeDef{ID: id, LineOfSight: 1}
}

func (c *Catalogs) Tile(id string) (TileTypeDef, bool) {
	if c == nil {
		return TileTypeDef{}, false
	}
	d, ok := c.Tiles.ByID[id]
	return d, ok
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadUnits(path string, out *UnitCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []UnitTypeDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("unit_types.json: %w", err)
	}
	out.ByID = map[string]UnitTypeDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("unit_types.json: empty id")
		}
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("unit_types.json: duplicate id %s", d.ID)
		}
		if d.LineOfSight <= 0 {
			d.LineOfSight = 1
		}
		sort.Strings(d.Abilities)
		out.ByID[d.ID] = d
	}
	return nil
}

func loadTiles(path string, out *TileCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []TileTypeDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("tile_types.json: %w", err)
	}
	out.ByID = map[string]TileTypeDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("tile_types.json: empty id")
		}
		out.ByID[d.ID] = d
	}
	return nil
}
