package world

import (
	"maps"
	"slices"
)

type Kind string

const (
	KindPlayer     Kind = "player"
	KindUnit       Kind = "unit"
	KindColony     Kind = "colony"
	KindSettlement Kind = "settlement"
	KindTradeRoute Kind = "route"
	KindTile       Kind = "tile"
)

// Object is a living entity of the arena. Relationships between objects are
// identifiers, never pointers.
type Object interface {
	ObjectID() string
	ObjectKind() Kind
	// OwnerID is the owning player, "" for unowned objects. A player owns
	// itself.
	OwnerID() string

	clone() Object
}

type Nation string

const (
	NationEuropean Nation = "european"
	NationNative   Nation = "native"
	NationREF      Nation = "ref"
)

type Player struct {
	ID       string
	Name     string
	Nation   Nation
	AI       bool
	Strategy string
	Gold     int
	Tax      int
	Dead     bool

	// Pending is the monarch proposal awaiting this player's answer.
	Pending *MonarchOffer
}

type MonarchOffer struct {
	Action string
	Tax    int
}

func (p *Player) ObjectID() string { return p.ID }
func (p *Player) ObjectKind() Kind { return KindPlayer }
func (p *Player) OwnerID() string  { return p.ID }

func (p *Player) clone() Object {
	c := *p
	if p.Pending != nil {
		o := *p.Pending
		c.Pending = &o
	}
	return &c
}

type Unit struct {
	ID    string
	Owner string
	Type  string
	Tile  Coord
	// Location is the containing colony, settlement or carrier; "" means the
	// unit stands on Tile.
	Location    string
	Cargo       []string
	Goods       map[string]int
	Destination string
	TradeRoute  string
	MovesLeft   int
}

func (u *Unit) ObjectID() string { return u.ID }
func (u *Unit) ObjectKind() Kind { return KindUnit }
func (u *Unit) OwnerID() string  { return u.Owner }
func (u *Unit) OnMap() bool      { return u.Location == "" }

func (u *Unit) clone() Object {
	c := *u
	c.Cargo = slices.Clone(u.Cargo)
	c.Goods = maps.Clone(u.Goods)
	return &c
}

type Colony struct {
	ID         string
	Name       string
	Owner      string
	Tile       Coord
	Units      []string
	Production map[string]int
	BuildQueue []string
}

func (c *Colony) ObjectID() string { return c.ID }
func (c *Colony) ObjectKind() Kind { return KindColony }
func (c *Colony) OwnerID() string  { return c.Owner }

func (c *Colony) clone() Object {
	o := *c
	o.Units = slices.Clone(c.Units)
	o.Production = maps.Clone(c.Production)
	o.BuildQueue = slices.Clone(c.BuildQueue)
	return &o
}

type Settlement struct {
	ID          string
	Name        string
	Owner       string
	Tile        Coord
	Capital     bool
	Missionary  string
	Gold        int
	Alarm       map[string]int
	LastTribute int
}

func (s *Settlement) ObjectID() string { return s.ID }
func (s *Settlement) ObjectKind() Kind { return KindSettlement }
func (s *Settlement) OwnerID() string  { return s.Owner }

func (s *Settlement) clone() Object {
	o := *s
	o.Alarm = maps.Clone(s.Alarm)
	return &o
}

type TradeRoute struct {
	ID    string
	Name  string
	Owner string
	Stops []string
}

func (r *TradeRoute) ObjectID() string { return r.ID }
func (r *TradeRoute) ObjectKind() Kind { return KindTradeRoute }
func (r *TradeRoute) OwnerID() string  { return r.Owner }

func (r *TradeRoute) clone() Object {
	o := *r
	o.Stops = slices.Clone(r.Stops)
	return &o
}

// Tile is synthesized from terrain on resolution; tiles are never stored in
// the arena.
type Tile struct {
	Coord Coord
	Type  string
}

func (t *Tile) ObjectID() string { return t.Coord.Ref() }
func (t *Tile) ObjectKind() Kind { return KindTile }
func (t *Tile) OwnerID() string  { return "" }
func (t *Tile) clone() Object    { o := *t; return &o }

// Position returns the map coordinate of obj when it has one.
func Position(obj Object) (Coord, bool) {
	switch o := obj.(type) {
	case *Unit:
		return o.Tile, true
	case *Colony:
		return o.Tile, true
	case *Settlement:
		return o.Tile, true
	case *Tile:
		return o.Coord, true
	}
	return Coord{}, false
}
