// Package rules holds the handler for every client message tag.
package rules

import (
	"fmt"
	"slices"
	"strings"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/catalogs"
	"colonysync/internal/sim/changes"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/sim/world"
)

const (
	MonarchRaiseTax = "RAISE_TAX"

	// MaxTribute caps the gold a settlement hands over per demand.
	MaxTribute = 100
	// TributeAlarm is the tension a demand adds at the settlement.
	TributeAlarm = 25
	// MissionAlarm is the tension removed by establishing a mission.
	MissionAlarm = 10
)

// Handlers returns the handler of every client message tag.
func Handlers() []dispatch.Handler {
	return []dispatch.Handler{
		buildColony,
		abandonColony,
		putOutsideColony,
		setDestination,
		deleteTradeRoute,
		missionary,
		demandTribute,
		monarchAction,
		cedeColony,
	}
}

func NewRegistry() *dispatch.Registry { return dispatch.NewRegistry(Handlers()...) }

func illegal(format string, args ...any) error {
	return protocol.Reject(protocol.CodeIllegalState, format, args...)
}

func ownedUnit() []dispatch.RefSpec {
	return []dispatch.RefSpec{{Attr: protocol.AttrUnit, Kind: world.KindUnit, Access: dispatch.Owned}}
}

func mustUnit(r world.Reader, id string) *world.Unit {
	u, _ := r.Unit(id)
	return u
}

var buildColony = dispatch.Define(protocol.TagBuildColony, ownedUnit(), protocol.ParseBuildColony,
	func(r world.Reader, player string, req protocol.BuildColony) error {
		p, _ := r.Player(player)
		if p.Nation != world.NationEuropean {
			return illegal("%s cannot found colonies", p.Nation)
		}
		u := mustUnit(r, req.Unit)
		def := r.Catalogs().Unit(u.Type)
		if !u.OnMap() || def.Naval || !def.Has(catalogs.AbilityFoundColony) {
			return illegal("unit cannot build a colony")
		}
		if u.MovesLeft <= 0 {
			return illegal("unit has no moves left")
		}
		tile, ok := r.TileAt(u.Tile)
		if !ok {
			return illegal("unit is off the map")
		}
		// An empty name is assigned on build and cannot collide.
		if name := strings.TrimSpace(req.Name); name != "" && r.NameInUse(name) {
			return illegal("duplicate name")
		}
		if td, _ := r.Catalogs().Tile(tile.Type); !td.Settleable {
			return illegal("tile cannot be claimed")
		}
		if settlementNear(r, u.Tile) {
			return illegal("tile cannot be claimed")
		}
		return nil
	},
	func(tx *world.Tx, player string, req protocol.BuildColony, b *changes.Builder) error {
		u, err := tx.EditUnit(req.Unit)
		if err != nil {
			return err
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = colonyName(tx, player)
		}
		col := &world.Colony{
			ID:         tx.NewID(world.KindColony),
			Name:       name,
			Owner:      player,
			Tile:       u.Tile,
			Units:      []string{u.ID},
			Production: map[string]int{"food": 2, "bells": 1},
		}
		if err := tx.Create(col); err != nil {
			return err
		}
		u.Location = col.ID
		u.Destination = ""
		u.TradeRoute = ""
		u.MovesLeft = 0
		b.Remove(u, false)
		b.Add(col)
		return nil
	})

// colonyName picks the first free "<player name> Colony N".
func colonyName(r world.Reader, player string) string {
	base := player
	if p, ok := r.Player(player); ok && p.Name != "" {
		base = p.Name
	}
	for n := 1; ; n++ {
		if name := fmt.Sprintf("%s Colony %d", base, n); !r.NameInUse(name) {
			return name
		}
	}
}

func settlementNear(r world.Reader, c world.Coord) bool {
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			at := world.Coord{X: c.X + dx, Y: c.Y + dy}
			if _, ok := r.ColonyAt(at); ok {
				return true
			}
			if _, ok := r.SettlementAt(at); ok {
				return true
			}
		}
	}
	return false
}

var abandonColony = dispatch.Define(protocol.TagAbandonColony,
	[]dispatch.RefSpec{{Attr: protocol.AttrColony, Kind: world.KindColony, Access: dispatch.Owned}},
	protocol.ParseAbandonColony,
	func(r world.Reader, _ string, req protocol.AbandonColony) error {
		c, _ := r.Colony(req.Colony)
		if n := len(c.Units); n != 0 {
			return illegal("colony still has %d units", n)
		}
		return nil
	},
	func(tx *world.Tx, _ string, req protocol.AbandonColony, b *changes.Builder) error {
		c, ok := tx.Colony(req.Colony)
		if !ok {
			return world.ErrNotFound
		}
		b.Remove(c, true)
		return tx.Remove(c.ID)
	})

// putOutsideColony is how a colony empties before it can be abandoned.
var putOutsideColony = dispatch.Define(protocol.TagPutOutsideColony, ownedUnit(), protocol.ParsePutOutsideColony,
	func(r world.Reader, _ string, req protocol.PutOutsideColony) error {
		u := mustUnit(r, req.Unit)
		if _, ok := r.Colony(u.Location); !ok {
			return illegal("unit is not in a colony")
		}
		return nil
	},
	func(tx *world.Tx, _ string, req protocol.PutOutsideColony, b *changes.Builder) error {
		u, err := tx.EditUnit(req.Unit)
		if err != nil {
			return err
		}
		c, err := tx.EditColony(u.Location)
		if err != nil {
			return err
		}
		c.Units = slices.DeleteFunc(c.Units, func(id string) bool { return id == u.ID })
		u.Location = ""
		u.Tile = c.Tile
		b.Update(c)
		b.Update(u)
		return nil
	})

var setDestination = dispatch.Define(protocol.TagSetDestination,
	[]dispatch.RefSpec{
		{Attr: protocol.AttrUnit, Kind: world.KindUnit, Access: dispatch.Owned},
		{Attr: protocol.AttrDestination, Access: dispatch.ReadOnly, Optional: true},
	},
	protocol.ParseSetDestination,
	func(r world.Reader, _ string, req protocol.SetDestination) error {
		if req.Destination == "" {
			return nil
		}
		dest, _ := r.Resolve(req.Destination)
		switch dest.ObjectKind() {
		case world.KindTile, world.KindColony, world.KindSettlement:
			return nil
		}
		return illegal("%s is not a destination", dest.ObjectKind())
	},
	func(tx *world.Tx, _ string, req protocol.SetDestination, b *changes.Builder) error {
		u, err := tx.EditUnit(req.Unit)
		if err != nil {
			return err
		}
		u.Destination = req.Destination
		b.Update(u)
		return nil
	})

var deleteTradeRoute = dispatch.Define(protocol.TagDeleteTradeRoute,
	[]dispatch.RefSpec{{Attr: protocol.AttrTradeRoute, Kind: world.KindTradeRoute, Access: dispatch.Owned}},
	protocol.ParseDeleteTradeRoute,
	nil,
	func(tx *world.Tx, player string, req protocol.DeleteTradeRoute, b *changes.Builder) error {
		route, ok := tx.TradeRoute(req.TradeRoute)
		if !ok {
			return world.ErrNotFound
		}
		for _, o := range tx.Objects() {
			u, ok := o.(*world.Unit)
			if !ok || u.Owner != player || u.TradeRoute != route.ID {
				continue
			}
			u, err := tx.EditUnit(u.ID)
			if err != nil {
				return err
			}
			u.TradeRoute = ""
			b.Update(u)
		}
		b.Remove(route, false)
		return tx.Remove(route.ID)
	})

// adjacentSettlement finds the native settlement a unit on the map would
// enter by moving in direction.
func adjacentSettlement(r world.Reader, u *world.Unit, direction string) (*world.Settlement, error) {
	d, ok := world.ParseDirection(direction)
	if !ok {
		return nil, illegal("bad direction %q", direction)
	}
	if !u.OnMap() {
		return nil, illegal("unit is not on the map")
	}
	if u.MovesLeft <= 0 {
		return nil, illegal("unit has no moves left")
	}
	at := u.Tile.Step(d)
	s, ok := r.SettlementAt(at)
	if !ok {
		return nil, illegal("there is no native settlement at %s", at)
	}
	return s, nil
}

var missionary = dispatch.Define(protocol.TagMissionary, ownedUnit(), protocol.ParseMissionary,
	func(r world.Reader, player string, req protocol.Missionary) error {
		u := mustUnit(r, req.Unit)
		s, err := adjacentSettlement(r, u, req.Direction)
		if err != nil {
			return err
		}
		def := r.Catalogs().Unit(u.Type)
		if req.Denounce {
			if s.Missionary == "" {
				return illegal("denouncing an empty mission at %s", s.Name)
			}
			if m, ok := r.Unit(s.Missionary); ok && m.Owner == player {
				return illegal("denouncing our own missionary at %s", s.Name)
			}
			if !def.Has(catalogs.AbilityDenounceHeresy) {
				return illegal("unit lacks denouncement ability")
			}
			return nil
		}
		if s.Missionary != "" {
			return illegal("establishing extra mission at %s", s.Name)
		}
		if !def.Has(catalogs.AbilityEstablishMission) {
			return illegal("unit lacks establish mission ability")
		}
		return nil
	},
	func(tx *world.Tx, player string, req protocol.Missionary, b *changes.Builder) error {
		u, err := tx.EditUnit(req.Unit)
		if err != nil {
			return err
		}
		s, err := adjacentSettlement(tx, u, req.Direction)
		if err != nil {
			return err
		}
		s, err = tx.EditSettlement(s.ID)
		if err != nil {
			return err
		}
		if req.Denounce {
			old, ok := tx.Unit(s.Missionary)
			if ok {
				b.Remove(old, false)
				if err := tx.Remove(old.ID); err != nil {
					return err
				}
			}
		}
		b.Remove(u, true)
		u.Location = s.ID
		u.Tile = s.Tile
		u.Destination = ""
		u.MovesLeft = 0
		s.Missionary = u.ID
		if s.Alarm == nil {
			s.Alarm = map[string]int{}
		}
		s.Alarm[player] = max(0, s.Alarm[player]-MissionAlarm)
		b.Update(s)
		return nil
	})

var demandTribute = dispatch.Define(protocol.TagDemandTribute, ownedUnit(), protocol.ParseDemandTribute,
	func(r world.Reader, _ string, req protocol.DemandTribute) error {
		u := mustUnit(r, req.Unit)
		def := r.Catalogs().Unit(u.Type)
		if !def.Armed() && !def.Has(catalogs.AbilityDemandTribute) {
			return illegal("unit is neither armed nor able to demand tribute")
		}
		s, err := adjacentSettlement(r, u, req.Direction)
		if err != nil {
			return err
		}
		if owner, ok := r.Player(s.Owner); !ok || owner.Nation != world.NationNative {
			return illegal("unable to demand tribute at %s", s.Name)
		}
		if s.LastTribute == r.Game().Turn+1 {
			return illegal("tribute already demanded at %s this turn", s.Name)
		}
		return nil
	},
	func(tx *world.Tx, player string, req protocol.DemandTribute, b *changes.Builder) error {
		u, err := tx.EditUnit(req.Unit)
		if err != nil {
			return err
		}
		found, err := adjacentSettlement(tx, u, req.Direction)
		if err != nil {
			return err
		}
		s, err := tx.EditSettlement(found.ID)
		if err != nil {
			return err
		}
		p, err := tx.EditPlayer(player)
		if err != nil {
			return err
		}
		amount := min(s.Gold, MaxTribute)
		s.Gold -= amount
		p.Gold += amount
		if s.Alarm == nil {
			s.Alarm = map[string]int{}
		}
		s.Alarm[player] += TributeAlarm
		s.LastTribute = tx.Game().Turn + 1
		u.MovesLeft = 0

		b.Update(u)
		b.Update(s)
		b.Update(p)
		b.Other(player, protocol.NewMessage("tribute",
			protocol.AttrUnit, u.ID, "settlement", s.ID).SetInt("amount", amount))
		return nil
	})

var monarchAction = dispatch.Define(protocol.TagMonarchAction, nil, protocol.ParseMonarchAction,
	func(r world.Reader, player string, req protocol.MonarchAction) error {
		p, _ := r.Player(player)
		if p.Pending == nil || p.Pending.Action != req.Action {
			return illegal("no pending monarch action %s", req.Action)
		}
		return nil
	},
	func(tx *world.Tx, player string, req protocol.MonarchAction, b *changes.Builder) error {
		p, err := tx.EditPlayer(player)
		if err != nil {
			return err
		}
		offer := *p.Pending
		p.Pending = nil
		if req.Accepted && offer.Action == MonarchRaiseTax {
			p.Tax = offer.Tax
		}
		b.Update(p)
		return nil
	})

var cedeColony = dispatch.Define(protocol.TagCedeColony,
	[]dispatch.RefSpec{
		{Attr: protocol.AttrColony, Kind: world.KindColony, Access: dispatch.Owned},
		{Attr: protocol.AttrTo, Kind: world.KindPlayer, Access: dispatch.ReadOnly},
	},
	protocol.ParseCedeColony,
	func(r world.Reader, player string, req protocol.CedeColony) error {
		to, _ := r.Player(req.To)
		switch {
		case to.ID == player:
			return illegal("colony already belongs to %s", player)
		case to.Dead:
			return illegal("%s is no longer in the game", to.Name)
		case to.Nation != world.NationEuropean:
			return illegal("%s cannot accept colonies", to.Name)
		}
		return nil
	},
	func(tx *world.Tx, player string, req protocol.CedeColony, b *changes.Builder) error {
		c, ok := tx.Colony(req.Colony)
		if !ok {
			return world.ErrNotFound
		}
		ids := append([]string{c.ID}, c.Units...)
		for _, id := range ids {
			obj, ok := tx.Resolve(id)
			if !ok {
				return world.ErrNotFound
			}
			b.Append(changes.Record{Kind: changes.Remove, Owner: player, Ref: id, Payload: changes.Ref(obj)})
		}
		for _, id := range ids {
			if err := tx.SetOwner(id, req.To); err != nil {
				return err
			}
		}
		for _, id := range ids {
			obj, _ := tx.Resolve(id)
			b.Add(obj)
		}
		return nil
	})
