package changes

import (
	"sort"
	"strconv"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/world"
)

// Payload attributes and child tags only the owner sees.
var (
	privatePlayer     = []string{"gold", "tax", "monarchAction"}
	privateUnit       = []string{"movesLeft", "destination", "tradeRoute", "unitRef", "goods"}
	privateColony     = []string{"unitRef", "production", "build"}
	privateSettlement = []string{"gold", "alarm"}
)

// Ref is the minimal payload naming obj.
func Ref(obj world.Object) *protocol.Message {
	return protocol.NewMessage(string(obj.ObjectKind()), protocol.AttrID, obj.ObjectID())
}

// Describe renders obj as a payload and lists its private parts.
func Describe(obj world.Object) (*protocol.Message, []string) {
	m := Ref(obj)
	switch o := obj.(type) {
	case *world.Player:
		m.Set(protocol.AttrName, o.Name).Set("nation", string(o.Nation)).SetBool("dead", o.Dead)
		m.SetInt("gold", o.Gold).SetInt("tax", o.Tax)
		if o.Pending != nil {
			m.Set("monarchAction", o.Pending.Action)
		}
		return m, privatePlayer
	case *world.Unit:
		m.Set("owner", o.Owner).Set("type", o.Type).Set("tile", o.Tile.Ref())
		if o.Location != "" {
			m.Set("location", o.Location)
		}
		m.SetInt("movesLeft", o.MovesLeft)
		if o.Destination != "" {
			m.Set("destination", o.Destination)
		}
		if o.TradeRoute != "" {
			m.Set("tradeRoute", o.TradeRoute)
		}
		for _, id := range o.Cargo {
			m.Add(protocol.NewMessage("unitRef", protocol.AttrID, id))
		}
		addCounts(m, "goods", o.Goods)
		return m, privateUnit
	case *world.Colony:
		m.Set(protocol.AttrName, o.Name).Set("owner", o.Owner).Set("tile", o.Tile.Ref()).SetInt("size", len(o.Units))
		for _, id := range o.Units {
			m.Add(protocol.NewMessage("unitRef", protocol.AttrID, id))
		}
		addCounts(m, "production", o.Production)
		for _, b := range o.BuildQueue {
			m.Add(protocol.NewMessage("build", "what", b))
		}
		return m, privateColony
	case *world.Settlement:
		m.Set(protocol.AttrName, o.Name).Set("owner", o.Owner).Set("tile", o.Tile.Ref()).SetBool("capital", o.Capital)
		if o.Missionary != "" {
			m.Set("missionary", o.Missionary)
		}
		m.SetInt("gold", o.Gold)
		addCounts(m, "alarm", o.Alarm)
		return m, privateSettlement
	case *world.TradeRoute:
		m.Set(protocol.AttrName, o.Name).Set("owner", o.Owner)
		for _, s := range o.Stops {
			m.Add(protocol.NewMessage("stop", "location", s))
		}
		return m, nil
	case *world.Tile:
		m.Set("type", o.Type)
		return m, nil
	}
	return m, nil
}

func addCounts(m *protocol.Message, tag string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Add(protocol.NewMessage(tag, "type", k, "amount", strconv.Itoa(counts[k])))
	}
}
