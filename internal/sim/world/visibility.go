package world

// IsVisibleTo reports whether player may observe ref. Players are public.
// Trade routes are private to their owner. Units inside a colony, settlement
// or carrier are hidden from everyone but their owner. Anything else with a
// map position is visible when it lies within the line of sight of one of
// the player's units on the map, colonies or settlements, or of a native
// settlement hosting the player's missionary. Unresolved references are
// never visible.
func (v view) IsVisibleTo(ref, player string) bool {
	obj, ok := v.Resolve(ref)
	if !ok {
		return false
	}
	if _, ok := v.Player(player); !ok {
		return false
	}
	switch o := obj.(type) {
	case *Player:
		return true
	case *TradeRoute:
		return o.Owner == player
	case *Unit:
		if o.Owner == player {
			return true
		}
		if !o.OnMap() {
			return false
		}
	}
	if obj.OwnerID() == player {
		return true
	}
	pos, ok := Position(obj)
	if !ok {
		return false
	}
	return v.sees(player, pos)
}

func (v view) sees(player string, pos Coord) bool {
	for _, o := range v.w.objects {
		if s, ok := o.(*Settlement); ok && s.Owner != player && s.Missionary != "" {
			if m, ok := v.Unit(s.Missionary); ok && m.Owner == player && Distance(s.Tile, pos) <= SettlementLineOfSight {
				return true
			}
		}
		if o.OwnerID() != player {
			continue
		}
		switch x := o.(type) {
		case *Unit:
			if x.OnMap() && Distance(x.Tile, pos) <= v.w.cats.Unit(x.Type).LineOfSight {
				return true
			}
		case *Colony:
			if Distance(x.Tile, pos) <= ColonyLineOfSight {
				return true
			}
		case *Settlement:
			if Distance(x.Tile, pos) <= SettlementLineOfSight {
				return true
			}
		}
	}
	return false
}
