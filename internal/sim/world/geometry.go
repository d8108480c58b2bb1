package world

import (
	"fmt"
	"strconv"
	"strings"
)

type Coord struct {
	X int
	Y int
}

// Ref is the world reference of the tile at c.
func (c Coord) Ref() string { return "tile:" + strconv.Itoa(c.X) + ":" + strconv.Itoa(c.Y) }

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// ParseTileRef parses "tile:x:y".
func ParseTileRef(ref string) (Coord, bool) {
	rest, ok := strings.CutPrefix(ref, "tile:")
	if !ok {
		return Coord{}, false
	}
	xs, ys, ok := strings.Cut(rest, ":")
	if !ok {
		return Coord{}, false
	}
	x, err1 := strconv.Atoi(xs)
	y, err2 := strconv.Atoi(ys)
	if err1 != nil || err2 != nil {
		return Coord{}, false
	}
	return Coord{X: x, Y: y}, true
}

// Distance is the number of king moves between a and b.
func Distance(a, b Coord) int {
	dx, dy := a.X-b.X, a.Y-b.Y
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return max(dx, dy)
}

type Direction string

const (
	North     Direction = "N"
	NorthEast Direction = "NE"
	East      Direction = "E"
	SouthEast Direction = "SE"
	South     Direction = "S"
	SouthWest Direction = "SW"
	West      Direction = "W"
	NorthWest Direction = "NW"
)

var directionDelta = map[Direction]Coord{
	North:     {0, -1},
	NorthEast: {1, -1},
	East:      {1, 0},
	SouthEast: {1, 1},
	South:     {0, 1},
	SouthWest: {-1, 1},
	West:      {-1, 0},
	NorthWest: {-1, -1},
}

func ParseDirection(s string) (Direction, bool) {
	d := Direction(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := directionDelta[d]
	return d, ok
}

func (c Coord) Step(d Direction) Coord {
	delta := directionDelta[d]
	return Coord{X: c.X + delta.X, Y: c.Y + delta.Y}
}
