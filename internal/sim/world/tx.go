package world

import (
	"fmt"
	"slices"
)

type eventKind uint8

const (
	eventCreate eventKind = iota
	eventOwnerChanged
	eventRemove
)

type event struct {
	kind     eventKind
	ref      string
	oldOwner string
	newOwner string
}

// Tx is the write handle passed to World.Update. It reads the current,
// partially mutated state and records a pre-image of every object it
// touches so the mutation can be undone.
type Tx struct {
	view

	undo      map[string]Object // nil value: object did not exist
	gameSaved *Game
	events    []event
	minted    []string
}

func (tx *Tx) run(fn func(*Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("world: mutation panicked: %v", r)
		}
	}()
	return fn(tx)
}

func (tx *Tx) save(id string) {
	if _, ok := tx.undo[id]; ok {
		return
	}
	if prev, ok := tx.w.objects[id]; ok {
		tx.undo[id] = prev.clone()
	} else {
		tx.undo[id] = nil
	}
}

func (tx *Tx) rollback() {
	for id, prev := range tx.undo {
		if prev == nil {
			delete(tx.w.objects, id)
		} else {
			tx.w.objects[id] = prev
		}
	}
	if tx.gameSaved != nil {
		tx.w.game = *tx.gameSaved
	}
	tx.events = nil
}

func (tx *Tx) fire() {
	r := tx.view
	for _, ev := range tx.events {
		for _, l := range tx.w.listeners {
			switch ev.kind {
			case eventCreate:
				if obj, ok := tx.w.objects[ev.ref]; ok {
					l.OnCreate(r, obj)
				}
			case eventOwnerChanged:
				if obj, ok := tx.w.objects[ev.ref]; ok {
					l.OnOwnerChanged(r, obj, ev.oldOwner, ev.newOwner)
				}
			case eventRemove:
				l.OnRemove(r, ev.ref)
			}
		}
	}
}

// NewID allocates a fresh identifier for kind.
func (tx *Tx) NewID(k Kind) string {
	id := tx.w.newID(k)
	tx.minted = append(tx.minted, id)
	return id
}

// Minted lists the identifiers NewID handed out in this transaction, in
// order. Feeding them back through SetIDSource reproduces the mutation.
func (tx *Tx) Minted() []string { return slices.Clone(tx.minted) }

// Create inserts obj, which must carry an unused identifier.
func (tx *Tx) Create(obj Object) error {
	id := obj.ObjectID()
	switch {
	case id == "":
		return fmt.Errorf("world: create %s: empty id", obj.ObjectKind())
	case obj.ObjectKind() == KindTile:
		return fmt.Errorf("world: tiles are not created")
	}
	if _, exists := tx.w.objects[id]; exists {
		return fmt.Errorf("world: create %s: id in use", id)
	}
	if _, used := tx.undo[id]; used {
		return fmt.Errorf("world: create %s: id reused", id)
	}
	if _, used := tx.w.retired[id]; used {
		return fmt.Errorf("world: create %s: id reused", id)
	}
	tx.save(id)
	tx.w.objects[id] = obj
	tx.events = append(tx.events, event{kind: eventCreate, ref: id})
	return nil
}

func edit[T Object](tx *Tx, id string) (T, error) {
	t, ok := lookup[T](tx.view, id)
	if !ok {
		return t, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tx.save(id)
	return t, nil
}

// The Edit methods return the live object for modification. Ownership must
// change through SetOwner so listeners are informed.
func (tx *Tx) EditPlayer(id string) (*Player, error)         { return edit[*Player](tx, id) }
func (tx *Tx) EditUnit(id string) (*Unit, error)             { return edit[*Unit](tx, id) }
func (tx *Tx) EditColony(id string) (*Colony, error)         { return edit[*Colony](tx, id) }
func (tx *Tx) EditSettlement(id string) (*Settlement, error) { return edit[*Settlement](tx, id) }
func (tx *Tx) EditTradeRoute(id string) (*TradeRoute, error) { return edit[*TradeRoute](tx, id) }

func (tx *Tx) EditGame() *Game {
	if tx.gameSaved == nil {
		g := tx.w.game
		tx.gameSaved = &g
	}
	return &tx.w.game
}

// SetOwner transfers an owned object to owner.
func (tx *Tx) SetOwner(id, owner string) error {
	obj, ok := tx.w.objects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, ok := tx.Player(owner); !ok {
		return fmt.Errorf("%w: owner %s", ErrNotFound, owner)
	}
	old := obj.OwnerID()
	if old == owner {
		return nil
	}
	tx.save(id)
	switch o := obj.(type) {
	case *Unit:
		o.Owner = owner
	case *Colony:
		o.Owner = owner
	case *Settlement:
		o.Owner = owner
	case *TradeRoute:
		o.Owner = owner
	default:
		return fmt.Errorf("world: %s cannot change owner", obj.ObjectKind())
	}
	tx.events = append(tx.events, event{kind: eventOwnerChanged, ref: id, oldOwner: old, newOwner: owner})
	return nil
}

// Remove destroys the object. Its identifier is never handed out again.
func (tx *Tx) Remove(id string) error {
	if _, ok := tx.w.objects[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tx.save(id)
	delete(tx.w.objects, id)
	tx.events = append(tx.events, event{kind: eventRemove, ref: id})
	return nil
}
