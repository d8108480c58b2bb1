package ai

import (
	"slices"
	"sync"

	"colonysync/internal/sim/world"
)

// Kind is the shadow variant, chosen from the object's type and, for
// players, its nation.
type Kind string

const (
	KindEuropeanPlayer Kind = "europeanPlayer"
	KindNativePlayer   Kind = "nativePlayer"
	KindREFPlayer      Kind = "refPlayer"
	KindColony         Kind = "colony"
	KindUnit           Kind = "unit"
)

// ClassHuman is the strategy class of objects owned by human players.
const ClassHuman = "human"

func playerKind(n world.Nation) Kind {
	switch n {
	case world.NationNative:
		return KindNativePlayer
	case world.NationREF:
		return KindREFPlayer
	}
	return KindEuropeanPlayer
}

// Shadow is the AI-side companion of one game object. It holds planning
// state only; the game object itself stays in the world.
type Shadow struct {
	Ref   string
	Kind  Kind
	Owner string
	// Class is the owner's strategy class when the shadow was made.
	Class string
	Gen   uint64

	mu        sync.Mutex
	mission   string
	transport []string
	disposed  bool
}

func newShadow(gen uint64, obj world.Object, kind Kind, class string) *Shadow {
	s := &Shadow{Ref: obj.ObjectID(), Kind: kind, Owner: obj.OwnerID(), Class: class, Gen: gen}
	if u, ok := obj.(*world.Unit); ok {
		s.transport = slices.Clone(u.Cargo)
	}
	return s
}

func (s *Shadow) Mission() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mission
}

func (s *Shadow) SetMission(m string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.disposed {
		s.mission = m
	}
}

// Transport lists the units this shadow plans to carry.
func (s *Shadow) Transport() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transport)
}

func (s *Shadow) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// dispose drops this shadow's own state. Shadows it refers to, such as
// those of carried units, are left alone.
func (s *Shadow) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.mission = ""
	s.transport = nil
}
