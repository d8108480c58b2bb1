// Package ai keeps the AI shadow of every game object that needs one and
// lets in-process AI players act through the same request path as clients.
package ai

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"colonysync/internal/sim/world"
)

// Policy selects which objects get a shadow besides AI players.
type Policy struct {
	// TrackHuman also shadows colonies and units of human players, so AI
	// players can plan around them.
	TrackHuman bool
}

func DefaultPolicy() Policy { return Policy{TrackHuman: true} }

type table map[string]*Shadow

// Registry maps game object references to shadows. Writers serialize on a
// mutex and publish a fresh table; readers load the published table
// without locking and never see a half-applied mapping change.
type Registry struct {
	policy Policy
	log    *zap.Logger

	mu  sync.Mutex
	gen uint64
	cur atomic.Pointer[table]

	created  atomic.Uint64
	disposed atomic.Uint64
}

func New(policy Policy, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{policy: policy, log: log}
	r.cur.Store(&table{})
	return r
}

func (r *Registry) load() table { return *r.cur.Load() }

// mutate applies fn to a copy of the table and publishes it.
func (r *Registry) mutate(fn func(t table)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := maps.Clone(r.load())
	fn(next)
	r.cur.Store(&next)
}

func (r *Registry) Get(ref string) (*Shadow, bool) {
	s, ok := r.load()[ref]
	return s, ok
}

func (r *Registry) Len() int { return len(r.load()) }

// Refs returns the shadowed references in sorted order.
func (r *Registry) Refs() []string {
	return slices.Sorted(maps.Keys(r.load()))
}

// wants reports whether obj needs a shadow, and of which kind and class.
func (r *Registry) wants(rd world.Reader, obj world.Object) (Kind, string, bool) {
	switch o := obj.(type) {
	case *world.Player:
		if !o.AI {
			return "", "", false
		}
		return playerKind(o.Nation), strategyClass(o), true
	case *world.Colony:
		class, ok := r.ownerClass(rd, o.Owner)
		return KindColony, class, ok
	case *world.Unit:
		class, ok := r.ownerClass(rd, o.Owner)
		return KindUnit, class, ok
	}
	return "", "", false
}

func (r *Registry) ownerClass(rd world.Reader, owner string) (string, bool) {
	p, ok := rd.Player(owner)
	if !ok {
		return "", false
	}
	if !p.AI {
		return ClassHuman, r.policy.TrackHuman
	}
	return strategyClass(p), true
}

func strategyClass(p *world.Player) string {
	if p.Strategy == "" {
		return string(p.Nation)
	}
	return string(p.Nation) + "/" + p.Strategy
}

func (r *Registry) shadowFor(obj world.Object, kind Kind, class string) *Shadow {
	r.gen++
	r.created.Add(1)
	return newShadow(r.gen, obj, kind, class)
}

func (r *Registry) drop(t table, ref string) {
	if s, ok := t[ref]; ok {
		s.dispose()
		delete(t, ref)
		r.disposed.Add(1)
	}
}

// OnCreate gives a newly created object its shadow.
func (r *Registry) OnCreate(rd world.Reader, obj world.Object) {
	kind, class, ok := r.wants(rd, obj)
	if !ok {
		return
	}
	r.mutate(func(t table) {
		if _, exists := t[obj.ObjectID()]; exists {
			r.log.Warn("replacing AI object", zap.String("ref", obj.ObjectID()))
			r.drop(t, obj.ObjectID())
		}
		t[obj.ObjectID()] = r.shadowFor(obj, kind, class)
	})
}

// OnOwnerChanged always retires the existing shadow, then makes a new one
// if the object still needs it under its new owner.
func (r *Registry) OnOwnerChanged(rd world.Reader, obj world.Object, oldOwner, newOwner string) {
	kind, class, ok := r.wants(rd, obj)
	r.mutate(func(t table) {
		r.drop(t, obj.ObjectID())
		if ok {
			t[obj.ObjectID()] = r.shadowFor(obj, kind, class)
		}
	})
	r.log.Debug("AI object owner changed",
		zap.String("ref", obj.ObjectID()),
		zap.String("from", oldOwner),
		zap.String("to", newOwner),
		zap.Bool("shadowed", ok))
}

// OnRemove disposes the shadow of a removed object.
func (r *Registry) OnRemove(_ world.Reader, ref string) {
	if _, ok := r.Get(ref); !ok {
		return
	}
	r.mutate(func(t table) { r.drop(t, ref) })
}

// Rebuild adds a shadow for every object that needs one and lacks it, as
// after loading a saved game. It returns the number added.
func (r *Registry) Rebuild(rd world.Reader) int {
	added := 0
	r.mutate(func(t table) {
		for _, obj := range rd.Objects() {
			if _, ok := t[obj.ObjectID()]; ok {
				continue
			}
			if kind, class, ok := r.wants(rd, obj); ok {
				t[obj.ObjectID()] = r.shadowFor(obj, kind, class)
				added++
			}
		}
	})
	if added > 0 {
		r.log.Info("AI objects rebuilt", zap.Int("added", added), zap.Int("total", r.Len()))
	}
	return added
}

func (r *Registry) valid(rd world.Reader, s *Shadow) bool {
	obj, ok := rd.Resolve(s.Ref)
	if !ok {
		return false
	}
	kind, class, ok := r.wants(rd, obj)
	return ok && kind == s.Kind && class == s.Class && obj.OwnerID() == s.Owner
}

// CheckIntegrity compares the registry with the world. It returns 1 when
// they agree, 0 when fix repaired every problem, and -1 when problems
// remain.
func (r *Registry) CheckIntegrity(rd world.Reader, fix bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.load()
	next := maps.Clone(cur)
	result := 1
	report := func(msg, ref string) {
		if fix {
			r.log.Warn(msg+", fixed", zap.String("ref", ref))
			result = min(result, 0)
			return
		}
		r.log.Warn(msg, zap.String("ref", ref))
		result = -1
	}

	for _, ref := range slices.Sorted(maps.Keys(cur)) {
		if s := cur[ref]; !r.valid(rd, s) {
			report("invalid AI object", ref)
			if fix {
				r.drop(next, ref)
			}
		}
	}
	for _, obj := range rd.Objects() {
		kind, class, ok := r.wants(rd, obj)
		if !ok {
			continue
		}
		if _, ok := next[obj.ObjectID()]; ok {
			continue
		}
		report("missing AI object", obj.ObjectID())
		if fix {
			next[obj.ObjectID()] = r.shadowFor(obj, kind, class)
		}
	}
	if fix {
		r.cur.Store(&next)
	}
	return result
}

type Stats struct {
	ByKind   map[Kind]int `json:"by_kind"`
	Created  uint64       `json:"created"`
	Disposed uint64       `json:"disposed"`
}

func (r *Registry) Stats() Stats {
	st := Stats{ByKind: map[Kind]int{}, Created: r.created.Load(), Disposed: r.disposed.Load()}
	for _, s := range r.load() {
		st.ByKind[s.Kind]++
	}
	return st
}
