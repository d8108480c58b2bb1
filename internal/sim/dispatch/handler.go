// Package dispatch routes decoded requests through validation, mutation and
// per-recipient propagation.
package dispatch

import (
	"fmt"
	"sort"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/changes"
	"colonysync/internal/sim/world"
)

type Access uint8

const (
	// Owned references must belong to the requesting player.
	Owned Access = iota
	// ReadOnly references only need to resolve.
	ReadOnly
)

// RefSpec declares one attribute of a message that names a world object.
type RefSpec struct {
	Attr     string
	Kind     world.Kind // "" accepts any kind
	Access   Access
	Optional bool
}

// Request is a message that passed validation.
type Request struct {
	Tag    string
	Player string
	Msg    *protocol.Message
	Value  any
}

// Handler is the validate/apply pair registered for one tag. Check and
// Apply see the typed value produced by Parse.
type Handler struct {
	Tag   string
	Refs  []RefSpec
	Parse func(*protocol.Message) (any, error)
	// Check holds the action specific legality predicates. It must not
	// modify the world.
	Check func(world.Reader, *Request) error
	// Apply mutates the world and describes what changed. An error rolls
	// the whole mutation back.
	Apply func(*world.Tx, *Request, *changes.Builder) error
}

// Define builds a handler around a typed request value.
func Define[T any](
	tag string,
	refs []RefSpec,
	parse func(*protocol.Message) (T, error),
	check func(r world.Reader, player string, v T) error,
	apply func(tx *world.Tx, player string, v T, b *changes.Builder) error,
) Handler {
	h := Handler{
		Tag:  tag,
		Refs: refs,
		Parse: func(m *protocol.Message) (any, error) {
			return parse(m)
		},
		Apply: func(tx *world.Tx, req *Request, b *changes.Builder) error {
			return apply(tx, req.Player, req.Value.(T), b)
		},
	}
	if check != nil {
		h.Check = func(r world.Reader, req *Request) error {
			return check(r, req.Player, req.Value.(T))
		}
	}
	return h
}

// Registry maps tags to handlers. It is filled at startup and read-only
// afterwards.
type Registry struct {
	byTag map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{byTag: map[string]Handler{}}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register panics on an incomplete handler or a duplicate tag.
func (r *Registry) Register(h Handler) {
	if h.Tag == "" || h.Parse == nil || h.Apply == nil {
		panic(fmt.Sprintf("dispatch: incomplete handler %q", h.Tag))
	}
	if _, dup := r.byTag[h.Tag]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for %q", h.Tag))
	}
	r.byTag[h.Tag] = h
}

func (r *Registry) Lookup(tag string) (Handler, bool) {
	h, ok := r.byTag[tag]
	return h, ok
}

func (r *Registry) Tags() []string {
	out := make([]string, 0, len(r.byTag))
	for t := range r.byTag {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
