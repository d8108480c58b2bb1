package dispatch

import (
	"errors"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/world"
)

// Validate decides whether player may perform msg against the state read
// through r. It never writes to the world, so calling it twice with the same
// inputs yields the same answer.
//
// Checks run in order and stop at the first failure: the tag must have a
// handler, required attributes must be present, referenced objects must
// resolve, owned references must belong to player, then the handler's own
// legality predicates run.
func Validate(reg *Registry, r world.Reader, player string, msg *protocol.Message) (*Request, error) {
	if msg == nil {
		return nil, protocol.Reject(protocol.CodeMalformed, "empty message")
	}
	h, ok := reg.Lookup(msg.Tag)
	if !ok {
		return nil, protocol.Reject(protocol.CodeUnknownType, "unknown message type %q", msg.Tag)
	}
	value, err := h.Parse(msg)
	if err != nil {
		return nil, classify(err, protocol.CodeIncomplete)
	}
	if p, ok := r.Player(player); !ok || p.Dead {
		return nil, protocol.Reject(protocol.CodeUnauthorized, "%s is not an active player", player)
	}

	objs := make([]world.Object, len(h.Refs))
	for i, spec := range h.Refs {
		id := msg.Attr(spec.Attr)
		if id == "" {
			if spec.Optional {
				continue
			}
			return nil, protocol.Reject(protocol.CodeIncomplete, "%s: missing %s", msg.Tag, spec.Attr)
		}
		obj, ok := r.Resolve(id)
		if !ok || (spec.Kind != "" && obj.ObjectKind() != spec.Kind) {
			return nil, protocol.Reject(protocol.CodeIllegalState, "no such %s: %s", kindName(spec), id)
		}
		objs[i] = obj
	}
	for i, spec := range h.Refs {
		if objs[i] == nil || spec.Access != Owned {
			continue
		}
		if objs[i].OwnerID() != player {
			return nil, protocol.Reject(protocol.CodeUnauthorized, "%s %s is not yours", objs[i].ObjectKind(), objs[i].ObjectID())
		}
	}

	req := &Request{Tag: msg.Tag, Player: player, Msg: msg, Value: value}
	if h.Check != nil {
		if err := h.Check(r, req); err != nil {
			return nil, classify(err, protocol.CodeIllegalState)
		}
	}
	return req, nil
}

// classify keeps protocol errors and files anything else under code.
func classify(err error, code string) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return err
	}
	return &protocol.Error{Code: code, Reason: err.Error(), Err: err}
}

func kindName(spec RefSpec) string {
	if spec.Kind != "" {
		return string(spec.Kind)
	}
	return spec.Attr
}
