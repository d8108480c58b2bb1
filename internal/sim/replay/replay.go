// Package replay rebuilds a world by running journaled requests through a
// private dispatcher on top of a snapshot.
package replay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	journal "colonysync/internal/persistence/log"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/sim/rules"
	"colonysync/internal/sim/world"
)

type Options struct {
	// ToSeq stops after the entry with this seq. Zero replays everything.
	ToSeq uint64
	Log   *zap.Logger
}

type Result struct {
	Applied int    `json:"applied"`
	Skipped int    `json:"skipped"`
	Seq     uint64 `json:"seq"`
	Digest  string `json:"digest"`
}

var ErrDiverged = errors.New("replay: diverged from journal")

// Run applies every propagated entry under dir whose seq is past the
// world's. Entries must follow on without gaps; any difference in outcome
// or minted identifiers is reported as ErrDiverged.
func Run(ctx context.Context, w *world.World, dir string, opts Options) (Result, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	ids := &idQueue{}
	w.SetIDSource(ids.next)

	d := dispatch.New(w, rules.NewRegistry(), nil, dispatch.Config{InboxSize: 1, RenderWorkers: 1}, opts.Log)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var res Result
	err := journal.ReadJournal(dir, func(e journal.JournalEntry) error {
		if !e.Propagated() {
			return nil
		}
		if e.Seq <= w.Seq() {
			res.Skipped++
			return nil
		}
		if opts.ToSeq != 0 && e.Seq > opts.ToSeq {
			return journal.ErrStop
		}
		if want := w.Seq() + 1; e.Seq != want {
			return fmt.Errorf("%w: journal jumps to seq %d, want %d", ErrDiverged, e.Seq, want)
		}
		if e.Message == nil {
			return fmt.Errorf("%w: seq %d has no message", ErrDiverged, e.Seq)
		}
		if err := apply(ctx, d, ids, e); err != nil {
			return err
		}
		res.Applied++
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Seq = w.Seq()
	res.Digest = w.Digest()
	return res, nil
}

func apply(ctx context.Context, d *dispatch.Dispatcher, ids *idQueue, e journal.JournalEntry) error {
	ids.reset(e.Minted)

	var (
		out dispatch.Result
		err error
	)
	if e.Player != "" {
		out, err = d.Submit(ctx, e.Player, e.Message)
	} else {
		a, perr := rules.ParseAnnouncement(e.Message)
		if perr != nil {
			return fmt.Errorf("%w: seq %d: %v", ErrDiverged, e.Seq, perr)
		}
		out, err = d.Announce(ctx, a)
	}
	if err != nil {
		return err
	}
	if out.State != dispatch.Propagated {
		return fmt.Errorf("%w: seq %d %s was %s: %v", ErrDiverged, e.Seq, e.Tag, out.State, out.Err)
	}
	if left, over := ids.drained(); left > 0 || over {
		return fmt.Errorf("%w: seq %d %s minted a different number of ids", ErrDiverged, e.Seq, e.Tag)
	}
	if got := d.World().Seq(); got != e.Seq {
		return fmt.Errorf("%w: seq %d applied as %d", ErrDiverged, e.Seq, got)
	}
	return nil
}

// idQueue hands out the identifiers a journaled mutation minted. It is
// reset between requests; the dispatcher goroutine only reads it while a
// request is in flight.
type idQueue struct {
	pending []string
	over    bool
	n       int
}

func (q *idQueue) reset(ids []string) {
	q.pending = append(q.pending[:0], ids...)
	q.over = false
}

func (q *idQueue) next(k world.Kind) string {
	if len(q.pending) == 0 {
		q.over = true
		q.n++
		return fmt.Sprintf("%s:replay-%d", k, q.n)
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	return id
}

func (q *idQueue) drained() (int, bool) { return len(q.pending), q.over }
