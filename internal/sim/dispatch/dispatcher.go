package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/changes"
	"colonysync/internal/sim/world"
)

// State is the position of a request in the pipeline.
type State uint8

const (
	Received State = iota
	Decoded
	Validated
	Mutated
	Propagated
	Rejected
)

func (s State) String() string {
	switch s {
	case Received:
		return "RECEIVED"
	case Decoded:
		return "DECODED"
	case Validated:
		return "VALIDATED"
	case Mutated:
		return "MUTATED"
	case Propagated:
		return "PROPAGATED"
	case Rejected:
		return "REJECTED"
	}
	return "UNKNOWN"
}

// Sessions is the transport as seen by the dispatcher.
type Sessions interface {
	// Send queues m for player without blocking. It reports false when the
	// message was dropped.
	Send(player string, m *protocol.Message) bool
	// Connected lists the players with a live session.
	Connected() []string
}

// Outcome describes how one request ended.
type Outcome struct {
	Time    time.Time
	Seq     uint64
	Player  string
	Tag     string
	State   State
	Code    string
	Reason  string
	Records int
	Message *protocol.Message
	// Minted lists identifiers generated by the mutation, in order.
	Minted []string
}

type Recorder interface {
	RecordOutcome(Outcome)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Outcome)

func (f RecorderFunc) RecordOutcome(o Outcome) { f(o) }

type Config struct {
	InboxSize     int
	RenderWorkers int
	// VerifyRollback compares world digests around failed mutations.
	VerifyRollback bool
}

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.RenderWorkers <= 0 {
		c.RenderWorkers = 4
	}
	return c
}

type Result struct {
	State   State
	Err     error
	Changes *changes.ChangeSet
}

// Mutation is a server-originated change run through the same serial loop
// as client requests.
type Mutation func(tx *world.Tx, b *changes.Builder) error

// Announcement is a server-originated change with the message that names
// it in the journal.
type Announcement struct {
	Message *protocol.Message
	Apply   Mutation
}

type job struct {
	player string
	msg    *protocol.Message
	fn     Mutation
	resp   chan Result
}

// Dispatcher owns the mutation side of one world. Validation may run on any
// goroutine; mutation and propagation run on the Run goroutine only.
type Dispatcher struct {
	cfg      Config
	world    *world.World
	reg      *Registry
	sessions Sessions
	log      *zap.Logger

	recMu     sync.RWMutex
	recorders []Recorder

	inbox chan job
	stats counters
}

func New(w *world.World, reg *Registry, sessions Sessions, cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		world:    w,
		reg:      reg,
		sessions: sessions,
		log:      log,
		inbox:    make(chan job, cfg.InboxSize),
		stats:    counters{rejected: map[string]uint64{}},
	}
}

func (d *Dispatcher) World() *world.World    { return d.world }
func (d *Dispatcher) Registry() *Registry    { return d.reg }
func (d *Dispatcher) SetSessions(s Sessions) { d.sessions = s }

func (d *Dispatcher) AddRecorder(r Recorder) {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	d.recorders = append(d.recorders, r)
}

// Run processes queued requests one at a time until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-d.inbox:
			d.process(j)
		}
	}
}

// ErrDisconnect is returned by Handle when the client asked to leave.
var ErrDisconnect = errors.New("dispatch: client disconnect")

// Handle is the transport entry point for raw bytes from player. Bytes that
// do not decode are logged and dropped without a reply.
func (d *Dispatcher) Handle(ctx context.Context, player string, raw []byte, codec protocol.Codec) error {
	d.stats.received.Add(1)
	msg, err := codec.Decode(raw)
	if err != nil {
		d.stats.malformed.Add(1)
		d.log.Warn("malformed message", zap.String("player", player), zap.Int("bytes", len(raw)), zap.Error(err))
		return nil
	}
	if msg.Tag == protocol.TagDisconnect {
		return ErrDisconnect
	}
	if err := d.enqueue(ctx, job{player: player, msg: msg}); err != nil {
		d.log.Debug("request dropped", zap.String("player", player), zap.String("tag", msg.Tag), zap.Error(err))
		return err
	}
	return nil
}

// Submit runs msg on behalf of player and waits for its outcome.
func (d *Dispatcher) Submit(ctx context.Context, player string, msg *protocol.Message) (Result, error) {
	d.stats.received.Add(1)
	j := job{player: player, msg: msg, resp: make(chan Result, 1)}
	if err := d.enqueue(ctx, j); err != nil {
		return Result{}, err
	}
	return wait(ctx, j.resp)
}

// Announce runs a server-originated mutation and propagates its changes.
func (d *Dispatcher) Announce(ctx context.Context, a Announcement) (Result, error) {
	if a.Message == nil || a.Apply == nil {
		return Result{}, errors.New("dispatch: incomplete announcement")
	}
	j := job{msg: a.Message, fn: a.Apply, resp: make(chan Result, 1)}
	select {
	case d.inbox <- j:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return wait(ctx, j.resp)
}

func wait(ctx context.Context, resp chan Result) (Result, error) {
	select {
	case r := <-resp:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// enqueue validates against a read view first so obviously bad requests
// never reach the serial loop; the loop validates again before mutating.
func (d *Dispatcher) enqueue(ctx context.Context, j job) error {
	var err error
	d.world.View(func(r world.Reader) {
		_, err = Validate(d.reg, r, j.player, j.msg)
	})
	if err != nil {
		res := d.reject(j, err)
		if j.resp != nil {
			j.resp <- res
		}
		return nil
	}
	select {
	case d.inbox <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) process(j job) {
	var before string
	if d.cfg.VerifyRollback {
		before = d.world.Digest()
	}

	state := Decoded
	var cs *changes.ChangeSet
	var minted []string
	err := d.world.Update(func(tx *world.Tx) error {
		var b changes.Builder
		if j.fn != nil {
			state = Validated
			if err := j.fn(tx, &b); err != nil {
				return err
			}
		} else {
			req, err := Validate(d.reg, tx, j.player, j.msg)
			if err != nil {
				return err
			}
			state = Validated
			h, _ := d.reg.Lookup(req.Tag)
			if err := h.Apply(tx, req, &b); err != nil {
				return err
			}
		}
		state = Mutated
		cs = b.Build()
		minted = tx.Minted()
		return nil
	})
	if err != nil {
		// Announcements keep the code they fail with.
		if state == Validated && (j.fn == nil || protocol.CodeOf(err) == protocol.CodeInternal) {
			err = domainError(err)
			if d.cfg.VerifyRollback {
				if after := d.world.Digest(); after != before {
					d.stats.integrityFailures.Add(1)
					d.log.Error("integrity check failed: world changed by a failed mutation",
						zap.String("player", j.player), zap.String("tag", j.tag()),
						zap.String("before", before), zap.String("after", after), zap.Error(err))
				}
			}
		}
		res := d.reject(j, err)
		if j.resp != nil {
			j.resp <- res
		}
		return
	}

	d.stats.accepted.Add(1)
	d.propagate(cs)
	d.record(Outcome{
		Time:    time.Now().UTC(),
		Seq:     d.world.Seq(),
		Player:  j.player,
		Tag:     j.tag(),
		State:   Propagated,
		Records: len(cs.Records),
		Message: j.msg,
		Minted:  minted,
	})
	if j.resp != nil {
		j.resp <- Result{State: Propagated, Changes: cs}
	}
}

func (j job) tag() string {
	if j.msg != nil {
		return j.msg.Tag
	}
	return ""
}

func domainError(err error) error {
	if errors.Is(err, protocol.ErrDomain) {
		return err
	}
	return &protocol.Error{Code: protocol.CodeDomain, Reason: protocol.ReasonOf(err), Err: err}
}

// reject ends a request. The error notice goes to the originating player
// only; nothing is propagated.
func (d *Dispatcher) reject(j job, err error) Result {
	code := protocol.CodeOf(err)
	d.stats.reject(code)

	fields := []zap.Field{
		zap.String("player", j.player),
		zap.String("tag", j.tag()),
		zap.String("code", code),
		zap.String("reason", protocol.ReasonOf(err)),
	}
	switch code {
	case protocol.CodeUnauthorized:
		d.log.Warn("potential cheat: unauthorized request", fields...)
	case protocol.CodeDomain, protocol.CodeInternal:
		d.log.Error("request failed", append(fields, zap.Error(err))...)
	default:
		d.log.Info("request rejected", fields...)
	}

	if j.player != "" {
		d.send(j.player, protocol.NewErrorNotice(err, j.tag()))
	}
	d.record(Outcome{
		Time:    time.Now().UTC(),
		Seq:     d.world.Seq(),
		Player:  j.player,
		Tag:     j.tag(),
		State:   Rejected,
		Code:    code,
		Reason:  protocol.ReasonOf(err),
		Message: j.msg,
	})
	return Result{State: Rejected, Err: err}
}

// propagate renders cs for every connected player in parallel, then queues
// the results in player order.
func (d *Dispatcher) propagate(cs *changes.ChangeSet) {
	if cs.Empty() || d.sessions == nil {
		return
	}
	players := d.sessions.Connected()
	rendered := make([]*protocol.Message, len(players))
	d.world.View(func(r world.Reader) {
		var g errgroup.Group
		g.SetLimit(d.cfg.RenderWorkers)
		for i, p := range players {
			g.Go(func() error {
				rendered[i] = changes.RenderFor(cs, p, r)
				return nil
			})
		}
		_ = g.Wait()
	})
	for i, p := range players {
		if rendered[i] != nil {
			d.send(p, rendered[i])
		}
		for _, n := range changes.NoticesFor(cs, p) {
			d.send(p, n)
		}
	}
}

func (d *Dispatcher) send(player string, m *protocol.Message) {
	if d.sessions == nil || !d.sessions.Send(player, m) {
		d.stats.dropped.Add(1)
		d.log.Debug("send dropped", zap.String("player", player), zap.String("tag", m.Tag))
	}
}

func (d *Dispatcher) record(o Outcome) {
	d.recMu.RLock()
	defer d.recMu.RUnlock()
	for _, r := range d.recorders {
		r.RecordOutcome(o)
	}
}

type counters struct {
	received          atomic.Uint64
	malformed         atomic.Uint64
	accepted          atomic.Uint64
	dropped           atomic.Uint64
	integrityFailures atomic.Uint64

	mu       sync.Mutex
	rejected map[string]uint64
}

func (c *counters) reject(code string) {
	c.mu.Lock()
	c.rejected[code]++
	c.mu.Unlock()
}

type Stats struct {
	Received          uint64
	Malformed         uint64
	Accepted          uint64
	Dropped           uint64
	IntegrityFailures uint64
	Rejected          map[string]uint64
	QueueDepth        int
}

func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Received:          d.stats.received.Load(),
		Malformed:         d.stats.malformed.Load(),
		Accepted:          d.stats.accepted.Load(),
		Dropped:           d.stats.dropped.Load(),
		IntegrityFailures: d.stats.integrityFailures.Load(),
		Rejected:          map[string]uint64{},
		QueueDepth:        len(d.inbox),
	}
	d.stats.mu.Lock()
	for k, v := range d.stats.rejected {
		s.Rejected[k] = v
	}
	d.stats.mu.Unlock()
	return s
}
