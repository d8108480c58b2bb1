package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"colonysync/internal/ai"
	"colonysync/internal/persistence/archive"
	"colonysync/internal/persistence/indexdb"
	journal "colonysync/internal/persistence/log"
	"colonysync/internal/persistence/r2s3"
	"colonysync/internal/persistence/snapshot"
	"colonysync/internal/sim/catalogs"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/sim/rules"
	"colonysync/internal/sim/scenario"
	"colonysync/internal/sim/tuning"
	"colonysync/internal/sim/world"
	"colonysync/internal/transport/observer"
	"colonysync/internal/transport/ws"
)

type gameOptions struct {
	GameDir  string
	Scenario scenario.Config
	Tuning   tuning.Tuning
	Catalogs *catalogs.Catalogs
	// Snapshot resumes the game instead of seeding the scenario.
	Snapshot  string
	DisableDB bool
	// Mirror, when set, receives every snapshot and archive written. The
	// game closes it.
	Mirror *r2s3.Mirror
}

// game wires one world to its transports, journal and index.
type game struct {
	opts gameOptions
	log  *zap.Logger

	world      *world.World
	registry   *ai.Registry
	dispatcher *dispatch.Dispatcher
	sessions   *ws.Server
	inbox      *ai.Inbox
	observer   *observer.Server
	journal    *journal.JournalLogger
	index      *indexdb.SQLiteIndex

	snapCh chan struct{}

	mu       sync.Mutex
	lastSnap string
}

func newGame(opts gameOptions, logger *zap.Logger) (*game, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tune := opts.Tuning
	g := &game{opts: opts, log: logger, snapCh: make(chan struct{}, 1)}

	g.registry = ai.New(ai.Policy{TrackHuman: tune.AI.TrackHuman}, logger.Named("ai"))
	if opts.Snapshot != "" {
		snap, err := snapshot.ReadSnapshot(opts.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		if snap.Header.GameID != opts.Scenario.GameID {
			return nil, fmt.Errorf("snapshot game id mismatch: scenario=%s snap=%s", opts.Scenario.GameID, snap.Header.GameID)
		}
		w, err := world.FromSnapshot(snap, opts.Catalogs)
		if err != nil {
			return nil, err
		}
		w.AddListener(g.registry)
		g.world = w
		w.View(func(r world.Reader) {
			added := g.registry.Rebuild(r)
			if tune.AI.CheckOnResume {
				if g.registry.CheckIntegrity(r, true) < 0 {
					logger.Warn("AI registry still inconsistent after resume")
				}
			}
			logger.Info("resumed from snapshot", zap.String("path", filepath.Base(opts.Snapshot)),
				zap.Uint64("seq", snap.Header.Seq), zap.Int("turn", snap.Header.Turn), zap.Int("ai_objects", added))
		})
	} else {
		w, err := opts.Scenario.NewWorld(opts.Catalogs, g.registry)
		if err != nil {
			return nil, err
		}
		g.world = w
		logger.Info("started from scenario", zap.String("game", w.ID()), zap.Int("ai_objects", g.registry.Len()))
	}

	g.sessions = ws.NewServer(ws.Config{
		Version:          tune.ProtocolVersion,
		CatalogDigest:    opts.Catalogs.Digest,
		Tokens:           opts.Scenario.Tokens(),
		QueueSize:        tune.Sessions.QueueSize,
		HandshakeTimeout: time.Duration(tune.Sessions.HandshakeTimeout) * time.Millisecond,
		WriteTimeout:     time.Duration(tune.Sessions.WriteTimeout) * time.Millisecond,
		MaxMessageBytes:  int64(tune.Sessions.MaxMessageBytes),
		RatePerSecond:    tune.RateLimits.RequestsPerSecond,
		Burst:            tune.RateLimits.Burst,
	}, nil, logger.Named("ws"))

	g.inbox = ai.NewInbox(tune.AI.InboxSize, logger.Named("ai"))
	g.inbox.MaxTax = tune.AI.MaxTax

	g.dispatcher = dispatch.New(g.world, rules.NewRegistry(), dispatch.Fanout(g.sessions, g.inbox), dispatch.Config{
		InboxSize:      tune.InboxSize,
		RenderWorkers:  tune.RenderWorkers,
		VerifyRollback: tune.VerifyRollback,
	}, logger.Named("dispatch"))
	g.sessions.SetHandler(g.dispatcher)
	for _, p := range opts.Scenario.AIPlayers() {
		g.inbox.Attach(ai.NewClient(p, g.dispatcher, logger.Named("ai")))
	}

	g.observer = observer.NewServer(g.world, g.sessions, logger.Named("observer"))
	g.journal = journal.NewJournalLogger(opts.GameDir, logger)
	g.dispatcher.AddRecorder(g.journal)
	g.dispatcher.AddRecorder(g.observer)
	g.dispatcher.AddRecorder(dispatch.RecorderFunc(g.onOutcome))

	if !opts.DisableDB {
		idx, err := indexdb.OpenSQLite(filepath.Join(opts.GameDir, "index", "game.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		if err := idx.UpsertCatalogs(opts.Catalogs, tune); err != nil {
			logger.Warn("index: upsert catalogs", zap.Error(err))
		}
		g.index = idx
		g.dispatcher.AddRecorder(idx)
	}
	return g, nil
}

// onOutcome schedules a snapshot every SnapshotEveryTurns turns and when
// the game ends.
func (g *game) onOutcome(o dispatch.Outcome) {
	if o.State != dispatch.Propagated {
		return
	}
	switch o.Tag {
	case rules.AnnounceEndGame:
	case rules.AnnounceNextTurn:
		every := g.opts.Tuning.SnapshotEveryTurns
		if every <= 0 {
			return
		}
		var turn int
		g.world.View(func(r world.Reader) { turn = r.Game().Turn })
		if turn%every != 0 {
			return
		}
	default:
		return
	}
	select {
	case g.snapCh <- struct{}{}:
	default:
	}
}

func (g *game) run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.dispatcher.Run(ctx) })
	eg.Go(func() error { return g.inbox.Run(ctx) })
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.snapCh:
				if _, err := g.snapshot(); err != nil {
					g.log.Error("snapshot write", zap.Error(err))
				}
			}
		}
	})
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// snapshot writes the committed world under the game dir, named by seq.
func (g *game) snapshot() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := g.world.Snapshot()
	path := filepath.Join(g.opts.GameDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Seq))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	g.lastSnap = path
	g.index.RecordSnapshot(path, snap)
	g.opts.Mirror.Enqueue(path)
	g.log.Info("snapshot written", zap.String("path", path), zap.Uint64("seq", snap.Header.Seq), zap.Int("turn", snap.Header.Turn))

	archived, ok, err := archive.ArchiveFinalSnapshot(g.opts.GameDir, path, snap)
	if err != nil {
		g.log.Error("archive final snapshot", zap.Error(err))
	} else if ok {
		g.opts.Mirror.Enqueue(archived)
		g.opts.Mirror.Enqueue(filepath.Join(archive.Dir(g.opts.GameDir), "meta.json"))
		g.log.Info("game archived", zap.String("path", archived), zap.String("winner", snap.Winner))
	}
	return path, nil
}

func (g *game) announce(ctx context.Context, a dispatch.Announcement) (dispatch.Result, error) {
	return g.dispatcher.Announce(ctx, a)
}

func (g *game) close() {
	g.sessions.Shutdown("server shutting down")
	if err := g.journal.Close(); err != nil {
		g.log.Warn("journal close", zap.Error(err))
	}
	if g.index != nil {
		_ = g.index.Close()
	}
	g.opts.Mirror.Close()
}

// latestSnapshot finds the snapshot with the highest seq in gameDir.
func latestSnapshot(gameDir string) string {
	dir := filepath.Join(gameDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestSeq uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || seq > bestSeq {
			bestSeq = seq
			best = filepath.Join(dir, name)
		}
	}
	return best
}
