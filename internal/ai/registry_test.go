package ai_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"colonysync/internal/ai"
	"colonysync/internal/protocol"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/sim/rules"
	"colonysync/internal/sim/world"
	"colonysync/internal/sim/worldtest"
)

func view(w *world.World) world.Reader {
	var rd world.Reader
	w.View(func(r world.Reader) { rd = r })
	return rd
}

func setOwner(t *testing.T, w *world.World, ref, owner string) {
	t.Helper()
	require.NoError(t, w.Update(func(tx *world.Tx) error { return tx.SetOwner(ref, owner) }))
}

func TestRegistry_SeedBijection(t *testing.T) {
	reg := ai.New(ai.DefaultPolicy(), nil)
	w := worldtest.New(t, reg)

	st := reg.Stats()
	require.Equal(t, map[ai.Kind]int{
		ai.KindEuropeanPlayer: 1,
		ai.KindNativePlayer:   1,
		ai.KindREFPlayer:      1,
		ai.KindColony:         3,
		ai.KindUnit:           12,
	}, st.ByKind)
	require.Equal(t, uint64(18), st.Created)

	w.View(func(r world.Reader) {
		require.Equal(t, 1, reg.CheckIntegrity(r, false))
	})
	_, ok := reg.Get(worldtest.PlayerA)
	require.False(t, ok, "human players have no shadow")
	s, ok := reg.Get(worldtest.FortOrangeAI)
	require.True(t, ok)
	require.Equal(t, "european/conquest", s.Class)
	s, ok = reg.Get(worldtest.BostonA)
	require.True(t, ok)
	require.Equal(t, ai.ClassHuman, s.Class)
}

func TestRegistry_AIOnlyPolicy(t *testing.T) {
	reg := ai.New(ai.Policy{}, nil)
	w := worldtest.New(t, reg)
	require.Equal(t, []string{
		worldtest.FortOrangeAI,
		worldtest.PlayerAI,
		worldtest.PlayerNative,
		worldtest.PlayerREF,
		worldtest.ColonistAI,
		worldtest.WorkerAI,
		worldtest.Brave,
		worldtest.Regular,
	}, reg.Refs())

	// Ceding to an AI player creates the shadow; handing it back to a
	// human disposes it.
	setOwner(t, w, worldtest.BostonA, worldtest.PlayerAI)
	s, ok := reg.Get(worldtest.BostonA)
	require.True(t, ok)
	require.Equal(t, worldtest.PlayerAI, s.Owner)

	setOwner(t, w, worldtest.BostonA, worldtest.PlayerA)
	_, ok = reg.Get(worldtest.BostonA)
	require.False(t, ok)
	require.True(t, s.Disposed())
	w.View(func(r world.Reader) {
		require.Equal(t, 1, reg.CheckIntegrity(r, false))
	})
}

func TestRegistry_OwnerChangeReplacesShadow(t *testing.T) {
	reg := ai.New(ai.DefaultPolicy(), nil)
	w := worldtest.New(t, reg)
	before, _ := reg.Get(worldtest.ColonistC)
	n := reg.Len()

	setOwner(t, w, worldtest.ColonistC, worldtest.PlayerAI)
	after, ok := reg.Get(worldtest.ColonistC)
	require.True(t, ok)
	require.NotSame(t, before, after)
	require.True(t, before.Disposed())
	require.False(t, after.Disposed())
	require.Equal(t, "european/conquest", after.Class)
	require.Equal(t, n, reg.Len(), "never two shadows for one object")
}

func TestRegistry_ReadersNeverSeeAGap(t *testing.T) {
	reg := ai.New(ai.DefaultPolicy(), nil)
	w := worldtest.New(t, reg)

	var stop atomic.Bool
	var gaps atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				if _, ok := reg.Get(worldtest.ColonistC); !ok {
					gaps.Add(1)
				}
			}
		}()
	}
	owners := []string{worldtest.PlayerAI, worldtest.PlayerC}
	for i := 0; i < 200; i++ {
		setOwner(t, w, worldtest.ColonistC, owners[i%2])
	}
	stop.Store(true)
	wg.Wait()
	require.Zero(t, gaps.Load())
}

func TestRegistry_DisposeDoesNotCascade(t *testing.T) {
	reg := ai.New(ai.DefaultPolicy(), nil)
	w := worldtest.New(t, reg)

	caravel, ok := reg.Get(worldtest.CaravelA)
	require.True(t, ok)
	require.Equal(t, []string{worldtest.CargoA}, caravel.Transport())
	caravel.SetMission("transport")

	require.NoError(t, w.Update(func(tx *world.Tx) error { return tx.Remove(worldtest.CaravelA) }))
	require.True(t, caravel.Disposed())
	require.Empty(t, caravel.Transport())
	require.Empty(t, caravel.Mission())

	cargo, ok := reg.Get(worldtest.CargoA)
	require.True(t, ok)
	require.False(t, cargo.Disposed())
}

func TestRegistry_RebuildAndIntegrity(t *testing.T) {
	reg := ai.New(ai.DefaultPolicy(), nil)
	w := worldtest.New(t)

	rd := view(w)
	require.Equal(t, -1, reg.CheckIntegrity(rd, false))
	require.Zero(t, reg.Len())
	require.Equal(t, 18, reg.Rebuild(rd))
	require.Zero(t, reg.Rebuild(rd))
	require.Equal(t, 1, reg.CheckIntegrity(rd, false))

	// The registry is not listening, so this removal leaves a stale shadow.
	require.NoError(t, w.Update(func(tx *world.Tx) error { return tx.Remove(worldtest.ColonistC) }))
	setOwner(t, w, worldtest.WorkerA, worldtest.PlayerAI)
	rd = view(w)
	require.Equal(t, -1, reg.CheckIntegrity(rd, false))
	require.Equal(t, 0, reg.CheckIntegrity(rd, true))
	require.Equal(t, 1, reg.CheckIntegrity(rd, false))

	_, ok := reg.Get(worldtest.ColonistC)
	require.False(t, ok)
	s, ok := reg.Get(worldtest.WorkerA)
	require.True(t, ok)
	require.Equal(t, worldtest.PlayerAI, s.Owner)
}

func TestRegistry_FromSnapshot(t *testing.T) {
	w := worldtest.New(t)
	restored, err := world.FromSnapshot(w.Snapshot(), worldtest.Catalogs(t))
	require.NoError(t, err)

	reg := ai.New(ai.DefaultPolicy(), nil)
	restored.AddListener(reg)
	restored.View(func(r world.Reader) {
		require.Equal(t, 18, reg.Rebuild(r))
		require.Equal(t, 1, reg.CheckIntegrity(r, false))
	})
}

type nobody struct{}

func (nobody) Send(string, *protocol.Message) bool { return true }
func (nobody) Connected() []string                { return nil }

func TestRegistry_AbandonedColonyLosesShadow(t *testing.T) {
	reg := ai.New(ai.DefaultPolicy(), nil)
	w := worldtest.New(t, reg)
	d := dispatch.New(w, rules.NewRegistry(), nobody{}, dispatch.Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go d.Run(ctx)

	shadow, ok := reg.Get(worldtest.PlymouthA)
	require.True(t, ok)
	c := ai.NewClient(worldtest.PlayerA, d, nil)
	require.NoError(t, c.AbandonColony(ctx, worldtest.PlymouthA))
	_, ok = reg.Get(worldtest.PlymouthA)
	require.False(t, ok)
	require.True(t, shadow.Disposed())

	err := c.AbandonColony(ctx, worldtest.BostonA)
	require.ErrorIs(t, err, protocol.ErrIllegalState)
	_, ok = reg.Get(worldtest.BostonA)
	require.True(t, ok)

	require.NoError(t, c.PutOutsideColony(ctx, worldtest.WorkerA))
	require.NoError(t, c.AbandonColony(ctx, worldtest.BostonA))
	_, ok = reg.Get(worldtest.BostonA)
	require.False(t, ok)
}
