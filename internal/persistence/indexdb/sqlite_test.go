package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"colonysync/internal/persistence/snapshot"
	"colonysync/internal/protocol"
	"colonysync/internal/sim/catalogs"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/sim/tuning"
)

func openTest(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "game.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestSQLiteIndex_RecordsOutcomes(t *testing.T) {
	idx := openTest(t)
	ctx := context.Background()
	now := time.Now()

	idx.RecordOutcome(dispatch.Outcome{
		Time: now, Seq: 1, Player: "player:a", Tag: "buildColony", State: dispatch.Propagated,
		Records: 4, Minted: []string{"colony:01"},
		Message: protocol.NewMessage("buildColony", protocol.AttrName, "Plymouth"),
	})
	idx.RecordOutcome(dispatch.Outcome{Time: now, Seq: 1, Player: "player:b", Tag: "abandonColony", State: dispatch.Rejected, Code: protocol.CodeIllegalState, Reason: "not owner"})
	idx.RecordOutcome(dispatch.Outcome{Time: now, Seq: 1, Player: "player:b", Tag: "buildColony", State: dispatch.Rejected, Code: protocol.CodeUnauthorized, Reason: "not yours"})
	idx.RecordOutcome(dispatch.Outcome{Time: now, Seq: 1, Player: "player:a", Tag: "setDestination", State: dispatch.Rejected, Code: protocol.CodeIllegalState, Reason: "no unit"})
	require.NoError(t, idx.Flush(ctx))

	all, err := Requests(ctx, idx.Reader(), RequestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "setDestination", all[0].Tag, "newest first")
	require.Equal(t, []string{"colony:01"}, all[3].Minted)

	rejects, err := Rejects(ctx, idx.Reader(), "player:b", 10)
	require.NoError(t, err)
	require.Len(t, rejects, 2)
	for _, r := range rejects {
		require.Equal(t, "player:b", r.Player)
		require.Equal(t, "REJECTED", r.State)
	}

	counts, err := RejectCounts(ctx, idx.Reader())
	require.NoError(t, err)
	require.Equal(t, map[string]int{protocol.CodeIllegalState: 2, protocol.CodeUnauthorized: 1}, counts)
}

func TestSQLiteIndex_Snapshots(t *testing.T) {
	idx := openTest(t)
	ctx := context.Background()

	_, ok, err := LatestSnapshot(ctx, idx.Reader())
	require.NoError(t, err)
	require.False(t, ok)

	for seq := uint64(10); seq <= 30; seq += 10 {
		idx.RecordSnapshot("/tmp/snap.zst", snapshot.SnapshotV1{
			Header:  snapshot.Header{Version: snapshot.Version, GameID: "g1", Seq: seq, Turn: int(seq / 10), Digest: "d"},
			Players: make([]snapshot.PlayerV1, 3),
			Units:   make([]snapshot.UnitV1, 7),
		})
	}
	require.NoError(t, idx.Flush(ctx))

	latest, ok, err := LatestSnapshot(ctx, idx.Reader())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(30), latest.Seq)
	require.Equal(t, 3, latest.Turn)
	require.Equal(t, 7, latest.Units)

	all, err := Snapshots(ctx, idx.Reader(), 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestSQLiteIndex_UpsertCatalogs(t *testing.T) {
	idx := openTest(t)
	cats := &catalogs.Catalogs{
		Units:  catalogs.UnitCatalog{ByID: map[string]catalogs.UnitTypeDef{"colonist": {ID: "colonist", Moves: 1}}, Digest: "u1"},
		Tiles:  catalogs.TileCatalog{ByID: map[string]catalogs.TileTypeDef{"plains": {ID: "plains", Settleable: true}}, Digest: "t1"},
		Digest: "all",
	}
	require.NoError(t, idx.UpsertCatalogs(cats, tuning.Defaults()))
	require.NoError(t, idx.UpsertCatalogs(cats, tuning.Defaults()))

	rows, err := idx.Reader().QueryContext(context.Background(), `SELECT name FROM catalogs ORDER BY name`)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.Equal(t, []string{"tile_types", "tuning", "unit_types"}, names)
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqOutcome}

	s.RecordOutcome(dispatch.Outcome{Seq: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.SnapshotV1{})

	st := s.Stats()
	require.Equal(t, uint64(1), st.DropRequestTotal)
	require.Equal(t, uint64(1), st.DropSnapshotTotal)
	require.Equal(t, 1, st.QueueDepth)
	require.Equal(t, 1, st.QueueCapacity)
}

func TestSQLiteIndex_NilAndClosed(t *testing.T) {
	var s *SQLiteIndex
	s.RecordOutcome(dispatch.Outcome{})
	require.NoError(t, s.Flush(context.Background()))

	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "x.sqlite"))
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())
	idx.RecordOutcome(dispatch.Outcome{})
	require.Equal(t, 0, idx.Stats().QueueDepth)

	_, err = OpenSQLite("")
	require.Error(t, err)
}
