package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"colonysync/internal/persistence/snapshot"
	"colonysync/internal/sim/catalogs"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index of request outcomes and
// snapshots. The journal stays the source of truth; rows may be lost when
// the writer falls behind.
type SQLiteIndex struct {
	db *sql.DB // writer goroutine only
	ro *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropRequest  atomic.Uint64
	dropSnapshot atomic.Uint64
	writeErrors  atomic.Uint64
}

type reqKind int

const (
	reqOutcome reqKind = iota + 1
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	outcome  dispatch.Outcome
	snapshot SnapshotRow
	done     chan struct{}
}

type SnapshotRow struct {
	Seq         uint64 `json:"seq"`
	Turn        int    `json:"turn"`
	GameID      string `json:"game_id"`
	Digest      string `json:"digest"`
	Path        string `json:"path"`
	Players     int    `json:"players"`
	Units       int    `json:"units"`
	Colonies    int    `json:"colonies"`
	Settlements int    `json:"settlements"`
	TradeRoutes int    `json:"trade_routes"`
}

type RequestRow struct {
	ID      int64    `json:"id"`
	Time    string   `json:"time"`
	Seq     uint64   `json:"seq"`
	Player  string   `json:"player"`
	Tag     string   `json:"tag"`
	State   string   `json:"state"`
	Code    string   `json:"code,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Records int      `json:"records"`
	Minted  []string `json:"minted,omitempty"`
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropRequestTotal  uint64 `json:"drop_request_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	WriteErrorTotal   uint64 `json:"write_error_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// WAL lets readers run beside the open write transaction.
	ro, err := sql.Open("sqlite", path)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	ro.SetMaxOpenConns(4)
	if _, err := ro.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = ro.Close()
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ro: ro,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time TEXT NOT NULL,
			seq INTEGER NOT NULL,
			player TEXT NOT NULL,
			tag TEXT NOT NULL,
			state TEXT NOT NULL,
			code TEXT NOT NULL,
			reason TEXT NOT NULL,
			records INTEGER NOT NULL,
			minted_json TEXT,
			message_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_player ON requests(player, id);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_code ON requests(code, id);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY,
			turn INTEGER NOT NULL,
			game_id TEXT NOT NULL,
			digest TEXT NOT NULL,
			path TEXT NOT NULL,
			players INTEGER NOT NULL,
			units INTEGER NOT NULL,
			colonies INTEGER NOT NULL,
			settlements INTEGER NOT NULL,
			trade_routes INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		_ = s.ro.Close()
		err = s.db.Close()
	})
	return err
}

// RecordOutcome makes the index a dispatch.Recorder.
func (s *SQLiteIndex) RecordOutcome(o dispatch.Outcome) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqOutcome, outcome: o}:
	default:
		// Drop if the indexer falls behind; the journal remains the source of truth.
		s.dropRequest.Add(1)
	}
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := SnapshotRow{
		Seq:         snap.Header.Seq,
		Turn:        snap.Header.Turn,
		GameID:      snap.Header.GameID,
		Digest:      snap.Header.Digest,
		Path:        path,
		Players:     len(snap.Players),
		Units:       len(snap.Units),
		Colonies:    len(snap.Colonies),
		Settlements: len(snap.Settlements),
		TradeRoutes: len(snap.TradeRoutes),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// Flush commits everything queued so far. It blocks until the writer
// catches up or ctx ends.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropRequestTotal:  s.dropRequest.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		WriteErrorTotal:   s.writeErrors.Load(),
	}
}

// UpsertCatalogs stores the definitions and tuning the server runs with.
func (s *SQLiteIndex) UpsertCatalogs(cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	{
		units := make([]catalogs.UnitTypeDef, 0, len(cats.Units.ByID))
		for _, u := range cats.Units.ByID {
			units = append(units, u)
		}
		sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
		if b, _ := json.Marshal(units); len(b) > 0 {
			rows = append(rows, kv{name: "unit_types", digest: cats.Units.Digest, json: b})
		}
	}
	{
		tiles := make([]catalogs.TileTypeDef, 0, len(cats.Tiles.ByID))
		for _, t := range cats.Tiles.ByID {
			tiles = append(tiles, t)
		}
		sort.Slice(tiles, func(i, j int) bool { return tiles[i].ID < tiles[j].ID })
		if b, _ := json.Marshal(tiles); len(b) > 0 {
			rows = append(rows, kv{name: "tile_types", digest: cats.Tiles.Digest, json: b})
		}
	}
	// Tuning: store the values we actually apply (canonical JSON).
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('catalog_digest',?)`, cats.Digest); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRequest, _ := s.db.Prepare(`INSERT INTO requests(time,seq,player,tag,state,code,reason,records,minted_json,message_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(seq,turn,game_id,digest,path,players,units,colonies,settlements,trade_routes) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertRequest != nil {
			_ = insertRequest.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrors.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			flushIfNeeded()
			continue
		}

		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqOutcome:
			o := r.outcome
			var minted, message any
			if len(o.Minted) > 0 {
				b, _ := json.Marshal(o.Minted)
				minted = string(b)
			}
			if o.Message != nil {
				if b, err := json.Marshal(o.Message); err == nil {
					message = string(b)
				}
			}
			if insertRequest != nil {
				if _, err := tx.Stmt(insertRequest).Exec(
					o.Time.UTC().Format(time.RFC3339Nano),
					int64(o.Seq),
					o.Player,
					o.Tag,
					o.State.String(),
					o.Code,
					o.Reason,
					o.Records,
					minted,
					message,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					int64(sn.Seq),
					sn.Turn,
					sn.GameID,
					sn.Digest,
					sn.Path,
					sn.Players,
					sn.Units,
					sn.Colonies,
					sn.Settlements,
					sn.TradeRoutes,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}
}
