package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
)

type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Reader returns the read side of the index for the query functions.
func (s *SQLiteIndex) Reader() Queryer { return s.ro }

// RequestFilter selects rows of the requests table. Zero fields match
// everything.
type RequestFilter struct {
	Player string
	Code   string
	State  string
	Limit  int
}

// Requests returns the newest matching requests first.
func Requests(ctx context.Context, db Queryer, f RequestFilter) ([]RequestRow, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	var (
		where []string
		args  []any
	)
	if f.Player != "" {
		where = append(where, "player = ?")
		args = append(args, f.Player)
	}
	if f.Code != "" {
		where = append(where, "code = ?")
		args = append(args, f.Code)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	q := `SELECT id,time,seq,player,tag,state,code,reason,records,minted_json FROM requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RequestRow
	for rows.Next() {
		var (
			r      RequestRow
			minted sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Time, &r.Seq, &r.Player, &r.Tag, &r.State, &r.Code, &r.Reason, &r.Records, &minted); err != nil {
			return nil, err
		}
		if minted.Valid && minted.String != "" {
			_ = json.Unmarshal([]byte(minted.String), &r.Minted)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rejects returns the newest rejected requests first.
func Rejects(ctx context.Context, db Queryer, player string, limit int) ([]RequestRow, error) {
	return Requests(ctx, db, RequestFilter{Player: player, State: "REJECTED", Limit: limit})
}

// RejectCounts counts rejected requests per error code.
func RejectCounts(ctx context.Context, db Queryer) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT code, COUNT(*) FROM requests WHERE state = 'REJECTED' GROUP BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			code string
			n    int
		)
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		out[code] = n
	}
	return out, rows.Err()
}

// Snapshots returns the newest snapshots first.
func Snapshots(ctx context.Context, db Queryer, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `SELECT seq,turn,game_id,digest,path,players,units,colonies,settlements,trade_routes FROM snapshots ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.Seq, &r.Turn, &r.GameID, &r.Digest, &r.Path, &r.Players, &r.Units, &r.Colonies, &r.Settlements, &r.TradeRoutes); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSnapshot reports the newest snapshot, if any.
func LatestSnapshot(ctx context.Context, db Queryer) (SnapshotRow, bool, error) {
	rows, err := Snapshots(ctx, db, 1)
	if err != nil || len(rows) == 0 {
		return SnapshotRow{}, false, err
	}
	return rows[0], true, nil
}
