package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"colonysync/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	gameID := fs.String("game", "", "game id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	player := fs.String("player", "", "player filter (requests, rejects)")
	code := fs.String("code", "", "error code filter (requests)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*gameID) == "" {
			fmt.Fprintln(os.Stderr, "missing -game or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "games", *gameID, "index", "game.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	var out any
	switch q {
	case "snapshots":
		out, err = indexdb.Snapshots(ctx, db, *limit)
	case "requests":
		out, err = indexdb.Requests(ctx, db, indexdb.RequestFilter{Player: *player, Code: *code, Limit: *limit})
	case "rejects":
		out, err = indexdb.Rejects(ctx, db, *player, *limit)
	case "reject_counts":
		out, err = indexdb.RejectCounts(ctx, db)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(snapshots|requests|rejects|reject_counts)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
