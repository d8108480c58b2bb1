package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	journal "colonysync/internal/persistence/log"
	"colonysync/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "announce":
			announceCmd(os.Args[2:])
			return
		case "header":
			headerCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	gameID := fs.String("game", "", "game id (optional; lists its snapshots)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "games")
	if *gameID != "" {
		base = filepath.Join(base, *gameID, "snapshots")
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// headerCmd prints snapshot headers without decoding the body.
func headerCmd(args []string) {
	fs := flag.NewFlagSet("header", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin header <snapshot>...")
		os.Exit(2)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, path := range fs.Args() {
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, path+":", err)
			os.Exit(1)
		}
		_ = enc.Encode(struct {
			Path string `json:"path"`
			snapshot.Header
		}{path, h})
	}
}

// journalCmd summarizes a game's journal: entries per state and tag.
func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	gameID := fs.String("game", "", "game id (required)")
	player := fs.String("player", "", "only this player's requests (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*gameID) == "" {
		fmt.Fprintln(os.Stderr, "missing -game")
		os.Exit(2)
	}
	dir := journal.JournalDir(filepath.Join(*dataDir, "games", *gameID))

	counts := map[string]int{}
	var (
		total   int
		lastSeq uint64
	)
	err := journal.ReadJournal(dir, func(e journal.JournalEntry) error {
		if *player != "" && e.Player != *player {
			return nil
		}
		total++
		counts[e.State+" "+e.Tag]++
		if e.Propagated() {
			lastSeq = e.Seq
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-40s %d\n", k, counts[k])
	}
	fmt.Printf("entries=%d last_propagated_seq=%d\n", total, lastSeq)
}
