package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	journal "colonysync/internal/persistence/log"
	"colonysync/internal/persistence/snapshot"
	"colonysync/internal/sim/catalogs"
	"colonysync/internal/sim/replay"
	"colonysync/internal/sim/world"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		journalDir = flag.String("journal", "", "journal dir containing journal-*.jsonl.zst (optional)")
		gameDir    = flag.String("game", "", "game data dir; shorthand for -journal <game>/journal")
		configDir  = flag.String("configs", "./configs", "config directory")
		toSeq      = flag.Uint64("to_seq", 0, "stop at seq (inclusive, optional)")
		expect     = flag.String("expect", "", "snapshot the replayed world must match (optional)")
		out        = flag.String("out", "", "write the replayed world to this snapshot path (optional)")
		verbose    = flag.Bool("v", false, "log every rejected replay step")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot v%d game=%s seq=%d turn=%d map=%dx%d players=%d units=%d colonies=%d settlements=%d routes=%d\n",
		snap.Header.Version, snap.Header.GameID, snap.Header.Seq, snap.Header.Turn, snap.Width, snap.Height,
		len(snap.Players), len(snap.Units), len(snap.Colonies), len(snap.Settlements), len(snap.TradeRoutes))

	if *journalDir == "" && *gameDir != "" {
		*journalDir = journal.JournalDir(*gameDir)
	}
	if *journalDir == "" {
		return
	}

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}
	w, err := world.FromSnapshot(snap, cats)
	if err != nil {
		fmt.Fprintln(os.Stderr, "import snapshot:", err)
		os.Exit(1)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()

	res, err := replay.Run(context.Background(), w, *journalDir, replay.Options{ToSeq: *toSeq, Log: logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: applied=%d skipped=%d seq=%d digest=%s\n", res.Applied, res.Skipped, res.Seq, res.Digest)

	if *expect != "" {
		h, err := snapshot.ReadHeader(*expect)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read expected snapshot:", err)
			os.Exit(1)
		}
		if h.Seq != res.Seq || h.Digest != res.Digest {
			fmt.Fprintf(os.Stderr, "mismatch: replayed seq=%d digest=%s, expected seq=%d digest=%s\n", res.Seq, res.Digest, h.Seq, h.Digest)
			os.Exit(1)
		}
		fmt.Println("matches", *expect)
	}
	if *out != "" {
		if err := snapshot.WriteSnapshot(*out, w.Snapshot()); err != nil {
			fmt.Fprintln(os.Stderr, "write snapshot:", err)
			os.Exit(1)
		}
	}
}
