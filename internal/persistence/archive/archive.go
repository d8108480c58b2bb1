package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"colonysync/internal/persistence/snapshot"
)

type GameArchiveMeta struct {
	GameID    string `json:"game_id"`
	Seq       uint64 `json:"seq"`
	Turn      int    `json:"turn"`
	Winner    string `json:"winner"`
	HighScore bool   `json:"high_score,omitempty"`
	Digest    string `json:"digest"`
	Snapshot  string `json:"snapshot"`
	CreatedAt string `json:"created_at"`
}

// Dir is where a finished game keeps its final snapshot.
func Dir(gameDir string) string { return filepath.Join(gameDir, "archive") }

// ArchiveFinalSnapshot copies the snapshot of a finished game into
// `gameDir/archive/` next to a meta.json. Snapshots of a game still in
// progress are left alone and archived is false.
func ArchiveFinalSnapshot(gameDir, snapshotPath string, snap snapshot.SnapshotV1) (archivedPath string, archived bool, err error) {
	if snap.Winner == "" {
		return "", false, nil
	}
	dir := Dir(gameDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}

	dst := filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, fmt.Errorf("archive copy: %w", err)
	}

	meta := GameArchiveMeta{
		GameID:    snap.Header.GameID,
		Seq:       snap.Header.Seq,
		Turn:      snap.Turn,
		Winner:    snap.Winner,
		HighScore: snap.HighScore,
		Digest:    snap.Header.Digest,
		Snapshot:  filepath.Base(dst),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", false, err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return "", false, err
	}
	return dst, true, nil
}

// ReadMeta loads the meta.json of an archived game.
func ReadMeta(gameDir string) (GameArchiveMeta, error) {
	var meta GameArchiveMeta
	b, err := os.ReadFile(filepath.Join(Dir(gameDir), "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(b, &meta)
	return meta, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
