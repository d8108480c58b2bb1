package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	GameID  string `json:"game_id"`
	Turn    int    `json:"turn"`
	Seq     uint64 `json:"seq"`
	Digest  string `json:"digest"`
}

// SnapshotV1 is the complete authoritative world at a commit boundary.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Terrain []string `json:"terrain"` // row-major tile type ids

	Turn      int    `json:"turn"`
	Winner    string `json:"winner,omitempty"`
	HighScore bool   `json:"high_score,omitempty"`

	Players     []PlayerV1     `json:"players"`
	Units       []UnitV1       `json:"units"`
	Colonies    []ColonyV1     `json:"colonies"`
	Settlements []SettlementV1 `json:"settlements"`
	TradeRoutes []TradeRouteV1 `json:"trade_routes"`

	// Retired lists destroyed object ids, sorted. They are never handed out
	// again and do not count towards the digest.
	Retired []string `json:"retired,omitempty"`
}

type PlayerV1 struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Nation   string `json:"nation"`
	AI       bool   `json:"ai"`
	Strategy string `json:"strategy,omitempty"`
	Gold     int    `json:"gold"`
	Tax      int    `json:"tax"`
	Dead     bool   `json:"dead,omitempty"`

	PendingAction string `json:"pending_action,omitempty"`
	PendingTax    int    `json:"pending_tax,omitempty"`
}

type UnitV1 struct {
	ID          string         `json:"id"`
	Owner       string         `json:"owner"`
	Type        string         `json:"type"`
	X           int            `json:"x"`
	Y           int            `json:"y"`
	Location    string         `json:"location,omitempty"`
	Cargo       []string       `json:"cargo,omitempty"`
	Goods       map[string]int `json:"goods,omitempty"`
	Destination string         `json:"destination,omitempty"`
	TradeRoute  string         `json:"trade_route,omitempty"`
	MovesLeft   int            `json:"moves_left"`
}

type ColonyV1 struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Owner      string         `json:"owner"`
	X          int            `json:"x"`
	Y          int            `json:"y"`
	Units      []string       `json:"units,omitempty"`
	Production map[string]int `json:"production,omitempty"`
	BuildQueue []string       `json:"build_queue,omitempty"`
}

type SettlementV1 struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Owner       string         `json:"owner"`
	X           int            `json:"x"`
	Y           int            `json:"y"`
	Capital     bool           `json:"capital,omitempty"`
	Missionary  string         `json:"missionary,omitempty"`
	Gold        int            `json:"gold"`
	Alarm       map[string]int `json:"alarm,omitempty"`
	LastTribute int            `json:"last_tribute,omitempty"`
}

type TradeRouteV1 struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Owner string   `json:"owner"`
	Stops []string `json:"stops,omitempty"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}
