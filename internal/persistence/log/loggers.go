package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/dispatch"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	now     func() time.Time
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends v as one JSON line to the file of the current UTC hour.
// Every line is flushed through the encoder so a crash loses at most the
// line being written.
func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// JournalEntry is one line of the request journal.
type JournalEntry struct {
	Time    string            `json:"time"`
	Seq     uint64            `json:"seq"`
	Player  string            `json:"player,omitempty"`
	Tag     string            `json:"tag"`
	State   string            `json:"state"`
	Code    string            `json:"code,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Records int               `json:"records,omitempty"`
	Minted  []string          `json:"minted,omitempty"`
	Message *protocol.Message `json:"message,omitempty"`
}

// Propagated reports whether the entry changed the world.
func (e JournalEntry) Propagated() bool { return e.State == dispatch.Propagated.String() }

// JournalLogger writes every request outcome to compressed JSONL. It is a
// dispatch.Recorder.
type JournalLogger struct {
	w   *JSONLZstdWriter
	log *zap.Logger
}

const journalPrefix = "journal"

func JournalDir(gameDir string) string { return filepath.Join(gameDir, "journal") }

func NewJournalLogger(gameDir string, logger *zap.Logger) *JournalLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JournalLogger{w: NewJSONLZstdWriter(JournalDir(gameDir), journalPrefix), log: logger}
}

func (l *JournalLogger) RecordOutcome(o dispatch.Outcome) {
	e := JournalEntry{
		Time:    o.Time.UTC().Format(time.RFC3339Nano),
		Seq:     o.Seq,
		Player:  o.Player,
		Tag:     o.Tag,
		State:   o.State.String(),
		Code:    o.Code,
		Reason:  o.Reason,
		Records: o.Records,
		Minted:  o.Minted,
		Message: o.Message,
	}
	if err := l.w.Write(e); err != nil {
		l.log.Error("journal write failed", zap.Uint64("seq", o.Seq), zap.String("tag", o.Tag), zap.Error(err))
	}
}

func (l *JournalLogger) Close() error { return l.w.Close() }

// ErrStop ends ReadJournal early without error.
var ErrStop = errors.New("journal: stop")

// ReadJournal calls fn for every entry under dir, oldest file first. A
// truncated last line is ignored.
func ReadJournal(dir string, fn func(JournalEntry) error) error {
	files, err := filepath.Glob(filepath.Join(dir, journalPrefix+"-*.jsonl.zst"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, path := range files {
		if err := readJournalFile(path, fn); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func readJournalFile(path string, fn func(JournalEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	r := bufio.NewReaderSize(dec, 128*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			if strings.TrimSpace(string(line)) != "" {
				var e JournalEntry
				if jerr := json.Unmarshal(line, &e); jerr != nil {
					return jerr
				}
				if ferr := fn(e); ferr != nil {
					return ferr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
}
