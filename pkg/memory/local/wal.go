package local

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/democratizeAI/council/pkg/memory"
)

const (
	logName       = "memory.log"
	archiveName   = "memory.archive"
	summariesName = "summaries.json"
)

// logRecord is one durable-log line. The embedding travels as base64 of its
// little-endian float32 bytes so a replayed store reproduces the exact
// vectors that were indexed before the crash.
type logRecord struct {
	EntryID      string   `json:"entry_id"`
	SessionID    string   `json:"session_id"`
	CreatedAt    string   `json:"created_at"`
	Content      string   `json:"content"`
	Tags         []string `json:"tags,omitempty"`
	EmbeddingDim int      `json:"embedding_dim"`
	Embedding    string   `json:"embedding_bytes"`
}

func toRecord(e memory.Entry) logRecord {
	return logRecord{
		EntryID:      e.ID,
		SessionID:    e.SessionID,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339Nano),
		Content:      e.Content,
		Tags:         e.Tags,
		EmbeddingDim: len(e.Embedding),
		Embedding:    encodeVector(e.Embedding),
	}
}

func (r logRecord) entry() (memory.Entry, error) {
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return memory.Entry{}, fmt.Errorf("parse created_at: %w", err)
	}
	vec, err := decodeVector(r.Embedding)
	if err != nil {
		return memory.Entry{}, fmt.Errorf("decode embedding: %w", err)
	}
	if len(vec) != r.EmbeddingDim {
		return memory.Entry{}, fmt.Errorf("embedding dim %d, record says %d", len(vec), r.EmbeddingDim)
	}
	return memory.Entry{
		ID:        r.EntryID,
		SessionID: r.SessionID,
		Content:   r.Content,
		Tags:      r.Tags,
		Embedding: vec,
		CreatedAt: created,
	}, nil
}

func encodeVector(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeVector(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, errors.New("embedding bytes not a multiple of 4")
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

// walFile is the append-only durable log. Append and Compact serialise on an
// internal mutex; the flusher is the only writer in practice.
type walFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openWAL(path string) (*walFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &walFile{path: path, f: f}, nil
}

// Append writes one line per entry and syncs once per batch.
func (w *walFile) Append(batch []memory.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	bw := bufio.NewWriter(w.f)
	enc := json.NewEncoder(bw)
	for _, e := range batch {
		if err := enc.Encode(toRecord(e)); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// Compact rewrites the log to exactly the given entries, via a temp file and
// rename so a crash mid-compaction keeps the old log intact.
func (w *walFile) Compact(entries []memory.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, e := range entries {
		if err := enc.Encode(toRecord(e)); err != nil {
			f.Close()
			return fmt.Errorf("encode record: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush temp log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp log: %w", err)
	}

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close old log: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("swap log: %w", err)
	}
	w.f, err = os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log: %w", err)
	}
	return nil
}

func (w *walFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// replayLog reads every decodable record from the log at path. A missing file
// is an empty store. A torn trailing line (crash mid-write) is skipped; any
// other malformed record is an error, since silently dropping entries would
// violate replayability.
func replayLog(path string) ([]memory.Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []memory.Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var rec logRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			if !sc.Scan() {
				// Torn final line from an interrupted flush.
				return entries, nil
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		e, err := rec.entry()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return entries, nil
}

// appendArchive moves cold entries to the archive file, same schema as the
// main log.
func appendArchive(path string, entries []memory.Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, e := range entries {
		if err := enc.Encode(toRecord(e)); err != nil {
			return fmt.Errorf("encode archive record: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	return f.Sync()
}

// loadSummaries reads the summary snapshot file. Missing file means no
// summaries.
func loadSummaries(path string) (map[string]string, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("decode summaries: %w", err)
	}
	return out, nil
}

// saveSummaries atomically replaces the summary snapshot file.
func saveSummaries(path string, summaries map[string]string) error {
	buf, err := json.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("encode summaries: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write temp summaries: %w", err)
	}
	return os.Rename(tmp, path)
}
