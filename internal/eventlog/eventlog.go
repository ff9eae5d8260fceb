// Package eventlog implements the append-only, hash-chained operational
// log (board's events.jsonl), grounded on original_source/events.py:
// O_APPEND + an exclusive file-range lock around read-last/append, one
// JSON object per line, SHA-256 over canonical JSON of the record minus
// its own hash.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Haserjian/agentmesh/internal/canonjson"
	"github.com/Haserjian/agentmesh/internal/meshkind"
	"github.com/Haserjian/agentmesh/internal/model"
)

// Log is a handle on one events.jsonl file. Only the data-directory root
// is process-wide state; a Log holds no other mutable global state, and
// every operation re-reads the file under its lock so multiple processes
// may share the data directory.
type Log struct {
	path string
	log  *zap.Logger

	// mu serializes appends from goroutines within this process; the
	// flock below serializes appends across processes.
	mu sync.Mutex
}

// Open returns a Log for dataDir/events.jsonl, creating the data
// directory if necessary.
func Open(dataDir string, log *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create data dir: %w", err)
	}
	return &Log{path: filepath.Join(dataDir, "events.jsonl"), log: log}, nil
}

func recordPayload(rec map[string]any) (map[string]any, error) {
	hashInput := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == "event_hash" {
			continue
		}
		hashInput[k] = v
	}
	return hashInput, nil
}

func hashRecord(rec map[string]any) (string, error) {
	hashInput, err := recordPayload(rec)
	if err != nil {
		return "", err
	}
	return canonjson.Hash(hashInput)
}

// Append writes one new record to the log, under an exclusive file-range
// lock so concurrent processes serialize. Returns the written Event.
func (l *Log) Append(kind model.EventKind, agentID string, payload map[string]any) (model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd, err := unix.Open(l.path, unix.O_WRONLY|unix.O_CREAT|unix.O_APPEND, 0o644)
	if err != nil {
		return model.Event{}, meshkind.New(meshkind.IOTransient, "eventlog.Append", err)
	}
	defer unix.Close(fd)

	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return model.Event{}, meshkind.New(meshkind.IOTransient, "eventlog.Append", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	seq, prevHash, err := l.readLastLocked()
	if err != nil {
		return model.Event{}, err
	}
	newSeq := seq + 1
	if payload == nil {
		payload = map[string]any{}
	}

	rec := map[string]any{
		"event_id": fmt.Sprintf("evt_%06d", newSeq),
		"seq":      float64(newSeq),
		"ts":       model.RFC3339UTC(time.Now()),
		"kind":     string(kind),
		"agent_id": agentID,
		"payload":  payload,
		"prev_hash": prevHash,
	}
	hash, err := hashRecord(rec)
	if err != nil {
		return model.Event{}, meshkind.New(meshkind.IOTransient, "eventlog.Append", err)
	}
	rec["event_hash"] = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return model.Event{}, meshkind.New(meshkind.IOTransient, "eventlog.Append", err)
	}
	line = append(line, '\n')
	if _, err := unix.Write(fd, line); err != nil {
		return model.Event{}, meshkind.New(meshkind.IOTransient, "eventlog.Append", err)
	}

	if l.log != nil {
		l.log.Info("eventlog append", zap.String("kind", string(kind)), zap.Int64("seq", newSeq))
	}

	return model.Event{
		EventID:   rec["event_id"].(string),
		Seq:       newSeq,
		TS:        rec["ts"].(string),
		Kind:      kind,
		AgentID:   agentID,
		Payload:   payload,
		PrevHash:  prevHash,
		EventHash: hash,
	}, nil
}

// readLastLocked returns (seq, event_hash) of the last non-empty line, or
// (0, genesis) if the file is empty or missing. Caller must hold the
// flock.
func (l *Log) readLastLocked() (int64, string, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return 0, canonjson.Genesis, nil
	}
	if err != nil {
		return 0, "", meshkind.New(meshkind.IOTransient, "eventlog.readLast", err)
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 0 {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, "", meshkind.New(meshkind.IOTransient, "eventlog.readLast", err)
	}
	if lastLine == "" {
		return 0, canonjson.Genesis, nil
	}
	var rec struct {
		Seq       int64  `json:"seq"`
		EventHash string `json:"event_hash"`
	}
	if err := json.Unmarshal([]byte(lastLine), &rec); err != nil {
		return 0, "", meshkind.New(meshkind.ChainBroken, "eventlog.readLast", err)
	}
	return rec.Seq, rec.EventHash, nil
}

// Read returns all events with seq > sinceSeq, in order.
func (l *Log) Read(sinceSeq int64) ([]model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, meshkind.New(meshkind.IOTransient, "eventlog.Read", err)
	}
	defer f.Close()

	var out []model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var evt model.Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return nil, meshkind.New(meshkind.ChainBroken, "eventlog.Read", err)
		}
		if evt.Seq > sinceSeq {
			out = append(out, evt)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, meshkind.New(meshkind.IOTransient, "eventlog.Read", err)
	}
	return out, nil
}

// VerifyChain re-reads the file in order, recomputing hashes, and reports
// the first mismatch found.
func (l *Log) VerifyChain() (bool, string) {
	events, err := l.Read(0)
	if err != nil {
		return false, err.Error()
	}
	prevHash := canonjson.Genesis
	for _, evt := range events {
		if evt.PrevHash != prevHash {
			return false, fmt.Sprintf("chain break at seq %d: expected prev_hash %s, got %s", evt.Seq, prevHash, evt.PrevHash)
		}
		rec := map[string]any{
			"event_id":  evt.EventID,
			"seq":       float64(evt.Seq),
			"ts":        evt.TS,
			"kind":      string(evt.Kind),
			"agent_id":  evt.AgentID,
			"payload":   evt.Payload,
			"prev_hash": evt.PrevHash,
		}
		computed, err := hashRecord(rec)
		if err != nil {
			return false, err.Error()
		}
		if computed != evt.EventHash {
			return false, fmt.Sprintf("hash mismatch at seq %d: stored=%s computed=%s", evt.Seq, evt.EventHash, computed)
		}
		prevHash = evt.EventHash
	}
	return true, ""
}

// GC removes records older than maxAge, rewriting the file under the same
// lock and re-chaining from genesis with renumbered sequence ids. It is
// independent from Store.GCOldData; the two retention windows need not
// agree (SPEC_FULL.md §D.3).
func (l *Log) GC(maxAge time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd, err := unix.Open(l.path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, meshkind.New(meshkind.IOTransient, "eventlog.GC", err)
	}
	defer unix.Close(fd)

	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return 0, meshkind.New(meshkind.IOTransient, "eventlog.GC", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	all, err := l.readAllUnlocked()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)

	keep := make([]model.Event, 0, len(all))
	for _, evt := range all {
		ts, err := time.Parse(time.RFC3339Nano, evt.TS)
		if err == nil && ts.Before(cutoff) {
			continue
		}
		keep = append(keep, evt)
	}
	removed := len(all) - len(keep)
	if removed == 0 {
		return 0, nil
	}

	prevHash := canonjson.Genesis
	var buf []byte
	for i, evt := range keep {
		seq := int64(i + 1)
		rec := map[string]any{
			"event_id":  fmt.Sprintf("evt_%06d", seq),
			"seq":       float64(seq),
			"ts":        evt.TS,
			"kind":      string(evt.Kind),
			"agent_id":  evt.AgentID,
			"payload":   evt.Payload,
			"prev_hash": prevHash,
		}
		hash, err := hashRecord(rec)
		if err != nil {
			return 0, err
		}
		rec["event_hash"] = hash
		prevHash = hash

		line, err := json.Marshal(rec)
		if err != nil {
			return 0, err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if err := unix.Ftruncate(fd, 0); err != nil {
		return 0, meshkind.New(meshkind.IOTransient, "eventlog.GC", err)
	}
	if _, err := unix.Pwrite(fd, buf, 0); err != nil {
		return 0, meshkind.New(meshkind.IOTransient, "eventlog.GC", err)
	}
	return removed, nil
}

func (l *Log) readAllUnlocked() ([]model.Event, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, meshkind.New(meshkind.IOTransient, "eventlog.readAll", err)
	}
	defer f.Close()

	var out []model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var evt model.Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return nil, meshkind.New(meshkind.ChainBroken, "eventlog.readAll", err)
		}
		out = append(out, evt)
	}
	return out, scanner.Err()
}
