// Package eventlog maintains the append-only JSONL audit trail for a run.
// Entries are flushed to the OS buffer before Append returns; durability of
// the stream itself is provided by the checkpoint fsync cadence.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EventType enumerates the audited event kinds.
type EventType string

const (
	EventNodeEnter         EventType = "node_enter"
	EventNodeExit          EventType = "node_exit"
	EventError             EventType = "error"
	EventBudgetTick        EventType = "budget_tick"
	EventTierChange        EventType = "tier_change"
	EventCheckpointWritten EventType = "checkpoint_written"
)

// Entry is one audit record. ParentID links an entry to the step that caused
// it, so per-subtopic provenance chains can be reconstructed afterwards.
type Entry struct {
	TS       time.Time      `json:"ts"`
	StepID   string         `json:"step_id"`
	ParentID string         `json:"parent_id,omitempty"`
	Event    EventType      `json:"event"`
	Node     string         `json:"node,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Log appends entries to a single events.jsonl file. Appends are serialized
// so entries for a run are totally ordered and monotonically timestamped.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	lastTS time.Time
	seq    uint64
}

// Open creates or appends to the event log at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{file: f, writer: bufio.NewWriter(f)}, nil
}

// Append writes one entry as a JSON line and flushes it to the OS buffer.
// A zero TS is stamped; timestamps never go backwards within a log.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if !e.TS.After(l.lastTS) {
		e.TS = l.lastTS.Add(time.Microsecond)
	}
	l.lastTS = e.TS
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return l.writer.Flush()
}

// NextStepID mints a fresh step identifier unique within this log instance.
func (l *Log) NextStepID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return fmt.Sprintf("step-%06d", l.seq)
}

// SeedStep advances the step counter past n so resumed runs keep minting
// unique identifiers.
func (l *Log) SeedStep(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.seq {
		l.seq = n
	}
}

// Close flushes buffered entries and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

// Read loads every entry from a log file, in order. Intended for recovery
// tooling and tests rather than the hot path.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, fmt.Errorf("decode event line: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
