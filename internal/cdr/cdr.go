// Package cdr writes call detail records, appending one per finished call
// on a best-effort basis that never blocks the call's own goroutine.
// Grounded on services/signaling/events/publisher.go's fire-and-forget
// async publish pattern, applied to a JSONL file instead of a message bus.
package cdr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Disposition is the final outcome of a call.
type Disposition string

const (
	DispositionAnswered  Disposition = "answered"
	DispositionBusy      Disposition = "busy"
	DispositionNoAnswer  Disposition = "no-answer"
	DispositionFailed    Disposition = "failed"
	DispositionCancelled Disposition = "cancelled"
)

// Record is one call's detail record, written one JSON object per line to
// cdr/cdr-<yyyy-mm-dd>.jsonl.
type Record struct {
	CallID         string      `json:"call_id"`
	ALegAOR        string      `json:"a_leg_aor"`
	BLegAOR        string      `json:"b_leg_aor"`
	CallerID       string      `json:"caller_id"`
	Disposition    Disposition `json:"disposition"`
	StartedAt      time.Time   `json:"started_at"`
	AnsweredAt     *time.Time  `json:"answered_at,omitempty"`
	EndedAt        time.Time   `json:"ended_at"`
	DurationMillis int64       `json:"duration_ms"`
	HangupCause    string      `json:"hangup_cause"`
	Codec          string      `json:"codec"`
	PacketsLostA   int64       `json:"packets_lost_a"`
	PacketsLostB   int64       `json:"packets_lost_b"`
	RecordingPath  string      `json:"recording_path,omitempty"`
}

// Sink is the interface the B2BUA appends finished call records to. It must
// never block call teardown: implementations buffer and drop (with a
// logged warning) rather than stall.
type Sink interface {
	Append(r Record)
	Close() error
}

// NoopSink discards every record.
type NoopSink struct{}

func (NoopSink) Append(Record)  {}
func (NoopSink) Close() error   { return nil }

// FileSink appends one JSON object per line to cdr/cdr-<date>.jsonl,
// rotating to a new file at each UTC day boundary. Writes happen on a
// background goroutine draining a bounded channel so Append never blocks
// the call's own goroutine.
type FileSink struct {
	dir string

	mu      sync.Mutex
	day     string
	file    *os.File
	enc     *json.Encoder

	ch     chan Record
	done   chan struct{}
	closed sync.Once
}

// NewFileSink creates a FileSink writing under dir (created if absent).
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cdr: create dir: %w", err)
	}
	s := &FileSink{
		dir:  dir,
		ch:   make(chan Record, 256),
		done: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Append enqueues r for writing; if the queue is full the record is
// dropped and logged, "never blocks the call".
func (s *FileSink) Append(r Record) {
	select {
	case s.ch <- r:
	default:
		slog.Warn("[CDR] record dropped, writer queue full", "call_id", r.CallID)
	}
}

func (s *FileSink) run() {
	defer close(s.done)
	for r := range s.ch {
		if err := s.writeLocked(r); err != nil {
			slog.Error("[CDR] write failed", "call_id", r.CallID, "error", err)
		}
	}
}

func (s *FileSink) writeLocked(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := r.EndedAt.UTC().Format("2006-01-02")
	if day != s.day {
		if s.file != nil {
			s.file.Close()
		}
		path := filepath.Join(s.dir, fmt.Sprintf("cdr-%s.jsonl", day))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		s.file = f
		s.enc = json.NewEncoder(f)
		s.day = day
	}
	return s.enc.Encode(r)
}

// Close drains pending records and closes the underlying file.
func (s *FileSink) Close() error {
	s.closed.Do(func() { close(s.ch) })
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
