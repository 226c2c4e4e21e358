// Package journal implements the append-only persistence journal from
// spec.md §6: one JSONL entry per decision-state-changing event,
// sufficient to restore the decision state on warm restart. Adapted
// from the teacher's outbox.Outbox.appendEntry atomic-append pattern
// (internal/outbox, superseded by this package — see DESIGN.md).
package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates every journal entry kind spec.md §6 requires.
type EventKind string

const (
	SwingConfirmed       EventKind = "swing_confirmed"
	SwingUpdated         EventKind = "swing_updated"
	SwingBroken          EventKind = "swing_broken"
	CandidateGated       EventKind = "candidate_gated"
	CandidateDisqualified EventKind = "candidate_disqualified"
	OrderPlaced          EventKind = "order_placed"
	OrderModified        EventKind = "order_modified"
	OrderCancelled       EventKind = "order_cancelled"
	OrderFilled          EventKind = "order_filled"
	PositionOpened       EventKind = "position_opened"
	PositionClosed       EventKind = "position_closed"
	RiskHalt             EventKind = "risk_halt"
	SessionSummary       EventKind = "session_summary"
)

// Entry is one append-only journal record.
type Entry struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"ts_utc"`
	Data      map[string]any `json:"data"`
}

// Journal is the persistence collaborator's interface (spec.md §6,
// §9 "two implementations each": FileJournal / NullJournal).
type Journal interface {
	Append(kind EventKind, data map[string]any) error
	// Replay reads every entry in file order, oldest first, invoking fn
	// for each; used by cmd/replay to restore decision state on warm
	// restart.
	Replay(fn func(Entry) error) error
	Close() error
}

// FileJournal appends newline-delimited JSON entries to a single file.
// Append is synchronous (so ordering within one loop cycle is
// guaranteed) and runs on the caller's goroutine; callers in
// internal/engine discard its error and continue, so a failed write is
// not surfaced later.
type FileJournal struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileJournal opens (creating if needed) the journal file at path
// for append.
func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{file: f}, nil
}

func (j *FileJournal) Append(kind EventKind, data map[string]any) error {
	entry := Entry{ID: uuid.NewString(), Kind: kind, Timestamp: time.Now().UTC(), Data: data}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.file.Write(append(b, '\n'))
	return err
}

func (j *FileJournal) Replay(fn func(Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // a truncated trailing write from a crash; skip, don't abort replay
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if _, err := j.file.Seek(0, 2); err != nil {
		return err
	}
	return scanner.Err()
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// NullJournal discards every entry; used in tests and dry-run modes.
type NullJournal struct{}

func (NullJournal) Append(EventKind, map[string]any) error { return nil }
func (NullJournal) Replay(func(Entry) error) error          { return nil }
func (NullJournal) Close() error                            { return nil }
