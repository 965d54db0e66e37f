// Package progress holds the live status of long-running bulk operations.
//
// Each operation kind owns exactly one Tracker. The executor running that kind
// is the only writer; HTTP pollers and the CLI read value snapshots.
package progress

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an operation kind.
type Kind string

const (
	KindScan          Kind = "scan"
	KindDeleteScan    Kind = "delete-scan"
	KindMarkRead      Kind = "mark-read"
	KindDeleteSenders Kind = "delete-senders"
	KindDeleteBulk    Kind = "delete-bulk"
	KindLabel         Kind = "label"
	KindArchive       Kind = "archive"
	KindImportant     Kind = "important"
	KindDownload      Kind = "download"
)

// Kinds lists every operation kind in display order.
func Kinds() []Kind {
	return []Kind{
		KindScan,
		KindDeleteScan,
		KindMarkRead,
		KindDeleteSenders,
		KindDeleteBulk,
		KindLabel,
		KindArchive,
		KindImportant,
		KindDownload,
	}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// Status is a snapshot of one operation's progress. Counters that do not
// apply to a kind stay zero.
type Status struct {
	Kind          Kind      `json:"kind"`
	RunID         string    `json:"run_id,omitempty"`
	Done          bool      `json:"done"`
	Progress      int       `json:"progress"`
	Message       string    `json:"message"`
	Error         string    `json:"error,omitempty"`
	TotalSenders  int       `json:"total_senders"`
	CurrentSender int       `json:"current_sender"`
	AffectedCount int       `json:"affected_count"`
	MarkedCount   int       `json:"marked_count"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

// Running reports whether a run has started and not yet finished.
func (s Status) Running() bool {
	return s.RunID != "" && !s.Done
}

// Tracker is the live status for one kind.
type Tracker struct {
	mu     sync.RWMutex
	status Status
	clock  func() time.Time
}

func newTracker(kind Kind, clock func() time.Time) *Tracker {
	return &Tracker{status: Status{Kind: kind}, clock: clock}
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Reset discards the previous run and returns the new run id.
func (t *Tracker) Reset() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.NewString()
	t.status = Status{
		Kind:      t.status.Kind,
		RunID:     id,
		StartedAt: t.clock(),
	}
	return id
}

// Update applies fn to the live status. Progress never moves backwards
// within a run and stays within 0..100.
func (t *Tracker) Update(fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.status.Progress
	fn(&t.status)
	t.status.Progress = clamp(t.status.Progress, prev)
}

// SetPhase records a human-readable phase message and progress.
func (t *Tracker) SetPhase(percent int, message string) {
	t.Update(func(s *Status) {
		s.Progress = percent
		s.Message = message
	})
}

// Finish freezes the run. An empty errMsg marks success; success also moves
// progress to 100.
func (t *Tracker) Finish(message, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Done = true
	t.status.Message = message
	t.status.Error = errMsg
	if errMsg == "" {
		t.status.Progress = 100
	}
	t.status.FinishedAt = t.clock()
}

// Fail freezes the run with err.
func (t *Tracker) Fail(err error) {
	t.mu.RLock()
	msg := t.status.Message
	t.mu.RUnlock()
	t.Finish(msg, err.Error())
}

func clamp(next, prev int) int {
	if next < prev {
		next = prev
	}
	if next < 0 {
		return 0
	}
	if next > 100 {
		return 100
	}
	return next
}

// Registry owns one Tracker per kind for the lifetime of the process.
type Registry struct {
	trackers map[Kind]*Tracker
}

// NewRegistry creates trackers for every kind in the never-run shape.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	r := &Registry{trackers: make(map[Kind]*Tracker, len(Kinds()))}
	for _, k := range Kinds() {
		r.trackers[k] = newTracker(k, clock)
	}
	return r
}

// Tracker returns the tracker for kind. It panics on unknown kinds, which
// are programming errors; external input goes through ParseKind first.
func (r *Registry) Tracker(kind Kind) *Tracker {
	t, ok := r.trackers[kind]
	if !ok {
		panic(fmt.Sprintf("progress: unknown kind %q", kind))
	}
	return t
}

// Snapshot returns the status for kind.
func (r *Registry) Snapshot(kind Kind) Status {
	return r.Tracker(kind).Snapshot()
}

// All returns every snapshot ordered by kind name.
func (r *Registry) All() []Status {
	out := make([]Status, 0, len(r.trackers))
	for _, t := range r.trackers {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Phase maps a fraction of work done into the [base, base+span] percentage
// window used by two-phase operations.
func Phase(base, span, done, total int) int {
	if total <= 0 {
		return base
	}
	return base + done*span/total
}
