// Package feed implements the dual-source tick router described in
// spec.md §4.2: it monitors per-source liveness, fails the decision
// pipeline over from primary to backup when primary goes stale, and
// switches back once primary has been continuously live for a
// stabilization window.
package feed

import (
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/bars"
	"github.com/ronniedreams/nifty-options-agent/internal/observ"
)

// Source identifies one of the two independent tick sources.
type Source int

const (
	Primary Source = iota
	Backup
)

func (s Source) String() string {
	if s == Primary {
		return "primary"
	}
	return "backup"
}

// StateChangeFunc is invoked on every failover/switchback, so the
// Coordinator can log + notify per spec.md §4.2 ("State changes emit a
// log + notification").
type StateChangeFunc func(from, to Source, reason string)

// Supervisor is the FeedSupervisor component.
type Supervisor struct {
	staleThreshold   time.Duration
	switchbackStable time.Duration

	active Source

	lastPrimaryTickAt time.Time
	havePrimaryTick   bool

	primaryLiveSince     time.Time
	havePrimaryLiveSince bool

	onStateChange StateChangeFunc
}

// New creates a Supervisor starting on the primary source.
func New(staleThreshold, switchbackStable time.Duration, onStateChange StateChangeFunc) *Supervisor {
	return &Supervisor{
		staleThreshold:   staleThreshold,
		switchbackStable: switchbackStable,
		active:           Primary,
		onStateChange:    onStateChange,
	}
}

// ActiveSource reports which source is currently forwarded downstream.
func (s *Supervisor) ActiveSource() Source { return s.active }

// OnPrimaryTick records a tick from the primary source. last_primary_tick_ts
// is updated regardless of which source is active (spec.md §4.2). It
// returns the tick and true if the primary source is currently active
// and the tick should be forwarded downstream.
func (s *Supervisor) OnPrimaryTick(t bars.Tick, now time.Time) (bars.Tick, bool) {
	if !s.havePrimaryTick || now.Sub(s.lastPrimaryTickAt) > s.staleThreshold {
		s.primaryLiveSince = now
		s.havePrimaryLiveSince = true
	}
	s.lastPrimaryTickAt = now
	s.havePrimaryTick = true

	if s.active == Backup && s.havePrimaryLiveSince && now.Sub(s.primaryLiveSince) >= s.switchbackStable {
		s.switchTo(Primary, "primary_stable")
	}

	if s.active != Primary {
		return bars.Tick{}, false
	}
	return t, true
}

// OnBackupTick forwards a backup tick only while backup is active.
func (s *Supervisor) OnBackupTick(t bars.Tick) (bars.Tick, bool) {
	if s.active != Backup {
		return bars.Tick{}, false
	}
	return t, true
}

// Evaluate fails over to backup when primary has had no tick within
// the stale threshold. The Coordinator calls it on every tick it
// receives from either source, so a backup tick arriving while primary
// is silent triggers the failover.
func (s *Supervisor) Evaluate(now time.Time) {
	if s.active == Primary && (!s.havePrimaryTick || now.Sub(s.lastPrimaryTickAt) > s.staleThreshold) {
		s.switchTo(Backup, "primary_stale")
	}
}

// DropPrimary forces an immediate failover on an explicit connection
// drop, per spec.md §4.2 ("OR primary connection drops").
func (s *Supervisor) DropPrimary() {
	s.switchTo(Backup, "primary_connection_dropped")
}

// CoverageStale reports whether the primary source is stale (no tick
// yet, or none within the stale threshold): used by the watchdog to
// decide whether to halt trading. Backup-source liveness is not
// tracked, so a live backup does not keep this false.
func (s *Supervisor) CoverageStale(now time.Time) bool {
	return !s.havePrimaryTick || now.Sub(s.lastPrimaryTickAt) > s.staleThreshold
}

func (s *Supervisor) switchTo(to Source, reason string) {
	from := s.active
	if from == to {
		return
	}
	s.active = to
	if to == Primary {
		// Clear tracking history to prevent immediate re-failover from
		// stale book-keeping (spec.md §4.2).
		s.havePrimaryLiveSince = false
	}
	observ.Log(observ.TagFeed, "source_switch", map[string]any{
		"from": from.String(), "to": to.String(), "reason": reason,
	})
	if s.onStateChange != nil {
		s.onStateChange(from, to, reason)
	}
}
