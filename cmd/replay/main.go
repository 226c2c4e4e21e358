// Command replay reads a session's journal file and prints a
// reconstructed decision-state summary, for warm-restart inspection
// and post-session review (spec.md §6: "sufficient to restore the
// decision state on warm restart"). Adapted from the teacher's
// cmd/replay fixture-driven dry run, re-targeted at this engine's
// append-only journal instead of static halts/news/ticks fixtures.
package main

import (
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/ronniedreams/nifty-options-agent/internal/journal"
)

type symbolState struct {
	swingConfirmed   bool
	swingPrice       string
	candidateGated   bool
	ordersPlaced     int
	ordersFilled     int
	ordersCancelled  int
	positionsOpened  int
	positionsClosed  int
	realizedPnL      string
}

func main() {
	log.SetFlags(0)
	path := flag.String("journal", "data/journal.jsonl", "path to the session journal file")
	flag.Parse()

	j, err := journal.NewFileJournal(*path)
	if err != nil {
		log.Fatalf("open %s: %v", *path, err)
	}
	defer j.Close()

	states := map[string]*symbolState{}
	var riskHalts []map[string]any
	var sessionSummaries []map[string]any
	var total int

	err = j.Replay(func(e journal.Entry) error {
		total++
		sym, _ := e.Data["symbol"].(string)
		if sym != "" {
			if states[sym] == nil {
				states[sym] = &symbolState{}
			}
		}
		s := states[sym]

		switch e.Kind {
		case journal.SwingConfirmed:
			s.swingConfirmed = true
			if p, ok := e.Data["price"].(string); ok {
				s.swingPrice = p
			}
		case journal.CandidateGated:
			s.candidateGated = true
		case journal.CandidateDisqualified:
			s.candidateGated = false
		case journal.OrderPlaced:
			s.ordersPlaced++
		case journal.OrderCancelled:
			s.ordersCancelled++
		case journal.OrderFilled:
			s.ordersFilled++
		case journal.PositionOpened:
			s.positionsOpened++
		case journal.PositionClosed:
			s.positionsClosed++
			if p, ok := e.Data["realized_pnl"].(string); ok {
				s.realizedPnL = p
			}
		case journal.RiskHalt:
			riskHalts = append(riskHalts, e.Data)
		case journal.SessionSummary:
			sessionSummaries = append(sessionSummaries, e.Data)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("replay %s: %v", *path, err)
	}

	fmt.Printf("journal: %s (%d entries)\n\n", *path, total)

	symbols := make([]string, 0, len(states))
	for sym := range states {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		s := states[sym]
		fmt.Printf("%s: swing_confirmed=%v price=%s gated=%v placed=%d filled=%d cancelled=%d opened=%d closed=%d realized_pnl=%s\n",
			sym, s.swingConfirmed, s.swingPrice, s.candidateGated, s.ordersPlaced, s.ordersFilled, s.ordersCancelled, s.positionsOpened, s.positionsClosed, s.realizedPnL)
	}

	for _, h := range riskHalts {
		fmt.Printf("\nrisk_halt: %v\n", h)
	}
	for _, s := range sessionSummaries {
		fmt.Printf("\nsession_summary: %v\n", s)
	}
}
