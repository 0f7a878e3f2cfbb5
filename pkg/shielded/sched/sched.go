// Package sched drives a Runtime's trim pass on a CRON schedule, instead of
// relying solely on InTransaction's probabilistic 1-in-N trigger (spec.md
// §4.6). Grounded on SimonWaldherr-tinySQL's internal/storage.Scheduler:
// a robfig/cron.Cron core plus a running-flag guard against overlapping
// executions.
package sched

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mnohosten/shielded/pkg/shielded"
)

// Trimmer periodically calls Runtime.Trim on a CRON schedule.
type Trimmer struct {
	rt   *shielded.Runtime
	cron *cron.Cron

	mu      sync.Mutex
	running bool

	runs     uint64
	skipped  uint64
	lastRun  time.Time
	lastTook time.Duration
}

// New builds a Trimmer for rt. expr is a standard five-field CRON
// expression (minute-level); use "@every 1m"-style descriptors for
// sub-minute cadences, as robfig/cron supports.
func New(rt *shielded.Runtime, expr string) (*Trimmer, error) {
	t := &Trimmer{
		rt:   rt,
		cron: cron.New(),
	}
	if _, err := t.cron.AddFunc(expr, t.run); err != nil {
		return nil, err
	}
	return t, nil
}

// Start begins the schedule in the background.
func (t *Trimmer) Start() {
	t.cron.Start()
}

// Stop halts the schedule and waits for any in-flight run to finish.
func (t *Trimmer) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
}

func (t *Trimmer) run() {
	t.mu.Lock()
	if t.running {
		t.skipped++
		t.mu.Unlock()
		log.Printf("shielded/sched: trim already running, skipping this tick")
		return
	}
	t.running = true
	t.mu.Unlock()

	start := time.Now()
	t.rt.Trim()
	took := time.Since(start)

	t.mu.Lock()
	t.running = false
	t.runs++
	t.lastRun = start
	t.lastTook = took
	t.mu.Unlock()
}

// Stats is a point-in-time snapshot of the trimmer's own activity, separate
// from the Runtime's own Stats (see pkg/shielded/diag).
type Stats struct {
	Runs     uint64
	Skipped  uint64
	LastRun  time.Time
	LastTook time.Duration
}

// Stats returns a snapshot of how many scheduled trims have run, been
// skipped for overlap, and how long the last one took.
func (t *Trimmer) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Runs: t.runs, Skipped: t.skipped, LastRun: t.lastRun, LastTook: t.lastTook}
}
