/*
scheduler.go - Periodic maintenance sweep

PURPOSE:
  Runs the engine's background maintenance on a fixed cadence:
  1. Expire overdue check-in sessions (lazy, no balance effect)
  2. Expire overdue pending grants (forfeits unsettled value)
  3. Re-check settlement triggers for every outstanding pair

DESIGN:
  - Background goroutine with configurable interval
  - Runs once immediately on start, then on every tick
  - Grant promotion is guarded by a conditional unlock, so a sweep
    racing an inline settlement check is harmless

CONFIGURATION:
  - Interval: How often to sweep (default: 5 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSweep endpoint (manual sweep)
  - loyalty/settlement.go: Trigger evaluation
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"
)

// SweepScheduler drives the periodic maintenance sweep.
type SweepScheduler struct {
	Handler  *Handler
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(handler *Handler) *SweepScheduler {
	return &SweepScheduler{
		Handler:  handler,
		Interval: 5 * time.Minute,
		Enabled:  true,
		stop:     make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		log.Println("[Sweep] Disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.Interval)
	ss.wg.Add(1)

	go ss.run()

	log.Printf("[Sweep] Started with interval: %v", ss.Interval)
}

// Stop stops the scheduler.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		log.Println("[Sweep] Stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweep()

	for {
		select {
		case <-ss.ticker.C:
			ss.sweep()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) sweep() {
	ctx := context.Background()

	expiredSessions, err := ss.Handler.Sessions.ExpireDue(ctx)
	if err != nil {
		log.Printf("[Sweep] Error expiring sessions: %v", err)
	}

	expiredGrants, err := ss.Handler.Grants.ExpireDue(ctx)
	if err != nil {
		log.Printf("[Sweep] Error expiring grants: %v", err)
	}

	unlocked, err := ss.Handler.Settlement.Sweep(ctx)
	if err != nil {
		log.Printf("[Sweep] Settlement sweep error: %v", err)
	}

	if expiredSessions > 0 || expiredGrants > 0 || unlocked > 0 {
		log.Printf("[Sweep] Completed: %d sessions expired, %d grants expired, %d grants unlocked",
			expiredSessions, expiredGrants, unlocked)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ss *SweepScheduler) RunNow() {
	ss.sweep()
}

// NextRunTime returns when the next scheduled sweep will occur.
func (ss *SweepScheduler) NextRunTime() time.Time {
	return time.Now().Add(ss.Interval)
}
