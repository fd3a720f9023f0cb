package engine

import (
	"context"
	"log"
	"time"

	"github.com/quietline/anonchat/internal/metrics"
)

// RunSweep runs the safety-net sweep loop until ctx is cancelled. The
// sweep is out of the hot path: with the atomic matchmaker it should find
// nothing, and it exists so that a regression that strands live waiters
// becomes visible. In observe-only mode (the default) it logs stuck
// pairs; in corrective mode it force-pairs the two oldest live waiters
// into a session flagged as auto-recovered.
func (e *Engine) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[engine] sweep loop stopped")
			return
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

// sweepOnce evicts expired dedup entries and inspects the waiting pool
// for two or more entries whose handles are live and that have been
// waiting longer than one sweep interval.
func (e *Engine) sweepOnce() {
	// Most fingerprints are unique and never looked up again, so lazy
	// eviction alone would let the guard map grow for the life of the
	// process.
	if n := e.guard.Sweep(); n > 0 {
		log.Printf("[engine] sweep: evicted %d expired dedup entries", n)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pool.len() < 2 {
		return
	}

	cutoff := e.now().Add(-e.cfg.SweepInterval)
	var stuck []waitingEntry
	for _, entry := range e.pool.oldest(e.pool.len()) {
		if !entry.enqueuedAt.Before(cutoff) {
			break // entries are in arrival order; the rest are younger
		}
		if e.handles[entry.userID] == nil {
			continue
		}
		stuck = append(stuck, entry)
		if len(stuck) == 2 {
			break
		}
	}
	if len(stuck) < 2 {
		return
	}

	a, b := stuck[0], stuck[1]
	if !e.cfg.SweepCorrective {
		log.Printf("[engine] sweep: %d live users stuck in waiting pool (oldest=%s waited=%s)",
			e.pool.len(), a.userID, e.now().Sub(a.enqueuedAt).Round(time.Second))
		return
	}

	e.pool.remove(a.userID)
	e.pool.remove(b.userID)

	s := e.createSessionLocked(a.userID, b.userID, true)
	if h := e.handles[a.userID]; h != nil {
		_ = h.Deliver(SessionJoinedEvent{SessionID: s.ID})
	}
	if h := e.handles[b.userID]; h != nil {
		_ = h.Deliver(SessionJoinedEvent{SessionID: s.ID})
	}

	metrics.SweepRecoveriesTotal.Inc()
	log.Printf("[engine] sweep: force-paired stuck users a=%s b=%s session=%s",
		a.userID, b.userID, s.ID)
}
