package engine

import "time"

// waitingEntry is one user sitting in the waiting pool.
type waitingEntry struct {
	userID     string
	enqueuedAt time.Time
}

// waitingPool is the FIFO set of users seeking a partner. It is not
// goroutine-safe; the Engine serializes all access behind its lock.
type waitingPool struct {
	entries []waitingEntry
	members map[string]struct{}
}

func newWaitingPool() *waitingPool {
	return &waitingPool{members: make(map[string]struct{})}
}

// enqueue appends the user unless already present. Returns false if the
// user was already waiting (re-adding is a no-op).
func (p *waitingPool) enqueue(userID string, now time.Time) bool {
	if _, ok := p.members[userID]; ok {
		return false
	}
	p.members[userID] = struct{}{}
	p.entries = append(p.entries, waitingEntry{userID: userID, enqueuedAt: now})
	return true
}

// dequeueOldest pops the user that has been waiting longest.
func (p *waitingPool) dequeueOldest() (string, bool) {
	if len(p.entries) == 0 {
		return "", false
	}
	e := p.entries[0]
	p.entries = p.entries[1:]
	delete(p.members, e.userID)
	return e.userID, true
}

// remove deletes the user from the pool. Returns true if the user was
// waiting.
func (p *waitingPool) remove(userID string) bool {
	if _, ok := p.members[userID]; !ok {
		return false
	}
	delete(p.members, userID)
	for i, e := range p.entries {
		if e.userID == userID {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	return true
}

func (p *waitingPool) contains(userID string) bool {
	_, ok := p.members[userID]
	return ok
}

func (p *waitingPool) len() int {
	return len(p.entries)
}

// oldest returns up to n entries in arrival order. The returned slice
// aliases pool storage and must not outlive the Engine lock.
func (p *waitingPool) oldest(n int) []waitingEntry {
	if n > len(p.entries) {
		n = len(p.entries)
	}
	return p.entries[:n]
}
