package accounting

import (
	"sync"
	"time"
)

// strikeWindow is the quiet period after which a strike entry resets.
const strikeWindow = 5 * time.Minute

// strikeThreshold is the count at which a repeat offender gets a fresh
// address instead of another disconnect.
const strikeThreshold = 3

// outcome enumerates the duplicate-IP resolutions.
type outcome int

const (
	// disconnectOld tears down the established session; the new one wins.
	disconnectOld outcome = iota
	// disconnectNew tears down the newcomer; the address owner keeps it.
	disconnectNew
	// reassignNew moves the newcomer to a fresh address in the same /24.
	reassignNew
)

// resolve is the conflict decision table keyed by whether the contested
// address is statically assigned to someone other than the newcomer and
// whether the newcomer has hit the strike threshold.
func resolve(staticToOther, strikesReached bool) outcome {
	switch {
	case !staticToOther:
		return disconnectOld
	case strikesReached:
		return reassignNew
	default:
		return disconnectNew
	}
}

type strikeKey struct {
	username string
	ip       string
}

type strikeEntry struct {
	count int
	last  time.Time
}

// strikeTracker counts repeated grabs of a statically-owned address,
// keyed by (username, contested IP). Entries are transient.
type strikeTracker struct {
	mu      sync.Mutex
	entries map[strikeKey]*strikeEntry
}

func newStrikeTracker() *strikeTracker {
	return &strikeTracker{entries: make(map[strikeKey]*strikeEntry)}
}

// strike bumps the counter and returns the new count. A counter quiet
// for longer than strikeWindow restarts at 1.
func (t *strikeTracker) strike(username, ip string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := strikeKey{username: username, ip: ip}
	e, ok := t.entries[key]
	if !ok || now.Sub(e.last) > strikeWindow {
		e = &strikeEntry{}
		t.entries[key] = e
	}
	e.count++
	e.last = now
	return e.count
}

// clear drops the counter once escalation completes.
func (t *strikeTracker) clear(username, ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, strikeKey{username: username, ip: ip})
}
