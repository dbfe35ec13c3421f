package session

import "sync"

// Snapshot identifies one particular login. Tasks capture a Snapshot when
// they start and present it back at every mutation; a snapshot taken under a
// login that has since ended (or been replaced) is rejected.
type Snapshot struct {
	Owner int64
	epoch uint64
}

// Handle tracks the currently logged-in user. Logins happen sequentially on
// one device; the epoch counter distinguishes two logins by the same user so
// that in-flight work from the first cannot leak into the second.
type Handle struct {
	mu    sync.RWMutex
	owner int64
	epoch uint64
}

// NewHandle creates a handle with no active login.
func NewHandle() *Handle {
	return &Handle{}
}

// Begin starts a login for the given owner, invalidating all snapshots from
// any previous login. Returns the snapshot for the new login.
func (h *Handle) Begin(owner int64) Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epoch++
	h.owner = owner
	return Snapshot{Owner: owner, epoch: h.epoch}
}

// End clears the active login. Snapshots taken before End are invalidated.
func (h *Handle) End() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epoch++
	h.owner = 0
}

// Current returns the snapshot of the active login, or ok=false when nobody
// is logged in.
func (h *Handle) Current() (Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.owner == 0 {
		return Snapshot{}, false
	}
	return Snapshot{Owner: h.owner, epoch: h.epoch}, true
}

// Owner returns the active owner id, or ok=false when nobody is logged in.
func (h *Handle) Owner() (int64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.owner, h.owner != 0
}

// Valid reports whether s still refers to the active login. Mutators call
// this immediately before every state change, not just at task start.
func (h *Handle) Valid(s Snapshot) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.owner != 0 && s.epoch == h.epoch && s.Owner == h.owner
}
