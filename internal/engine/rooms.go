package engine

import (
	"sync"
	"time"
)

// roomLocks serialises work per room. Entries are reference counted so the
// reaper never drops a mutex someone holds or waits on.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry
	now   func() time.Time
}

type roomEntry struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

func newRoomLocks(now func() time.Time) *roomLocks {
	return &roomLocks{rooms: make(map[string]*roomEntry), now: now}
}

// lock blocks until the room is free and returns its release function.
func (r *roomLocks) lock(roomID string) func() {
	r.mu.Lock()
	e, ok := r.rooms[roomID]
	if !ok {
		e = &roomEntry{}
		r.rooms[roomID] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		r.mu.Lock()
		e.refs--
		e.lastUsed = r.now()
		r.mu.Unlock()
	}
}

// sweep drops entries idle for longer than idle and returns how many went.
func (r *roomLocks) sweep(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	removed := 0
	for id, e := range r.rooms {
		if e.refs == 0 && e.lastUsed.Before(cutoff) {
			delete(r.rooms, id)
			removed++
		}
	}
	return removed
}

func (r *roomLocks) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
