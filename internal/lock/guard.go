// Package lock provides scoped guards over a sync.RWMutex.
//
//	defer lock.Write(&mu).Unlock()
package lock

import "sync"

// Guard releases a lock taken by Read or Write. Unlock may be called more
// than once; only the first call releases.
type Guard struct {
	unlock func()
	once   sync.Once
}

// Read acquires the read side of rw.
func Read(rw *sync.RWMutex) *Guard {
	rw.RLock()
	return &Guard{unlock: rw.RUnlock}
}

// Write acquires the write side of rw.
func Write(rw *sync.RWMutex) *Guard {
	rw.Lock()
	return &Guard{unlock: rw.Unlock}
}

// Unlock releases the lock.
func (g *Guard) Unlock() {
	if g == nil {
		return
	}
	g.once.Do(g.unlock)
}
