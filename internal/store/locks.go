package store

import (
	"sync"

	"calpull/internal/model"
)

// Locks hands out one RWMutex per calendar, created on first use. Writers
// (the fetch driver applying a page) take Lock; snapshot builds take RLock.
// There is no lock spanning calendars.
type Locks struct {
	mu sync.Mutex
	m  map[model.CalendarID]*sync.RWMutex
}

func NewLocks() *Locks {
	return &Locks{m: make(map[model.CalendarID]*sync.RWMutex)}
}

func (l *Locks) get(cal model.CalendarID) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	rw, ok := l.m[cal]
	if !ok {
		rw = &sync.RWMutex{}
		l.m[cal] = rw
	}
	return rw
}

// Lock takes the write lock for cal and returns its release.
func (l *Locks) Lock(cal model.CalendarID) func() {
	rw := l.get(cal)
	rw.Lock()
	return rw.Unlock
}

// RLock takes the read lock for cal and returns its release.
func (l *Locks) RLock(cal model.CalendarID) func() {
	rw := l.get(cal)
	rw.RLock()
	return rw.RUnlock
}
