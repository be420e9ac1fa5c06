package coordinator

import (
	"sync"

	appLog "calpull/internal/log"
	"calpull/internal/model"
)

// AsyncPresenter hands snapshots to a slow presenter on its own goroutine so
// Present never blocks a cycle. Only the latest pending snapshot per calendar
// is delivered.
type AsyncPresenter struct {
	next Presenter

	mu      sync.Mutex
	pending map[model.CalendarID]model.Snapshot
	order   []model.CalendarID
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewAsyncPresenter starts the delivery goroutine. Call Close to stop it.
func NewAsyncPresenter(next Presenter) *AsyncPresenter {
	p := &AsyncPresenter{
		next:    next,
		pending: make(map[model.CalendarID]model.Snapshot),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *AsyncPresenter) Present(cal model.CalendarID, snap model.Snapshot) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, queued := p.pending[cal]; !queued {
		p.order = append(p.order, cal)
	}
	p.pending[cal] = snap
	// Sent under mu so Close cannot close wake in between.
	select {
	case p.wake <- struct{}{}:
	default:
	}
	p.mu.Unlock()
}

// Close delivers what is pending and stops the goroutine.
func (p *AsyncPresenter) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.wake)
	<-p.done
}

func (p *AsyncPresenter) loop() {
	defer close(p.done)
	for range p.wake {
		p.drain()
	}
	p.drain()
}

func (p *AsyncPresenter) drain() {
	for {
		p.mu.Lock()
		if len(p.order) == 0 {
			p.mu.Unlock()
			return
		}
		cal := p.order[0]
		p.order = p.order[1:]
		snap := p.pending[cal]
		delete(p.pending, cal)
		p.mu.Unlock()

		p.deliver(cal, snap)
	}
}

func (p *AsyncPresenter) deliver(cal model.CalendarID, snap model.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Warn("presenter panicked", "calendar", cal, "panic", r)
		}
	}()
	p.next.Present(cal, snap)
}
