package clock

import "sync/atomic"

// Lamport is a logical clock safe for concurrent use.
type Lamport struct {
	atomic.Uint64
}

func NewLamport(init uint64) *Lamport {
	var lc Lamport
	lc.Set(init)
	return &lc
}

func (lc *Lamport) Val() uint64 {
	return lc.Load()
}

// Tick advances the clock past both its own value and after.
func (lc *Lamport) Tick(after uint64) uint64 {
	for {
		cur := lc.Load()
		next := max(cur, after) + 1
		if lc.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Witness moves the clock forward to t if t is ahead.
func (lc *Lamport) Witness(t uint64) {
	for {
		cur := lc.Load()
		if t <= cur || lc.CompareAndSwap(cur, t) {
			return
		}
	}
}

func (lc *Lamport) Set(t uint64) {
	lc.Store(t)
}
