package central

import (
	"sync/atomic"
	"time"
)

// scanSession is one time-boxed accumulation window. The single active
// flag arbitrates the race between timer-based auto-stop and an explicit
// StopScan: whichever flips it first wins, the other is a no-op.
type scanSession struct {
	active    atomic.Bool
	startedAt time.Time
	filter    []string
	stopTimer *time.Timer
}

func newScanSession(filter []string, now time.Time) *scanSession {
	s := &scanSession{
		startedAt: now,
		filter:    NormalizeUUIDs(filter),
	}
	s.active.Store(true)
	return s
}

// close flips the session inactive. Returns false if it already was.
func (s *scanSession) close() bool {
	if !s.active.CompareAndSwap(true, false) {
		return false
	}
	if s.stopTimer != nil {
		s.stopTimer.Stop()
	}
	return true
}
