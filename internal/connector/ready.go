package connector

import (
	"context"
	"errors"
	"sync"
)

// errCycleEnded is recorded on a readiness signal when its connection cycle
// ends before (or after) reaching READY. Waiters treat it as "re-read the
// current signal and wait again".
var errCycleEnded = errors.New("connection cycle ended")

// readySignal is a one-shot completion gate guarding outbound sends. Each
// connection cycle owns a fresh signal; it is completed when the cycle
// reaches READY and cancelled when the cycle exits, at which point the
// connection installs a successor.
type readySignal struct {
	done chan struct{}

	mu  sync.Mutex
	set bool
	err error
}

func newReadySignal() *readySignal {
	return &readySignal{done: make(chan struct{})}
}

// complete marks the signal successfully resolved. No-op after the first
// resolution.
func (s *readySignal) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return
	}
	s.set = true
	close(s.done)
}

// cancel resolves the signal with a failure so waiters retry on the
// connection's successor signal.
func (s *readySignal) cancel(err error) {
	if err == nil {
		err = errCycleEnded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return
	}
	s.set = true
	s.err = err
	close(s.done)
}

// wait blocks until the signal resolves or ctx is done. A nil return means
// the connection was READY at the moment of resolution.
func (s *readySignal) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
