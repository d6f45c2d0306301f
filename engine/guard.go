package engine

import (
	"time"

	"github.com/pkg/errors"
)

// guard is the per-device mutation lock. Acquisition waits at most
// timeout, so a misbehaving caller stalls with a typed error instead of
// hanging everyone behind it.
type guard struct {
	sem     chan struct{}
	timeout time.Duration
}

func newGuard(timeout time.Duration) *guard {
	return &guard{
		sem:     make(chan struct{}, 1),
		timeout: timeout,
	}
}

func (g *guard) acquire() error {
	select {
	case g.sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return errors.Wrapf(ErrLockTimeout, "after %s", g.timeout)
	}
}

func (g *guard) release() {
	<-g.sem
}
