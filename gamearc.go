// Package gamearc provides process-level plumbing shared by the archive
// codec, pipelines, and CLI: interrupt-aware contexts and exit-time cleanup
// hooks for pipelines that need to guarantee rollback on abnormal exit.
package gamearc

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the program
// is interrupted (i.e. receiving SIGINT or SIGTERM). Pipelines use it so a
// worker pool mid-dispatch sees cancellation instead of running to
// completion after the user has asked to abort.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Subsequent signals result in immediate termination, useful in case
		// cleanup hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}

var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtExit registers fn to run when RunAtExit is called. The patch
// pipeline uses this to install a rollback hook for the duration of its
// commit and verify phases, deregistering it (see CancelAtExit) as soon as
// both have returned, whether or not they succeeded.
func RegisterAtExit(fn func() error) int {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
	return len(atExit.fns) - 1
}

// CancelAtExit removes a previously registered hook by the index
// RegisterAtExit returned, so it no longer runs on RunAtExit.
func CancelAtExit(handle int) {
	atExit.Lock()
	defer atExit.Unlock()
	if handle >= 0 && handle < len(atExit.fns) {
		atExit.fns[handle] = nil
	}
}

// RunAtExit runs all registered exit hooks, in registration order, stopping
// at the first error.
func RunAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	atExit.Lock()
	defer atExit.Unlock()
	for _, fn := range atExit.fns {
		if fn == nil {
			continue
		}
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
