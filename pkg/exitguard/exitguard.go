// Package exitguard guarantees the transaction journal rolls back on
// every supervisor teardown path (normal return, a fatal signal
// arriving during provisioning, or a caught crash signal) and never
// more than once.
package exitguard

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/isolatehq/isolate/pkg/logger"
)

var log = logger.New("exitguard")

// Rollbacker is the minimal surface exitguard needs from a
// *journal.Journal: an idempotent, no-argument teardown.
type Rollbacker interface {
	Rollback()
}

// Guard installs signal handling for one invocation's journal and
// ensures its Rollback runs at most once across every path: a normal
// defer, a terminating signal caught during provisioning, or a crash
// signal re-raised after best-effort cleanup.
type Guard struct {
	once        sync.Once
	releaseOnce sync.Once
	j           Rollbacker
	ch          chan os.Signal
	stop        chan struct{}
}

// Install registers signal handlers for SIGTERM, SIGINT, SIGHUP (which
// unwind and exit 1) and SIGSEGV, SIGABRT (which roll back best-effort
// and then re-raise the signal against the default handler). Callers
// must call Release once teardown responsibility has passed elsewhere.
func Install(j Rollbacker) *Guard {
	g := &Guard{j: j, ch: make(chan os.Signal, 1), stop: make(chan struct{})}
	signal.Notify(g.ch,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP,
		syscall.SIGSEGV, syscall.SIGABRT,
	)

	go func() {
		select {
		case sig := <-g.ch:
			log.WithField("signal", sig.String()).Warn("received signal during provisioning, rolling back")
			g.rollbackOnce()
			switch sig {
			case syscall.SIGSEGV, syscall.SIGABRT:
				signal.Reset(sig.(syscall.Signal))
				_ = syscall.Kill(os.Getpid(), sig.(syscall.Signal))
			default:
				os.Exit(1)
			}
		case <-g.stop:
			return
		}
	}()

	return g
}

// rollbackOnce invokes the journal's Rollback exactly once across the
// Guard's lifetime, regardless of how many paths call it. The
// journal's own Rollback is independently idempotent, but sync.Once
// here additionally prevents the normal-exit defer and a racing
// signal handler from both trying to log the same rollback.
func (g *Guard) rollbackOnce() {
	g.once.Do(func() {
		g.j.Rollback()
	})
}

// Release stops the Guard's signal handling goroutine without rolling
// back, used once responsibility for teardown has passed to the
// container's own destruction or to an explicit rollback call.
// Idempotent: a deferred Release after an earlier explicit call is a
// no-op.
func (g *Guard) Release() {
	g.releaseOnce.Do(func() {
		signal.Stop(g.ch)
		close(g.stop)
	})
}

// RollbackAndRelease performs the normal-exit path: rollback exactly
// once, then stop signal handling. Intended to be deferred
// immediately after Install.
func (g *Guard) RollbackAndRelease() {
	g.rollbackOnce()
	g.Release()
}
