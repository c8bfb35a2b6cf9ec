// Package reaper carries child-status notifications from the signal handler
// and the job runners to the scheduler loop, which services them at points
// where it is safe to log and touch shared state.
package reaper

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Flags records pending SIGHUP and SIGCHLD notifications.
//
// Setting a flag only stores a bool and pokes the wake channel without
// blocking; everything else happens in the loop that polls the flags.
type Flags struct {
	hup  atomic.Bool
	chld atomic.Bool
	wake chan struct{}
}

func NewFlags() *Flags {
	return &Flags{wake: make(chan struct{}, 1)}
}

// Wake fires after a flag has been set. Sleepers select on it so that they
// can service notifications and go back to sleep.
func (f *Flags) Wake() <-chan struct{} { return f.wake }

func (f *Flags) SetHUP() {
	f.hup.Store(true)
	f.poke()
}

func (f *Flags) SetCHLD() {
	f.chld.Store(true)
	f.poke()
}

// TakeHUP clears the hangup flag and reports whether it was set.
func (f *Flags) TakeHUP() bool { return f.hup.Swap(false) }

// TakeCHLD clears the child flag and reports whether it was set.
func (f *Flags) TakeCHLD() bool { return f.chld.Swap(false) }

func (f *Flags) poke() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Forward turns SIGHUP and SIGCHLD into flags until ctx is done.
func (f *Flags) Forward(ctx context.Context) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGCHLD)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			switch sig {
			case syscall.SIGHUP:
				f.SetHUP()
			case syscall.SIGCHLD:
				f.SetCHLD()
			}
		}
	}
}
