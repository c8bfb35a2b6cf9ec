package scheduler

import (
	"context"
	"time"
)

const (
	secondsPerMinute = 60
	minutesPerDay    = 1440

	// Beyond this many minutes in either direction the clock is considered
	// reset rather than adjusted.
	largeJump = 3 * minutesPerDay
	// Up to this many minutes late counts as a slow wake-up.
	smallJump = 5
	// Sleeps only happen when the remaining time is below this bound.
	maxSleep = 65 * time.Second
)

// WakeKind classifies the distance between wall time and virtual time.
type WakeKind int

const (
	WakeNormal WakeKind = iota
	WakeSmall
	WakeMedium
	WakeNegative
	WakeLarge
)

func (k WakeKind) String() string {
	switch k {
	case WakeNormal:
		return "normal"
	case WakeSmall:
		return "small"
	case WakeMedium:
		return "medium"
	case WakeNegative:
		return "negative"
	case WakeLarge:
		return "large"
	default:
		return "unknown"
	}
}

// Classify maps a minute difference (wall minus virtual) to a WakeKind.
func Classify(diff int64) WakeKind {
	switch {
	case diff == 1:
		return WakeNormal
	case diff > largeJump || diff < -largeJump:
		return WakeLarge
	case diff > smallJump:
		return WakeMedium
	case diff > 0:
		return WakeSmall
	default:
		return WakeNegative
	}
}

// TimeKeeper tracks three minute counters, all in minutes since the epoch
// shifted by the local zone offset:
//
//   - running: the minute of the last wake-up
//   - virtual: the minute whose jobs have all been selected; it only moves
//     forward unless the clock is reset
//   - wall: the minute seen by the last Sample
//
// The zone offset is only recomputed when the DST flag flips, so a DST
// change surfaces as a jump that the main loop can classify.
type TimeKeeper struct {
	clock Clock
	loc   *time.Location

	offset int64
	isDST  bool

	running int64
	virtual int64
	wall    int64

	wake    <-chan struct{}
	service func()
}

// TimeKeeperOption customizes a TimeKeeper.
type TimeKeeperOption func(*TimeKeeper)

// WithLocation sets the zone used for the offset; the default is time.Local.
func WithLocation(loc *time.Location) TimeKeeperOption {
	return func(tk *TimeKeeper) { tk.loc = loc }
}

// WithInterrupts makes sleeps return early when wake fires and calls service
// after every sleep chunk.
func WithInterrupts(wake <-chan struct{}, service func()) TimeKeeperOption {
	return func(tk *TimeKeeper) {
		tk.wake = wake
		tk.service = service
	}
}

func NewTimeKeeper(clock Clock, opts ...TimeKeeperOption) *TimeKeeper {
	if clock == nil {
		clock = RealClock()
	}
	tk := &TimeKeeper{clock: clock, loc: time.Local}
	for _, o := range opts {
		o(tk)
	}
	return tk
}

func (tk *TimeKeeper) Running() int64 { return tk.running }
func (tk *TimeKeeper) Virtual() int64 { return tk.virtual }
func (tk *TimeKeeper) Wall() int64    { return tk.wall }
func (tk *TimeKeeper) Offset() int64  { return tk.offset }
func (tk *TimeKeeper) Clock() Clock   { return tk.clock }

// Sample reads the clock and updates the wall minute.
func (tk *TimeKeeper) Sample(initialize bool) {
	now := tk.clock.Now().In(tk.loc)
	isDST := now.IsDST()
	if initialize || isDST != tk.isDST {
		tk.isDST = isDST
		_, off := now.Zone()
		tk.offset = int64(off)
	}
	tk.wall = (now.Unix() + tk.offset) / secondsPerMinute
}

// Sync sets running and virtual time to the wall minute. It is called once
// after the startup Sample.
func (tk *TimeKeeper) Sync() {
	tk.running = tk.wall
	tk.virtual = tk.wall
}

// Sleep waits until one second past the start of the target minute. Signals
// delivered through the interrupt channel are serviced and the remaining time
// is recomputed. Nothing is slept unless the remainder is strictly between
// zero and 65 seconds.
func (tk *TimeKeeper) Sleep(ctx context.Context, target int64) error {
	deadline := time.Unix(target*secondsPerMinute-tk.offset+1, 0)
	for {
		remaining := deadline.Sub(tk.clock.Now())
		if remaining <= 0 || remaining >= maxSleep {
			return nil
		}
		if err := tk.clock.Sleep(ctx, remaining, tk.wake); err != nil {
			return err
		}
		if tk.service != nil {
			tk.service()
		}
	}
}

// Await blocks until the wall minute differs from the running minute, makes
// it the new running minute and returns running minus virtual.
func (tk *TimeKeeper) Await(ctx context.Context) (int64, error) {
	for {
		if err := tk.Sleep(ctx, tk.running+1); err != nil {
			return 0, err
		}
		tk.Sample(false)
		if tk.wall != tk.running {
			break
		}
	}
	tk.running = tk.wall
	return tk.running - tk.virtual, nil
}
