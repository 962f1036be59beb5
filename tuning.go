// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wfree

import "time"

// Compile-time tunables (spec.md §6: "tuning knobs ... are compile-time
// constants of the core"). The ring's full-backoff cap is additionally
// exposed as a functional Option below, per the Open Question in spec.md
// §9 on whether the ring's busy-backoff cap should be configurable.
const (
	// defaultSegmentSize is the cell count of a freshly-allocated
	// segmented-queue segment (spec.md §4.2).
	defaultSegmentSize = 1024

	// segmentHelpThreshold is the number of failed enqueue attempts on
	// a segment before a thread requests a doubled-size segment instead
	// of the default size (spec.md §4.2).
	segmentHelpThreshold = 8

	// capqHelpThreshold bounds a CAPQ.Top retry loop before it triggers
	// a migration to restore progress (spec.md §4.4).
	capqHelpThreshold = 16

	// stackHelpShiftThreshold is a help-shift retry count for Stack
	// (spec.md §9, Open Question 2). No code path reads it: Push and Pop
	// retry without a help-shift throttle.
	stackHelpShiftThreshold = 4

	// hashLoadFactorNum/Den is the used-count/capacity threshold that
	// triggers a hash table migration (spec.md §4.6: "Triggered when
	// used-count > threshold").
	hashLoadFactorNum = 3
	hashLoadFactorDen = 4

	// defaultFullBackoffCap is the ring's capped-exponential sleep
	// ceiling while advancing the dequeue-epoch past a full ring
	// (spec.md §5, §9). spec.md's source uses ~1 second; this library
	// defaults far lower (see SPEC_FULL.md §5) and makes it tunable.
	defaultFullBackoffCap = time.Millisecond
)

// Options configures the tunables a constructor accepts. NewRing takes
// capacity plus a variadic []Option so zero-option call sites stay as
// terse as the teacher's `NewMPMC[int](1024)`; the other constructors take
// no options.
type Options struct {
	fullBackoffCap time.Duration
	dropHandler    func(any)
}

func defaultOptions() Options {
	return Options{fullBackoffCap: defaultFullBackoffCap}
}

// Option mutates Options during construction.
type Option func(*Options)

// WithFullBackoffCap overrides the ring's capped-exponential backoff
// ceiling used while advancing past a full ring (default 1ms).
func WithFullBackoffCap(d time.Duration) Option {
	return func(o *Options) { o.fullBackoffCap = d }
}

// WithDropHandler installs the callback invoked whenever the ring
// overwrites an enqueued-but-undequeued item (spec.md §4.3). The handler
// receives the dropped item boxed as any, so it asserts the value back to
// the ring's element type itself.
func WithDropHandler(fn func(any)) Option {
	return func(o *Options) { o.dropHandler = fn }
}

func applyOptions(opts []Option) Options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
