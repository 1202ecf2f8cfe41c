package herd

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultComputeTime is the assumed upper bound on a recomputation
// when the caller does not supply one. It caps the lock placeholder's
// TTL and therefore the worst-case stall after a holder crash.
const DefaultComputeTime = 2 * time.Second

// defaultWait is the scalar waiter duration used when neither a wait
// nor a compute time was supplied.
const defaultWait = 100 * time.Millisecond

// Options configures a Cache. Zero values are safe; sane defaults are
// applied in New():
//   - ComputeTime <= 0 => DefaultComputeTime
//   - nil Metrics      => NoopMetrics
//   - nil Clock        => runtime clock
//   - zero Logger      => no output
type Options struct {
	// ComputeTime is the default upper bound on one recomputation.
	// Lock placeholders are stored with TTL ceil(ComputeTime), so a
	// crashed holder cannot block a key for longer. Overridable per
	// call with WithComputeTime.
	ComputeTime time.Duration

	// Wait is the default scalar waiter duration: how long a caller
	// that lost the lock race sleeps before its single retry. If zero,
	// the effective compute time is used when one was supplied, else
	// 100ms. Overridable per call with WithWait / WithWaitFunc.
	Wait time.Duration

	// Coalesce collapses concurrent same-process calls for one key
	// into a single protocol run (singleflight). Followers share the
	// leader's outcome, including its error. Purely a round-trip
	// saver: cross-process coordination never depends on it.
	Coalesce bool

	// Clock overrides the time/sleep source (tests). Nil => runtime.
	Clock Clock

	// Metrics receives coordinator-level signals. Nil => NoopMetrics.
	Metrics Metrics

	// Logger emits debug events on lock transitions and waits. The
	// zero value discards everything.
	Logger zerolog.Logger
}

// callOpts carries per-call overrides. The wait callback is stored
// type-erased so the option constructors stay inferable at call sites;
// the coordinator re-types it against its own value parameter and
// rejects mismatches with ErrWaitCallback before any network call.
type callOpts struct {
	computeTime    time.Duration
	computeTimeSet bool
	wait           time.Duration
	waitSet        bool
	waitFn         any // WaitFunc[V]
	waitManyFn     any // WaitManyFunc[V]
}

// CallOption customises a single GetOrCompute / GetOrComputeMany call.
type CallOption func(*callOpts)

// WithComputeTime bounds this call's recomputation duration. It sizes
// the lock placeholder TTL and the stale-serve afterlife of the value
// written by this call.
func WithComputeTime(d time.Duration) CallOption {
	return func(o *callOpts) {
		o.computeTime = d
		o.computeTimeSet = d > 0
	}
}

// WithWait sets the scalar waiter: sleep d after losing the lock race,
// then retry the protocol once.
func WithWait(d time.Duration) CallOption {
	return func(o *callOpts) {
		o.wait = d
		o.waitSet = true
	}
}

// WithWaitFunc replaces the scalar waiter of a single-key call with an
// application callback; its return becomes the call's return. V must
// match the cache's value type.
func WithWaitFunc[V any](fn WaitFunc[V]) CallOption {
	return func(o *callOpts) { o.waitFn = fn }
}

// WithWaitManyFunc replaces the scalar waiter of a multi-key call with
// an application callback over the still-unresolved keys. V must match
// the cache's value type.
func WithWaitManyFunc[V any](fn WaitManyFunc[V]) CallOption {
	return func(o *callOpts) { o.waitManyFn = fn }
}
