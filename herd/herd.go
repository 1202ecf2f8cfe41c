package herd

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/memherd/internal/singleflight"
)

// Cache coordinates expensive computations for keys stored in a shared
// Memcached cluster. V is the payload type round-tripped through the
// envelope codec.
//
// A Cache holds no per-key state: every decision is driven by what the
// store returns, so any number of Cache instances in any number of
// processes cooperate correctly on the same keys.
type Cache[V any] struct {
	client Client
	opt    Options

	clock   Clock
	metrics Metrics
	log     zerolog.Logger

	// computeTimeSet remembers whether the caller supplied a compute
	// time at construction; the default scalar wait derives from it.
	computeTimeSet bool

	// singleflight group for optional same-process coalescing.
	sf singleflight.Group[string, V]
}

// New constructs a Cache over the given client.
// Defaults:
//   - ComputeTime <= 0 -> DefaultComputeTime
//   - nil Metrics      -> NoopMetrics
//   - nil Clock        -> runtime clock
func New[V any](client Client, opt Options) *Cache[V] {
	if client == nil {
		panic("herd: nil Client")
	}
	c := &Cache[V]{
		client:         client,
		opt:            opt,
		clock:          opt.Clock,
		metrics:        opt.Metrics,
		log:            opt.Logger,
		computeTimeSet: opt.ComputeTime > 0,
	}
	if c.opt.ComputeTime <= 0 {
		c.opt.ComputeTime = DefaultComputeTime
	}
	if c.clock == nil {
		c.clock = systemClock{}
	}
	if c.metrics == nil {
		c.metrics = NoopMetrics{}
	}
	return c
}

// GetOrCompute returns the value cached under key, computing it via
// compute when needed.
//
// Outcomes, decided by the envelope observed in the store:
//
//   - fresh hit: the cached value is returned as-is;
//   - miss or soft-expired: the caller races for the recomputation
//     lock (add on a miss, gets+cas on a stale entry); the winner runs
//     compute exactly once and writes a fresh envelope;
//   - lock held elsewhere: the caller waits — by default it sleeps the
//     wait duration and retries the protocol once, then gives up with
//     ErrUnresolved; WithWaitFunc substitutes an application callback.
//
// expiration is how long the computed value stays fresh. Values above
// 30 days are treated as absolute Unix timestamps, per Memcached's
// convention. Errors from the client, the codec, or compute propagate
// unchanged; a compute error leaves nothing written, so the lock
// placeholder's TTL alone governs recovery.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, expiration time.Duration, compute ComputeFunc[V], opts ...CallOption) (V, error) {
	var zero V
	if key == "" {
		return zero, ErrEmptyKey
	}
	if compute == nil {
		return zero, ErrNoCompute
	}
	co := c.resolveCall(opts)
	if co.waitManyFn != nil {
		// Multi-key callback on a single-key call.
		return zero, ErrWaitCallback
	}
	var waitFn WaitFunc[V]
	if co.waitFn != nil {
		fn, ok := co.waitFn.(WaitFunc[V])
		if !ok {
			return zero, ErrWaitCallback
		}
		waitFn = fn
	}

	if !c.opt.Coalesce {
		return c.getOrCompute(ctx, key, expiration, compute, waitFn, co)
	}
	return c.sf.Do(ctx, key, func() (V, error) {
		return c.getOrCompute(ctx, key, expiration, compute, waitFn, co)
	})
}

// getOrCompute drives the per-key state machine, including the bounded
// post-wait retry. The retry is an explicit loop, not recursion: one
// pass with the configured waiter, then at most one more pass that
// gives up instead of waiting again.
func (c *Cache[V]) getOrCompute(ctx context.Context, key string, expiration time.Duration, compute ComputeFunc[V], waitFn WaitFunc[V], co callOpts) (V, error) {
	var zero V
	rel := normalizeExpiration(expiration, c.clock.Now())

	for retries := 1; ; retries-- {
		v, resolved, err := c.attempt(ctx, key, rel, compute, co.computeTime)
		if err != nil {
			return zero, err
		}
		if resolved {
			return v, nil
		}

		// Lost the lock race.
		c.metrics.Wait()
		if waitFn != nil {
			c.log.Debug().Str("key", key).Msg("lock held elsewhere, invoking wait callback")
			return waitFn(ctx, c.client)
		}
		if retries <= 0 {
			c.log.Debug().Str("key", key).Msg("lock still held after retry, giving up")
			return zero, ErrUnresolved
		}
		c.log.Debug().Str("key", key).Dur("wait", co.wait).Msg("lock held elsewhere, sleeping before retry")
		if err := c.clock.Sleep(ctx, co.wait); err != nil {
			return zero, err
		}
		c.metrics.Retry()
	}
}

// attempt runs one pass of the state machine. resolved=false with a
// nil error means the caller lost the lock race and should take the
// waiter branch.
func (c *Cache[V]) attempt(ctx context.Context, key string, rel time.Duration, compute ComputeFunc[V], computeTime time.Duration) (V, bool, error) {
	var zero V

	raw, ok, err := c.client.Get(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return c.tryAdd(ctx, key, rel, compute, computeTime)
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		return zero, false, err
	}
	now := unixSeconds(c.clock.Now())
	switch {
	case env.fresh(now):
		if env.hasValue {
			c.metrics.Hit()
			v, err := decodeValue[V](env.value)
			if err != nil {
				return zero, false, err
			}
			return v, true, nil
		}
		// Live lock placeholder.
		return zero, false, nil
	case env.processing:
		// Soft-expired and some caller already holds the re-lock.
		return zero, false, nil
	default:
		c.metrics.Stale()
		return c.casUpgrade(ctx, key, rel, compute, computeTime)
	}
}

// tryAdd races an atomic insert of a lock placeholder for an absent
// key. The placeholder's TTL is the compute-time bound, so a crashed
// winner releases the lock by eviction.
func (c *Cache[V]) tryAdd(ctx context.Context, key string, rel time.Duration, compute ComputeFunc[V], computeTime time.Duration) (V, bool, error) {
	var zero V
	ph, err := encodeEnvelope(placeholderEnvelope())
	if err != nil {
		return zero, false, err
	}
	won, err := c.client.Add(ctx, key, ph, ceilSeconds(computeTime))
	if err != nil {
		return zero, false, err
	}
	if !won {
		return zero, false, nil
	}
	c.metrics.Lock(LockAdd)
	c.log.Debug().Str("key", key).Msg("lock acquired (add)")
	return c.computeAndSet(ctx, key, rel, compute, computeTime)
}

// casUpgrade re-locks a soft-expired entry. gets is issued even though
// get just ran: the first view may be stale-by-race, and the CAS token
// anchors the decision. The re-lock placeholder drops the prior value,
// so readers arriving during the re-lock wait; its TTL keeps the lock
// bounded.
func (c *Cache[V]) casUpgrade(ctx context.Context, key string, rel time.Duration, compute ComputeFunc[V], computeTime time.Duration) (V, bool, error) {
	var zero V

	raw, token, ok, err := c.client.Gets(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		// Evicted between get and gets.
		return c.tryAdd(ctx, key, rel, compute, computeTime)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return zero, false, err
	}
	if env.processing {
		return zero, false, nil
	}
	if env.hasValue && env.fresh(unixSeconds(c.clock.Now())) {
		// Someone else finished recomputing between get and gets.
		c.metrics.Hit()
		v, err := decodeValue[V](env.value)
		if err != nil {
			return zero, false, err
		}
		return v, true, nil
	}

	ph, err := encodeEnvelope(placeholderEnvelope())
	if err != nil {
		return zero, false, err
	}
	won, err := c.client.Cas(ctx, key, token, ph, ceilSeconds(computeTime))
	if err != nil {
		return zero, false, err
	}
	if !won {
		return zero, false, nil
	}
	c.metrics.Lock(LockCas)
	c.log.Debug().Str("key", key).Msg("lock acquired (cas)")
	return c.computeAndSet(ctx, key, rel, compute, computeTime)
}

// computeAndSet runs the compute callback under a held lock and writes
// the fresh envelope. A plain set is safe: at most one producer holds
// the lock per epoch.
func (c *Cache[V]) computeAndSet(ctx context.Context, key string, rel time.Duration, compute ComputeFunc[V], computeTime time.Duration) (V, bool, error) {
	var zero V
	c.metrics.Compute(1)
	started := c.clock.Now()
	v, err := compute(ctx, c.client)
	c.metrics.ObserveCompute(c.clock.Now().Sub(started))
	if err != nil {
		// Nothing is written; the placeholder's TTL governs recovery.
		return zero, false, err
	}

	raw, err := encodeValue(v)
	if err != nil {
		return zero, false, err
	}
	soft := unixSeconds(c.clock.Now()) + rel.Seconds()
	b, err := encodeEnvelope(valuedEnvelope(soft, raw))
	if err != nil {
		return zero, false, err
	}
	if err := c.client.Set(ctx, key, b, envelopeTTL(rel, computeTime)); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// resolveCall applies per-call options over the Cache defaults.
func (c *Cache[V]) resolveCall(opts []CallOption) callOpts {
	var co callOpts
	for _, o := range opts {
		o(&co)
	}
	if !co.computeTimeSet {
		co.computeTime = c.opt.ComputeTime
	}
	if !co.waitSet {
		switch {
		case c.opt.Wait > 0:
			co.wait = c.opt.Wait
		case co.computeTimeSet || c.computeTimeSet:
			co.wait = co.computeTime
		default:
			co.wait = defaultWait
		}
	}
	return co
}
