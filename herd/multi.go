package herd

import (
	"context"
	"fmt"
	"time"
)

// keyRel is a key with its normalised (relative) expiration.
type keyRel struct {
	key string
	rel time.Duration
}

// GetOrComputeMany is the batched variant of GetOrCompute. It
// preserves the per-key state machine while batching every Memcached
// interaction: per invocation it issues at most one GetMulti, one
// GetsMulti, one CasMulti, one AddMulti, and one SetMulti (plus the
// waiter retry, if taken), and it invokes compute once with every key
// this caller managed to lock.
//
// compute must return values positionally: values[i] for keys[i].
// Because one invocation covers the whole locked subset, its duration
// can exceed a single key's compute time; size ComputeTime (or the
// wait) to the cumulative cost. Batches are never split.
//
// The result maps each input key to its value. With the default scalar
// waiter, keys still locked elsewhere after the single retry are
// simply absent from the result. A WithWaitManyFunc callback receives
// the unresolved subset instead and its mapping is merged in.
func (c *Cache[V]) GetOrComputeMany(ctx context.Context, keys []KeyExpiry, compute ComputeManyFunc[V], opts ...CallOption) (map[string]V, error) {
	if compute == nil {
		return nil, ErrNoCompute
	}
	seen := make(map[string]struct{}, len(keys))
	for _, ke := range keys {
		if ke.Key == "" {
			return nil, ErrEmptyKey
		}
		if _, dup := seen[ke.Key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, ke.Key)
		}
		seen[ke.Key] = struct{}{}
	}
	co := c.resolveCall(opts)
	if co.waitFn != nil {
		// Single-key callback on a multi-key call.
		return nil, ErrWaitCallback
	}
	var waitFn WaitManyFunc[V]
	if co.waitManyFn != nil {
		fn, ok := co.waitManyFn.(WaitManyFunc[V])
		if !ok {
			return nil, ErrWaitCallback
		}
		waitFn = fn
	}

	out := make(map[string]V, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	// Normalise expirations into a fresh slice, exactly once per call;
	// the caller's input is never mutated.
	now := c.clock.Now()
	pending := make([]keyRel, 0, len(keys))
	for _, ke := range keys {
		pending = append(pending, keyRel{key: ke.Key, rel: normalizeExpiration(ke.Expiration, now)})
	}

	for retries := 1; ; retries-- {
		waiting, err := c.manyAttempt(ctx, pending, compute, co, out)
		if err != nil {
			return nil, err
		}
		if len(waiting) == 0 {
			return out, nil
		}

		c.metrics.Wait()
		if waitFn != nil {
			names := make([]string, len(waiting))
			for i, kr := range waiting {
				names[i] = kr.key
			}
			c.log.Debug().Int("keys", len(names)).Msg("locks held elsewhere, invoking wait callback")
			sub, err := waitFn(ctx, c.client, names)
			if err != nil {
				return nil, err
			}
			for k, v := range sub {
				out[k] = v
			}
			return out, nil
		}
		if retries <= 0 {
			// Give up: unresolved keys stay absent from the result.
			c.log.Debug().Int("keys", len(waiting)).Msg("locks still held after retry, giving up")
			return out, nil
		}
		c.log.Debug().Int("keys", len(waiting)).Dur("wait", co.wait).Msg("locks held elsewhere, sleeping before retry")
		if err := c.clock.Sleep(ctx, co.wait); err != nil {
			return nil, err
		}
		c.metrics.Retry()
		pending = waiting
	}
}

// manyAttempt runs one batched pass over pending keys, recording
// resolved values in out and returning the subset that must wait.
//
// Phase order matters: the CAS upgrade precedes the add attempt
// because a key found evicted during the upgrade downgrades to the
// add batch, and computed envelopes are written before the caller's
// waiter runs so a retry observes them as hits.
func (c *Cache[V]) manyAttempt(ctx context.Context, pending []keyRel, compute ComputeManyFunc[V], co callOpts, out map[string]V) ([]keyRel, error) {
	lockTTL := ceilSeconds(co.computeTime)
	ph, err := encodeEnvelope(placeholderEnvelope())
	if err != nil {
		return nil, err
	}

	// Phase 1 — classify every key from a single batched read.
	names := make([]string, len(pending))
	for i, kr := range pending {
		names[i] = kr.key
	}
	got, err := c.client.GetMulti(ctx, names)
	if err != nil {
		return nil, err
	}

	var waiting, casKeys, addKeys, computeKeys []keyRel
	now := unixSeconds(c.clock.Now())
	for _, kr := range pending {
		raw, ok := got[kr.key]
		if !ok {
			addKeys = append(addKeys, kr)
			continue
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return nil, err
		}
		switch {
		case env.fresh(now):
			if env.hasValue {
				v, err := decodeValue[V](env.value)
				if err != nil {
					return nil, err
				}
				c.metrics.Hit()
				out[kr.key] = v
			} else {
				waiting = append(waiting, kr)
			}
		case env.processing:
			waiting = append(waiting, kr)
		default:
			c.metrics.Stale()
			casKeys = append(casKeys, kr)
		}
	}

	// Phase 2 — re-lock stale entries with a batched gets + cas.
	if len(casKeys) > 0 {
		casNames := make([]string, len(casKeys))
		for i, kr := range casKeys {
			casNames[i] = kr.key
		}
		gm, err := c.client.GetsMulti(ctx, casNames)
		if err != nil {
			return nil, err
		}

		var staged []CasWrite
		var stagedKeys []keyRel
		now = unixSeconds(c.clock.Now())
		for _, kr := range casKeys {
			cv, ok := gm[kr.key]
			if !ok {
				// Evicted between get and gets: downgrade to add.
				addKeys = append(addKeys, kr)
				continue
			}
			env, err := decodeEnvelope(cv.Value)
			if err != nil {
				return nil, err
			}
			switch {
			case env.processing:
				waiting = append(waiting, kr)
			case env.hasValue && env.fresh(now):
				// Someone else finished recomputing in the meantime.
				v, err := decodeValue[V](env.value)
				if err != nil {
					return nil, err
				}
				c.metrics.Hit()
				out[kr.key] = v
			default:
				staged = append(staged, CasWrite{Key: kr.key, Token: cv.Token, Value: ph, TTL: lockTTL})
				stagedKeys = append(stagedKeys, kr)
			}
		}
		if len(staged) > 0 {
			res, err := c.client.CasMulti(ctx, staged)
			if err != nil {
				return nil, err
			}
			for _, kr := range stagedKeys {
				if res[kr.key] {
					c.metrics.Lock(LockCas)
					computeKeys = append(computeKeys, kr)
				} else {
					waiting = append(waiting, kr)
				}
			}
		}
	}

	// Phase 3 — batched add of placeholders for absent keys.
	if len(addKeys) > 0 {
		items := make([]Write, len(addKeys))
		for i, kr := range addKeys {
			items[i] = Write{Key: kr.key, Value: ph, TTL: lockTTL}
		}
		res, err := c.client.AddMulti(ctx, items)
		if err != nil {
			return nil, err
		}
		for _, kr := range addKeys {
			if res[kr.key] {
				c.metrics.Lock(LockAdd)
				computeKeys = append(computeKeys, kr)
			} else {
				waiting = append(waiting, kr)
			}
		}
	}

	// Phase 4 — one compute invocation over every locked key, one
	// batched write of the fresh envelopes.
	if len(computeKeys) > 0 {
		computeNames := make([]string, len(computeKeys))
		for i, kr := range computeKeys {
			computeNames[i] = kr.key
		}
		c.metrics.Compute(len(computeKeys))
		started := c.clock.Now()
		vals, err := compute(ctx, c.client, computeNames)
		c.metrics.ObserveCompute(c.clock.Now().Sub(started))
		if err != nil {
			// Nothing is written; the placeholders expire on their own.
			return nil, err
		}
		if len(vals) != len(computeKeys) {
			return nil, fmt.Errorf("%w: got %d values for %d keys", ErrComputeCount, len(vals), len(computeKeys))
		}

		items := make([]Write, len(computeKeys))
		setNow := unixSeconds(c.clock.Now())
		for i, kr := range computeKeys {
			raw, err := encodeValue(vals[i])
			if err != nil {
				return nil, err
			}
			b, err := encodeEnvelope(valuedEnvelope(setNow+kr.rel.Seconds(), raw))
			if err != nil {
				return nil, err
			}
			items[i] = Write{Key: kr.key, Value: b, TTL: envelopeTTL(kr.rel, co.computeTime)}
			out[kr.key] = vals[i]
		}
		if err := c.client.SetMulti(ctx, items); err != nil {
			return nil, err
		}
	}

	return waiting, nil
}
