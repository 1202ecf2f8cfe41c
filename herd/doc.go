// Package herd prevents thundering herds on expensive, Memcached-backed
// computations. It mediates between application code and a Memcached
// cluster: given a key, a compute callback, and an expiration, a call
// returns either a fresh cache hit or a freshly computed value (or,
// after losing the lock race, whatever the waiter yields) — while
// guaranteeing that a near-synchronous
// fleet of callers does not stampede the system producing the value.
//
// Coordination happens entirely through the shared store. Memcached has
// no native locking, only atomic insert (add) and optimistic
// compare-and-swap (gets/cas); the protocol builds a per-key
// recomputation lock out of those two primitives and survives process
// crashes, network loss, and eviction.
//
// # Protocol
//
// Every managed key stores an envelope: a (processing, soft_expiry,
// value) tuple. The soft expiry is the protocol-level deadline at which
// recomputation should start; it is strictly earlier than the
// Memcached-level TTL, so a soft-expired value keeps a bounded
// afterlife during recomputation.
//
//   - On a miss, callers race an add of a lock placeholder. The winner
//     computes and writes a fresh envelope; losers become waiters.
//   - On a soft-expired hit, the first caller re-locks the entry with
//     gets+cas, replacing it with a lock placeholder that carries no
//     value; readers that arrive during the re-lock wait. Soft-expired
//     values are not returned to callers. On cas failure the caller
//     waits.
//   - A lock placeholder is written with a TTL equal to the compute
//     time bound, so a crashed holder releases the lock by eviction.
//
// Waiters either sleep and retry the protocol once (the default), or
// hand control to an application callback (fail fast, read from the
// primary store, arbitrary back-pressure).
//
// # Basic usage
//
//	mc := memcache.New("localhost:11211")
//	c := herd.New[string](mc, herd.Options{ComputeTime: 2 * time.Second})
//
//	v, err := c.GetOrCompute(ctx, "user:42", time.Minute,
//	    func(ctx context.Context, _ herd.Client) (string, error) {
//	        return loadUserFromDB(ctx, 42)
//	    })
//
// # Batched usage
//
// GetOrComputeMany preserves the same per-key guarantees while batching
// every Memcached interaction: one get_multi, at most one gets_multi,
// one cas_multi, one add_multi, one set_multi, and a single compute
// invocation covering every key this caller managed to lock.
//
//	vals, err := c.GetOrComputeMany(ctx, []herd.KeyExpiry{
//	    {Key: "a", Expiration: time.Minute},
//	    {Key: "b", Expiration: time.Minute},
//	}, func(ctx context.Context, _ herd.Client, keys []string) ([]int, error) {
//	    return loadAll(ctx, keys)
//	})
//
// # Scheduling model
//
// The protocol coordinates many independent processes that share
// nothing but Memcached. No in-process locks are required; the only
// suspension points are the network calls and the waiter sleep. The
// sleep honours the context; network calls receive it, and honour it
// only as far as the Client implementation does. Optional in-process coalescing (Options.Coalesce)
// collapses same-process callers of one key before the protocol runs,
// saving round-trips; correctness never depends on it.
//
// The client wire protocol, the envelope codec, and metrics export live
// in their own packages: see memcache for a ready adapter over
// bradfitz/gomemcache and metrics/prom for a Prometheus adapter.
package herd
