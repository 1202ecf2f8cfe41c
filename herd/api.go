package herd

import (
	"context"
	"errors"
	"time"
)

// CasToken is the opaque compare-and-swap token returned by Gets and
// consumed by Cas. Its concrete type belongs to the client adapter;
// the coordinator only carries it between the two calls.
type CasToken any

// CasValue pairs an encoded envelope with its CAS token, as returned
// by GetsMulti.
type CasValue struct {
	Value []byte
	Token CasToken
}

// Write is one key/value/TTL entry of a batched unconditional or
// add-if-absent write. TTL is in whole seconds, relative.
type Write struct {
	Key   string
	Value []byte
	TTL   int32
}

// CasWrite is one entry of a batched compare-and-swap.
type CasWrite struct {
	Key   string
	Token CasToken
	Value []byte
	TTL   int32
}

// Client is the Memcached surface the coordinator requires. Values are
// encoded envelopes; the coordinator never inspects bytes it did not
// encode itself.
//
// Semantics:
//
//   - Get/GetMulti return the stored value, or ok=false (absence from
//     the result map) on a miss. A miss is not an error.
//   - Gets/GetsMulti additionally return an opaque CAS token usable in
//     a subsequent Cas on the same key.
//   - Add stores iff the key is absent and reports whether it won.
//   - Cas stores iff the key is present and the token still matches.
//     A lost race reports false, not an error.
//   - Set stores unconditionally.
//   - The *Multi variants report per-key results keyed by input key.
//     They are free to execute per-key under the hood; the batch shape
//     only bounds the coordinator's round-trips when the transport can
//     exploit it.
//
// All TTLs are relative whole seconds. Implementations must be safe
// for concurrent use.
type Client interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Gets(ctx context.Context, key string) (value []byte, token CasToken, ok bool, err error)
	Add(ctx context.Context, key string, value []byte, ttl int32) (stored bool, err error)
	Cas(ctx context.Context, key string, token CasToken, value []byte, ttl int32) (stored bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl int32) error

	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	GetsMulti(ctx context.Context, keys []string) (map[string]CasValue, error)
	AddMulti(ctx context.Context, items []Write) (map[string]bool, error)
	CasMulti(ctx context.Context, ops []CasWrite) (map[string]bool, error)
	SetMulti(ctx context.Context, items []Write) error
}

// ComputeFunc produces the value for a single key. It runs only in the
// caller that won the recomputation lock. An error propagates to that
// caller; nothing is written, and the lock placeholder's TTL alone
// governs recovery.
type ComputeFunc[V any] func(ctx context.Context, c Client) (V, error)

// ComputeManyFunc produces values for a batch of locked keys in one
// invocation. The result must be positional: values[i] belongs to
// keys[i].
type ComputeManyFunc[V any] func(ctx context.Context, c Client, keys []string) ([]V, error)

// WaitFunc is the single-key waiter callback: invoked when this caller
// lost the lock race, its return becomes the call's return.
type WaitFunc[V any] func(ctx context.Context, c Client) (V, error)

// WaitManyFunc is the multi-key waiter callback. It receives the
// still-unresolved keys and returns a mapping merged into the output;
// keys absent from the mapping stay absent from the result.
type WaitManyFunc[V any] func(ctx context.Context, c Client, keys []string) (map[string]V, error)

// KeyExpiry is one (key, expiration) input of GetOrComputeMany.
type KeyExpiry struct {
	Key        string
	Expiration time.Duration
}

var (
	// ErrNoCompute is returned when the compute callback is nil.
	ErrNoCompute = errors.New("herd: compute callback is nil")

	// ErrEmptyKey is returned for an empty key.
	ErrEmptyKey = errors.New("herd: empty key")

	// ErrDuplicateKey is returned when GetOrComputeMany receives the
	// same key twice.
	ErrDuplicateKey = errors.New("herd: duplicate key")

	// ErrWaitCallback is returned when a wait callback registered via
	// WithWaitFunc/WithWaitManyFunc does not match the cache's value
	// type or the call's arity.
	ErrWaitCallback = errors.New("herd: wait callback does not match call")

	// ErrUnresolved is returned by GetOrCompute when the key is still
	// locked by another caller after the bounded wait and single retry.
	ErrUnresolved = errors.New("herd: key still locked after wait")

	// ErrComputeCount is returned when a ComputeManyFunc returns a
	// slice whose length differs from the number of keys it was given.
	ErrComputeCount = errors.New("herd: compute returned wrong number of values")
)
