// Package memcache adapts github.com/bradfitz/gomemcache to the
// herd.Client contract.
//
// CAS tokens are the *memcache.Item values returned by gets; the
// protocol treats them as opaque and hands them back to Cas unchanged.
// gomemcache has no batched add/cas/set commands, so those *Multi
// variants run per key — the per-key result contract is preserved,
// only the round-trip saving is lost. GetMulti and GetsMulti use the
// client's native batched read.
//
// gomemcache does not take a context; the ctx arguments bound only the
// coordinator's sleeps, not individual wire calls. Configure timeouts
// on the underlying client.
package memcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/IvanBrykalov/memherd/herd"
)

// Client implements herd.Client over a gomemcache client.
type Client struct {
	mc *memcache.Client
}

// Compile-time check: ensure Client implements herd.Client.
var _ herd.Client = (*Client)(nil)

// New returns a Client connected to the given server addresses, using
// gomemcache's default timeouts and consistent key hashing.
func New(servers ...string) *Client {
	return &Client{mc: memcache.New(servers...)}
}

// Wrap adapts an already-configured gomemcache client.
func Wrap(mc *memcache.Client) *Client {
	return &Client{mc: mc}
}

// Get returns the value stored under key, or ok=false on a miss.
func (c *Client) Get(_ context.Context, key string) ([]byte, bool, error) {
	it, err := c.mc.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return it.Value, true, nil
}

// Gets returns the value and its CAS token, or ok=false on a miss.
func (c *Client) Gets(_ context.Context, key string) ([]byte, herd.CasToken, bool, error) {
	it, err := c.mc.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return it.Value, it, true, nil
}

// Add stores value iff key is absent and reports whether it won.
func (c *Client) Add(_ context.Context, key string, value []byte, ttl int32) (bool, error) {
	err := c.mc.Add(&memcache.Item{Key: key, Value: value, Expiration: ttl})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cas stores value iff the entry still matches token. A lost race —
// the entry changed or vanished since the gets — reports false.
func (c *Client) Cas(_ context.Context, key string, token herd.CasToken, value []byte, ttl int32) (bool, error) {
	it, ok := token.(*memcache.Item)
	if !ok || it.Key != key {
		return false, fmt.Errorf("memcache: cas token is not a gets result for %q", key)
	}
	it.Value = value
	it.Expiration = ttl
	err := c.mc.CompareAndSwap(it)
	if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) || errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Set stores value unconditionally.
func (c *Client) Set(_ context.Context, key string, value []byte, ttl int32) error {
	return c.mc.Set(&memcache.Item{Key: key, Value: value, Expiration: ttl})
}

// GetMulti returns the values present among keys in one batched read.
func (c *Client) GetMulti(_ context.Context, keys []string) (map[string][]byte, error) {
	items, err := c.mc.GetMulti(keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(items))
	for k, it := range items {
		out[k] = it.Value
	}
	return out, nil
}

// GetsMulti returns values with CAS tokens in one batched read.
func (c *Client) GetsMulti(_ context.Context, keys []string) (map[string]herd.CasValue, error) {
	items, err := c.mc.GetMulti(keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]herd.CasValue, len(items))
	for k, it := range items {
		out[k] = herd.CasValue{Value: it.Value, Token: it}
	}
	return out, nil
}

// AddMulti performs per-key adds and reports which keys won.
func (c *Client) AddMulti(ctx context.Context, items []herd.Write) (map[string]bool, error) {
	out := make(map[string]bool, len(items))
	for _, w := range items {
		stored, err := c.Add(ctx, w.Key, w.Value, w.TTL)
		if err != nil {
			return nil, err
		}
		out[w.Key] = stored
	}
	return out, nil
}

// CasMulti performs per-key compare-and-swaps and reports which keys won.
func (c *Client) CasMulti(ctx context.Context, ops []herd.CasWrite) (map[string]bool, error) {
	out := make(map[string]bool, len(ops))
	for _, op := range ops {
		stored, err := c.Cas(ctx, op.Key, op.Token, op.Value, op.TTL)
		if err != nil {
			return nil, err
		}
		out[op.Key] = stored
	}
	return out, nil
}

// SetMulti performs per-key unconditional writes.
func (c *Client) SetMulti(ctx context.Context, items []herd.Write) error {
	for _, w := range items {
		if err := c.Set(ctx, w.Key, w.Value, w.TTL); err != nil {
			return err
		}
	}
	return nil
}
