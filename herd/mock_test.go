package herd

import (
	"context"
	"sync"
	"time"
)

// manualClock is a deterministic Clock for tests. Sleep advances the
// clock instead of blocking, records the requested duration, and runs
// an optional hook so tests can mutate store state "while" a caller
// sleeps.
type manualClock struct {
	mu      sync.Mutex
	t       time.Time
	sleeps  []time.Duration
	onSleep func()
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

// opRec is one recorded client operation, with the TTL and value of
// writes for protocol assertions.
type opRec struct {
	op    string
	key   string
	ttl   int32
	value []byte
}

// mockEntry is one stored item. expireAt is absolute Unix seconds;
// expiry is enforced lazily on read, like the real server's behaviour
// as observed by clients.
type mockEntry struct {
	value    []byte
	casID    uint64
	expireAt float64
}

// mockClient is an in-memory Client with memcached semantics: atomic
// add, token-checked cas, lazy TTL expiry. It records every operation
// for round-trip and protocol-shape assertions and can inject
// failures. Safe for concurrent use.
type mockClient struct {
	mu     sync.Mutex
	clock  Clock
	data   map[string]*mockEntry
	casSeq uint64

	ops     []opRec
	counts  map[string]int
	failOn  map[string]error
	afterOp func(op string)

	// casReject forces every cas/cas_multi to lose.
	casReject bool
}

var _ Client = (*mockClient)(nil)

func newMockClient(clock Clock) *mockClient {
	return &mockClient{
		clock:  clock,
		data:   make(map[string]*mockEntry),
		counts: make(map[string]int),
		failOn: make(map[string]error),
	}
}

func (m *mockClient) now() float64 { return unixSeconds(m.clock.Now()) }

// liveLocked returns the entry for key if present and unexpired,
// deleting it on lazy expiry. Callers hold m.mu.
func (m *mockClient) liveLocked(key string) (*mockEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if e.expireAt > 0 && m.now() >= e.expireAt {
		delete(m.data, key)
		return nil, false
	}
	return e, true
}

func (m *mockClient) storeLocked(key string, value []byte, ttl int32) {
	m.casSeq++
	e := &mockEntry{value: append([]byte(nil), value...), casID: m.casSeq}
	if ttl > 0 {
		e.expireAt = m.now() + float64(ttl)
	}
	m.data[key] = e
}

func (m *mockClient) recordLocked(op, key string, ttl int32, value []byte) {
	m.ops = append(m.ops, opRec{op: op, key: key, ttl: ttl, value: value})
	m.counts[op]++
}

// finish runs the per-op hook outside the lock.
func (m *mockClient) finish(op string) {
	m.mu.Lock()
	hook := m.afterOp
	m.mu.Unlock()
	if hook != nil {
		hook(op)
	}
}

func (m *mockClient) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[op]
}

func (m *mockClient) totalOps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// lastWrite returns the most recent recorded op with the given name.
func (m *mockClient) lastWrite(op string) (opRec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.ops) - 1; i >= 0; i-- {
		if m.ops[i].op == op {
			return m.ops[i], true
		}
	}
	return opRec{}, false
}

// seed plants an encoded envelope without recording an operation.
func (m *mockClient) seed(key string, env *envelope, ttl int32) {
	b, err := encodeEnvelope(env)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(key, b, ttl)
}

// entry returns the raw stored bytes for key, ignoring expiry.
func (m *mockClient) entry(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (m *mockClient) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// ---- Client implementation ----

func (m *mockClient) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	m.recordLocked("get", key, 0, nil)
	if err := m.failOn["get"]; err != nil {
		m.mu.Unlock()
		return nil, false, err
	}
	e, ok := m.liveLocked(key)
	var v []byte
	if ok {
		v = append([]byte(nil), e.value...)
	}
	m.mu.Unlock()
	m.finish("get")
	return v, ok, nil
}

func (m *mockClient) Gets(_ context.Context, key string) ([]byte, CasToken, bool, error) {
	m.mu.Lock()
	m.recordLocked("gets", key, 0, nil)
	if err := m.failOn["gets"]; err != nil {
		m.mu.Unlock()
		return nil, nil, false, err
	}
	e, ok := m.liveLocked(key)
	var (
		v     []byte
		token CasToken
	)
	if ok {
		v = append([]byte(nil), e.value...)
		token = e.casID
	}
	m.mu.Unlock()
	m.finish("gets")
	return v, token, ok, nil
}

func (m *mockClient) Add(_ context.Context, key string, value []byte, ttl int32) (bool, error) {
	m.mu.Lock()
	m.recordLocked("add", key, ttl, value)
	if err := m.failOn["add"]; err != nil {
		m.mu.Unlock()
		return false, err
	}
	_, exists := m.liveLocked(key)
	if !exists {
		m.storeLocked(key, value, ttl)
	}
	m.mu.Unlock()
	m.finish("add")
	return !exists, nil
}

func (m *mockClient) Cas(_ context.Context, key string, token CasToken, value []byte, ttl int32) (bool, error) {
	m.mu.Lock()
	m.recordLocked("cas", key, ttl, value)
	if err := m.failOn["cas"]; err != nil {
		m.mu.Unlock()
		return false, err
	}
	stored := m.casLocked(key, token, value, ttl)
	m.mu.Unlock()
	m.finish("cas")
	return stored, nil
}

func (m *mockClient) casLocked(key string, token CasToken, value []byte, ttl int32) bool {
	if m.casReject {
		return false
	}
	e, ok := m.liveLocked(key)
	if !ok {
		return false
	}
	id, ok := token.(uint64)
	if !ok || e.casID != id {
		return false
	}
	m.storeLocked(key, value, ttl)
	return true
}

func (m *mockClient) Set(_ context.Context, key string, value []byte, ttl int32) error {
	m.mu.Lock()
	m.recordLocked("set", key, ttl, value)
	if err := m.failOn["set"]; err != nil {
		m.mu.Unlock()
		return err
	}
	m.storeLocked(key, value, ttl)
	m.mu.Unlock()
	m.finish("set")
	return nil
}

func (m *mockClient) GetMulti(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	m.recordLocked("get_multi", "", 0, nil)
	if err := m.failOn["get_multi"]; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if e, ok := m.liveLocked(k); ok {
			out[k] = append([]byte(nil), e.value...)
		}
	}
	m.mu.Unlock()
	m.finish("get_multi")
	return out, nil
}

func (m *mockClient) GetsMulti(_ context.Context, keys []string) (map[string]CasValue, error) {
	m.mu.Lock()
	m.recordLocked("gets_multi", "", 0, nil)
	if err := m.failOn["gets_multi"]; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	out := make(map[string]CasValue, len(keys))
	for _, k := range keys {
		if e, ok := m.liveLocked(k); ok {
			out[k] = CasValue{Value: append([]byte(nil), e.value...), Token: e.casID}
		}
	}
	m.mu.Unlock()
	m.finish("gets_multi")
	return out, nil
}

func (m *mockClient) AddMulti(_ context.Context, items []Write) (map[string]bool, error) {
	m.mu.Lock()
	m.recordLocked("add_multi", "", 0, nil)
	if err := m.failOn["add_multi"]; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	out := make(map[string]bool, len(items))
	for _, w := range items {
		_, exists := m.liveLocked(w.Key)
		if !exists {
			m.storeLocked(w.Key, w.Value, w.TTL)
		}
		out[w.Key] = !exists
	}
	m.mu.Unlock()
	m.finish("add_multi")
	return out, nil
}

func (m *mockClient) CasMulti(_ context.Context, ops []CasWrite) (map[string]bool, error) {
	m.mu.Lock()
	m.recordLocked("cas_multi", "", 0, nil)
	if err := m.failOn["cas_multi"]; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	out := make(map[string]bool, len(ops))
	for _, op := range ops {
		out[op.Key] = m.casLocked(op.Key, op.Token, op.Value, op.TTL)
	}
	m.mu.Unlock()
	m.finish("cas_multi")
	return out, nil
}

func (m *mockClient) SetMulti(_ context.Context, items []Write) error {
	m.mu.Lock()
	m.recordLocked("set_multi", "", 0, nil)
	if err := m.failOn["set_multi"]; err != nil {
		m.mu.Unlock()
		return err
	}
	for _, w := range items {
		m.storeLocked(w.Key, w.Value, w.TTL)
	}
	m.mu.Unlock()
	m.finish("set_multi")
	return nil
}
