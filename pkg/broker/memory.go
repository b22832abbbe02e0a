package broker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBroker is a process-local Broker for tests and single-box mode.
// Key expiry is enforced lazily on access, which is sufficient for the
// lock primitive's TTL contract.
type MemoryBroker struct {
	mu      sync.Mutex
	sets    map[string]map[string]struct{}
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	lists   map[string][]string
	values  map[string]string
	expiry  map[string]time.Time
	nowFunc func() time.Time
}

// NewMemoryBroker creates an empty in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]string),
		values:  make(map[string]string),
		expiry:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// SetNow overrides the broker clock. Test hook for TTL behavior.
func (b *MemoryBroker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFunc = now
}

// reap drops a key in any structure if its TTL has passed. Callers hold mu.
func (b *MemoryBroker) reap(key string) {
	deadline, ok := b.expiry[key]
	if !ok || b.nowFunc().Before(deadline) {
		return
	}
	delete(b.expiry, key)
	delete(b.sets, key)
	delete(b.hashes, key)
	delete(b.zsets, key)
	delete(b.lists, key)
	delete(b.values, key)
}

func (b *MemoryBroker) SetAdd(_ context.Context, key string, members ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (b *MemoryBroker) SetRemove(_ context.Context, key string, members ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	set := b.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (b *MemoryBroker) SetMembers(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	members := make([]string, 0, len(b.sets[key]))
	for m := range b.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (b *MemoryBroker) HashSet(_ context.Context, key string, fields map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	hash, ok := b.hashes[key]
	if !ok {
		hash = make(map[string]string)
		b.hashes[key] = hash
	}
	for k, v := range fields {
		hash[k] = v
	}
	return nil
}

func (b *MemoryBroker) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	out := make(map[string]string, len(b.hashes[key]))
	for k, v := range b.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryBroker) SortedSetAdd(_ context.Context, key, member string, score float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	zset, ok := b.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		b.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

func (b *MemoryBroker) SortedSetRemove(_ context.Context, key string, members ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	zset := b.zsets[key]
	for _, m := range members {
		delete(zset, m)
	}
	return nil
}

func (b *MemoryBroker) SortedSetRange(_ context.Context, key string) ([]ScoredMember, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	members := make([]ScoredMember, 0, len(b.zsets[key]))
	for m, score := range b.zsets[key] {
		members = append(members, ScoredMember{Member: m, Score: score})
	}
	// Ascending by score; lexicographic tie-break matches Redis.
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members, nil
}

func (b *MemoryBroker) ListPushHead(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	b.lists[key] = append([]string{value}, b.lists[key]...)
	return nil
}

func (b *MemoryBroker) ListPopTail(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	list := b.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	val := list[len(list)-1]
	b.lists[key] = list[:len(list)-1]
	return val, true, nil
}

func (b *MemoryBroker) ListLen(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	return int64(len(b.lists[key])), nil
}

func (b *MemoryBroker) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expiry[key] = b.nowFunc().Add(ttl)
	return nil
}

func (b *MemoryBroker) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.expiry, key)
		delete(b.sets, key)
		delete(b.hashes, key)
		delete(b.zsets, key)
		delete(b.lists, key)
		delete(b.values, key)
	}
	return nil
}

func (b *MemoryBroker) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	if _, held := b.values[key]; held {
		return false, nil
	}
	b.values[key] = value
	if ttl > 0 {
		b.expiry[key] = b.nowFunc().Add(ttl)
	}
	return true, nil
}

func (b *MemoryBroker) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reap(key)
	val, ok := b.values[key]
	return val, ok, nil
}

func (b *MemoryBroker) Ping(context.Context) error {
	return nil
}

func (b *MemoryBroker) Close() error {
	return nil
}
