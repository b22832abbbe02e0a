package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerSets(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.SetAdd(ctx, "s", "b", "a", "c"))
	require.NoError(t, b.SetAdd(ctx, "s", "a")) // duplicate

	members, err := b.SetMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, members)

	require.NoError(t, b.SetRemove(ctx, "s", "b"))
	members, err = b.SetMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, members)
}

func TestMemoryBrokerHashes(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.HashSet(ctx, "h", map[string]string{"host": "a", "port": "1"}))
	require.NoError(t, b.HashSet(ctx, "h", map[string]string{"port": "2"}))

	fields, err := b.HashGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"host": "a", "port": "2"}, fields)

	missing, err := b.HashGetAll(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMemoryBrokerSortedSetOrdering(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.SortedSetAdd(ctx, "z", "heavy", 0.9))
	require.NoError(t, b.SortedSetAdd(ctx, "z", "light", 0.1))
	require.NoError(t, b.SortedSetAdd(ctx, "z", "mid", 0.5))
	require.NoError(t, b.SortedSetAdd(ctx, "z", "mid2", 0.5))

	members, err := b.SortedSetRange(ctx, "z")
	require.NoError(t, err)
	require.Len(t, members, 4)
	assert.Equal(t, "light", members[0].Member)
	assert.Equal(t, "mid", members[1].Member) // lexicographic tie-break
	assert.Equal(t, "mid2", members[2].Member)
	assert.Equal(t, "heavy", members[3].Member)

	require.NoError(t, b.SortedSetRemove(ctx, "z", "mid", "mid2"))
	members, err = b.SortedSetRange(ctx, "z")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestMemoryBrokerListFIFO(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.ListPushHead(ctx, "q", "first"))
	require.NoError(t, b.ListPushHead(ctx, "q", "second"))

	length, err := b.ListLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	// Head push, tail pop: FIFO by arrival.
	val, ok, err := b.ListPopTail(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", val)

	val, ok, err = b.ListPopTail(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", val)

	_, ok, err = b.ListPopTail(ctx, "q")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBrokerSetNXAndExpiry(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	now := time.Now()
	b.SetNow(func() time.Time { return now })

	acquired, err := b.SetNX(ctx, "k", "owner-1", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = b.SetNX(ctx, "k", "owner-2", time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	val, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "owner-1", val)

	// Past the TTL the key is gone and a new owner can take it.
	now = now.Add(2 * time.Second)
	acquired, err = b.SetNX(ctx, "k", "owner-2", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMemoryBrokerHashExpiry(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	now := time.Now()
	b.SetNow(func() time.Time { return now })

	require.NoError(t, b.HashSet(ctx, "node", map[string]string{"status": "ONLINE"}))
	require.NoError(t, b.Expire(ctx, "node", 90*time.Second))

	fields, err := b.HashGetAll(ctx, "node")
	require.NoError(t, err)
	assert.Len(t, fields, 1)

	now = now.Add(2 * time.Minute)
	fields, err = b.HashGetAll(ctx, "node")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestMemoryBrokerDelete(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.SetAdd(ctx, "s", "a"))
	require.NoError(t, b.ListPushHead(ctx, "q", "v"))
	require.NoError(t, b.Delete(ctx, "s", "q"))

	members, err := b.SetMembers(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, members)

	length, err := b.ListLen(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, length)
}
