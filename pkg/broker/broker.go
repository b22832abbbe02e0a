package broker

import (
	"context"
	"time"
)

// Broker keyspace shared with the worker fleet.
const (
	KeyActiveNodes  = "active_nodes"
	KeyNodeRankings = "node_rankings"
	KeyPendingTasks = "pending_tasks"
)

// NodeKey returns the hash key holding a worker's advertised state
func NodeKey(nodeID string) string {
	return "worker_nodes:" + nodeID
}

// TaskQueueKey returns a node's work queue key
func TaskQueueKey(nodeID string) string {
	return "task_queue:" + nodeID
}

// ControlQueueKey returns a node's control queue key
func ControlQueueKey(nodeID string) string {
	return "control_queue:" + nodeID
}

// ScoredMember is a sorted-set member with its score
type ScoredMember struct {
	Member string
	Score  float64
}

// Broker is the shared in-memory broker the dispatchers, reconcilers and
// workers coordinate through. The command surface mirrors the Redis
// structures the platform uses: sets, hashes, sorted sets, lists, and
// SET-NX keys with expiry.
//
// List convention: producers push at the head, consumers pop from the
// tail, so a list drains FIFO by arrival.
type Broker interface {
	// Sets
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Hashes
	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// Sorted sets. Range returns members ascending by score.
	SortedSetAdd(ctx context.Context, key, member string, score float64) error
	SortedSetRemove(ctx context.Context, key string, members ...string) error
	SortedSetRange(ctx context.Context, key string) ([]ScoredMember, error)

	// Lists
	ListPushHead(ctx context.Context, key, value string) error
	ListPopTail(ctx context.Context, key string) (string, bool, error)
	ListLen(ctx context.Context, key string) (int64, error)

	// Keys
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// Lock primitives: SetNX publishes value under key only when the key
	// is absent, with automatic expiry after ttl.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)

	Ping(ctx context.Context) error
	Close() error
}
