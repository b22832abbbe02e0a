package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/giggle/lingo/pkg/types"
)

var bucketTasks = []byte("tasks")

// BoltStore implements Store using an embedded BoltDB file. It backs
// the single-box deployment mode and the test suite; transitions get
// their atomicity from Bolt's serialized update transactions instead of
// guarded SQL statements.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a BoltDB-backed store
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tasks bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) InsertTask(_ context.Context, task *types.Task) (*types.Task, error) {
	persisted := *task
	if persisted.ID == "" {
		persisted.ID = uuid.New().String()
	}
	now := time.Now()
	persisted.Status = types.TaskStatusPending
	persisted.RetryCount = 0
	persisted.CreatedAt = now
	persisted.UpdatedAt = now

	err := s.db.Update(func(tx *bolt.Tx) error {
		return putTask(tx, &persisted)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return &persisted, nil
}

func (s *BoltStore) GetTask(_ context.Context, id string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = readTask(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *BoltStore) ListTasks(_ context.Context, filter TaskFilter) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if matchesFilter(&task, filter) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	sortTasksNewestFirst(tasks)
	return tasks, nil
}

func (s *BoltStore) ListStuckTasks(_ context.Context, olderThan time.Time) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.Status == types.TaskStatusProcessing && task.UpdatedAt.Before(olderThan) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck tasks: %w", err)
	}
	return tasks, nil
}

func (s *BoltStore) CountProcessingTasks(_ context.Context, nodeID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.Status == types.TaskStatusProcessing && task.AssignedNodeID == nodeID {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count processing tasks for node %s: %w", nodeID, err)
	}
	return count, nil
}

// transition applies fn to the task inside one update transaction. fn
// returns false to reject the transition (precondition not met).
func (s *BoltStore) transition(id string, fn func(task *types.Task) bool) (bool, error) {
	moved := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		task, err := readTask(tx, id)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if !fn(task) {
			return nil
		}
		task.UpdatedAt = time.Now()
		moved = true
		return putTask(tx, task)
	})
	return moved, err
}

func (s *BoltStore) MarkDispatching(_ context.Context, id string) (bool, error) {
	return s.transition(id, func(task *types.Task) bool {
		if task.Status != types.TaskStatusPending {
			return false
		}
		task.Status = types.TaskStatusDispatching
		return true
	})
}

func (s *BoltStore) MarkProcessing(_ context.Context, id, nodeID string) (bool, error) {
	return s.transition(id, func(task *types.Task) bool {
		if task.Status != types.TaskStatusPending && task.Status != types.TaskStatusDispatching {
			return false
		}
		task.Status = types.TaskStatusProcessing
		task.AssignedNodeID = nodeID
		return true
	})
}

func (s *BoltStore) ReleaseDispatching(_ context.Context, id string) (bool, error) {
	return s.transition(id, func(task *types.Task) bool {
		if task.Status != types.TaskStatusDispatching {
			return false
		}
		task.Status = types.TaskStatusPending
		return true
	})
}

func (s *BoltStore) MarkFailed(_ context.Context, id, errorMessage string) (bool, error) {
	return s.transition(id, func(task *types.Task) bool {
		if task.Status.Terminal() {
			return false
		}
		task.Status = types.TaskStatusFailed
		task.ErrorMessage = errorMessage
		return true
	})
}

func (s *BoltStore) MarkCancelled(_ context.Context, id string) (bool, error) {
	return s.transition(id, func(task *types.Task) bool {
		if task.Status.Terminal() {
			return false
		}
		task.Status = types.TaskStatusCancelled
		task.AssignedNodeID = ""
		return true
	})
}

func (s *BoltStore) CompleteTask(_ context.Context, id, resultPath, transcribedText string, accuracy float64) (bool, error) {
	return s.transition(id, func(task *types.Task) bool {
		if task.Status != types.TaskStatusProcessing {
			return false
		}
		task.Status = types.TaskStatusCompleted
		task.ResultFilePath = resultPath
		task.Accuracy = accuracy
		if transcribedText != "" {
			task.TextContent = transcribedText
		}
		return true
	})
}

func (s *BoltStore) ReclaimTask(_ context.Context, id string, retryCount int, olderThan time.Time) (bool, error) {
	return s.transition(id, func(task *types.Task) bool {
		if task.Status != types.TaskStatusProcessing || !task.UpdatedAt.Before(olderThan) {
			return false
		}
		task.Status = types.TaskStatusPending
		task.AssignedNodeID = ""
		task.RetryCount = retryCount
		return true
	})
}

func (s *BoltStore) FailStuckTask(_ context.Context, id, errorMessage string, olderThan time.Time) (bool, error) {
	return s.transition(id, func(task *types.Task) bool {
		if task.Status != types.TaskStatusProcessing || !task.UpdatedAt.Before(olderThan) {
			return false
		}
		task.Status = types.TaskStatusFailed
		task.ErrorMessage = errorMessage
		return true
	})
}

func readTask(tx *bolt.Tx, id string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return &task, nil
}

func putTask(tx *bolt.Tx, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
}

func matchesFilter(task *types.Task, filter TaskFilter) bool {
	if filter.Status != "" && task.Status != filter.Status {
		return false
	}
	if filter.SourceLanguage != "" && task.SourceLanguage != filter.SourceLanguage {
		return false
	}
	if filter.TargetLanguage != "" &&
		!strings.Contains(strings.Join(task.TargetLanguages, ","), filter.TargetLanguage) {
		return false
	}
	if filter.TextContains != "" && !strings.Contains(task.TextContent, filter.TextContains) {
		return false
	}
	return true
}

func sortTasksNewestFirst(tasks []*types.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
