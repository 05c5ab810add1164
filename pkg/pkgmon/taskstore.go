package pkgmon

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var bucketTasks = []byte("tasks")

// Task is one queued directive for the package reporter.
type Task struct {
	ID   uint64
	Data bson.M
}

// TaskStore is the bbolt-backed queue of reporter tasks. Tasks are
// consumed in insertion order.
type TaskStore struct {
	db *bolt.DB
}

// OpenTaskStore opens (creating as needed) the task database.
func OpenTaskStore(path string) (*TaskStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create task bucket: %w", err)
	}
	return &TaskStore{db: db}, nil
}

// Close closes the database.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// AddTask appends a task and returns its id.
func (s *TaskStore) AddTask(data bson.M) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		encoded, err := bson.Marshal(data)
		if err != nil {
			return err
		}
		return b.Put(taskKey(seq), encoded)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add task: %w", err)
	}
	return id, nil
}

// NextTask returns the oldest task, or nil when the queue is empty.
func (s *TaskStore) NextTask() (*Task, error) {
	var task *Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		data, err := decodeTask(v)
		if err != nil {
			return err
		}
		task = &Task{ID: binary.BigEndian.Uint64(k), Data: data}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	return task, nil
}

// RemoveTask deletes a completed task.
func (s *TaskStore) RemoveTask(id uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete(taskKey(id))
	})
	if err != nil {
		return fmt.Errorf("failed to remove task: %w", err)
	}
	return nil
}

// ClearTasks removes every task except the given ids.
func (s *TaskStore) ClearTasks(except ...uint64) error {
	keep := make(map[uint64]bool, len(except))
	for _, id := range except {
		keep[id] = true
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if keep[binary.BigEndian.Uint64(k)] {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}
	return nil
}

// CountTasks returns the number of queued tasks.
func (s *TaskStore) CountTasks() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketTasks).Stats().KeyN
		return nil
	})
	return count, err
}

func taskKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func decodeTask(data []byte) (bson.M, error) {
	dec := bson.NewDecoder(bson.NewDocumentReader(bytes.NewReader(data)))
	dec.DefaultDocumentM()
	var m bson.M
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
