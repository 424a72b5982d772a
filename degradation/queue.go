package degradation

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/model"
)

var bucketWrites = []byte("writes")

// QueuedWrite is one diverted graph write, replayed in FIFO order when the
// graph becomes reachable again.
type QueuedWrite struct {
	ProcessID     string               `json:"process_id"`
	Entities      []model.Entity       `json:"entities"`
	Relationships []model.Relationship `json:"relationships"`
	EnqueuedAt    time.Time            `json:"enqueued_at"`
}

// LocalQueue is the durable on-disk write queue used while the graph is
// unreachable. Records survive restarts.
type LocalQueue struct {
	db       *bolt.DB
	capacity int
}

// OpenLocalQueue opens (or creates) the queue database under dir.
func OpenLocalQueue(dir string, capacity int) (*LocalQueue, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, common.Wrap(common.KindInternal, "creating local queue dir", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "local_queue.db"), 0o600,
		&bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, common.Wrap(common.KindInternal, "opening local queue", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWrites)
		return err
	})
	if err != nil {
		db.Close()
		return nil, common.Wrap(common.KindInternal, "initializing local queue", err)
	}
	return &LocalQueue{db: db, capacity: capacity}, nil
}

// Enqueue appends a write. Returns KindLocalQueueFull at capacity so the
// caller can fail the process instead of dropping data silently.
func (q *LocalQueue) Enqueue(w QueuedWrite) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWrites)
		if b.Stats().KeyN >= q.capacity {
			return common.E(common.KindLocalQueueFull, "local write queue at capacity")
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Peek returns the oldest queued write without removing it. A nil write
// means the queue is empty.
func (q *LocalQueue) Peek() ([]byte, *QueuedWrite, error) {
	var key []byte
	var w *QueuedWrite
	err := q.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(bucketWrites).Cursor().First()
		if k == nil {
			return nil
		}
		key = append([]byte(nil), k...)
		w = &QueuedWrite{}
		return json.Unmarshal(v, w)
	})
	return key, w, err
}

// Remove deletes a replayed record.
func (q *LocalQueue) Remove(key []byte) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWrites).Delete(key)
	})
}

// Depth returns the number of queued writes.
func (q *LocalQueue) Depth() int {
	var n int
	_ = q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketWrites).Stats().KeyN
		return nil
	})
	return n
}

func (q *LocalQueue) Close() error { return q.db.Close() }
