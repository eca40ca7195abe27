package tasks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	fleetflash "github.com/fleetflash/fleetflash"
)

// Job kinds.
const (
	KindUpgradeOperation             = "upgrade_operation"
	KindBatchUpgrade                 = "batch_upgrade_operation"
	KindAutoCreateDeviceFirmware     = "auto_create_device_firmware"
	KindAutoCreateAllDeviceFirmwares = "auto_create_all_device_firmwares"
)

var jobsBucket = []byte("pending_jobs")

// Job is one unit of background work. Which payload fields are set depends
// on Kind.
type Job struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	OperationID  string `json:"operation_id,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
	Firmwareless bool   `json:"firmwareless,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`
	ImageID      string `json:"image_id,omitempty"`

	// Attempts counts completed executions of this job.
	Attempts   int       `json:"attempts"`
	RunAt      time.Time `json:"run_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// key orders jobs by due time so a cursor scan finds due work first.
func (j *Job) key() []byte {
	return []byte(fmt.Sprintf("%020d:%s", j.RunAt.UnixNano(), j.ID))
}

// Queue is a durable at-least-once job queue. Pending jobs survive a
// process restart; a job is removed only after its handler finishes or
// gives up. Claims are tracked in memory, so the queue must not be shared
// between processes.
type Queue struct {
	db  *bolt.DB
	log logrus.FieldLogger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// OpenQueue opens (or creates) the queue database at path.
func OpenQueue(path string, log logrus.FieldLogger) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job queue directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open job queue %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize job queue: %w", err)
	}
	return &Queue{
		db:       db,
		log:      log.WithField("component", "job-queue"),
		inflight: make(map[string]struct{}),
	}, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Path returns the on-disk location of the queue database.
func (q *Queue) Path() string {
	return filepath.Clean(q.db.Path())
}

// Enqueue persists a job. ID, EnqueuedAt and RunAt are filled when unset.
func (q *Queue) Enqueue(job *Job) error {
	if job.Kind == "" {
		return fmt.Errorf("job kind is required")
	}
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = fleetflash.NewID("job")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).Put(job.key(), data)
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.log.WithFields(logrus.Fields{
		"job_id": job.ID,
		"kind":   job.Kind,
	}).Debug("job enqueued")
	return nil
}

// Claim returns the first job due at now that no worker holds, marking it
// in flight. Returns nil when nothing is due. The job stays in the database
// until Ack or Nack; a crash between Claim and Ack re-delivers it on the
// next start.
func (q *Queue) Claim(now time.Time) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed *Job
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(jobsBucket).Cursor()
		horizon := []byte(fmt.Sprintf("%020d", now.UnixNano()+1))
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(k) >= string(horizon) {
				return nil
			}
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				q.log.WithField("key", string(k)).WithError(err).Error("dropping undecodable job")
				continue
			}
			if _, held := q.inflight[job.ID]; held {
				continue
			}
			claimed = &job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if claimed != nil {
		q.inflight[claimed.ID] = struct{}{}
	}
	return claimed, nil
}

// Ack removes a finished job.
func (q *Queue) Ack(job *Job) error {
	q.mu.Lock()
	delete(q.inflight, job.ID)
	q.mu.Unlock()

	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).Delete(job.key())
	})
	if err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Release gives up a claim without finishing the job. The record stays in
// the database under its original key with its attempt count untouched, so
// the next Claim re-delivers it.
func (q *Queue) Release(job *Job) {
	q.mu.Lock()
	delete(q.inflight, job.ID)
	q.mu.Unlock()
}

// Nack reschedules a job to run again after delay, counting the attempt.
func (q *Queue) Nack(job *Job, delay time.Duration) error {
	q.mu.Lock()
	delete(q.inflight, job.ID)
	q.mu.Unlock()

	next := *job
	next.Attempts = job.Attempts + 1
	next.RunAt = time.Now().UTC().Add(delay)
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		if err := b.Delete(job.key()); err != nil {
			return err
		}
		return b.Put(next.key(), data)
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	*job = next
	return nil
}

// Len returns the number of pending jobs (including in-flight ones).
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(jobsBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}
