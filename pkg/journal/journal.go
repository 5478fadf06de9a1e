package journal

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketApplied = []byte("applied_results")
)

// Entry records that a worker result was fully applied
type Entry struct {
	TaskID     string    `json:"task_id"`
	InstanceID string    `json:"instance_id"`
	Transition string    `json:"transition"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Journal is a BoltDB-backed record of applied worker results. Handling a
// result is only idempotent if the second pass can see that the first one
// finished; the store's optimistic versioning catches concurrent writers but
// not a crashed tick replaying its own work.
type Journal struct {
	db *bolt.DB
}

// Open opens (or creates) the journal under dataDir
func Open(dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "journal.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketApplied); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketApplied, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record marks a result as applied. First write wins; recording the same
// instance again keeps the original entry.
func (j *Journal) Record(taskID, instanceID, transition string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplied)
		key := key(taskID, instanceID)
		if b.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(&Entry{
			TaskID:     taskID,
			InstanceID: instanceID,
			Transition: transition,
			AppliedAt:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Applied reports whether a result from the given instance was already handled
func (j *Journal) Applied(taskID, instanceID string) (bool, error) {
	var found bool
	err := j.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketApplied).Get(key(taskID, instanceID)) != nil
		return nil
	})
	return found, err
}

// Get returns the entry for an applied result, or nil when absent
func (j *Journal) Get(taskID, instanceID string) (*Entry, error) {
	var entry *Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApplied).Get(key(taskID, instanceID))
		if data == nil {
			return nil
		}
		entry = &Entry{}
		return json.Unmarshal(data, entry)
	})
	return entry, err
}

// Prune deletes entries applied before the cutoff and returns the count
func (j *Journal) Prune(cutoff time.Time) (int, error) {
	var pruned int
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplied)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				// Unreadable entries are pruned rather than kept forever
				if err := c.Delete(); err != nil {
					return err
				}
				pruned++
				continue
			}
			if entry.AppliedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}

func key(taskID, instanceID string) []byte {
	return []byte(taskID + "/" + instanceID)
}
