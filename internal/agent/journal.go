package agent

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCommands = []byte("commands")

// journalKeep bounds the journal to the most recent executions.
const journalKeep = 500

// JournalEntry is one locally recorded command execution.
type JournalEntry struct {
	CommandID  string    `json:"command_id"`
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	Rejected   bool      `json:"rejected"`
	Reason     string    `json:"reason,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Journal is the agent's local record of executed commands, kept in a
// BoltDB file so it survives restarts.
type Journal struct {
	db   *bolt.DB
	keep int
}

// OpenJournal creates or opens the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCommands)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal bucket: %w", err)
	}
	return &Journal{db: db, keep: journalKeep}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records one execution and prunes entries beyond the retention
// bound. Keys are RFC3339Nano timestamps, so lexicographic order is
// chronological.
func (j *Journal) Append(entry JournalEntry) error {
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		key := []byte(entry.FinishedAt.UTC().Format(time.RFC3339Nano))
		if err := b.Put(key, data); err != nil {
			return err
		}

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		if len(keys) <= j.keep {
			return nil
		}
		for _, k := range keys[:len(keys)-j.keep] {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns the most recent entries, newest first, up to limit.
func (j *Journal) Recent(limit int) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommands).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var entry JournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}
