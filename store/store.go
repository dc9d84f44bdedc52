// Package store journals per-file transfer state across flow runs.
package store

import (
	"encoding/json"
	"sort"
	"time"

	"gitlab.com/tozd/go/errors"
	"go.etcd.io/bbolt"
)

// ErrRecordNotFound is returned when no transfer with the given id exists.
var ErrRecordNotFound = errors.New("transfer record not found")

var transfersBucket = []byte("transfers")

// State is the lifecycle position of one delivered file.
type State string

const (
	StatePending    State = "Pending"
	StateInProgress State = "InProgress"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
)

// TransferRecord is the journal entry for one file delivery.
type TransferRecord struct {
	ID              string    `json:"id"`
	Flow            string    `json:"flow"`
	FileName        string    `json:"file_name"`
	SourcePath      string    `json:"source_path"`
	DestinationPath string    `json:"destination_path"`
	State           State     `json:"state"`
	Bytes           int64     `json:"bytes"`
	TotalBytes      int64     `json:"total_bytes"`
	Error           string    `json:"error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists transfer records.
type Store interface {
	SaveRecord(rec *TransferRecord) error
	GetRecord(id string) (*TransferRecord, error)
	ListRecords(flow string) ([]*TransferRecord, error)
	Close() error
}

// BoltStore is a Store backed by a bbolt file.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates the journal at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Errorf("opening transfer journal %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transfersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Errorf("creating transfers bucket: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// SaveRecord inserts or replaces rec and stamps UpdatedAt.
func (s *BoltStore) SaveRecord(rec *TransferRecord) error {
	if rec.ID == "" {
		return errors.New("transfer record without id")
	}
	rec.UpdatedAt = s.now().UTC()

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.Errorf("marshalling transfer record: %w", err)
		}
		if err := tx.Bucket(transfersBucket).Put([]byte(rec.ID), data); err != nil {
			return errors.Errorf("storing transfer record: %w", err)
		}
		return nil
	})
}

// GetRecord returns the record with id or ErrRecordNotFound.
func (s *BoltStore) GetRecord(id string) (*TransferRecord, error) {
	var rec TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(transfersBucket).Get([]byte(id))
		if data == nil {
			return errors.WithStack(ErrRecordNotFound)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return errors.Errorf("unmarshalling transfer record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns every record of flow, or all records when flow is
// empty, ordered by last update.
func (s *BoltStore) ListRecords(flow string) ([]*TransferRecord, error) {
	var out []*TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(transfersBucket).ForEach(func(_, v []byte) error {
			var rec TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Errorf("unmarshalling transfer record: %w", err)
			}
			if flow == "" || rec.Flow == flow {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
