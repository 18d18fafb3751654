package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/rollout/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// DefaultFileName is the database file created inside the data directory
const DefaultFileName = "rollout.db"

var bucketDeployments = []byte("deployments")

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the history database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return Open(filepath.Join(dataDir, DefaultFileName))
}

// Open opens or creates the history database at path
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDeployments); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketDeployments, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SaveDeployment(record *types.DeploymentRecord) error {
	if record.ID == "" {
		return fmt.Errorf("deployment record has no ID")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.ID), data)
	})
}

func (s *BoltStore) GetDeployment(id string) (*types.DeploymentRecord, error) {
	var record types.DeploymentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) ListDeployments() ([]*types.DeploymentRecord, error) {
	return s.list(func(*types.DeploymentRecord) bool { return true })
}

func (s *BoltStore) ListDeploymentsByService(serviceName string) ([]*types.DeploymentRecord, error) {
	return s.list(func(r *types.DeploymentRecord) bool {
		return r.ServiceName == serviceName
	})
}

func (s *BoltStore) DeleteDeployment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) list(match func(*types.DeploymentRecord) bool) ([]*types.DeploymentRecord, error) {
	var records []*types.DeploymentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.ForEach(func(k, v []byte) error {
			var record types.DeploymentRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to decode deployment %s: %w", k, err)
			}
			if match(&record) {
				records = append(records, &record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}
