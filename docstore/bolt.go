package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collab.evalgo.org/model"
)

var (
	bucketDiagrams = []byte("diagrams")
	bucketHistory  = []byte("history")
)

// boltDiagram is the stored shape of a diagram in the embedded database.
type boltDiagram struct {
	Version       int64                `json:"version"`
	Entities      []model.Entity       `json:"entities"`
	Relationships []model.Relationship `json:"relationships"`
	Screens       []model.Screen       `json:"screens"`
	Flows         []model.Flow         `json:"flows"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// BoltStore persists diagrams in an embedded bbolt file. It serves
// single-node deployments and tests that have no CouchDB available.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database file and its buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDiagrams, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// LoadDiagram returns the stored snapshot, or (nil, nil) when absent.
func (s *BoltStore) LoadDiagram(_ context.Context, diagramID string) (*model.Snapshot, error) {
	var snap *model.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDiagrams).Get([]byte(diagramID))
		if data == nil {
			return nil
		}
		var doc boltDiagram
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to decode diagram %s: %w", diagramID, err)
		}
		snap = &model.Snapshot{
			Version:       doc.Version,
			Entities:      doc.Entities,
			Relationships: doc.Relationships,
			Screens:       doc.Screens,
			Flows:         doc.Flows,
			SavedAt:       doc.UpdatedAt,
		}
		if snap.Entities == nil {
			snap.Entities = []model.Entity{}
		}
		if snap.Relationships == nil {
			snap.Relationships = []model.Relationship{}
		}
		if snap.Screens == nil {
			snap.Screens = []model.Screen{}
		}
		if snap.Flows == nil {
			snap.Flows = []model.Flow{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SaveDiagram overwrites the stored diagram.
func (s *BoltStore) SaveDiagram(_ context.Context, diagramID string, snap *model.Snapshot) error {
	doc := boltDiagram{
		Version:       snap.Version,
		Entities:      snap.Entities,
		Relationships: snap.Relationships,
		Screens:       snap.Screens,
		Flows:         snap.Flows,
		UpdatedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode diagram %s: %w", diagramID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDiagrams).Put([]byte(diagramID), data); err != nil {
			return fmt.Errorf("failed to save diagram %s: %w", diagramID, err)
		}
		return nil
	})
}

// DeleteDiagram removes the diagram and its history.
func (s *BoltStore) DeleteDiagram(_ context.Context, diagramID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDiagrams).Delete([]byte(diagramID)); err != nil {
			return fmt.Errorf("failed to delete diagram %s: %w", diagramID, err)
		}
		if err := tx.Bucket(bucketHistory).Delete([]byte(diagramID)); err != nil {
			return fmt.Errorf("failed to delete history %s: %w", diagramID, err)
		}
		return nil
	})
}

// AppendHistory prepends the entry to the diagram's capped history list.
func (s *BoltStore) AppendHistory(_ context.Context, diagramID string, entry model.HistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketHistory)

		var entries []model.HistoryEntry
		if data := bucket.Get([]byte(diagramID)); data != nil {
			if err := json.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("failed to decode history %s: %w", diagramID, err)
			}
		}

		entries = prependCapped(entries, entry)
		data, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("failed to encode history %s: %w", diagramID, err)
		}
		return bucket.Put([]byte(diagramID), data)
	})
}

// RecentHistory returns up to limit entries, newest first.
func (s *BoltStore) RecentHistory(_ context.Context, diagramID string, limit int) ([]model.HistoryEntry, error) {
	entries := []model.HistoryEntry{}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHistory).Get([]byte(diagramID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("failed to decode history %s: %w", diagramID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
