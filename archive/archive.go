package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound signals no archived agreement exists under the requested ID.
var ErrNotFound = errors.New("archive: not found")

var bucketEscrows = []byte("escrows")

// Snapshot is the durable record of a settled agreement. Balances are zero
// by definition once an agreement is terminal; the snapshot preserves the
// parameters and outcome for the audit trail.
type Snapshot struct {
	ID              string    `json:"id"`
	TokenKind       string    `json:"token_kind"`
	Payer           string    `json:"payer"`
	Payee           string    `json:"payee"`
	Vault           string    `json:"vault"`
	FeePercent      int       `json:"fee_percent"`
	State           string    `json:"state"`
	Judges          []string  `json:"judges"`
	DueDate         time.Time `json:"due_date"`
	DisputeDeadline time.Time `json:"dispute_deadline"`
	SettledAt       time.Time `json:"settled_at"`
}

// Store persists terminal snapshots in a local bbolt file.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEscrows)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: ensure bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the snapshot under its agreement ID. Terminal records are
// written once and never updated afterwards.
func (s *Store) Save(snap Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("archive: snapshot id required")
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", snap.ID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEscrows).Put([]byte(snap.ID), body)
	})
	if err != nil {
		return fmt.Errorf("archive: save %s: %w", snap.ID, err)
	}
	return nil
}

// Get loads one archived agreement.
func (s *Store) Get(id string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		body := tx.Bucket(bucketEscrows).Get([]byte(id))
		if body == nil {
			return ErrNotFound
		}
		return json.Unmarshal(body, &snap)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("archive: get %s: %w", id, err)
	}
	return snap, nil
}

// List returns every archived agreement in key order.
func (s *Store) List() ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEscrows).ForEach(func(_, body []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(body, &snap); err != nil {
				return err
			}
			out = append(out, snap)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return out, nil
}
