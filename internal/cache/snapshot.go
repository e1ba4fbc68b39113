package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// SnapshotStore persists named JSON blobs, zstd-compressed, in the local
// database.
type SnapshotStore struct {
	db      *sql.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewSnapshotStore wires a snapshot store over the local database.
func NewSnapshotStore(db *sql.DB) (*SnapshotStore, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &SnapshotStore{db: db, encoder: encoder, decoder: decoder}, nil
}

// Save marshals v to JSON, compresses it and upserts under name.
func (s *SnapshotStore) Save(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}

	compressed := s.encoder.EncodeAll(raw, nil)

	_, err = s.db.Exec(`
		INSERT INTO cache_snapshots (name, data, compression, updated_at)
		VALUES (?, ?, 'zstd', ?)
		ON CONFLICT(name) DO UPDATE SET
			data = excluded.data,
			compression = excluded.compression,
			updated_at = excluded.updated_at
	`, name, compressed, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", name, err)
	}
	return nil
}

// Load reads and unmarshals the snapshot stored under name into dest.
// Returns false when no snapshot exists.
func (s *SnapshotStore) Load(name string, dest any) (bool, error) {
	var (
		data        []byte
		compression string
	)
	err := s.db.QueryRow(
		"SELECT data, compression FROM cache_snapshots WHERE name = ?", name,
	).Scan(&data, &compression)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read snapshot %s: %w", name, err)
	}

	raw := data
	if compression == "zstd" {
		raw, err = s.decoder.DecodeAll(data, nil)
		if err != nil {
			return false, fmt.Errorf("decompress snapshot %s: %w", name, err)
		}
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("unmarshal snapshot %s: %w", name, err)
	}
	return true, nil
}

// Delete removes a stored snapshot.
func (s *SnapshotStore) Delete(name string) error {
	if _, err := s.db.Exec("DELETE FROM cache_snapshots WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", name, err)
	}
	return nil
}
