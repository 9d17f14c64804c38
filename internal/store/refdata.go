package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
)

// Reference data collections cached from the remote system. Immutable
// snapshots: bulk-replaced per collection while online, read-only offline.
const (
	CollectionProducts       = "products"
	CollectionCategories     = "categories"
	CollectionTaxes          = "taxes"
	CollectionPaymentMethods = "payment_methods"
)

// ReferenceCollections lists every cached collection, in refresh order.
var ReferenceCollections = []string{
	CollectionProducts,
	CollectionCategories,
	CollectionTaxes,
	CollectionPaymentMethods,
}

// RefRecord is one keyed record inside a reference collection.
type RefRecord struct {
	Key     string
	Payload json.RawMessage
}

// ReplaceCollection atomically replaces one reference collection with a new
// snapshot. Readers either see the old snapshot or the new one, never a mix.
func (s *Store) ReplaceCollection(ctx context.Context, collection string, records []RefRecord) error {
	now := time.Now().UTC()
	err := s.Execute(ctx, "ReplaceCollection", func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM reference_data WHERE collection = ?", collection); err != nil {
			return err
		}
		stmt, err := tx.Prepare(
			"INSERT INTO reference_data (collection, key, payload, cached_at) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range records {
			if _, err := stmt.Exec(collection, r.Key, string(r.Payload), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logging.Store("reference collection %q replaced: %d record(s)", collection, len(records))
	return nil
}

// GetCollection returns every record in a reference collection.
func (s *Store) GetCollection(ctx context.Context, collection string) ([]RefRecord, error) {
	rows, err := s.query(ctx,
		"SELECT key, payload FROM reference_data WHERE collection = ? ORDER BY key ASC", collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RefRecord
	for rows.Next() {
		var r RefRecord
		var payload string
		if err := rows.Scan(&r.Key, &payload); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetRecord returns one record from a collection, or nil if absent.
func (s *Store) GetRecord(ctx context.Context, collection, key string) (*RefRecord, error) {
	row := s.queryRow(ctx,
		"SELECT key, payload FROM reference_data WHERE collection = ? AND key = ?", collection, key)

	var r RefRecord
	var payload string
	err := row.Scan(&r.Key, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

// CollectionCachedAt returns when a collection was last refreshed, or the
// zero time for an empty collection.
func (s *Store) CollectionCachedAt(ctx context.Context, collection string) (time.Time, error) {
	var cachedAt sql.NullTime
	err := s.queryRow(ctx,
		"SELECT MAX(cached_at) FROM reference_data WHERE collection = ?", collection).Scan(&cachedAt)
	if err != nil {
		return time.Time{}, err
	}
	if !cachedAt.Valid {
		return time.Time{}, nil
	}
	return cachedAt.Time, nil
}
