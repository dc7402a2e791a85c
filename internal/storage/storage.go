// Package storage provides the local persistent store mirrored from the
// remote account.
//
// Every table is a key/value table keyed by a single string field (see
// schema.KeyField). Records are stored as JSON documents so resources the
// server adds fields to round-trip without loss. The items table carries a
// few extra columns so the due schedule can be computed without decoding
// item bodies.
//
// Writes are serialized per table: each Put, Update, Remove or Clear call
// holds the table lock for the duration of a single transaction, so two
// concurrent read-merge-write updates against the same table cannot lose
// each other's fields.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/skritter/studysync/internal/schema"
)

// Sentinel errors returned by storage implementations.
var (
	// ErrUnknownTable is returned when a table name is not one of schema.Tables.
	ErrUnknownTable = errors.New("unknown table")

	// ErrMissingKey is returned when a record has no value in its table's key field.
	ErrMissingKey = errors.New("record has no key")

	// ErrClosed is returned by calls made after Close or Destroy.
	ErrClosed = errors.New("storage is closed")
)

// ScheduleEntry is the lightweight projection used to pick due items.
type ScheduleEntry struct {
	ID   string `db:"id" json:"id"`
	Last int64  `db:"last" json:"last"`
	Next int64  `db:"next" json:"next"`
}

// Storage is the contract every local store implements.
//
// Records passed to Put and Update are marshalled to JSON objects; a
// json.RawMessage is stored as is. Get returns documents in the order the
// ids were requested and silently omits ids that are not stored, so callers
// detect missing records by comparing counts.
type Storage interface {
	Get(ctx context.Context, table string, ids ...string) ([]json.RawMessage, error)
	GetAll(ctx context.Context, table string) ([]json.RawMessage, error)
	Put(ctx context.Context, table string, records ...any) error
	Remove(ctx context.Context, table string, ids ...string) error
	// Update merges the fields of each record onto the stored record with
	// the same key. Records that are not stored yet are inserted.
	Update(ctx context.Context, table string, records ...any) error
	// GetSchedule returns the schedule projection of every item that has
	// vocab ids, is not flagged, and whose part and style are in the filters.
	GetSchedule(ctx context.Context, parts []schema.Part, styles []string) ([]ScheduleEntry, error)
	Count(ctx context.Context, table string) (int, error)
	Clear(ctx context.Context, table string) error
	// Destroy removes every table and the backing database.
	Destroy(ctx context.Context) error
	Close() error
}

// GetAs loads records and decodes them into T.
func GetAs[T any](ctx context.Context, s Storage, table string, ids ...string) ([]T, error) {
	docs, err := s.Get(ctx, table, ids...)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](table, docs)
}

// GetAllAs loads a whole table and decodes it into T.
func GetAllAs[T any](ctx context.Context, s Storage, table string) ([]T, error) {
	docs, err := s.GetAll(ctx, table)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](table, docs)
}

// PutAll stores a slice of typed records.
func PutAll[T any](ctx context.Context, s Storage, table string, records []T) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]any, len(records))
	for i := range records {
		values[i] = records[i]
	}
	return s.Put(ctx, table, values...)
}

func decodeAll[T any](table string, docs []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s record: %w", table, err)
		}
		out = append(out, v)
	}
	return out, nil
}

type metaEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// GetMeta decodes the meta value stored under key into dst.
// It reports false when nothing is stored.
func GetMeta(ctx context.Context, s Storage, key string, dst any) (bool, error) {
	entries, err := GetAs[metaEntry](ctx, s, schema.TableMeta, key)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(entries[0].Value, dst); err != nil {
		return false, fmt.Errorf("failed to decode meta %s: %w", key, err)
	}
	return true, nil
}

// PutMeta stores value under key in the meta table.
func PutMeta(ctx context.Context, s Storage, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode meta %s: %w", key, err)
	}
	return s.Put(ctx, schema.TableMeta, metaEntry{Key: key, Value: raw})
}
