package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/skritter/studysync/internal/schema"
)

// SQLite is the embedded SQLite implementation of Storage.
// The database runs in WAL mode so reads proceed while a table is written.
type SQLite struct {
	db     *sqlx.DB
	path   string
	logger *zap.Logger

	mu     sync.RWMutex // guards closed
	closed bool
	locks  map[string]*sync.Mutex
}

var _ Storage = (*SQLite)(nil)

// Open creates or opens the store at path and initializes every table.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := storage.Open(filepath.Join(dataDir, "skritter.db"), logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, logger *zap.Logger) (*SQLite, error) {
	return OpenContext(context.Background(), path, logger)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{
		db:     db,
		path:   path,
		logger: logger,
		locks:  make(map[string]*sync.Mutex, len(schema.Tables)),
	}
	for _, table := range schema.Tables {
		s.locks[table] = &sync.Mutex{}
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("opened local store", zap.String("path", path))
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// initSchema creates every table if it doesn't exist. Idempotent.
func (s *SQLite) initSchema(ctx context.Context) error {
	ddl := ""
	for _, table := range schema.Tables {
		if table == schema.TableItems {
			continue
		}
		ddl += fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, doc TEXT NOT NULL);\n", table)
	}
	ddl += `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,

		-- Projection for the due schedule
		part TEXT NOT NULL DEFAULT '',
		style TEXT NOT NULL DEFAULT 'both',
		flag INTEGER NOT NULL DEFAULT 0,
		vocab_count INTEGER NOT NULL DEFAULT 0,
		last INTEGER NOT NULL DEFAULT 0,
		next INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_items_schedule
	    ON items(flag, part, style, next);
	`

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SQLite) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Destroy closes the store and deletes the database files.
func (s *SQLite) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeLocked(); err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", s.path+suffix, err)
		}
	}
	s.logger.Info("destroyed local store", zap.String("path", s.path))
	return nil
}

// lock acquires the table write lock. The returned func releases it.
func (s *SQLite) lock(table string) (func(), error) {
	l, ok := s.locks[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	l.Lock()
	return func() {
		l.Unlock()
		s.mu.RUnlock()
	}, nil
}

func (s *SQLite) reader(table string) (func(), error) {
	if !schema.IsTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	return s.mu.RUnlock, nil
}

type docRow struct {
	ID  string `db:"id"`
	Doc string `db:"doc"`
}

// Get returns the stored documents for ids, in request order.
func (s *SQLite) Get(ctx context.Context, table string, ids ...string) ([]json.RawMessage, error) {
	release, err := s.reader(table)
	if err != nil {
		return nil, err
	}
	defer release()

	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(fmt.Sprintf("SELECT id, doc FROM %s WHERE id IN (?)", table), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s query: %w", table, err)
	}

	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}

	byID := make(map[string]string, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.Doc
	}

	docs := make([]json.RawMessage, 0, len(rows))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		doc, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		docs = append(docs, json.RawMessage(doc))
	}
	return docs, nil
}

// GetAll returns every document in a table ordered by key.
func (s *SQLite) GetAll(ctx context.Context, table string) ([]json.RawMessage, error) {
	release, err := s.reader(table)
	if err != nil {
		return nil, err
	}
	defer release()

	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows, fmt.Sprintf("SELECT id, doc FROM %s ORDER BY id", table)); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}

	docs := make([]json.RawMessage, len(rows))
	for i, r := range rows {
		docs[i] = json.RawMessage(r.Doc)
	}
	return docs, nil
}

// Count returns the number of records in a table.
func (s *SQLite) Count(ctx context.Context, table string) (int, error) {
	release, err := s.reader(table)
	if err != nil {
		return 0, err
	}
	defer release()

	var count int
	if err := s.db.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// Put inserts or replaces records.
func (s *SQLite) Put(ctx context.Context, table string, records ...any) error {
	return s.write(ctx, table, records, false)
}

// Update merges records onto the stored ones field by field.
func (s *SQLite) Update(ctx context.Context, table string, records ...any) error {
	return s.write(ctx, table, records, true)
}

func (s *SQLite) write(ctx context.Context, table string, records []any, merge bool) error {
	release, err := s.lock(table)
	if err != nil {
		return err
	}
	defer release()

	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, record := range records {
		fields, err := toFields(record)
		if err != nil {
			return fmt.Errorf("failed to encode %s record: %w", table, err)
		}
		key, err := keyOf(table, fields)
		if err != nil {
			return err
		}

		if merge {
			var stored string
			err := tx.GetContext(ctx, &stored, fmt.Sprintf("SELECT doc FROM %s WHERE id = ?", table), key)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("failed to read %s/%s: %w", table, key, err)
			default:
				var existing map[string]json.RawMessage
				if err := json.Unmarshal([]byte(stored), &existing); err != nil {
					return fmt.Errorf("failed to decode %s/%s: %w", table, key, err)
				}
				for k, v := range fields {
					existing[k] = v
				}
				fields = existing
			}
		}

		if err := upsert(ctx, tx, table, key, fields); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsert(ctx context.Context, tx *sqlx.Tx, table, key string, fields map[string]json.RawMessage) error {
	doc, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", table, key, err)
	}

	if table != schema.TableItems {
		query := fmt.Sprintf(`
		INSERT INTO %s (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc
		`, table)
		if _, err := tx.ExecContext(ctx, query, key, string(doc)); err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", table, key, err)
		}
		return nil
	}

	cols := scheduleColumns(key, fields)
	query := `
	INSERT INTO items (id, doc, part, style, flag, vocab_count, last, next)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		doc = excluded.doc,
		part = excluded.part,
		style = excluded.style,
		flag = excluded.flag,
		vocab_count = excluded.vocab_count,
		last = excluded.last,
		next = excluded.next
	`
	_, err = tx.ExecContext(ctx, query,
		key,
		string(doc),
		cols.part,
		cols.style,
		cols.flag,
		cols.vocabCount,
		cols.last,
		cols.next,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", key, err)
	}
	return nil
}

// Remove deletes records by key. Missing keys are ignored.
func (s *SQLite) Remove(ctx context.Context, table string, ids ...string) error {
	release, err := s.lock(table)
	if err != nil {
		return err
	}
	defer release()

	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(fmt.Sprintf("DELETE FROM %s WHERE id IN (?)", table), ids)
	if err != nil {
		return fmt.Errorf("failed to build %s delete: %w", table, err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

// Clear deletes every record in a table.
func (s *SQLite) Clear(ctx context.Context, table string) error {
	release, err := s.lock(table)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	return nil
}

// GetSchedule returns the schedule projection of usable items, ordered by
// next review time then id. Items stored without a style count as "both".
func (s *SQLite) GetSchedule(ctx context.Context, parts []schema.Part, styles []string) ([]ScheduleEntry, error) {
	release, err := s.reader(schema.TableItems)
	if err != nil {
		return nil, err
	}
	defer release()

	if len(parts) == 0 || len(styles) == 0 {
		return nil, nil
	}

	partArgs := make([]string, len(parts))
	for i, p := range parts {
		partArgs[i] = string(p)
	}

	query, args, err := sqlx.In(`
		SELECT id, last, next
		FROM items
		WHERE vocab_count > 0
		  AND flag = 0
		  AND part IN (?)
		  AND style IN (?)
		ORDER BY next ASC, id ASC
	`, partArgs, styles)
	if err != nil {
		return nil, fmt.Errorf("failed to build schedule query: %w", err)
	}

	var entries []ScheduleEntry
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	return entries, nil
}

// toFields encodes a record as a JSON object.
func toFields(record any) (map[string]json.RawMessage, error) {
	var raw []byte
	switch v := record.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(record)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("record is not a JSON object")
	}
	return fields, nil
}

// keyOf reads the table's key field. Numeric keys are stored as strings.
func keyOf(table string, fields map[string]json.RawMessage) (string, error) {
	field := schema.KeyField(table)
	raw, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrMissingKey, table, field)
	}

	var key string
	if err := json.Unmarshal(raw, &key); err == nil {
		if key == "" {
			return "", fmt.Errorf("%w: %s.%s is empty", ErrMissingKey, table, field)
		}
		return key, nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("%w: %s.%s is %s", ErrMissingKey, table, field, raw)
	}
	return n.String(), nil
}

type itemColumns struct {
	part       string
	style      string
	flag       int
	vocabCount int
	last       int64
	next       int64
}

// scheduleColumns extracts the schedule projection from an item document.
// Fields of an unexpected type are treated as absent.
func scheduleColumns(id string, fields map[string]json.RawMessage) itemColumns {
	cols := itemColumns{style: schema.StyleBoth}

	var part string
	if json.Unmarshal(fields["part"], &part) == nil && part != "" {
		cols.part = part
	} else {
		cols.part = string(schema.PartFromItemID(id))
	}

	var style string
	if json.Unmarshal(fields["style"], &style) == nil && style != "" {
		cols.style = style
	}

	var vocabIDs []string
	if json.Unmarshal(fields["vocabIds"], &vocabIDs) == nil {
		cols.vocabCount = len(vocabIDs)
	}

	if truthy(fields["flag"]) {
		cols.flag = 1
	}
	cols.last = intField(fields["last"])
	cols.next = intField(fields["next"])
	return cols
}

func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		parsed, err := strconv.ParseBool(s)
		return err == nil && parsed
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f != 0
	}
	return false
}

func intField(raw json.RawMessage) int64 {
	var f float64
	if len(raw) == 0 || json.Unmarshal(raw, &f) != nil {
		return 0
	}
	return int64(f)
}
