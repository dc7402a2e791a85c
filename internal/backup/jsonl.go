// Package backup exports the local store to JSON Lines and imports it back.
//
// Each line holds one record and the table it belongs to:
//
//	{"table":"items","doc":{"id":"u1-zh-中-0-rune",...}}
//
// Reviews that have not been uploaded survive a reset this way.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/skritter/studysync/internal/schema"
	"github.com/skritter/studysync/internal/storage"
)

// importBatch is the number of records written per Put during an import.
const importBatch = 500

// Line is one exported record.
type Line struct {
	Table string          `json:"table"`
	Doc   json.RawMessage `json:"doc"`
}

// Options selects what is exported or imported.
type Options struct {
	// Tables limits the operation to these tables (default: all)
	Tables []string

	// DryRun parses and counts without writing
	DryRun bool

	// Clear empties each imported table before writing
	Clear bool
}

// Result counts records per table.
type Result struct {
	Records map[string]int
	Errors  []string
}

// Total returns the number of records across tables.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.Records {
		n += c
	}
	return n
}

func tablesOf(opts Options) ([]string, error) {
	if len(opts.Tables) == 0 {
		return schema.Tables, nil
	}
	for _, t := range opts.Tables {
		if !schema.IsTable(t) {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownTable, t)
		}
	}
	return opts.Tables, nil
}

// Export writes every record of the selected tables to w.
func Export(ctx context.Context, store storage.Storage, w io.Writer, opts Options) (*Result, error) {
	tables, err := tablesOf(opts)
	if err != nil {
		return nil, err
	}

	result := &Result{Records: make(map[string]int)}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	for _, table := range tables {
		docs, err := store.GetAll(ctx, table)
		if err != nil {
			return result, fmt.Errorf("failed to read %s: %w", table, err)
		}
		for _, doc := range docs {
			if opts.DryRun {
				result.Records[table]++
				continue
			}
			if err := enc.Encode(Line{Table: table, Doc: doc}); err != nil {
				return result, fmt.Errorf("failed to write %s record: %w", table, err)
			}
			result.Records[table]++
		}
	}
	return result, nil
}

// ExportFile writes the export to path. The file is written to a temporary
// name first and renamed so an interrupted export leaves no partial file.
func ExportFile(ctx context.Context, store storage.Storage, path string, opts Options) (*Result, error) {
	if opts.DryRun {
		return Export(ctx, store, io.Discard, opts)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	buf := bufio.NewWriter(tmp)
	result, err := Export(ctx, store, buf, opts)
	if err != nil {
		tmp.Close()
		return result, err
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		return result, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return result, fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return result, fmt.Errorf("failed to move export into place: %w", err)
	}
	return result, nil
}

// Import reads lines from r and stores them. Lines for tables outside the
// selection are skipped; malformed lines abort the import.
func Import(ctx context.Context, store storage.Storage, r io.Reader, opts Options) (*Result, error) {
	tables, err := tablesOf(opts)
	if err != nil {
		return nil, err
	}
	selected := make(map[string]bool, len(tables))
	for _, t := range tables {
		selected[t] = true
	}

	result := &Result{Records: make(map[string]int)}
	cleared := make(map[string]bool)
	pending := make(map[string][]any)

	flush := func(table string) error {
		batch := pending[table]
		if len(batch) == 0 {
			return nil
		}
		delete(pending, table)
		if opts.DryRun {
			return nil
		}
		if opts.Clear && !cleared[table] {
			if err := store.Clear(ctx, table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
			cleared[table] = true
		}
		if err := store.Put(ctx, table, batch...); err != nil {
			return fmt.Errorf("failed to import %s: %w", table, err)
		}
		return nil
	}

	dec := json.NewDecoder(r)
	for lineNum := 1; ; lineNum++ {
		var line Line
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if !schema.IsTable(line.Table) {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: unknown table %q", lineNum, line.Table))
			continue
		}
		if !selected[line.Table] {
			continue
		}
		if len(line.Doc) == 0 || line.Doc[0] != '{' {
			return result, fmt.Errorf("line %d: doc is not an object", lineNum)
		}

		pending[line.Table] = append(pending[line.Table], line.Doc)
		result.Records[line.Table]++
		if len(pending[line.Table]) >= importBatch {
			if err := flush(line.Table); err != nil {
				return result, err
			}
		}
	}

	for _, table := range schema.Tables {
		if err := flush(table); err != nil {
			return result, err
		}
	}
	return result, nil
}

// ImportFile imports the export at path.
func ImportFile(ctx context.Context, store storage.Storage, path string, opts Options) (*Result, error) {
	// #nosec G304 - path comes from the command line
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Import(ctx, store, bufio.NewReader(f), opts)
}
