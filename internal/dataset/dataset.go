// Package dataset exposes user datasets as read-only SQLite databases.
package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/ashureev/dataloop/internal/shared"
	_ "modernc.org/sqlite"
)

// DefaultMaxRows caps the rows returned by a single query.
const DefaultMaxRows = 1000

var (
	// ErrNotFound is returned for unknown dataset IDs.
	ErrNotFound = errors.New("dataset not found")
	// ErrReadOnly is returned for statements that are not queries.
	ErrReadOnly = errors.New("only read-only queries are allowed")

	idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
)

// Handle is an opened dataset.
type Handle interface {
	ID() string
	// Describe returns a compact schema summary for prompts.
	Describe(ctx context.Context) (string, error)
	// Query runs a read-only SQL statement.
	Query(ctx context.Context, query string) (*domain.Table, error)
}

// Info describes a dataset in the catalog.
type Info struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Catalog lists and opens the SQLite files in a directory.
type Catalog struct {
	dir     string
	maxRows int
	logger  *slog.Logger

	mu   sync.Mutex
	open map[string]*SQLiteHandle
}

// NewCatalog creates a catalog over dir.
func NewCatalog(dir string, maxRows int, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Catalog{dir: dir, maxRows: maxRows, logger: logger, open: make(map[string]*SQLiteHandle)}
}

// List returns the datasets available in the catalog directory.
func (c *Catalog) List() ([]Info, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dataset dir: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !isDatasetFile(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			ID:   e.Name(),
			Name: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Size: fi.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Exists reports whether id names a dataset in the catalog.
func (c *Catalog) Exists(id string) bool {
	if !idPattern.MatchString(id) || !isDatasetFile(id) {
		return false
	}
	fi, err := os.Stat(filepath.Join(c.dir, id))
	return err == nil && !fi.IsDir()
}

// Open returns a shared handle for id.
func (c *Catalog) Open(ctx context.Context, id string) (Handle, error) {
	if !c.Exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.open[id]; ok {
		return h, nil
	}
	h, err := OpenSQLite(ctx, id, filepath.Join(c.dir, id), c.maxRows)
	if err != nil {
		return nil, err
	}
	c.open[id] = h
	c.logger.Info("dataset opened", "dataset_id", id)
	return h, nil
}

// Close closes every opened handle.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, h := range c.open {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dataset %s: %w", id, err))
		}
		delete(c.open, id)
	}
	return errors.Join(errs...)
}

func isDatasetFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

// SQLiteHandle is a read-only dataset backed by one SQLite file.
type SQLiteHandle struct {
	id      string
	db      *sql.DB
	maxRows int
}

// OpenSQLite opens path read-only.
func OpenSQLite(ctx context.Context, id, path string, maxRows int) (*SQLiteHandle, error) {
	dsn := "file:" + path + "?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", id, err)
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping dataset %s: %w", id, err)
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &SQLiteHandle{id: id, db: db, maxRows: maxRows}, nil
}

// ID implements Handle.
func (h *SQLiteHandle) ID() string { return h.id }

// Close closes the database.
func (h *SQLiteHandle) Close() error { return h.db.Close() }

// Describe lists tables and their columns.
func (h *SQLiteHandle) Describe(ctx context.Context) (string, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return "", fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Close(); err != nil {
		return "", fmt.Errorf("close table rows: %w", err)
	}

	var b strings.Builder
	for _, t := range tables {
		cols, err := h.columns(ctx, t)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s(%s)\n", t, strings.Join(cols, ", "))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *SQLiteHandle) columns(ctx context.Context, table string) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("describe table %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	var cols []string
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		if typ == "" {
			cols = append(cols, name)
		} else {
			cols = append(cols, name+" "+strings.ToLower(typ))
		}
	}
	return cols, rows.Err()
}

// Query implements Handle. Results past the row cap are dropped.
func (h *SQLiteHandle) Query(ctx context.Context, query string) (*domain.Table, error) {
	if !isReadOnly(query) {
		return nil, ErrReadOnly
	}
	var rows *sql.Rows
	err := shared.RetryOnConflict(ctx, "query dataset", func() error {
		var qerr error
		rows, qerr = h.db.QueryContext(ctx, query)
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("query dataset %s: %w", h.id, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	table := &domain.Table{Columns: cols}
	for rows.Next() {
		if len(table.Rows) >= h.maxRows {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		table.Rows = append(table.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return table, nil
}

func isReadOnly(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	return strings.HasPrefix(q, "select") || strings.HasPrefix(q, "with") || strings.HasPrefix(q, "explain")
}
