// Package sqlite implements a durable storage.Adapter (spec ยง6.1) backed
// by modernc.org/sqlite (pure Go, no CGo). A fixed bootstrap schema is
// applied with goose migrations (mirroring the teacher's
// internal/sync/migrations.go pattern); per-collection tables are then
// created on demand from the schemas extensions register at startup,
// since the plugin host's install ordering (spec ยง4.g) means the full
// schema set is not known until every plugin has contributed its schemas.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vaultfs/vaultfs/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Adapter is a storage.Adapter backed by a single SQLite database file.
type Adapter struct {
	path    string
	logger  *slog.Logger
	db      *sql.DB
	mu      sync.Mutex
	schemas map[string]storage.Schema
}

// New creates an Adapter for the database at path. Call RegisterSchema for
// every collection, then Connect.
func New(path string, logger *slog.Logger) *Adapter {
	return &Adapter{path: path, logger: logger, schemas: make(map[string]storage.Schema)}
}

// RegisterSchema records the schema; the backing table is created lazily
// on Connect (once the bootstrap migration has run).
func (a *Adapter) RegisterSchema(schema storage.Schema) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(schema.KeyPath) == 0 {
		return fmt.Errorf("sqlite: schema %q has no key path", schema.Name)
	}

	a.schemas[schema.Name] = schema

	return nil
}

// Connect opens the database, runs the bootstrap migration, and creates
// one table per registered schema plus a shadow index table per secondary
// index.
func (a *Adapter) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite", a.path)
	if err != nil {
		return fmt.Errorf("sqlite: opening %s: %w", a.path, err)
	}

	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers per file

	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("sqlite: migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("sqlite: running migrations: %w", err)
	}

	a.db = db

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, schema := range a.schemas {
		if err := a.createCollectionTables(ctx, schema); err != nil {
			return err
		}
	}

	return nil
}

func (a *Adapter) createCollectionTables(ctx context.Context, schema storage.Schema) error {
	table := tableName(schema.Name)

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	)`, table)

	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: creating table %s: %w", table, err)
	}

	for _, idx := range schema.Indexes {
		idxTable := indexTableName(schema.Name, idx.Name)

		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			val TEXT NOT NULL,
			key TEXT NOT NULL
		)`, idxTable)

		if _, err := a.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: creating index table %s: %w", idxTable, err)
		}

		idxDDL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_val ON %s(val)`, idxTable, idxTable)
		if _, err := a.db.ExecContext(ctx, idxDDL); err != nil {
			return fmt.Errorf("sqlite: creating index on %s: %w", idxTable, err)
		}
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO _collections(name, key_path, auto_increment) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		schema.Name, strings.Join(schema.KeyPath, ","), boolToInt(schema.AutoIncrement),
	)

	return err
}

// Close closes the underlying database handle.
func (a *Adapter) Close(_ context.Context) error {
	if a.db == nil {
		return nil
	}

	return a.db.Close()
}

// BeginTx opens a SQL transaction spanning the named collections.
func (a *Adapter) BeginTx(ctx context.Context, names []string, mode storage.Mode) (storage.Transaction, error) {
	sqlTx, err := a.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: mode == storage.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin transaction: %w", err)
	}

	a.mu.Lock()
	schemas := make(map[string]storage.Schema, len(names))

	for _, name := range names {
		s, ok := a.schemas[name]
		if !ok {
			a.mu.Unlock()
			_ = sqlTx.Rollback()

			return nil, fmt.Errorf("sqlite: unknown collection %q", name)
		}

		schemas[name] = s
	}
	a.mu.Unlock()

	return &transaction{tx: sqlTx, schemas: schemas}, nil
}

type transaction struct {
	tx      *sql.Tx
	schemas map[string]storage.Schema
	done    bool
}

func (t *transaction) Collection(name string) storage.Collection {
	schema, ok := t.schemas[name]
	if !ok {
		panic(fmt.Sprintf("sqlite: transaction did not open collection %q", name))
	}

	return &collection{tx: t.tx, schema: schema}
}

func (t *transaction) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("sqlite: transaction already finished")
	}

	t.done = true

	return t.tx.Commit()
}

func (t *transaction) Abort(_ context.Context) error {
	if t.done {
		return nil
	}

	t.done = true

	return t.tx.Rollback()
}

type collection struct {
	tx     *sql.Tx
	schema storage.Schema
}

func (c *collection) keyString(value any) (string, error) {
	key, ok := storage.CompositeKey(value, c.schema.KeyPath)
	if !ok {
		return "", fmt.Errorf("sqlite: value missing key field(s) %v", c.schema.KeyPath)
	}

	return fmt.Sprint(key...), nil
}

func (c *collection) table() string { return tableName(c.schema.Name) }

func (c *collection) Get(ctx context.Context, key any) (any, error) {
	row := c.tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE key = ?`, c.table()), fmt.Sprint(key))

	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("sqlite: get %s: %w", c.schema.Name, err)
	}

	return decode(doc)
}

func (c *collection) GetAll(ctx context.Context) ([]any, error) {
	rows, err := c.tx.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s ORDER BY key`, c.table()))
	if err != nil {
		return nil, fmt.Errorf("sqlite: getAll %s: %w", c.schema.Name, err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

func (c *collection) Put(ctx context.Context, value any) error {
	ks, err := c.keyString(value)
	if err != nil {
		return err
	}

	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sqlite: marshal %s: %w", c.schema.Name, err)
	}

	_, err = c.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s(key, doc) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET doc = excluded.doc`, c.table()),
		ks, string(doc),
	)
	if err != nil {
		return fmt.Errorf("sqlite: put %s: %w", c.schema.Name, err)
	}

	for _, idx := range c.schema.Indexes {
		if err := c.reindex(ctx, ks, value, idx); err != nil {
			return err
		}
	}

	return nil
}

func (c *collection) reindex(ctx context.Context, ks string, value any, idx storage.IndexSchema) error {
	idxTable := indexTableName(c.schema.Name, idx.Name)

	if _, err := c.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, idxTable), ks); err != nil {
		return fmt.Errorf("sqlite: clearing index %s: %w", idx.Name, err)
	}

	fv, ok := storage.FieldValue(value, idx.KeyPath)
	if !ok {
		return nil
	}

	values := []any{fv}
	if idx.MultiEntry {
		if slice, ok := fv.([]any); ok {
			values = slice
		}
	}

	for _, v := range values {
		if idx.Unique {
			var count int

			row := c.tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE val = ? AND key != ?`, idxTable), fmt.Sprint(v), ks)
			if err := row.Scan(&count); err != nil {
				return fmt.Errorf("sqlite: checking unique index %s: %w", idx.Name, err)
			}

			if count > 0 {
				return fmt.Errorf("sqlite: unique index %q violated by value %v", idx.Name, v)
			}
		}

		if _, err := c.tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(val, key) VALUES (?, ?)`, idxTable), fmt.Sprint(v), ks); err != nil {
			return fmt.Errorf("sqlite: writing index %s: %w", idx.Name, err)
		}
	}

	return nil
}

func (c *collection) Delete(ctx context.Context, key any) error {
	ks := fmt.Sprint(key)

	for _, idx := range c.schema.Indexes {
		if _, err := c.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, indexTableName(c.schema.Name, idx.Name)), ks); err != nil {
			return fmt.Errorf("sqlite: clearing index %s on delete: %w", idx.Name, err)
		}
	}

	_, err := c.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, c.table()), ks)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", c.schema.Name, err)
	}

	return nil
}

func (c *collection) Clear(ctx context.Context) error {
	for _, idx := range c.schema.Indexes {
		if _, err := c.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, indexTableName(c.schema.Name, idx.Name))); err != nil {
			return err
		}
	}

	_, err := c.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, c.table()))

	return err
}

func (c *collection) Count(ctx context.Context) (int, error) {
	row := c.tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table()))

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", c.schema.Name, err)
	}

	return n, nil
}

func (c *collection) GetByIndex(ctx context.Context, index string, value any) (any, error) {
	idxTable := indexTableName(c.schema.Name, index)

	row := c.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s.doc FROM %s JOIN %s ON %s.key = %s.key WHERE %s.val = ? LIMIT 1`,
			c.table(), c.table(), idxTable, c.table(), idxTable, idxTable),
		fmt.Sprint(value),
	)

	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("sqlite: getByIndex %s.%s: %w", c.schema.Name, index, err)
	}

	return decode(doc)
}

func (c *collection) GetAllByIndex(ctx context.Context, index string, value any) ([]any, error) {
	idxTable := indexTableName(c.schema.Name, index)

	rows, err := c.tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s.doc FROM %s JOIN %s ON %s.key = %s.key WHERE %s.val = ? ORDER BY %s.key`,
			c.table(), c.table(), idxTable, c.table(), idxTable, idxTable, c.table()),
		fmt.Sprint(value),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: getAllByIndex %s.%s: %w", c.schema.Name, index, err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

func (c *collection) Query(ctx context.Context, spec storage.QuerySpec) ([]any, error) {
	var (
		rows []any
		err  error
	)

	if spec.Index != "" {
		rows, err = c.queryByIndexRange(ctx, spec)
	} else {
		rows, err = c.GetAll(ctx)
	}

	if err != nil {
		return nil, err
	}

	if spec.Filter != nil {
		filtered := rows[:0]

		for _, r := range rows {
			if spec.Filter(r) {
				filtered = append(filtered, r)
			}
		}

		rows = filtered
	}

	if spec.Direction == storage.Descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	if spec.Offset > 0 {
		if spec.Offset >= len(rows) {
			return nil, nil
		}

		rows = rows[spec.Offset:]
	}

	if spec.Limit > 0 && len(rows) > spec.Limit {
		rows = rows[:spec.Limit]
	}

	return rows, nil
}

func (c *collection) queryByIndexRange(ctx context.Context, spec storage.QuerySpec) ([]any, error) {
	idxTable := indexTableName(c.schema.Name, spec.Index)

	query := fmt.Sprintf(`SELECT %s.doc FROM %s JOIN %s ON %s.key = %s.key WHERE 1=1`,
		c.table(), c.table(), idxTable, c.table(), idxTable)

	var args []any

	if spec.Range != nil {
		if spec.Range.Lower != nil {
			op := ">="
			if spec.Range.LowerOpen {
				op = ">"
			}

			query += fmt.Sprintf(` AND %s.val %s ?`, idxTable, op)
			args = append(args, fmt.Sprint(spec.Range.Lower))
		}

		if spec.Range.Upper != nil {
			op := "<="
			if spec.Range.UpperOpen {
				op = "<"
			}

			query += fmt.Sprintf(` AND %s.val %s ?`, idxTable, op)
			args = append(args, fmt.Sprint(spec.Range.Upper))
		}
	}

	query += fmt.Sprintf(` ORDER BY %s.val`, idxTable)

	rows, err := c.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: range query %s.%s: %w", c.schema.Name, spec.Index, err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

func scanDocs(rows *sql.Rows) ([]any, error) {
	var out []any

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("sqlite: scanning row: %w", err)
		}

		v, err := decode(doc)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, rows.Err()
}

func decode(doc string) (any, error) {
	var v map[string]any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal doc: %w", err)
	}

	return v, nil
}

func tableName(collection string) string {
	return "c_" + sanitize(collection)
}

func indexTableName(collection, index string) string {
	return "i_" + sanitize(collection) + "_" + sanitize(index)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}

		return '_'
	}, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
