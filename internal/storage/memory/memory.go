// Package memory implements an in-process storage.Adapter (spec ยง6.1,
// ยง5 "Shared-resource policy": transactions snapshot the collections they
// touch and abort restores the snapshot). It backs tests and the default
// single-process deployment when no durable database path is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vaultfs/vaultfs/internal/storage"
)

// Adapter is an in-memory storage.Adapter. All collections share one mutex;
// concurrent writers are serialized at transaction granularity (spec ยง5).
type Adapter struct {
	mu          sync.Mutex
	schemas     map[string]storage.Schema
	collections map[string]*collection
	connected   bool
}

// New creates an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{
		schemas:     make(map[string]storage.Schema),
		collections: make(map[string]*collection),
	}
}

// RegisterSchema registers a collection schema. Must be called before Connect.
func (a *Adapter) RegisterSchema(schema storage.Schema) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return fmt.Errorf("memory: cannot register schema %q after connect", schema.Name)
	}

	a.schemas[schema.Name] = schema
	a.collections[schema.Name] = newCollection(schema)

	return nil
}

// Connect marks the adapter ready for transactions. No-op beyond that for
// the in-memory backend.
func (a *Adapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connected = true

	return nil
}

// Close releases the adapter's state.
func (a *Adapter) Close(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connected = false

	return nil
}

// BeginTx snapshots the named collections and returns a transaction over
// them. ReadOnly transactions still snapshot (a deep copy of every row of
// the named collections) so in-flight reads are consistent even if a concurrent
// ReadWrite transaction commits mid-iteration.
func (a *Adapter) BeginTx(_ context.Context, names []string, mode storage.Mode) (storage.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil, fmt.Errorf("memory: adapter not connected")
	}

	tx := &transaction{
		adapter: a,
		mode:    mode,
		views:   make(map[string]*collectionView, len(names)),
	}

	for _, name := range names {
		c, ok := a.collections[name]
		if !ok {
			return nil, fmt.Errorf("memory: unknown collection %q", name)
		}

		tx.views[name] = c.snapshot()
	}

	return tx, nil
}

// transaction is a storage.Transaction over a fixed set of collection
// snapshots. Commit applies every view's buffered writes back into the
// adapter atomically (under the adapter mutex); Abort discards them.
type transaction struct {
	adapter *Adapter
	mode    storage.Mode
	views   map[string]*collectionView
	done    bool
}

func (t *transaction) Collection(name string) storage.Collection {
	v, ok := t.views[name]
	if !ok {
		panic(fmt.Sprintf("memory: transaction did not open collection %q", name))
	}

	return v
}

func (t *transaction) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("memory: transaction already finished")
	}

	t.done = true

	if t.mode == storage.ReadOnly {
		return nil
	}

	t.adapter.mu.Lock()
	defer t.adapter.mu.Unlock()

	for name, v := range t.views {
		t.adapter.collections[name].applySnapshot(v)
	}

	return nil
}

func (t *transaction) Abort(_ context.Context) error {
	t.done = true
	return nil
}

// collection holds committed state for one schema.
type collection struct {
	schema  storage.Schema
	rows    map[string]any
	autoInc int64
}

func newCollection(schema storage.Schema) *collection {
	return &collection{schema: schema, rows: make(map[string]any)}
}

// snapshot creates a mutable working copy for a transaction.
func (c *collection) snapshot() *collectionView {
	rows := make(map[string]any, len(c.rows))
	for k, v := range c.rows {
		rows[k] = deepCopy(v)
	}

	return &collectionView{
		schema:  c.schema,
		rows:    rows,
		autoInc: c.autoInc,
	}
}

// applySnapshot replaces committed state with the transaction's working copy.
func (c *collection) applySnapshot(v *collectionView) {
	c.rows = v.rows
	c.autoInc = v.autoInc
}

// collectionView is the per-transaction working copy implementing
// storage.Collection.
type collectionView struct {
	schema  storage.Schema
	rows    map[string]any
	autoInc int64
}

func (v *collectionView) keyString(value any) (string, error) {
	key, ok := storage.CompositeKey(value, v.schema.KeyPath)
	if !ok {
		return "", fmt.Errorf("memory: value missing key field(s) %v", v.schema.KeyPath)
	}

	return fmt.Sprint(key...), nil
}

func (v *collectionView) Get(_ context.Context, key any) (any, error) {
	ks := fmt.Sprint(key)

	row, ok := v.rows[ks]
	if !ok {
		return nil, nil
	}

	return deepCopy(row), nil
}

func (v *collectionView) GetAll(_ context.Context) ([]any, error) {
	out := make([]any, 0, len(v.rows))
	for _, row := range v.rows {
		out = append(out, deepCopy(row))
	}

	sortByKeyPath(out, v.schema.KeyPath)

	return out, nil
}

func (v *collectionView) Put(_ context.Context, value any) error {
	if v.schema.AutoIncrement {
		if m, ok := value.(map[string]any); ok {
			if _, has := m[v.schema.KeyPath[0]]; !has || isZero(m[v.schema.KeyPath[0]]) {
				v.autoInc++
				m[v.schema.KeyPath[0]] = v.autoInc
			}
		}
	}

	ks, err := v.keyString(value)
	if err != nil {
		return err
	}

	for _, idx := range v.schema.Indexes {
		if !idx.Unique {
			continue
		}

		newVal, _ := storage.FieldValue(value, idx.KeyPath)

		for k, row := range v.rows {
			if k == ks {
				continue
			}

			existing, _ := storage.FieldValue(row, idx.KeyPath)
			if existing == newVal {
				return fmt.Errorf("memory: unique index %q violated by value %v", idx.Name, newVal)
			}
		}
	}

	v.rows[ks] = deepCopy(value)

	return nil
}

func (v *collectionView) Delete(_ context.Context, key any) error {
	delete(v.rows, fmt.Sprint(key))
	return nil
}

func (v *collectionView) Clear(_ context.Context) error {
	v.rows = make(map[string]any)
	return nil
}

func (v *collectionView) Count(_ context.Context) (int, error) {
	return len(v.rows), nil
}

func (v *collectionView) GetByIndex(_ context.Context, index string, value any) (any, error) {
	for _, row := range v.rows {
		fv, ok := storage.FieldValue(row, indexKeyPath(v.schema, index))
		if ok && fv == value {
			return deepCopy(row), nil
		}
	}

	return nil, nil
}

func (v *collectionView) GetAllByIndex(_ context.Context, index string, value any) ([]any, error) {
	kp := indexKeyPath(v.schema, index)

	var out []any

	for _, row := range v.rows {
		fv, ok := storage.FieldValue(row, kp)
		if !ok {
			continue
		}

		if matchesIndexValue(fv, value) {
			out = append(out, deepCopy(row))
		}
	}

	sortByKeyPath(out, v.schema.KeyPath)

	return out, nil
}

func (v *collectionView) Query(ctx context.Context, spec storage.QuerySpec) ([]any, error) {
	var rows []any
	var err error

	if spec.Index != "" {
		kp := indexKeyPath(v.schema, spec.Index)

		for _, row := range v.rows {
			fv, ok := storage.FieldValue(row, kp)
			if !ok {
				continue
			}

			if spec.Range != nil && !inRange(fv, spec.Range) {
				continue
			}

			rows = append(rows, deepCopy(row))
		}
	} else {
		rows, err = v.GetAll(ctx)
		if err != nil {
			return nil, err
		}
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
		reverse(rows)
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

func indexKeyPath(schema storage.Schema, index string) string {
	for _, idx := range schema.Indexes {
		if idx.Name == index {
			return idx.KeyPath
		}
	}

	return index
}

func matchesIndexValue(fieldValue, want any) bool {
	if slice, ok := fieldValue.([]any); ok {
		for _, elem := range slice {
			if elem == want {
				return true
			}
		}

		return false
	}

	return fieldValue == want
}

func inRange(v any, r *storage.Range) bool {
	if r.Lower != nil {
		cmp := compare(v, r.Lower)
		if cmp < 0 || (cmp == 0 && r.LowerOpen) {
			return false
		}
	}

	if r.Upper != nil {
		cmp := compare(v, r.Upper)
		if cmp > 0 || (cmp == 0 && r.UpperOpen) {
			return false
		}
	}

	return true
}

// compare provides a best-effort ordering for the scalar types records use
// (string, int, int64, float64). Mismatched types compare equal-ish (0).
func compare(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case int64:
		bv := toInt64(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case int:
		return compare(int64(av), b)
	case float64:
		bv := toFloat64(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}

	return 0
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func isZero(v any) bool {
	switch n := v.(type) {
	case int64:
		return n == 0
	case int:
		return n == 0
	case float64:
		return n == 0
	case string:
		return n == ""
	default:
		return v == nil
	}
}

func reverse(s []any) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func sortByKeyPath(rows []any, keyPath []string) {
	if len(keyPath) == 0 {
		return
	}

	sort.SliceStable(rows, func(i, j int) bool {
		vi, _ := storage.FieldValue(rows[i], keyPath[0])
		vj, _ := storage.FieldValue(rows[j], keyPath[0])

		return fmt.Sprint(vi) < fmt.Sprint(vj)
	})
}

// deepCopy recursively copies maps and slices so snapshots and returned
// rows never alias caller-visible mutable state.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = deepCopy(vv)
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = deepCopy(vv)
		}

		return out
	default:
		return v
	}
}
