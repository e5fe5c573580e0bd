// Package storage defines the abstract, transactional key-value store
// the kernel depends on (spec ยง6.1). This is the "consumed, external"
// contract: the kernel and extensions talk only to these interfaces. Two
// concrete adapters live in subpackages: memory (in-process, used by tests
// and the default single-node deployment) and sqlite (durable, used when a
// DB path is configured).
package storage

import "context"

// Mode is the transaction access mode.
type Mode int

// Transaction modes.
const (
	ReadOnly Mode = iota
	ReadWrite
)

// Range bounds a Query over an index.
type Range struct {
	Lower      any
	Upper      any
	LowerOpen  bool
	UpperOpen  bool
}

// Direction controls Query iteration order.
type Direction int

// Query iteration directions.
const (
	Ascending Direction = iota
	Descending
)

// QuerySpec parameterizes Collection.Query.
type QuerySpec struct {
	Index     string // empty means iterate by primary key
	Range     *Range
	Direction Direction
	Limit     int // 0 means unlimited
	Offset    int
	Filter    func(value any) bool
}

// Collection is one schema-defined table within a transaction.
type Collection interface {
	Get(ctx context.Context, key any) (any, error)
	GetAll(ctx context.Context) ([]any, error)
	Put(ctx context.Context, value any) error
	Delete(ctx context.Context, key any) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	GetByIndex(ctx context.Context, index string, value any) (any, error)
	GetAllByIndex(ctx context.Context, index string, value any) ([]any, error)
	Query(ctx context.Context, spec QuerySpec) ([]any, error)
}

// Transaction is opened over a fixed set of collection names and commits
// or aborts atomically (spec ยง4.e "Transactional discipline").
type Transaction interface {
	Collection(name string) Collection
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Adapter is the storage backend contract. RegisterSchema must be called
// for every schema (core plus every extension's) before Connect, per the
// plugin host's install ordering (spec ยง4.g).
type Adapter interface {
	RegisterSchema(schema Schema) error
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	BeginTx(ctx context.Context, collections []string, mode Mode) (Transaction, error)
}
