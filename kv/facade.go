// Package kv is the narrow façade the scheduler core uses to talk to the
// durable store (§6: two tables, `monitor-tasks` and `monitor-locks`).
// It is intentionally small: get/put/conditional-update/conditional-delete
// plus paged secondary-index queries, all guarded by the small predicate
// algebra in predicate.go. The real store is out of this module's scope;
// kv/memstore ships an in-memory double used by tests and the bundled demo.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// Record is a single stored item: an attribute-name -> value map. Values are
// one of string, int64, bool, []byte, []string, []int64, or nil.
type Record map[string]any

// Key identifies a single item within a table.
type Key struct {
	PK string
	RK string
}

func (k Key) String() string { return k.PK + "/" + k.RK }

// Update describes a single conditional write. Set and Inc attributes are
// applied after Remove, so an attribute can be removed by one write and set
// by another but never both in the same Update.
type Update struct {
	// Set assigns the given attributes verbatim.
	Set map[string]any
	// Inc atomically adds the given delta to an int64 attribute, treating an
	// absent attribute as zero.
	Inc map[string]int64
	// Remove deletes the named attributes entirely (used for the `mid`
	// sentinel-to-absent transition on terminal persistence, and for the
	// non-terminal mirror attributes `ntty`/`ntid`).
	Remove []string
}

// Page is an opaque continuation token. The zero value requests the first
// page; a returned empty Page means there is no further page.
type Page string

// Store is the conditional key-value façade the core depends on (§6). Every
// mutator takes a Predicate; a failed predicate surfaces as ErrPrecondition,
// never conflated with a connection/transport error.
type Store interface {
	Get(ctx context.Context, table string, key Key) (Record, bool, error)

	// Put writes rec unconditionally, replacing any existing item at its key.
	Put(ctx context.Context, table string, key Key, rec Record) error

	// ConditionalUpdate applies upd at key iff cond holds against the current
	// record (an absent record is evaluated against cond as an empty
	// Record). It returns the record as it exists after the write.
	ConditionalUpdate(ctx context.Context, table string, key Key, upd Update, cond Predicate) (Record, error)

	ConditionalDelete(ctx context.Context, table string, key Key, cond Predicate) error

	// QueryByIndex pages through items in the named secondary index whose
	// hash component equals hashKey, ordered by the index's range attribute
	// (if any).
	QueryByIndex(ctx context.Context, table, index, hashKey string, page Page, limit int) ([]Record, Page, error)

	// ScanByIndex pages through every item present in the named index,
	// across all hash values, subject to an optional predicate filter.
	ScanByIndex(ctx context.Context, table, index string, filter Predicate, page Page, limit int) ([]Record, Page, error)
}

// ErrPrecondition is the sentinel identifying a failed conditional write:
// the coordination primitive the core is built on, not an error condition.
// Callers must check with errors.Is, never by comparing error strings.
var ErrPrecondition = errors.New("kv: precondition failed")

// PreconditionError wraps ErrPrecondition with the table/key context that
// failed, for logging.
type PreconditionError struct {
	Table string
	Key   Key
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("kv: precondition failed on %s %s", e.Table, e.Key)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// NewPreconditionError constructs the sentinel-wrapped error a Store
// implementation should return when a caller's Predicate does not hold.
func NewPreconditionError(table string, key Key) error {
	return &PreconditionError{Table: table, Key: key}
}

// IsPrecondition reports whether err is (or wraps) ErrPrecondition.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}
