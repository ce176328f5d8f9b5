// Package sequence implements C1: a monotonic ID generator built from a
// single conditionally-incremented row, matching the teacher's own
// monotonic-index-allocation pattern over a CAS primitive.
package sequence

import (
	"context"
	"fmt"

	"github.com/nomadic-run/scheduler/kv"
)

const attrValue = "v"

// Table is the table the sequence row lives in.
const Table = "monitor-sequence"

// Sequence hands out strictly increasing int64 values for a set of named
// counters, backed by a single row per name.
type Sequence struct {
	store kv.Store
}

// New constructs a Sequence over store.
func New(store kv.Store) *Sequence {
	return &Sequence{store: store}
}

// Next returns the next value for name: a total order across every caller,
// including concurrent callers racing on the same row.
func (s *Sequence) Next(ctx context.Context, name string) (int64, error) {
	key := kv.Key{PK: "seq", RK: name}
	for {
		rec, err := s.store.ConditionalUpdate(ctx, Table, key, kv.Update{
			Inc: map[string]int64{attrValue: 1},
		}, kv.Always())
		if err != nil {
			if kv.IsPrecondition(err) {
				continue
			}
			return 0, fmt.Errorf("sequence: next(%s): %w", name, err)
		}
		v, _ := rec[attrValue].(int64)
		return v, nil
	}
}
