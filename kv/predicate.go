package kv

import "strings"

// Predicate is the small expression algebra (§4.2) used to guard every
// conditional write and to filter ScanByIndex. Implementations are pure
// functions of a Record; they never themselves perform I/O.
type Predicate interface {
	Eval(rec Record) bool
}

type predicateFunc func(Record) bool

func (f predicateFunc) Eval(rec Record) bool { return f(rec) }

// Always is a Predicate that is always satisfied; the zero-value guard for
// unconditional writes expressed through the conditional API.
func Always() Predicate { return predicateFunc(func(Record) bool { return true }) }

// Eq is satisfied when attr is present and equal to val.
func Eq(attr string, val any) Predicate {
	return predicateFunc(func(rec Record) bool {
		v, ok := rec[attr]
		if !ok {
			return false
		}
		return equalAttr(v, val)
	})
}

// Exists is satisfied when attr is present (and, for strings, non-empty is
// NOT required — presence is the only test, matching a store's notion of
// attribute existence).
func Exists(attr string) Predicate {
	return predicateFunc(func(rec Record) bool {
		_, ok := rec[attr]
		return ok
	})
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return predicateFunc(func(rec Record) bool { return !p.Eval(rec) })
}

// And is satisfied when every ps is satisfied (vacuously true for no args).
func And(ps ...Predicate) Predicate {
	return predicateFunc(func(rec Record) bool {
		for _, p := range ps {
			if !p.Eval(rec) {
				return false
			}
		}
		return true
	})
}

// Or is satisfied when any ps is satisfied (vacuously false for no args).
func Or(ps ...Predicate) Predicate {
	return predicateFunc(func(rec Record) bool {
		for _, p := range ps {
			if p.Eval(rec) {
				return true
			}
		}
		return false
	})
}

// In is satisfied when attr is present and equal to one of vals.
func In(attr string, vals ...any) Predicate {
	return predicateFunc(func(rec Record) bool {
		v, ok := rec[attr]
		if !ok {
			return false
		}
		for _, want := range vals {
			if equalAttr(v, want) {
				return true
			}
		}
		return false
	})
}

// BeginsWith is satisfied when string attribute attr is present and has the
// given prefix; used for entity-scoped range queries (§4.3's compound
// entity-range key `entityId + "@" + sortKey(taskId)`).
func BeginsWith(attr, prefix string) Predicate {
	return predicateFunc(func(rec Record) bool {
		v, ok := rec[attr]
		if !ok {
			return false
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		return strings.HasPrefix(s, prefix)
	})
}

func equalAttr(a, b any) bool {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case int:
		bv, ok := b.(int)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return a == b
	}
}
