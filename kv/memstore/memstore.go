// Package memstore is an in-memory double for the kv.Store façade (§6 ADD).
// It is used by the scheduler's own test suite and by cmd/scheduler-demo; it
// is not a production store — a real deployment supplies its own (e.g. a
// DynamoDB-backed one) implementing kv.Store directly.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/nomadic-run/scheduler/kv"
)

// IndexSpec registers a secondary index, answered by scanning the table's
// items at query time. HashAttr is required; RangeAttr may be empty, in which case items
// sharing a hash value are ordered by their primary Key.
type IndexSpec struct {
	Name      string
	HashAttr  string
	RangeAttr string
}

// TableSpec configures one table's secondary indices.
type TableSpec struct {
	Name    string
	Indexes []IndexSpec
}

type entry struct {
	key kv.Key
	rec kv.Record
}

type table struct {
	spec  TableSpec
	items map[kv.Key]kv.Record
}

// Store is the in-memory kv.Store implementation.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
}

// New constructs a Store with the given table/index layout. Passing the
// tables named by §6 (`monitor-tasks`, `monitor-locks`) with their listed
// indices reproduces the persisted layout exactly; callers may register
// additional tables/indices for their own use (e.g. the Sequence row lives
// in whichever table the caller designates).
func New(specs ...TableSpec) *Store {
	s := &Store{tables: make(map[string]*table, len(specs))}
	for _, spec := range specs {
		s.tables[spec.Name] = &table{spec: spec, items: make(map[kv.Key]kv.Record)}
	}
	return s
}

func (s *Store) table(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{spec: TableSpec{Name: name}, items: make(map[kv.Key]kv.Record)}
		s.tables[name] = t
	}
	return t
}

func cloneRecord(rec kv.Record) kv.Record {
	if rec == nil {
		return nil
	}
	out := make(kv.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func (s *Store) Get(_ context.Context, tableName string, key kv.Key) (kv.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(tableName)
	rec, ok := t.items[key]
	return cloneRecord(rec), ok, nil
}

func (s *Store) Put(_ context.Context, tableName string, key kv.Key, rec kv.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(tableName)
	t.items[key] = cloneRecord(rec)
	return nil
}

func (s *Store) ConditionalUpdate(_ context.Context, tableName string, key kv.Key, upd kv.Update, cond kv.Predicate) (kv.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(tableName)

	cur := t.items[key]
	if cond == nil {
		cond = kv.Always()
	}
	if !cond.Eval(cur) {
		return nil, kv.NewPreconditionError(tableName, key)
	}

	next := cloneRecord(cur)
	if next == nil {
		next = make(kv.Record)
	}
	for _, attr := range upd.Remove {
		delete(next, attr)
	}
	for attr, delta := range upd.Inc {
		var base int64
		if v, ok := next[attr]; ok {
			if iv, ok := v.(int64); ok {
				base = iv
			}
		}
		next[attr] = base + delta
	}
	for attr, v := range upd.Set {
		next[attr] = v
	}

	t.items[key] = next
	return cloneRecord(next), nil
}

func (s *Store) ConditionalDelete(_ context.Context, tableName string, key kv.Key, cond kv.Predicate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(tableName)
	cur := t.items[key]
	if cond == nil {
		cond = kv.Always()
	}
	if !cond.Eval(cur) {
		return kv.NewPreconditionError(tableName, key)
	}
	delete(t.items, key)
	return nil
}

func (s *Store) QueryByIndex(_ context.Context, tableName, index, hashKey string, page kv.Page, limit int) ([]kv.Record, kv.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(tableName)

	if index == "primary" {
		return paginate(s.primaryEntries(t, hashKey), page, limit)
	}

	spec, ok := t.indexSpec(index)
	if !ok {
		return nil, "", nil
	}
	var entries []entry
	for key, rec := range t.items {
		v, ok := rec[spec.HashAttr]
		if !ok {
			continue
		}
		if toHashString(v) != hashKey {
			continue
		}
		entries = append(entries, entry{key: key, rec: rec})
	}
	sortEntries(entries, spec.RangeAttr)
	return paginate(entries, page, limit)
}

func (s *Store) ScanByIndex(_ context.Context, tableName, index string, filter kv.Predicate, page kv.Page, limit int) ([]kv.Record, kv.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(tableName)

	var entries []entry
	if index == "primary" || index == "" {
		for key, rec := range t.items {
			entries = append(entries, entry{key: key, rec: rec})
		}
		sortEntries(entries, "")
	} else {
		spec, ok := t.indexSpec(index)
		if !ok {
			return nil, "", nil
		}
		for key, rec := range t.items {
			if _, ok := rec[spec.HashAttr]; !ok {
				continue
			}
			entries = append(entries, entry{key: key, rec: rec})
		}
		sortEntries(entries, spec.RangeAttr)
	}

	if filter != nil {
		filtered := entries[:0:0]
		for _, e := range entries {
			if filter.Eval(e.rec) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	return paginate(entries, page, limit)
}

func (t *table) indexSpec(name string) (IndexSpec, bool) {
	for _, ix := range t.spec.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return IndexSpec{}, false
}

func (s *Store) primaryEntries(t *table, pk string) []entry {
	var entries []entry
	for key, rec := range t.items {
		if key.PK != pk {
			continue
		}
		entries = append(entries, entry{key: key, rec: rec})
	}
	sortEntries(entries, "")
	return entries
}

func sortEntries(entries []entry, rangeAttr string) {
	sort.Slice(entries, func(i, j int) bool {
		if rangeAttr == "" {
			return entries[i].key.RK < entries[j].key.RK
		}
		vi, iok := entries[i].rec[rangeAttr]
		vj, jok := entries[j].rec[rangeAttr]
		if !iok || !jok {
			return entries[i].key.RK < entries[j].key.RK
		}
		si, siok := vi.(string)
		sj, sjok := vj.(string)
		if siok && sjok {
			return si < sj
		}
		return entries[i].key.RK < entries[j].key.RK
	})
}

func toHashString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	default:
		return ""
	}
}

// paginate is intentionally simple: memstore is a test/demo double, so it
// returns every matching record in a single page (empty continuation token).
// A production store is expected to page for real.
func paginate(entries []entry, _ kv.Page, limit int) ([]kv.Record, kv.Page, error) {
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]kv.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneRecord(e.rec))
	}
	return out, "", nil
}

var _ kv.Store = (*Store)(nil)
