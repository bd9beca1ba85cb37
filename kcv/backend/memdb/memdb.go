/*
   Copyright 2024 Titan contributors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package memdb is an in-process implementation of the backend contract:
// rows hold their columns in a B-tree ordered by unsigned lexicographic
// name comparison, writes resolve by timestamp with arrival order breaking
// ties. It backs tests and local tooling; nothing leaves the process.
package memdb

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/amitabhakarmakar/titan/kcv"
	"github.com/amitabhakarmakar/titan/kcv/backend"
)

const btreeDegree = 32

type column struct {
	name  []byte
	value []byte
	ts    int64
}

func lessColumn(a, b *column) bool { return bytes.Compare(a.name, b.name) < 0 }

type row struct {
	columns *btree.BTreeG[*column]
}

// DB is the process-local backend. One DB holds any number of keyspaces;
// connections are bound to one keyspace each, like their remote
// counterparts.
type DB struct {
	mu        sync.RWMutex
	keyspaces map[string]map[string]map[string]*row // ks -> cf -> rowKey -> row

	calls    sync.Map // op name -> *atomic.Int64
	batchMu  sync.Mutex
	batchTSs []int64
}

// New returns an empty DB.
func New() *DB {
	return &DB{keyspaces: make(map[string]map[string]map[string]*row)}
}

// Conn returns a connection bound to keyspace.
func (db *DB) Conn(keyspace string) backend.Conn {
	return &conn{db: db, keyspace: keyspace}
}

// DialFunc adapts the DB to the pool's dial contract.
func (db *DB) DialFunc() backend.DialFunc {
	return func(_ context.Context, keyspace string) (backend.Conn, error) {
		return db.Conn(keyspace), nil
	}
}

// Calls reports how many remote calls of the named op ("get", "get_slice",
// "insert", "remove", "batch_mutate") this DB has served.
func (db *DB) Calls(op string) int64 {
	v, ok := db.calls.Load(op)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// BatchTimestamps returns the timestamp carried by each BatchMutate call
// served so far, in arrival order.
func (db *DB) BatchTimestamps() []int64 {
	db.batchMu.Lock()
	defer db.batchMu.Unlock()
	out := make([]int64, len(db.batchTSs))
	copy(out, db.batchTSs)
	return out
}

func (db *DB) count(op string) {
	v, _ := db.calls.LoadOrStore(op, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (db *DB) row(ks, cf string, key []byte, create bool) *row {
	families, ok := db.keyspaces[ks]
	if !ok {
		if !create {
			return nil
		}
		families = make(map[string]map[string]*row)
		db.keyspaces[ks] = families
	}
	rows, ok := families[cf]
	if !ok {
		if !create {
			return nil
		}
		rows = make(map[string]*row)
		families[cf] = rows
	}
	r, ok := rows[string(key)]
	if !ok {
		if !create {
			return nil
		}
		r = &row{columns: btree.NewG(btreeDegree, lessColumn)}
		rows[string(key)] = r
	}
	return r
}

type conn struct {
	db       *DB
	keyspace string
}

var _ backend.Conn = (*conn)(nil)

func (c *conn) Get(_ context.Context, cf string, key, col []byte, _ backend.ConsistencyLevel) (*backend.Column, error) {
	c.db.count("get")
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()

	r := c.db.row(c.keyspace, cf, key, false)
	if r == nil {
		return nil, backend.ErrNotFound
	}
	found, ok := r.columns.Get(&column{name: col})
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &backend.Column{
		Name:      kcv.CopyBytes(found.name),
		Value:     kcv.CopyBytes(found.value),
		Timestamp: found.ts,
	}, nil
}

func (c *conn) GetSlice(_ context.Context, cf string, key []byte, pred backend.SlicePredicate, _ backend.ConsistencyLevel) ([]backend.Column, error) {
	c.db.count("get_slice")
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()

	if pred.Range != nil && len(pred.ColumnNames) > 0 {
		return nil, backend.NewRemoteError(backend.KindInvalidRequest,
			errors.New("slice predicate names both a range and a column list"))
	}

	r := c.db.row(c.keyspace, cf, key, false)
	if r == nil {
		return nil, nil
	}

	if pred.Range == nil {
		return sliceByNames(r, pred.ColumnNames), nil
	}
	return sliceByRange(r, pred.Range)
}

func sliceByNames(r *row, names [][]byte) []backend.Column {
	sorted := make([][]byte, len(names))
	copy(sorted, names)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	var out []backend.Column
	for _, name := range sorted {
		if found, ok := r.columns.Get(&column{name: name}); ok {
			out = append(out, backend.Column{
				Name:      kcv.CopyBytes(found.name),
				Value:     kcv.CopyBytes(found.value),
				Timestamp: found.ts,
			})
		}
	}
	return out
}

func sliceByRange(r *row, rng *backend.SliceRange) ([]backend.Column, error) {
	if rng.Count < 0 {
		return nil, backend.NewRemoteError(backend.KindInvalidRequest,
			errors.New("negative slice count"))
	}

	var out []backend.Column
	iter := func(item *column) bool {
		if len(rng.Finish) > 0 && bytes.Compare(item.name, rng.Finish) > 0 {
			return false
		}
		if len(out) >= rng.Count {
			return false
		}
		out = append(out, backend.Column{
			Name:      kcv.CopyBytes(item.name),
			Value:     kcv.CopyBytes(item.value),
			Timestamp: item.ts,
		})
		return true
	}
	if len(rng.Start) > 0 {
		r.columns.AscendGreaterOrEqual(&column{name: rng.Start}, iter)
	} else {
		r.columns.Ascend(iter)
	}
	return out, nil
}

func (c *conn) Insert(_ context.Context, cf string, key []byte, col backend.Column, _ backend.ConsistencyLevel) error {
	c.db.count("insert")
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.applyInsert(c.keyspace, cf, key, col)
	return nil
}

func (c *conn) Remove(_ context.Context, cf string, key, col []byte, ts int64, _ backend.ConsistencyLevel) error {
	c.db.count("remove")
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.applyRemove(c.keyspace, cf, key, col, ts)
	return nil
}

func (c *conn) BatchMutate(_ context.Context, mutations map[string]map[string][]backend.Mutation, _ backend.ConsistencyLevel) error {
	c.db.count("batch_mutate")
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	recorded := false
	for key, families := range mutations {
		for cf, muts := range families {
			for _, m := range muts {
				switch {
				case m.Insert != nil:
					if !recorded {
						c.db.recordBatchTS(m.Insert.Timestamp)
						recorded = true
					}
					c.db.applyInsert(c.keyspace, cf, []byte(key), *m.Insert)
				case m.Deletion != nil:
					if len(m.Deletion.Predicate.ColumnNames) == 0 {
						return backend.NewRemoteError(backend.KindInvalidRequest,
							errors.New("deletion predicate must name columns"))
					}
					if !recorded {
						c.db.recordBatchTS(m.Deletion.Timestamp)
						recorded = true
					}
					for _, name := range m.Deletion.Predicate.ColumnNames {
						c.db.applyRemove(c.keyspace, cf, []byte(key), name, m.Deletion.Timestamp)
					}
				default:
					return backend.NewRemoteError(backend.KindInvalidRequest,
						errors.New("empty mutation"))
				}
			}
		}
	}
	return nil
}

func (c *conn) Close() error { return nil }

func (db *DB) recordBatchTS(ts int64) {
	db.batchMu.Lock()
	db.batchTSs = append(db.batchTSs, ts)
	db.batchMu.Unlock()
}

// applyInsert upserts by timestamp: a write at or after the stored
// timestamp wins, so equal timestamps resolve by arrival order.
func (db *DB) applyInsert(ks, cf string, key []byte, col backend.Column) {
	r := db.row(ks, cf, key, true)
	if existing, ok := r.columns.Get(&column{name: col.Name}); ok && col.Timestamp < existing.ts {
		return
	}
	r.columns.ReplaceOrInsert(&column{
		name:  kcv.CopyBytes(col.Name),
		value: kcv.CopyBytes(col.Value),
		ts:    col.Timestamp,
	})
}

func (db *DB) applyRemove(ks, cf string, key, name []byte, ts int64) {
	r := db.row(ks, cf, key, false)
	if r == nil {
		return
	}
	if existing, ok := r.columns.Get(&column{name: name}); ok && ts >= existing.ts {
		r.columns.Delete(&column{name: name})
	}
}
