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

// Package cassandra adapts the ordered key-column-value contract onto a
// Cassandra-like wide-column backend reached through pooled row-RPC
// connections. One Store binds one (keyspace, column family) pair; beyond
// that identity it holds only its pool handle and its timestamp oracle.
package cassandra

import (
	"bytes"
	"context"
	"errors"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ledgerwatch/log/v3"

	"github.com/amitabhakarmakar/titan/kcv"
	"github.com/amitabhakarmakar/titan/kcv/backend"
)

// Consistency is the replica-agreement level of every remote call the
// store issues. It is deliberately a constant: all writers and readers
// must agree on it, so any change has to be static.
const Consistency = backend.ConsistencyAll

var (
	getCalls         = metrics.GetOrCreateCounter(`kcv_remote_calls{op="get"}`)
	getSliceCalls    = metrics.GetOrCreateCounter(`kcv_remote_calls{op="get_slice"}`)
	insertCalls      = metrics.GetOrCreateCounter(`kcv_remote_calls{op="insert"}`)
	removeCalls      = metrics.GetOrCreateCounter(`kcv_remote_calls{op="remove"}`)
	batchMutateCalls = metrics.GetOrCreateCounter(`kcv_remote_calls{op="batch_mutate"}`)
)

// Store implements kcv.Store. It is stateless beyond its identity, its
// pool handle and its oracle, and is safe for concurrent use.
type Store struct {
	keyspace string
	cf       string
	pool     backend.Pool
	oracle   *timestampOracle
	logger   log.Logger
}

var _ kcv.Store = (*Store)(nil)

// NewStore binds a store to (keyspace, columnFamily). Both names must be
// non-empty; the pool is owned by the caller and shared between stores.
func NewStore(keyspace, columnFamily string, pool backend.Pool, logger log.Logger) (*Store, error) {
	if keyspace == "" || columnFamily == "" {
		return nil, kcv.ArgumentErrorf("new_store", "keyspace %q and column family %q must be non-empty", keyspace, columnFamily)
	}
	if pool == nil {
		return nil, kcv.ArgumentErrorf("new_store", "nil connection pool")
	}
	if logger == nil {
		logger = log.New()
	}
	logger = logger.New("keyspace", keyspace, "cf", columnFamily)
	return &Store{
		keyspace: keyspace,
		cf:       columnFamily,
		pool:     pool,
		oracle:   newTimestampOracle(logger),
		logger:   logger,
	}, nil
}

// Name returns the column-family name.
func (s *Store) Name() string { return s.cf }

// Keyspace returns the keyspace name.
func (s *Store) Keyspace() string { return s.keyspace }

// withConn runs f with one borrowed connection and returns it on every
// exit path. Closures must not retain the connection.
func (s *Store) withConn(ctx context.Context, f func(c backend.Conn) error) error {
	c, err := s.pool.Borrow(ctx, s.keyspace)
	if err != nil {
		return kcv.NewError(kcv.RemoteTransport, "borrow", err)
	}
	defer s.pool.Return(s.keyspace, c)
	return f(c)
}

// mapRemote turns a backend failure into the uniform storage error. Errors
// that are already storage errors pass through unchanged.
func mapRemote(op string, err error) error {
	var se *kcv.StorageError
	if errors.As(err, &se) {
		return err
	}
	if kind, ok := backend.KindOf(err); ok {
		var code kcv.ErrorCode
		switch kind {
		case backend.KindTimeout:
			code = kcv.RemoteTimeout
		case backend.KindUnavailable:
			code = kcv.RemoteUnavailable
		case backend.KindInvalidRequest:
			code = kcv.RemoteInvalid
		default:
			code = kcv.RemoteTransport
		}
		return kcv.NewError(code, op, err)
	}
	return kcv.NewError(kcv.RemoteTransport, op, err)
}

// GetSlice returns the entries of key whose column names lie in the
// half-open-capable interval described by q, at most q.Limit of them, in
// ascending column order.
//
// The backend's slice primitive is inclusive on both endpoints and has no
// exclusivity flags; emulating exclusivity by adjusting endpoints is
// impossible in a byte-sequence domain (no defined successor), so boundary
// columns are filtered here after the call. Intervals that are provably
// empty - a zero limit, or equal endpoints without both inclusivity flags -
// return empty without a remote call.
func (s *Store) GetSlice(ctx context.Context, key []byte, q kcv.SliceQuery, txh kcv.Transaction) ([]kcv.Entry, error) {
	if len(key) == 0 {
		return nil, kcv.ArgumentErrorf("get_slice", "empty key")
	}
	cmp := bytes.Compare(q.Start, q.End)
	if cmp > 0 {
		return nil, kcv.ArgumentErrorf("get_slice", "column start %x is greater than column end %x", q.Start, q.End)
	}

	limit := q.Limit
	if limit < 0 {
		s.logger.Warn("[kcv] negative slice limit coerced to 0", "limit", limit)
		limit = 0
	}
	if limit == 0 {
		return nil, nil
	}

	if cmp == 0 {
		if !q.StartInclusive || !q.EndInclusive {
			return nil, nil
		}
		v, ok, err := s.Get(ctx, key, q.Start, txh)
		if err != nil || !ok {
			return nil, err
		}
		return []kcv.Entry{{Column: kcv.CopyBytes(q.Start), Value: v}}, nil
	}

	pred := backend.SlicePredicate{Range: &backend.SliceRange{
		Start:  kcv.CopyBytes(q.Start),
		Finish: kcv.CopyBytes(q.End),
		Count:  limit,
	}}
	var cols []backend.Column
	err := s.withConn(ctx, func(c backend.Conn) error {
		getSliceCalls.Inc()
		var err error
		cols, err = c.GetSlice(ctx, s.cf, kcv.CopyBytes(key), pred, Consistency)
		if err != nil {
			return mapRemote("get_slice", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]kcv.Entry, 0, len(cols))
	for _, col := range cols {
		if !q.StartInclusive && bytes.Compare(col.Name, q.Start) <= 0 {
			continue
		}
		if !q.EndInclusive && bytes.Compare(col.Name, q.End) >= 0 {
			continue
		}
		out = append(out, kcv.Entry{Column: col.Name, Value: col.Value})
	}
	return out, nil
}

// Get reads the value under (key, column). A missing column is reported
// as ok == false, never as an error.
func (s *Store) Get(ctx context.Context, key, column []byte, txh kcv.Transaction) (value []byte, ok bool, err error) {
	if len(key) == 0 {
		return nil, false, kcv.ArgumentErrorf("get", "empty key")
	}
	if len(column) == 0 {
		return nil, false, kcv.ArgumentErrorf("get", "empty column")
	}

	err = s.withConn(ctx, func(c backend.Conn) error {
		getCalls.Inc()
		col, err := c.Get(ctx, s.cf, kcv.CopyBytes(key), kcv.CopyBytes(column), Consistency)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				return nil
			}
			return mapRemote("get", err)
		}
		value, ok = col.Value, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, ok, nil
}

// ContainsKey reports whether at least one column exists under key,
// implemented as a slice of count 1 over the unbounded column range.
func (s *Store) ContainsKey(ctx context.Context, key []byte, txh kcv.Transaction) (bool, error) {
	if len(key) == 0 {
		return false, kcv.ArgumentErrorf("contains_key", "empty key")
	}
	pred := backend.SlicePredicate{Range: &backend.SliceRange{Count: 1}}

	var found bool
	err := s.withConn(ctx, func(c backend.Conn) error {
		getSliceCalls.Inc()
		cols, err := c.GetSlice(ctx, s.cf, kcv.CopyBytes(key), pred, Consistency)
		if err != nil {
			return mapRemote("contains_key", err)
		}
		found = len(cols) > 0
		return nil
	})
	return found, err
}

// ContainsKeyColumn reports whether (key, column) exists. Absence is not
// an error.
func (s *Store) ContainsKeyColumn(ctx context.Context, key, column []byte, txh kcv.Transaction) (bool, error) {
	if len(key) == 0 {
		return false, kcv.ArgumentErrorf("contains_key_column", "empty key")
	}
	if len(column) == 0 {
		return false, kcv.ArgumentErrorf("contains_key_column", "empty column")
	}
	pred := backend.SlicePredicate{ColumnNames: [][]byte{kcv.CopyBytes(column)}}

	var found bool
	err := s.withConn(ctx, func(c backend.Conn) error {
		getSliceCalls.Inc()
		cols, err := c.GetSlice(ctx, s.cf, kcv.CopyBytes(key), pred, Consistency)
		if err != nil {
			return mapRemote("contains_key_column", err)
		}
		found = len(cols) > 0
		return nil
	})
	return found, err
}

// Insert writes entries under key, one remote call per entry on one
// borrowed connection, all carrying one oracle timestamp. If a call fails
// midway the earlier entries stay written: the non-batched path is
// at-least-once.
func (s *Store) Insert(ctx context.Context, key []byte, entries []kcv.Entry, txh kcv.Transaction) error {
	if len(key) == 0 {
		return kcv.ArgumentErrorf("insert", "empty key")
	}
	if len(entries) == 0 {
		return nil
	}
	ts, err := s.oracle.nextTimestamp(ctx)
	if err != nil {
		return err
	}
	return s.withConn(ctx, func(c backend.Conn) error {
		return s.insertAll(ctx, c, key, entries, ts)
	})
}

// Delete removes columns under key, one remote call per column on one
// borrowed connection, all carrying one oracle timestamp. Same
// at-least-once caveat as Insert.
func (s *Store) Delete(ctx context.Context, key []byte, columns [][]byte, txh kcv.Transaction) error {
	if len(key) == 0 {
		return kcv.ArgumentErrorf("delete", "empty key")
	}
	if len(columns) == 0 {
		return nil
	}
	ts, err := s.oracle.nextTimestamp(ctx)
	if err != nil {
		return err
	}
	return s.withConn(ctx, func(c backend.Conn) error {
		return s.removeAll(ctx, c, key, columns, ts)
	})
}

// Mutate applies deletions, then additions, under key. Both halves carry
// one shared timestamp and run over one borrowed connection; submitting
// the deletions first means a column named in both halves ends up with the
// addition's value.
func (s *Store) Mutate(ctx context.Context, key []byte, additions []kcv.Entry, deletions [][]byte, txh kcv.Transaction) error {
	if len(key) == 0 {
		return kcv.ArgumentErrorf("mutate", "empty key")
	}
	if len(additions) == 0 && len(deletions) == 0 {
		return nil
	}
	ts, err := s.oracle.nextTimestamp(ctx)
	if err != nil {
		return err
	}
	return s.withConn(ctx, func(c backend.Conn) error {
		if err := s.removeAll(ctx, c, key, deletions, ts); err != nil {
			return err
		}
		return s.insertAll(ctx, c, key, additions, ts)
	})
}

func (s *Store) insertAll(ctx context.Context, c backend.Conn, key []byte, entries []kcv.Entry, ts int64) error {
	for _, e := range entries {
		insertCalls.Inc()
		col := backend.Column{
			Name:      kcv.CopyBytes(e.Column),
			Value:     kcv.CopyBytes(e.Value),
			Timestamp: ts,
		}
		if err := c.Insert(ctx, s.cf, kcv.CopyBytes(key), col, Consistency); err != nil {
			return mapRemote("insert", err)
		}
	}
	return nil
}

func (s *Store) removeAll(ctx context.Context, c backend.Conn, key []byte, columns [][]byte, ts int64) error {
	for _, col := range columns {
		removeCalls.Inc()
		if err := c.Remove(ctx, s.cf, kcv.CopyBytes(key), kcv.CopyBytes(col), ts, Consistency); err != nil {
			return mapRemote("remove", err)
		}
	}
	return nil
}

// MutateMany folds the per-key mutation map into at most two batched
// remote calls on one borrowed connection: first every deletion under one
// oracle timestamp, then every insertion under a later one. Each batch is
// all-or-nothing at the RPC level; the two halves of one call may still
// interleave with another call's halves.
func (s *Store) MutateMany(ctx context.Context, mutations map[string]*kcv.Mutation, txh kcv.Transaction) error {
	if len(mutations) == 0 {
		return nil
	}

	deletions := make(map[string][][]byte)
	additions := make(map[string][]kcv.Entry)
	for key, m := range mutations {
		if len(key) == 0 {
			return kcv.ArgumentErrorf("mutate_many", "empty key")
		}
		if m == nil {
			continue
		}
		if len(m.Deletions) > 0 {
			deletions[key] = m.Deletions
		}
		if len(m.Additions) > 0 {
			additions[key] = m.Additions
		}
	}
	if len(deletions) == 0 && len(additions) == 0 {
		return nil
	}

	return s.withConn(ctx, func(c backend.Conn) error {
		if len(deletions) > 0 {
			ts, err := s.oracle.nextTimestamp(ctx)
			if err != nil {
				return err
			}
			batch := make(map[string]map[string][]backend.Mutation, len(deletions))
			for key, columns := range deletions {
				names := make([][]byte, 0, len(columns))
				for _, col := range columns {
					names = append(names, kcv.CopyBytes(col))
				}
				batch[key] = map[string][]backend.Mutation{
					s.cf: {{Deletion: &backend.Deletion{
						Timestamp: ts,
						Predicate: backend.SlicePredicate{ColumnNames: names},
					}}},
				}
			}
			batchMutateCalls.Inc()
			if err := c.BatchMutate(ctx, batch, Consistency); err != nil {
				return mapRemote("batch_mutate", err)
			}
		}
		if len(additions) > 0 {
			ts, err := s.oracle.nextTimestamp(ctx)
			if err != nil {
				return err
			}
			batch := make(map[string]map[string][]backend.Mutation, len(additions))
			for key, entries := range additions {
				muts := make([]backend.Mutation, 0, len(entries))
				for _, e := range entries {
					muts = append(muts, backend.Mutation{Insert: &backend.Column{
						Name:      kcv.CopyBytes(e.Column),
						Value:     kcv.CopyBytes(e.Value),
						Timestamp: ts,
					}})
				}
				batch[key] = map[string][]backend.Mutation{s.cf: muts}
			}
			batchMutateCalls.Inc()
			if err := c.BatchMutate(ctx, batch, Consistency); err != nil {
				return mapRemote("batch_mutate", err)
			}
		}
		return nil
	})
}

// AcquireLock is a contractual no-op: the adapter implements no optimistic
// locking and returns without contacting the backend. Callers that
// speculatively request locks must still proceed, so the method stays.
func (s *Store) AcquireLock(ctx context.Context, key, column, expectedValue []byte, txh kcv.Transaction) error {
	return nil
}

// IsLocalKey reports every key as local: the adapter cannot inspect the
// backend's partitioning. Flagged for reviewers - callers making routing
// decisions on this get no signal.
func (s *Store) IsLocalKey(key []byte) bool { return true }

// Close is a no-op; the pool, not the store, owns the connections.
func (s *Store) Close() error { return nil }
