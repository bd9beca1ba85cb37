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

// Package kcv defines the ordered key-column-value abstraction the graph
// layer persists through: every row key maps to an ordered set of
// (column, value) pairs, and column intervals of one key can be read back
// as slices.
package kcv

import (
	"context"
	"math"
)

//Variables Naming:
//  ks  - keyspace
//  cf  - column family
//  k   - row key
//  c   - column name
//  v   - column value
//  ts  - timestamp, wall-clock milliseconds
//  txh - transaction handle, opaque to this layer

//Methods Naming:
//  Get: exact match of (key, column)
//  GetSlice: column interval of one key, ascending column order, bounded cardinality
//  Mutate: per-key additions and deletions, deletions applied first
//  MutateMany: Mutate folded over many keys into batched remote calls

// UnlimitedColumns is the slice limit used by callers that want every column
// of the interval.
const UnlimitedColumns = math.MaxInt32

// Transaction is an opaque handle threaded through every Store operation.
// The adapter never interprets it; it exists so callers can carry
// transactional context into a future implementation.
type Transaction any

// Entry is a (column, value) pair, the unit of read and write within a key.
// Within a key column names are unique; inserting an existing (key, column)
// overwrites by timestamp resolution.
type Entry struct {
	Column []byte
	Value  []byte
}

// Mutation is the per-key additions/deletions pair consumed by
// Store.MutateMany. A nil or empty half is a no-op for that half.
type Mutation struct {
	Additions []Entry
	Deletions [][]byte
}

// SliceQuery selects an interval of columns within one key. Start and End
// are compared lexicographically: unsigned, byte-by-byte, the shorter
// sequence smaller on a common prefix. That ordering is the only ordering
// the Store relies on.
type SliceQuery struct {
	Start          []byte
	End            []byte
	StartInclusive bool
	EndInclusive   bool
	Limit          int
}

// Unlimited returns the query with the limit lifted to UnlimitedColumns,
// the no-limit read variant.
func (q SliceQuery) Unlimited() SliceQuery {
	q.Limit = UnlimitedColumns
	return q
}

// Store is an ordered key-column-value store bound to one
// (keyspace, column family) pair. Implementations are free-threaded: all
// methods may be called concurrently.
type Store interface {
	// GetSlice returns the entries whose column names lie in the interval
	// described by q, at most q.Limit of them, in ascending column order.
	GetSlice(ctx context.Context, key []byte, q SliceQuery, txh Transaction) ([]Entry, error)

	// Get returns the value stored under (key, column). A missing column is
	// not an error: ok is false and err is nil.
	Get(ctx context.Context, key, column []byte, txh Transaction) (value []byte, ok bool, err error)

	// ContainsKey reports whether at least one column exists under key.
	ContainsKey(ctx context.Context, key []byte, txh Transaction) (bool, error)

	// ContainsKeyColumn reports whether (key, column) exists. Absence is
	// never an error.
	ContainsKeyColumn(ctx context.Context, key, column []byte, txh Transaction) (bool, error)

	// Mutate applies deletions first, then additions, under key. Either
	// half may be nil or empty.
	Mutate(ctx context.Context, key []byte, additions []Entry, deletions [][]byte, txh Transaction) error

	// MutateMany folds a per-key mutation map into batched remote calls.
	// Map keys are raw row-key bytes stored as strings.
	MutateMany(ctx context.Context, mutations map[string]*Mutation, txh Transaction) error

	// AcquireLock is a contractual no-op: the adapter implements no
	// optimistic locking, but callers that speculatively request locks must
	// still proceed.
	AcquireLock(ctx context.Context, key, column, expectedValue []byte, txh Transaction) error

	// IsLocalKey reports whether key is served locally. The adapter cannot
	// inspect the backend's partitioning and conservatively reports every
	// key as local.
	IsLocalKey(key []byte) bool

	// Name returns the column-family name the store is bound to.
	Name() string

	// Close releases nothing: connections belong to the pool, not the
	// store. Kept so callers can treat stores uniformly.
	Close() error
}

// CopyBytes returns a fresh copy of b, or nil when b is nil. Byte sequences
// handed to the backend must not be aliased or mutated afterwards; copying
// at the boundary is part of the contract.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
