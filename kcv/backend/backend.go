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

// Package backend declares the row-oriented RPC contract the store adapter
// consumes: a Cassandra-like wide-column backend reached through pooled,
// keyspace-bound connections. Implementations live in the cql and memdb
// subpackages.
package backend

import "context"

// ConsistencyLevel is the backend's replica-agreement parameter, attached
// to every remote call.
type ConsistencyLevel uint8

const (
	ConsistencyOne ConsistencyLevel = iota + 1
	ConsistencyQuorum
	ConsistencyAll
)

func (cl ConsistencyLevel) String() string {
	switch cl {
	case ConsistencyOne:
		return "ONE"
	case ConsistencyQuorum:
		return "QUORUM"
	case ConsistencyAll:
		return "ALL"
	default:
		return "UNKNOWN"
	}
}

// Column is one named cell of a row. Timestamp is the writer-assigned
// wall-clock-millisecond value the backend resolves conflicting writes by.
type Column struct {
	Name      []byte
	Value     []byte
	Timestamp int64
}

// SliceRange selects a contiguous column interval. Both endpoints are
// inclusive; the primitive has no exclusivity flags, callers filter
// boundary columns themselves. An empty (nil or zero-length) Start or
// Finish leaves that side unbounded. Count caps the number of columns
// returned, smallest first.
type SliceRange struct {
	Start  []byte
	Finish []byte
	Count  int
}

// SlicePredicate names the columns of interest: either an explicit
// column-name list or a range, never both.
type SlicePredicate struct {
	ColumnNames [][]byte
	Range       *SliceRange
}

// Deletion removes the named columns at Timestamp.
type Deletion struct {
	Timestamp int64
	Predicate SlicePredicate
}

// Mutation is either a column insertion or a column-set deletion; exactly
// one field is set.
type Mutation struct {
	Insert   *Column
	Deletion *Deletion
}

// Conn is one pooled connection, bound to a keyspace for its lifetime.
// A Conn may only be used by one operation at a time; after it is returned
// to its pool the borrower must not touch it again.
//
// Every method may fail with a *RemoteError; Get additionally reports a
// missing column as ErrNotFound.
type Conn interface {
	// Get reads the single column under (key, column).
	Get(ctx context.Context, cf string, key, column []byte, cl ConsistencyLevel) (*Column, error)

	// GetSlice reads the columns of key selected by pred, in ascending
	// column order.
	GetSlice(ctx context.Context, cf string, key []byte, pred SlicePredicate, cl ConsistencyLevel) ([]Column, error)

	// Insert writes one column under key.
	Insert(ctx context.Context, cf string, key []byte, col Column, cl ConsistencyLevel) error

	// Remove deletes one column under key at ts.
	Remove(ctx context.Context, cf string, key, column []byte, ts int64, cl ConsistencyLevel) error

	// BatchMutate applies mutations for many rows in one remote call.
	// The outer map is keyed by raw row-key bytes, the inner by column
	// family.
	BatchMutate(ctx context.Context, mutations map[string]map[string][]Mutation, cl ConsistencyLevel) error

	Close() error
}

// Pool hands out keyspace-bound connections. Borrow may fail; Return never
// does. Callers must return every borrowed connection exactly once.
type Pool interface {
	Borrow(ctx context.Context, keyspace string) (Conn, error)
	Return(keyspace string, c Conn)
	Close()
}

// DialFunc opens a new connection bound to keyspace.
type DialFunc func(ctx context.Context, keyspace string) (Conn, error)
