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

package memdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amitabhakarmakar/titan/kcv/backend"
)

const cf = "edgestore"

var key = []byte("row-1")

func put(t *testing.T, c backend.Conn, name, value string, ts int64) {
	t.Helper()
	err := c.Insert(context.Background(), cf, key, backend.Column{
		Name:      []byte(name),
		Value:     []byte(value),
		Timestamp: ts,
	}, backend.ConsistencyAll)
	require.NoError(t, err)
}

func TestGetRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c := New().Conn("titan")

	_, err := c.Get(ctx, cf, key, []byte("a"), backend.ConsistencyAll)
	require.ErrorIs(err, backend.ErrNotFound)

	put(t, c, "a", "v1", 10)
	col, err := c.Get(ctx, cf, key, []byte("a"), backend.ConsistencyAll)
	require.NoError(err)
	require.Equal([]byte("v1"), col.Value)
	require.Equal(int64(10), col.Timestamp)
}

func TestInsertCopiesInputs(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c := New().Conn("titan")

	name := []byte("a")
	value := []byte("v1")
	err := c.Insert(ctx, cf, key, backend.Column{Name: name, Value: value, Timestamp: 1}, backend.ConsistencyAll)
	require.NoError(err)

	name[0], value[0] = 'z', 'z'
	col, err := c.Get(ctx, cf, key, []byte("a"), backend.ConsistencyAll)
	require.NoError(err)
	require.Equal([]byte("v1"), col.Value)
}

func TestTimestampResolution(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c := New().Conn("titan")

	put(t, c, "a", "v1", 10)
	put(t, c, "a", "older", 5)
	col, err := c.Get(ctx, cf, key, []byte("a"), backend.ConsistencyAll)
	require.NoError(err)
	require.Equal([]byte("v1"), col.Value, "older write must lose")

	put(t, c, "a", "tie", 10)
	col, err = c.Get(ctx, cf, key, []byte("a"), backend.ConsistencyAll)
	require.NoError(err)
	require.Equal([]byte("tie"), col.Value, "equal timestamps resolve by arrival order")

	require.NoError(c.Remove(ctx, cf, key, []byte("a"), 9, backend.ConsistencyAll))
	_, err = c.Get(ctx, cf, key, []byte("a"), backend.ConsistencyAll)
	require.NoError(err, "remove with an older timestamp is a no-op")

	require.NoError(c.Remove(ctx, cf, key, []byte("a"), 10, backend.ConsistencyAll))
	_, err = c.Get(ctx, cf, key, []byte("a"), backend.ConsistencyAll)
	require.ErrorIs(err, backend.ErrNotFound)
}

func TestSliceRange(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c := New().Conn("titan")
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		put(t, c, name, name, int64(i+1))
	}

	slice := func(start, finish string, count int) []string {
		rng := &backend.SliceRange{Count: count}
		if start != "" {
			rng.Start = []byte(start)
		}
		if finish != "" {
			rng.Finish = []byte(finish)
		}
		cols, err := c.GetSlice(ctx, cf, key, backend.SlicePredicate{Range: rng}, backend.ConsistencyAll)
		require.NoError(err)
		names := make([]string, 0, len(cols))
		for _, col := range cols {
			names = append(names, string(col.Name))
		}
		return names
	}

	require.Equal([]string{"b", "c", "d"}, slice("b", "d", 10), "both endpoints inclusive")
	require.Equal([]string{"b", "c"}, slice("b", "d", 2), "count caps from the front")
	require.Equal([]string{"a", "b", "c", "d", "e"}, slice("", "", 10), "empty endpoints are unbounded")
	require.Equal([]string{"d", "e"}, slice("d", "", 10))
	require.Equal([]string{"a", "b"}, slice("", "b", 10))
	require.Empty(slice("b", "d", 0))

	t.Run("negative count is an invalid request", func(t *testing.T) {
		_, err := c.GetSlice(ctx, cf, key, backend.SlicePredicate{Range: &backend.SliceRange{Count: -1}}, backend.ConsistencyAll)
		kind, ok := backend.KindOf(err)
		require.True(ok)
		require.Equal(backend.KindInvalidRequest, kind)
	})

	t.Run("missing row yields an empty slice", func(t *testing.T) {
		cols, err := c.GetSlice(ctx, cf, []byte("absent"), backend.SlicePredicate{Range: &backend.SliceRange{Count: 1}}, backend.ConsistencyAll)
		require.NoError(err)
		require.Empty(cols)
	})
}

func TestSliceByNames(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c := New().Conn("titan")
	put(t, c, "a", "1", 1)
	put(t, c, "c", "3", 1)

	pred := backend.SlicePredicate{ColumnNames: [][]byte{[]byte("c"), []byte("b"), []byte("a")}}
	cols, err := c.GetSlice(ctx, cf, key, pred, backend.ConsistencyAll)
	require.NoError(err)
	require.Len(cols, 2)
	require.Equal([]byte("a"), cols[0].Name, "results come back in ascending column order")
	require.Equal([]byte("c"), cols[1].Name)
}

func TestBatchMutate(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	db := New()
	c := db.Conn("titan")
	put(t, c, "old", "x", 1)

	muts := map[string]map[string][]backend.Mutation{
		string(key): {cf: {
			{Insert: &backend.Column{Name: []byte("new"), Value: []byte("y"), Timestamp: 7}},
			{Deletion: &backend.Deletion{
				Timestamp: 7,
				Predicate: backend.SlicePredicate{ColumnNames: [][]byte{[]byte("old")}},
			}},
		}},
	}
	require.NoError(c.BatchMutate(ctx, muts, backend.ConsistencyAll))

	_, err := c.Get(ctx, cf, key, []byte("old"), backend.ConsistencyAll)
	require.ErrorIs(err, backend.ErrNotFound)
	col, err := c.Get(ctx, cf, key, []byte("new"), backend.ConsistencyAll)
	require.NoError(err)
	require.Equal([]byte("y"), col.Value)

	require.Equal(int64(1), db.Calls("batch_mutate"))
	require.Equal([]int64{7}, db.BatchTimestamps())

	t.Run("deletion must name columns", func(t *testing.T) {
		bad := map[string]map[string][]backend.Mutation{
			string(key): {cf: {{Deletion: &backend.Deletion{Timestamp: 8}}}},
		}
		err := c.BatchMutate(ctx, bad, backend.ConsistencyAll)
		kind, ok := backend.KindOf(err)
		require.True(ok)
		require.Equal(backend.KindInvalidRequest, kind)
	})
}

func TestCallCounters(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	db := New()
	c := db.Conn("titan")

	put(t, c, "a", "v", 1)
	_, _ = c.Get(ctx, cf, key, []byte("a"), backend.ConsistencyAll)
	_, _ = c.GetSlice(ctx, cf, key, backend.SlicePredicate{Range: &backend.SliceRange{Count: 1}}, backend.ConsistencyAll)

	require.Equal(int64(1), db.Calls("insert"))
	require.Equal(int64(1), db.Calls("get"))
	require.Equal(int64(1), db.Calls("get_slice"))
	require.Equal(int64(0), db.Calls("remove"))
}
