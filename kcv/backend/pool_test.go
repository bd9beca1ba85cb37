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

package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Get(context.Context, string, []byte, []byte, ConsistencyLevel) (*Column, error) {
	return nil, ErrNotFound
}
func (c *fakeConn) GetSlice(context.Context, string, []byte, SlicePredicate, ConsistencyLevel) ([]Column, error) {
	return nil, nil
}
func (c *fakeConn) Insert(context.Context, string, []byte, Column, ConsistencyLevel) error {
	return nil
}
func (c *fakeConn) Remove(context.Context, string, []byte, []byte, int64, ConsistencyLevel) error {
	return nil
}
func (c *fakeConn) BatchMutate(context.Context, map[string]map[string][]Mutation, ConsistencyLevel) error {
	return nil
}
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  bool
	conns []*fakeConn
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("dial refused")
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func newTestPool(d *fakeDialer, max int64) *FixedPool {
	return NewFixedPool(d.dial, PoolConfig{
		MaxPerKeyspace: max,
		DialAttempts:   1,
		DialBackoff:    time.Millisecond,
	}, log.New())
}

func TestPoolReusesIdleConnections(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	d := &fakeDialer{}
	p := newTestPool(d, 4)

	c1, err := p.Borrow(ctx, "titan")
	require.NoError(err)
	p.Return("titan", c1)

	c2, err := p.Borrow(ctx, "titan")
	require.NoError(err)
	require.Same(c1, c2)
	require.Equal(1, d.dialCount())
	p.Return("titan", c2)
}

func TestPoolKeyspacesAreIndependent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	d := &fakeDialer{}
	p := newTestPool(d, 1)

	c1, err := p.Borrow(ctx, "a")
	require.NoError(err)
	c2, err := p.Borrow(ctx, "b")
	require.NoError(err)
	require.Equal(2, d.dialCount())
	p.Return("a", c1)
	p.Return("b", c2)
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	require := require.New(t)
	d := &fakeDialer{}
	p := newTestPool(d, 1)

	c1, err := p.Borrow(context.Background(), "titan")
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Borrow(ctx, "titan")
	require.Error(err)
	require.ErrorIs(err, context.DeadlineExceeded)

	p.Return("titan", c1)
	c2, err := p.Borrow(context.Background(), "titan")
	require.NoError(err)
	p.Return("titan", c2)
}

func TestPoolDialFailureReleasesCapacity(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	d := &fakeDialer{fail: true}
	p := newTestPool(d, 1)

	_, err := p.Borrow(ctx, "titan")
	require.Error(err)

	// The failed borrow must not eat the capacity slot.
	d.setFail(false)
	c, err := p.Borrow(ctx, "titan")
	require.NoError(err)
	p.Return("titan", c)
}

func TestPoolClose(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	d := &fakeDialer{}
	p := newTestPool(d, 2)

	c1, err := p.Borrow(ctx, "titan")
	require.NoError(err)
	c2, err := p.Borrow(ctx, "titan")
	require.NoError(err)
	p.Return("titan", c1)

	p.Close()
	require.True(d.conns[0].isClosed(), "idle connection closed on pool close")

	// A connection still out when the pool closes is closed as it comes back.
	p.Return("titan", c2)
	require.True(d.conns[1].isClosed())

	_, err = p.Borrow(ctx, "titan")
	require.Error(err)
}
