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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ledgerwatch/log/v3"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxPerKeyspace = 8
	defaultDialAttempts   = 3
	defaultDialBackoff    = 100 * time.Millisecond
)

// PoolConfig bounds a FixedPool. Zero fields take defaults.
type PoolConfig struct {
	// MaxPerKeyspace caps connections handed out per keyspace; Borrow
	// blocks once the cap is reached until a connection is returned.
	MaxPerKeyspace int64
	// DialAttempts is how many times a failed dial is retried before
	// Borrow gives up.
	DialAttempts uint64
	// DialBackoff is the initial retry interval; it grows exponentially.
	DialBackoff time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxPerKeyspace <= 0 {
		c.MaxPerKeyspace = defaultMaxPerKeyspace
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = defaultDialAttempts
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = defaultDialBackoff
	}
	return c
}

// FixedPool is a capacity-bounded Pool: per keyspace at most
// MaxPerKeyspace connections exist at once, idle ones are reused, and new
// ones are dialed with exponential-backoff retry.
type FixedPool struct {
	dial   DialFunc
	cfg    PoolConfig
	logger log.Logger

	mu        sync.Mutex
	keyspaces map[string]*keyspacePool
	closed    bool
}

type keyspacePool struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	idle []Conn
}

var _ Pool = (*FixedPool)(nil)

// NewFixedPool builds a pool that opens connections through dial.
func NewFixedPool(dial DialFunc, cfg PoolConfig, logger log.Logger) *FixedPool {
	return &FixedPool{
		dial:      dial,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		keyspaces: make(map[string]*keyspacePool),
	}
}

func (p *FixedPool) keyspace(ks string) *keyspacePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.keyspaces[ks]
	if !ok {
		kp = &keyspacePool{sem: semaphore.NewWeighted(p.cfg.MaxPerKeyspace)}
		p.keyspaces[ks] = kp
	}
	return kp
}

// Borrow hands out an idle connection for ks, dialing a new one when none
// is idle. It blocks while the keyspace is at capacity.
func (p *FixedPool) Borrow(ctx context.Context, ks string) (Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.New("pool: closed")
	}

	kp := p.keyspace(ks)
	if err := kp.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrapf(err, "pool: waiting for connection to %q", ks)
	}
	if c := kp.takeIdle(); c != nil {
		return c, nil
	}
	c, err := p.dialWithRetry(ctx, ks)
	if err != nil {
		kp.sem.Release(1)
		return nil, errors.Wrapf(err, "pool: dial %q", ks)
	}
	return c, nil
}

func (p *FixedPool) dialWithRetry(ctx context.Context, ks string) (Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.DialBackoff

	var c Conn
	op := func() error {
		var err error
		c, err = p.dial(ctx, ks)
		return err
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn("[pool] dial failed, retrying", "keyspace", ks, "in", next, "err", err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, p.cfg.DialAttempts), ctx), notify)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Return puts c back into the keyspace's idle list. It never fails; a nil
// c is ignored. Connections returned after Close are closed instead of
// pooled.
func (p *FixedPool) Return(ks string, c Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	kp := p.keyspace(ks)
	if closed {
		if err := c.Close(); err != nil {
			p.logger.Warn("[pool] close returned connection", "keyspace", ks, "err", err)
		}
	} else {
		kp.putIdle(c)
	}
	kp.sem.Release(1)
}

// Close closes every idle connection. Borrowed connections are closed as
// they come back.
func (p *FixedPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	keyspaces := make([]*keyspacePool, 0, len(p.keyspaces))
	for _, kp := range p.keyspaces {
		keyspaces = append(keyspaces, kp)
	}
	p.mu.Unlock()

	for _, kp := range keyspaces {
		for _, c := range kp.drainIdle() {
			if err := c.Close(); err != nil {
				p.logger.Warn("[pool] close idle connection", "err", err)
			}
		}
	}
}

func (kp *keyspacePool) takeIdle() Conn {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	if n := len(kp.idle); n > 0 {
		c := kp.idle[n-1]
		kp.idle = kp.idle[:n-1]
		return c
	}
	return nil
}

func (kp *keyspacePool) putIdle(c Conn) {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	kp.idle = append(kp.idle, c)
}

func (kp *keyspacePool) drainIdle() []Conn {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	idle := kp.idle
	kp.idle = nil
	return idle
}
