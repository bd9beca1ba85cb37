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

package cassandra

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/amitabhakarmakar/titan/kcv"
)

// warnCounter counts Warn-level records emitted by an oracle under test.
func warnCounter() (log.Logger, *atomic.Int64) {
	var warns atomic.Int64
	logger := log.New()
	logger.SetHandler(log.FuncHandler(func(r *log.Record) error {
		if r.Lvl == log.LvlWarn {
			warns.Add(1)
		}
		return nil
	}))
	return logger, &warns
}

// tickingOracle advances one millisecond per clock read, so the clock is
// never behind the last issued value and the deficit sleep is never taken;
// only a lost compare-and-set still sleeps its random jitter.
func tickingOracle(start int64) *timestampOracle {
	var clock atomic.Int64
	clock.Store(start)
	logger, _ := warnCounter()
	o := &timestampOracle{now: func() int64 { return clock.Add(1) }, logger: logger}
	o.last.Store(start)
	return o
}

func TestNextTimestampStrictlyIncreasing(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	o := tickingOracle(1_000_000)

	prev, err := o.nextTimestamp(ctx)
	require.NoError(err)
	for i := 0; i < 1000; i++ {
		ts, err := o.nextTimestamp(ctx)
		require.NoError(err)
		require.Greater(ts, prev)
		prev = ts
	}
}

func TestNextTimestampConcurrent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	o := tickingOracle(1_000_000)

	const (
		goroutines = 2
		perWorker  = 10_000
	)
	results := make([][]int64, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			out := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ts, err := o.nextTimestamp(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				out = append(out, ts)
			}
			results[g] = out
		}(g)
	}
	wg.Wait()

	union := make(map[int64]struct{}, goroutines*perWorker)
	for g, out := range results {
		require.Len(out, perWorker)
		for i := 1; i < len(out); i++ {
			require.Greater(out[i], out[i-1], "worker %d must observe increasing values", g)
		}
		for _, ts := range out {
			union[ts] = struct{}{}
		}
	}
	require.Len(union, goroutines*perWorker, "no timestamp is ever issued twice")
}

func TestNextTimestampWaitsOutSmallRegression(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	logger, warns := warnCounter()
	o := &timestampOracle{now: wallClockMillis, logger: logger}
	last := wallClockMillis() + 15 // clock 15ms behind the last issued value
	o.last.Store(last)

	start := time.Now()
	ts, err := o.nextTimestamp(ctx)
	require.NoError(err)
	require.Greater(ts, last)
	require.GreaterOrEqual(time.Since(start), 14*time.Millisecond, "the full deficit is slept out")
	require.Zero(warns.Load(), "regressions at or under the threshold stay quiet")
}

func TestNextTimestampWarnsOnLargeRegression(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	logger, warns := warnCounter()
	o := &timestampOracle{now: wallClockMillis, logger: logger}
	last := wallClockMillis() + clockSkewWarnMillis + 30
	o.last.Store(last)

	ts, err := o.nextTimestamp(ctx)
	require.NoError(err)
	require.Greater(ts, last)
	require.Positive(warns.Load())
}

func TestNextTimestampInterrupt(t *testing.T) {
	require := require.New(t)

	logger, _ := warnCounter()
	o := &timestampOracle{now: wallClockMillis, logger: logger}
	o.last.Store(wallClockMillis() + 10_000) // force the sleep path

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.nextTimestamp(ctx)
	code, ok := kcv.CodeOf(err)
	require.True(ok)
	require.Equal(kcv.InternalInterrupt, code)
}

func TestNextTimestampTracksAdvancingClock(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	logger, _ := warnCounter()
	var clock atomic.Int64
	clock.Store(5_000)
	o := &timestampOracle{now: func() int64 { return clock.Load() }, logger: logger}
	o.last.Store(4_000)

	ts, err := o.nextTimestamp(ctx)
	require.NoError(err)
	require.Equal(int64(5_000), ts, "an advancing wall clock is returned as-is")
}
