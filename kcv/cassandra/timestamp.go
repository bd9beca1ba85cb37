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
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/amitabhakarmakar/titan/kcv"
)

const (
	// clockSkewWarnMillis is the wall-clock regression beyond which the
	// oracle logs while waiting it out.
	clockSkewWarnMillis = 50
	// casRetryJitterMillis bounds the random sleep after losing the
	// compare-and-set race.
	casRetryJitterMillis = 10
)

// timestampOracle issues wall-clock-millisecond timestamps that are
// strictly increasing per Store instance, surviving clock regressions and
// concurrent callers. The backend resolves equal-timestamp writes by
// lexical value comparison; the oracle exists precisely so writes from
// this instance never rely on that tiebreak.
//
// The oracle is deliberately per-store. Coordination with other instances
// or remote writers is out of scope.
type timestampOracle struct {
	last   atomic.Int64
	now    func() int64
	logger log.Logger
}

func newTimestampOracle(logger log.Logger) *timestampOracle {
	o := &timestampOracle{now: wallClockMillis, logger: logger}
	o.last.Store(o.now())
	return o
}

func wallClockMillis() int64 { return time.Now().UnixMilli() }

// nextTimestamp returns a value strictly greater than every value it has
// returned before. When the wall clock is not ahead of the last issued
// value it sleeps the deficit plus one millisecond and re-reads; losing
// the compare-and-set to a concurrent caller retries after a short random
// jitter. An interrupted sleep raises the uniform storage error.
func (o *timestampOracle) nextTimestamp(ctx context.Context) (int64, error) {
	for {
		last := o.last.Load()
		now := o.now()
		for now <= last {
			behind := last - now
			if behind > clockSkewWarnMillis {
				o.logger.Warn("[kcv] wall clock behind last issued timestamp", "behindMillis", behind)
			}
			if err := sleepMillis(ctx, behind+1); err != nil {
				return 0, err
			}
			now = o.now()
		}
		if o.last.CompareAndSwap(last, now) {
			return now, nil
		}
		if err := sleepMillis(ctx, rand.Int63n(casRetryJitterMillis)); err != nil {
			return 0, err
		}
	}
}

func sleepMillis(ctx context.Context, ms int64) error {
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return kcv.NewError(kcv.InternalInterrupt, "next_timestamp", ctx.Err())
	case <-t.C:
		return nil
	}
}
