/*
Robin Mail Server - Configurable SMTP/LMTP mail transfer agent.
Copyright © 2021-2024 Robin Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package limits

import (
	"context"
	"sync"
	"time"
)

// BucketSet gives each unique key its own limiter, the main use being
// per-host or per-IP limits.
//
// The set size is bounded: when the map grows past MaxBuckets, the next
// acquire sweeps buckets idle for longer than ReapInterval. If nothing can
// be swept (every bucket is in active use) the acquire fails, which under
// that kind of load is an acceptable way to shed requests.
//
// A BucketSet without a New function is a no-op: acquires always succeed
// and Release does nothing.
type BucketSet struct {
	// New constructs the per-key limiter. Safe to change only while the
	// set is not in use.
	New func() L

	// ReapInterval is the idle age after which a bucket may be dropped.
	// For use with Rate it should be at least twice the refill interval.
	ReapInterval time.Duration

	MaxBuckets int

	mLck sync.Mutex
	m    map[string]*bucket
}

type bucket struct {
	l       L
	lastUse time.Time
}

func NewBucketSet(ctor func() L, reapInterval time.Duration, maxBuckets int) *BucketSet {
	return &BucketSet{
		New:          ctor,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		m:            map[string]*bucket{},
	}
}

func (r *BucketSet) Close() {
	r.mLck.Lock()
	defer r.mLck.Unlock()
	for _, v := range r.m {
		v.l.Close()
	}
}

// take returns the limiter for key, creating it if needed. Returns nil
// when the set is full and nothing is stale enough to sweep.
func (r *BucketSet) take(key string) L {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	if len(r.m) > r.MaxBuckets {
		now := time.Now()
		for k, v := range r.m {
			if now.Sub(v.lastUse) > r.ReapInterval {
				// Dropping the bucket makes any Take waiting on it return
				// false. Happens only under sustained pressure, where
				// shedding a random request is tolerable.
				v.l.Close()
				delete(r.m, k)
			}
		}
		if len(r.m) > r.MaxBuckets {
			return nil
		}
	}

	b, ok := r.m[key]
	if !ok {
		b = &bucket{l: r.New(), lastUse: time.Now()}
		r.m[key] = b
	}
	b.lastUse = time.Now()

	return b.l
}

func (r *BucketSet) Take(key string) bool {
	if r.New == nil {
		return true
	}

	b := r.take(key)
	if b == nil {
		return false
	}
	return b.Take()
}

func (r *BucketSet) TryTake(key string) bool {
	if r.New == nil {
		return true
	}

	b := r.take(key)
	if b == nil {
		return false
	}
	return b.TryTake()
}

func (r *BucketSet) TakeContext(ctx context.Context, key string) error {
	if r.New == nil {
		return nil
	}

	b := r.take(key)
	if b == nil {
		return ErrClosed
	}
	return b.TakeContext(ctx)
}

func (r *BucketSet) Release(key string) {
	if r.New == nil {
		return
	}

	r.mLck.Lock()
	defer r.mLck.Unlock()

	b, ok := r.m[key]
	if !ok {
		return
	}
	b.l.Release()
}
