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
	"errors"
	"time"
)

var ErrClosed = errors.New("limits: Rate bucket is closed")

// Rate is a token-bucket rate limiter. Take is expected to be called
// before each operation; excessive calls block until the next refill.
// Close causes all waiting Take calls to return false (TakeContext returns
// ErrClosed).
//
// A Rate with burstSize = 0 is a no-op that always succeeds.
type Rate struct {
	bucket chan struct{}
	stop   chan struct{}
}

func NewRate(burstSize int, interval time.Duration) Rate {
	r := Rate{
		bucket: make(chan struct{}, burstSize),
		stop:   make(chan struct{}),
	}

	if burstSize == 0 {
		return r
	}

	for i := 0; i < burstSize; i++ {
		r.bucket <- struct{}{}
	}

	go r.fill(burstSize, interval)
	return r
}

func (r Rate) fill(burstSize int, interval time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		t.Reset(interval)
		select {
		case <-t.C:
		case <-r.stop:
			close(r.bucket)
			return
		}

	fill:
		for i := 0; i < burstSize; i++ {
			select {
			case r.bucket <- struct{}{}:
			default:
				// No Take pending and the bucket is full already.
				break fill
			}
		}
	}
}

func (r Rate) Take() bool {
	if cap(r.bucket) == 0 {
		return true
	}

	_, ok := <-r.bucket
	return ok
}

// TryTake consumes a token if one is available right now.
func (r Rate) TryTake() bool {
	if cap(r.bucket) == 0 {
		return true
	}

	select {
	case _, ok := <-r.bucket:
		return ok
	default:
		return false
	}
}

func (r Rate) TakeContext(ctx context.Context) error {
	if cap(r.bucket) == 0 {
		return nil
	}

	select {
	case _, ok := <-r.bucket:
		if !ok {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r Rate) Release() {
}

func (r Rate) Close() {
	close(r.stop)
}
