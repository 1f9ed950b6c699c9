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

package tracker

import (
	"io"
	"time"
)

// Transfer-rate checks start after a grace period and then run at a fixed
// cadence, so short messages never trip the guard.
const (
	dataRateGrace    = 5 * time.Second
	dataRateInterval = 5 * time.Second
)

// DataGuard watches one DATA/BDAT transfer. The zero value is a disabled
// guard.
type DataGuard struct {
	minRate int
	start   time.Time

	deadline  time.Time
	lastCheck time.Time
	bytes     int64
}

// Deadline is the absolute wall-clock bound for the whole transfer, zero
// when unbounded. The session applies it to the socket.
func (g *DataGuard) Deadline() time.Time {
	return g.deadline
}

// Observe accounts n transferred bytes and, at the check cadence, compares
// the average rate against the floor.
func (g *DataGuard) Observe(n int) error {
	g.bytes += int64(n)
	if g.minRate == 0 {
		return nil
	}

	now := time.Now()
	elapsed := now.Sub(g.start)
	if elapsed < dataRateGrace {
		return nil
	}
	if now.Sub(g.lastCheck) < dataRateInterval {
		return nil
	}
	g.lastCheck = now

	rate := float64(g.bytes) / elapsed.Seconds()
	if rate < float64(g.minRate) {
		dataRateAborts.Inc()
		return &DataRateError{Rate: rate, Min: g.minRate}
	}
	return nil
}

// Reader wraps r so that every read feeds Observe.
func (g *DataGuard) Reader(r io.Reader) io.Reader {
	return &guardReader{g: g, r: r}
}

type guardReader struct {
	g *DataGuard
	r io.Reader
}

func (r *guardReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if gerr := r.g.Observe(n); gerr != nil && err == nil {
		err = gerr
	}
	return n, err
}
