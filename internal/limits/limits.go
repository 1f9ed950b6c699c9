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

// Package limits provides blocking and non-blocking limiter primitives
// used for admission control and outbound politeness: token-bucket rate,
// semaphore concurrency, keyed limiter sets and composition of those.
//
// All inputs are assumed to be normalized already (IP strings, lower-case
// domains).
package limits

import "context"

// The L interface represents a limiter with some upper bound of resource
// use. Take blocks when the bound is exceeded until enough resources are
// freed; TryTake fails immediately instead.
type L interface {
	Take() bool
	TryTake() bool
	TakeContext(context.Context) error
	Release()

	// Close frees any resources used internally for book-keeping.
	Close()
}
