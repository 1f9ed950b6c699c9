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

import "context"

// MultiLimit wraps multiple L implementations into a single one, acquiring
// them in the specified order. No deadlock detection is attempted; keep
// the order consistent across users.
type MultiLimit struct {
	Wrapped []L
}

func (ml *MultiLimit) Take() bool {
	for i := 0; i < len(ml.Wrapped); i++ {
		if !ml.Wrapped[i].Take() {
			// Undo the acquires we already made.
			for _, l := range ml.Wrapped[:i] {
				l.Release()
			}
			return false
		}
	}
	return true
}

func (ml *MultiLimit) TryTake() bool {
	for i := 0; i < len(ml.Wrapped); i++ {
		if !ml.Wrapped[i].TryTake() {
			for _, l := range ml.Wrapped[:i] {
				l.Release()
			}
			return false
		}
	}
	return true
}

func (ml *MultiLimit) TakeContext(ctx context.Context) error {
	for i := 0; i < len(ml.Wrapped); i++ {
		if err := ml.Wrapped[i].TakeContext(ctx); err != nil {
			for _, l := range ml.Wrapped[:i] {
				l.Release()
			}
			return err
		}
	}
	return nil
}

func (ml *MultiLimit) Release() {
	for _, l := range ml.Wrapped {
		l.Release()
	}
}

func (ml *MultiLimit) Close() {
	for _, l := range ml.Wrapped {
		l.Close()
	}
}
