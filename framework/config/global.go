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

package config

import (
	"sync/atomic"
)

// current is the only process-global of the configuration system. Sessions
// grab a snapshot once at accept time so a mid-session reload does not
// change limits under them.
var current atomic.Pointer[Config]

func init() {
	def := Default()
	current.Store(&def)
}

// Current returns the active configuration snapshot. The returned object
// must not be mutated.
func Current() *Config {
	return current.Load()
}

// Set atomically replaces the active configuration.
func Set(cfg *Config) {
	current.Store(cfg)
}
