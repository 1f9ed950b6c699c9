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

package exterrors

import (
	"net"
)

func UnwrapDNSErr(err error) (reason string, misc map[string]any) {
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		// Return non-nil in case the user will try to 'extend' it with its own
		// values.
		return "", map[string]any{}
	}

	// Nor server name, nor DNS name are usually useful, so exclude them.
	return dnsErr.Err, map[string]any{}
}
