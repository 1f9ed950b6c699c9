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

package envelope

import "strings"

// Protocol tags a relay session with the delivery mechanism to use when
// the queue picks it up.
type Protocol string

const (
	ProtocolESMTP Protocol = "ESMTP"
	ProtocolSMTP  Protocol = "SMTP"
	ProtocolLMTP  Protocol = "LMTP"
	ProtocolLDA   Protocol = "dovecot-lda"
)

// RelaySession is the durable queue entry: everything needed to retry
// delivery of its envelopes after a restart.
type RelaySession struct {
	ID       string   `json:"id"`
	Protocol Protocol `json:"protocol"`

	// Explicit next hop. An empty host means MX routing by recipient
	// domain.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// Folder hint passed to dovecot-lda as -m.
	Mailbox string `json:"mailbox,omitempty"`

	// RetryCount only ever grows; LastAttempt is epoch seconds.
	RetryCount  int   `json:"retryCount"`
	LastAttempt int64 `json:"lastAttempt,omitempty"`
	MaxRetries  int   `json:"maxRetries"`

	Envelopes []*Envelope `json:"envelopes"`
}

// Done reports whether no envelopes remain to deliver.
func (rs *RelaySession) Done() bool {
	return len(rs.Envelopes) == 0
}

// IsBounceSender reports whether addr must never receive a bounce: the
// null sender and mailer-daemon addresses terminate the bounce chain.
func IsBounceSender(addr string) bool {
	if addr == "" || addr == "<>" {
		return true
	}
	local, _, ok := strings.Cut(addr, "@")
	if !ok {
		return false
	}
	return strings.EqualFold(local, "mailer-daemon")
}
