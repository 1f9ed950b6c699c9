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

// Transaction is one logged protocol exchange: the command as it went
// over the wire, the peer's reply and whether it counts as a failure.
// Rcpt tags entries belonging to a single recipient (RCPT, per-recipient
// LMTP data replies).
type Transaction struct {
	Command string `json:"command"`
	Reply   string `json:"reply"`
	Err     bool   `json:"err"`
	Rcpt    string `json:"rcpt,omitempty"`
}

// TransactionList is the append-only exchange log for one envelope
// attempt. RCPT entries appear in the order the commands were sent.
type TransactionList struct {
	entries []Transaction
}

// Add appends an untagged exchange.
func (tl *TransactionList) Add(command, reply string, failed bool) {
	tl.entries = append(tl.entries, Transaction{Command: command, Reply: reply, Err: failed})
}

// AddRcpt appends an exchange attributed to one recipient.
func (tl *TransactionList) AddRcpt(rcpt, command, reply string, failed bool) {
	tl.entries = append(tl.entries, Transaction{Command: command, Reply: reply, Err: failed, Rcpt: rcpt})
}

// Entries returns a copy of the log.
func (tl *TransactionList) Entries() []Transaction {
	out := make([]Transaction, len(tl.entries))
	copy(out, tl.entries)
	return out
}

// Clear drops all entries, keeping the list usable for the next attempt.
func (tl *TransactionList) Clear() {
	tl.entries = nil
}

// Failed reports whether any exchange failed.
func (tl *TransactionList) Failed() bool {
	for _, e := range tl.entries {
		if e.Err {
			return true
		}
	}
	return false
}

// RcptReply returns the last reply recorded for rcpt and whether one
// exists.
func (tl *TransactionList) RcptReply(rcpt string) (Transaction, bool) {
	for i := len(tl.entries) - 1; i >= 0; i-- {
		if strings.EqualFold(tl.entries[i].Rcpt, rcpt) {
			return tl.entries[i], true
		}
	}
	return Transaction{}, false
}

// FailedRecipients derives the failed subset of rcpts from the log:
// recipients with a failed tagged entry, plus every recipient when an
// untagged entry (MAIL, single-reply DATA) failed.
func (tl *TransactionList) FailedRecipients(rcpts []string) []string {
	allFailed := false
	tagged := make(map[string]bool)
	for _, e := range tl.entries {
		if !e.Err {
			continue
		}
		if e.Rcpt == "" {
			allFailed = true
			continue
		}
		tagged[strings.ToLower(e.Rcpt)] = true
	}

	if allFailed {
		out := make([]string, len(rcpts))
		copy(out, rcpts)
		return out
	}

	var out []string
	for _, r := range rcpts {
		if tagged[strings.ToLower(r)] {
			out = append(out, r)
		}
	}
	return out
}
