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

package smtp

import (
	"net/mail"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/transilvlad/robin-sub003/framework/exterrors"
)

// Test stubs.
var (
	msgIDSource = func() string { return uuid.New().String() }
	now         = time.Now
)

// submissionPrepare completes and sanity-checks the header of an
// authenticated submission. Messages leaving through us must carry a
// Message-ID, a Date and parsable originator fields; missing
// identifiers are added, a broken structure is rejected.
func (s *Session) submissionPrepare(header *textproto.Header) error {
	if header.Get("Message-ID") == "" {
		msgID := msgIDSource()
		s.log.DebugMsg("adding missing Message-ID", "uid", s.uid, "msg_id", msgID)
		header.Set("Message-ID", "<"+msgID+"@"+s.endp.hostname+">")
	}

	if header.Get("From") == "" {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
			Message:      "Message does not contain a From header field",
		}
	}
	fromAddrs, err := mail.ParseAddressList(header.Get("From"))
	if err != nil {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
			Message:      "Invalid address in From",
			Err:          err,
		}
	}
	if len(fromAddrs) > 1 && header.Get("Sender") == "" {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
			Message:      "Message with multiple From addresses lacks a Sender header field",
		}
	}
	if sender := header.Get("Sender"); sender != "" {
		if _, err := mail.ParseAddress(sender); err != nil {
			return &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
				Message:      "Invalid address in Sender",
				Err:          err,
			}
		}
	}

	for _, field := range [...]string{"To", "Cc", "Bcc", "Reply-To"} {
		if value := header.Get(field); value != "" {
			if _, err := mail.ParseAddressList(value); err != nil {
				return &exterrors.SMTPError{
					Code:         554,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
					Message:      "Invalid address in " + field,
					Err:          err,
				}
			}
		}
	}

	if date := header.Get("Date"); date != "" {
		if _, err := mail.ParseDate(date); err != nil {
			return &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
				Message:      "Malformed Date header",
				Err:          err,
			}
		}
	} else {
		s.log.DebugMsg("adding missing Date", "uid", s.uid)
		header.Set("Date", now().UTC().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}

	return nil
}
