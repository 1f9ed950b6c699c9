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
	"fmt"
)

// EnhancedCode is a machine-readable status code as defined in RFC 3463.
//
// The zero value means "not set" and is replaced by a value derived from
// the basic code when the error is rendered on the wire.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error kind that is rendered to SMTP clients as-is.
//
// All rejects generated by the server itself use this type. Errors coming
// from remote servers during outbound delivery are converted into it too so
// the retry logic can treat both uniformly (see Temporary).
type SMTPError struct {
	// Basic SMTP status code.
	Code int

	// Enhanced SMTP status code.
	EnhancedCode EnhancedCode

	// Message returned to the client. Do not include the status codes or
	// the session UID, the endpoint appends these.
	Message string

	// The name of the component that generated this error, for logging.
	TargetName string

	// Underlying error that caused this one, if any. Not sent to clients.
	Err error

	// Short description of the actual failure for the log. Defaults to the
	// Err text or Message when empty.
	Reason string

	// Additional log fields, see Fields.
	Misc map[string]any
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

// Temporary reports whether the error is a 4xx reject.
func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Fields() map[string]any {
	ctx := make(map[string]any, len(err.Misc)+6)
	for k, v := range err.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = err.Code
	ctx["smtp_enchcode"] = err.EnhancedCode
	ctx["smtp_msg"] = err.Message
	if err.TargetName != "" {
		ctx["target"] = err.TargetName
	}
	switch {
	case err.Reason != "":
		ctx["reason"] = err.Reason
	case err.Err != nil:
		ctx["reason"] = err.Err.Error()
	}
	return ctx
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return err.Reason
	}
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

func (err *SMTPError) FormatLog() string {
	return fmt.Sprintf("%d %s: %s", err.Code, err.EnhancedCode, err.Error())
}

// SMTPCode returns the temporaryCode or the permanentCode depending on
// whether the passed error is temporary (see IsTemporaryOrUnspec).
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode replaces the first number of the enhanced status code
// depending on whether the passed error is temporary.
func SMTPEnchCode(err error, code EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
		return code
	}
	code[0] = 5
	return code
}
