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

// Package envelope holds the data model shared by the inbound session,
// the storage pipeline and the delivery queue.
package envelope

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Envelope is one mail transaction: the MAIL FROM address, the accepted
// recipients and the message content.
//
// Exactly one of FilePath, Data or the Subject/Body pair is the source
// of the message data. FilePath is used once the disk writer has
// persisted the message, Data for messages held in memory (bounces,
// tests), Subject/Body as the synthesized fallback.
type Envelope struct {
	MailFrom   string   `json:"mailFrom"`
	Recipients []string `json:"recipients"`

	FilePath string `json:"filePath,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body,omitempty"`

	// Parsed and control headers (X-Parsed-From, X-Parsed-Reply-To,
	// X-Robin-Relay, X-Robin-Filename). Keys are canonical MIME form.
	Headers map[string]string `json:"headers,omitempty"`

	ScanResults []ScanResult `json:"scanResults,omitempty"`

	MessageID string    `json:"messageId,omitempty"`
	Date      time.Time `json:"date,omitempty"`
	UTF8      bool      `json:"utf8,omitempty"`
	Size      int64     `json:"size,omitempty"`

	// Exchange log for the current delivery attempt. Rebuilt on every
	// attempt, so it is not persisted with the envelope.
	Transactions TransactionList `json:"-"`
}

// ScanResult records one scanner verdict on the envelope.
type ScanResult struct {
	Scanner string  `json:"scanner"`
	Verdict string  `json:"verdict"`
	Score   float64 `json:"score,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

// Clone returns a deep copy of the envelope. The transaction log of the
// copy starts empty.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Recipients = append([]string(nil), e.Recipients...)
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	c.ScanResults = append([]ScanResult(nil), e.ScanResults...)
	c.Transactions = TransactionList{}
	return &c
}

// AddRecipient appends addr unless it is already present. Order of first
// insertion is preserved.
func (e *Envelope) AddRecipient(addr string) bool {
	for _, r := range e.Recipients {
		if strings.EqualFold(r, addr) {
			return false
		}
	}
	e.Recipients = append(e.Recipients, addr)
	return true
}

// SetHeader records a control header value, allocating the map lazily.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string, 4)
	}
	e.Headers[key] = value
}

// Header returns the recorded value for key, or "".
func (e *Envelope) Header(key string) string {
	return e.Headers[key]
}

// Open returns the message data stream, choosing the source per the
// Envelope invariant.
func (e *Envelope) Open() (io.ReadCloser, error) {
	switch {
	case e.FilePath != "":
		return os.Open(e.FilePath)
	case e.Data != nil:
		return io.NopCloser(bytes.NewReader(e.Data)), nil
	default:
		return io.NopCloser(strings.NewReader(e.Render())), nil
	}
}

// Render synthesizes an RFC 5322 message from the Subject/Body fallback
// fields.
func (e *Envelope) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: <%s>\r\n", e.MailFrom)
	if len(e.Recipients) > 0 {
		fmt.Fprintf(&b, "To: <%s>\r\n", strings.Join(e.Recipients, ">, <"))
	}
	date := e.Date
	if date.IsZero() {
		date = time.Now()
	}
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	if e.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\r\n", e.MessageID)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", e.Subject)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(e.Body, "\r\n", "\n"), "\n", "\r\n"))
	if !strings.HasSuffix(e.Body, "\n") {
		b.WriteString("\r\n")
	}
	return b.String()
}
