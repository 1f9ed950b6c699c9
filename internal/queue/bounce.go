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

package queue

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/internal/dsn"
	"github.com/transilvlad/robin-sub003/internal/envelope"
)

// Diagnostic lines relayed into the report are clipped so a hostile or
// chatty server cannot inflate the bounce.
const maxDiagnosticChars = 256

// emitBounce builds the non-delivery report for the envelope's remaining
// recipients and enqueues it as a regular session. One report covers the
// whole envelope; every recipient still on it gets a per-recipient block.
//
// Reports are never generated for messages that are themselves bounces:
// an empty return path or a mailer-daemon sender ends the chain here.
func (q *Queue) emitBounce(ctx context.Context, env *envelope.Envelope) {
	if env.MailFrom == "" || envelope.IsBounceSender(env.MailFrom) {
		q.Log.DebugMsg("bounce suppressed", "sender", env.MailFrom)
		return
	}

	failedHeader, err := q.failedHeader(env)
	if err != nil {
		// The report is still worth sending with whatever part of the
		// header block was readable.
		q.Log.Error("original header unavailable for DSN", err)
	}

	arrival := env.Date
	if arrival.IsZero() {
		arrival = time.Now()
	}

	rcptInfo := make([]dsn.RecipientInfo, 0, len(env.Recipients))
	for _, rcpt := range env.Recipients {
		rcptErr := failureFor(env, rcpt)
		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: rcpt,
			Action:         dsn.ActionFailed,
			Status:         rcptErr.EnhancedCode,
			DiagnosticCode: rcptErr,
		})
	}

	dsnID := uuid.New().String()
	dsnEnvelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + q.hostname + ">",
		From:  "mailer-daemon@" + q.hostname,
		To:    env.MailFrom,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    q.hostname,
		XSender:         env.MailFrom,
		XMessageID:      env.MessageID,
		ArrivalDate:     arrival,
		LastAttemptDate: time.Now(),
	}

	var body bytes.Buffer
	dsnHeader, err := dsn.GenerateDSN(env.UTF8, dsnEnvelope, mtaInfo, rcptInfo, failedHeader, &body)
	if err != nil {
		q.Log.Error("failed to generate fail DSN", err, "sender", env.MailFrom)
		return
	}

	path, size, err := q.writeBounceFile(dsnID, dsnHeader, body.Bytes())
	if err != nil {
		q.Log.Error("DSN write failed", err)
		return
	}

	bounceEnv := &envelope.Envelope{
		MailFrom:   dsnEnvelope.From,
		Recipients: []string{env.MailFrom},
		FilePath:   path,
		MessageID:  dsnEnvelope.MsgID,
		Date:       time.Now(),
		UTF8:       env.UTF8,
		Size:       size,
	}
	rs := &envelope.RelaySession{
		ID:         dsnID,
		Protocol:   envelope.ProtocolESMTP,
		MaxRetries: q.maxRetries,
		Envelopes:  []*envelope.Envelope{bounceEnv},
	}
	if err := q.Enqueue(ctx, rs); err != nil {
		q.Log.Error("DSN enqueue failed", err)
		os.Remove(path)
		return
	}
	bouncedTotal.Inc()
	q.Log.Msg("generated failed DSN", "dsn_id", dsnID, "rcpt", env.MailFrom)
}

// failedHeader reads the stored message's header block for the
// message/rfc822 part of the report. On error the partial header read so
// far is still returned.
func (q *Queue) failedHeader(env *envelope.Envelope) (textproto.Header, error) {
	r, err := env.Open()
	if err != nil {
		return textproto.Header{}, err
	}
	defer r.Close()
	return textproto.ReadHeader(bufio.NewReader(r))
}

// writeBounceFile stores the rendered report next to the queued message
// files, complete-then-rename so the queue never picks up a torn file.
func (q *Queue) writeBounceFile(dsnID string, hdr textproto.Header, body []byte) (string, int64, error) {
	path := filepath.Join(q.store.FileDir(), dsnID+".eml")
	f, err := os.OpenFile(path+".new", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(path + ".new")

	if err := textproto.WriteHeader(f, hdr); err != nil {
		f.Close()
		return "", 0, err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return "", 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", 0, err
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(path+".new", path); err != nil {
		return "", 0, err
	}
	return path, size, nil
}

// failureFor reconstructs the error to report for rcpt from the last
// attempt's transaction log: the recipient's own last reply when it has
// one, otherwise the last untagged failure (MAIL or single-reply DATA).
func failureFor(env *envelope.Envelope, rcpt string) *exterrors.SMTPError {
	if tr, ok := env.Transactions.RcptReply(rcpt); ok && tr.Err {
		if se := parseReplyLine(tr.Reply); se != nil {
			return se
		}
	}
	entries := env.Transactions.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Err && entries[i].Rcpt == "" {
			if se := parseReplyLine(entries[i].Reply); se != nil {
				return se
			}
			break
		}
	}
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 0, 0},
		Message:      "delivery failed",
		TargetName:   "queue",
	}
}

// parseReplyLine turns a recorded wire reply ("550 5.7.1 rejected") back
// into a structured error for the delivery-status part.
func parseReplyLine(line string) *exterrors.SMTPError {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil || code < 200 || code > 599 {
		return nil
	}
	rest := fields[1:]
	ench := exterrors.EnhancedCode{code / 100, 0, 0}
	if len(rest) > 0 {
		if ec, ok := parseEnhancedCode(rest[0]); ok {
			ench = ec
			rest = rest[1:]
		}
	}
	msg := strings.Join(rest, " ")
	if msg == "" {
		msg = "delivery failed"
	}
	return &exterrors.SMTPError{
		Code:         code,
		EnhancedCode: ench,
		Message:      clipDiagnostic(msg),
		TargetName:   "queue",
	}
}

func parseEnhancedCode(s string) (exterrors.EnhancedCode, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return exterrors.EnhancedCode{}, false
	}
	var ec exterrors.EnhancedCode
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return exterrors.EnhancedCode{}, false
		}
		ec[i] = n
	}
	if ec[0] != 2 && ec[0] != 4 && ec[0] != 5 {
		return exterrors.EnhancedCode{}, false
	}
	return ec, true
}

func clipDiagnostic(s string) string {
	if utf8.RuneCountInString(s) <= maxDiagnosticChars {
		return s
	}
	return string([]rune(s)[:maxDiagnosticChars]) + "..."
}
