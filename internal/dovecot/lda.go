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

// Package dovecot delivers messages into Dovecot, either by invoking the
// dovecot-lda binary per recipient or over pooled LMTP sessions.
package dovecot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
)

// stderrLimit caps how much of the agent's stderr ends up in the
// transaction record.
const stderrLimit = 500

// LDA invokes the local delivery agent binary, one run per recipient.
type LDA struct {
	Binary      string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Log         log.Logger
}

func NewLDA(cfg config.Dovecot, logger log.Logger) *LDA {
	l := &LDA{
		Binary:      cfg.LdaBinary,
		Timeout:     cfg.LdaTimeout(),
		MaxAttempts: cfg.InlineSaveMaxAttempts,
		RetryDelay:  cfg.RetryDelay(),
		Log:         logger,
	}
	if l.Timeout <= 0 {
		l.Timeout = 30 * time.Second
	}
	if l.MaxAttempts < 1 {
		l.MaxAttempts = 1
	}
	return l
}

// Deliver writes the message file into rcpt's mailbox, retrying up to
// MaxAttempts with RetryDelay between runs. mailbox optionally selects
// the destination folder. The final outcome is recorded into tl against
// the recipient; delivery failures carry the agent's stderr, abbreviated.
func (l *LDA) Deliver(ctx context.Context, rcpt, envelopeFile, mailbox string, tl *envelope.TransactionList) error {
	args := []string{"-d", rcpt, "-p", envelopeFile}
	if mailbox != "" {
		args = append(args, "-m", mailbox)
	}
	command := l.Binary + " " + strings.Join(args, " ")

	lastErr := l.attempts(ctx, rcpt, args)

	if tl != nil {
		if lastErr == nil {
			tl.AddRcpt(rcpt, command, "250 2.0.0 delivered to mailbox", false)
		} else {
			tl.AddRcpt(rcpt, command, smtpErrLine(lastErr), true)
		}
	}
	return lastErr
}

func (l *LDA) attempts(ctx context.Context, rcpt string, args []string) error {
	var lastErr error
	for attempt := 1; attempt <= l.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(l.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = l.run(ctx, args)
		if lastErr == nil {
			return nil
		}
		l.Log.Error("dovecot-lda run failed", lastErr, "rcpt", rcpt, "attempt", attempt)
	}
	return lastErr
}

func (l *LDA) run(ctx context.Context, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, l.Binary, args...)
	// Stdin and stdout stay nil: the agent gets the null device, never
	// the server's own descriptors.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "dovecot-lda: delivery timed out",
			TargetName:   "dovecot",
			Err:          err,
			Misc:         map[string]any{"timeout": l.Timeout.String()},
		}
	}

	detail := abbreviate(flattenStderr(stderr.String()), stderrLimit)
	if detail == "" {
		detail = err.Error()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Exit codes follow sysexits.h, which dovecot-lda uses.
		code, ench := 550, exterrors.EnhancedCode{5, 2, 0}
		switch exitErr.ExitCode() {
		case 75: // EX_TEMPFAIL
			code, ench = 451, exterrors.EnhancedCode{4, 2, 0}
		case 67: // EX_NOUSER
			ench = exterrors.EnhancedCode{5, 1, 1}
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: ench,
			Message:      "dovecot-lda: " + detail,
			TargetName:   "dovecot",
			Err:          err,
			Misc:         map[string]any{"exit_code": exitErr.ExitCode()},
		}
	}

	// The binary could not be started at all.
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
		Message:      "dovecot-lda: agent unavailable",
		TargetName:   "dovecot",
		Err:          err,
	}
}

// flattenStderr folds the agent's stderr into a single record line.
func flattenStderr(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

func abbreviate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}

func smtpErrLine(err error) string {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		return fmt.Sprintf("%d %s %s", smtpErr.Code, smtpErr.EnhancedCode, smtpErr.Message)
	}
	return err.Error()
}
