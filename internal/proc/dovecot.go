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

package proc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/dovecot"
	"github.com/transilvlad/robin-sub003/internal/envelope"
)

// DovecotStore hands messages to Dovecot, through dovecot-lda or over
// pooled LMTP. Inbound messages go to every envelope recipient;
// outbound submissions are copied into the sender's Sent folder.
// Recipients that fail the inline attempt are split off into a queue
// session for retry or bounce, so the processor itself rejects only
// when that handoff is impossible.
type DovecotStore struct {
	LDA  *dovecot.LDA
	LMTP *dovecot.LMTP

	// Mailbox is the folder hint for inbound deliveries, Outbox the
	// sender-side folder for outbound copies. LDA only; LMTP delivery
	// always lands where Dovecot routes it.
	Mailbox string
	Outbox  string

	Queue Enqueuer

	// MaxRetries seeds the queue session budget. The inline attempt
	// spends the first slot, so zero makes the deferred session bounce
	// without the scheduler trying again.
	MaxRetries int

	Log log.Logger
}

// NewDovecotStore builds the processor from the configuration, or
// returns nil when no Dovecot backend is configured.
func NewDovecotStore(cfg *config.Config, queue Enqueuer, logger log.Logger) (*DovecotStore, error) {
	dc := cfg.Dovecot
	s := &DovecotStore{
		Mailbox: cfg.Relay.Mailbox,
		Outbox:  cfg.Relay.Outbox,
		Queue:   queue,
		Log:     logger,
	}

	switch {
	case dc.SaveToDovecotLda:
		if dc.LdaBinary == "" {
			return nil, fmt.Errorf("dovecot: ldaBinary is required with saveToDovecotLda")
		}
		s.LDA = dovecot.NewLDA(dc, logger)
	case dc.LmtpEndpoint != "":
		lmtp, err := dovecot.NewLMTP(dc, cfg.Hostname, logger)
		if err != nil {
			return nil, err
		}
		s.LMTP = lmtp
	default:
		return nil, nil
	}
	if queue == nil {
		return nil, fmt.Errorf("dovecot: delivery requires the retry queue")
	}

	switch dc.FailureBehaviour {
	case "", "retry":
		s.MaxRetries = cfg.Queue.MaxRetryCount
	case "bounce":
		s.MaxRetries = 0
	default:
		return nil, fmt.Errorf("dovecot: unknown failureBehaviour: %s", dc.FailureBehaviour)
	}
	return s, nil
}

func (*DovecotStore) Name() string { return "dovecot" }

// Close drains the LMTP pool, if one is in use.
func (s *DovecotStore) Close() error {
	if s.LMTP != nil {
		s.LMTP.Close()
	}
	return nil
}

func (s *DovecotStore) Process(ctx context.Context, d *Delivery) error {
	env := d.Envelope
	rcpts := env.Recipients
	mailbox := s.Mailbox
	if d.Outbound {
		if env.MailFrom == "" {
			return nil
		}
		if s.LMTP != nil {
			// Folder selection needs the agent's -m flag; over LMTP a
			// Sent copy would land in the sender's inbox instead.
			s.Log.DebugMsg("outbound copy skipped over LMTP", "uid", d.UID)
			return nil
		}
		rcpts = []string{env.MailFrom}
		mailbox = s.Outbox
	}
	if len(rcpts) == 0 {
		return nil
	}

	path, err := d.SpoolFile()
	if err != nil {
		return s.storeFailure(err, d)
	}

	if s.LDA != nil {
		for _, rcpt := range rcpts {
			// Outcome lands in the transaction record either way.
			_ = s.LDA.Deliver(ctx, rcpt, path, mailbox, &env.Transactions)
		}
	} else {
		_ = s.LMTP.Deliver(ctx, env, rcpts, &env.Transactions)
	}

	failed := env.Transactions.FailedRecipients(rcpts)
	if len(failed) == 0 {
		return nil
	}
	return s.deferFailed(ctx, d, failed, mailbox)
}

// deferFailed queues the failed recipient subset for the retry
// scheduler. The queued envelope gets its own copy of the spool file
// since the queue takes ownership of the files it is handed. The
// inline attempt counts as the first one: the session starts at
// retry count 1 so the scheduler waits a full backoff interval
// before touching it again.
func (s *DovecotStore) deferFailed(ctx context.Context, d *Delivery, failed []string, mailbox string) error {
	sub := d.Envelope.Clone()
	sub.Recipients = failed

	path, err := d.Spool.CopyFile(d.Envelope.FilePath, "retry-"+d.uidOrNew())
	if err != nil {
		return s.storeFailure(err, d)
	}
	sub.FilePath = path

	proto := envelope.ProtocolLMTP
	if s.LDA != nil {
		proto = envelope.ProtocolLDA
	}
	rs := &envelope.RelaySession{
		ID:          uuid.New().String(),
		Protocol:    proto,
		Mailbox:     mailbox,
		RetryCount:  1,
		MaxRetries:  s.MaxRetries,
		LastAttempt: time.Now().Unix(),
		Envelopes:   []*envelope.Envelope{sub},
	}
	if err := s.Queue.Enqueue(ctx, rs); err != nil {
		return s.storeFailure(err, d)
	}
	s.Log.Msg("delivery deferred", "recipients", len(failed), "session", rs.ID, "uid", d.UID)
	return nil
}

func (s *DovecotStore) storeFailure(err error, d *Delivery) error {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
		Message:      "Failed to store message",
		TargetName:   "dovecot",
		Err:          err,
		Misc:         map[string]any{"uid": d.UID},
	}
}
