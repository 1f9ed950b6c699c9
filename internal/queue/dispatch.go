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
	"context"
	"fmt"

	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
)

// LocalDeliverer writes one recipient's copy of a message through the
// local delivery agent.
type LocalDeliverer interface {
	Deliver(ctx context.Context, rcpt, envelopeFile, mailbox string, tl *envelope.TransactionList) error
}

// LMTPDeliverer runs one message transaction addressed to several
// recipients.
type LMTPDeliverer interface {
	Deliver(ctx context.Context, env *envelope.Envelope, rcpts []string, tl *envelope.TransactionList) error
}

// Dispatcher hands each session to the delivery mechanism its protocol
// tag names: dovecot-lda sessions run the agent once per recipient,
// LMTP sessions go through the pooled LMTP client and everything else
// takes the SMTP relay path. It implements Deliverer for the Queue.
type Dispatcher struct {
	Local LocalDeliverer
	LMTP  LMTPDeliverer
	Relay Deliverer

	Log log.Logger
}

func (d *Dispatcher) Deliver(ctx context.Context, rs *envelope.RelaySession) error {
	switch rs.Protocol {
	case envelope.ProtocolLDA:
		if d.Local == nil {
			return fmt.Errorf("queue: no local delivery agent configured")
		}
		d.deliverLocal(ctx, rs)
	case envelope.ProtocolLMTP:
		if d.LMTP == nil {
			return fmt.Errorf("queue: no LMTP client configured")
		}
		d.deliverLMTP(ctx, rs)
	default:
		if d.Relay == nil {
			return fmt.Errorf("queue: no relay target configured")
		}
		return d.Relay.Deliver(ctx, rs)
	}
	return nil
}

// deliverLocal runs the agent once per recipient. The agent records each
// outcome into the transaction list, so errors are only logged here and
// the settle pass reads the records.
func (d *Dispatcher) deliverLocal(ctx context.Context, rs *envelope.RelaySession) {
	for _, env := range rs.Envelopes {
		for _, rcpt := range env.Recipients {
			err := d.Local.Deliver(ctx, rcpt, env.FilePath, rs.Mailbox, &env.Transactions)
			if err != nil {
				d.Log.Error("local delivery failed", err, "session", rs.ID, "rcpt", rcpt)
			}
		}
	}
}

func (d *Dispatcher) deliverLMTP(ctx context.Context, rs *envelope.RelaySession) {
	for _, env := range rs.Envelopes {
		err := d.LMTP.Deliver(ctx, env, env.Recipients, &env.Transactions)
		if err != nil {
			d.Log.Error("LMTP delivery failed", err, "session", rs.ID, "msg_id", env.MessageID)
		}
	}
}
