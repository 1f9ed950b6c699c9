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

package dovecot

import (
	"context"
	"fmt"
	"time"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
	"github.com/transilvlad/robin-sub003/internal/smtpconn"
)

// LMTP delivers envelopes to the Dovecot LMTP service over pooled
// sessions, one MAIL transaction per envelope with per-recipient final
// replies.
type LMTP struct {
	// Hostname announced in LHLO.
	Hostname string

	Log log.Logger

	endpoint config.Endpoint
	pool     *Pool
}

func NewLMTP(cfg config.Dovecot, hostname string, logger log.Logger) (*LMTP, error) {
	endp, err := config.ParseEndpoint(cfg.LmtpEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dovecot: LMTP endpoint: %w", err)
	}

	l := &LMTP{
		Hostname: hostname,
		Log:      logger,
		endpoint: endp,
	}
	l.pool = NewPool(PoolConfig{
		New:           l.dialPooled,
		MaxSize:       cfg.LmtpPoolSize,
		IdleTimeout:   time.Duration(cfg.LmtpIdleTimeoutSeconds) * time.Second,
		MaxLifetime:   time.Duration(cfg.LmtpMaxLifetimeSeconds) * time.Second,
		BorrowTimeout: time.Duration(cfg.LmtpBorrowTimeoutSeconds) * time.Second,
	}, logger)
	return l, nil
}

func (l *LMTP) dialPooled(ctx context.Context, key string) (PoolConn, error) {
	c := smtpconn.New()
	c.Log = l.Log
	c.Hostname = l.Hostname
	if err := c.ConnectLMTP(ctx, l.endpoint); err != nil {
		return nil, err
	}
	return &lmtpConn{c: c}, nil
}

type lmtpConn struct {
	c *smtpconn.C
}

func (lc *lmtpConn) Reset(ctx context.Context) error {
	return lc.c.Rset(ctx)
}

func (lc *lmtpConn) Close() error {
	return lc.c.Close()
}

// Deliver runs one transaction for the envelope, addressing it to rcpts.
// Recipient outcomes, including the per-recipient data replies, are
// recorded into tl; Deliver returns an error only when the message
// reached no recipient at all. Sessions that errored are discarded, the
// rest are reset and parked for reuse.
func (l *LMTP) Deliver(ctx context.Context, env *envelope.Envelope, rcpts []string, tl *envelope.TransactionList) error {
	pc, err := l.pool.Borrow(ctx, l.endpoint.Address())
	if err != nil {
		if tl != nil {
			tl.Add("LMTP "+l.endpoint.String(), err.Error(), true)
		}
		return err
	}
	conn := pc.Conn.(*lmtpConn).c
	conn.RecordTo(tl)

	err = l.transact(ctx, conn, env, rcpts, tl)
	conn.RecordTo(nil)
	if err != nil {
		l.pool.Invalidate(pc)
		return err
	}
	l.pool.Return(ctx, pc)
	return nil
}

func (l *LMTP) transact(ctx context.Context, conn *smtpconn.C, env *envelope.Envelope, rcpts []string, tl *envelope.TransactionList) error {
	err := conn.Mail(ctx, env.MailFrom, smtpconn.MailOptions{
		Size: env.Size,
		UTF8: env.UTF8,
	})
	if err != nil {
		return err
	}

	accepted := 0
	var firstErr error
	for _, rcpt := range rcpts {
		err := conn.Rcpt(ctx, rcpt)
		if err == nil {
			accepted++
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if accepted == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("dovecot: no recipients to deliver to")
		}
		return firstErr
	}

	body, err := env.Open()
	if err != nil {
		// Accepted recipients already have positive RCPT entries in the
		// record; without this the lost message would read as delivered.
		if tl != nil {
			tl.Add("DATA", "451 4.3.0 Message source unavailable", true)
		}
		return err
	}
	defer body.Close()

	return conn.Data(ctx, body)
}

// Close drains the pool, saying goodbye to parked sessions.
func (l *LMTP) Close() {
	l.pool.Close()
}
