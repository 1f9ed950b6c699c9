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

package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/smtpconn"
	"github.com/transilvlad/robin-sub003/internal/wire"
)

// Conns is the set of live upstream channels owned by one session,
// keyed by rule destination. A channel opens on the first forwarded
// recipient and is reused by every later envelope that picks the same
// destination. Setup failures are remembered so one dead upstream does
// not get redialed for every recipient of the session.
//
// Conns is driven by the session goroutine and is not safe for
// concurrent use.
type Conns struct {
	Hostname  string
	TLSConfig *tls.Config
	Dialer    func(ctx context.Context, network, addr string) (net.Conn, error)
	Log       log.Logger

	conns  map[string]*upstream
	errs   map[string]error
	closed bool
}

type upstream struct {
	c    *smtpconn.C
	rule *Rule

	// inTxn is set between the MAIL FROM of an envelope and its DATA or
	// abort; rcpts counts the recipients the upstream accepted in it.
	inTxn bool
	rcpts int
}

func NewConns(hostname string, tlsConfig *tls.Config, logger log.Logger) *Conns {
	return &Conns{
		Hostname:  hostname,
		TLSConfig: tlsConfig,
		Log:       logger,
		conns:     map[string]*upstream{},
		errs:      map[string]error{},
	}
}

// Rcpt forwards one recipient through the rule's channel, opening the
// channel and starting the envelope's upstream transaction as needed.
// The upstream reply is returned for verbatim forwarding, negative
// replies included; an error means the recipient could not be put
// before the upstream at all.
func (cs *Conns) Rcpt(ctx context.Context, rule *Rule, mailFrom string, opts smtpconn.MailOptions, rcpt string) (*wire.Reply, error) {
	up, err := cs.get(ctx, rule)
	if err != nil {
		return nil, err
	}

	if !up.inTxn {
		if err := up.c.Mail(ctx, mailFrom, opts); err != nil {
			// Could be sender-specific, so the rule is not written off;
			// the channel state is unknown though.
			cs.drop(up)
			return nil, err
		}
		up.inTxn = true
		up.rcpts = 0
	}

	reply, err := up.c.RcptRaw(ctx, rcpt)
	if err != nil {
		cs.invalidate(up, err)
		return nil, err
	}
	if reply.Positive() {
		up.rcpts++
		rcptForwardedCnt.WithLabelValues(rule.Name).Inc()
	}
	return reply, nil
}

// Data streams the accepted message to every channel holding forwarded
// recipients for the current envelope and ends their transactions.
// Channels whose transaction took no recipient are reset instead. All
// channels are tried; the first failure is returned.
func (cs *Conns) Data(ctx context.Context, open func() (io.ReadCloser, error)) error {
	var firstErr error
	for _, up := range cs.conns {
		if !up.inTxn {
			continue
		}
		up.inTxn = false

		if up.rcpts == 0 {
			if err := up.c.Rset(ctx); err != nil {
				cs.drop(up)
			}
			continue
		}
		up.rcpts = 0

		err := cs.stream(ctx, up, open)
		if err != nil {
			cs.drop(up)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (cs *Conns) stream(ctx context.Context, up *upstream, open func() (io.ReadCloser, error)) error {
	body, err := open()
	if err != nil {
		return err
	}
	defer body.Close()
	return up.c.Data(ctx, body)
}

// Reset aborts the upstream transactions an envelope left open, keeping
// the channels reusable for the next one. Channels that fail to reset
// are dropped.
func (cs *Conns) Reset(ctx context.Context) {
	for _, up := range cs.conns {
		if !up.inTxn {
			continue
		}
		up.inTxn = false
		up.rcpts = 0
		if err := up.c.Rset(ctx); err != nil {
			cs.Log.Error("proxy channel reset failed", err, "rule", up.rule.Name)
			cs.drop(up)
		}
	}
}

// Close says goodbye to every live channel. Only the first call does
// anything; the session's cleanup may run it on every exit path.
func (cs *Conns) Close() {
	if cs.closed {
		return
	}
	cs.closed = true
	for key, up := range cs.conns {
		delete(cs.conns, key)
		if err := up.c.Close(); err != nil {
			cs.Log.Error("proxy channel close failed", err, "rule", up.rule.Name)
		}
	}
}

func (cs *Conns) get(ctx context.Context, rule *Rule) (*upstream, error) {
	key := rule.Key()
	if up, ok := cs.conns[key]; ok {
		return up, nil
	}
	if err, ok := cs.errs[key]; ok {
		return nil, err
	}

	up, err := cs.open(ctx, rule)
	if err != nil {
		cs.errs[key] = err
		return nil, err
	}
	cs.conns[key] = up
	return up, nil
}

// open dials the rule's hosts in order and prepares the first reachable
// one: greeting and EHLO or LHLO, then STARTTLS and AUTH when the rule
// asks for them.
func (cs *Conns) open(ctx context.Context, rule *Rule) (*upstream, error) {
	c := smtpconn.New()
	c.Log = cs.Log
	c.Hostname = cs.Hostname
	if cs.Dialer != nil {
		c.Dialer = cs.Dialer
	}

	var lastErr error
	connected := false
	for _, host := range rule.Hosts {
		endp := config.Endpoint{Scheme: "tcp", Host: host, Port: strconv.Itoa(rule.Port)}
		var err error
		if rule.LMTP() {
			err = c.ConnectLMTP(ctx, endp)
		} else {
			err = c.Connect(ctx, endp)
		}
		if err == nil {
			connected = true
			break
		}
		lastErr = err
		cs.Log.Error("proxy host unreachable", err, "rule", rule.Name, "host", host)
	}
	if !connected {
		if lastErr == nil {
			lastErr = fmt.Errorf("proxy: rule %q has no hosts to dial", rule.Name)
		}
		return nil, lastErr
	}

	if rule.TLS {
		if err := c.StartTLS(ctx, cs.TLSConfig); err != nil {
			c.Close()
			return nil, err
		}
	}
	if rule.Username != "" {
		if err := c.Auth(ctx, rule.AuthMechanism, rule.Username, rule.Password); err != nil {
			c.Close()
			return nil, err
		}
	}

	connsOpenedCnt.WithLabelValues(rule.Name).Inc()
	cs.Log.DebugMsg("proxy channel opened", "rule", rule.Name, "server", c.ServerName())
	return &upstream{c: c, rule: rule}, nil
}

func (cs *Conns) drop(up *upstream) {
	delete(cs.conns, up.rule.Key())
	up.c.DirectClose()
}

func (cs *Conns) invalidate(up *upstream, err error) {
	cs.errs[up.rule.Key()] = err
	cs.drop(up)
}
