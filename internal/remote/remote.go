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

// Package remote implements outbound SMTP delivery.
//
// Recipients of each envelope are grouped by destination: either the
// recipient domain (MX routing) or a fixed next-hop taken from the relay
// session or the smarthost configuration. One connection per destination
// is established and reused for all envelopes of the session.
//
// Delivery outcome is recorded per recipient into the envelope transaction
// list, so a following FailedRecipients call sees exactly the subset that
// needs a retry or a bounce. Security of MX-routed connections is gated by
// the configured policies (MTA-STS, DANE, mandatory TLS).
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/trace"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/transilvlad/robin-sub003/framework/address"
	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/dns"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
	"github.com/transilvlad/robin-sub003/internal/smtpconn"
)

// Target delivers relay sessions to remote SMTP servers.
//
// Routing precedence for each envelope: the host pinned on the relay
// session, then the configured smarthost, then the recipient domain MX
// records.
type Target struct {
	hostname  string
	port      string
	smarthost string
	mxEnabled bool

	attempts int
	delay    time.Duration

	authMech string
	authUser string
	authPass string

	tlsConfig   *tls.Config
	resolver    dns.Resolver
	extResolver *dns.ExtResolver
	dialer      func(ctx context.Context, network, addr string) (net.Conn, error)
	policies    []Policy

	Log log.Logger
}

// New builds a Target from the relay configuration.
func New(cfg *config.Config, logger log.Logger) (*Target, error) {
	hostname, err := idna.ToASCII(cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("remote: cannot represent %q as A-label form: %w", cfg.Hostname, err)
	}

	t := &Target{
		hostname:  hostname,
		port:      "25",
		smarthost: cfg.Relay.Host,
		mxEnabled: cfg.Relay.OutboundMxEnabled,
		attempts:  cfg.Relay.Retry,
		delay:     cfg.Relay.Delay(),
		authMech:  cfg.Relay.AuthMechanism,
		authUser:  cfg.Relay.Username,
		authPass:  cfg.Relay.Password,
		resolver:  dns.DefaultResolver(),
		Log:       logger,
	}
	if cfg.Relay.Port > 0 {
		t.port = strconv.Itoa(cfg.Relay.Port)
	}
	if t.attempts <= 0 {
		t.attempts = 1
	}

	dialer := &net.Dialer{}
	if cfg.Relay.Bind != "" {
		ip := net.ParseIP(cfg.Relay.Bind)
		if ip == nil {
			return nil, fmt.Errorf("remote: invalid bind address: %q", cfg.Relay.Bind)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}
	t.dialer = dialer.DialContext

	if cfg.Relay.DaneEnabled {
		extResolver, err := dns.NewExtResolver()
		if err != nil {
			return nil, fmt.Errorf("remote: DANE requires a DNSSEC-capable resolver: %w", err)
		}
		t.extResolver = extResolver
		t.policies = append(t.policies, NewDANEPolicy(extResolver, logger))
	}
	if cfg.Relay.MtaStsEnabled {
		stsPolicy, err := NewMTASTSPolicy(cfg.Relay.MtaStsCacheDir, t.resolver, logger)
		if err != nil {
			return nil, err
		}
		t.policies = append(t.policies, stsPolicy)
	}
	if cfg.Relay.RequireTls {
		t.policies = append(t.policies, localPolicy{minLevel: TLSEncrypted})
	}

	return t, nil
}

// Close stops the background policy machinery. The Target must not be used
// afterwards.
func (t *Target) Close() error {
	for _, p := range t.policies {
		if err := p.Close(); err != nil {
			t.Log.Error("policy shutdown failed", err)
		}
	}
	return nil
}

// Deliver runs one delivery attempt for the session. The outcome for each
// recipient is recorded into the owning envelope's transaction list; the
// returned error is always nil since a failure that affects the whole
// session is still attributed recipient by recipient.
func (t *Target) Deliver(ctx context.Context, rs *envelope.RelaySession) error {
	defer trace.StartRegion(ctx, "remote/Deliver").End()

	d := &delivery{
		t:     t,
		rs:    rs,
		conns: map[string]*mxConn{},
		Log:   t.Log,
	}
	for _, p := range t.policies {
		d.policies = append(d.policies, p.Start())
	}
	defer d.close()

	for _, env := range rs.Envelopes {
		d.deliverEnvelope(ctx, env)
	}
	return nil
}

type delivery struct {
	t        *Target
	rs       *envelope.RelaySession
	conns    map[string]*mxConn
	policies []DeliveryPolicy

	Log log.Logger
}

// mxConn is an established session to one destination, kept across
// envelopes. used is set once a mail transaction went through, requiring a
// RSET before the connection can carry another one.
type mxConn struct {
	*smtpconn.C

	domain   string
	used     bool
	tlsLevel TLSLevel
}

// rcptGroup is the set of an envelope's recipients that share a
// destination. For MX routing domain carries the lookup key; pinned groups
// name their servers directly and bypass MX resolution and the security
// policies.
type rcptGroup struct {
	key     string
	domain  string
	servers []string
	port    string
	pinned  bool
	rcpts   []string
}

func (d *delivery) deliverEnvelope(ctx context.Context, env *envelope.Envelope) {
	groups := d.plan(env)
	for _, g := range groups {
		d.deliverGroup(ctx, env, g)
	}
}

// plan splits the envelope recipients into destination groups, preserving
// the recipient order. Recipients that cannot be routed at all are failed
// right away.
func (d *delivery) plan(env *envelope.Envelope) []*rcptGroup {
	tl := &env.Transactions

	if host := d.rs.Host; host != "" {
		port := d.t.port
		if d.rs.Port > 0 {
			port = strconv.Itoa(d.rs.Port)
		}
		return []*rcptGroup{{
			key:     net.JoinHostPort(host, port),
			servers: []string{host},
			port:    port,
			pinned:  true,
			rcpts:   env.Recipients,
		}}
	}
	if d.t.smarthost != "" {
		return []*rcptGroup{{
			key:     net.JoinHostPort(d.t.smarthost, d.t.port),
			servers: []string{d.t.smarthost},
			port:    d.t.port,
			pinned:  true,
			rcpts:   env.Recipients,
		}}
	}
	if !d.t.mxEnabled {
		for _, rcpt := range env.Recipients {
			tl.AddRcpt(rcpt, "ROUTE", "554 5.3.5 No outbound route configured", true)
		}
		return nil
	}

	var groups []*rcptGroup
	byDomain := map[string]*rcptGroup{}
	for _, rcpt := range env.Recipients {
		_, domain, err := address.Split(rcpt)
		if err != nil {
			tl.AddRcpt(rcpt, "ROUTE", "550 5.1.3 Malformed recipient address", true)
			continue
		}
		lookupDomain, err := dns.ForLookup(domain)
		if err != nil {
			tl.AddRcpt(rcpt, "ROUTE", "550 5.1.2 Unable to normalize the recipient domain", true)
			continue
		}
		g, ok := byDomain[lookupDomain]
		if !ok {
			g = &rcptGroup{
				key:    lookupDomain,
				domain: lookupDomain,
				port:   d.t.port,
			}
			byDomain[lookupDomain] = g
			groups = append(groups, g)
		}
		g.rcpts = append(g.rcpts, rcpt)
	}
	return groups
}

func (d *delivery) deliverGroup(ctx context.Context, env *envelope.Envelope, g *rcptGroup) {
	tl := &env.Transactions

	conn, err := d.connectionFor(ctx, g)
	if err != nil {
		d.Log.Error("cannot connect", err, "session", d.rs.ID, "target", g.key)
		line := smtpErrLine(err)
		for _, rcpt := range g.rcpts {
			tl.AddRcpt(rcpt, "CONNECT "+g.key, line, true)
		}
		return
	}

	if conn.used {
		if err := conn.Rset(ctx); err != nil {
			d.Log.Error("RSET failed, dropping connection", err, "session", d.rs.ID, "target", g.key)
			d.drop(g.key)
			line := smtpErrLine(err)
			for _, rcpt := range g.rcpts {
				tl.AddRcpt(rcpt, "RSET", line, true)
			}
			return
		}
	}
	conn.used = true

	if err := conn.Mail(ctx, env.MailFrom, smtpconn.MailOptions{
		Size:     env.Size,
		UTF8:     env.UTF8,
		Body8Bit: true,
	}); err != nil {
		d.Log.Error("MAIL FROM rejected", err, "session", d.rs.ID, "target", g.key)
		d.drop(g.key)
		line := smtpErrLine(err)
		for _, rcpt := range g.rcpts {
			tl.AddRcpt(rcpt, "MAIL FROM:<"+env.MailFrom+">", line, true)
		}
		return
	}

	accepted := make([]string, 0, len(g.rcpts))
	for _, rcpt := range g.rcpts {
		if err := conn.Rcpt(ctx, rcpt); err != nil {
			d.Log.Error("RCPT TO rejected", err, "session", d.rs.ID, "rcpt", rcpt)
			tl.AddRcpt(rcpt, "RCPT TO:<"+rcpt+">", smtpErrLine(err), true)
			continue
		}
		tl.AddRcpt(rcpt, "RCPT TO:<"+rcpt+">", "250 2.1.5 ok", false)
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return
	}

	body, err := env.Open()
	if err != nil {
		d.Log.Error("cannot open message", err, "session", d.rs.ID, "envelope", env.MessageID)
		for _, rcpt := range accepted {
			tl.AddRcpt(rcpt, "DATA", "451 4.3.0 Message source unavailable", true)
		}
		return
	}
	defer body.Close()

	if err := conn.Data(ctx, body); err != nil {
		d.Log.Error("DATA failed", err, "session", d.rs.ID, "target", g.key)
		d.drop(g.key)
		line := smtpErrLine(err)
		for _, rcpt := range accepted {
			tl.AddRcpt(rcpt, "DATA", line, true)
		}
		return
	}
	for _, rcpt := range accepted {
		tl.AddRcpt(rcpt, "DATA", "250 2.0.0 ok", false)
	}
	d.Log.Msg("delivered", "session", d.rs.ID, "target", g.key, "rcpts", len(accepted))
}

// connectionFor returns the established connection for the group,
// dialing one if this is the first envelope routed there.
func (d *delivery) connectionFor(ctx context.Context, g *rcptGroup) (*mxConn, error) {
	if conn, ok := d.conns[g.key]; ok {
		return conn, nil
	}

	servers := g.servers
	dnssec := false
	if !g.pinned {
		for _, p := range d.policies {
			p.PrepareDomain(ctx, g.domain)
		}
		var err error
		servers, dnssec, err = d.resolveServers(ctx, g.domain)
		if err != nil {
			return nil, err
		}
	}

	conn, err := d.open(ctx, g, servers, dnssec)
	if err != nil {
		return nil, err
	}
	d.conns[g.key] = conn
	return conn, nil
}

// drop closes the connection without QUIT and forgets it, forcing a fresh
// dial for the next envelope routed to the same destination.
func (d *delivery) drop(key string) {
	conn, ok := d.conns[key]
	if !ok {
		return
	}
	delete(d.conns, key)
	conn.DirectClose()
}

func (d *delivery) close() {
	for key, conn := range d.conns {
		delete(d.conns, key)
		conn.Close()
	}
}

// smtpErrLine renders an error the way the remote server reply would look
// on the wire, so transaction records stay parseable for DSN generation.
func smtpErrLine(err error) string {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		return fmt.Sprintf("%d %s %s", smtpErr.Code, smtpErr.EnhancedCode, smtpErr.Message)
	}
	return "451 4.0.0 " + strings.ReplaceAll(err.Error(), "\n", " ")
}
