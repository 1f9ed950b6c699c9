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

package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/dns"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/internal/smtpconn"
)

// resolveServers returns the candidate server names for a domain in MX
// preference order. A domain without MX records falls back to an implicit
// record pointing at the domain itself (RFC 5321, Section 5.1); the null
// MX record rejects the domain for mail (RFC 7505).
func (d *delivery) resolveServers(ctx context.Context, domain string) (servers []string, dnssec bool, err error) {
	if strings.HasPrefix(domain, "[") {
		return nil, false, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "IP address literals are not supported",
			TargetName:   "remote",
		}
	}

	var mxs []*net.MX
	if d.t.extResolver != nil {
		dnssec, mxs, err = d.t.extResolver.AuthLookupMX(ctx, domain)
	} else {
		mxs, err = d.t.resolver.LookupMX(ctx, domain)
	}
	if err != nil && !dns.IsNotFound(err) {
		reason, misc := exterrors.UnwrapDNSErr(err)
		return nil, false, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{4, 4, 4}),
			Message:      "MX lookup error",
			TargetName:   "remote",
			Err:          err,
			Reason:       reason,
			Misc:         misc,
		}
	}

	if len(mxs) == 0 {
		mxs = []*net.MX{{Host: domain, Pref: 0}}
	}
	sort.Slice(mxs, func(i, j int) bool {
		return mxs[i].Pref < mxs[j].Pref
	})

	if mxs[0].Host == "." {
		return nil, false, &exterrors.SMTPError{
			Code:         556,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
			Message:      "Domain does not accept email (null MX)",
			TargetName:   "remote",
		}
	}

	servers = make([]string, 0, len(mxs))
	for _, mx := range mxs {
		servers = append(servers, strings.TrimSuffix(mx.Host, "."))
	}
	return servers, dnssec, nil
}

// open establishes a session to some server of the group, walking the
// candidate list in order and cycling it up to the configured attempt
// count, pausing between consecutive dials.
func (d *delivery) open(ctx context.Context, g *rcptGroup, servers []string, dnssec bool) (*mxConn, error) {
	var lastErr error
	needPause := false
	for round := 0; round < d.t.attempts; round++ {
		for _, host := range servers {
			if !g.pinned {
				if err := d.checkMX(ctx, g.domain, host, dnssec); err != nil {
					d.Log.Error("server rejected by policy", err, "session", d.rs.ID, "server", host, "domain", g.domain)
					lastErr = err
					continue
				}
			}
			if needPause {
				if err := d.pause(ctx); err != nil {
					return nil, err
				}
			}
			conn, err := d.attemptServer(ctx, g, host, dnssec)
			if err == nil {
				return conn, nil
			}
			needPause = true
			lastErr = err
			d.Log.Error("cannot use server", err, "session", d.rs.ID, "server", host)
		}
	}
	if lastErr == nil {
		lastErr = &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 4},
			Message:      "No usable servers",
			TargetName:   "remote",
		}
	}
	return nil, lastErr
}

func (d *delivery) checkMX(ctx context.Context, domain, host string, dnssec bool) error {
	for _, p := range d.policies {
		if err := p.CheckMX(ctx, domain, host, dnssec); err != nil {
			return err
		}
	}
	return nil
}

func (d *delivery) pause(ctx context.Context) error {
	if d.t.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(d.t.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attemptServer dials one server and hands the established connection to
// the policies for the final verdict. MX-routed connections get their TLSA
// lookup started before the dial so the DANE check rarely has to wait.
func (d *delivery) attemptServer(ctx context.Context, g *rcptGroup, host string, dnssec bool) (*mxConn, error) {
	if !g.pinned {
		for _, p := range d.policies {
			p.PrepareConn(ctx, host)
		}
	}

	tlsCfg := &tls.Config{}
	if d.t.tlsConfig != nil {
		tlsCfg = d.t.tlsConfig.Clone()
	}
	tlsCfg.ServerName = host

	conn, level, err := d.dial(ctx, g, host, tlsCfg)
	if err != nil {
		return nil, err
	}

	var state tls.ConnectionState
	if st := conn.TLSState(); st != nil {
		state = *st
	}
	for _, p := range d.policies {
		level, err = p.CheckConn(ctx, level, g.domain, host, state)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	conn.tlsLevel = level
	tlsLevelCnt.WithLabelValues(level.String()).Inc()
	if dnssec {
		mxSecCnt.WithLabelValues("dnssec").Inc()
	} else {
		mxSecCnt.WithLabelValues("none").Inc()
	}

	if d.t.authUser != "" {
		if err := conn.Auth(ctx, d.t.authMech, d.t.authUser, d.t.authPass); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// dial connects and negotiates the best TLS state the server can offer:
// verified TLS first, then unauthenticated TLS on a certificate verify
// failure (DANE may still authenticate it), then plaintext on any other
// TLS failure. The level check prevents looping when the verify error
// survives InsecureSkipVerify.
func (d *delivery) dial(ctx context.Context, g *rcptGroup, host string, tlsCfg *tls.Config) (*mxConn, TLSLevel, error) {
	level := TLSAuthenticated

retry:
	conn := &mxConn{C: smtpconn.New(), domain: g.domain}
	conn.Dialer = d.t.dialer
	conn.Hostname = d.t.hostname
	conn.AddrInSMTPMsg = true
	conn.Log = d.Log

	if err := conn.Connect(ctx, config.Endpoint{Scheme: "tcp", Host: host, Port: g.port}); err != nil {
		return nil, TLSNone, err
	}

	if tlsCfg == nil || !conn.Supports("STARTTLS") {
		return conn, TLSNone, nil
	}

	if err := conn.StartTLS(ctx, tlsCfg); err != nil {
		conn.DirectClose()

		if isVerifyError(err) && level == TLSAuthenticated {
			d.Log.Error("TLS verify error, trying without authentication", err, "session", d.rs.ID, "server", host)
			tlsCfg.InsecureSkipVerify = true
			level = TLSEncrypted
			goto retry
		}

		d.Log.Error("TLS error, trying plaintext", err, "session", d.rs.ID, "server", host)
		tlsCfg = nil
		level = TLSNone
		goto retry
	}
	return conn, level, nil
}

func isVerifyError(err error) bool {
	var (
		unknownAuth x509.UnknownAuthorityError
		hostname    x509.HostnameError
		constraint  x509.ConstraintViolationError
		invalid     x509.CertificateInvalidError
	)
	return errors.As(err, &unknownAuth) ||
		errors.As(err, &hostname) ||
		errors.As(err, &constraint) ||
		errors.As(err, &invalid)
}
