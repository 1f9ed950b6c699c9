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
	"fmt"
	"os"
	"time"

	"github.com/foxcpp/go-mtasts"

	"github.com/transilvlad/robin-sub003/framework/dns"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/future"
	"github.com/transilvlad/robin-sub003/framework/log"
)

// TLSLevel is the strength of the TLS state negotiated for an outbound
// connection.
type TLSLevel int

const (
	// TLSNone is a plaintext connection.
	TLSNone TLSLevel = iota

	// TLSEncrypted is a TLS connection whose certificate did not pass
	// verification.
	TLSEncrypted

	// TLSAuthenticated is a TLS connection with the server authenticated
	// via X.509 verification or DANE.
	TLSAuthenticated
)

func (l TLSLevel) String() string {
	switch l {
	case TLSAuthenticated:
		return "authenticated"
	case TLSEncrypted:
		return "encrypted"
	}
	return "none"
}

type (
	// Policy gates outbound connections made for MX-routed deliveries.
	// Start is called once per delivery attempt and returns the state
	// holder used for it.
	Policy interface {
		Start() DeliveryPolicy
		Close() error
	}

	// DeliveryPolicy is the per-attempt half of a Policy. PrepareDomain
	// and PrepareConn start asynchronous lookups early so the later
	// checks rarely block; a policy that was never prepared for the
	// argument must act as a no-op.
	DeliveryPolicy interface {
		PrepareDomain(ctx context.Context, domain string)
		PrepareConn(ctx context.Context, mx string)

		// CheckMX rejects the candidate server before it is dialed.
		CheckMX(ctx context.Context, domain, mx string, dnssec bool) error

		// CheckConn inspects the established connection and either rejects
		// it or returns the (possibly raised) TLS level.
		CheckConn(ctx context.Context, level TLSLevel, domain, mx string, state tls.ConnectionState) (TLSLevel, error)
	}
)

type (
	mtastsPolicy struct {
		cache       *mtasts.Cache
		updaterStop chan struct{}
		log         log.Logger
	}
	mtastsDelivery struct {
		c    *mtastsPolicy
		futs map[string]*future.Future
	}
)

// NewMTASTSPolicy builds an MTA-STS policy source backed by an on-disk
// cache that is refreshed in the background.
func NewMTASTSPolicy(cacheDir string, resolver dns.Resolver, logger log.Logger) (*mtastsPolicy, error) {
	if cacheDir == "" {
		cacheDir = "mtasts_cache"
	}
	if err := os.MkdirAll(cacheDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("remote: cannot create MTA-STS cache: %w", err)
	}

	c := &mtastsPolicy{
		cache:       mtasts.NewFSCache(cacheDir),
		updaterStop: make(chan struct{}),
		log:         logger,
	}
	c.cache.Resolver = resolver

	go c.updater()

	return c, nil
}

func (c *mtastsPolicy) updater() {
	// Refresh on start, the daemon may have been down long enough for
	// cached policies to go stale.
	if err := c.cache.Refresh(); err != nil {
		c.log.Error("MTA-STS cache refresh failed", err)
	}

	t := time.NewTicker(12 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.cache.Refresh(); err != nil {
				c.log.Error("MTA-STS cache refresh failed", err)
			}
		case <-c.updaterStop:
			c.updaterStop <- struct{}{}
			return
		}
	}
}

func (c *mtastsPolicy) Start() DeliveryPolicy {
	return &mtastsDelivery{c: c, futs: map[string]*future.Future{}}
}

func (c *mtastsPolicy) Close() error {
	c.updaterStop <- struct{}{}
	<-c.updaterStop
	return nil
}

func (d *mtastsDelivery) PrepareDomain(ctx context.Context, domain string) {
	fut := future.New()
	d.futs[domain] = fut
	go func() {
		fut.Set(d.c.cache.Get(ctx, domain))
	}()
}

func (d *mtastsDelivery) PrepareConn(ctx context.Context, mx string) {}

func (d *mtastsDelivery) CheckMX(ctx context.Context, domain, mx string, dnssec bool) error {
	fut := d.futs[domain]
	if fut == nil {
		return nil
	}
	policyI, err := fut.GetContext(ctx)
	if err != nil {
		d.c.log.DebugMsg("no MTA-STS policy", "domain", domain, "err", err)
		return nil
	}
	policy := policyI.(*mtasts.Policy)

	if policy.Match(mx) {
		return nil
	}
	if policy.Mode == mtasts.ModeEnforce {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Failed to establish the MX record authenticity (MTA-STS)",
			TargetName:   "remote",
			Misc: map[string]any{
				"domain": domain,
				"mx":     mx,
			},
		}
	}
	d.c.log.Msg("MX does not match the non-enforced MTA-STS policy", "domain", domain, "mx", mx)
	return nil
}

func (d *mtastsDelivery) CheckConn(ctx context.Context, level TLSLevel, domain, mx string, state tls.ConnectionState) (TLSLevel, error) {
	fut := d.futs[domain]
	if fut == nil {
		return level, nil
	}
	policyI, err := fut.GetContext(ctx)
	if err != nil {
		return level, nil
	}
	policy := policyI.(*mtasts.Policy)

	if policy.Mode != mtasts.ModeEnforce {
		return level, nil
	}

	// MTA-STS requires PKIX authentication, a DANE-authenticated
	// connection without a verified chain does not pass (RFC 8461,
	// Section 4.2).
	if !state.HandshakeComplete {
		return level, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS is required but unavailable or failed (MTA-STS)",
			TargetName:   "remote",
		}
	}
	if state.VerifiedChains == nil {
		return level, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "Server certificate is not trusted but authentication is required by MTA-STS",
			TargetName:   "remote",
			Misc: map[string]any{
				"tls_level": level.String(),
			},
		}
	}
	return level, nil
}

type (
	danePolicy struct {
		extResolver *dns.ExtResolver
		log         log.Logger
	}
	daneDelivery struct {
		c    *danePolicy
		futs map[string]*future.Future
	}
)

// NewDANEPolicy builds the DANE policy. It requires a DNSSEC-capable
// resolver; TLSA lookups go out as soon as a server is considered for
// dialing.
func NewDANEPolicy(extResolver *dns.ExtResolver, logger log.Logger) *danePolicy {
	return &danePolicy{extResolver: extResolver, log: logger}
}

func (c *danePolicy) Start() DeliveryPolicy {
	return &daneDelivery{c: c, futs: map[string]*future.Future{}}
}

func (c *danePolicy) Close() error {
	return nil
}

func (d *daneDelivery) PrepareDomain(ctx context.Context, domain string) {}

func (d *daneDelivery) PrepareConn(ctx context.Context, mx string) {
	if d.c.extResolver == nil {
		return
	}

	fut := future.New()
	d.futs[mx] = fut

	go func() {
		ad, recs, err := d.c.extResolver.AuthLookupTLSA(ctx, "25", "tcp", mx)
		if err != nil {
			fut.Set([]dns.TLSA{}, err)
			return
		}
		if !ad {
			// An unsigned RRset is treated the same as an absent one
			// (RFC 7672, Section 2.2).
			fut.Set([]dns.TLSA{}, nil)
			return
		}
		fut.Set(recs, nil)
	}()
}

func (d *daneDelivery) CheckMX(ctx context.Context, domain, mx string, dnssec bool) error {
	return nil
}

func (d *daneDelivery) CheckConn(ctx context.Context, level TLSLevel, domain, mx string, state tls.ConnectionState) (TLSLevel, error) {
	fut := d.futs[mx]
	if fut == nil {
		return level, nil
	}

	recsI, err := fut.GetContext(ctx)
	if err != nil {
		if dns.IsNotFound(err) {
			return level, nil
		}
		// Either a resolution failure or a bogus DNSSEC signature, there
		// is no way to tell these apart here. Assume the worst but leave
		// room for a retry.
		return level, exterrors.WithTemporary(err, true)
	}
	recs := recsI.([]dns.TLSA)

	overridePKIX, err := verifyDANE(recs, mx, state)
	if err != nil {
		return level, err
	}
	if overridePKIX && level < TLSAuthenticated {
		d.c.log.DebugMsg("TLS authenticated via DANE", "server", mx)
		return TLSAuthenticated, nil
	}
	return level, nil
}

// localPolicy enforces a floor on the connection TLS state, implementing
// the mandatory TLS relay setting. It applies to pinned destinations too.
type localPolicy struct {
	minLevel TLSLevel
}

func (l localPolicy) Start() DeliveryPolicy {
	return l
}

func (l localPolicy) Close() error {
	return nil
}

func (l localPolicy) PrepareDomain(ctx context.Context, domain string) {}

func (l localPolicy) PrepareConn(ctx context.Context, mx string) {}

func (l localPolicy) CheckMX(ctx context.Context, domain, mx string, dnssec bool) error {
	return nil
}

func (l localPolicy) CheckConn(ctx context.Context, level TLSLevel, domain, mx string, state tls.ConnectionState) (TLSLevel, error) {
	if level < l.minLevel {
		return level, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS is required but unavailable or failed",
			TargetName:   "remote",
			Misc: map[string]any{
				"tls_level": level.String(),
			},
		}
	}
	return level, nil
}
