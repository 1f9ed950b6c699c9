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

// Package rbl queries DNS-based blocklists about connecting clients.
//
// All configured providers are asked concurrently and the first listing
// wins. Provider lookup failures never count against the client: they
// are logged and the address is treated as clean.
package rbl

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/dns"
	"github.com/transilvlad/robin-sub003/framework/log"
)

type Checker struct {
	log      log.Logger
	resolver dns.Resolver
	zones    []string
	timeout  time.Duration
	reject   bool
}

func New(cfg config.RBL, logger log.Logger) *Checker {
	return &Checker{
		log:      logger,
		resolver: dns.DefaultResolver(),
		zones:    cfg.Providers,
		timeout:  cfg.Timeout(),
		reject:   cfg.RejectEnabled,
	}
}

// Enabled reports whether any providers are configured.
func (c *Checker) Enabled() bool {
	return len(c.zones) != 0
}

// RejectEnabled reports whether listings should reject the client rather
// than only being logged.
func (c *Checker) RejectEnabled() bool {
	return c.reject
}

// Check returns ListedErr if ip appears on any configured provider and
// nil otherwise. Hits are logged here, so callers running in log-only
// mode need no extra handling.
func (c *Checker) Check(ctx context.Context, ip net.IP) error {
	if len(c.zones) == 0 {
		return nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, zone := range c.zones {
		zone := zone
		eg.Go(func() error {
			err := checkZone(ctx, c.resolver, zone, ip)
			if err == nil {
				return nil
			}
			var listed ListedErr
			if errors.As(err, &listed) {
				return listed
			}
			if ctx.Err() != nil {
				// Another zone already answered "listed".
				return nil
			}
			lookupErrors.WithLabelValues(zone).Inc()
			c.log.Error("list lookup failed", err, "list", zone, "src_ip", ip.String())
			return nil
		})
	}

	err := eg.Wait()
	var listed ListedErr
	if errors.As(err, &listed) {
		listedClients.WithLabelValues(listed.List).Inc()
		c.log.Msg("client listed",
			"list", listed.List, "identity", listed.Identity, "reason", listed.Reason)
	}
	return err
}
