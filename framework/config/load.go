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

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	toml "github.com/pelletier/go-toml/v2"
)

// Load reads the TOML file at path on top of Default values.
//
// A missing file is not an error - defaults are returned, so `robin run`
// works out of the box for local smoke testing.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks internal consistency of the configuration. It is called
// by Load but exposed separately for tests constructing Config directly.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if c.StorePath == "" {
		return errors.New("storePath is required")
	}
	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listeners[%d]: address is required", i)
		}
		switch l.Mode {
		case "", "smtp", "submission", "smtps", "lmtp":
		default:
			return fmt.Errorf("listeners[%d]: unknown mode %q", i, l.Mode)
		}
		if l.Mode == "smtps" && c.TLS.CertPath == "" {
			return fmt.Errorf("listeners[%d]: smtps requires tls.certPath", i)
		}
	}

	if c.Limits.ErrorLimit < 0 || c.Limits.RecipientsLimit < 0 {
		return errors.New("limits must not be negative")
	}

	if c.Rspamd.Enabled && c.Rspamd.DiscardThreshold < c.Rspamd.RejectThreshold {
		return errors.New("rspamd: discardThreshold must be >= rejectThreshold")
	}
	switch c.ClamAV.Policy {
	case "", "reject", "discard":
	default:
		return fmt.Errorf("clamav: unknown policy %q", c.ClamAV.Policy)
	}

	switch c.Dovecot.FailureBehaviour {
	case "", "bounce", "retry":
	default:
		return fmt.Errorf("dovecot: unknown failureBehaviour %q", c.Dovecot.FailureBehaviour)
	}

	if c.Queue.GrowthFactor < 1 {
		return errors.New("queue: growthFactor must be >= 1")
	}
	if c.Queue.MaxDequeuePerTick < 1 {
		return errors.New("queue: maxDequeuePerTick must be >= 1")
	}

	for i, r := range c.Proxy.Rules {
		for _, expr := range []string{r.IpRegex, r.EhloRegex, r.MailRegex, r.RcptRegex} {
			if expr == "" {
				continue
			}
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("proxy.rules[%d]: %w", i, err)
			}
		}
		switch r.Direction {
		case "", "inbound", "outbound", "both":
		default:
			return fmt.Errorf("proxy.rules[%d]: unknown direction %q", i, r.Direction)
		}
		switch r.Protocol {
		case "", "esmtp", "smtp", "lmtp":
		default:
			return fmt.Errorf("proxy.rules[%d]: unknown protocol %q", i, r.Protocol)
		}
		switch r.NoMatchAction {
		case "", "none", "accept", "reject":
		default:
			return fmt.Errorf("proxy.rules[%d]: unknown noMatchAction %q", i, r.NoMatchAction)
		}
		if len(r.Hosts) == 0 {
			return fmt.Errorf("proxy.rules[%d]: at least one host is required", i)
		}
	}

	switch c.Auth.Backend {
	case "", "static", "dovecot":
	default:
		return fmt.Errorf("auth: unknown backend %q", c.Auth.Backend)
	}
	if c.Auth.Backend == "dovecot" && c.Dovecot.SaslEndpoint == "" {
		return errors.New("auth: dovecot backend requires dovecot.saslEndpoint")
	}

	return nil
}
