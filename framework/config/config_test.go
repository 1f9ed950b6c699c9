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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hostname != "localhost" {
		t.Errorf("hostname: got %q", cfg.Hostname)
	}
	if cfg.Limits.ErrorLimit != 3 {
		t.Errorf("errorLimit: got %d", cfg.Limits.ErrorLimit)
	}
}

func TestLoad_OverridesAndNesting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robin.toml")
	blob := `
hostname = "mx.example.org"
storePath = "/tmp/robin-store"

[limits]
recipientsLimit = 5

[dos]
dosProtectionEnabled = true
maxConnectionsPerIp = 1
tarpitDelayMillis = 250

[[listeners]]
address = ":2525"
mode = "smtp"

[[proxy.rules]]
name = "corp"
rcptRegex = ".*@corp\\.example\\.org"
hosts = ["10.0.0.5"]
port = 25
`
	if err := os.WriteFile(path, []byte(blob), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hostname != "mx.example.org" {
		t.Errorf("hostname: got %q", cfg.Hostname)
	}
	if cfg.Limits.RecipientsLimit != 5 {
		t.Errorf("recipientsLimit: got %d", cfg.Limits.RecipientsLimit)
	}
	// Keys not present in the file keep defaults.
	if cfg.Limits.ErrorLimit != 3 {
		t.Errorf("errorLimit: got %d", cfg.Limits.ErrorLimit)
	}
	if cfg.DoS.TarpitDelay() != 250*time.Millisecond {
		t.Errorf("tarpitDelay: got %v", cfg.DoS.TarpitDelay())
	}
	if len(cfg.Proxy.Rules) != 1 || cfg.Proxy.Rules[0].Name != "corp" {
		t.Errorf("proxy rules: got %+v", cfg.Proxy.Rules)
	}
}

func TestValidate_Rejects(t *testing.T) {
	check := func(name string, mutate func(*Config)) {
		t.Helper()
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	check("empty hostname", func(c *Config) { c.Hostname = "" })
	check("no listeners", func(c *Config) { c.Listeners = nil })
	check("bad listener mode", func(c *Config) { c.Listeners[0].Mode = "imap" })
	check("bad proxy regex", func(c *Config) {
		c.Proxy.Rules = []ProxyRule{{RcptRegex: "(", Hosts: []string{"h"}}}
	})
	check("proxy rule without hosts", func(c *Config) {
		c.Proxy.Rules = []ProxyRule{{RcptRegex: ".*"}}
	})
	check("rspamd thresholds inverted", func(c *Config) {
		c.Rspamd.Enabled = true
		c.Rspamd.RejectThreshold = 20
		c.Rspamd.DiscardThreshold = 10
	})
	check("dovecot auth without endpoint", func(c *Config) {
		c.Auth.Backend = "dovecot"
		c.Dovecot.SaslEndpoint = ""
	})
}

func TestGlobalSnapshotSwap(t *testing.T) {
	orig := Current()
	defer Set(orig)

	cfg := Default()
	cfg.Hostname = "swapped.example.org"
	Set(&cfg)

	if Current().Hostname != "swapped.example.org" {
		t.Error("snapshot not swapped")
	}
}
