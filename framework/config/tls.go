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
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/transilvlad/robin-sub003/framework/hooks"
)

// Build loads the certificate pair and produces a server-side tls.Config.
// Returns nil without error when no certificate is configured - the caller
// then does not advertise STARTTLS.
//
// The certificate is cached and re-read on the reload event, so renewed
// files are picked up by SIGHUP without rebinding listeners.
func (t TLS) Build() (*tls.Config, error) {
	if t.CertPath == "" {
		return nil, nil
	}

	minVer, err := parseTLSVersion(t.MinVersion)
	if err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(t.CertPath, t.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("config: load TLS keypair: %w", err)
	}

	var mu sync.RWMutex
	cached := &cert

	hooks.AddHook(hooks.EventReload, func() {
		newCert, err := tls.LoadX509KeyPair(t.CertPath, t.KeyPath)
		if err != nil {
			// Keep serving the previous certificate.
			return
		}
		mu.Lock()
		cached = &newCert
		mu.Unlock()
	})

	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			mu.RLock()
			defer mu.RUnlock()
			return cached, nil
		},
	}, nil
}

func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("config: unknown TLS version: %s", v)
	}
}
