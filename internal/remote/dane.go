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
	"crypto/tls"
	"crypto/x509"

	"github.com/transilvlad/robin-sub003/framework/dns"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
)

// verifyDANE checks whether the TLSA records require TLS use and match the
// certificate and name presented by the server.
//
// overridePKIX reports that the server is authenticated by DANE even if
// PKIX/X.509 verification failed, so an InsecureSkipVerify connection may
// be treated as authenticated.
//
// The structure follows the pseudocode in RFC 6698, Appendix B.2, with the
// SMTP-specific restrictions of RFC 7672: only the DANE-TA (2) and DANE-EE
// (3) usages apply, and a usable record set makes TLS mandatory even when
// no record matches the certificate.
func verifyDANE(recs []dns.TLSA, serverName string, connState tls.ConnectionState) (overridePKIX bool, err error) {
	// An authenticated denial of existence leaves the pre-DANE behavior in
	// place (RFC 7672, Section 2.2).
	if len(recs) == 0 {
		return false, nil
	}

	// TLS is required even when all records turn out to be unusable
	// (RFC 7672, Section 2.2).
	if !connState.HandshakeComplete {
		return false, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "TLS is required but unsupported or failed (enforced by DANE)",
			TargetName:   "remote",
			Misc: map[string]any{
				"remote_server": serverName,
			},
		}
	}

	// Drop records with unknown parameters (RFC 7672, Section 2.2 treats
	// them as unusable).
	usable := recs[:0]
	for _, rec := range recs {
		switch rec.Usage {
		case 2, 3:
		default:
			continue
		}
		switch rec.Selector {
		case 0, 1:
		default:
			continue
		}
		switch rec.MatchingType {
		case 0, 1, 2:
		default:
			continue
		}
		usable = append(usable, rec)
	}

	// All records unusable: TLS is mandatory but authentication is not
	// (RFC 7672, Section 2.2).
	if len(usable) == 0 {
		return false, nil
	}

	for _, rec := range usable {
		switch rec.Usage {
		case 2: // Trust anchor assertion (DANE-TA).
			// The chain certificate matching the record becomes the root,
			// everything presented serves as intermediates, and standard
			// X.509 verification confirms the server certificate chains up
			// to the asserted anchor.
			certs := connState.PeerCertificates
			opts := x509.VerifyOptions{
				DNSName:       serverName,
				Roots:         x509.NewCertPool(),
				Intermediates: x509.NewCertPool(),
			}
			foundTA := false
			for _, cert := range certs {
				if !foundTA && cert.IsCA && rec.Verify(cert) == nil {
					opts.Roots.AddCert(cert)
					foundTA = true
				}
				opts.Intermediates.AddCert(cert)
			}
			if !foundTA {
				continue
			}
			if _, err := certs[0].Verify(opts); err == nil {
				return true, nil
			}
		case 3: // Domain-issued certificate (DANE-EE).
			// Name and expiration do not matter for DANE-EE (RFC 7672,
			// Section 3.1.1), the record pins the certificate itself.
			if rec.Verify(connState.PeerCertificates[0]) == nil {
				return true, nil
			}
		}
	}

	// Usable records exist but none matched the certificate.
	return false, &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
		Message:      "No matching TLSA records",
		TargetName:   "remote",
		Misc: map[string]any{
			"remote_server": serverName,
		},
	}
}
