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

package rbl

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/transilvlad/robin-sub003/framework/dns"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
)

// ListedErr is returned by Checker.Check when a client address appears on
// one of the configured lists.
type ListedErr struct {
	Identity string
	List     string
	Reason   string
}

func (le ListedErr) Fields() map[string]interface{} {
	return map[string]interface{}{
		"check":           "rbl",
		"list":            le.List,
		"listed_identity": le.Identity,
		"reason":          le.Reason,
		"smtp_code":       550,
		"smtp_enchcode":   exterrors.EnhancedCode{5, 7, 1},
		"smtp_msg":        "listed client",
	}
}

func (le ListedErr) Error() string {
	return le.Identity + " is listed by " + le.List
}

// checkZone asks one list about ip. A nil error means not listed;
// NXDOMAIN counts as not listed, any A-type answer as listed. When a TXT
// record is published alongside it is used as the reason, otherwise the
// answer addresses are (lists commonly map those to fixed meanings).
func checkZone(ctx context.Context, resolver dns.Resolver, zone string, ip net.IP) error {
	query := queryString(ip) + "." + zone

	addrs, err := resolver.LookupIPAddr(ctx, query)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return nil
		}
		return err
	}
	if len(addrs) == 0 {
		return nil
	}

	txts, err := resolver.LookupTXT(ctx, query)
	if err != nil || len(txts) == 0 {
		reasonParts := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			reasonParts = append(reasonParts, addr.IP.String())
		}
		return ListedErr{
			Identity: ip.String(),
			List:     zone,
			Reason:   strings.Join(reasonParts, "; "),
		}
	}

	// Meta-lists publish several reasons, keep them apart.
	return ListedErr{
		Identity: ip.String(),
		List:     zone,
		Reason:   strings.Join(txts, "; "),
	}
}

// queryString renders ip in the reversed form RFC 5782 queries use:
// reversed octets for IPv4, reversed nibbles for IPv6.
func queryString(ip net.IP) string {
	if ipv4 := ip.To4(); ipv4 != nil {
		return strconv.Itoa(int(ipv4[3])) + "." + strconv.Itoa(int(ipv4[2])) + "." +
			strconv.Itoa(int(ipv4[1])) + "." + strconv.Itoa(int(ipv4[0]))
	}

	const hexDigit = "0123456789abcdef"
	buf := make([]byte, 0, 63)
	for i := len(ip) - 1; i >= 0; i-- {
		buf = append(buf, hexDigit[ip[i]&0xf], '.', hexDigit[ip[i]>>4])
		if i != 0 {
			buf = append(buf, '.')
		}
	}
	return string(buf)
}
