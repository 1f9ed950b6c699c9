package rbl

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"
)

func TestQueryString(t *testing.T) {
	test := func(ip, want string) {
		t.Helper()
		parsed := net.ParseIP(ip)
		if parsed == nil {
			panic("malformed IP in test")
		}
		if got := queryString(parsed); got != want {
			t.Errorf("queryString(%s) = %s, want %s", ip, got, want)
		}
	}

	test("192.0.2.99", "99.2.0.192")
	test("2001:db8::1", "1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2")
	test("2001:db8:1:2:3:4:567:89ab", "b.a.9.8.7.6.5.0.4.0.0.0.3.0.0.0.2.0.0.0.1.0.0.0.8.b.d.0.1.0.0.2")
	// IPv4-mapped addresses take the octet form.
	test("::ffff:127.0.0.2", "2.0.0.127")
}

func TestCheckZone(t *testing.T) {
	ip := net.IPv4(192, 0, 2, 99)

	test := func(name string, zones map[string]mockdns.Zone, wantListed bool, wantReason string) {
		t.Helper()
		t.Run(name, func(t *testing.T) {
			resolver := mockdns.Resolver{Zones: zones}
			err := checkZone(context.Background(), &resolver, "bl.example.org", ip)

			var listed ListedErr
			if errors.As(err, &listed) != wantListed {
				t.Fatalf("listed = %v, want %v (err: %v)", !wantListed, wantListed, err)
			}
			if !wantListed {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if listed.List != "bl.example.org" || listed.Identity != "192.0.2.99" {
				t.Errorf("wrong listing: %#v", listed)
			}
			if listed.Reason != wantReason {
				t.Errorf("reason = %q, want %q", listed.Reason, wantReason)
			}
		})
	}

	test("not listed", nil, false, "")
	test("listed by A", map[string]mockdns.Zone{
		"99.2.0.192.bl.example.org.": {A: []string{"127.0.0.2"}},
	}, true, "127.0.0.2")
	test("multiple answers", map[string]mockdns.Zone{
		"99.2.0.192.bl.example.org.": {A: []string{"127.0.0.2", "127.0.0.10"}},
	}, true, "127.0.0.2; 127.0.0.10")
	test("TXT reason wins", map[string]mockdns.Zone{
		"99.2.0.192.bl.example.org.": {
			A:   []string{"127.0.0.2"},
			TXT: []string{"spam source", "see https://bl.example.org"},
		},
	}, true, "spam source; see https://bl.example.org")
	test("other client listed", map[string]mockdns.Zone{
		"1.2.0.192.bl.example.org.": {A: []string{"127.0.0.2"}},
	}, false, "")
}

func TestCheckZoneLookupError(t *testing.T) {
	resolver := mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"99.2.0.192.bl.example.org.": {
			Err: &net.DNSError{Err: "i/o timeout", IsTimeout: true, IsTemporary: true},
		},
	}}

	err := checkZone(context.Background(), &resolver, "bl.example.org", net.IPv4(192, 0, 2, 99))
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsTimeout {
		t.Errorf("expected the timeout to propagate, got %v", err)
	}
}
