package rbl

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
)

func testChecker(zones map[string]mockdns.Zone, providers ...string) *Checker {
	return &Checker{
		resolver: &mockdns.Resolver{Zones: zones},
		zones:    providers,
		timeout:  5 * time.Second,
		reject:   true,
	}
}

func TestCheckClean(t *testing.T) {
	c := testChecker(nil, "one.example.org", "two.example.org")
	if err := c.Check(context.Background(), net.IPv4(192, 0, 2, 99)); err != nil {
		t.Errorf("clean client flagged: %v", err)
	}
}

func TestCheckAnyProviderHit(t *testing.T) {
	c := testChecker(map[string]mockdns.Zone{
		"99.2.0.192.two.example.org.": {A: []string{"127.0.0.2"}},
	}, "one.example.org", "two.example.org")

	err := c.Check(context.Background(), net.IPv4(192, 0, 2, 99))
	var listed ListedErr
	if !errors.As(err, &listed) {
		t.Fatalf("expected a listing, got %v", err)
	}
	if listed.List != "two.example.org" {
		t.Errorf("listing attributed to %q", listed.List)
	}
}

func TestCheckLookupErrorIsClean(t *testing.T) {
	c := testChecker(map[string]mockdns.Zone{
		"99.2.0.192.one.example.org.": {
			Err: &net.DNSError{Err: "i/o timeout", IsTimeout: true, IsTemporary: true},
		},
	}, "one.example.org")

	if err := c.Check(context.Background(), net.IPv4(192, 0, 2, 99)); err != nil {
		t.Errorf("provider trouble flagged the client: %v", err)
	}
}

func TestCheckErrorDoesNotMaskHit(t *testing.T) {
	c := testChecker(map[string]mockdns.Zone{
		"99.2.0.192.one.example.org.": {
			Err: &net.DNSError{Err: "i/o timeout", IsTimeout: true, IsTemporary: true},
		},
		"99.2.0.192.two.example.org.": {A: []string{"127.0.0.2"}},
	}, "one.example.org", "two.example.org")

	var listed ListedErr
	if err := c.Check(context.Background(), net.IPv4(192, 0, 2, 99)); !errors.As(err, &listed) {
		t.Errorf("expected a listing, got %v", err)
	}
}

func TestCheckNoProviders(t *testing.T) {
	c := New(config.RBL{}, log.Logger{})
	if c.Enabled() {
		t.Error("Enabled() with no providers")
	}
	if err := c.Check(context.Background(), net.IPv4(192, 0, 2, 99)); err != nil {
		t.Errorf("Check with no providers: %v", err)
	}
}
