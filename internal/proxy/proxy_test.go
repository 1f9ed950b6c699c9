package proxy

import (
	"strings"
	"testing"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
)

func mustEngine(t *testing.T, rules ...config.ProxyRule) *Engine {
	t.Helper()
	e, err := NewEngine(rules, log.Logger{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestCompileRuleDefaults(t *testing.T) {
	r, err := compileRule(config.ProxyRule{
		Name:  "archive",
		Hosts: []string{"archive.example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Port != 25 {
		t.Errorf("port: %d", r.Port)
	}
	if r.Protocol != "esmtp" {
		t.Errorf("protocol: %q", r.Protocol)
	}
	if r.directions != Inbound|Outbound {
		t.Errorf("directions: %v", r.directions)
	}
	if r.NoMatchAction != ActionNone {
		t.Errorf("noMatchAction: %v", r.NoMatchAction)
	}
	if r.LMTP() {
		t.Error("esmtp rule reported as LMTP")
	}
}

func TestCompileRuleErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		cfg  config.ProxyRule
		frag string
	}{
		{"direction", config.ProxyRule{Name: "r", Hosts: []string{"h"}, Direction: "sideways"}, "unknown direction"},
		{"noMatchAction", config.ProxyRule{Name: "r", Hosts: []string{"h"}, NoMatchAction: "bounce"}, "unknown noMatchAction"},
		{"rcptRegex", config.ProxyRule{Name: "r", Hosts: []string{"h"}, RcptRegex: "("}, "rcptRegex"},
		{"hosts", config.ProxyRule{Name: "r"}, "at least one host"},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := compileRule(test.cfg)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), test.frag) {
				t.Errorf("error %q does not mention %q", err, test.frag)
			}
		})
	}
}

func TestMatchSelectors(t *testing.T) {
	e := mustEngine(t, config.ProxyRule{
		Name:      "corp",
		IpRegex:   `10\.0\.0\.[0-9]+`,
		EhloRegex: `.*\.corp\.example\.com`,
		MailRegex: `.*@example\.org`,
		RcptRegex: `.*@corp\.example\.com`,
		Direction: "inbound",
		Hosts:     []string{"relay.corp.example.com"},
	})

	base := Query{
		Direction: Inbound,
		IP:        "10.0.0.7",
		EHLO:      "gw.corp.example.com",
		MailFrom:  "sender@example.org",
		Rcpt:      "user@corp.example.com",
	}

	if v, r := e.Match(base); v != VerdictForward || r == nil || r.Name != "corp" {
		t.Errorf("full match: verdict %v, rule %v", v, r)
	}

	for _, test := range []struct {
		name   string
		mutate func(q *Query)
	}{
		{"direction", func(q *Query) { q.Direction = Outbound }},
		{"ip", func(q *Query) { q.IP = "192.168.1.1" }},
		{"ehlo", func(q *Query) { q.EHLO = "mx.other.example" }},
		{"mail", func(q *Query) { q.MailFrom = "sender@other.example" }},
	} {
		t.Run(test.name, func(t *testing.T) {
			q := base
			test.mutate(&q)
			if v, _ := e.Match(q); v != VerdictNone {
				t.Errorf("verdict: %v", v)
			}
		})
	}
}

func TestMatchAnchorsPatterns(t *testing.T) {
	e := mustEngine(t, config.ProxyRule{
		Name:      "strict",
		RcptRegex: `.*@corp\.example\.com`,
		Hosts:     []string{"relay.example.com"},
	})

	// The pattern must cover the whole address, so a crafted suffix
	// cannot ride along on a substring match.
	q := Query{Direction: Inbound, Rcpt: "user@corp.example.com.attacker.net"}
	if v, _ := e.Match(q); v != VerdictNone {
		t.Errorf("suffixed address matched: %v", v)
	}

	q.Rcpt = "user@corp.example.com"
	if v, _ := e.Match(q); v != VerdictForward {
		t.Errorf("exact address not matched: %v", v)
	}
}

func TestMatchFirstRuleWins(t *testing.T) {
	e := mustEngine(t,
		config.ProxyRule{Name: "first", RcptRegex: `.*@example\.com`, Hosts: []string{"one.example.com"}},
		config.ProxyRule{Name: "second", RcptRegex: `user@.*`, Hosts: []string{"two.example.com"}},
	)

	v, r := e.Match(Query{Direction: Inbound, Rcpt: "user@example.com"})
	if v != VerdictForward || r == nil || r.Name != "first" {
		t.Errorf("verdict %v, rule %v", v, r)
	}
}

func TestMatchNoMatchAction(t *testing.T) {
	for _, test := range []struct {
		action string
		want   Verdict
	}{
		{"accept", VerdictAccept},
		{"reject", VerdictReject},
		{"none", VerdictNone},
	} {
		t.Run(test.action, func(t *testing.T) {
			e := mustEngine(t, config.ProxyRule{
				Name:          "gate",
				EhloRegex:     `gw\.example\.net`,
				RcptRegex:     `.*@example\.net`,
				NoMatchAction: test.action,
				Hosts:         []string{"relay.example.net"},
			})

			// Traffic selectors match, the recipient does not.
			q := Query{Direction: Inbound, EHLO: "gw.example.net", Rcpt: "user@elsewhere.example"}
			if v, _ := e.Match(q); v != test.want {
				t.Errorf("verdict: %v, want %v", v, test.want)
			}
		})
	}
}

func TestMatchNoMatchActionNeedsApplicableRule(t *testing.T) {
	e := mustEngine(t, config.ProxyRule{
		Name:          "gate",
		EhloRegex:     `gw\.example\.net`,
		RcptRegex:     `.*@example\.net`,
		NoMatchAction: "reject",
		Hosts:         []string{"relay.example.net"},
	})

	// Different EHLO: the rule does not apply at all, so its no-match
	// action stays out of the picture.
	q := Query{Direction: Inbound, EHLO: "mx.other.example", Rcpt: "user@elsewhere.example"}
	if v, _ := e.Match(q); v != VerdictNone {
		t.Errorf("verdict: %v", v)
	}
}

func TestMatchForwardShadowsLaterAction(t *testing.T) {
	e := mustEngine(t,
		config.ProxyRule{Name: "route", RcptRegex: `.*@example\.com`, Hosts: []string{"one.example.com"}},
		config.ProxyRule{Name: "gate", RcptRegex: `.*@example\.net`, NoMatchAction: "reject", Hosts: []string{"two.example.com"}},
	)

	// The first rule forwards, so the second rule's reject must not
	// override the decision.
	v, r := e.Match(Query{Direction: Inbound, Rcpt: "user@example.com"})
	if v != VerdictForward || r == nil || r.Name != "route" {
		t.Errorf("verdict %v, rule %v", v, r)
	}
}

func TestMatchActionBeforeLaterForward(t *testing.T) {
	e := mustEngine(t,
		config.ProxyRule{Name: "gate", RcptRegex: `.*@example\.net`, NoMatchAction: "reject", Hosts: []string{"one.example.com"}},
		config.ProxyRule{Name: "route", RcptRegex: `.*@example\.com`, Hosts: []string{"two.example.com"}},
	)

	// Declared order decides: the reject fires before the second rule
	// gets a chance to forward.
	if v, _ := e.Match(Query{Direction: Inbound, Rcpt: "user@example.com"}); v != VerdictReject {
		t.Errorf("verdict: %v", v)
	}
}

func TestRuleKey(t *testing.T) {
	a, err := compileRule(config.ProxyRule{Name: "a", RcptRegex: `.*@one\.example`, Hosts: []string{"relay.example.com"}, Port: 2525})
	if err != nil {
		t.Fatal(err)
	}
	b, err := compileRule(config.ProxyRule{Name: "b", RcptRegex: `.*@two\.example`, Hosts: []string{"relay.example.com"}, Port: 2525})
	if err != nil {
		t.Fatal(err)
	}
	c, err := compileRule(config.ProxyRule{Name: "c", Hosts: []string{"relay.example.com"}, Port: 587})
	if err != nil {
		t.Fatal(err)
	}

	if a.Key() != b.Key() {
		t.Errorf("same destination, different keys: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() == c.Key() {
		t.Errorf("different ports share a key: %q", a.Key())
	}
}
