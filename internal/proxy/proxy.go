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

// Package proxy routes matched recipients through upstream SMTP or LMTP
// servers. Rules are static configuration evaluated per recipient; each
// session owns a Conns set that opens one upstream channel per matched
// destination, reuses it for every envelope in the session and closes
// it exactly once when the session ends.
package proxy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
)

// Direction classifies the session a recipient arrived on. Rules can be
// restricted to one direction; a config value of "both" sets both bits.
type Direction int

const (
	Inbound Direction = 1 << iota
	Outbound
)

// Action is what a rule wants done with a recipient that matches its
// traffic selectors but not its recipient pattern.
type Action int

const (
	ActionNone Action = iota
	ActionAccept
	ActionReject
)

// Rule is one compiled routing rule. Nil patterns match anything.
type Rule struct {
	Name          string
	Hosts         []string
	Port          int
	Protocol      string
	TLS           bool
	Username      string
	Password      string
	AuthMechanism string
	NoMatchAction Action

	directions Direction
	ip         *regexp.Regexp
	ehlo       *regexp.Regexp
	mail       *regexp.Regexp
	rcpt       *regexp.Regexp
}

// Key identifies the rule's destination. Rules with the same hosts,
// port, protocol, TLS flag and credentials share one upstream channel
// within a session.
func (r *Rule) Key() string {
	return strings.Join(r.Hosts, ",") + "|" + strconv.Itoa(r.Port) + "|" + r.Protocol + "|" +
		strconv.FormatBool(r.TLS) + "|" + r.Username + "|" + r.AuthMechanism
}

// LMTP reports whether the destination speaks LMTP rather than SMTP.
func (r *Rule) LMTP() bool {
	return r.Protocol == "lmtp"
}

// applies checks everything about the rule except the recipient
// pattern: the direction filter and the IP, EHLO and sender selectors.
func (r *Rule) applies(q Query) bool {
	if r.directions&q.Direction == 0 {
		return false
	}
	if r.ip != nil && !r.ip.MatchString(q.IP) {
		return false
	}
	if r.ehlo != nil && !r.ehlo.MatchString(q.EHLO) {
		return false
	}
	if r.mail != nil && !r.mail.MatchString(q.MailFrom) {
		return false
	}
	return true
}

func (r *Rule) matchRcpt(rcpt string) bool {
	return r.rcpt == nil || r.rcpt.MatchString(rcpt)
}

// compilePattern anchors the expression so it must cover the whole
// input, the way the rules are written in the configuration.
func compilePattern(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(`\A(?:` + expr + `)\z`)
}

func compileRule(cfg config.ProxyRule) (*Rule, error) {
	r := &Rule{
		Name:          cfg.Name,
		Hosts:         cfg.Hosts,
		Port:          cfg.Port,
		Protocol:      strings.ToLower(cfg.Protocol),
		TLS:           cfg.Tls,
		Username:      cfg.Username,
		Password:      cfg.Password,
		AuthMechanism: cfg.AuthMechanism,
	}
	if r.Port == 0 {
		r.Port = 25
	}
	if r.Protocol == "" {
		r.Protocol = "esmtp"
	}

	switch cfg.Direction {
	case "inbound":
		r.directions = Inbound
	case "outbound":
		r.directions = Outbound
	case "", "both":
		r.directions = Inbound | Outbound
	default:
		return nil, fmt.Errorf("proxy: rule %q: unknown direction %q", cfg.Name, cfg.Direction)
	}

	switch cfg.NoMatchAction {
	case "", "none":
		r.NoMatchAction = ActionNone
	case "accept":
		r.NoMatchAction = ActionAccept
	case "reject":
		r.NoMatchAction = ActionReject
	default:
		return nil, fmt.Errorf("proxy: rule %q: unknown noMatchAction %q", cfg.Name, cfg.NoMatchAction)
	}

	var err error
	if r.ip, err = compilePattern(cfg.IpRegex); err != nil {
		return nil, fmt.Errorf("proxy: rule %q: ipRegex: %w", cfg.Name, err)
	}
	if r.ehlo, err = compilePattern(cfg.EhloRegex); err != nil {
		return nil, fmt.Errorf("proxy: rule %q: ehloRegex: %w", cfg.Name, err)
	}
	if r.mail, err = compilePattern(cfg.MailRegex); err != nil {
		return nil, fmt.Errorf("proxy: rule %q: mailRegex: %w", cfg.Name, err)
	}
	if r.rcpt, err = compilePattern(cfg.RcptRegex); err != nil {
		return nil, fmt.Errorf("proxy: rule %q: rcptRegex: %w", cfg.Name, err)
	}
	if len(r.Hosts) == 0 {
		return nil, fmt.Errorf("proxy: rule %q: at least one host is required", cfg.Name)
	}
	return r, nil
}

// Engine holds the compiled rule set in declaration order.
type Engine struct {
	rules []*Rule
	log   log.Logger
}

func NewEngine(rules []config.ProxyRule, logger log.Logger) (*Engine, error) {
	e := &Engine{log: logger}
	for _, cfg := range rules {
		r, err := compileRule(cfg)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, r)
	}
	return e, nil
}

// Query carries everything a rule can match on for one recipient.
type Query struct {
	Direction Direction
	IP        string
	EHLO      string
	MailFrom  string
	Rcpt      string
}

// Verdict is the outcome of a rule walk for one recipient.
type Verdict int

const (
	// VerdictNone means no rule applies; normal recipient handling
	// continues.
	VerdictNone Verdict = iota

	// VerdictForward routes the recipient through the returned rule.
	VerdictForward

	// VerdictAccept accepts the recipient locally without proxying.
	VerdictAccept

	// VerdictReject refuses the recipient.
	VerdictReject
)

// Match walks the rules in declared order. The first rule to produce a
// decision wins: a full match forwards, a traffic-only match applies
// its no-match action. Later rules that would also forward the same
// recipient are logged and ignored.
func (e *Engine) Match(q Query) (Verdict, *Rule) {
	var winner *Rule
	for _, r := range e.rules {
		if !r.applies(q) {
			continue
		}
		if r.matchRcpt(q.Rcpt) {
			if winner != nil {
				e.log.Msg("recipient matches a second proxy rule, ignored",
					"rule", r.Name, "winner", winner.Name, "rcpt", q.Rcpt)
				continue
			}
			winner = r
			continue
		}
		if winner == nil {
			switch r.NoMatchAction {
			case ActionAccept:
				return VerdictAccept, r
			case ActionReject:
				return VerdictReject, r
			}
		}
	}
	if winner != nil {
		return VerdictForward, winner
	}
	return VerdictNone, nil
}
