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

package smtp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub003/framework/address"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/internal/envelope"
	"github.com/transilvlad/robin-sub003/internal/extension"
	"github.com/transilvlad/robin-sub003/internal/proxy"
	"github.com/transilvlad/robin-sub003/internal/smtpconn"
	"github.com/transilvlad/robin-sub003/internal/wire"
)

// Handler is the server half of a verb: it runs inside the session
// goroutine and owns the wire until it returns. Multi-step exchanges
// (AUTH, DATA) do their intermediate I/O here and leave the final
// outcome to the returned error, which the session loop translates
// into a reply and a budget update.
type Handler interface {
	Serve(s *Session, cmd wire.Cmd) error
}

// errCloseSession tells the session loop to end the connection after a
// handler completed on its own terms (QUIT, a failed TLS handshake).
var errCloseSession = errors.New("smtp: close session")

// syntaxError marks a malformed command: the loop answers 500 with the
// carried text and charges the session error budget.
type syntaxError string

func (e syntaxError) Error() string { return "smtp: " + string(e) }

func init() {
	p := extension.DefaultPriority

	extension.RegisterServer("HELO", p, heloVerb{})
	extension.RegisterServer("EHLO", p, ehloVerb{})
	extension.RegisterServer("LHLO", p, lhloVerb{})
	extension.RegisterServer("STARTTLS", p, starttlsVerb{})
	extension.RegisterServer("AUTH", p, authVerb{})
	extension.RegisterServer("MAIL", p, mailVerb{})
	extension.RegisterServer("RCPT", p, rcptVerb{})
	extension.RegisterServer("DATA", p, dataVerb{})
	extension.RegisterServer("BDAT", p, bdatVerb{})
	extension.RegisterServer("RSET", p, rsetVerb{})
	extension.RegisterServer("NOOP", p, noopVerb{})
	extension.RegisterServer("HELP", p, helpVerb{})
	extension.RegisterServer("QUIT", p, quitVerb{})
}

type (
	heloVerb     struct{}
	ehloVerb     struct{}
	lhloVerb     struct{}
	starttlsVerb struct{}
	authVerb     struct{}
	mailVerb     struct{}
	rcptVerb     struct{}
	dataVerb     struct{}
	bdatVerb     struct{}
	rsetVerb     struct{}
	noopVerb     struct{}
	helpVerb     struct{}
	quitVerb     struct{}
)

func (heloVerb) Serve(s *Session, cmd wire.Cmd) error {
	if s.mode.lmtp() {
		return errUseLHLO
	}
	name, err := helloArg(cmd.Args)
	if err != nil {
		return err
	}

	s.resetTransaction("hello restarted")
	s.helloName = name
	s.helloSeen = true
	s.esmtp = false

	s.reply(&wire.Reply{Code: 250, Lines: []string{s.endp.hostname}})
	return nil
}

func (ehloVerb) Serve(s *Session, cmd wire.Cmd) error {
	if s.mode.lmtp() {
		return errUseLHLO
	}
	return serveHello(s, cmd)
}

func (lhloVerb) Serve(s *Session, cmd wire.Cmd) error {
	if !s.mode.lmtp() {
		return &exterrors.SMTPError{
			Code:         500,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "LHLO is only valid on LMTP",
		}
	}
	return serveHello(s, cmd)
}

var errUseLHLO = &exterrors.SMTPError{
	Code:         500,
	EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
	Message:      "This is LMTP, use LHLO",
}

// serveHello is the shared EHLO/LHLO path: reset, remember the client
// name and advertise capabilities.
func serveHello(s *Session, cmd wire.Cmd) error {
	name, err := helloArg(cmd.Args)
	if err != nil {
		return err
	}

	s.resetTransaction("hello restarted")
	s.helloName = name
	s.helloSeen = true
	s.esmtp = true

	s.reply(s.capabilityReply())
	return nil
}

func helloArg(args string) (string, error) {
	if args == "" || strings.ContainsAny(args, " \t") {
		return "", syntaxError("Syntax error in hello argument")
	}
	return args, nil
}

// capabilityReply builds the EHLO/LHLO response from the session
// state: what is advertised depends on the configuration and on how
// far TLS and AUTH have progressed.
func (s *Session) capabilityReply() *wire.Reply {
	peer := s.rdns
	if peer == "" {
		peer = "[" + s.remoteIP.String() + "]"
	}

	lines := []string{
		s.endp.hostname + " Hello " + peer,
		"PIPELINING",
		"8BITMIME",
		"SMTPUTF8",
		"CHUNKING",
		"ENHANCEDSTATUSCODES",
	}
	if limit := s.cfg.Limits.EmailSizeLimit; limit > 0 {
		lines = append(lines, "SIZE "+strconv.FormatInt(limit, 10))
	}
	if s.endp.tlsConfig != nil && !s.conn.IsTLS() {
		lines = append(lines, "STARTTLS")
	}
	if s.authUser == "" {
		lines = append(lines, "AUTH "+strings.Join(s.endp.sasl.Mechanisms(), " "))
	}
	lines = append(lines, "HELP")

	return &wire.Reply{Code: 250, Lines: lines}
}

func (starttlsVerb) Serve(s *Session, cmd wire.Cmd) error {
	if cmd.Args != "" {
		return syntaxError("Syntax error: STARTTLS takes no parameters")
	}
	if s.endp.tlsConfig == nil {
		return &exterrors.SMTPError{
			Code:         502,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "TLS not available",
		}
	}
	if s.conn.IsTLS() {
		return &exterrors.SMTPError{
			Code:         503,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "TLS already active",
		}
	}

	if !s.reply(&wire.Reply{Code: 220, Lines: []string{"Ready to start TLS"}}) {
		return errCloseSession
	}
	if err := s.conn.StartTLSServer(s.endp.tlsConfig); err != nil {
		s.log.Error("TLS handshake failed", err, "uid", s.uid, "src_ip", s.remoteIP.String())
		return errCloseSession
	}

	// RFC 3207: everything learned in plaintext is forgotten.
	s.resetTransaction("tls handshake")
	s.helloSeen = false
	s.helloName = ""
	s.esmtp = false
	return nil
}

func (authVerb) Serve(s *Session, cmd wire.Cmd) error {
	if !s.helloSeen || !s.esmtp {
		return errHelloFirst
	}
	if s.authUser != "" {
		return &exterrors.SMTPError{
			Code:         503,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "Already authenticated",
		}
	}
	if s.env != nil {
		return &exterrors.SMTPError{
			Code:         503,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "AUTH is not permitted during a mail transaction",
		}
	}

	mech, initial, _ := strings.Cut(cmd.Args, " ")
	if mech == "" {
		return syntaxError("Syntax error: AUTH requires a mechanism")
	}
	mech = strings.ToUpper(mech)

	var user string
	srv := s.endp.sasl.Create(mech, s.raw.RemoteAddr(), func(username string) error {
		user = username
		return nil
	})
	if srv == nil {
		return &exterrors.SMTPError{
			Code:         504,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 4},
			Message:      "Unsupported authentication mechanism",
		}
	}

	var response []byte
	if initial != "" {
		if initial == "=" {
			response = []byte{}
		} else {
			raw, err := base64.StdEncoding.DecodeString(initial)
			if err != nil {
				return syntaxError("Syntax error in AUTH initial response")
			}
			response = raw
		}
	}

	for {
		challenge, done, err := srv.Next(response)
		if err != nil {
			failedLogins.Inc()
			s.log.Msg("authentication failed", "uid", s.uid, "src_ip", s.remoteIP.String(), "mechanism", mech, "reason", err.Error())
			return &exterrors.SMTPError{
				Code:         535,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 8},
				Message:      "Invalid credentials",
			}
		}
		if done {
			break
		}

		if !s.reply(&wire.Reply{Code: 334, Lines: []string{base64.StdEncoding.EncodeToString(challenge)}}) {
			return errCloseSession
		}
		line, err := s.conn.ReadLine()
		if err != nil {
			return err
		}
		if line == "*" {
			return &exterrors.SMTPError{
				Code:         501,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Authentication cancelled",
			}
		}
		raw, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			failedLogins.Inc()
			return syntaxError("Syntax error in AUTH response")
		}
		response = raw
	}

	s.authUser = user
	s.log.Msg("authenticated", "uid", s.uid, "username", user, "src_ip", s.remoteIP.String())
	s.reply(&wire.Reply{
		Code:     235,
		Enhanced: exterrors.EnhancedCode{2, 7, 0},
		Lines:    []string{"Authentication successful"},
	})
	return nil
}

var errHelloFirst = &exterrors.SMTPError{
	Code:         503,
	EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
	Message:      "Send hello first",
}

func (mailVerb) Serve(s *Session, cmd wire.Cmd) error {
	if !s.helloSeen {
		return errHelloFirst
	}
	if s.env != nil || s.chunks != nil {
		return &exterrors.SMTPError{
			Code:         503,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "Nested MAIL command",
		}
	}
	if s.mode.submission() && s.authUser == "" {
		return &exterrors.SMTPError{
			Code:         530,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 57},
			Message:      "Authentication required",
		}
	}
	if err := s.deferredRBL(); err != nil {
		return err
	}
	if limit := s.cfg.Limits.EnvelopeLimit; limit > 0 && s.envCount >= limit {
		return &exterrors.SMTPError{
			Code:         452,
			EnhancedCode: exterrors.EnhancedCode{4, 5, 3},
			Message:      "Too many envelopes on one connection",
		}
	}

	from, params, err := mailArgs(cmd.Args)
	if err != nil {
		return err
	}
	if !s.esmtp && len(params) > 0 {
		return syntaxError("Syntax error: MAIL parameters require EHLO")
	}

	var (
		declSize int64
		body8bit bool
		utf8     bool
	)
	for key, value := range params {
		switch key {
		case "SIZE":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return syntaxError("Syntax error in SIZE parameter")
			}
			declSize = n
		case "BODY":
			switch strings.ToUpper(value) {
			case "7BIT":
			case "8BITMIME":
				body8bit = true
			default:
				return &exterrors.SMTPError{
					Code:         555,
					EnhancedCode: exterrors.EnhancedCode{5, 5, 4},
					Message:      "Unsupported BODY value",
				}
			}
		case "SMTPUTF8":
			if value != "" {
				return syntaxError("Syntax error in SMTPUTF8 parameter")
			}
			utf8 = true
		case "AUTH":
			// RFC 4954 authorization identity, accepted and ignored.
		default:
			return &exterrors.SMTPError{
				Code:         555,
				EnhancedCode: exterrors.EnhancedCode{5, 5, 4},
				Message:      "Unsupported MAIL parameter " + key,
			}
		}
	}

	if limit := s.cfg.Limits.EmailSizeLimit; limit > 0 && declSize > limit {
		return &exterrors.SMTPError{
			Code:         552,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds limit",
		}
	}

	if from != "" {
		if !utf8 && !address.IsASCII(from) {
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is required for non-ASCII senders",
			}
		}
		if !address.Valid(from) {
			return &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender address",
			}
		}
	}

	s.env = &envelope.Envelope{
		MailFrom: from,
		UTF8:     utf8,
		Date:     time.Now(),
	}
	s.declSize = declSize
	s.body8bit = body8bit
	s.envCount++
	startedTransactions.WithLabelValues(s.mode.String()).Inc()

	s.log.Msg("incoming transaction", "uid", s.nextUID(), "sender", from, "src_ip", s.remoteIP.String(), "src_host", s.helloName, "username", s.authUser)
	s.reply(&wire.Reply{Code: 250, Enhanced: exterrors.EnhancedCode{2, 1, 0}, Lines: []string{"OK"}})
	return nil
}

func (rcptVerb) Serve(s *Session, cmd wire.Cmd) error {
	if s.env == nil {
		return &exterrors.SMTPError{
			Code:         503,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "Need MAIL before RCPT",
		}
	}
	if limit := s.cfg.Limits.RecipientsLimit; limit > 0 && len(s.rcpts) >= limit {
		return &exterrors.SMTPError{
			Code:         452,
			EnhancedCode: exterrors.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}

	to, params, err := rcptArgs(cmd.Args)
	if err != nil {
		return err
	}
	for key := range params {
		return &exterrors.SMTPError{
			Code:         555,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 4},
			Message:      "Unsupported RCPT parameter " + key,
		}
	}

	// RFC 5321 exempts the postmaster mailbox from domain handling.
	if strings.EqualFold(to, "postmaster") {
		to = "postmaster@" + s.endp.hostname
	}
	if !s.env.UTF8 && !address.IsASCII(to) {
		return &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is required for non-ASCII recipients",
		}
	}
	if !address.Valid(to) {
		return &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}

	verdict, rule := s.endp.proxy.Match(proxy.Query{
		Direction: s.direction(),
		IP:        s.remoteIP.String(),
		EHLO:      s.helloName,
		MailFrom:  s.env.MailFrom,
		Rcpt:      to,
	})
	switch verdict {
	case proxy.VerdictReject:
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Recipient not allowed",
			TargetName:   "proxy",
			Misc:         map[string]interface{}{"rule": rule.Name},
		}
	case proxy.VerdictForward:
		return s.forwardRcpt(rule, to)
	default:
		s.env.AddRecipient(to)
		s.rcpts = append(s.rcpts, sessionRcpt{addr: to})
		s.reply(&wire.Reply{Code: 250, Enhanced: exterrors.EnhancedCode{2, 1, 5}, Lines: []string{"OK"}})
		return nil
	}
}

// forwardRcpt relays the recipient to the rule's upstream and forwards
// the upstream reply to the client byte for byte.
func (s *Session) forwardRcpt(rule *proxy.Rule, to string) error {
	opts := smtpconn.MailOptions{
		Size:     s.declSize,
		UTF8:     s.env.UTF8,
		Body8Bit: s.body8bit,
	}
	reply, err := s.upstreams.Rcpt(s.ctx, rule, s.env.MailFrom, opts, to)
	if err != nil {
		s.log.Error("proxy recipient failed", err, "uid", s.uid, "rule", rule.Name, "rcpt", to)
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 1},
			Message:      "Upstream unavailable",
			TargetName:   "proxy",
			Misc:         map[string]interface{}{"rule": rule.Name},
			Err:          err,
		}
	}

	if err := s.conn.WriteRaw(reply.Raw); err != nil {
		return err
	}
	if reply.Positive() {
		s.rcpts = append(s.rcpts, sessionRcpt{addr: to, rule: rule})
	}
	return nil
}

func (dataVerb) Serve(s *Session, cmd wire.Cmd) error {
	if cmd.Args != "" {
		return syntaxError("Syntax error: DATA takes no parameters")
	}
	if s.chunks != nil {
		return &exterrors.SMTPError{
			Code:         503,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "DATA cannot follow BDAT",
		}
	}
	if err := s.dataPreconditions(); err != nil {
		return err
	}

	if !s.reply(&wire.Reply{Code: 354, Lines: []string{"Start mail input, end with <CRLF>.<CRLF>"}}) {
		return errCloseSession
	}

	guard := s.trackerConn.DataGuard()
	if dl := guard.Deadline(); !dl.IsZero() {
		s.conn.SetHardDeadline(dl)
		defer s.conn.SetHardDeadline(time.Time{})
	}

	return s.acceptMessage(guard.Reader(s.conn.DotReader()))
}

// chunkSpool accumulates BDAT chunks in a spool file until the LAST
// chunk arrives.
type chunkSpool struct {
	f    *os.File
	size int64
}

func newChunkSpool(dir string) (*chunkSpool, error) {
	f, err := os.CreateTemp(dir, ".bdat-*")
	if err != nil {
		return nil, err
	}
	return &chunkSpool{f: f}, nil
}

func (c *chunkSpool) discard() {
	c.f.Close()
	os.Remove(c.f.Name())
}

func (bdatVerb) Serve(s *Session, cmd wire.Cmd) error {
	size, last, err := bdatArgs(cmd.Args)
	if err != nil {
		// The chunk length is unknown, the stream cannot be re-synced.
		s.reply(&wire.Reply{
			Code:     500,
			Enhanced: exterrors.EnhancedCode{5, 5, 2},
			Lines:    []string{"Syntax error in BDAT command"},
		})
		return errCloseSession
	}

	if err := s.dataPreconditions(); err != nil {
		// The chunk is already in flight and has to be consumed to
		// keep the stream in sync.
		if drainErr := drain(s.conn.ChunkReader(size)); drainErr != nil {
			return errCloseSession
		}
		return err
	}

	if s.chunks == nil {
		cs, err := newChunkSpool(s.endp.bufferDir)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
				Message:      "Failed to open chunk spool",
				Err:          err,
			}
		}
		s.chunks = cs
	}

	guard := s.trackerConn.DataGuard()
	if dl := guard.Deadline(); !dl.IsZero() {
		s.conn.SetHardDeadline(dl)
		defer s.conn.SetHardDeadline(time.Time{})
	}

	n, err := io.Copy(s.chunks.f, guard.Reader(s.conn.ChunkReader(size)))
	s.chunks.size += n
	if err != nil {
		s.log.Error("chunk receive failed", err, "uid", s.uid, "src_ip", s.remoteIP.String())
		return errCloseSession
	}

	if limit := s.cfg.Limits.EmailSizeLimit; limit > 0 && s.chunks.size > limit {
		s.resetTransaction("message too large")
		return &exterrors.SMTPError{
			Code:         552,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds limit",
		}
	}

	if !last {
		s.reply(&wire.Reply{
			Code:     250,
			Enhanced: exterrors.EnhancedCode{2, 0, 0},
			Lines:    []string{fmt.Sprintf("Continue, %d octets received", size)},
		})
		return nil
	}

	if _, err := s.chunks.f.Seek(0, io.SeekStart); err != nil {
		s.resetTransaction("chunk spool seek failed")
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "Failed to read chunk spool",
			Err:          err,
		}
	}

	spool := s.chunks
	s.chunks = nil
	err = s.acceptMessage(spool.f)
	spool.discard()
	return err
}

func bdatArgs(args string) (int64, bool, error) {
	if args == "" {
		return 0, false, syntaxError("Syntax error: BDAT requires a chunk size")
	}
	sizeStr, rest, _ := strings.Cut(args, " ")
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return 0, false, syntaxError("Syntax error in BDAT chunk size")
	}
	switch strings.ToUpper(strings.TrimSpace(rest)) {
	case "":
		return size, false, nil
	case "LAST":
		return size, true, nil
	}
	return 0, false, syntaxError("Syntax error in BDAT parameters")
}

func (rsetVerb) Serve(s *Session, cmd wire.Cmd) error {
	if cmd.Args != "" {
		return syntaxError("Syntax error: RSET takes no parameters")
	}
	s.resetTransaction("client reset")
	s.reply(&wire.Reply{Code: 250, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"OK"}})
	return nil
}

func (noopVerb) Serve(s *Session, cmd wire.Cmd) error {
	s.reply(&wire.Reply{Code: 250, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"OK"}})
	return nil
}

func (helpVerb) Serve(s *Session, cmd wire.Cmd) error {
	s.reply(&wire.Reply{
		Code:     214,
		Enhanced: exterrors.EnhancedCode{2, 0, 0},
		Lines: []string{
			"Supported commands:",
			strings.Join(extension.Verbs(), " "),
		},
	})
	return nil
}

func (quitVerb) Serve(s *Session, cmd wire.Cmd) error {
	s.reply(&wire.Reply{
		Code:     221,
		Enhanced: exterrors.EnhancedCode{2, 0, 0},
		Lines:    []string{s.endp.hostname + " closing transmission channel"},
	})
	return errCloseSession
}

// mailArgs splits "FROM:<path> KEY=VALUE ..." into the reverse-path
// and its extension parameters.
func mailArgs(args string) (string, map[string]string, error) {
	rest, ok := cutPrefixFold(args, "FROM:")
	if !ok {
		return "", nil, syntaxError("Syntax error: expected MAIL FROM:<address>")
	}
	return pathAndParams(rest)
}

// rcptArgs splits "TO:<path> KEY=VALUE ..." the same way.
func rcptArgs(args string) (string, map[string]string, error) {
	rest, ok := cutPrefixFold(args, "TO:")
	if !ok {
		return "", nil, syntaxError("Syntax error: expected RCPT TO:<address>")
	}
	return pathAndParams(rest)
}

func pathAndParams(rest string) (string, map[string]string, error) {
	rest = strings.TrimLeft(rest, " ")
	if !strings.HasPrefix(rest, "<") {
		return "", nil, syntaxError("Syntax error: address must be enclosed in <>")
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", nil, syntaxError("Syntax error: unterminated address")
	}

	addr := rest[1:end]
	// Source routes are obsolete; strip them instead of rejecting.
	if strings.HasPrefix(addr, "@") {
		if i := strings.LastIndexByte(addr, ':'); i >= 0 {
			addr = addr[i+1:]
		}
	}

	rest = strings.TrimLeft(rest[end+1:], " ")
	if rest == "" {
		return addr, nil, nil
	}
	params := make(map[string]string)
	for _, tok := range strings.Fields(rest) {
		key, value, _ := strings.Cut(tok, "=")
		params[strings.ToUpper(key)] = value
	}
	return addr, params, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
