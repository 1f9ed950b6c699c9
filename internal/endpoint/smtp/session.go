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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/transilvlad/robin-sub003/framework/buffer"
	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/dns"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
	"github.com/transilvlad/robin-sub003/internal/extension"
	"github.com/transilvlad/robin-sub003/internal/proc"
	"github.com/transilvlad/robin-sub003/internal/proxy"
	"github.com/transilvlad/robin-sub003/internal/tracker"
	"github.com/transilvlad/robin-sub003/internal/wire"
)

const greetingTimeout = 5 * time.Second

// Session is one accepted connection driven through the verb state
// machine. All fields are owned by the serving goroutine; shutdown
// only ever touches the underlying socket.
type Session struct {
	endp *Endpoint
	conn *wire.Conn
	raw  net.Conn
	mode listenerMode
	ctx  context.Context

	// cfg is the configuration snapshot taken at accept time. A reload
	// swaps the endpoint's live pointer but never changes limits under a
	// running session.
	cfg *config.Config

	uid      string
	remoteIP net.IP
	rdns     string

	// Hello state survives RSET, envelope state does not.
	helloName string
	helloSeen bool
	esmtp     bool
	authUser  string

	rblChecked bool

	commands   int
	errorsSeen int
	envCount   int

	env      *envelope.Envelope
	declSize int64
	body8bit bool
	rcpts    []sessionRcpt
	chunks   *chunkSpool

	trackerConn *tracker.Conn
	upstreams   *proxy.Conns

	log log.Logger
}

// sessionRcpt is one accepted RCPT command, in order. LMTP answers
// DATA per entry; rule is set when the recipient went to an upstream.
type sessionRcpt struct {
	addr string
	rule *proxy.Rule
}

func newSession(endp *Endpoint, conn net.Conn, mode listenerMode, tc *tracker.Conn) *Session {
	cfg := endp.liveConfig()
	wc := wire.NewConn(conn)
	wc.IOTimeout = cfg.Session.Timeout()

	return &Session{
		endp:        endp,
		conn:        wc,
		raw:         conn,
		mode:        mode,
		ctx:         context.Background(),
		cfg:         cfg,
		uid:         uuid.New().String(),
		remoteIP:    connIP(conn.RemoteAddr()),
		trackerConn: tc,
		upstreams:   proxy.NewConns(endp.hostname, nil, endp.Log),
		log:         endp.Log,
	}
}

func (s *Session) serve() {
	defer s.close()

	if !s.greet() {
		return
	}
	s.loop()
}

func (s *Session) close() {
	s.abortEnvelope("session closed")
	s.upstreams.Close()
	s.log.DebugMsg("session ended", "uid", s.uid, "src_ip", s.remoteIP.String(), "commands", s.commands)
}

// greet resolves the reverse DNS name, applies the greeting policy and
// writes the banner. A false return ends the session before the first
// command.
func (s *Session) greet() bool {
	ctx, cancel := context.WithTimeout(s.ctx, greetingTimeout)
	defer cancel()

	s.resolveRDNS(ctx)

	// Plaintext inbound listeners check the client against the
	// blocklists before saying hello. TLS listeners defer the check to
	// the first MAIL so the handshake cost is already sunk for both
	// sides and the reject is attributable in the client log.
	if s.mode.inbound() && !s.mode.implicitTLS() && s.endp.rbl.Enabled() {
		err := s.endp.rbl.Check(ctx, s.remoteIP)
		s.rblChecked = true
		if err != nil && s.endp.rbl.RejectEnabled() {
			s.reply(&wire.Reply{
				Code:     550,
				Enhanced: exterrors.EnhancedCode{5, 7, 1},
				Lines:    []string{"Listed client, connection refused"},
			})
			return false
		}
	}

	peer := s.rdns
	if peer == "" {
		peer = "[" + s.remoteIP.String() + "]"
	}
	proto := "ESMTP"
	if s.mode.lmtp() {
		proto = "LMTP"
	}
	return s.reply(&wire.Reply{
		Code:  220,
		Lines: []string{s.endp.hostname + " " + peer + " " + proto + " Robin ready"},
	})
}

func (s *Session) resolveRDNS(ctx context.Context) {
	name, err := dns.LookupAddr(ctx, s.endp.resolver, s.remoteIP)
	if err != nil {
		var dnsErr *net.DNSError
		if !(errors.As(err, &dnsErr) && dnsErr.IsNotFound) {
			s.log.DebugMsg("rdns lookup failed", "src_ip", s.remoteIP.String(), "reason", err.Error())
		}
		return
	}
	s.rdns = name
}

func (s *Session) loop() {
	for {
		cmd, err := s.conn.ReadCmd()
		if err != nil {
			if errors.Is(err, wire.ErrLineTooLong) {
				if !s.chargeSyntax("Line too long") {
					return
				}
				continue
			}
			s.log.DebugMsg("session read failed", "uid", s.uid, "reason", err.Error())
			return
		}

		s.commands++
		if limit := s.cfg.Limits.TransactionsLimit; limit > 0 && s.commands > limit {
			s.reply(&wire.Reply{
				Code:     421,
				Enhanced: exterrors.EnhancedCode{4, 7, 0},
				Lines:    []string{"Too many commands, closing connection"},
			})
			return
		}

		if delay, kill := s.trackerConn.CommandSeen(); kill {
			s.reply(&wire.Reply{
				Code:     221,
				Enhanced: exterrors.EnhancedCode{2, 0, 0},
				Lines:    []string{"Closing transmission channel"},
			})
			return
		} else if delay > 0 {
			time.Sleep(delay)
		}

		if cmd.Verb == "" {
			if !s.chargeSyntax("Syntax error") {
				return
			}
			continue
		}

		if done := s.dispatch(cmd); done {
			return
		}
	}
}

// dispatch runs one command through the webhook seam and the extension
// registry, then translates the handler outcome into a wire reply. The
// true return ends the session.
func (s *Session) dispatch(cmd wire.Cmd) (done bool) {
	override, err := s.endp.hooks.intercept(s, cmd)
	if err != nil {
		return !s.replyErr(cmd.Verb, err)
	}
	if override != nil {
		if err := s.conn.WriteRaw(override); err != nil {
			s.log.DebugMsg("reply write failed", "uid", s.uid, "reason", err.Error())
			return true
		}
		return false
	}

	impl, known, err := extension.Server(cmd.Verb)
	if err != nil {
		// A registered verb without a server half is a deployment
		// problem, not a client one.
		s.log.Error("verb dispatch failed", err, "uid", s.uid, "verb", cmd.Verb)
		s.reply(&wire.Reply{
			Code:     421,
			Enhanced: exterrors.EnhancedCode{4, 3, 0},
			Lines:    []string{"Local configuration error"},
		})
		return true
	}
	if !known {
		return !s.replyErr(cmd.Verb, &exterrors.SMTPError{
			Code:         500,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 3},
			Message:      "Unknown command",
		})
	}

	handler, ok := impl.(Handler)
	if !ok {
		s.log.Msg("verb handler has unexpected type", "uid", s.uid, "verb", cmd.Verb, "type", fmt.Sprintf("%T", impl))
		s.reply(&wire.Reply{
			Code:     421,
			Enhanced: exterrors.EnhancedCode{4, 3, 0},
			Lines:    []string{"Local configuration error"},
		})
		return true
	}

	err = handler.Serve(s, cmd)
	switch {
	case err == nil:
		return false
	case errors.Is(err, errCloseSession):
		return true
	default:
		var syn syntaxError
		if errors.As(err, &syn) {
			return !s.chargeSyntax(string(syn))
		}
		var wireErr *wire.Error
		if errors.As(err, &wireErr) {
			s.log.DebugMsg("session io failed", "uid", s.uid, "verb", cmd.Verb, "reason", wireErr.Error())
			return true
		}
		return !s.replyErr(cmd.Verb, err)
	}
}

// chargeSyntax answers a malformed command and spends one unit of the
// session error budget. The false return means the budget is gone and
// the session must end.
func (s *Session) chargeSyntax(msg string) bool {
	s.errorsSeen++
	failedCmds.WithLabelValues("malformed", "500").Inc()

	limit := s.cfg.Limits.ErrorLimit
	if limit <= 0 {
		limit = 3
	}

	ok := s.reply(&wire.Reply{
		Code:     500,
		Enhanced: exterrors.EnhancedCode{5, 5, 2},
		Lines:    []string{msg},
	})
	if s.errorsSeen >= limit {
		errorBudgetKills.Inc()
		s.log.Msg("error budget exhausted", "uid", s.uid, "src_ip", s.remoteIP.String(), "errors", s.errorsSeen)
		return false
	}
	return ok
}

// reply writes r, stamping the session UID onto negative replies so
// every reject is traceable in the client's own log. The false return
// means the transport is gone.
func (s *Session) reply(r *wire.Reply) bool {
	if r.Code >= 400 && len(r.Lines) > 0 {
		lines := make([]string, len(r.Lines))
		copy(lines, r.Lines)
		lines[len(lines)-1] += " [" + s.uid + "]"
		r = &wire.Reply{Code: r.Code, Enhanced: r.Enhanced, Lines: lines}
	}

	if err := s.conn.WriteReply(r); err != nil {
		s.log.DebugMsg("reply write failed", "uid", s.uid, "reason", err.Error())
		return false
	}
	return true
}

// replyErr maps a handler error onto the wire. SMTP errors pass
// through, errors carrying smtp_* fields are honored, anything else
// becomes a generic failure so server internals stay private.
func (s *Session) replyErr(verb string, err error) bool {
	code := 554
	ench := exterrors.EnhancedCode{5, 0, 0}
	msg := "Internal server error"

	if exterrors.IsTemporary(err) {
		code = 451
		ench = exterrors.EnhancedCode{4, 0, 0}
	}

	fields := exterrors.Fields(err)
	if c, ok := fields["smtp_code"].(int); ok {
		code = c
	}
	if ec, ok := fields["smtp_enchcode"].(exterrors.EnhancedCode); ok {
		ench = ec
	}
	if m, ok := fields["smtp_msg"].(string); ok {
		msg = m
	}

	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		code = smtpErr.Code
		ench = smtpErr.EnhancedCode
		msg = smtpErr.Message
	}

	failedCmds.WithLabelValues(verb, strconv.Itoa(code)).Inc()
	return s.reply(&wire.Reply{Code: code, Enhanced: ench, Lines: []string{msg}})
}

// resetTransaction aborts the local and upstream envelope state. Hello,
// TLS and authentication survive.
func (s *Session) resetTransaction(reason string) {
	s.abortEnvelope(reason)
	s.upstreams.Reset(s.ctx)
}

func (s *Session) abortEnvelope(reason string) {
	if s.chunks != nil {
		s.chunks.discard()
		s.chunks = nil
	}
	if s.env != nil {
		abortedTransactions.WithLabelValues(s.mode.String()).Inc()
		s.log.DebugMsg("transaction aborted", "uid", s.uid, "reason", reason)
	}
	s.env = nil
	s.rcpts = nil
	s.declSize = 0
	s.body8bit = false
}

// finishEnvelope clears the transaction state after DATA or BDAT LAST
// ran the pipeline. Unlike abortEnvelope it leaves the upstream proxy
// channels alone: they already saw their own end of the transaction.
func (s *Session) finishEnvelope(accepted bool) {
	if accepted {
		completedTransactions.WithLabelValues(s.mode.String()).Inc()
	} else {
		abortedTransactions.WithLabelValues(s.mode.String()).Inc()
	}
	s.env = nil
	s.rcpts = nil
	s.declSize = 0
	s.body8bit = false
}

// deferredRBL runs the listing check that greet skipped on TLS
// listeners. One check per session; lookup trouble means not listed.
func (s *Session) deferredRBL() error {
	if s.rblChecked || !s.mode.inbound() || !s.endp.rbl.Enabled() {
		return nil
	}
	s.rblChecked = true

	ctx, cancel := context.WithTimeout(s.ctx, greetingTimeout)
	defer cancel()

	if err := s.endp.rbl.Check(ctx, s.remoteIP); err != nil && s.endp.rbl.RejectEnabled() {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Listed client",
			TargetName:   "rbl",
			Err:          err,
		}
	}
	return nil
}

func (s *Session) direction() proxy.Direction {
	if s.mode.inbound() {
		return proxy.Inbound
	}
	return proxy.Outbound
}

// proto is the RFC 3848 transmission type recorded in trace headers.
func (s *Session) proto() string {
	switch {
	case s.mode.lmtp():
		return "LMTP"
	case !s.esmtp:
		return "SMTP"
	case s.conn.IsTLS():
		return "ESMTPS"
	default:
		return "ESMTP"
	}
}

func (s *Session) connInfo() *proc.ConnInfo {
	info := &proc.ConnInfo{
		Proto:    s.proto(),
		RemoteIP: s.remoteIP,
		RDNSName: s.rdns,
		Hello:    s.helloName,
		AuthUser: s.authUser,
	}
	if st := s.conn.TLSState(); st != nil {
		info.TLS = *st
	}
	return info
}

func (s *Session) snapshot(cmd wire.Cmd) webhookSnapshot {
	snap := webhookSnapshot{
		UID:      s.uid,
		Verb:     cmd.Verb,
		Args:     cmd.Args,
		Mode:     s.mode.String(),
		RemoteIP: s.remoteIP.String(),
		RDNSName: s.rdns,
		Hello:    s.helloName,
		TLS:      s.conn.IsTLS(),
		AuthUser: s.authUser,
	}
	if cmd.Verb == "AUTH" {
		// Never ship credentials to a hook.
		mech, _, _ := strings.Cut(cmd.Args, " ")
		snap.Args = mech
	}
	if s.env != nil {
		snap.MailFrom = s.env.MailFrom
		for _, r := range s.rcpts {
			snap.Rcpts = append(snap.Rcpts, r.addr)
		}
	}
	return snap
}

// nextUID names the current envelope: the session UID plus the ordinal
// of the transaction on this connection.
func (s *Session) nextUID() string {
	return fmt.Sprintf("%s-%d", s.uid, s.envCount)
}

func (s *Session) dataPreconditions() error {
	if s.env == nil {
		return &exterrors.SMTPError{
			Code:         503,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "No mail transaction in progress",
		}
	}
	if len(s.rcpts) == 0 {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}
	return nil
}

// acceptMessage reads the message content from raw, runs the storage
// pipeline and answers the client. raw must deliver EOF at the end of
// the message frame; for dot-framed DATA the frame is drained even on
// rejects so the connection stays usable.
func (s *Session) acceptMessage(raw io.Reader) error {
	limit := s.cfg.Limits.EmailSizeLimit
	capped := &cappedReader{r: raw, left: limit, unlimited: limit <= 0}
	tap := &errTap{r: capped}

	header, buf, err := s.readMessage(tap)
	if err != nil {
		cause := tap.err
		if cause == nil {
			cause = err
		}
		switch {
		case errors.Is(cause, errMessageTooBig):
			// Consume the rest of the frame so the reply lands on the
			// command boundary.
			if drainErr := drain(raw); drainErr != nil {
				s.log.DebugMsg("message drain failed", "uid", s.uid, "reason", drainErr.Error())
				s.finishEnvelope(false)
				return errCloseSession
			}
			s.resetTransaction("message too large")
			return &exterrors.SMTPError{
				Code:         552,
				EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
				Message:      "Message size exceeds limit",
			}
		case tap.err == nil:
			// Parse failure with a healthy transport.
			if drainErr := drain(raw); drainErr != nil {
				s.log.DebugMsg("message drain failed", "uid", s.uid, "reason", drainErr.Error())
				s.finishEnvelope(false)
				return errCloseSession
			}
			s.resetTransaction("malformed header")
			return &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
				Message:      "Malformed message header",
				Err:          err,
			}
		default:
			// Transport or data-rate trouble, the stream cannot be
			// re-synchronized.
			s.log.Error("message receive failed", cause, "uid", s.uid, "src_ip", s.remoteIP.String())
			s.finishEnvelope(false)
			return errCloseSession
		}
	}

	msgUID := s.nextUID()
	if mid := header.Get("Message-ID"); mid != "" {
		s.env.MessageID = strings.Trim(mid, "<> \t")
	}

	if s.mode.submission() {
		if err := s.submissionPrepare(&header); err != nil {
			buf.Remove()
			s.finishEnvelope(false)
			s.upstreams.Reset(s.ctx)
			return err
		}
	}

	d := &proc.Delivery{
		UID:      msgUID,
		Envelope: s.env,
		Header:   header,
		Body:     buf,
		Conn:     s.connInfo(),
		Outbound: s.mode.submission(),
	}

	pipeErr := s.endp.pipeline.Run(s.ctx, d)

	if pipeErr == nil {
		if streamErr := s.streamUpstreams(d); streamErr != nil {
			// The local copy is already safe; upstream trouble is
			// logged, not turned into a reject.
			s.log.Error("proxy body relay failed", streamErr, "uid", msgUID)
		}
	} else {
		s.upstreams.Reset(s.ctx)
	}
	buf.Remove()

	rcpts := s.rcpts
	s.finishEnvelope(pipeErr == nil)

	if s.mode.lmtp() {
		return s.lmtpReplies(rcpts, pipeErr, msgUID)
	}
	if pipeErr != nil {
		return pipeErr
	}

	s.log.Msg("message accepted", "uid", msgUID, "sender", d.Envelope.MailFrom, "rcpts", len(rcpts), "src_ip", s.remoteIP.String())
	s.reply(&wire.Reply{
		Code:     250,
		Enhanced: exterrors.EnhancedCode{2, 0, 0},
		Lines:    []string{"Message accepted [" + msgUID + "]"},
	})
	return nil
}

// readMessage parses the header block and buffers the remaining body
// into a spool file.
func (s *Session) readMessage(r io.Reader) (textproto.Header, buffer.Buffer, error) {
	br := bufio.NewReader(r)
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}

	buf, err := buffer.BufferInFile(br, s.endp.bufferDir)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return header, buf, nil
}

// streamUpstreams relays the stored message to the proxy channels this
// envelope's recipients were forwarded to.
func (s *Session) streamUpstreams(d *proc.Delivery) error {
	return s.upstreams.Data(s.ctx, func() (io.ReadCloser, error) {
		return d.Envelope.Open()
	})
}

// lmtpReplies answers DATA once per accepted recipient, in RCPT order,
// as LMTP requires. All recipients share the pipeline outcome: partial
// failures are parked in the retry queue rather than reported here.
func (s *Session) lmtpReplies(rcpts []sessionRcpt, pipeErr error, msgUID string) error {
	for range rcpts {
		if pipeErr != nil {
			if !s.replyErr("DATA", pipeErr) {
				return errCloseSession
			}
			continue
		}
		if !s.reply(&wire.Reply{
			Code:     250,
			Enhanced: exterrors.EnhancedCode{2, 0, 0},
			Lines:    []string{"Message accepted [" + msgUID + "]"},
		}) {
			return errCloseSession
		}
	}
	return nil
}

var errMessageTooBig = errors.New("smtp: message larger than the permitted size")

// cappedReader cuts the stream off once the configured message size is
// spent. The underlying frame is left unconsumed for the caller to
// drain.
type cappedReader struct {
	r         io.Reader
	left      int64
	unlimited bool
}

func (r *cappedReader) Read(p []byte) (int, error) {
	if r.unlimited {
		return r.r.Read(p)
	}
	if r.left <= 0 {
		return 0, errMessageTooBig
	}
	if int64(len(p)) > r.left {
		p = p[:r.left]
	}
	n, err := r.r.Read(p)
	r.left -= int64(n)
	return n, err
}

// errTap remembers the first error produced by the wrapped reader so
// the cause survives libraries that rewrap errors as plain strings.
type errTap struct {
	r   io.Reader
	err error
}

func (t *errTap) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

func drain(r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}
