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

// Package smtpconn implements the client side of an SMTP or LMTP session,
// shared between the relay queue, the proxy engine and the Dovecot LMTP
// deliverer.
//
// Every command exchange is driven through the client half registered for
// the verb in the extension registry, so a replaced verb changes behavior
// on both the server and the client leg. On top of the raw exchanges the C
// object adds error wrapping via the exterrors package, SMTPUTF8 downgrade
// to the ACE form, and recording of envelope-level exchanges into a
// TransactionList for partial-failure accounting.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/trace"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub003/framework/address"
	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
	"github.com/transilvlad/robin-sub003/internal/extension"
	"github.com/transilvlad/robin-sub003/internal/wire"
)

// The C object represents one client session over a single connection.
// It cannot be reused after Close.
type C struct {
	// Dialer to use to establish new network connections. Set to net.Dialer
	// DialContext by New.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for the connection attempt, including the server greeting.
	// Set to 5 mins by New.
	ConnectTimeout time.Duration

	// Timeout for most session commands (EHLO, MAIL, RCPT, STARTTLS, AUTH).
	// Set to 5 mins by New.
	CommandTimeout time.Duration

	// Timeout for the message transfer from the DATA command to the final
	// reply. Set to 12 mins by New.
	SubmissionTimeout time.Duration

	// Hostname announced in the EHLO/HELO/LHLO command.
	Hostname string

	// TLS configuration to use for STARTTLS when no per-call one is given.
	// Careful, it is used as-is, no ServerName is added.
	TLSConfig *tls.Config

	// AddrInSMTPMsg adds the server address prefix to the text of replies
	// converted into errors, for multi-hop debugging.
	AddrInSMTPMsg bool

	Log log.Logger

	conn       *wire.Conn
	serverName string
	lmtp       bool
	didTLS     bool
	caps       map[string]string
	rcpts      []string
	transcript *envelope.TransactionList
}

// New creates the C object with sane default settings.
func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    5 * time.Minute,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		Hostname:          "localhost.localdomain",
		TLSConfig:         &tls.Config{},
	}
}

// RecordTo directs the protocol exchange record for subsequent MAIL, RCPT,
// DATA and RSET commands to tl. A nil tl disables recording.
func (c *C) RecordTo(tl *envelope.TransactionList) {
	c.transcript = tl
}

// ServerName returns the identity of the connected server, for logging.
func (c *C) ServerName() string {
	return c.serverName
}

// IsLMTP reports whether the session was established via ConnectLMTP.
func (c *C) IsLMTP() bool {
	return c.lmtp
}

// DidTLS reports whether STARTTLS completed on this session.
func (c *C) DidTLS() bool {
	return c.didTLS
}

// TLSState returns the negotiated TLS state, nil for plaintext sessions.
func (c *C) TLSState() *tls.ConnectionState {
	if c.conn == nil {
		return nil
	}
	return c.conn.TLSState()
}

// Supports reports whether the server advertised the extension keyword in
// its EHLO response.
func (c *C) Supports(kw string) bool {
	_, ok := c.caps[strings.ToUpper(kw)]
	return ok
}

// Extension returns the parameter string advertised for the extension
// keyword and whether the keyword was advertised at all.
func (c *C) Extension(kw string) (string, bool) {
	params, ok := c.caps[strings.ToUpper(kw)]
	return params, ok
}

// clientVerb fetches the client half registered for verb and asserts the
// exchange interface expected by the caller.
func clientVerb[T any](verb string) (T, error) {
	var zero T
	impl, err := extension.Client(verb)
	if err != nil {
		return zero, err
	}
	h, ok := impl.(T)
	if !ok {
		return zero, fmt.Errorf("smtpconn: %s client handler %T does not implement the %s exchange", verb, impl, verb)
	}
	return h, nil
}

// Connect establishes the SMTP connection to the endpoint, reads the
// greeting and negotiates capabilities with EHLO. TLS is not touched;
// callers decide on StartTLS based on their policy.
func (c *C) Connect(ctx context.Context, endp config.Endpoint) error {
	return c.connect(ctx, endp, false)
}

// ConnectLMTP is Connect for LMTP endpoints, negotiating with LHLO.
func (c *C) ConnectLMTP(ctx context.Context, endp config.Endpoint) error {
	return c.connect(ctx, endp, true)
}

func (c *C) connect(ctx context.Context, endp config.Endpoint, lmtp bool) error {
	defer trace.StartRegion(ctx, "smtpconn/Connect").End()

	c.serverName = endp.Host
	if c.serverName == "" {
		c.serverName = endp.String()
	}
	c.lmtp = lmtp

	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	netConn, err := c.Dialer(dialCtx, endp.Network(), endp.Address())
	cancel()
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	c.conn = wire.NewConn(netConn)
	c.conn.IOTimeout = c.CommandTimeout

	greeting, err := c.conn.ReadReply()
	if err != nil {
		c.DirectClose()
		return c.wrapClientErr(err, c.serverName)
	}
	if !greeting.Positive() {
		err := c.replyErr(greeting)
		c.DirectClose()
		return err
	}

	if err := c.hello(ctx); err != nil {
		c.DirectClose()
		return err
	}

	c.Log.DebugMsg("connected", "remote_server", endp.String(), "proto", protoName(lmtp))
	return nil
}

func protoName(lmtp bool) string {
	if lmtp {
		return "lmtp"
	}
	return "smtp"
}

// hello runs the capability negotiation and repopulates the extension map.
// Called on connect and again after a TLS upgrade.
func (c *C) hello(ctx context.Context) error {
	verb := "EHLO"
	if c.lmtp {
		verb = "LHLO"
	}
	h, err := clientVerb[HelloClient](verb)
	if err != nil {
		return err
	}

	_, reply, err := h.Hello(ctx, c.conn, verb, c.Hostname)
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if !reply.Positive() {
		return c.replyErr(reply)
	}

	caps := make(map[string]string)
	if len(reply.Lines) > 1 {
		for _, l := range reply.Lines[1:] {
			kw, params, _ := strings.Cut(l, " ")
			caps[strings.ToUpper(kw)] = params
		}
	}
	c.caps = caps
	return nil
}

// StartTLS upgrades the session to TLS and renegotiates capabilities. The
// passed config overrides C.TLSConfig; ServerName defaults to the connected
// host. Handshake problems are reported as TLSError so callers implementing
// opportunistic TLS can tell them from protocol errors.
func (c *C) StartTLS(ctx context.Context, cfg *tls.Config) error {
	defer trace.StartRegion(ctx, "smtpconn/STARTTLS").End()

	h, err := clientVerb[StartTLSClient]("STARTTLS")
	if err != nil {
		return err
	}

	if cfg == nil {
		cfg = c.TLSConfig
	}
	cfg = cfg.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.serverName
	}

	_, reply, err := h.StartTLS(ctx, c.conn, cfg)
	if err != nil {
		var tlsErr TLSError
		if errors.As(err, &tlsErr) {
			return tlsErr
		}
		return c.wrapClientErr(err, c.serverName)
	}
	if !reply.Positive() {
		return c.replyErr(reply)
	}

	c.didTLS = true

	// Protocol state does not survive the security upgrade (RFC 3207,
	// Section 4.2).
	return c.hello(ctx)
}

// Auth authenticates against the server using the given SASL mechanism.
// An empty mech selects PLAIN. The credentials never appear in the
// transaction record; the exchange echo is masked by the client half.
func (c *C) Auth(ctx context.Context, mech, username, password string) error {
	defer trace.StartRegion(ctx, "smtpconn/AUTH").End()

	h, err := clientVerb[AuthClient]("AUTH")
	if err != nil {
		return err
	}

	_, reply, err := h.Auth(ctx, c.conn, mech, username, password)
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if !reply.Positive() {
		return c.replyErr(reply)
	}
	return nil
}

// MailOptions are the ESMTP parameters attached to the MAIL FROM command.
// Parameters the server did not advertise support for are dropped or
// downgraded silently.
type MailOptions struct {
	// Size of the message body, forwarded when the server announced SIZE.
	Size int64

	// UTF8 requests SMTPUTF8 delivery. When the server lacks the extension
	// the envelope addresses are converted to the ACE form instead, failing
	// the command if the conversion is impossible.
	UTF8 bool

	// Body8Bit adds BODY=8BITMIME when advertised.
	Body8Bit bool
}

// Mail sends the MAIL FROM command and starts a new transaction record.
func (c *C) Mail(ctx context.Context, from string, opts MailOptions) error {
	defer trace.StartRegion(ctx, "smtpconn/MAIL FROM").End()

	h, err := clientVerb[MailClient]("MAIL")
	if err != nil {
		return err
	}

	if opts.UTF8 && !c.Supports("SMTPUTF8") {
		downgraded, err := address.ToASCII(from)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported by the remote server",
				TargetName:   "smtpconn",
				Err:          err,
				Misc:         map[string]any{"remote_server": c.serverName},
			}
		}
		from = downgraded
		opts.UTF8 = false
	}
	if opts.Size != 0 && !c.Supports("SIZE") {
		opts.Size = 0
	}
	if opts.Body8Bit && !c.Supports("8BITMIME") {
		opts.Body8Bit = false
	}

	cmd, reply, err := h.Mail(ctx, c.conn, from, opts)
	c.record("", cmd, reply, err)
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if !reply.Positive() {
		return c.replyErr(reply)
	}

	c.rcpts = c.rcpts[:0]
	return nil
}

// Rcpt sends the RCPT TO command. Accepted recipients are remembered to
// pair LMTP data replies with their recipient. A 552 reply is treated as
// the misused "too many recipients" signal and rewritten to 452 (RFC 5321,
// Section 4.5.3.1.10).
func (c *C) Rcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "smtpconn/RCPT TO").End()

	h, err := clientVerb[RcptClient]("RCPT")
	if err != nil {
		return err
	}

	// The record tag keeps the original form so failures map back onto the
	// envelope recipient even after the ACE downgrade.
	tag := to

	if !address.IsASCII(to) && !c.Supports("SMTPUTF8") {
		downgraded, err := address.ToASCII(to)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported by the remote server",
				TargetName:   "smtpconn",
				Err:          err,
				Misc:         map[string]any{"remote_server": c.serverName, "rcpt": to},
			}
		}
		to = downgraded
	}

	cmd, reply, err := h.Rcpt(ctx, c.conn, to)
	c.record(tag, cmd, reply, err)
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if !reply.Positive() {
		smtpErr := c.replyErr(reply)
		if smtpErr.Code == 552 {
			smtpErr.Code = 452
			smtpErr.EnhancedCode[0] = 4
			c.Log.Msg("552 rewritten to 452", "remote_server", c.serverName, "rcpt", to)
		}
		return smtpErr
	}

	c.rcpts = append(c.rcpts, tag)
	return nil
}

// RcptRaw sends the RCPT TO command and hands back the raw reply so it
// can be forwarded to another party verbatim, negative replies included.
// The address is sent exactly as given. Accepted recipients join the
// LMTP pairing list like with Rcpt; an error means the exchange itself
// failed and the session state is unknown.
func (c *C) RcptRaw(ctx context.Context, to string) (*wire.Reply, error) {
	defer trace.StartRegion(ctx, "smtpconn/RCPT TO").End()

	h, err := clientVerb[RcptClient]("RCPT")
	if err != nil {
		return nil, err
	}

	cmd, reply, err := h.Rcpt(ctx, c.conn, to)
	c.record(to, cmd, reply, err)
	if err != nil {
		return nil, c.wrapClientErr(err, c.serverName)
	}
	if reply.Positive() {
		c.rcpts = append(c.rcpts, to)
	}
	return reply, nil
}

// Data transfers the message body read from r. In SMTP mode the single
// final reply decides the fate of the whole transaction. In LMTP mode the
// server replies once per accepted recipient and each reply is recorded
// against its recipient; Data returns nil when at least one recipient
// accepted the message, leaving the per-recipient detail to the record.
func (c *C) Data(ctx context.Context, r io.Reader) error {
	defer trace.StartRegion(ctx, "smtpconn/DATA").End()

	h, err := clientVerb[DataClient]("DATA")
	if err != nil {
		return err
	}

	expect := 0
	if c.lmtp {
		expect = len(c.rcpts)
	}

	// The transfer and the final reply wait get the longer deadline; the
	// server is allowed to take its time after the terminating dot.
	c.conn.IOTimeout = c.SubmissionTimeout
	defer func() { c.conn.IOTimeout = c.CommandTimeout }()

	cmd, replies, err := h.Data(ctx, c.conn, r, expect)
	if err != nil {
		// Transport died mid-transfer: the fate of no recipient is known,
		// so the failure is recorded untagged and counts against all.
		c.record("", cmd, nil, err)
		return c.wrapClientErr(err, c.serverName)
	}

	if !c.lmtp {
		reply := replies[0]
		c.record("", cmd, reply, nil)
		if !reply.Positive() {
			return c.replyErr(reply)
		}
		return nil
	}

	accepted := 0
	var firstErr error
	for i, reply := range replies {
		tag := ""
		if i < len(c.rcpts) {
			tag = c.rcpts[i]
		}
		c.record(tag, cmd, reply, nil)
		if reply.Positive() {
			accepted++
			continue
		}
		if firstErr == nil {
			rErr := c.replyErr(reply)
			rErr.Misc["rcpt"] = tag
			firstErr = rErr
		}
	}
	if accepted == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}

// Rset aborts the current transaction so the session can start another
// one. The outcome is recorded: a dead session discovered here counts
// against the envelope about to be sent.
func (c *C) Rset(ctx context.Context) error {
	defer trace.StartRegion(ctx, "smtpconn/RSET").End()

	h, err := clientVerb[RsetClient]("RSET")
	if err != nil {
		return err
	}

	cmd, reply, err := h.Rset(ctx, c.conn)
	c.record("", cmd, reply, err)
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if !reply.Positive() {
		return c.replyErr(reply)
	}

	c.rcpts = c.rcpts[:0]
	return nil
}

// Noop probes session liveness without touching transaction state. Used by
// connection pools before reusing a parked session.
func (c *C) Noop(ctx context.Context) error {
	h, err := clientVerb[NoopClient]("NOOP")
	if err != nil {
		return err
	}

	_, reply, err := h.Noop(ctx, c.conn)
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if !reply.Positive() {
		return c.replyErr(reply)
	}
	return nil
}

// Close sends QUIT and closes the connection. QUIT problems are logged,
// not returned; the session is getting torn down either way.
func (c *C) Close() error {
	if c.conn == nil {
		return nil
	}

	if h, err := clientVerb[QuitClient]("QUIT"); err == nil {
		if _, _, err := h.Quit(context.Background(), c.conn); err != nil {
			c.Log.Error("QUIT failed", err, "remote_server", c.serverName)
		}
	}
	return c.DirectClose()
}

// DirectClose drops the connection without the QUIT goodbye.
func (c *C) DirectClose() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.caps = nil
	c.rcpts = nil
	return err
}

// record appends one exchange to the active transaction record.
func (c *C) record(rcpt, cmd string, reply *wire.Reply, err error) {
	if c.transcript == nil {
		return
	}

	var replyStr string
	failed := true
	switch {
	case reply != nil:
		replyStr = replyString(reply)
		failed = !reply.Positive()
	case err != nil:
		replyStr = err.Error()
	}

	if rcpt != "" {
		c.transcript.AddRcpt(rcpt, cmd, replyStr, failed)
	} else {
		c.transcript.Add(cmd, replyStr, failed)
	}
}

// replyString renders a reply as a single line, wire form.
func replyString(reply *wire.Reply) string {
	if reply == nil {
		return ""
	}
	return strings.Join(reply.Raw, " ")
}

// replyErr converts a negative reply into a *exterrors.SMTPError annotated
// with the server identity.
func (c *C) replyErr(reply *wire.Reply) *exterrors.SMTPError {
	smtpErr := reply.Err().(*exterrors.SMTPError)
	if c.AddrInSMTPMsg {
		smtpErr.Message = c.serverName + " said: " + smtpErr.Message
	}
	smtpErr.TargetName = "smtpconn"
	smtpErr.Misc = map[string]any{"remote_server": c.serverName}
	return smtpErr
}

// TLSError is returned when the STARTTLS upgrade fails at the TLS layer.
// Servers refusing the STARTTLS command itself produce regular SMTP
// errors, not TLSError.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "tls: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

func (c *C) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}
	switch err := err.(type) {
	case TLSError:
		return err
	case *exterrors.SMTPError:
		return err
	case *wire.Error:
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			TargetName:   "smtpconn",
			Err:          err,
			Misc: map[string]any{
				"remote_server": serverName,
				"io_op":         err.Op,
			},
		}
	case *net.OpError:
		if dnsErr, ok := err.Err.(*net.DNSError); ok {
			reason, misc := exterrors.UnwrapDNSErr(dnsErr)
			misc["remote_server"] = serverName
			misc["io_op"] = err.Op
			return &exterrors.SMTPError{
				Code:         450,
				EnhancedCode: exterrors.EnhancedCode{4, 4, 4},
				Message:      "DNS error",
				TargetName:   "smtpconn",
				Err:          err,
				Reason:       reason,
				Misc:         misc,
			}
		}
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			TargetName:   "smtpconn",
			Err:          err,
			Misc:         map[string]any{"remote_server": serverName},
		}
	default:
		return exterrors.WithFields(err, map[string]any{"remote_server": serverName})
	}
}
