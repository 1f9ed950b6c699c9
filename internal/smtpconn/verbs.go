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

package smtpconn

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/transilvlad/robin-sub003/internal/extension"
	"github.com/transilvlad/robin-sub003/internal/wire"
)

// Client half interfaces, one per verb. The C object looks these up in the
// extension registry at call time; a plugin swapping a verb therefore
// changes the outbound exchange too. Every half returns the command string
// it actually sent, which becomes the Command field of the transaction
// record. Replies carry the raw wire lines; an error means the exchange
// never completed.

// HelloClient negotiates the session opening. verb is the wire verb to
// use: EHLO, HELO or LHLO.
type HelloClient interface {
	Hello(ctx context.Context, conn *wire.Conn, verb, hostname string) (cmd string, reply *wire.Reply, err error)
}

// StartTLSClient runs the STARTTLS exchange and the TLS handshake over the
// same connection. A refused command yields a negative reply; a failed
// handshake yields a TLSError.
type StartTLSClient interface {
	StartTLS(ctx context.Context, conn *wire.Conn, cfg *tls.Config) (cmd string, reply *wire.Reply, err error)
}

// AuthClient runs the full SASL exchange, including 334 continuations.
// The returned cmd must not contain credentials.
type AuthClient interface {
	Auth(ctx context.Context, conn *wire.Conn, mech, username, password string) (cmd string, reply *wire.Reply, err error)
}

type MailClient interface {
	Mail(ctx context.Context, conn *wire.Conn, from string, opts MailOptions) (cmd string, reply *wire.Reply, err error)
}

type RcptClient interface {
	Rcpt(ctx context.Context, conn *wire.Conn, to string) (cmd string, reply *wire.Reply, err error)
}

// DataClient transfers the message body. lmtpRcpts is zero for SMTP mode;
// for LMTP it is the number of accepted recipients and therefore the
// number of final replies to collect.
type DataClient interface {
	Data(ctx context.Context, conn *wire.Conn, r io.Reader, lmtpRcpts int) (cmd string, replies []*wire.Reply, err error)
}

type RsetClient interface {
	Rset(ctx context.Context, conn *wire.Conn) (cmd string, reply *wire.Reply, err error)
}

type NoopClient interface {
	Noop(ctx context.Context, conn *wire.Conn) (cmd string, reply *wire.Reply, err error)
}

type QuitClient interface {
	Quit(ctx context.Context, conn *wire.Conn) (cmd string, reply *wire.Reply, err error)
}

func init() {
	p := extension.DefaultPriority
	extension.RegisterClient("HELO", p, helloClient{})
	extension.RegisterClient("EHLO", p, helloClient{})
	extension.RegisterClient("LHLO", p, helloClient{})
	extension.RegisterClient("STARTTLS", p, startTLSClient{})
	extension.RegisterClient("AUTH", p, authClient{})
	extension.RegisterClient("MAIL", p, mailClient{})
	extension.RegisterClient("RCPT", p, rcptClient{})
	extension.RegisterClient("DATA", p, dataClient{})
	extension.RegisterClient("RSET", p, controlClient{})
	extension.RegisterClient("NOOP", p, controlClient{})
	extension.RegisterClient("QUIT", p, controlClient{})
}

type helloClient struct{}

func (helloClient) Hello(ctx context.Context, conn *wire.Conn, verb, hostname string) (string, *wire.Reply, error) {
	cmd := wire.Cmd{Verb: verb, Args: hostname}
	reply, err := conn.Cmd(cmd)
	if err != nil {
		return cmd.String(), nil, err
	}

	// Pre-ESMTP servers reject EHLO with a 5xx; retry in the old dialect.
	// LHLO has no such fallback, LMTP servers are never that old.
	if verb == "EHLO" && reply.Code/100 == 5 {
		cmd = wire.Cmd{Verb: "HELO", Args: hostname}
		reply, err = conn.Cmd(cmd)
		if err != nil {
			return cmd.String(), nil, err
		}
	}
	return cmd.String(), reply, nil
}

type startTLSClient struct{}

func (startTLSClient) StartTLS(ctx context.Context, conn *wire.Conn, cfg *tls.Config) (string, *wire.Reply, error) {
	cmd := wire.Cmd{Verb: "STARTTLS"}
	reply, err := conn.Cmd(cmd)
	if err != nil {
		return cmd.String(), nil, err
	}
	if !reply.Positive() {
		return cmd.String(), reply, nil
	}
	if err := conn.StartTLSClient(cfg); err != nil {
		return cmd.String(), reply, TLSError{Err: err}
	}
	return cmd.String(), reply, nil
}

type authClient struct{}

func (authClient) Auth(ctx context.Context, conn *wire.Conn, mech, username, password string) (string, *wire.Reply, error) {
	var client sasl.Client
	switch strings.ToUpper(mech) {
	case "", sasl.Plain:
		client = sasl.NewPlainClient("", username, password)
	case sasl.Login:
		client = sasl.NewLoginClient(username, password)
	default:
		return "", nil, fmt.Errorf("smtpconn: unsupported SASL mechanism %s", mech)
	}

	name, ir, err := client.Start()
	if err != nil {
		return "", nil, err
	}
	echo := "AUTH " + name + " ****"

	args := name
	if ir != nil {
		args += " " + base64.StdEncoding.EncodeToString(ir)
	}
	reply, err := conn.Cmd(wire.Cmd{Verb: "AUTH", Args: args})
	if err != nil {
		return echo, nil, err
	}

	for reply.Code == 334 {
		challenge, err := base64.StdEncoding.DecodeString(reply.Lines[0])
		if err != nil {
			return echo, reply, fmt.Errorf("smtpconn: malformed AUTH challenge: %w", err)
		}
		resp, err := client.Next(challenge)
		if err != nil {
			// Abort the exchange (RFC 4954, Section 4) and surface the
			// mechanism error, not whatever the server thinks of "*".
			conn.WriteLine("*")
			conn.ReadReply()
			return echo, nil, err
		}
		if err := conn.WriteLine(base64.StdEncoding.EncodeToString(resp)); err != nil {
			return echo, nil, err
		}
		reply, err = conn.ReadReply()
		if err != nil {
			return echo, nil, err
		}
	}
	return echo, reply, nil
}

type mailClient struct{}

func (mailClient) Mail(ctx context.Context, conn *wire.Conn, from string, opts MailOptions) (string, *wire.Reply, error) {
	args := "FROM:<" + from + ">"
	if opts.Size != 0 {
		args += " SIZE=" + strconv.FormatInt(opts.Size, 10)
	}
	if opts.Body8Bit {
		args += " BODY=8BITMIME"
	}
	if opts.UTF8 {
		args += " SMTPUTF8"
	}

	cmd := wire.Cmd{Verb: "MAIL", Args: args}
	reply, err := conn.Cmd(cmd)
	return cmd.String(), reply, err
}

type rcptClient struct{}

func (rcptClient) Rcpt(ctx context.Context, conn *wire.Conn, to string) (string, *wire.Reply, error) {
	cmd := wire.Cmd{Verb: "RCPT", Args: "TO:<" + to + ">"}
	reply, err := conn.Cmd(cmd)
	return cmd.String(), reply, err
}

type dataClient struct{}

func (dataClient) Data(ctx context.Context, conn *wire.Conn, r io.Reader, lmtpRcpts int) (string, []*wire.Reply, error) {
	cmd := wire.Cmd{Verb: "DATA"}
	reply, err := conn.Cmd(cmd)
	if err != nil {
		return cmd.String(), nil, err
	}
	if reply.Code != 354 {
		return cmd.String(), []*wire.Reply{reply}, nil
	}

	dw := conn.DotWriter()
	if _, err := io.Copy(dw, r); err != nil {
		// Do not send the terminating dot: a truncated body must not be
		// accepted as a complete message.
		return cmd.String(), nil, err
	}
	if err := dw.Close(); err != nil {
		return cmd.String(), nil, err
	}

	n := 1
	if lmtpRcpts > 0 {
		n = lmtpRcpts
	}
	replies := make([]*wire.Reply, 0, n)
	for i := 0; i < n; i++ {
		reply, err := conn.ReadReply()
		if err != nil {
			return cmd.String(), replies, err
		}
		replies = append(replies, reply)
	}
	return cmd.String(), replies, nil
}

type controlClient struct{}

func (controlClient) Rset(ctx context.Context, conn *wire.Conn) (string, *wire.Reply, error) {
	return simpleCmd(conn, "RSET")
}

func (controlClient) Noop(ctx context.Context, conn *wire.Conn) (string, *wire.Reply, error) {
	return simpleCmd(conn, "NOOP")
}

func (controlClient) Quit(ctx context.Context, conn *wire.Conn) (string, *wire.Reply, error) {
	return simpleCmd(conn, "QUIT")
}

func simpleCmd(conn *wire.Conn, verb string) (string, *wire.Reply, error) {
	cmd := wire.Cmd{Verb: verb}
	reply, err := conn.Cmd(cmd)
	return cmd.String(), reply, err
}
