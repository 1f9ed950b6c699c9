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

// Package wire implements the line-oriented SMTP transport shared by the
// inbound endpoint, the outbound client and the proxy engine.
//
// It deals in CRLF-framed lines, dot-stuffed DATA bodies, length-framed
// BDAT chunks and in-place TLS upgrades, and knows nothing about SMTP
// semantics beyond reply framing. I/O failures are reported as *Error and
// are always considered temporary; line length violations are reported as
// ErrLineTooLong and leave the stream positioned at the next line.
package wire

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// DefaultMaxLineLen is the cap applied to a single command or text line,
// terminator included. Deliberately above the RFC 5321 minimums to not
// choke on long ESMTP parameter lists.
const DefaultMaxLineLen = 4096

// ErrLineTooLong is returned by read operations when the peer sends a line
// longer than Conn.MaxLineLen. The oversized line is consumed entirely, so
// the caller may answer with an error reply and keep the connection.
var ErrLineTooLong = errors.New("wire: line too long")

// Error is the typed wrapper for transport-level failures. Everything the
// socket does to us is treated as temporary: the message (if any) stays
// eligible for retry.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string   { return "wire: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error   { return e.Err }
func (e *Error) Temporary() bool { return true }

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Conn is a buffered SMTP transport over a single socket. It is not safe
// for concurrent use; sessions own their Conn exclusively.
type Conn struct {
	// IOTimeout is applied as an absolute deadline before each transport
	// operation. Zero disables deadline stamping (tests, pipes).
	IOTimeout time.Duration

	// MaxLineLen bounds a single line. Zero means DefaultMaxLineLen.
	MaxLineLen int

	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	hard time.Time
}

// NewConn wraps an established socket. The caller keeps responsibility for
// closing it via Close.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		MaxLineLen: DefaultMaxLineLen,
		conn:       conn,
		r:          bufio.NewReader(conn),
		w:          bufio.NewWriter(conn),
	}
}

func (c *Conn) maxLine() int {
	if c.MaxLineLen == 0 {
		return DefaultMaxLineLen
	}
	return c.MaxLineLen
}

func (c *Conn) stampDeadline() error {
	var t time.Time
	if c.IOTimeout != 0 {
		t = time.Now().Add(c.IOTimeout)
	}
	if !c.hard.IsZero() && (t.IsZero() || c.hard.Before(t)) {
		t = c.hard
	}
	if t.IsZero() {
		return nil
	}
	return c.conn.SetDeadline(t)
}

// SetHardDeadline caps every subsequent operation at t on top of the
// per-operation IOTimeout, used for the absolute DATA transfer limit. The
// zero time clears the cap.
func (c *Conn) SetHardDeadline(t time.Time) {
	c.hard = t
}

func (c *Conn) readLineSlice() ([]byte, error) {
	var line []byte
	for {
		part, err := c.r.ReadSlice('\n')
		line = append(line, part...)
		if err == bufio.ErrBufferFull {
			if len(line) > c.maxLine() {
				return nil, c.drainLine()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(line) > c.maxLine() {
			return nil, ErrLineTooLong
		}
		return line, nil
	}
}

// drainLine consumes the rest of an oversized line so the stream stays in
// sync for the next command.
func (c *Conn) drainLine() error {
	for {
		_, err := c.r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return err
		}
		return ErrLineTooLong
	}
}

// ReadLine returns the next line without its terminator. CRLF is the
// expected framing; a lone LF is accepted on input.
func (c *Conn) ReadLine() (string, error) {
	if err := c.stampDeadline(); err != nil {
		return "", ioErr("read", err)
	}
	line, err := c.readLineSlice()
	if err != nil {
		if err == ErrLineTooLong {
			return "", err
		}
		return "", ioErr("read", err)
	}
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return string(line[:n]), nil
}

// ReadCmd reads and splits the next command line.
func (c *Conn) ReadCmd() (Cmd, error) {
	line, err := c.ReadLine()
	if err != nil {
		return Cmd{}, err
	}
	return ParseCmd(line), nil
}

func (c *Conn) writeBlock(op, block string) error {
	if err := c.stampDeadline(); err != nil {
		return ioErr(op, err)
	}
	if _, err := c.w.WriteString(block); err != nil {
		return ioErr(op, err)
	}
	return ioErr(op, c.w.Flush())
}

// WriteLine sends a single CRLF-terminated line and flushes.
func (c *Conn) WriteLine(line string) error {
	return c.writeBlock("write", line+"\r\n")
}

// WriteReply renders and sends a reply. Multiline replies go out as one
// flush so a reply is never observed half-written.
func (c *Conn) WriteReply(r *Reply) error {
	return c.writeBlock("write reply", r.String())
}

// WriteRaw forwards already-framed reply lines verbatim, one flush. Used
// when relaying an upstream reply to the client unchanged.
func (c *Conn) WriteRaw(lines []string) error {
	block := ""
	for _, l := range lines {
		block += l + "\r\n"
	}
	return c.writeBlock("write raw", block)
}

// WriteCmd sends a command line.
func (c *Conn) WriteCmd(cmd Cmd) error {
	return c.WriteLine(cmd.String())
}

// Cmd sends a command and reads the reply for it. The non-pipelined
// request-response primitive of the outbound side.
func (c *Conn) Cmd(cmd Cmd) (*Reply, error) {
	if err := c.WriteCmd(cmd); err != nil {
		return nil, err
	}
	return c.ReadReply()
}

// ChunkReader returns a reader that consumes exactly n bytes from the
// stream, as required for a BDAT chunk. Short streams surface
// io.ErrUnexpectedEOF; the caller must fully drain the reader before
// issuing further reads on the Conn.
func (c *Conn) ChunkReader(n int64) io.Reader {
	return &chunkReader{c: c, left: n}
}

type chunkReader struct {
	c    *Conn
	left int64
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.left {
		p = p[:r.left]
	}
	if err := r.c.stampDeadline(); err != nil {
		return 0, ioErr("read chunk", err)
	}
	n, err := r.c.r.Read(p)
	r.left -= int64(n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return n, ioErr("read chunk", err)
	}
	return n, nil
}

// StartTLSServer performs the server side of an in-place TLS upgrade.
// Pipelined plaintext after the STARTTLS command is a protocol violation
// and aborts the upgrade.
func (c *Conn) StartTLSServer(cfg *tls.Config) error {
	if c.r.Buffered() != 0 {
		return &Error{Op: "starttls", Err: errors.New("plaintext data after STARTTLS")}
	}
	return c.upgrade(tls.Server(c.conn, cfg))
}

// StartTLSClient performs the client side of an in-place TLS upgrade.
func (c *Conn) StartTLSClient(cfg *tls.Config) error {
	return c.upgrade(tls.Client(c.conn, cfg))
}

func (c *Conn) upgrade(tc *tls.Conn) error {
	if err := c.stampDeadline(); err != nil {
		return ioErr("starttls", err)
	}
	if err := tc.Handshake(); err != nil {
		return &Error{Op: "starttls", Err: err}
	}
	c.conn = tc
	c.r.Reset(tc)
	c.w.Reset(tc)
	return nil
}

// IsTLS reports whether the transport is running over TLS.
func (c *Conn) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// TLSState returns the negotiated TLS state, nil when plaintext.
func (c *Conn) TLSState() *tls.ConnectionState {
	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	st := tc.ConnectionState()
	return &st
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }

func (c *Conn) Close() error { return c.conn.Close() }
