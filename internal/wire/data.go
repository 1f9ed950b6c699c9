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

package wire

import (
	"io"
	"strings"
)

// DotReader returns a reader over a dot-terminated DATA body. Leading dots
// are unstuffed, line endings are normalized to CRLF, and the terminating
// "." line is consumed but not returned. After EOF the Conn is back in
// command mode.
func (c *Conn) DotReader() io.Reader {
	return &dotReader{c: c}
}

type dotReader struct {
	c    *Conn
	buf  []byte
	off  int
	done bool
	err  error
}

func (r *dotReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for r.off >= len(r.buf) {
		if r.done {
			r.err = io.EOF
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}

func (r *dotReader) fill() error {
	line, err := r.c.ReadLine()
	if err != nil {
		return err
	}
	if line == "." {
		r.done = true
		r.buf = r.buf[:0]
		r.off = 0
		return nil
	}
	if strings.HasPrefix(line, ".") {
		line = line[1:]
	}
	r.buf = append(r.buf[:0], line...)
	r.buf = append(r.buf, '\r', '\n')
	r.off = 0
	return nil
}

// DotWriter returns a writer that dot-stuffs a DATA body on its way out.
// Close writes the terminating "." line and flushes; the reply must then
// be read by the caller. The input is expected to use CRLF line endings
// already (DotReader output qualifies); a missing final CRLF is supplied
// before the terminator.
func (c *Conn) DotWriter() io.WriteCloser {
	return &dotWriter{c: c, lineStart: true}
}

type dotWriter struct {
	c         *Conn
	lineStart bool
	last      [2]byte
	dirty     bool
	closed    bool
}

func (w *dotWriter) Write(p []byte) (int, error) {
	if err := w.c.stampDeadline(); err != nil {
		return 0, ioErr("write data", err)
	}
	written := 0
	for _, b := range p {
		if w.lineStart && b == '.' {
			if err := w.c.w.WriteByte('.'); err != nil {
				return written, ioErr("write data", err)
			}
		}
		if err := w.c.w.WriteByte(b); err != nil {
			return written, ioErr("write data", err)
		}
		written++
		w.lineStart = b == '\n'
		w.last[0], w.last[1] = w.last[1], b
		w.dirty = true
	}
	return written, nil
}

func (w *dotWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.c.stampDeadline(); err != nil {
		return ioErr("write data", err)
	}
	if w.dirty && (w.last[0] != '\r' || w.last[1] != '\n') {
		if _, err := w.c.w.WriteString("\r\n"); err != nil {
			return ioErr("write data", err)
		}
	}
	if _, err := w.c.w.WriteString(".\r\n"); err != nil {
		return ioErr("write data", err)
	}
	return ioErr("write data", w.c.w.Flush())
}
