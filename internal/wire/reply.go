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
	"fmt"
	"strconv"
	"strings"

	"github.com/transilvlad/robin-sub003/framework/exterrors"
)

// Cmd is one SMTP command line, split into the verb and its argument
// string. The verb is uppercased on parse; argument casing is preserved.
type Cmd struct {
	Verb string
	Args string
}

// ParseCmd splits a command line at the first space.
func ParseCmd(line string) Cmd {
	verb, args, _ := strings.Cut(line, " ")
	return Cmd{Verb: strings.ToUpper(verb), Args: strings.TrimSpace(args)}
}

func (c Cmd) String() string {
	if c.Args == "" {
		return c.Verb
	}
	return c.Verb + " " + c.Args
}

// Reply is one SMTP reply, possibly multiline.
//
// Raw carries the reply lines exactly as they appeared on the wire
// (terminators stripped) and is populated only by ReadReply; the proxy
// engine uses it to forward upstream replies unaltered. Lines carries the
// human text with the code prefix and any enhanced status code removed.
type Reply struct {
	Code     int
	Enhanced exterrors.EnhancedCode
	Lines    []string
	Raw      []string
}

// Positive reports whether the reply is in the 2xx or 3xx class.
func (r *Reply) Positive() bool {
	return r.Code >= 200 && r.Code < 400
}

// Err converts a negative reply into a *exterrors.SMTPError, or returns
// nil for positive replies.
func (r *Reply) Err() error {
	if r.Positive() {
		return nil
	}
	enchCode := r.Enhanced
	if enchCode == (exterrors.EnhancedCode{}) {
		enchCode = exterrors.EnhancedCode{r.Code / 100, 0, 0}
	}
	return &exterrors.SMTPError{
		Code:         r.Code,
		EnhancedCode: enchCode,
		Message:      strings.Join(r.Lines, " "),
	}
}

// String renders the reply in wire form, CRLF-terminated.
func (r *Reply) String() string {
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	hasEnch := r.Enhanced != (exterrors.EnhancedCode{})

	var b strings.Builder
	for i, l := range lines {
		last := i == len(lines)-1
		b.WriteString(strconv.Itoa(r.Code))
		switch {
		case !last:
			b.WriteByte('-')
		case l == "" && !hasEnch:
			// code-only final line, no trailing space
		default:
			b.WriteByte(' ')
		}
		if hasEnch {
			b.WriteString(r.Enhanced.String())
			if l != "" {
				b.WriteByte(' ')
			}
		}
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	return b.String()
}

// cutEnhanced strips a leading RFC 3463 status token from a reply text
// line. The token class must agree with the reply class, which keeps
// dotted hostnames in greeting lines intact.
func cutEnhanced(replyCode int, text string) (exterrors.EnhancedCode, string, bool) {
	tok, rest, _ := strings.Cut(text, " ")
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return exterrors.EnhancedCode{}, text, false
	}
	var code exterrors.EnhancedCode
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return exterrors.EnhancedCode{}, text, false
		}
		code[i] = v
	}
	if code[0] != replyCode/100 {
		return exterrors.EnhancedCode{}, text, false
	}
	if code[0] != 2 && code[0] != 4 && code[0] != 5 {
		return exterrors.EnhancedCode{}, text, false
	}
	return code, rest, true
}

// ReadReply reads one possibly-multiline reply. Reply codes are taken from
// the final line; a mix of codes across continuation lines is tolerated.
func (c *Conn) ReadReply() (*Reply, error) {
	rep := &Reply{}
	for {
		line, err := c.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line) < 3 {
			return nil, &Error{Op: "read reply", Err: fmt.Errorf("malformed reply line %q", line)}
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return nil, &Error{Op: "read reply", Err: fmt.Errorf("malformed reply code in %q", line)}
		}

		cont := false
		text := ""
		if len(line) > 3 {
			switch line[3] {
			case '-':
				cont = true
			case ' ':
			default:
				return nil, &Error{Op: "read reply", Err: fmt.Errorf("malformed reply separator in %q", line)}
			}
			text = line[4:]
		}

		if ench, rest, ok := cutEnhanced(code, text); ok {
			if rep.Enhanced == (exterrors.EnhancedCode{}) {
				rep.Enhanced = ench
			}
			text = rest
		}

		rep.Code = code
		rep.Raw = append(rep.Raw, line)
		rep.Lines = append(rep.Lines, text)
		if !cont {
			return rep, nil
		}
	}
}
