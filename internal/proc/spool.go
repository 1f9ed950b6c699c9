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

package proc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/transilvlad/robin-sub003/framework/address"
	"github.com/transilvlad/robin-sub003/framework/dns"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
)

// Spool owns the message store directory. Files are written once per
// envelope, with the Received header prepended, and land under their
// final name only after fsync.
type Spool struct {
	Path     string
	Hostname string
	Log      log.Logger
}

// Materialize writes the delivery to disk and records the path and
// size on the envelope. X-Robin-Filename picks the file name when
// usable; renaming over an existing file is allowed.
func (s *Spool) Materialize(d *Delivery) (string, error) {
	final := filepath.Join(s.Path, s.fileName(d))

	if err := os.MkdirAll(s.Path, 0o700); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.Path, ".spool-*")
	if err != nil {
		return "", err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hdr := d.Header.Copy()
	hdr.Add("Received", receivedValue(d, s.Hostname))
	if err := textproto.WriteHeader(tmp, hdr); err != nil {
		return "", err
	}
	bodyR, err := d.Body.Open()
	if err != nil {
		return "", err
	}
	_, err = io.Copy(tmp, bodyR)
	bodyR.Close()
	if err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	fi, err := tmp.Stat()
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}

	d.Envelope.FilePath = final
	d.Envelope.Size = fi.Size()
	s.Log.DebugMsg("message spooled", "path", final, "size", fi.Size(), "uid", d.UID)
	return final, nil
}

// CopyFile duplicates a spooled file under name.eml, for envelopes
// that need their own copy before the queue takes ownership.
func (s *Spool) CopyFile(src, name string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(s.Path, ".spool-*")
	if err != nil {
		return "", err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	dst := filepath.Join(s.Path, name+".eml")
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *Spool) fileName(d *Delivery) string {
	if want := d.Envelope.Header("X-Robin-Filename"); want != "" {
		if name := sanitizeFileName(want); name != "" {
			return name
		}
		s.Log.Msg("unusable filename header ignored", "name", want, "uid", d.UID)
	}
	return time.Now().Format("20060102") + "-" + d.uidOrNew() + ".eml"
}

// sanitizeFileName reduces a client-supplied name to a plain file name
// inside the store, or "" when nothing safe remains. Dotfiles are
// refused to keep clients out of the spool's temp namespace.
func sanitizeFileName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return ""
	}
	if strings.HasPrefix(base, ".") {
		return ""
	}
	return base
}

// receivedValue builds the trace header recorded on stored messages:
//
//	from <helo> (<rdns> [<ip>]) by <host> (envelope-sender <from>) with <proto> id <uid>; <date>
//
// Domains follow the message's SMTPUTF8 form per RFC 6531, Section 3.7.3.
func receivedValue(d *Delivery, hostname string) string {
	var b strings.Builder
	b.Grow(256)
	ulabel := d.Envelope.UTF8

	if c := d.Conn; c != nil {
		if c.Hello != "" {
			if name, err := dns.SelectIDNA(ulabel, c.Hello); err == nil {
				b.WriteString("from ")
				b.WriteString(sanitizeHeaderValue(name))
			}
		}
		if c.RemoteIP != nil {
			b.WriteString(" (")
			if c.RDNSName != "" {
				if name, err := dns.SelectIDNA(ulabel, c.RDNSName); err == nil {
					b.WriteString(sanitizeHeaderValue(name))
					b.WriteByte(' ')
				}
			}
			b.WriteByte('[')
			b.WriteString(c.RemoteIP.String())
			b.WriteString("])")
		}
	}

	if host, err := dns.SelectIDNA(ulabel, hostname); err == nil {
		b.WriteString(" by ")
		b.WriteString(sanitizeHeaderValue(host))
	}
	if from, err := address.SelectIDNA(ulabel, d.Envelope.MailFrom); err == nil && from != "" {
		b.WriteString(" (envelope-sender <")
		b.WriteString(sanitizeHeaderValue(from))
		b.WriteString(">)")
	}

	proto := "ESMTP"
	if d.Conn != nil && d.Conn.Proto != "" {
		proto = d.Conn.Proto
	}
	b.WriteString(" with ")
	if ulabel {
		b.WriteString("UTF8")
	}
	b.WriteString(proto)
	b.WriteString(" id ")
	b.WriteString(d.uidOrNew())
	b.WriteString("; ")
	b.WriteString(time.Now().Format(time.RFC1123Z))

	return strings.TrimSpace(b.String())
}

func sanitizeHeaderValue(raw string) string {
	raw = strings.ReplaceAll(raw, "\r", "")
	return strings.ReplaceAll(raw, "\n", "")
}

// DiskWriter is the final pipeline stage: it guarantees the message is
// on disk under the store path with its path recorded on the envelope.
// Whether the file outlives the transaction is the caller's business;
// the queue deletes it after a completed delivery.
type DiskWriter struct {
	Spool *Spool
}

func (*DiskWriter) Name() string { return "disk" }

func (w *DiskWriter) Process(ctx context.Context, d *Delivery) error {
	if d.Envelope.FilePath != "" {
		return nil
	}
	if _, err := w.Spool.Materialize(d); err != nil {
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "Failed to store message",
			TargetName:   "disk",
			Err:          err,
			Misc:         map[string]any{"uid": d.UID},
		}
	}
	return nil
}
