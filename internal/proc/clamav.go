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
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message"
	"golang.org/x/sync/errgroup"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
)

const (
	// clamChunk is the INSTREAM frame payload size.
	clamChunk = 8192

	// maxPartDepth bounds MIME recursion for the per-part scan.
	maxPartDepth = 8

	// partScanConcurrency caps simultaneous clamd sessions per message.
	partScanConcurrency = 4
)

// ClamAV scans messages over clamd's INSTREAM protocol: the whole
// stream first, then optionally every decoded non-text MIME part.
type ClamAV struct {
	Policy    string
	ScanParts bool
	Timeout   time.Duration
	Log       log.Logger

	endpoint config.Endpoint
}

func NewClamAV(cfg config.ClamAV, logger log.Logger) (*ClamAV, error) {
	endp, err := config.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("clamav: endpoint: %w", err)
	}
	c := &ClamAV{
		Policy:    cfg.Policy,
		ScanParts: cfg.ScanParts,
		Timeout:   cfg.Timeout(),
		Log:       logger,
		endpoint:  endp,
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Policy == "" {
		c.Policy = "reject"
	}
	if c.Policy != "reject" && c.Policy != "discard" {
		return nil, fmt.Errorf("clamav: unknown policy: %s", c.Policy)
	}
	return c, nil
}

func (*ClamAV) Name() string { return "clamav" }

func (c *ClamAV) Process(ctx context.Context, d *Delivery) error {
	msg, err := d.openMessage()
	if err != nil {
		return c.scanFailure(err, d)
	}
	sig, err := c.scan(ctx, msg)
	msg.Close()
	if err != nil {
		scanErrors.WithLabelValues("clamav").Inc()
		return c.scanFailure(err, d)
	}

	if sig == "" && c.ScanParts {
		sig, err = c.scanMIMEParts(ctx, d)
		if err != nil {
			scanErrors.WithLabelValues("clamav").Inc()
			return c.scanFailure(err, d)
		}
	}

	if sig == "" {
		d.Envelope.ScanResults = append(d.Envelope.ScanResults, envelope.ScanResult{
			Scanner: "clamav",
			Verdict: "clean",
		})
		return nil
	}

	d.Envelope.ScanResults = append(d.Envelope.ScanResults, envelope.ScanResult{
		Scanner: "clamav",
		Verdict: "infected",
		Detail:  sig,
	})
	if c.Policy == "discard" {
		c.Log.Msg("infected message discarded", "virus", sig, "uid", d.UID)
		d.Discarded = true
		return nil
	}

	virusRejected.Inc()
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
		Message:      "Message rejected: virus detected",
		TargetName:   "clamav",
		Misc:         map[string]any{"virus": sig, "uid": d.UID},
	}
}

func (c *ClamAV) scanFailure(err error, d *Delivery) error {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
		Message:      "Virus scan unavailable",
		TargetName:   "clamav",
		Err:          err,
		Misc:         map[string]any{"uid": d.UID},
	}
}

// scan runs one INSTREAM exchange. An empty signature means clean.
func (c *ClamAV) scan(ctx context.Context, r io.Reader) (string, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, c.endpoint.Network(), c.endpoint.Address())
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
		return "", err
	}

	if _, err := io.WriteString(conn, "zINSTREAM\x00"); err != nil {
		return "", err
	}

	// Chunks are a 4-byte big-endian length followed by the payload; a
	// zero length terminates the stream.
	buf := make([]byte, clamChunk)
	var size [4]byte
	for {
		n, rErr := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(size[:], uint32(n))
			if _, err := conn.Write(size[:]); err != nil {
				return "", err
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return "", err
			}
		}
		if rErr == io.EOF {
			break
		}
		if rErr != nil {
			return "", rErr
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := conn.Write(size[:]); err != nil {
		return "", err
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil {
		return "", err
	}
	return parseClamReply(reply)
}

func parseClamReply(reply string) (string, error) {
	reply = strings.Trim(reply, "\x00\n ")
	reply = strings.TrimPrefix(reply, "stream: ")
	switch {
	case reply == "OK":
		return "", nil
	case strings.HasSuffix(reply, " FOUND"):
		return strings.TrimSuffix(reply, " FOUND"), nil
	default:
		return "", fmt.Errorf("clamav: %s", reply)
	}
}

// scanMIMEParts scans each decoded non-text leaf part in its own clamd
// session, catching payloads the raw scan cannot see through their
// transfer encoding. Structure the parser cannot make sense of is
// skipped; the whole-stream scan already covered the raw bytes.
func (c *ClamAV) scanMIMEParts(ctx context.Context, d *Delivery) (string, error) {
	msg, err := d.openMessage()
	if err != nil {
		return "", err
	}
	defer msg.Close()

	ent, err := message.Read(msg)
	if err != nil && !message.IsUnknownCharset(err) {
		c.Log.DebugMsg("part scan skipped", "reason", err.Error(), "uid", d.UID)
		return "", nil
	}

	var parts [][]byte
	if err := collectParts(ent, 0, &parts); err != nil {
		c.Log.DebugMsg("part walk stopped", "reason", err.Error(), "uid", d.UID)
	}
	if len(parts) == 0 {
		return "", nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(partScanConcurrency)
	var (
		mu    sync.Mutex
		found string
	)
	for _, part := range parts {
		part := part
		g.Go(func() error {
			sig, err := c.scan(gctx, bytes.NewReader(part))
			if err != nil {
				return err
			}
			if sig != "" {
				mu.Lock()
				if found == "" {
					found = sig
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return found, nil
}

func collectParts(ent *message.Entity, depth int, out *[][]byte) error {
	if depth > maxPartDepth {
		return nil
	}
	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return err
			}
			if part == nil {
				break
			}
			if err := collectParts(part, depth+1, out); err != nil {
				return err
			}
		}
		return nil
	}

	ctype, _, _ := ent.Header.ContentType()
	if ctype == "" || strings.HasPrefix(ctype, "text/") || strings.HasPrefix(ctype, "multipart/") {
		return nil
	}
	data, err := io.ReadAll(ent.Body)
	if err != nil {
		return err
	}
	*out = append(*out, data)
	return nil
}
