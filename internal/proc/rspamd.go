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
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
)

// Rspamd submits the message to rspamd's /checkv2 endpoint and maps
// the returned score onto the configured thresholds: at or above the
// discard threshold the message is dropped silently, at or above the
// reject threshold it is refused. A threshold of zero disables that
// disposition.
type Rspamd struct {
	URL              string
	RejectThreshold  float64
	DiscardThreshold float64
	Settings         string
	MTAName          string
	Log              log.Logger

	client *http.Client
}

func NewRspamd(cfg config.Rspamd, hostname string, logger log.Logger) *Rspamd {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Rspamd{
		URL:              strings.TrimSuffix(cfg.Url, "/"),
		RejectThreshold:  cfg.RejectThreshold,
		DiscardThreshold: cfg.DiscardThreshold,
		Settings:         cfg.Settings,
		MTAName:          hostname,
		Log:              logger,
		client:           &http.Client{Timeout: timeout},
	}
}

func (*Rspamd) Name() string { return "rspamd" }

type rspamdReply struct {
	Score   float64 `json:"score"`
	Action  string  `json:"action"`
	Subject string  `json:"subject"`
	Symbols map[string]struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"symbols"`
}

func (r *Rspamd) Process(ctx context.Context, d *Delivery) error {
	bodyR, err := d.Body.Open()
	if err != nil {
		return r.scanFailure(err, d)
	}
	defer bodyR.Close()

	var hdr bytes.Buffer
	if err := textproto.WriteHeader(&hdr, d.Header); err != nil {
		return r.scanFailure(err, d)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL+"/checkv2",
		io.MultiReader(&hdr, bodyR))
	if err != nil {
		return r.scanFailure(err, d)
	}
	req.ContentLength = int64(hdr.Len()) + int64(d.Body.Len())
	r.addMetadata(req, d)

	resp, err := r.client.Do(req)
	if err != nil {
		scanErrors.WithLabelValues("rspamd").Inc()
		return r.scanFailure(err, d)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		scanErrors.WithLabelValues("rspamd").Inc()
		return r.scanFailure(fmt.Errorf("HTTP %d", resp.StatusCode), d)
	}

	var reply rspamdReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		scanErrors.WithLabelValues("rspamd").Inc()
		return r.scanFailure(err, d)
	}

	switch {
	case r.DiscardThreshold > 0 && reply.Score >= r.DiscardThreshold:
		r.record(d, "discard", reply)
		r.Log.Msg("spam discarded", "score", reply.Score, "action", reply.Action, "uid", d.UID)
		d.Discarded = true
		return nil
	case r.RejectThreshold > 0 && reply.Score >= r.RejectThreshold:
		r.record(d, "reject", reply)
		spamRejected.Inc()
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Message rejected as spam",
			TargetName:   "rspamd",
			Misc: map[string]any{
				"score":  reply.Score,
				"action": reply.Action,
				"uid":    d.UID,
			},
		}
	default:
		r.record(d, "clean", reply)
		return nil
	}
}

// addMetadata attaches the connection and envelope context rspamd
// factors into its scoring.
func (r *Rspamd) addMetadata(req *http.Request, d *Delivery) {
	req.Header.Add("Pass", "all")
	req.Header.Add("User-Agent", "robin")
	req.Header.Add("MTA-Tag", "robin")
	if r.MTAName != "" {
		req.Header.Add("MTA-Name", r.MTAName)
	}
	if r.Settings != "" {
		req.Header.Add("Settings-ID", r.Settings)
	}

	req.Header.Add("From", d.Envelope.MailFrom)
	for _, rcpt := range d.Envelope.Recipients {
		req.Header.Add("Rcpt", rcpt)
	}
	req.Header.Add("Queue-ID", d.uidOrNew())

	c := d.Conn
	if c == nil {
		return
	}
	if c.AuthUser != "" {
		req.Header.Add("User", c.AuthUser)
	}
	if c.RemoteIP != nil {
		req.Header.Add("IP", c.RemoteIP.String())
	}
	if c.Hello != "" {
		req.Header.Add("Helo", c.Hello)
	}
	if c.RDNSName != "" {
		req.Header.Add("Hostname", c.RDNSName)
	}
	if c.TLS.HandshakeComplete {
		req.Header.Add("TLS-Cipher", tls.CipherSuiteName(c.TLS.CipherSuite))
		switch c.TLS.Version {
		case tls.VersionTLS13:
			req.Header.Add("TLS-Version", "1.3")
		case tls.VersionTLS12:
			req.Header.Add("TLS-Version", "1.2")
		case tls.VersionTLS11:
			req.Header.Add("TLS-Version", "1.1")
		case tls.VersionTLS10:
			req.Header.Add("TLS-Version", "1.0")
		}
	}
}

func (r *Rspamd) record(d *Delivery, verdict string, reply rspamdReply) {
	d.Envelope.ScanResults = append(d.Envelope.ScanResults, envelope.ScanResult{
		Scanner: "rspamd",
		Verdict: verdict,
		Score:   reply.Score,
		Detail:  reply.Action,
	})
}

func (r *Rspamd) scanFailure(err error, d *Delivery) error {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
		Message:      "Spam scan unavailable",
		TargetName:   "rspamd",
		Err:          err,
		Misc:         map[string]any{"uid": d.UID},
	}
}
