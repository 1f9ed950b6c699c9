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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/wire"
)

const (
	defaultWebhookTimeout = 10 * time.Second

	// Replies larger than this are a misbehaving hook, not a reply.
	maxWebhookReply = 4096
)

// webhookClient calls the per-verb interception hooks. A hook may
// supply the SMTP reply for the command, in which case the verb handler
// is skipped entirely.
type webhookClient struct {
	urls         map[string]string
	ignoreErrors bool
	client       *http.Client
	log          log.Logger
}

func newWebhookClient(cfg config.Webhooks, logger log.Logger) *webhookClient {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	urls := make(map[string]string, len(cfg.Urls))
	for verb, u := range cfg.Urls {
		urls[strings.ToUpper(verb)] = u
	}

	return &webhookClient{
		urls:         urls,
		ignoreErrors: cfg.IgnoreErrors,
		client:       &http.Client{Timeout: timeout},
		log:          logger,
	}
}

// webhookSnapshot is the request body: enough session state for the
// hook to decide without calling back into the server.
type webhookSnapshot struct {
	UID      string   `json:"uid"`
	Verb     string   `json:"verb"`
	Args     string   `json:"args"`
	Mode     string   `json:"mode"`
	RemoteIP string   `json:"remoteIp"`
	RDNSName string   `json:"rdnsName,omitempty"`
	Hello    string   `json:"hello,omitempty"`
	TLS      bool     `json:"tls"`
	AuthUser string   `json:"authUser,omitempty"`
	MailFrom string   `json:"mailFrom,omitempty"`
	Rcpts    []string `json:"rcpts,omitempty"`
}

// intercept runs the hook configured for cmd's verb, if any. A non-nil
// override is the verbatim reply the session must write instead of
// running the verb handler. A non-nil error is an SMTP error to answer
// with, also skipping the handler.
func (w *webhookClient) intercept(s *Session, cmd wire.Cmd) ([]string, error) {
	url, ok := w.urls[cmd.Verb]
	if !ok {
		return nil, nil
	}

	body, err := json.Marshal(s.snapshot(cmd))
	if err != nil {
		return nil, w.failure(cmd.Verb, url, err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, w.failure(cmd.Verb, url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, w.failure(cmd.Verb, url, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookReply))
	if err != nil {
		return nil, w.failure(cmd.Verb, url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, w.failure(cmd.Verb, url, fmt.Errorf("unexpected status %s", resp.Status))
	}

	reply := parseOverride(payload)
	if len(reply) == 0 {
		// An empty 2xx body means "no opinion", run the verb handler.
		return nil, nil
	}

	webhookOverrides.WithLabelValues(cmd.Verb).Inc()
	w.log.DebugMsg("webhook reply override", "verb", cmd.Verb, "reply", reply[len(reply)-1])
	return reply, nil
}

// failure maps a hook problem onto the session outcome: swallowed when
// the operator asked to ignore webhook errors, a temporary reject
// otherwise.
func (w *webhookClient) failure(verb, url string, err error) error {
	webhookFailures.WithLabelValues(verb).Inc()
	w.log.Error("webhook call failed", err, "verb", verb, "url", url)

	if w.ignoreErrors {
		return nil
	}
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
		Message:      "Local policy service unavailable",
		TargetName:   "webhook",
		Err:          err,
	}
}

// parseOverride splits the hook response into reply lines, written to
// the client byte for byte.
func parseOverride(payload []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
