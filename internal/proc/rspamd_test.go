package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
)

type rspamdCapture struct {
	mu      sync.Mutex
	paths   []string
	headers []http.Header
	bodies  []string
}

func (c *rspamdCapture) request(i int) (string, http.Header, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[i], c.headers[i], c.bodies[i]
}

func (c *rspamdCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

func startRspamd(t *testing.T, score float64, action string) (*rspamdCapture, string) {
	t.Helper()
	capt := &rspamdCapture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		capt.mu.Lock()
		capt.paths = append(capt.paths, r.URL.Path)
		capt.headers = append(capt.headers, r.Header.Clone())
		capt.bodies = append(capt.bodies, string(body))
		capt.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"score":%g,"action":%q,"symbols":{}}`, score, action)
	}))
	t.Cleanup(srv.Close)
	return capt, srv.URL
}

func testRspamd(t *testing.T, cfg config.Rspamd) *Rspamd {
	t.Helper()
	cfg.Enabled = true
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 5
	}
	return NewRspamd(cfg, "robin.example.org", log.Logger{})
}

func TestRspamdCleanRecordsMetadata(t *testing.T) {
	capt, url := startRspamd(t, 1.2, "no action")
	r := testRspamd(t, config.Rspamd{
		Url:              url,
		RejectThreshold:  10,
		DiscardThreshold: 15,
		Settings:         "robin-inbound",
	})

	env := testEnv()
	env.Recipients = append(env.Recipients, "carol@example.com")
	d := testDelivery(t, env, plainMessage)
	d.Conn = testConn()
	d.Conn.AuthUser = "alice"

	if err := r.Process(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if capt.count() != 1 {
		t.Fatalf("requests made: %d", capt.count())
	}

	path, hdr, body := capt.request(0)
	if path != "/checkv2" {
		t.Errorf("request path %q", path)
	}
	for key, want := range map[string]string{
		"From":        "alice@example.org",
		"Queue-Id":    "test-uid",
		"Ip":          "192.0.2.7",
		"Helo":        "mx.example.org",
		"Hostname":    "client.example.org",
		"User":        "alice",
		"Mta-Tag":     "robin",
		"Mta-Name":    "robin.example.org",
		"Settings-Id": "robin-inbound",
		"Pass":        "all",
	} {
		if got := hdr.Get(key); got != want {
			t.Errorf("metadata %s = %q, want %q", key, got, want)
		}
	}
	rcpts := hdr.Values("Rcpt")
	if len(rcpts) != 2 || rcpts[0] != "bob@example.com" || rcpts[1] != "carol@example.com" {
		t.Errorf("metadata Rcpt = %v", rcpts)
	}
	if want := strings.ReplaceAll(plainMessage, "\n", "\r\n"); body != want {
		t.Errorf("scanner saw:\n%q\nwant:\n%q", body, want)
	}

	if len(env.ScanResults) != 1 {
		t.Fatalf("scan results: %+v", env.ScanResults)
	}
	res := env.ScanResults[0]
	if res.Scanner != "rspamd" || res.Verdict != "clean" || res.Score != 1.2 || res.Detail != "no action" {
		t.Errorf("scan result: %+v", res)
	}
}

func TestRspamdReject(t *testing.T) {
	_, url := startRspamd(t, 12, "reject")
	r := testRspamd(t, config.Rspamd{Url: url, RejectThreshold: 10, DiscardThreshold: 15})

	env := testEnv()
	err := r.Process(context.Background(), testDelivery(t, env, plainMessage))
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("spam message: %v", err)
	}
	if smtpErr.Code != 550 || smtpErr.EnhancedCode != (exterrors.EnhancedCode{5, 7, 1}) || smtpErr.Temporary() {
		t.Errorf("spam reply: %v", smtpErr)
	}
	if len(env.ScanResults) != 1 || env.ScanResults[0].Verdict != "reject" {
		t.Errorf("scan results: %+v", env.ScanResults)
	}
}

func TestRspamdDiscard(t *testing.T) {
	_, url := startRspamd(t, 20, "reject")
	r := testRspamd(t, config.Rspamd{Url: url, RejectThreshold: 10, DiscardThreshold: 15})

	env := testEnv()
	d := testDelivery(t, env, plainMessage)
	if err := r.Process(context.Background(), d); err != nil {
		t.Fatalf("discard must look like success: %v", err)
	}
	if !d.Discarded {
		t.Error("message not marked discarded")
	}
	if len(env.ScanResults) != 1 || env.ScanResults[0].Verdict != "discard" {
		t.Errorf("scan results: %+v", env.ScanResults)
	}
}

func TestRspamdZeroThresholdsDisabled(t *testing.T) {
	_, url := startRspamd(t, 99, "reject")
	r := testRspamd(t, config.Rspamd{Url: url})

	env := testEnv()
	d := testDelivery(t, env, plainMessage)
	if err := r.Process(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if d.Discarded {
		t.Error("message discarded although thresholds are disabled")
	}
	if len(env.ScanResults) != 1 || env.ScanResults[0].Verdict != "clean" {
		t.Errorf("scan results: %+v", env.ScanResults)
	}
}

func TestRspamdServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	r := testRspamd(t, config.Rspamd{Url: srv.URL, RejectThreshold: 10})
	err := r.Process(context.Background(), testDelivery(t, testEnv(), plainMessage))
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 || !smtpErr.Temporary() {
		t.Errorf("scanner error reply: %v", err)
	}
}

func TestRspamdBadReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	t.Cleanup(srv.Close)

	r := testRspamd(t, config.Rspamd{Url: srv.URL, RejectThreshold: 10})
	err := r.Process(context.Background(), testDelivery(t, testEnv(), plainMessage))
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 {
		t.Errorf("undecodable reply: %v", err)
	}
}

func TestRspamdUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	r := testRspamd(t, config.Rspamd{Url: url, RejectThreshold: 10})
	err := r.Process(context.Background(), testDelivery(t, testEnv(), plainMessage))
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 || !smtpErr.Temporary() {
		t.Errorf("unreachable scanner reply: %v", err)
	}
}
