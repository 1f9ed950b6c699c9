package proxy

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/smtpconn"
)

type script func(t *testing.T, conn net.Conn, r *bufio.Reader)

// scriptDialer hands out pipe ends for dialed addresses and runs the
// queued script for each connection. Scripts must consume the full
// lifetime of their connection, QUIT included when the test closes the
// set cleanly.
type scriptDialer struct {
	t *testing.T

	mu      sync.Mutex
	dialed  []string
	scripts map[string][]script
	refuse  map[string]bool
	wg      sync.WaitGroup
}

func newScriptDialer(t *testing.T) *scriptDialer {
	d := &scriptDialer{
		t:       t,
		scripts: map[string][]script{},
		refuse:  map[string]bool{},
	}
	t.Cleanup(func() {
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("scripted server did not finish")
		}
	})
	return d
}

func (d *scriptDialer) serve(addr string, scripts ...script) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[addr] = append(d.scripts[addr], scripts...)
}

func (d *scriptDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialed = append(d.dialed, addr)
	if d.refuse[addr] {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	queue := d.scripts[addr]
	if len(queue) == 0 {
		d.t.Errorf("unexpected dial of %s", addr)
		return nil, errors.New("no script for " + addr)
	}
	s := queue[0]
	d.scripts[addr] = queue[1:]

	clientEnd, serverEnd := net.Pipe()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer serverEnd.Close()
		s(d.t, serverEnd, bufio.NewReader(serverEnd))
	}()
	return clientEnd, nil
}

func expectLine(t *testing.T, r *bufio.Reader, want string) {
	line, err := r.ReadString('\n')
	if err != nil {
		t.Errorf("server: reading %q: %v", want, err)
		return
	}
	if got := strings.TrimRight(line, "\r\n"); got != want {
		t.Errorf("server: got %q, want %q", got, want)
	}
}

func discardBody(t *testing.T, r *bufio.Reader) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Errorf("server: reading body: %v", err)
			return
		}
		if line == ".\r\n" {
			return
		}
	}
}

func testRule(t *testing.T, cfg config.ProxyRule) *Rule {
	t.Helper()
	r, err := compileRule(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func testConns(t *testing.T, d *scriptDialer) *Conns {
	cs := NewConns("robin.example.org", nil, log.Logger{})
	cs.Dialer = d.dial
	t.Cleanup(cs.Close)
	return cs
}

func bodyOpener(body string, opens *int) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		*opens++
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

// One session, two envelopes, one destination: the channel must open on
// the first recipient, carry both envelopes back to back and say
// goodbye exactly once.
func TestConnsReusedAcrossEnvelopes(t *testing.T) {
	d := newScriptDialer(t)
	d.serve("relay.example.com:25", func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		io.WriteString(conn, "220 relay.example.com ESMTP\r\n")
		expectLine(t, r, "EHLO robin.example.org")
		io.WriteString(conn, "250-relay.example.com\r\n250 PIPELINING\r\n")

		expectLine(t, r, "MAIL FROM:<sender@example.org>")
		io.WriteString(conn, "250 2.1.0 Ok\r\n")
		expectLine(t, r, "RCPT TO:<one@example.com>")
		io.WriteString(conn, "250 2.1.5 Ok\r\n")
		expectLine(t, r, "RCPT TO:<two@example.com>")
		io.WriteString(conn, "250 2.1.5 Ok\r\n")
		expectLine(t, r, "DATA")
		io.WriteString(conn, "354 Send it\r\n")
		discardBody(t, r)
		io.WriteString(conn, "250 2.0.0 Queued\r\n")

		expectLine(t, r, "MAIL FROM:<other@example.org>")
		io.WriteString(conn, "250 2.1.0 Ok\r\n")
		expectLine(t, r, "RCPT TO:<three@example.com>")
		io.WriteString(conn, "250 2.1.5 Ok\r\n")
		expectLine(t, r, "DATA")
		io.WriteString(conn, "354 Send it\r\n")
		discardBody(t, r)
		io.WriteString(conn, "250 2.0.0 Queued\r\n")

		expectLine(t, r, "QUIT")
		io.WriteString(conn, "221 2.0.0 Bye\r\n")
	})

	cs := testConns(t, d)
	rule := testRule(t, config.ProxyRule{Name: "relay", Hosts: []string{"relay.example.com"}})
	ctx := context.Background()

	for _, rcpt := range []string{"one@example.com", "two@example.com"} {
		reply, err := cs.Rcpt(ctx, rule, "sender@example.org", smtpconn.MailOptions{}, rcpt)
		if err != nil {
			t.Fatalf("rcpt %s: %v", rcpt, err)
		}
		if reply.Code != 250 {
			t.Errorf("rcpt %s: code %d", rcpt, reply.Code)
		}
	}
	opens := 0
	if err := cs.Data(ctx, bodyOpener("Subject: one\r\n\r\nfirst\r\n", &opens)); err != nil {
		t.Fatalf("first DATA: %v", err)
	}
	if opens != 1 {
		t.Errorf("body opened %d times", opens)
	}

	if _, err := cs.Rcpt(ctx, rule, "other@example.org", smtpconn.MailOptions{}, "three@example.com"); err != nil {
		t.Fatalf("second envelope rcpt: %v", err)
	}
	if err := cs.Data(ctx, bodyOpener("Subject: two\r\n\r\nsecond\r\n", &opens)); err != nil {
		t.Fatalf("second DATA: %v", err)
	}

	cs.Close()
	cs.Close() // close once, even when cleanup runs it again

	if len(d.dialed) != 1 {
		t.Errorf("dialed %v, want one connect", d.dialed)
	}
}

func TestConnsForwardsNegativeReplyVerbatim(t *testing.T) {
	d := newScriptDialer(t)
	d.serve("relay.example.com:25", func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		io.WriteString(conn, "220 relay.example.com ESMTP\r\n")
		expectLine(t, r, "EHLO robin.example.org")
		io.WriteString(conn, "250 relay.example.com\r\n")
		expectLine(t, r, "MAIL FROM:<sender@example.org>")
		io.WriteString(conn, "250 2.1.0 Ok\r\n")
		expectLine(t, r, "RCPT TO:<ghost@example.com>")
		io.WriteString(conn, "550 5.1.1 No such user here\r\n")
		expectLine(t, r, "RCPT TO:<real@example.com>")
		io.WriteString(conn, "250 2.1.5 Ok\r\n")
		expectLine(t, r, "DATA")
		io.WriteString(conn, "354 Send it\r\n")
		discardBody(t, r)
		io.WriteString(conn, "250 2.0.0 Queued\r\n")
		expectLine(t, r, "QUIT")
		io.WriteString(conn, "221 2.0.0 Bye\r\n")
	})

	cs := testConns(t, d)
	rule := testRule(t, config.ProxyRule{Name: "relay", Hosts: []string{"relay.example.com"}})
	ctx := context.Background()

	reply, err := cs.Rcpt(ctx, rule, "sender@example.org", smtpconn.MailOptions{}, "ghost@example.com")
	if err != nil {
		t.Fatalf("rejected recipient must not error: %v", err)
	}
	if reply.Code != 550 || reply.Enhanced.String() != "5.1.1" {
		t.Errorf("reply: %d %s", reply.Code, reply.Enhanced)
	}
	if len(reply.Raw) != 1 || reply.Raw[0] != "550 5.1.1 No such user here" {
		t.Errorf("raw reply: %q", reply.Raw)
	}

	if _, err := cs.Rcpt(ctx, rule, "sender@example.org", smtpconn.MailOptions{}, "real@example.com"); err != nil {
		t.Fatalf("accepted recipient: %v", err)
	}
	opens := 0
	if err := cs.Data(ctx, bodyOpener("Subject: hi\r\n\r\nbody\r\n", &opens)); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	cs.Close()
}

func TestConnsMemoisesConnectFailure(t *testing.T) {
	d := newScriptDialer(t)
	d.refuse["down.example.com:25"] = true

	cs := testConns(t, d)
	rule := testRule(t, config.ProxyRule{Name: "down", Hosts: []string{"down.example.com"}})
	ctx := context.Background()

	if _, err := cs.Rcpt(ctx, rule, "sender@example.org", smtpconn.MailOptions{}, "one@example.com"); err == nil {
		t.Fatal("expected a connect error")
	}
	if _, err := cs.Rcpt(ctx, rule, "sender@example.org", smtpconn.MailOptions{}, "two@example.com"); err == nil {
		t.Fatal("expected the memoised error")
	}

	if len(d.dialed) != 1 {
		t.Errorf("dialed %v, want a single attempt", d.dialed)
	}
}

func TestConnsFallsBackToSecondHost(t *testing.T) {
	d := newScriptDialer(t)
	d.refuse["down.example.com:25"] = true
	d.serve("up.example.com:25", func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		io.WriteString(conn, "220 up.example.com ESMTP\r\n")
		expectLine(t, r, "EHLO robin.example.org")
		io.WriteString(conn, "250 up.example.com\r\n")
		expectLine(t, r, "MAIL FROM:<sender@example.org>")
		io.WriteString(conn, "250 2.1.0 Ok\r\n")
		expectLine(t, r, "RCPT TO:<one@example.com>")
		io.WriteString(conn, "250 2.1.5 Ok\r\n")
		expectLine(t, r, "QUIT")
		io.WriteString(conn, "221 2.0.0 Bye\r\n")
	})

	cs := testConns(t, d)
	rule := testRule(t, config.ProxyRule{Name: "pair", Hosts: []string{"down.example.com", "up.example.com"}})

	reply, err := cs.Rcpt(context.Background(), rule, "sender@example.org", smtpconn.MailOptions{}, "one@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Code != 250 {
		t.Errorf("code: %d", reply.Code)
	}
	cs.Close()

	want := []string{"down.example.com:25", "up.example.com:25"}
	if len(d.dialed) != 2 || d.dialed[0] != want[0] || d.dialed[1] != want[1] {
		t.Errorf("dialed %v, want %v", d.dialed, want)
	}
}

func testTLSServerConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.example.com"},
		DNSNames:     []string{"relay.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}

// A rule with tls and credentials must bring the channel up in order:
// greeting, EHLO, STARTTLS, EHLO again, AUTH, and only then MAIL.
func TestConnsStartTLSAndAuth(t *testing.T) {
	serverTLS := testTLSServerConfig(t)

	d := newScriptDialer(t)
	d.serve("relay.example.com:25", func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		io.WriteString(conn, "220 relay.example.com ESMTP\r\n")
		expectLine(t, r, "EHLO robin.example.org")
		io.WriteString(conn, "250-relay.example.com\r\n250 STARTTLS\r\n")
		expectLine(t, r, "STARTTLS")
		io.WriteString(conn, "220 2.0.0 Ready to start TLS\r\n")

		tlsConn := tls.Server(conn, serverTLS)
		tr := bufio.NewReader(tlsConn)
		expectLine(t, tr, "EHLO robin.example.org")
		io.WriteString(tlsConn, "250-relay.example.com\r\n250 AUTH PLAIN\r\n")
		expectLine(t, tr, "AUTH PLAIN AGZveABiYXI=")
		io.WriteString(tlsConn, "235 2.7.0 Authentication successful\r\n")
		expectLine(t, tr, "MAIL FROM:<sender@example.org>")
		io.WriteString(tlsConn, "250 2.1.0 Ok\r\n")
		expectLine(t, tr, "RCPT TO:<one@example.com>")
		io.WriteString(tlsConn, "250 2.1.5 Ok\r\n")
		expectLine(t, tr, "QUIT")
		io.WriteString(tlsConn, "221 2.0.0 Bye\r\n")
	})

	cs := testConns(t, d)
	cs.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	rule := testRule(t, config.ProxyRule{
		Name:          "secure",
		Hosts:         []string{"relay.example.com"},
		Tls:           true,
		Username:      "fox",
		Password:      "bar",
		AuthMechanism: "PLAIN",
	})

	reply, err := cs.Rcpt(context.Background(), rule, "sender@example.org", smtpconn.MailOptions{}, "one@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Code != 250 {
		t.Errorf("code: %d", reply.Code)
	}
	cs.Close()
}

func TestConnsLMTP(t *testing.T) {
	d := newScriptDialer(t)
	d.serve("lmtp.example.com:24", func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		io.WriteString(conn, "220 lmtp.example.com LMTP\r\n")
		expectLine(t, r, "LHLO robin.example.org")
		io.WriteString(conn, "250-lmtp.example.com\r\n250 PIPELINING\r\n")
		expectLine(t, r, "MAIL FROM:<sender@example.org>")
		io.WriteString(conn, "250 2.1.0 Ok\r\n")
		expectLine(t, r, "RCPT TO:<user@example.com>")
		io.WriteString(conn, "250 2.1.5 Ok\r\n")
		expectLine(t, r, "DATA")
		io.WriteString(conn, "354 Send it\r\n")
		discardBody(t, r)
		io.WriteString(conn, "250 2.0.0 Delivered\r\n")
		expectLine(t, r, "QUIT")
		io.WriteString(conn, "221 2.0.0 Bye\r\n")
	})

	cs := testConns(t, d)
	rule := testRule(t, config.ProxyRule{
		Name:     "dovecot",
		Hosts:    []string{"lmtp.example.com"},
		Port:     24,
		Protocol: "lmtp",
	})
	ctx := context.Background()

	if _, err := cs.Rcpt(ctx, rule, "sender@example.org", smtpconn.MailOptions{}, "user@example.com"); err != nil {
		t.Fatal(err)
	}
	opens := 0
	if err := cs.Data(ctx, bodyOpener("Subject: hi\r\n\r\nbody\r\n", &opens)); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	cs.Close()
}

func TestConnsRcptTransportErrorMemoised(t *testing.T) {
	d := newScriptDialer(t)
	d.serve("relay.example.com:25", func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		io.WriteString(conn, "220 relay.example.com ESMTP\r\n")
		expectLine(t, r, "EHLO robin.example.org")
		io.WriteString(conn, "250 relay.example.com\r\n")
		expectLine(t, r, "MAIL FROM:<sender@example.org>")
		io.WriteString(conn, "250 2.1.0 Ok\r\n")
		expectLine(t, r, "RCPT TO:<one@example.com>")
		// Drop the connection mid-exchange.
	})

	cs := testConns(t, d)
	rule := testRule(t, config.ProxyRule{Name: "flaky", Hosts: []string{"relay.example.com"}})
	ctx := context.Background()

	if _, err := cs.Rcpt(ctx, rule, "sender@example.org", smtpconn.MailOptions{}, "one@example.com"); err == nil {
		t.Fatal("expected a transport error")
	}
	if _, err := cs.Rcpt(ctx, rule, "sender@example.org", smtpconn.MailOptions{}, "two@example.com"); err == nil {
		t.Fatal("expected the memoised error")
	}
	if len(d.dialed) != 1 {
		t.Errorf("dialed %v, want a single attempt", d.dialed)
	}
}

// A refused sender is not held against the destination: the next
// envelope gets a fresh channel.
func TestConnsMailFailureNotMemoised(t *testing.T) {
	d := newScriptDialer(t)
	d.serve("relay.example.com:25",
		func(t *testing.T, conn net.Conn, r *bufio.Reader) {
			io.WriteString(conn, "220 relay.example.com ESMTP\r\n")
			expectLine(t, r, "EHLO robin.example.org")
			io.WriteString(conn, "250 relay.example.com\r\n")
			expectLine(t, r, "MAIL FROM:<spam@example.org>")
			io.WriteString(conn, "550 5.1.8 Sender refused\r\n")
		},
		func(t *testing.T, conn net.Conn, r *bufio.Reader) {
			io.WriteString(conn, "220 relay.example.com ESMTP\r\n")
			expectLine(t, r, "EHLO robin.example.org")
			io.WriteString(conn, "250 relay.example.com\r\n")
			expectLine(t, r, "MAIL FROM:<ok@example.org>")
			io.WriteString(conn, "250 2.1.0 Ok\r\n")
			expectLine(t, r, "RCPT TO:<one@example.com>")
			io.WriteString(conn, "250 2.1.5 Ok\r\n")
			expectLine(t, r, "QUIT")
			io.WriteString(conn, "221 2.0.0 Bye\r\n")
		})

	cs := testConns(t, d)
	rule := testRule(t, config.ProxyRule{Name: "relay", Hosts: []string{"relay.example.com"}})
	ctx := context.Background()

	if _, err := cs.Rcpt(ctx, rule, "spam@example.org", smtpconn.MailOptions{}, "one@example.com"); err == nil {
		t.Fatal("expected the sender rejection")
	}
	if _, err := cs.Rcpt(ctx, rule, "ok@example.org", smtpconn.MailOptions{}, "one@example.com"); err != nil {
		t.Fatalf("second envelope: %v", err)
	}
	cs.Close()

	if len(d.dialed) != 2 {
		t.Errorf("dialed %v, want a redial", d.dialed)
	}
}

// Data streams only to channels that accepted a recipient; a channel
// whose whole transaction was refused is reset and kept.
func TestConnsDataResetsEmptyTransaction(t *testing.T) {
	d := newScriptDialer(t)
	d.serve("one.example.com:25", func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		io.WriteString(conn, "220 one.example.com ESMTP\r\n")
		expectLine(t, r, "EHLO robin.example.org")
		io.WriteString(conn, "250 one.example.com\r\n")
		expectLine(t, r, "MAIL FROM:<sender@example.org>")
		io.WriteString(conn, "250 2.1.0 Ok\r\n")
		expectLine(t, r, "RCPT TO:<user@one.example>")
		io.WriteString(conn, "250 2.1.5 Ok\r\n")
		expectLine(t, r, "DATA")
		io.WriteString(conn, "354 Send it\r\n")
		discardBody(t, r)
		io.WriteString(conn, "250 2.0.0 Queued\r\n")
		expectLine(t, r, "QUIT")
		io.WriteString(conn, "221 2.0.0 Bye\r\n")
	})
	d.serve("two.example.com:25", func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		io.WriteString(conn, "220 two.example.com ESMTP\r\n")
		expectLine(t, r, "EHLO robin.example.org")
		io.WriteString(conn, "250 two.example.com\r\n")
		expectLine(t, r, "MAIL FROM:<sender@example.org>")
		io.WriteString(conn, "250 2.1.0 Ok\r\n")
		expectLine(t, r, "RCPT TO:<user@two.example>")
		io.WriteString(conn, "550 5.1.1 No such user here\r\n")
		expectLine(t, r, "RSET")
		io.WriteString(conn, "250 2.0.0 Ok\r\n")
		expectLine(t, r, "QUIT")
		io.WriteString(conn, "221 2.0.0 Bye\r\n")
	})

	cs := testConns(t, d)
	one := testRule(t, config.ProxyRule{Name: "one", Hosts: []string{"one.example.com"}})
	two := testRule(t, config.ProxyRule{Name: "two", Hosts: []string{"two.example.com"}})
	ctx := context.Background()

	if _, err := cs.Rcpt(ctx, one, "sender@example.org", smtpconn.MailOptions{}, "user@one.example"); err != nil {
		t.Fatal(err)
	}
	reply, err := cs.Rcpt(ctx, two, "sender@example.org", smtpconn.MailOptions{}, "user@two.example")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Code != 550 {
		t.Errorf("code: %d", reply.Code)
	}

	opens := 0
	if err := cs.Data(ctx, bodyOpener("Subject: hi\r\n\r\nbody\r\n", &opens)); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	if opens != 1 {
		t.Errorf("body opened %d times, want only the accepting channel", opens)
	}
	cs.Close()
}

// Reset aborts the open transaction and leaves the channel usable for
// the next envelope.
func TestConnsReset(t *testing.T) {
	d := newScriptDialer(t)
	d.serve("relay.example.com:25", func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		io.WriteString(conn, "220 relay.example.com ESMTP\r\n")
		expectLine(t, r, "EHLO robin.example.org")
		io.WriteString(conn, "250 relay.example.com\r\n")
		expectLine(t, r, "MAIL FROM:<sender@example.org>")
		io.WriteString(conn, "250 2.1.0 Ok\r\n")
		expectLine(t, r, "RCPT TO:<one@example.com>")
		io.WriteString(conn, "250 2.1.5 Ok\r\n")
		expectLine(t, r, "RSET")
		io.WriteString(conn, "250 2.0.0 Ok\r\n")
		expectLine(t, r, "MAIL FROM:<other@example.org>")
		io.WriteString(conn, "250 2.1.0 Ok\r\n")
		expectLine(t, r, "RCPT TO:<two@example.com>")
		io.WriteString(conn, "250 2.1.5 Ok\r\n")
		expectLine(t, r, "DATA")
		io.WriteString(conn, "354 Send it\r\n")
		discardBody(t, r)
		io.WriteString(conn, "250 2.0.0 Queued\r\n")
		expectLine(t, r, "QUIT")
		io.WriteString(conn, "221 2.0.0 Bye\r\n")
	})

	cs := testConns(t, d)
	rule := testRule(t, config.ProxyRule{Name: "relay", Hosts: []string{"relay.example.com"}})
	ctx := context.Background()

	if _, err := cs.Rcpt(ctx, rule, "sender@example.org", smtpconn.MailOptions{}, "one@example.com"); err != nil {
		t.Fatal(err)
	}
	cs.Reset(ctx)

	if _, err := cs.Rcpt(ctx, rule, "other@example.org", smtpconn.MailOptions{}, "two@example.com"); err != nil {
		t.Fatal(err)
	}
	opens := 0
	if err := cs.Data(ctx, bodyOpener("Subject: hi\r\n\r\nbody\r\n", &opens)); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	cs.Close()

	if len(d.dialed) != 1 {
		t.Errorf("dialed %v, want the channel kept", d.dialed)
	}
}
