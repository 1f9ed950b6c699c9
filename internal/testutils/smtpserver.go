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

// Package testutils provides SMTP and LMTP counterpart servers for
// client-side tests. Unlike the scripted pipe servers used inside
// individual packages, these are an independent protocol
// implementation (emersion/go-smtp), so interoperability bugs in our
// client do not cancel out against the same bugs in the test double.
package testutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/transilvlad/robin-sub003/framework/config"
)

// Message is one transaction the backend accepted in full.
type Message struct {
	From     string
	Opts     smtp.MailOptions
	To       []string
	Data     []byte
	TLS      bool
	AuthUser string
	AuthPass string
}

// Backend records everything the server accepts and injects failures
// at the configured stages.
type Backend struct {
	Messages []*Message

	Sessions  int
	MailSeen  int
	SourceIPs map[string]struct{}

	// Errors returned by the corresponding session stage. RcptErr is
	// keyed by recipient address; LMTPStatus is keyed the same way and
	// consulted for the per-recipient data verdicts (nil means 250).
	AuthErr    error
	MailErr    error
	RcptErr    map[string]error
	DataErr    error
	LMTPStatus map[string]error
}

func (be *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	be.Sessions++
	if be.SourceIPs == nil {
		be.SourceIPs = map[string]struct{}{}
	}
	be.SourceIPs[c.Conn().RemoteAddr().String()] = struct{}{}
	return &session{backend: be, conn: c, msg: &Message{}}, nil
}

// CheckMsg asserts the indx-th accepted message against the given
// envelope. Recipient order is ignored.
func (be *Backend) CheckMsg(t *testing.T, indx int, from string, rcptTo []string, data string) {
	t.Helper()

	if len(be.Messages) <= indx {
		t.Errorf("accepted %d messages, want at least %d", len(be.Messages), indx+1)
		return
	}

	msg := be.Messages[indx]
	if msg.From != from {
		t.Errorf("MAIL FROM: %q, want %q", msg.From, from)
	}

	to := append([]string(nil), msg.To...)
	want := append([]string(nil), rcptTo...)
	sort.Strings(to)
	sort.Strings(want)
	if len(to) != len(want) {
		t.Errorf("RCPT TO: %v, want %v", to, want)
	} else {
		for i := range to {
			if to[i] != want[i] {
				t.Errorf("RCPT TO: %v, want %v", to, want)
				break
			}
		}
	}

	if string(msg.Data) != data {
		t.Errorf("DATA payload: %q, want %q", msg.Data, data)
	}
}

type session struct {
	backend *Backend
	conn    *smtp.Conn
	user    string
	pass    string
	msg     *Message
}

func (s *session) Reset() {
	s.msg = &Message{}
}

func (s *session) Logout() error {
	return nil
}

func (s *session) AuthPlain(username, password string) error {
	if s.backend.AuthErr != nil {
		return s.backend.AuthErr
	}
	s.user = username
	s.pass = password
	return nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.backend.MailSeen++
	if s.backend.MailErr != nil {
		return s.backend.MailErr
	}

	s.Reset()
	s.msg.From = from
	if opts != nil {
		s.msg.Opts = *opts
	}
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if err := s.backend.RcptErr[to]; err != nil {
		return err
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.backend.DataErr != nil {
		return s.backend.DataErr
	}
	return s.accept(r)
}

func (s *session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	if s.backend.DataErr != nil {
		return s.backend.DataErr
	}
	if err := s.accept(r); err != nil {
		return err
	}
	for _, rcpt := range s.msg.To {
		status.SetStatus(rcpt, s.backend.LMTPStatus[rcpt])
	}
	return nil
}

func (s *session) accept(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	_, s.msg.TLS = s.conn.TLSConnectionState()
	s.msg.AuthUser = s.user
	s.msg.AuthPass = s.pass
	s.backend.Messages = append(s.backend.Messages, s.msg)
	return nil
}

// ConfigureFunc adjusts the server before it starts serving.
type ConfigureFunc func(*smtp.Server)

// AuthDisabled hides the AUTH capability.
var AuthDisabled = func(s *smtp.Server) {
	s.AuthDisabled = true
}

// Server starts a plain SMTP server on a loopback port picked by the
// kernel and shuts it down with the test.
func Server(t *testing.T, fn ...ConfigureFunc) (config.Endpoint, *Backend, *smtp.Server) {
	t.Helper()

	be := new(Backend)
	srv := newServer(be, fn)
	endp := serveAsync(t, srv, listen(t))
	return endp, be, srv
}

// ServerSTARTTLS starts an SMTP server offering STARTTLS with a
// freshly generated certificate. The returned tls.Config trusts it.
func ServerSTARTTLS(t *testing.T, fn ...ConfigureFunc) (config.Endpoint, *tls.Config, *Backend, *smtp.Server) {
	t.Helper()

	serverCfg, clientCfg := TLSPair(t, "127.0.0.1")

	be := new(Backend)
	srv := newServer(be, fn)
	srv.TLSConfig = serverCfg
	endp := serveAsync(t, srv, listen(t))
	return endp, clientCfg, be, srv
}

// ServerLMTP starts an LMTP server; per-recipient data verdicts come
// from Backend.LMTPStatus.
func ServerLMTP(t *testing.T, fn ...ConfigureFunc) (config.Endpoint, *Backend, *smtp.Server) {
	t.Helper()

	be := new(Backend)
	srv := newServer(be, fn)
	srv.LMTP = true
	endp := serveAsync(t, srv, listen(t))
	return endp, be, srv
}

func newServer(be *Backend, fn []ConfigureFunc) *smtp.Server {
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	for _, f := range fn {
		f(srv)
	}
	return srv
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func serveAsync(t *testing.T, srv *smtp.Server, l net.Listener) config.Endpoint {
	t.Helper()

	go func() {
		if err := srv.Serve(l); err != nil && !isClosed(err) {
			t.Error(err)
		}
	}()
	t.Cleanup(func() { srv.Close() })

	host, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return config.Endpoint{Scheme: "tcp", Host: host, Port: port}
}

func isClosed(err error) bool {
	return err == smtp.ErrServerClosed
}

// CheckConnLeak fails the test when server-side connections survive
// it. Closure is handled asynchronously in go-smtp, so poll briefly.
func CheckConnLeak(t *testing.T, srv *smtp.Server) {
	t.Helper()

	for i := 0; i < 10; i++ {
		open := false
		srv.ForEachConn(func(*smtp.Conn) {
			open = true
		})
		if !open {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Error("connections still open after test completion")
}

// TLSPair generates a self-signed server certificate for name and
// returns the matching server and client configurations.
func TLSPair(t *testing.T, name string) (server, client *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	if ip := net.ParseIP(name); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	server = &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}}}
	client = &tls.Config{ServerName: name, RootCAs: pool}
	return server, client
}
