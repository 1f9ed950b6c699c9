package wire

import (
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
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/transilvlad/robin-sub003/framework/exterrors"
)

// serverConn wraps one end of a pipe in a Conn and drives the other end
// from a goroutine.
func serverConn(t *testing.T, peer func(net.Conn)) *Conn {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	go peer(c)
	return NewConn(s)
}

func TestReadLine(t *testing.T) {
	conn := serverConn(t, func(c net.Conn) {
		io.WriteString(c, "EHLO example.org\r\n")
		io.WriteString(c, "NOOP\n")
		io.WriteString(c, strings.Repeat("X", 5000)+"\r\n")
		io.WriteString(c, "QUIT\r\n")
	})

	line, err := conn.ReadLine()
	if err != nil || line != "EHLO example.org" {
		t.Errorf("CRLF line: %q, %v", line, err)
	}

	line, err = conn.ReadLine()
	if err != nil || line != "NOOP" {
		t.Errorf("lone LF line: %q, %v", line, err)
	}

	_, err = conn.ReadLine()
	if !errors.Is(err, ErrLineTooLong) {
		t.Errorf("oversized line: %v", err)
	}

	// The oversized line must be fully consumed.
	line, err = conn.ReadLine()
	if err != nil || line != "QUIT" {
		t.Errorf("line after oversized: %q, %v", line, err)
	}
}

func TestWriteReplyOneBlock(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	server := NewConn(s)
	go server.WriteReply(&Reply{
		Code:  250,
		Lines: []string{"robin.example.org", "PIPELINING", "SIZE 26214400"},
	})

	want := "250-robin.example.org\r\n250-PIPELINING\r\n250 SIZE 26214400\r\n"
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != want {
		t.Errorf("wire form:\n got %q\nwant %q", string(buf), want)
	}
}

func TestReplyString(t *testing.T) {
	cases := []struct {
		reply Reply
		want  string
	}{
		{Reply{Code: 250, Lines: []string{"Ok"}}, "250 Ok\r\n"},
		{Reply{Code: 550, Enhanced: exterrors.EnhancedCode{5, 7, 1}, Lines: []string{"virus found"}}, "550 5.7.1 virus found\r\n"},
		{Reply{Code: 221}, "221\r\n"},
		{Reply{Code: 451, Enhanced: exterrors.EnhancedCode{4, 0, 0}}, "451 4.0.0\r\n"},
	}
	for _, tc := range cases {
		if got := tc.reply.String(); got != tc.want {
			t.Errorf("String(): got %q, want %q", got, tc.want)
		}
	}
}

func TestReadReply(t *testing.T) {
	cases := []struct {
		name  string
		wire  string
		code  int
		ench  exterrors.EnhancedCode
		lines []string
		raw   []string
	}{
		{
			name:  "single line",
			wire:  "250 Ok\r\n",
			code:  250,
			lines: []string{"Ok"},
			raw:   []string{"250 Ok"},
		},
		{
			name:  "enhanced code",
			wire:  "550 5.7.1 listed\r\n",
			code:  550,
			ench:  exterrors.EnhancedCode{5, 7, 1},
			lines: []string{"listed"},
			raw:   []string{"550 5.7.1 listed"},
		},
		{
			name:  "multiline",
			wire:  "250-robin.example.org\r\n250-PIPELINING\r\n250 HELP\r\n",
			code:  250,
			lines: []string{"robin.example.org", "PIPELINING", "HELP"},
			raw:   []string{"250-robin.example.org", "250-PIPELINING", "250 HELP"},
		},
		{
			name:  "greeting hostname untouched",
			wire:  "220 robin.example.org ESMTP ready\r\n",
			code:  220,
			lines: []string{"robin.example.org ESMTP ready"},
			raw:   []string{"220 robin.example.org ESMTP ready"},
		},
		{
			name:  "code only",
			wire:  "421\r\n",
			code:  421,
			lines: []string{""},
			raw:   []string{"421"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := serverConn(t, func(c net.Conn) {
				io.WriteString(c, tc.wire)
			})
			rep, err := conn.ReadReply()
			if err != nil {
				t.Fatal(err)
			}
			if rep.Code != tc.code {
				t.Errorf("code: got %d, want %d", rep.Code, tc.code)
			}
			if rep.Enhanced != tc.ench {
				t.Errorf("enhanced: got %v, want %v", rep.Enhanced, tc.ench)
			}
			if !reflect.DeepEqual(rep.Lines, tc.lines) {
				t.Errorf("lines: got %q, want %q", rep.Lines, tc.lines)
			}
			if !reflect.DeepEqual(rep.Raw, tc.raw) {
				t.Errorf("raw: got %q, want %q", rep.Raw, tc.raw)
			}
		})
	}
}

func TestReadReplyMalformed(t *testing.T) {
	for _, wire := range []string{"garbled\r\n", "2x5 meh\r\n", "250~Ok\r\n", "x\r\n"} {
		conn := serverConn(t, func(c net.Conn) {
			io.WriteString(c, wire)
		})
		_, err := conn.ReadReply()
		var werr *Error
		if !errors.As(err, &werr) {
			t.Errorf("%q: expected *Error, got %v", wire, err)
		}
	}
}

func TestReplyErr(t *testing.T) {
	rep := &Reply{Code: 550, Enhanced: exterrors.EnhancedCode{5, 7, 1}, Lines: []string{"no"}}
	err := rep.Err()
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected SMTPError, got %v", err)
	}
	if smtpErr.Code != 550 || smtpErr.Temporary() {
		t.Errorf("unexpected conversion: %+v", smtpErr)
	}

	rep = &Reply{Code: 421, Lines: []string{"busy"}}
	errors.As(rep.Err(), &smtpErr)
	if !smtpErr.Temporary() {
		t.Error("4xx reply not temporary")
	}
	if smtpErr.EnhancedCode != (exterrors.EnhancedCode{4, 0, 0}) {
		t.Errorf("default enhanced code: %v", smtpErr.EnhancedCode)
	}

	if (&Reply{Code: 250}).Err() != nil {
		t.Error("positive reply converted to error")
	}
}

func TestParseCmd(t *testing.T) {
	cases := []struct {
		line string
		verb string
		args string
	}{
		{"MAIL FROM:<a@example.org> SIZE=100", "MAIL", "FROM:<a@example.org> SIZE=100"},
		{"quit", "QUIT", ""},
		{"Rcpt  To:<x@example.org>", "RCPT", "To:<x@example.org>"},
		{"", "", ""},
	}
	for _, tc := range cases {
		cmd := ParseCmd(tc.line)
		if cmd.Verb != tc.verb || cmd.Args != tc.args {
			t.Errorf("ParseCmd(%q) = %q %q", tc.line, cmd.Verb, cmd.Args)
		}
	}

	if s := (Cmd{Verb: "EHLO", Args: "mx.example.org"}).String(); s != "EHLO mx.example.org" {
		t.Errorf("Cmd.String() = %q", s)
	}
	if s := (Cmd{Verb: "RSET"}).String(); s != "RSET" {
		t.Errorf("Cmd.String() = %q", s)
	}
}

func TestChunkReader(t *testing.T) {
	conn := serverConn(t, func(c net.Conn) {
		io.WriteString(c, "12345QUIT\r\n")
	})

	data, err := io.ReadAll(conn.ChunkReader(5))
	if err != nil || string(data) != "12345" {
		t.Fatalf("chunk: %q, %v", data, err)
	}

	// Command mode resumes right after the chunk.
	cmd, err := conn.ReadCmd()
	if err != nil || cmd.Verb != "QUIT" {
		t.Errorf("after chunk: %v, %v", cmd, err)
	}
}

func TestChunkReaderShortStream(t *testing.T) {
	conn := serverConn(t, func(c net.Conn) {
		io.WriteString(c, "123")
		c.Close()
	})

	_, err := io.ReadAll(conn.ChunkReader(10))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("short chunk: %v", err)
	}
}

func testTLSConfigs(t *testing.T) (server, client *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "robin.test"},
		DNSNames:     []string{"robin.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
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

	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}},
		&tls.Config{RootCAs: pool, ServerName: "robin.test"}
}

func TestStartTLS(t *testing.T) {
	serverCfg, clientCfg := testTLSConfigs(t)

	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()
	server, client := NewConn(s), NewConn(c)

	errc := make(chan error, 1)
	go func() {
		errc <- client.StartTLSClient(clientCfg)
	}()
	if err := server.StartTLSServer(serverCfg); err != nil {
		t.Fatal("server handshake:", err)
	}
	if err := <-errc; err != nil {
		t.Fatal("client handshake:", err)
	}

	if !server.IsTLS() || !client.IsTLS() {
		t.Error("IsTLS() false after upgrade")
	}
	if server.TLSState() == nil {
		t.Error("TLSState() nil after upgrade")
	}

	// Framing works over the upgraded transport.
	go client.WriteLine("EHLO again")
	line, err := server.ReadLine()
	if err != nil || line != "EHLO again" {
		t.Errorf("post-upgrade line: %q, %v", line, err)
	}
}

func TestStartTLSRejectsPipelinedPlaintext(t *testing.T) {
	serverCfg, _ := testTLSConfigs(t)

	conn := serverConn(t, func(c net.Conn) {
		io.WriteString(c, "STARTTLS\r\nEHLO sneaky\r\n")
	})

	cmd, err := conn.ReadCmd()
	if err != nil || cmd.Verb != "STARTTLS" {
		t.Fatalf("setup: %v, %v", cmd, err)
	}
	if err := conn.StartTLSServer(serverCfg); err == nil {
		t.Error("plaintext after STARTTLS accepted")
	}
}
