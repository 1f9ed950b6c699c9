package proc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
)

// clamdServer is a scripted clamd accepting any number of INSTREAM
// sessions. reply receives the reassembled stream and returns the full
// reply line, without the trailing NUL.
type clamdServer struct {
	ln    net.Listener
	wg    sync.WaitGroup
	conns atomic.Int32
}

func startClamd(t *testing.T, reply func(data []byte) string) (*clamdServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &clamdServer{ln: ln}
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.conns.Add(1)
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				defer conn.Close()
				data, err := readInstream(conn)
				if err != nil {
					t.Errorf("instream framing: %v", err)
					return
				}
				io.WriteString(conn, reply(data)+"\x00")
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		srv.wg.Wait()
	})
	return srv, "tcp://" + ln.Addr().String()
}

// readInstream consumes one INSTREAM command: the NUL-terminated verb,
// then length-prefixed chunks up to the zero-length terminator.
func readInstream(conn net.Conn) ([]byte, error) {
	br := bufio.NewReader(conn)
	cmd, err := br.ReadString('\x00')
	if err != nil {
		return nil, err
	}
	if strings.Trim(cmd, "\x00") != "zINSTREAM" {
		return nil, fmt.Errorf("unexpected command %q", cmd)
	}
	var data bytes.Buffer
	for {
		var size [4]byte
		if _, err := io.ReadFull(br, size[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(size[:])
		if n == 0 {
			return data.Bytes(), nil
		}
		if _, err := io.CopyN(&data, br, int64(n)); err != nil {
			return nil, err
		}
	}
}

func testClam(t *testing.T, cfg config.ClamAV) *ClamAV {
	t.Helper()
	cfg.Enabled = true
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 5
	}
	av, err := NewClamAV(cfg, log.Logger{})
	if err != nil {
		t.Fatal(err)
	}
	return av
}

func TestClamAVClean(t *testing.T) {
	var (
		mu      sync.Mutex
		streams [][]byte
	)
	_, ep := startClamd(t, func(data []byte) string {
		mu.Lock()
		streams = append(streams, append([]byte(nil), data...))
		mu.Unlock()
		return "stream: OK"
	})

	av := testClam(t, config.ClamAV{Endpoint: ep})
	env := testEnv()
	if err := av.Process(context.Background(), testDelivery(t, env, plainMessage)); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(streams) != 1 {
		t.Fatalf("scanned %d streams, want 1", len(streams))
	}
	wantStream := strings.ReplaceAll(plainMessage, "\n", "\r\n")
	if string(streams[0]) != wantStream {
		t.Errorf("scanner saw:\n%q\nwant:\n%q", streams[0], wantStream)
	}
	if len(env.ScanResults) != 1 || env.ScanResults[0].Scanner != "clamav" || env.ScanResults[0].Verdict != "clean" {
		t.Errorf("scan results: %+v", env.ScanResults)
	}
}

func TestClamAVRejectsInfected(t *testing.T) {
	_, ep := startClamd(t, func([]byte) string {
		return "stream: Eicar-Signature FOUND"
	})

	av := testClam(t, config.ClamAV{Endpoint: ep, Policy: "reject"})
	env := testEnv()
	err := av.Process(context.Background(), testDelivery(t, env, plainMessage))
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("infected message: %v", err)
	}
	if smtpErr.Code != 550 || smtpErr.EnhancedCode != (exterrors.EnhancedCode{5, 7, 1}) || smtpErr.Temporary() {
		t.Errorf("infected reply: %v", smtpErr)
	}
	if len(env.ScanResults) != 1 || env.ScanResults[0].Verdict != "infected" || env.ScanResults[0].Detail != "Eicar-Signature" {
		t.Errorf("scan results: %+v", env.ScanResults)
	}
}

func TestClamAVDiscardsInfected(t *testing.T) {
	_, ep := startClamd(t, func([]byte) string {
		return "stream: Eicar-Signature FOUND"
	})

	av := testClam(t, config.ClamAV{Endpoint: ep, Policy: "discard"})
	d := testDelivery(t, testEnv(), plainMessage)
	if err := av.Process(context.Background(), d); err != nil {
		t.Fatalf("discard must look like success: %v", err)
	}
	if !d.Discarded {
		t.Error("message not marked discarded")
	}
}

func TestClamAVServerError(t *testing.T) {
	_, ep := startClamd(t, func([]byte) string {
		return "INSTREAM size limit exceeded. ERROR"
	})

	av := testClam(t, config.ClamAV{Endpoint: ep})
	err := av.Process(context.Background(), testDelivery(t, testEnv(), plainMessage))
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 || !smtpErr.Temporary() {
		t.Errorf("scanner error reply: %v", err)
	}
}

func TestClamAVUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ep := "tcp://" + ln.Addr().String()
	ln.Close()

	av := testClam(t, config.ClamAV{Endpoint: ep})
	procErr := av.Process(context.Background(), testDelivery(t, testEnv(), plainMessage))
	var smtpErr *exterrors.SMTPError
	if !errors.As(procErr, &smtpErr) || smtpErr.Code != 451 || !smtpErr.Temporary() {
		t.Errorf("unreachable scanner reply: %v", procErr)
	}
}

const multipartMessage = `From: <alice@example.org>
To: <bob@example.com>
Subject: invoice
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary=robinpart

--robinpart
Content-Type: text/plain

see attachment
--robinpart
Content-Type: application/octet-stream
Content-Transfer-Encoding: base64

RVZJTERBVEE=
--robinpart--
`

func TestClamAVPartScanFindsDecodedPayload(t *testing.T) {
	// The signature only exists in the decoded attachment; the raw
	// stream carries it base64-encoded and scans clean.
	srv, ep := startClamd(t, func(data []byte) string {
		if bytes.Contains(data, []byte("EVILDATA")) {
			return "stream: Worm.Test.Agent FOUND"
		}
		return "stream: OK"
	})

	av := testClam(t, config.ClamAV{Endpoint: ep, ScanParts: true})
	env := testEnv()
	err := av.Process(context.Background(), testDelivery(t, env, multipartMessage))
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 550 {
		t.Fatalf("infected attachment: %v", err)
	}
	if len(env.ScanResults) != 1 || env.ScanResults[0].Detail != "Worm.Test.Agent" {
		t.Errorf("scan results: %+v", env.ScanResults)
	}
	// Whole stream plus the one non-text leaf.
	if got := srv.conns.Load(); got != 2 {
		t.Errorf("scanner sessions: %d, want 2", got)
	}
}

func TestClamAVPartScanClean(t *testing.T) {
	srv, ep := startClamd(t, func([]byte) string {
		return "stream: OK"
	})

	av := testClam(t, config.ClamAV{Endpoint: ep, ScanParts: true})
	env := testEnv()
	if err := av.Process(context.Background(), testDelivery(t, env, multipartMessage)); err != nil {
		t.Fatal(err)
	}
	if len(env.ScanResults) != 1 || env.ScanResults[0].Verdict != "clean" {
		t.Errorf("scan results: %+v", env.ScanResults)
	}
	if got := srv.conns.Load(); got != 2 {
		t.Errorf("scanner sessions: %d, want 2", got)
	}
}

func TestParseClamReply(t *testing.T) {
	for _, tc := range []struct {
		reply   string
		sig     string
		wantErr bool
	}{
		{"stream: OK\x00", "", false},
		{"stream: Eicar-Signature FOUND\x00", "Eicar-Signature", false},
		{"stream: Win.Test.EICAR_HDB-1 FOUND\n\x00", "Win.Test.EICAR_HDB-1", false},
		{"INSTREAM size limit exceeded. ERROR\x00", "", true},
		{"nonsense\x00", "", true},
	} {
		sig, err := parseClamReply(tc.reply)
		if (err != nil) != tc.wantErr || sig != tc.sig {
			t.Errorf("parseClamReply(%q) = %q, %v", tc.reply, sig, err)
		}
	}
}

func TestNewClamAVRejectsBadConfig(t *testing.T) {
	if _, err := NewClamAV(config.ClamAV{Endpoint: "tcp://127.0.0.1:3310", Policy: "quarantine"}, log.Logger{}); err == nil {
		t.Error("unknown policy accepted")
	}
	if _, err := NewClamAV(config.ClamAV{Endpoint: "127.0.0.1:3310"}, log.Logger{}); err == nil {
		t.Error("schemeless endpoint accepted")
	}
}
