package proc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-message/textproto"

	"github.com/transilvlad/robin-sub003/framework/buffer"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
)

// testDelivery parses a raw message into a pipeline delivery. Lines may
// use bare LF for readability.
func testDelivery(t *testing.T, env *envelope.Envelope, raw string) *Delivery {
	t.Helper()
	raw = strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\n"), "\n", "\r\n")

	br := bufio.NewReader(strings.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := buffer.BufferInMemory(strings.NewReader(string(body)))
	if err != nil {
		t.Fatal(err)
	}
	return &Delivery{
		UID:      "test-uid",
		Envelope: env,
		Header:   hdr,
		Body:     buf,
	}
}

const plainMessage = `From: <alice@example.org>
To: <bob@example.com>
Subject: hello

message body
`

func testEnv() *envelope.Envelope {
	return &envelope.Envelope{
		MailFrom:   "alice@example.org",
		Recipients: []string{"bob@example.com"},
	}
}

type stubProc struct {
	name string
	fn   func(ctx context.Context, d *Delivery) error

	mu   sync.Mutex
	runs int
}

func (s *stubProc) Name() string { return s.name }

func (s *stubProc) Process(ctx context.Context, d *Delivery) error {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx, d)
}

func (s *stubProc) ranTimes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type recordingQueue struct {
	mu       sync.Mutex
	sessions []*envelope.RelaySession
	err      error
}

func (q *recordingQueue) Enqueue(ctx context.Context, rs *envelope.RelaySession) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sessions = append(q.sessions, rs)
	return nil
}

func (q *recordingQueue) queued() []*envelope.RelaySession {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*envelope.RelaySession(nil), q.sessions...)
}

func testPipeline(t *testing.T, procs ...Processor) *Pipeline {
	t.Helper()
	return &Pipeline{
		Spool: &Spool{
			Path:     t.TempDir(),
			Hostname: "robin.example.org",
			Log:      log.Logger{},
		},
		Procs: procs,
		Log:   log.Logger{},
	}
}

// testDiskPipeline is a pipeline whose only processor is the disk
// store, as used by the relay injection tests.
func testDiskPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p := testPipeline(t)
	p.Procs = []Processor{&DiskWriter{Spool: p.Spool}}
	return p
}

func TestPipelineRunsInOrder(t *testing.T) {
	var order []string
	first := &stubProc{name: "first", fn: func(ctx context.Context, d *Delivery) error {
		order = append(order, "first")
		return nil
	}}
	second := &stubProc{name: "second", fn: func(ctx context.Context, d *Delivery) error {
		order = append(order, "second")
		return nil
	}}

	p := testPipeline(t, first, second)
	if err := p.Run(context.Background(), testDelivery(t, testEnv(), plainMessage)); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("execution order: %v", order)
	}
}

func TestPipelineStopsOnReject(t *testing.T) {
	reject := &exterrors.SMTPError{Code: 550, EnhancedCode: exterrors.EnhancedCode{5, 7, 1}, Message: "no"}
	first := &stubProc{name: "first", fn: func(ctx context.Context, d *Delivery) error {
		return reject
	}}
	second := &stubProc{name: "second"}

	p := testPipeline(t, first, second)
	err := p.Run(context.Background(), testDelivery(t, testEnv(), plainMessage))
	if !errors.Is(err, reject) {
		t.Errorf("pipeline error: %v", err)
	}
	if second.ranTimes() != 0 {
		t.Error("processor after the rejecting one still ran")
	}
}

func TestPipelineDiscardStops(t *testing.T) {
	first := &stubProc{name: "first", fn: func(ctx context.Context, d *Delivery) error {
		d.Discarded = true
		return nil
	}}
	second := &stubProc{name: "second"}

	p := testPipeline(t, first, second)
	d := testDelivery(t, testEnv(), plainMessage)
	if err := p.Run(context.Background(), d); err != nil {
		t.Fatalf("discard must look like success: %v", err)
	}
	if !d.Discarded {
		t.Error("discard flag lost")
	}
	if second.ranTimes() != 0 {
		t.Error("processor ran after the message was discarded")
	}
}

func TestChaosForcedReject(t *testing.T) {
	target := &stubProc{name: "clamav"}
	p := testPipeline(t, target)
	p.ChaosEnabled = true

	d := testDelivery(t, testEnv(), "X-Robin-Chaos: clamav; return=false\n"+plainMessage)
	err := p.Run(context.Background(), d)
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 554 {
		t.Errorf("forced failure: %v", err)
	}
	if target.ranTimes() != 0 {
		t.Error("short-circuited processor still ran")
	}
}

func TestChaosForcedSuccess(t *testing.T) {
	target := &stubProc{name: "clamav", fn: func(ctx context.Context, d *Delivery) error {
		return errors.New("must not run")
	}}
	after := &stubProc{name: "after"}
	p := testPipeline(t, target, after)
	p.ChaosEnabled = true

	d := testDelivery(t, testEnv(), "X-Robin-Chaos: clamav; return=true\n"+plainMessage)
	if err := p.Run(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if target.ranTimes() != 0 {
		t.Error("short-circuited processor still ran")
	}
	if after.ranTimes() != 1 {
		t.Error("pipeline did not continue past the short-circuit")
	}
}

func TestChaosIgnoredWhenDisabled(t *testing.T) {
	target := &stubProc{name: "clamav"}
	p := testPipeline(t, target)

	d := testDelivery(t, testEnv(), "X-Robin-Chaos: clamav; return=false\n"+plainMessage)
	if err := p.Run(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if target.ranTimes() != 1 {
		t.Error("processor skipped although chaos is disabled")
	}
}

func TestRelayHeaderEnqueues(t *testing.T) {
	q := &recordingQueue{}
	p := testDiskPipeline(t)
	p.Queue = q
	p.MaxRetries = 5

	env := testEnv()
	d := testDelivery(t, env, "X-Robin-Relay: smart.example.com:2525\n"+plainMessage)
	if err := p.Run(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	queued := q.queued()
	if len(queued) != 1 {
		t.Fatalf("queued %d sessions, want 1", len(queued))
	}
	rs := queued[0]
	if rs.Protocol != envelope.ProtocolESMTP || rs.Host != "smart.example.com" || rs.Port != 2525 {
		t.Errorf("relay session: %+v", rs)
	}
	if rs.MaxRetries != 5 {
		t.Errorf("retry budget: %d", rs.MaxRetries)
	}
	if len(rs.Envelopes) != 1 {
		t.Fatalf("session envelopes: %d", len(rs.Envelopes))
	}
	relayEnv := rs.Envelopes[0]
	if relayEnv.FilePath == env.FilePath {
		t.Error("relay envelope shares the original spool file")
	}
	if _, err := os.Stat(relayEnv.FilePath); err != nil {
		t.Errorf("relay copy missing: %v", err)
	}
	if _, err := os.Stat(env.FilePath); err != nil {
		t.Errorf("original spool file missing: %v", err)
	}
}

func TestRelayHeaderDisabled(t *testing.T) {
	q := &recordingQueue{}
	p := testDiskPipeline(t)
	p.Queue = q
	p.DisableRelayHeader = true

	d := testDelivery(t, testEnv(), "X-Robin-Relay: smart.example.com\n"+plainMessage)
	if err := p.Run(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if len(q.queued()) != 0 {
		t.Error("relay header honored although disabled")
	}
}

func TestRelayEnqueueFailureRejects(t *testing.T) {
	q := &recordingQueue{err: errors.New("queue is full")}
	p := testDiskPipeline(t)
	p.Queue = q

	d := testDelivery(t, testEnv(), "X-Robin-Relay: smart.example.com\n"+plainMessage)
	err := p.Run(context.Background(), d)
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 {
		t.Errorf("failed enqueue: %v", err)
	}
}

func TestOutboundEnqueues(t *testing.T) {
	q := &recordingQueue{}
	p := testDiskPipeline(t)
	p.Queue = q
	p.RelayOutbound = true
	p.MaxRetries = 5

	env := testEnv()
	d := testDelivery(t, env, plainMessage)
	d.Outbound = true
	if err := p.Run(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	queued := q.queued()
	if len(queued) != 1 {
		t.Fatalf("queued %d sessions, want 1", len(queued))
	}
	rs := queued[0]
	// No pinned host: the relay target resolves recipient MX itself.
	if rs.Protocol != envelope.ProtocolESMTP || rs.Host != "" {
		t.Errorf("outbound session: %+v", rs)
	}
	if rs.MaxRetries != 5 {
		t.Errorf("retry budget: %d", rs.MaxRetries)
	}
	if len(rs.Envelopes) != 1 {
		t.Fatalf("session envelopes: %d", len(rs.Envelopes))
	}
	outEnv := rs.Envelopes[0]
	if outEnv.FilePath == env.FilePath {
		t.Error("outbound envelope shares the original spool file")
	}
	if _, err := os.Stat(outEnv.FilePath); err != nil {
		t.Errorf("outbound copy missing: %v", err)
	}
}

func TestOutboundNotQueuedWhenDisabled(t *testing.T) {
	q := &recordingQueue{}
	p := testDiskPipeline(t)
	p.Queue = q

	d := testDelivery(t, testEnv(), plainMessage)
	d.Outbound = true
	if err := p.Run(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if len(q.queued()) != 0 {
		t.Error("outbound session queued although relay is disabled")
	}
}

func TestOutboundIgnoresInbound(t *testing.T) {
	q := &recordingQueue{}
	p := testDiskPipeline(t)
	p.Queue = q
	p.RelayOutbound = true

	if err := p.Run(context.Background(), testDelivery(t, testEnv(), plainMessage)); err != nil {
		t.Fatal(err)
	}
	if len(q.queued()) != 0 {
		t.Error("inbound delivery was queued for relay")
	}
}

func TestSplitRelayTarget(t *testing.T) {
	for _, tc := range []struct {
		in   string
		host string
		port int
	}{
		{"smart.example.com", "smart.example.com", 25},
		{"smart.example.com:587", "smart.example.com", 587},
		{"[2001:db8::25]:587", "2001:db8::25", 587},
		{"2001:db8::25", "2001:db8::25", 25},
		{"smart.example.com:notaport", "", 0},
		{"smart.example.com:0", "", 0},
	} {
		host, port := splitRelayTarget(tc.in)
		if host != tc.host || port != tc.port {
			t.Errorf("splitRelayTarget(%q) = %q, %d; want %q, %d", tc.in, host, port, tc.host, tc.port)
		}
	}
}

func TestChaosOutcome(t *testing.T) {
	hdr := textproto.Header{}
	hdr.Add("X-Robin-Chaos", "clamav; return=false")
	hdr.Add("X-Robin-Chaos", "RSPAMD;return=true")
	hdr.Add("X-Robin-Chaos", "disk; return=banana")

	if forced, ok := chaosOutcome(hdr, "clamav"); !ok || forced {
		t.Errorf("clamav directive: forced=%v ok=%v", forced, ok)
	}
	if forced, ok := chaosOutcome(hdr, "rspamd"); !ok || !forced {
		t.Errorf("rspamd directive: forced=%v ok=%v", forced, ok)
	}
	if _, ok := chaosOutcome(hdr, "disk"); ok {
		t.Error("unparsable boolean treated as a directive")
	}
	if _, ok := chaosOutcome(hdr, "dovecot"); ok {
		t.Error("directive matched the wrong processor")
	}
}
