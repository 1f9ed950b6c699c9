package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/transilvlad/robin-sub003/internal/envelope"
)

type localCall struct {
	rcpt, file, mailbox string
}

type fakeLocal struct {
	mu    sync.Mutex
	calls []localCall
	fail  map[string]error
}

func (f *fakeLocal) Deliver(_ context.Context, rcpt, envelopeFile, mailbox string, tl *envelope.TransactionList) error {
	f.mu.Lock()
	f.calls = append(f.calls, localCall{rcpt, envelopeFile, mailbox})
	err := f.fail[rcpt]
	f.mu.Unlock()
	if err != nil {
		tl.AddRcpt(rcpt, "dovecot-lda -d "+rcpt, "451 4.3.0 agent failed", true)
		return err
	}
	tl.AddRcpt(rcpt, "dovecot-lda -d "+rcpt, "250 2.0.0 delivered to mailbox", false)
	return nil
}

type fakeLMTP struct {
	mu    sync.Mutex
	calls [][]string
	fail  error
}

func (f *fakeLMTP) Deliver(_ context.Context, env *envelope.Envelope, rcpts []string, tl *envelope.TransactionList) error {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), rcpts...))
	err := f.fail
	f.mu.Unlock()
	if err != nil {
		tl.Add("LMTP unix:///var/run/dovecot/lmtp", err.Error(), true)
		return err
	}
	for _, rcpt := range rcpts {
		tl.AddRcpt(rcpt, "RCPT TO:<"+rcpt+">", "250 2.1.5 Ok", false)
	}
	return nil
}

func TestDispatchLocal(t *testing.T) {
	local := &fakeLocal{}
	d := &Dispatcher{Local: local}

	rs := makeTestSession(t, "sender@example.org", "one@example.com", "two@example.com")
	rs.Protocol = envelope.ProtocolLDA
	rs.Mailbox = "Junk"
	env := rs.Envelopes[0]

	if err := d.Deliver(context.Background(), rs); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if len(local.calls) != 2 {
		t.Fatalf("agent runs: %d", len(local.calls))
	}
	for i, rcpt := range env.Recipients {
		call := local.calls[i]
		if call.rcpt != rcpt || call.file != env.FilePath || call.mailbox != "Junk" {
			t.Errorf("call %d: %+v", i, call)
		}
	}
	if failed := env.Transactions.FailedRecipients(env.Recipients); len(failed) != 0 {
		t.Errorf("failed recipients: %v", failed)
	}
}

func TestDispatchLocalPartialFailure(t *testing.T) {
	local := &fakeLocal{fail: map[string]error{"two@example.com": errors.New("agent exploded")}}
	d := &Dispatcher{Local: local}

	rs := makeTestSession(t, "sender@example.org", "one@example.com", "two@example.com")
	rs.Protocol = envelope.ProtocolLDA
	env := rs.Envelopes[0]

	// Per-recipient outcomes live in the records; the agent error must
	// not fail the whole session.
	if err := d.Deliver(context.Background(), rs); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	failed := env.Transactions.FailedRecipients(env.Recipients)
	if len(failed) != 1 || failed[0] != "two@example.com" {
		t.Errorf("failed recipients: %v", failed)
	}
}

func TestDispatchLMTP(t *testing.T) {
	lmtp := &fakeLMTP{}
	d := &Dispatcher{LMTP: lmtp}

	rs := makeTestSession(t, "sender@example.org", "one@example.com", "two@example.com")
	rs.Protocol = envelope.ProtocolLMTP
	second := makeTestSession(t, "sender@example.org", "three@example.com").Envelopes[0]
	rs.Envelopes = append(rs.Envelopes, second)

	if err := d.Deliver(context.Background(), rs); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if len(lmtp.calls) != 2 {
		t.Fatalf("transactions: %d", len(lmtp.calls))
	}
	if len(lmtp.calls[0]) != 2 || len(lmtp.calls[1]) != 1 {
		t.Errorf("recipients per transaction: %v", lmtp.calls)
	}
	for _, env := range rs.Envelopes {
		if failed := env.Transactions.FailedRecipients(env.Recipients); len(failed) != 0 {
			t.Errorf("failed recipients: %v", failed)
		}
	}
}

func TestDispatchLMTPFailureRecorded(t *testing.T) {
	lmtp := &fakeLMTP{fail: errors.New("connect: no such file or directory")}
	d := &Dispatcher{LMTP: lmtp}

	rs := makeTestSession(t, "sender@example.org", "one@example.com")
	rs.Protocol = envelope.ProtocolLMTP
	env := rs.Envelopes[0]

	if err := d.Deliver(context.Background(), rs); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	failed := env.Transactions.FailedRecipients(env.Recipients)
	if len(failed) != 1 {
		t.Errorf("failed recipients: %v", failed)
	}
}

func TestDispatchRelayDefault(t *testing.T) {
	for _, proto := range []envelope.Protocol{envelope.ProtocolESMTP, envelope.ProtocolSMTP} {
		relay := &fakeDeliverer{}
		d := &Dispatcher{Relay: relay}

		rs := makeTestSession(t, "sender@example.org", "one@example.com")
		rs.Protocol = proto

		if err := d.Deliver(context.Background(), rs); err != nil {
			t.Fatalf("%s: Deliver: %v", proto, err)
		}
		if relay.attempts() != 1 || relay.last != rs {
			t.Errorf("%s: relay calls %d", proto, relay.attempts())
		}
	}
}

func TestDispatchUnconfigured(t *testing.T) {
	d := &Dispatcher{}

	for _, proto := range []envelope.Protocol{envelope.ProtocolLDA, envelope.ProtocolLMTP, envelope.ProtocolESMTP} {
		rs := makeTestSession(t, "sender@example.org", "one@example.com")
		rs.Protocol = proto
		if err := d.Deliver(context.Background(), rs); err == nil {
			t.Errorf("%s: no error for unconfigured target", proto)
		}
	}
}
