package tracker

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
)

func testTracker(t *testing.T, cfg config.DoS) *Tracker {
	t.Helper()
	cfg.DosProtectionEnabled = true
	tr := New(cfg, log.Logger{})
	t.Cleanup(tr.Close)
	return tr
}

func TestAcceptConnPerIPLimit(t *testing.T) {
	tr := testTracker(t, config.DoS{MaxConnectionsPerIp: 2})
	ip := net.ParseIP("192.0.2.7")

	c1, err := tr.AcceptConn(ip)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.AcceptConn(ip); err != nil {
		t.Fatal(err)
	}

	if _, err := tr.AcceptConn(ip); !errors.Is(err, ErrIPLimit) {
		t.Errorf("third connection: %v", err)
	}

	// Unrelated IPs are unaffected.
	if _, err := tr.AcceptConn(net.ParseIP("192.0.2.8")); err != nil {
		t.Errorf("other IP rejected: %v", err)
	}

	c1.Release()
	if _, err := tr.AcceptConn(ip); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestAcceptConnGlobalLimit(t *testing.T) {
	tr := testTracker(t, config.DoS{MaxTotalConnections: 1})

	c1, err := tr.AcceptConn(net.ParseIP("192.0.2.1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.AcceptConn(net.ParseIP("192.0.2.2")); !errors.Is(err, ErrGlobalLimit) {
		t.Errorf("second connection: %v", err)
	}

	c1.Release()
	if _, err := tr.AcceptConn(net.ParseIP("192.0.2.2")); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestAcceptConnWindowLimit(t *testing.T) {
	tr := testTracker(t, config.DoS{
		RateLimitWindowSeconds:  60,
		MaxConnectionsPerWindow: 2,
	})
	ip := net.ParseIP("192.0.2.9")

	for i := 0; i < 2; i++ {
		c, err := tr.AcceptConn(ip)
		if err != nil {
			t.Fatal(err)
		}
		c.Release()
	}

	// Concurrency is fine (everything released), the open rate is not.
	if _, err := tr.AcceptConn(ip); !errors.Is(err, ErrWindowLimit) {
		t.Errorf("third open in window: %v", err)
	}

	// The rejected attempt counts too: still rejected.
	if _, err := tr.AcceptConn(ip); !errors.Is(err, ErrWindowLimit) {
		t.Errorf("fourth open in window: %v", err)
	}
}

func TestDisabledTrackerIsNoop(t *testing.T) {
	tr := New(config.DoS{
		DosProtectionEnabled: false,
		MaxConnectionsPerIp:  1,
		MaxTotalConnections:  1,
		MaxCommandsPerMinute: 1,
	}, log.Logger{})

	ip := net.ParseIP("192.0.2.3")
	for i := 0; i < 10; i++ {
		c, err := tr.AcceptConn(ip)
		if err != nil {
			t.Fatal(err)
		}
		if delay, kill := c.CommandSeen(); delay != 0 || kill {
			t.Error("disabled tracker tarpitted")
		}
		if err := c.DataGuard().Observe(1); err != nil {
			t.Error("disabled tracker data guard fired")
		}
	}
}

func TestCommandTarpit(t *testing.T) {
	tr := testTracker(t, config.DoS{
		MaxCommandsPerMinute: 3,
		TarpitDelayMillis:    10,
	})
	c, err := tr.AcceptConn(net.ParseIP("192.0.2.4"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release()

	for i := 0; i < 3; i++ {
		if delay, kill := c.CommandSeen(); delay != 0 || kill {
			t.Fatalf("command %d within budget tarpitted", i+1)
		}
	}

	delay, kill := c.CommandSeen()
	if delay != 10*time.Millisecond || kill {
		t.Errorf("violation 1: delay=%v kill=%v", delay, kill)
	}
	delay, kill = c.CommandSeen()
	if delay != 20*time.Millisecond || kill {
		t.Errorf("violation 2: delay=%v kill=%v", delay, kill)
	}
	delay, kill = c.CommandSeen()
	if delay != 30*time.Millisecond || !kill {
		t.Errorf("violation 3: delay=%v kill=%v", delay, kill)
	}
}

func TestDataGuard(t *testing.T) {
	tr := testTracker(t, config.DoS{
		MinDataRateBytesPerSecond: 1 << 20,
		MaxDataTimeoutSeconds:     300,
	})
	c, err := tr.AcceptConn(net.ParseIP("192.0.2.5"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release()

	g := c.DataGuard()
	if g.Deadline().IsZero() {
		t.Error("deadline not set")
	}

	// Within the grace period nothing fires regardless of rate.
	if err := g.Observe(1); err != nil {
		t.Errorf("observe within grace: %v", err)
	}

	// Pretend the transfer has been running for a while at a crawl.
	g.start = time.Now().Add(-10 * time.Second)
	var rateErr *DataRateError
	if err := g.Observe(100); !errors.As(err, &rateErr) {
		t.Fatalf("slow transfer not aborted: %v", err)
	}
	if rateErr.Min != 1<<20 {
		t.Errorf("error floor: %d", rateErr.Min)
	}

	// Checks run at a cadence: the very next observe is quiet.
	if err := g.Observe(100); err != nil {
		t.Errorf("observe within check interval: %v", err)
	}
}

func TestDataGuardZeroValueDisabled(t *testing.T) {
	var g DataGuard
	g.start = time.Now().Add(-time.Hour)
	if err := g.Observe(1); err != nil {
		t.Errorf("zero-value guard fired: %v", err)
	}
	if !g.Deadline().IsZero() {
		t.Error("zero-value guard has a deadline")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tr := testTracker(t, config.DoS{MaxConnectionsPerIp: 1})
	ip := net.ParseIP("192.0.2.6")

	c, err := tr.AcceptConn(ip)
	if err != nil {
		t.Fatal(err)
	}
	c.Release()
	c.Release()

	c2, err := tr.AcceptConn(ip)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Release()
	if _, err := tr.AcceptConn(ip); !errors.Is(err, ErrIPLimit) {
		t.Error("double release corrupted the per-IP count")
	}
}
