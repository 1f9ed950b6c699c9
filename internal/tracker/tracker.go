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

// Package tracker implements connection admission control shared by all
// listeners: global and per-IP concurrency bounds, a sliding-window bound
// on connection opens, a command-rate tarpit and the DATA transfer-rate
// guard.
//
// A connection that fails admission is closed before the greeting. Every
// limit treats its zero value as "disabled"; disabling the component as a
// whole turns all methods into no-ops.
package tracker

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/limits"
)

var (
	ErrGlobalLimit = errors.New("tracker: global connection limit reached")
	ErrIPLimit     = errors.New("tracker: per-IP connection limit reached")
	ErrWindowLimit = errors.New("tracker: connection rate limit reached")
)

// commandWindow is the measurement window for the command-rate tarpit.
const commandWindow = time.Minute

// tarpitKillAfter is the violation count that terminates the session.
const tarpitKillAfter = 3

type record struct {
	concurrent int
	opens      []time.Time
}

// Tracker is the shared admission state. Limits are fixed at construction;
// reconfiguration requires a restart so that in-flight accounting is never
// invalidated.
type Tracker struct {
	cfg config.DoS
	log log.Logger

	global limits.Semaphore

	mu  sync.Mutex
	ips map[string]*record

	stopJanitor chan struct{}
}

func New(cfg config.DoS, logger log.Logger) *Tracker {
	t := &Tracker{
		cfg:         cfg,
		log:         logger,
		global:      limits.NewSemaphore(cfg.MaxTotalConnections),
		ips:         map[string]*record{},
		stopJanitor: make(chan struct{}),
	}
	if cfg.DosProtectionEnabled {
		go t.janitor()
	}
	return t
}

func (t *Tracker) Close() {
	if t.cfg.DosProtectionEnabled {
		close(t.stopJanitor)
	}
}

// widestWindow is how long an idle record stays relevant.
func (t *Tracker) widestWindow() time.Duration {
	w := t.cfg.RateLimitWindow()
	if w < commandWindow {
		w = commandWindow
	}
	return w
}

func (t *Tracker) janitor() {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
		case <-t.stopJanitor:
			return
		}

		cutoff := time.Now().Add(-t.widestWindow())
		t.mu.Lock()
		for ip, rec := range t.ips {
			if rec.concurrent > 0 {
				continue
			}
			if len(rec.opens) == 0 || rec.opens[len(rec.opens)-1].Before(cutoff) {
				delete(t.ips, ip)
			}
		}
		trackedIPs.Set(float64(len(t.ips)))
		t.mu.Unlock()
	}
}

// Conn is the admission handle for one accepted connection. It is owned by
// the session goroutine; only Release touches shared state.
type Conn struct {
	t        *Tracker
	ip       string
	released bool

	cmdTimes   []time.Time
	violations int
}

// AcceptConn runs the admission checks for a new connection from ip. On
// success the returned handle must be released when the connection ends.
// On failure the caller closes the socket without a greeting.
func (t *Tracker) AcceptConn(ip net.IP) (*Conn, error) {
	if !t.cfg.DosProtectionEnabled {
		return &Conn{t: t, released: true}, nil
	}

	key := ip.String()
	now := time.Now()

	if !t.global.TryTake() {
		rejectedConns.WithLabelValues("global").Inc()
		return nil, ErrGlobalLimit
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.ips[key]
	if rec == nil {
		rec = &record{}
		t.ips[key] = rec
	}

	if max := t.cfg.MaxConnectionsPerIp; max != 0 && rec.concurrent >= max {
		t.global.Release()
		rejectedConns.WithLabelValues("per_ip").Inc()
		return nil, ErrIPLimit
	}

	if window := t.cfg.RateLimitWindow(); window > 0 && t.cfg.MaxConnectionsPerWindow != 0 {
		cutoff := now.Add(-window)
		keep := rec.opens[:0]
		for _, ts := range rec.opens {
			if ts.After(cutoff) {
				keep = append(keep, ts)
			}
		}
		// Rejected attempts stay in the window so that a flood cannot
		// probe its way back in.
		rec.opens = append(keep, now)
		if len(rec.opens) > t.cfg.MaxConnectionsPerWindow {
			t.global.Release()
			rejectedConns.WithLabelValues("window").Inc()
			return nil, ErrWindowLimit
		}
	}

	rec.concurrent++
	return &Conn{t: t, ip: key}, nil
}

// Release undoes the admission accounting. Safe to call more than once.
func (c *Conn) Release() {
	if c.released {
		return
	}
	c.released = true

	c.t.mu.Lock()
	if rec := c.t.ips[c.ip]; rec != nil && rec.concurrent > 0 {
		rec.concurrent--
	}
	c.t.mu.Unlock()
	c.t.global.Release()
}

// CommandSeen records one command on this connection and returns the
// tarpit verdict: how long to stall before answering, and whether the
// session must be terminated (221 then close).
func (c *Conn) CommandSeen() (delay time.Duration, kill bool) {
	max := c.t.cfg.MaxCommandsPerMinute
	if !c.t.cfg.DosProtectionEnabled || max == 0 {
		return 0, false
	}

	now := time.Now()
	cutoff := now.Add(-commandWindow)
	keep := c.cmdTimes[:0]
	for _, ts := range c.cmdTimes {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	c.cmdTimes = append(keep, now)

	if len(c.cmdTimes) <= max {
		return 0, false
	}

	c.violations++
	delay = time.Duration(c.violations) * c.t.cfg.TarpitDelay()
	if c.violations >= tarpitKillAfter {
		tarpitKills.Inc()
		c.t.log.Msg("command rate kill", "src_ip", c.ip, "violations", c.violations)
		return delay, true
	}
	tarpitDelays.Inc()
	c.t.log.DebugMsg("command rate tarpit", "src_ip", c.ip, "violation", c.violations,
		"delay", delay.String())
	return delay, false
}

// DataGuard returns the transfer-rate watchdog for a DATA/BDAT phase
// starting now.
func (c *Conn) DataGuard() *DataGuard {
	g := &DataGuard{}
	if !c.t.cfg.DosProtectionEnabled {
		return g
	}
	g.minRate = c.t.cfg.MinDataRateBytesPerSecond
	g.start = time.Now()
	if d := c.t.cfg.MaxDataTimeout(); d > 0 {
		g.deadline = g.start.Add(d)
	}
	return g
}

// DataRateError reports a transfer slower than the configured floor. It is
// treated as an I/O fault: the connection is closed, not answered.
type DataRateError struct {
	Rate float64
	Min  int
}

func (e *DataRateError) Error() string {
	return fmt.Sprintf("tracker: data rate %.1f B/s below the %d B/s floor", e.Rate, e.Min)
}
