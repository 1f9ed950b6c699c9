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

// Package smtp implements the inbound mail endpoint: SMTP, submission,
// SMTPS and LMTP listeners feeding a shared worker pool in which each
// connection is driven through the verb state machine and, on DATA,
// through the storage pipeline.
package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0va23/go-proxyprotocol"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/dns"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/auth"
	"github.com/transilvlad/robin-sub003/internal/proc"
	"github.com/transilvlad/robin-sub003/internal/proxy"
	"github.com/transilvlad/robin-sub003/internal/rbl"
	"github.com/transilvlad/robin-sub003/internal/tracker"
	"github.com/transilvlad/robin-sub003/internal/wire"
)

const shutdownGrace = 5 * time.Second

type listenerMode int

const (
	modeSMTP listenerMode = iota
	modeSubmission
	modeSMTPS
	modeLMTP
)

func parseMode(s string) (listenerMode, error) {
	switch strings.ToLower(s) {
	case "", "smtp":
		return modeSMTP, nil
	case "submission":
		return modeSubmission, nil
	case "smtps":
		return modeSMTPS, nil
	case "lmtp":
		return modeLMTP, nil
	}
	return 0, fmt.Errorf("unknown listener mode %q", s)
}

func (m listenerMode) String() string {
	switch m {
	case modeSubmission:
		return "submission"
	case modeSMTPS:
		return "smtps"
	case modeLMTP:
		return "lmtp"
	default:
		return "smtp"
	}
}

func (m listenerMode) lmtp() bool        { return m == modeLMTP }
func (m listenerMode) submission() bool  { return m == modeSubmission }
func (m listenerMode) implicitTLS() bool { return m == modeSMTPS }

// inbound reports whether connections on this listener carry mail from
// the outside world, which decides the proxy rule direction and whether
// the RBL greeting policy applies.
func (m listenerMode) inbound() bool { return m != modeSubmission }

// Endpoint is the inbound mail server. Every configured listener
// accepts into a shared worker pool running sessions against the
// storage pipeline.
type Endpoint struct {
	hostname  string
	cfg       *config.Config
	cfgLive   atomic.Pointer[config.Config]
	tlsConfig *tls.Config
	bufferDir string

	pipeline *proc.Pipeline
	tracker  *tracker.Tracker
	rbl      *rbl.Checker
	sasl     *auth.SASLServer
	proxy    *proxy.Engine
	hooks    *webhookClient
	resolver dns.Resolver
	pool     *Pool

	listeners   []net.Listener
	listenersWg sync.WaitGroup
	closing     atomic.Bool

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}

	Log log.Logger
}

// New assembles the endpoint from the configuration. Listeners are not
// bound until Start is called.
func New(cfg *config.Config, pipeline *proc.Pipeline, logger log.Logger) (*Endpoint, error) {
	tlsConfig, err := loadTLS(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("smtp: %w", err)
	}

	authenticator, err := auth.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("smtp: %w", err)
	}
	engine, err := proxy.NewEngine(cfg.Proxy.Rules, logger)
	if err != nil {
		return nil, fmt.Errorf("smtp: %w", err)
	}

	bufferDir := filepath.Join(cfg.StorePath, "tmp")
	if err := os.MkdirAll(bufferDir, 0o700); err != nil {
		return nil, fmt.Errorf("smtp: create spool directory: %w", err)
	}

	endp := &Endpoint{
		hostname:  cfg.Hostname,
		cfg:       cfg,
		tlsConfig: tlsConfig,
		bufferDir: bufferDir,
		pipeline:  pipeline,
		tracker:   tracker.New(cfg.DoS, logger),
		rbl:       rbl.New(cfg.RBL, logger),
		sasl:      &auth.SASLServer{Log: logger, Auth: authenticator},
		proxy:     engine,
		hooks:     newWebhookClient(cfg.Webhooks, logger),
		resolver:  dns.DefaultResolver(),
		pool:      NewPool(defaultPoolWorkers, defaultPoolBacklog),
		sessions:  map[*Session]struct{}{},
		Log:       logger,
	}
	endp.cfgLive.Store(cfg)
	return endp, nil
}

// ApplyConfig swaps the snapshot new sessions read limits and timeouts
// from. Listener topology, TLS material and the structural components
// built in New keep their boot values until restart.
func (endp *Endpoint) ApplyConfig(cfg *config.Config) {
	endp.cfgLive.Store(cfg)
}

func (endp *Endpoint) liveConfig() *config.Config {
	return endp.cfgLive.Load()
}

// Start binds and serves all configured listeners. It returns once the
// listen sockets are open; accepting happens on background goroutines.
func (endp *Endpoint) Start() error {
	for _, lcfg := range endp.cfg.Listeners {
		mode, err := parseMode(lcfg.Mode)
		if err != nil {
			endp.closeListeners()
			return fmt.Errorf("smtp: listener %s: %w", lcfg.Address, err)
		}

		l, err := net.Listen("tcp", lcfg.Address)
		if err != nil {
			endp.closeListeners()
			return fmt.Errorf("smtp: listen %s: %w", lcfg.Address, err)
		}
		if lcfg.ProxyProtocol {
			l = proxyProtocolListener(l, endp.Log)
		}
		if mode.implicitTLS() {
			if endp.tlsConfig == nil {
				l.Close()
				endp.closeListeners()
				return fmt.Errorf("smtp: listener %s: smtps requires TLS certificates", lcfg.Address)
			}
			l = tls.NewListener(l, endp.tlsConfig)
		}

		endp.listeners = append(endp.listeners, l)
		endp.Log.Msg("listening", "addr", l.Addr().String(), "mode", mode.String())

		endp.listenersWg.Add(1)
		go endp.serve(l, mode)
	}
	return nil
}

func (endp *Endpoint) serve(l net.Listener, mode listenerMode) {
	defer endp.listenersWg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !endp.closing.Load() {
				endp.Log.Error("accept failed", err, "addr", l.Addr().String())
			}
			return
		}
		endp.dispatchConn(conn, mode)
	}
}

func (endp *Endpoint) dispatchConn(conn net.Conn, mode listenerMode) {
	ip := connIP(conn.RemoteAddr())
	tc, err := endp.tracker.AcceptConn(ip)
	if err != nil {
		// Admission rejects close the socket without a greeting.
		endp.Log.DebugMsg("connection rejected", "src_ip", ip.String(), "reason", err.Error())
		conn.Close()
		return
	}

	endp.pool.Submit(func() {
		endp.runSession(conn, mode, tc)
	})
}

func (endp *Endpoint) runSession(conn net.Conn, mode listenerMode, tc *tracker.Conn) {
	defer tc.Release()
	defer conn.Close()

	s := newSession(endp, conn, mode, tc)
	if endp.closing.Load() {
		s.reply(&wire.Reply{Code: 421, Enhanced: exterrors.EnhancedCode{4, 3, 2}, Lines: []string{"Service shutting down"}})
		return
	}

	endp.addSession(s)
	defer endp.removeSession(s)

	sessionsActive.Inc()
	defer sessionsActive.Dec()

	s.serve()
}

func (endp *Endpoint) addSession(s *Session) {
	endp.sessionsMu.Lock()
	endp.sessions[s] = struct{}{}
	endp.sessionsMu.Unlock()
}

func (endp *Endpoint) removeSession(s *Session) {
	endp.sessionsMu.Lock()
	delete(endp.sessions, s)
	endp.sessionsMu.Unlock()
}

// Close stops accepting, waits up to a grace period for running
// sessions to finish and then drops the stragglers.
func (endp *Endpoint) Close() error {
	endp.closing.Store(true)
	endp.closeListeners()
	endp.listenersWg.Wait()

	done := make(chan struct{})
	go func() {
		endp.pool.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		endp.Log.Msg("shutdown grace expired, dropping remaining sessions")
		endp.dropSessions()
		<-done
	}

	endp.tracker.Close()

	stats := endp.pool.Stats()
	endp.Log.Msg("endpoint stopped", "handled", stats.Completed)
	return nil
}

func (endp *Endpoint) closeListeners() {
	for _, l := range endp.listeners {
		l.Close()
	}
}

func (endp *Endpoint) dropSessions() {
	endp.sessionsMu.Lock()
	defer endp.sessionsMu.Unlock()
	for s := range endp.sessions {
		s.raw.Close()
	}
}

// Stats reports worker pool health.
func (endp *Endpoint) Stats() PoolStats {
	return endp.pool.Stats()
}

// Addrs lists the bound listener addresses once Start returned. Ports
// are resolved, so a listener configured on port 0 reports the port it
// actually got.
func (endp *Endpoint) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(endp.listeners))
	for _, l := range endp.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// proxyProtocolListener unwraps the HAProxy PROXY header so sessions
// and the connection tracker see the real client address when the
// endpoint runs behind a load balancer.
func proxyProtocolListener(inner net.Listener, logger log.Logger) net.Listener {
	return proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		}))
}

// loadTLS builds the server-side TLS configuration, or nil when no
// certificate is configured (STARTTLS is then not offered and smtps
// listeners refuse to start).
func loadTLS(cfg config.TLS) (*tls.Config, error) {
	if cfg.CertPath == "" && cfg.KeyPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	minVer, err := tlsVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVer,
	}, nil
}

func tlsVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unknown TLS version %q", s)
}

func connIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return net.IPv4(127, 0, 0, 1)
}
