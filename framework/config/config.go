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

// Package config defines the server configuration file model.
//
// The file is TOML. Key names follow the documented option names, most of
// them carry the unit in the name (…Seconds, …Millis). The loaded Config is
// treated as immutable: reloads build a new object and swap the global
// pointer (see global.go), readers never observe a partially updated
// configuration.
package config

import (
	"time"
)

// Config is the root of the configuration file.
type Config struct {
	// Hostname is used in the greeting banner, Received headers, EHLO and
	// the mailer-daemon bounce sender.
	Hostname string `toml:"hostname"`

	// StorePath is the directory accepted messages are written to.
	StorePath string `toml:"storePath"`

	Debug     bool   `toml:"debug"`
	LogOutput string `toml:"logOutput"` // "stderr", "stderr_ts", "syslog", "off" or a file path

	Listeners []Listener `toml:"listeners"`
	TLS       TLS        `toml:"tls"`
	Limits    Limits     `toml:"limits"`
	Session   Session    `toml:"session"`
	Queue     Queue      `toml:"queue"`
	DoS       DoS        `toml:"dos"`
	RBL       RBL        `toml:"rbl"`
	Proxy     Proxy      `toml:"proxy"`
	Relay     Relay      `toml:"relay"`
	Dovecot   Dovecot    `toml:"dovecot"`
	ClamAV    ClamAV     `toml:"clamav"`
	Rspamd    Rspamd     `toml:"rspamd"`
	Auth      Auth       `toml:"auth"`
	Metrics   Metrics    `toml:"metrics"`
	Webhooks  Webhooks   `toml:"webhooks"`
	Chaos     Chaos      `toml:"chaos"`
}

// Listener is one bound endpoint. Modes:
//
//	smtp       - plain SMTP, STARTTLS offered when TLS material is loaded
//	submission - like smtp but AUTH is required before MAIL
//	smtps      - implicit TLS on accept
//	lmtp       - inbound LMTP (LHLO, per-recipient DATA replies)
type Listener struct {
	Address       string `toml:"address"`
	Mode          string `toml:"mode"`
	ProxyProtocol bool   `toml:"proxyProtocol"`
}

type TLS struct {
	CertPath   string `toml:"certPath"`
	KeyPath    string `toml:"keyPath"`
	MinVersion string `toml:"minVersion"`
}

type Limits struct {
	// TransactionsLimit caps the amount of commands accepted on one
	// connection.
	TransactionsLimit int `toml:"transactionsLimit"`

	// ErrorLimit is the per-session syntax error budget.
	ErrorLimit int `toml:"errorLimit"`

	// EnvelopeLimit caps MAIL transactions per connection.
	EnvelopeLimit int `toml:"envelopeLimit"`

	// RecipientsLimit caps RCPT commands per envelope.
	RecipientsLimit int `toml:"recipientsLimit"`

	// EmailSizeLimit is the advertised and enforced SIZE value, bytes.
	EmailSizeLimit int64 `toml:"emailSizeLimit"`
}

type Session struct {
	TimeoutSeconds int `toml:"timeoutSeconds"`
}

func (s Session) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type Queue struct {
	QueueFile         string  `toml:"queueFile"`
	QueueInitialDelay int     `toml:"queueInitialDelay"` // seconds
	QueueInterval     int     `toml:"queueInterval"`     // seconds
	MaxDequeuePerTick int     `toml:"maxDequeuePerTick"`
	MaxRetryCount     int     `toml:"maxRetryCount"`
	FirstWaitMinutes  float64 `toml:"firstWaitMinutes"`
	GrowthFactor      float64 `toml:"growthFactor"`
}

func (q Queue) InitialDelay() time.Duration {
	return time.Duration(q.QueueInitialDelay) * time.Second
}

func (q Queue) Interval() time.Duration {
	return time.Duration(q.QueueInterval) * time.Second
}

func (q Queue) FirstWait() time.Duration {
	return time.Duration(q.FirstWaitMinutes * float64(time.Minute))
}

type DoS struct {
	DosProtectionEnabled      bool  `toml:"dosProtectionEnabled"`
	MaxConnectionsPerIp       int   `toml:"maxConnectionsPerIp"`
	MaxTotalConnections       int   `toml:"maxTotalConnections"`
	RateLimitWindowSeconds    int   `toml:"rateLimitWindowSeconds"`
	MaxConnectionsPerWindow   int   `toml:"maxConnectionsPerWindow"`
	MaxCommandsPerMinute      int   `toml:"maxCommandsPerMinute"`
	MinDataRateBytesPerSecond int   `toml:"minDataRateBytesPerSecond"`
	MaxDataTimeoutSeconds     int   `toml:"maxDataTimeoutSeconds"`
	TarpitDelayMillis         int64 `toml:"tarpitDelayMillis"`
}

func (d DoS) RateLimitWindow() time.Duration {
	return time.Duration(d.RateLimitWindowSeconds) * time.Second
}

func (d DoS) MaxDataTimeout() time.Duration {
	return time.Duration(d.MaxDataTimeoutSeconds) * time.Second
}

func (d DoS) TarpitDelay() time.Duration {
	return time.Duration(d.TarpitDelayMillis) * time.Millisecond
}

type RBL struct {
	Providers      []string `toml:"providers"`
	TimeoutSeconds int      `toml:"timeoutSeconds"`
	RejectEnabled  bool     `toml:"rejectEnabled"`
}

func (r RBL) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

type Proxy struct {
	Rules []ProxyRule `toml:"rules"`
}

// ProxyRule is a static routing rule. Empty regexes match anything.
// See the proxy package for matching and connection reuse semantics.
type ProxyRule struct {
	Name          string   `toml:"name"`
	IpRegex       string   `toml:"ipRegex"`
	EhloRegex     string   `toml:"ehloRegex"`
	MailRegex     string   `toml:"mailRegex"`
	RcptRegex     string   `toml:"rcptRegex"`
	Direction     string   `toml:"direction"` // inbound | outbound | both
	Hosts         []string `toml:"hosts"`
	Port          int      `toml:"port"`
	Protocol      string   `toml:"protocol"` // esmtp | smtp | lmtp
	Tls           bool     `toml:"tls"`
	Username      string   `toml:"username"`
	Password      string   `toml:"password"`
	AuthMechanism string   `toml:"authMechanism"`
	NoMatchAction string   `toml:"noMatchAction"` // none | accept | reject
}

type Relay struct {
	Enabled            bool   `toml:"enabled"`
	Mailbox            string `toml:"mailbox"`
	Outbox             string `toml:"outbox"`
	DisableRelayHeader bool   `toml:"disableRelayHeader"`
	Bounce             bool   `toml:"bounce"`
	OutboundMxEnabled  bool   `toml:"outboundMxEnabled"`

	// Host, when set, is the smarthost all outbound mail goes through
	// instead of recipient-domain MX servers.
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Retry         int    `toml:"retry"`
	DelaySeconds  int    `toml:"delaySeconds"`
	Bind          string `toml:"bind"`
	RequireTls    bool   `toml:"requireTls"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	AuthMechanism string `toml:"authMechanism"`

	MtaStsEnabled  bool   `toml:"mtaStsEnabled"`
	MtaStsCacheDir string `toml:"mtaStsCacheDir"`
	DaneEnabled    bool   `toml:"daneEnabled"`
}

func (r Relay) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

type Dovecot struct {
	SaveToDovecotLda      bool   `toml:"saveToDovecotLda"`
	LdaBinary             string `toml:"ldaBinary"`
	LdaTimeoutSeconds     int    `toml:"ldaTimeoutSeconds"`
	InlineSaveMaxAttempts int    `toml:"inlineSaveMaxAttempts"`
	InlineSaveRetryDelay  int    `toml:"inlineSaveRetryDelay"` // seconds
	FailureBehaviour      string `toml:"failureBehaviour"`     // bounce | retry

	LmtpEndpoint             string `toml:"lmtpEndpoint"`
	LmtpPoolSize             int    `toml:"lmtpPoolSize"`
	LmtpIdleTimeoutSeconds   int    `toml:"lmtpIdleTimeoutSeconds"`
	LmtpMaxLifetimeSeconds   int    `toml:"lmtpMaxLifetimeSeconds"`
	LmtpBorrowTimeoutSeconds int    `toml:"lmtpBorrowTimeoutSeconds"`

	SaslEndpoint string `toml:"saslEndpoint"`
}

func (d Dovecot) LdaTimeout() time.Duration {
	return time.Duration(d.LdaTimeoutSeconds) * time.Second
}

func (d Dovecot) RetryDelay() time.Duration {
	return time.Duration(d.InlineSaveRetryDelay) * time.Second
}

type ClamAV struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Policy         string `toml:"policy"` // reject | discard
	ScanParts      bool   `toml:"scanParts"`
	TimeoutSeconds int    `toml:"timeoutSeconds"`
}

func (c ClamAV) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type Rspamd struct {
	Enabled          bool    `toml:"enabled"`
	Url              string  `toml:"url"`
	RejectThreshold  float64 `toml:"rejectThreshold"`
	DiscardThreshold float64 `toml:"discardThreshold"`
	TimeoutSeconds   int     `toml:"timeoutSeconds"`
	Settings         string  `toml:"settings"`
}

func (r Rspamd) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

type Auth struct {
	Backend string     `toml:"backend"` // static | dovecot
	Users   []AuthUser `toml:"users"`
}

type AuthUser struct {
	Name           string `toml:"name"`
	PasswordBcrypt string `toml:"passwordBcrypt"`
}

type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

type Webhooks struct {
	IgnoreErrors   bool              `toml:"ignoreErrors"`
	TimeoutSeconds int               `toml:"timeoutSeconds"`
	Urls           map[string]string `toml:"urls"` // verb → URL
}

func (w Webhooks) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// Chaos gates the X-Robin-Chaos header. Never enable in production.
type Chaos struct {
	Enabled bool `toml:"enabled"`
}

// Default returns the configuration used when the file does not exist or
// leaves options unset. Zero limits mean "no limit" for DoS options, per
// the admission control contract.
func Default() Config {
	return Config{
		Hostname:  "localhost",
		StorePath: "/var/lib/robin/store",
		LogOutput: "stderr",
		Listeners: []Listener{
			{Address: ":2525", Mode: "smtp"},
		},
		TLS: TLS{MinVersion: "1.2"},
		Limits: Limits{
			TransactionsLimit: 1000,
			ErrorLimit:        3,
			EnvelopeLimit:     100,
			RecipientsLimit:   100,
			EmailSizeLimit:    26214400, // 25 MiB
		},
		Session: Session{TimeoutSeconds: 60},
		Queue: Queue{
			QueueFile:         "/var/lib/robin/queue/robin.q",
			QueueInitialDelay: 30,
			QueueInterval:     30,
			MaxDequeuePerTick: 10,
			MaxRetryCount:     5,
			FirstWaitMinutes:  5,
			GrowthFactor:      2,
		},
		DoS: DoS{
			DosProtectionEnabled:   true,
			RateLimitWindowSeconds: 60,
			TarpitDelayMillis:      500,
		},
		RBL: RBL{
			TimeoutSeconds: 5,
		},
		Relay: Relay{
			Bounce:            true,
			OutboundMxEnabled: true,
			Port:              25,
			Retry:             2,
			DelaySeconds:      5,
		},
		Dovecot: Dovecot{
			LdaBinary:                "/usr/lib/dovecot/dovecot-lda",
			LdaTimeoutSeconds:        30,
			InlineSaveMaxAttempts:    3,
			InlineSaveRetryDelay:     5,
			FailureBehaviour:         "retry",
			LmtpPoolSize:             4,
			LmtpIdleTimeoutSeconds:   60,
			LmtpMaxLifetimeSeconds:   600,
			LmtpBorrowTimeoutSeconds: 10,
		},
		ClamAV: ClamAV{
			Endpoint:       "tcp://127.0.0.1:3310",
			Policy:         "reject",
			TimeoutSeconds: 30,
		},
		Rspamd: Rspamd{
			Url:              "http://127.0.0.1:11333",
			RejectThreshold:  15,
			DiscardThreshold: 30,
			TimeoutSeconds:   15,
		},
		Auth:     Auth{Backend: "static"},
		Metrics:  Metrics{Address: "127.0.0.1:9749"},
		Webhooks: Webhooks{TimeoutSeconds: 10},
	}
}
