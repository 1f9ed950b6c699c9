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

// Package proc runs accepted messages through the storage pipeline:
// an ordered list of processors ending in the on-disk store. The first
// processor to fail decides the SMTP reply; a processor may instead
// discard the message silently, in which case the client still sees
// success.
package proc

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/transilvlad/robin-sub003/framework/buffer"
	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
)

// Processor is one stage of the storage pipeline. A returned
// *exterrors.SMTPError is the reply the client will see; any other
// error is mapped to a temporary failure by the session.
type Processor interface {
	Name() string
	Process(ctx context.Context, d *Delivery) error
}

// Enqueuer hands sessions whose delivery must continue after the SMTP
// transaction to the retry queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, rs *envelope.RelaySession) error
}

// ConnInfo is a snapshot of the inbound connection a delivery arrived
// on, used for the Received header and scanner metadata.
type ConnInfo struct {
	// Proto is the RFC 3848 transmission type (SMTP, ESMTP, ESMTPS, LMTP).
	Proto    string
	RemoteIP net.IP
	RDNSName string
	Hello    string
	AuthUser string
	TLS      tls.ConnectionState
}

// Delivery is one message moving through the pipeline.
type Delivery struct {
	// UID labels the message in logs, file names and the queue.
	UID string

	Envelope *envelope.Envelope

	// Header is the message header as received; Body is the buffered
	// message body without it.
	Header textproto.Header
	Body   buffer.Buffer

	Conn *ConnInfo

	// Outbound marks an authenticated submission picked up for relay,
	// as opposed to an inbound message for local mailboxes.
	Outbound bool

	// Discarded is set by a processor that dropped the message
	// silently. The pipeline stops and reports success.
	Discarded bool

	// Spool is attached by the pipeline so that processors needing the
	// on-disk form can materialize it early.
	Spool *Spool
}

// SpoolFile returns the on-disk path of the message, writing the file
// on first use.
func (d *Delivery) SpoolFile() (string, error) {
	if d.Envelope.FilePath != "" {
		return d.Envelope.FilePath, nil
	}
	if d.Spool == nil {
		return "", fmt.Errorf("proc: no spool attached")
	}
	return d.Spool.Materialize(d)
}

// openMessage streams the message as received: header block, then body.
func (d *Delivery) openMessage() (io.ReadCloser, error) {
	bodyR, err := d.Body.Open()
	if err != nil {
		return nil, err
	}
	var hdr bytes.Buffer
	if err := textproto.WriteHeader(&hdr, d.Header); err != nil {
		bodyR.Close()
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{io.MultiReader(&hdr, bodyR), bodyR}, nil
}

// messageLen is the byte length of what openMessage yields.
func (d *Delivery) messageLen() int {
	var hdr bytes.Buffer
	if err := textproto.WriteHeader(&hdr, d.Header); err != nil {
		return d.Body.Len()
	}
	return hdr.Len() + d.Body.Len()
}

// Pipeline is the ordered processor chain plus the hooks that run after
// it: spool attachment and X-Robin-Relay queue injection.
type Pipeline struct {
	Spool *Spool
	Procs []Processor
	Queue Enqueuer

	// ChaosEnabled honors X-Robin-Chaos short-circuits. Test setups
	// only, never production.
	ChaosEnabled bool

	// DisableRelayHeader ignores X-Robin-Relay on all messages.
	DisableRelayHeader bool

	// RelayOutbound queues accepted submissions for MX delivery. When
	// unset, outbound messages are stored but never leave the host.
	RelayOutbound bool

	// MaxRetries seeds retry budgets of queue sessions created here.
	MaxRetries int

	Log log.Logger
}

// Build assembles the default pipeline order from the configuration:
// virus scan, spam scan, Dovecot delivery, disk store. Disabled
// components are left out; the disk store always runs.
func Build(cfg *config.Config, queue Enqueuer, logger log.Logger) (*Pipeline, error) {
	p := &Pipeline{
		Spool: &Spool{
			Path:     cfg.StorePath,
			Hostname: cfg.Hostname,
			Log:      logger,
		},
		Queue:              queue,
		ChaosEnabled:       cfg.Chaos.Enabled,
		DisableRelayHeader: cfg.Relay.DisableRelayHeader,
		RelayOutbound:      cfg.Relay.Enabled,
		MaxRetries:         cfg.Queue.MaxRetryCount,
		Log:                logger,
	}

	if cfg.ClamAV.Enabled {
		av, err := NewClamAV(cfg.ClamAV, logger)
		if err != nil {
			return nil, err
		}
		p.Procs = append(p.Procs, av)
	}
	if cfg.Rspamd.Enabled {
		p.Procs = append(p.Procs, NewRspamd(cfg.Rspamd, cfg.Hostname, logger))
	}
	store, err := NewDovecotStore(cfg, queue, logger)
	if err != nil {
		return nil, err
	}
	if store != nil {
		p.Procs = append(p.Procs, store)
	}
	p.Procs = append(p.Procs, &DiskWriter{Spool: p.Spool})

	return p, nil
}

// Run executes the pipeline for one delivery. A nil return means the
// message was accepted (stored, delivered or silently discarded).
func (p *Pipeline) Run(ctx context.Context, d *Delivery) error {
	d.Spool = p.Spool
	p.stashControlHeaders(d)

	for _, proc := range p.Procs {
		if p.ChaosEnabled {
			if forced, ok := chaosOutcome(d.Header, proc.Name()); ok {
				if !forced {
					messagesTotal.WithLabelValues("rejected").Inc()
					return &exterrors.SMTPError{
						Code:         554,
						EnhancedCode: exterrors.EnhancedCode{5, 3, 0},
						Message:      "Transaction failed",
						TargetName:   proc.Name(),
						Misc:         map[string]any{"chaos": true},
					}
				}
				p.Log.Msg("processor short-circuited", "processor", proc.Name(), "uid", d.UID)
				continue
			}
		}

		if err := proc.Process(ctx, d); err != nil {
			messagesTotal.WithLabelValues("rejected").Inc()
			return err
		}
		if d.Discarded {
			messagesTotal.WithLabelValues("discarded").Inc()
			discardedTotal.WithLabelValues(proc.Name()).Inc()
			p.Log.Msg("message discarded", "processor", proc.Name(), "uid", d.UID)
			return nil
		}
	}

	if err := p.injectOutbound(ctx, d); err != nil {
		messagesTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := p.injectRelay(ctx, d); err != nil {
		messagesTotal.WithLabelValues("rejected").Inc()
		return err
	}

	messagesTotal.WithLabelValues("accepted").Inc()
	return nil
}

// Close shuts down processors holding live resources (LMTP pools).
func (p *Pipeline) Close() {
	for _, proc := range p.Procs {
		if cl, ok := proc.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				p.Log.Error("processor shutdown failed", err, "processor", proc.Name())
			}
		}
	}
}

// stashControlHeaders copies the X-Robin control headers from the
// message into the envelope so they survive queue round-trips.
func (p *Pipeline) stashControlHeaders(d *Delivery) {
	for _, key := range []string{"X-Robin-Filename", "X-Robin-Relay"} {
		if v := d.Header.Get(key); v != "" && d.Envelope.Header(key) == "" {
			d.Envelope.SetHeader(key, strings.TrimSpace(v))
		}
	}
}

// injectOutbound queues an accepted submission for MX delivery. The
// session carries no pinned host, so the relay target resolves the
// recipient domains itself.
func (p *Pipeline) injectOutbound(ctx context.Context, d *Delivery) error {
	if !d.Outbound || len(d.Envelope.Recipients) == 0 {
		return nil
	}
	if p.Queue == nil || !p.RelayOutbound {
		p.Log.DebugMsg("outbound relay disabled, message stored only", "uid", d.UID)
		return nil
	}

	if _, err := d.SpoolFile(); err != nil {
		return p.queueFailure(err, d)
	}
	env := d.Envelope.Clone()
	path, err := p.Spool.CopyFile(d.Envelope.FilePath, "out-"+d.uidOrNew())
	if err != nil {
		return p.queueFailure(err, d)
	}
	env.FilePath = path

	rs := &envelope.RelaySession{
		ID:         uuid.New().String(),
		Protocol:   envelope.ProtocolESMTP,
		MaxRetries: p.MaxRetries,
		Envelopes:  []*envelope.Envelope{env},
	}
	if err := p.Queue.Enqueue(ctx, rs); err != nil {
		return p.queueFailure(err, d)
	}
	p.Log.Msg("outbound session queued", "session", rs.ID, "uid", d.UID, "rcpts", len(env.Recipients))
	return nil
}

// injectRelay enqueues a one-shot relay session when the message asked
// for one via X-Robin-Relay: host[:port].
func (p *Pipeline) injectRelay(ctx context.Context, d *Delivery) error {
	target := d.Envelope.Header("X-Robin-Relay")
	if target == "" || p.DisableRelayHeader || p.Queue == nil {
		return nil
	}

	host, port := splitRelayTarget(target)
	if host == "" {
		p.Log.Msg("unusable relay header ignored", "target", target, "uid", d.UID)
		return nil
	}

	if _, err := d.SpoolFile(); err != nil {
		return p.queueFailure(err, d)
	}
	env := d.Envelope.Clone()
	// The queue takes ownership of envelope files, so the relay copy
	// gets its own.
	path, err := p.Spool.CopyFile(d.Envelope.FilePath, "relay-"+d.uidOrNew())
	if err != nil {
		return p.queueFailure(err, d)
	}
	env.FilePath = path

	rs := &envelope.RelaySession{
		ID:         uuid.New().String(),
		Protocol:   envelope.ProtocolESMTP,
		Host:       host,
		Port:       port,
		MaxRetries: p.MaxRetries,
		Envelopes:  []*envelope.Envelope{env},
	}
	if err := p.Queue.Enqueue(ctx, rs); err != nil {
		return p.queueFailure(err, d)
	}
	p.Log.Msg("relay session queued", "host", host, "port", port, "uid", d.UID)
	return nil
}

// queueFailure maps a failed enqueue to a temporary reject. Duplicates
// on the client's retry are preferable to losing the relay promise.
func (p *Pipeline) queueFailure(err error, d *Delivery) error {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
		Message:      "Temporary queue failure",
		TargetName:   "proc",
		Err:          err,
		Misc:         map[string]any{"uid": d.UID},
	}
}

func (d *Delivery) uidOrNew() string {
	if d.UID != "" {
		return d.UID
	}
	d.UID = uuid.New().String()
	return d.UID
}

// splitRelayTarget parses host[:port], defaulting to port 25. Bare
// IPv6 addresses are taken whole.
func splitRelayTarget(target string) (string, int) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 25
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0
	}
	return host, port
}

// chaosOutcome reads the test-only short-circuit directive
//
//	X-Robin-Chaos: <processor>; return=<bool>
//
// returning the forced outcome for the named processor, if any.
func chaosOutcome(hdr textproto.Header, name string) (forced, ok bool) {
	fields := hdr.FieldsByKey("X-Robin-Chaos")
	for fields.Next() {
		procName, params, _ := strings.Cut(fields.Value(), ";")
		if !strings.EqualFold(strings.TrimSpace(procName), name) {
			continue
		}
		for _, param := range strings.Split(params, ";") {
			k, v, found := strings.Cut(param, "=")
			if !found || !strings.EqualFold(strings.TrimSpace(k), "return") {
				continue
			}
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				continue
			}
			return b, true
		}
	}
	return false, false
}
