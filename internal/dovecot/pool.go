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

package dovecot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/transilvlad/robin-sub003/framework/log"
)

// ErrExhausted is returned by Borrow when the pool is at capacity and no
// connection was returned within the borrow timeout.
var ErrExhausted = errors.New("dovecot: connection pool exhausted")

// ErrPoolClosed is returned by Borrow after Close.
var ErrPoolClosed = errors.New("dovecot: pool is closed")

// PoolConn is a pooled protocol session. Reset prepares it for reuse
// between borrows; a failed Reset gets the connection discarded. Close is
// expected to say goodbye politely when the session is still alive.
type PoolConn interface {
	Reset(ctx context.Context) error
	Close() error
}

// PoolConfig tunes a Pool. Zero values select the defaults noted on each
// field.
type PoolConfig struct {
	// New dials a fresh connection for key.
	New func(ctx context.Context, key string) (PoolConn, error)

	// MaxSize bounds live connections per key, parked and borrowed
	// together. Default 4.
	MaxSize int

	// IdleTimeout is the longest a parked connection stays eligible for
	// reuse. Default 1 minute.
	IdleTimeout time.Duration

	// MaxLifetime caps the total age of a connection. Default 10 minutes.
	MaxLifetime time.Duration

	// BorrowTimeout is how long Borrow waits at capacity before giving up
	// with ErrExhausted. Default 10 seconds.
	BorrowTimeout time.Duration
}

// Pooled is a borrowed connection together with its pool bookkeeping. It
// must be given back through exactly one of Pool.Return or
// Pool.Invalidate.
type Pooled struct {
	Conn PoolConn

	key       string
	bornAt    time.Time
	idleSince time.Time
}

type slot struct {
	idle chan *Pooled
	// Live connections for the key, parked and borrowed together.
	// Guarded by Pool.mu.
	open int
}

// Pool is a bounded keyed connection pool. Keys are endpoint addresses;
// each key gets up to MaxSize live connections. A background reaper
// closes parked connections that went stale between borrows.
type Pool struct {
	cfg PoolConfig
	log log.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool

	stop chan struct{}
}

func NewPool(cfg PoolConfig, logger log.Logger) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = 10 * time.Minute
	}
	if cfg.BorrowTimeout <= 0 {
		cfg.BorrowTimeout = 10 * time.Second
	}

	p := &Pool{
		cfg:   cfg,
		log:   logger,
		slots: map[string]*slot{},
		stop:  make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

func (p *Pool) freshAt(pc *Pooled, now time.Time) bool {
	if now.Sub(pc.idleSince) > p.cfg.IdleTimeout {
		return false
	}
	return now.Sub(pc.bornAt) <= p.cfg.MaxLifetime
}

// Borrow returns a parked connection for key, validating its freshness,
// or dials a new one while the key is under MaxSize. At capacity it waits
// up to BorrowTimeout for a Return.
func (p *Pool) Borrow(ctx context.Context, key string) (*Pooled, error) {
	deadline := time.Now().Add(p.cfg.BorrowTimeout)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	s := p.slots[key]
	if s == nil {
		s = &slot{idle: make(chan *Pooled, p.cfg.MaxSize)}
		p.slots[key] = s
	}

	for {
		select {
		case pc := <-s.idle:
			if p.freshAt(pc, time.Now()) {
				p.mu.Unlock()
				return pc, nil
			}
			s.open--
			go pc.Conn.Close()
			continue
		default:
		}
		break
	}

	if s.open < p.cfg.MaxSize {
		s.open++
		p.mu.Unlock()
		return p.dial(ctx, s, key)
	}
	p.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case pc := <-s.idle:
			if p.freshAt(pc, time.Now()) {
				return pc, nil
			}
			// The stale connection frees a capacity unit; take it over
			// for a fresh dial.
			go pc.Conn.Close()
			return p.dial(ctx, s, key)
		case <-timer.C:
			return nil, ErrExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// dial runs cfg.New for a capacity unit already accounted to the caller.
func (p *Pool) dial(ctx context.Context, s *slot, key string) (*Pooled, error) {
	conn, err := p.cfg.New(ctx, key)
	if err != nil {
		p.mu.Lock()
		s.open--
		p.mu.Unlock()
		return nil, err
	}
	return &Pooled{Conn: conn, key: key, bornAt: time.Now()}, nil
}

// Return resets the session and parks it for reuse. A connection that
// fails the reset is closed instead.
func (p *Pool) Return(ctx context.Context, pc *Pooled) {
	if err := pc.Conn.Reset(ctx); err != nil {
		p.log.Error("discarding connection after failed reset", err, "key", pc.key)
		p.Invalidate(pc)
		return
	}
	pc.idleSince = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go pc.Conn.Close()
		return
	}
	s := p.slots[pc.key]
	if s == nil {
		go pc.Conn.Close()
		return
	}
	select {
	case s.idle <- pc:
	default:
		s.open--
		go pc.Conn.Close()
	}
}

// Invalidate closes a borrowed connection and frees its capacity unit.
// Used when the session errored and must not be reused.
func (p *Pool) Invalidate(pc *Pooled) {
	p.mu.Lock()
	if s := p.slots[pc.key]; s != nil && !p.closed {
		s.open--
	}
	p.mu.Unlock()
	pc.Conn.Close()
}

// Close stops the reaper and closes every parked connection. Borrowed
// connections are closed by their holders.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	slots := p.slots
	p.slots = nil
	p.mu.Unlock()
	close(p.stop)

	for _, s := range slots {
		draining := true
		for draining {
			select {
			case pc := <-s.idle:
				pc.Conn.Close()
			default:
				draining = false
			}
		}
	}
}

func (p *Pool) reapLoop() {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			p.reapOnce(time.Now())
		case <-p.stop:
			return
		}
	}
}

// reapOnce closes parked connections that went stale, so a quiet pool
// does not sit on dead sessions until the next Borrow.
func (p *Pool) reapOnce(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		n := len(s.idle)
		for i := 0; i < n; i++ {
			select {
			case pc := <-s.idle:
				if p.freshAt(pc, now) {
					s.idle <- pc
					continue
				}
				s.open--
				go pc.Conn.Close()
			default:
			}
		}
	}
}
