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

/*
Package queue keeps undelivered relay sessions on disk and retries them
until every recipient succeeded or the retry budget is spent.

Sessions enter through Enqueue, which takes ownership of the envelope
files by moving them into the store's companion directory. A single
scheduler goroutine wakes on a fixed interval and takes up to a
configured number of sessions per tick. Failure status is per
recipient: after each attempt the transaction log of every envelope is
walked, fully delivered envelopes leave the session (their files are
deleted), partially failed ones continue with the failed subset only.

The retry delay grows exponentially: firstWait * growthFactor^retryCount.
When the budget is spent the remaining recipients get a DSN, queued like
any other message; sessions whose sender is empty or a mailer-daemon
address never generate one, so bounces cannot loop.

A panicking session is parked next to the log as a .broken file and the
scheduler carries on with the next entry.
*/
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/envelope"
)

// Deliverer runs one delivery attempt for a queued session, recording
// every exchange in the envelopes' transaction lists. A returned error
// means the attempt could not run at all and counts as a failure for
// every recipient.
type Deliverer interface {
	Deliver(ctx context.Context, rs *envelope.RelaySession) error
}

// Queue is the retry scheduler over a Store. It implements the
// pipeline's Enqueuer contract.
type Queue struct {
	store   *Store
	deliver Deliverer

	hostname string

	initialDelay time.Duration
	interval     time.Duration
	maxPerTick   int
	maxRetries   int
	firstWait    time.Duration
	growthFactor float64
	bounce       bool

	Log log.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
}

// New builds the scheduler around an open store. Start launches it.
func New(cfg *config.Config, store *Store, d Deliverer, logger log.Logger) *Queue {
	q := &Queue{
		store:        store,
		deliver:      d,
		hostname:     cfg.Hostname,
		initialDelay: cfg.Queue.InitialDelay(),
		interval:     cfg.Queue.Interval(),
		maxPerTick:   cfg.Queue.MaxDequeuePerTick,
		maxRetries:   cfg.Queue.MaxRetryCount,
		firstWait:    cfg.Queue.FirstWait(),
		growthFactor: cfg.Queue.GrowthFactor,
		bounce:       cfg.Relay.Bounce,
		Log:          logger,
		done:         make(chan struct{}),
	}
	if q.interval <= 0 {
		q.interval = 30 * time.Second
	}
	if q.maxPerTick <= 0 {
		q.maxPerTick = 10
	}
	if q.growthFactor <= 0 {
		q.growthFactor = 2
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Start launches the scheduler goroutine.
func (q *Queue) Start() {
	if q.started.Swap(true) {
		return
	}
	go q.loop()
}

// Close stops the scheduler, waits for an in-flight tick to finish and
// closes the store.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		if q.started.Load() {
			<-q.done
		}
	})
	return q.store.Close()
}

func (q *Queue) loop() {
	defer close(q.done)

	timer := time.NewTimer(q.initialDelay)
	defer timer.Stop()
	select {
	case <-q.ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		q.Tick(q.ctx)
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Enqueue persists a session. The envelope files move into the queue's
// directory: from here on the queue owns them and deletes them once
// their recipients are delivered or terminally failed.
func (q *Queue) Enqueue(ctx context.Context, rs *envelope.RelaySession) error {
	if rs.ID == "" {
		rs.ID = uuid.New().String()
	}
	for _, env := range rs.Envelopes {
		if env.FilePath == "" {
			continue
		}
		moved, err := q.adoptFile(env.FilePath)
		if err != nil {
			return fmt.Errorf("queue: adopt %s: %w", env.FilePath, err)
		}
		env.FilePath = moved
	}

	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("queue: encode session: %w", err)
	}
	if err := q.store.Push(data); err != nil {
		return err
	}
	queuedTotal.Inc()
	queueDepth.Set(float64(q.store.Len()))
	q.Log.Msg("session queued",
		"session", rs.ID, "protocol", rs.Protocol, "envelopes", len(rs.Envelopes))
	return nil
}

// Snapshot decodes the live queue entries, oldest first.
func (q *Queue) Snapshot() []*envelope.RelaySession {
	blobs := q.store.Snapshot()
	out := make([]*envelope.RelaySession, 0, len(blobs))
	for _, data := range blobs {
		rs := &envelope.RelaySession{}
		if err := json.Unmarshal(data, rs); err != nil {
			q.Log.Error("undecodable queue entry skipped in snapshot", err)
			continue
		}
		out = append(out, rs)
	}
	return out
}

// Len is the number of queued sessions.
func (q *Queue) Len() int {
	return q.store.Len()
}

// Tick processes up to maxDequeuePerTick sessions. The scheduler calls
// it on its interval; sessions still inside their backoff window go
// back unattempted.
func (q *Queue) Tick(ctx context.Context) {
	now := time.Now()
	for n := 0; n < q.maxPerTick; n++ {
		if ctx.Err() != nil {
			break
		}
		data, err := q.store.Pop()
		if err != nil {
			q.Log.Error("dequeue failed", err)
			break
		}
		if data == nil {
			break
		}
		q.runEntry(ctx, now, data, false)
	}
	queueDepth.Set(float64(q.store.Len()))
}

// Flush attempts every queued session once, ignoring backoff stamps.
// Sessions that fail again re-enter the queue with their retry counter
// advanced, exactly as if the scheduler had run them. Meant for the
// offline flush subcommand; must not run concurrently with Start.
func (q *Queue) Flush(ctx context.Context) {
	now := time.Now()

	// Drain first so a failed session pushed back while flushing is not
	// attempted a second time in the same pass.
	var batch [][]byte
	for {
		data, err := q.store.Pop()
		if err != nil {
			q.Log.Error("dequeue failed", err)
			break
		}
		if data == nil {
			break
		}
		batch = append(batch, data)
	}

	for _, data := range batch {
		if ctx.Err() != nil {
			if err := q.store.Push(data); err != nil {
				q.Log.Error("requeue failed, entry parked", err)
				q.parkBroken(data)
			}
			continue
		}
		q.runEntry(ctx, now, data, true)
	}
	queueDepth.Set(float64(q.store.Len()))
}

func (q *Queue) runEntry(ctx context.Context, now time.Time, data []byte, force bool) {
	defer func() {
		if r := recover(); r != nil {
			q.Log.Msg("panic during delivery, entry parked",
				"panic", r, "stack", string(debug.Stack()))
			q.parkBroken(data)
		}
	}()

	rs := &envelope.RelaySession{}
	if err := json.Unmarshal(data, rs); err != nil {
		q.Log.Error("undecodable entry parked", err)
		q.parkBroken(data)
		return
	}

	if wait := q.dueIn(rs, now); wait > 0 && !force {
		q.Log.DebugMsg("session not due yet", "session", rs.ID, "due_in", wait)
		if err := q.store.Push(data); err != nil {
			q.Log.Error("requeue failed, entry parked", err, "session", rs.ID)
			q.parkBroken(data)
		}
		return
	}

	q.attempt(ctx, now, rs)
}

// dueIn returns how long until the session's backoff allows another
// attempt; zero or negative means due now.
func (q *Queue) dueIn(rs *envelope.RelaySession, now time.Time) time.Duration {
	if rs.LastAttempt == 0 {
		return 0
	}
	next := time.Unix(rs.LastAttempt, 0).Add(q.backoff(rs.RetryCount))
	return next.Sub(now)
}

// backoff is the wait after retryCount failed attempts:
// firstWait * growthFactor^(retryCount-1).
func (q *Queue) backoff(retryCount int) time.Duration {
	if q.firstWait <= 0 || retryCount <= 0 {
		return 0
	}
	n := retryCount - 1
	if q.maxRetries > 0 && n > q.maxRetries {
		n = q.maxRetries
	}
	return time.Duration(float64(q.firstWait) * math.Pow(q.growthFactor, float64(n)))
}

func (q *Queue) attempt(ctx context.Context, now time.Time, rs *envelope.RelaySession) {
	if rs.RetryCount > rs.MaxRetries {
		// Enqueued with the budget already spent: the inline attempt
		// was the last one and the session goes straight to expiry.
		q.expire(ctx, rs)
		return
	}

	for _, env := range rs.Envelopes {
		env.Transactions.Clear()
	}

	attemptErr := q.deliver.Deliver(ctx, rs)
	if attemptErr != nil {
		q.Log.Error("delivery attempt failed", attemptErr,
			"session", rs.ID, "attempt", rs.RetryCount+1)
	}

	var remaining []*envelope.Envelope
	for _, env := range rs.Envelopes {
		var failed []string
		if attemptErr != nil {
			failed = env.Recipients
		} else {
			failed = env.Transactions.FailedRecipients(env.Recipients)
		}
		if len(failed) == 0 {
			q.Log.Msg("delivered", "session", rs.ID,
				"rcpts", len(env.Recipients), "attempt", rs.RetryCount+1)
			q.removeFile(env)
			continue
		}
		env.Recipients = failed
		remaining = append(remaining, env)
	}
	rs.Envelopes = remaining

	if len(remaining) == 0 {
		deliveredTotal.Inc()
		return
	}

	if rs.RetryCount < rs.MaxRetries {
		rs.RetryCount++
		rs.LastAttempt = now.Unix()
		data, err := json.Marshal(rs)
		if err != nil {
			q.Log.Error("session encode failed, entry dropped", err, "session", rs.ID)
			return
		}
		if err := q.store.Push(data); err != nil {
			q.Log.Error("requeue failed, entry parked", err, "session", rs.ID)
			q.parkBroken(data)
			return
		}
		retriedTotal.Inc()
		q.Log.Msg("will retry", "session", rs.ID,
			"attempt", rs.RetryCount, "next_try_delay", q.backoff(rs.RetryCount))
		return
	}

	q.expire(ctx, rs)
}

func (q *Queue) expire(ctx context.Context, rs *envelope.RelaySession) {
	expiredTotal.Inc()
	q.Log.Msg("retries exhausted", "session", rs.ID, "envelopes", len(rs.Envelopes))
	for _, env := range rs.Envelopes {
		if q.bounce {
			q.emitBounce(ctx, env)
		}
		q.removeFile(env)
	}
}

// adoptFile moves an envelope file into the queue's directory, falling
// back to copy for cross-filesystem moves.
func (q *Queue) adoptFile(src string) (string, error) {
	dir := q.store.FileDir()
	if filepath.Dir(src) == dir {
		return src, nil
	}
	dst := filepath.Join(dir, filepath.Base(src))
	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		q.Log.Error("source file remove failed after copy", err, "path", src)
	}
	return dst, nil
}

func (q *Queue) removeFile(env *envelope.Envelope) {
	if env.FilePath == "" {
		return
	}
	if err := os.Remove(env.FilePath); err != nil && !os.IsNotExist(err) {
		q.Log.Error("envelope file remove failed", err, "path", env.FilePath)
	}
}

// parkBroken saves an entry the scheduler cannot process so it is out
// of the rotation but available for inspection. Its envelope files are
// left in place.
func (q *Queue) parkBroken(data []byte) {
	brokenTotal.Inc()
	name := q.store.path + "." + strconv.FormatInt(time.Now().UnixNano(), 16) + ".broken"
	if err := os.WriteFile(name, data, 0o600); err != nil {
		q.Log.Error("parking broken entry failed", err)
		return
	}
	q.Log.Msg("broken entry parked", "path", name)
}

