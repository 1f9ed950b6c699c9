package dovecot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/transilvlad/robin-sub003/framework/log"
)

type fakeConn struct {
	id       int
	resetErr error

	mu     sync.Mutex
	resets int
	closed bool
}

func (f *fakeConn) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) dial(ctx context.Context, key string) (PoolConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{id: len(d.conns)}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testPool(t *testing.T, cfg PoolConfig, d *fakeDialer) *Pool {
	t.Helper()
	cfg.New = d.dial
	p := NewPool(cfg, log.Logger{})
	t.Cleanup(p.Close)
	return p
}

func TestPoolReuse(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, PoolConfig{MaxSize: 2}, d)
	ctx := context.Background()

	pc, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	p.Return(ctx, pc)

	pc2, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if pc2.Conn != pc.Conn {
		t.Error("parked connection not reused")
	}
	if d.count() != 1 {
		t.Errorf("dialed %d times, want 1", d.count())
	}
	if got := pc.Conn.(*fakeConn).resets; got != 1 {
		t.Errorf("resets on return: %d, want 1", got)
	}
	p.Return(ctx, pc2)
}

func TestPoolSeparateKeys(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, PoolConfig{MaxSize: 1}, d)
	ctx := context.Background()

	pcA, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	pcB, err := p.Borrow(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if d.count() != 2 {
		t.Errorf("dialed %d times, want 2", d.count())
	}
	p.Return(ctx, pcA)
	p.Return(ctx, pcB)
}

func TestPoolResetFailureDiscards(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, PoolConfig{MaxSize: 2}, d)
	ctx := context.Background()

	pc, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	fc := pc.Conn.(*fakeConn)
	fc.resetErr = errors.New("session is broken")
	p.Return(ctx, pc)

	if !fc.isClosed() {
		t.Error("connection kept after failed reset")
	}

	pc2, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if pc2.Conn == pc.Conn {
		t.Error("discarded connection handed out again")
	}
	if d.count() != 2 {
		t.Errorf("dialed %d times, want 2", d.count())
	}
	p.Return(ctx, pc2)
}

func TestPoolWaitsForReturn(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, PoolConfig{MaxSize: 1, BorrowTimeout: 2 * time.Second}, d)
	ctx := context.Background()

	pc, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Return(ctx, pc)
	}()

	pc2, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if pc2.Conn != pc.Conn {
		t.Error("waiter did not get the returned connection")
	}
	if d.count() != 1 {
		t.Errorf("dialed %d times, want 1", d.count())
	}
	p.Return(ctx, pc2)
}

func TestPoolBorrowTimeout(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, PoolConfig{MaxSize: 1, BorrowTimeout: 50 * time.Millisecond}, d)
	ctx := context.Background()

	pc, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Borrow(ctx, "a"); !errors.Is(err, ErrExhausted) {
		t.Errorf("borrow at capacity: %v, want ErrExhausted", err)
	}
	p.Return(ctx, pc)
}

func TestPoolStaleIdleRedialed(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, PoolConfig{MaxSize: 1, IdleTimeout: 10 * time.Millisecond}, d)
	ctx := context.Background()

	pc, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	p.Return(ctx, pc)
	time.Sleep(30 * time.Millisecond)

	pc2, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if pc2.Conn == pc.Conn {
		t.Error("stale idle connection handed out")
	}
	if d.count() != 2 {
		t.Errorf("dialed %d times, want 2", d.count())
	}
	p.Return(ctx, pc2)
}

func TestPoolMaxLifetime(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, PoolConfig{MaxSize: 1, MaxLifetime: 10 * time.Millisecond}, d)
	ctx := context.Background()

	pc, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	p.Return(ctx, pc)
	time.Sleep(30 * time.Millisecond)

	pc2, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if pc2.Conn == pc.Conn {
		t.Error("connection past its lifetime handed out")
	}
	p.Return(ctx, pc2)
}

func TestPoolInvalidateFreesCapacity(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, PoolConfig{MaxSize: 1, BorrowTimeout: 50 * time.Millisecond}, d)
	ctx := context.Background()

	pc, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	p.Invalidate(pc)
	if !pc.Conn.(*fakeConn).isClosed() {
		t.Error("invalidated connection not closed")
	}

	pc2, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatalf("borrow after invalidate: %v", err)
	}
	if d.count() != 2 {
		t.Errorf("dialed %d times, want 2", d.count())
	}
	p.Return(ctx, pc2)
}

func TestPoolClose(t *testing.T) {
	d := &fakeDialer{}
	cfg := PoolConfig{MaxSize: 2}
	cfg.New = d.dial
	p := NewPool(cfg, log.Logger{})
	ctx := context.Background()

	pc, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	p.Return(ctx, pc)
	p.Close()

	if !pc.Conn.(*fakeConn).isClosed() {
		t.Error("parked connection survived Close")
	}
	if _, err := p.Borrow(ctx, "a"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("borrow after close: %v, want ErrPoolClosed", err)
	}
}

func TestPoolReapOnce(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, PoolConfig{MaxSize: 2, IdleTimeout: time.Minute}, d)
	ctx := context.Background()

	pc, err := p.Borrow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	p.Return(ctx, pc)

	p.reapOnce(time.Now().Add(time.Hour))
	time.Sleep(10 * time.Millisecond)

	if !pc.Conn.(*fakeConn).isClosed() {
		t.Error("stale parked connection survived the reaper")
	}
}
