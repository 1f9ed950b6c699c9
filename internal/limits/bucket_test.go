package limits

import (
	"testing"
	"time"
)

func TestBucketSetPerKey(t *testing.T) {
	set := NewBucketSet(func() L { return NewSemaphore(1) }, time.Minute, 100)
	defer set.Close()

	if !set.TryTake("10.0.0.1") {
		t.Fatal("first take failed")
	}
	if set.TryTake("10.0.0.1") {
		t.Error("take past per-key capacity succeeded")
	}

	// Other keys are unaffected.
	if !set.TryTake("10.0.0.2") {
		t.Error("take for independent key failed")
	}

	set.Release("10.0.0.1")
	if !set.TryTake("10.0.0.1") {
		t.Error("take after release failed")
	}
}

func TestBucketSetNoopWithoutNew(t *testing.T) {
	set := &BucketSet{}
	if !set.TryTake("any") || !set.Take("any") {
		t.Error("no-op set rejected")
	}
	set.Release("any")
}

func TestBucketSetReapsStale(t *testing.T) {
	set := NewBucketSet(func() L { return NewSemaphore(1) }, 5*time.Millisecond, 2)
	defer set.Close()

	set.TryTake("a")
	set.Release("a")
	set.TryTake("b")
	set.Release("b")
	set.TryTake("c")
	set.Release("c")

	time.Sleep(10 * time.Millisecond)

	// The set is past MaxBuckets and everything is stale: this acquire
	// sweeps the old buckets and succeeds.
	if !set.TryTake("d") {
		t.Error("take after reap window failed")
	}
	set.mLck.Lock()
	n := len(set.m)
	set.mLck.Unlock()
	if n != 1 {
		t.Errorf("stale buckets not swept: %d left", n)
	}
}

type stuckL struct{ Semaphore }

func (stuckL) Take() bool    { return false }
func (stuckL) TryTake() bool { return false }

func TestMultiLimitRollback(t *testing.T) {
	sem := NewSemaphore(1)
	ml := &MultiLimit{Wrapped: []L{sem, stuckL{}}}

	if ml.TryTake() {
		t.Fatal("take succeeded with a failing member")
	}
	// The first member's slot must have been rolled back.
	if !sem.TryTake() {
		t.Error("first member still held after rollback")
	}
}
