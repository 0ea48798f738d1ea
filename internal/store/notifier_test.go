package store

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingListener struct {
	changes int32
	deletes int32
	order   []string
	mu      sync.Mutex
}

func (c *countingListener) OnChange(key string, value any) {
	atomic.AddInt32(&c.changes, 1)
	c.mu.Lock()
	c.order = append(c.order, "CHANGE")
	c.mu.Unlock()
}

func (c *countingListener) OnDelete(key string) {
	atomic.AddInt32(&c.deletes, 1)
	c.mu.Lock()
	c.order = append(c.order, "DELETE")
	c.mu.Unlock()
}

func TestNotifierCoalescesBurstOfChanges(t *testing.T) {
	n := NewNotifier(1024)
	defer n.Close()

	l := &countingListener{}
	n.Subscribe("k1", l)

	const burst = 50
	for i := 0; i < burst; i++ {
		n.EnqueueChange("k1", i)
	}

	waitForQuiescence(n)

	got := atomic.LoadInt32(&l.changes)
	if got < 1 || got > burst {
		t.Fatalf("expected between 1 and %d CHANGE callbacks, got %d", burst, got)
	}
}

func TestNotifierChangeThenDeleteDeliversDeleteLast(t *testing.T) {
	n := NewNotifier(1024)
	defer n.Close()

	l := &countingListener{}
	n.Subscribe("k1", l)

	for i := 0; i < 10; i++ {
		n.EnqueueChange("k1", i)
	}
	n.EnqueueDelete("k1")

	waitForQuiescence(n)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 || l.order[len(l.order)-1] != "DELETE" {
		t.Fatalf("expected DELETE to be the last callback, got %v", l.order)
	}
	deletes := atomic.LoadInt32(&l.deletes)
	if deletes != 1 {
		t.Fatalf("expected exactly 1 DELETE callback, got %d", deletes)
	}
}

func TestNotifierDeleteIsBarrierForDedup(t *testing.T) {
	n := NewNotifier(1024)
	defer n.Close()

	l := &countingListener{}
	n.Subscribe("k1", l)

	n.EnqueueChange("k1", 1)
	n.EnqueueDelete("k1")
	n.EnqueueChange("k1", 2) // must not be coalesced into the first CHANGE

	waitForQuiescence(n)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) != 3 {
		t.Fatalf("expected 3 callbacks (CHANGE, DELETE, CHANGE), got %v", l.order)
	}
}

func TestNotifierNoListenersLogsAndReturns(t *testing.T) {
	n := NewNotifier(1024)
	defer n.Close()

	// Should not panic or block even with no subscriber.
	n.EnqueueChange("missing", 1)
	waitForQuiescence(n)
}

func TestNotifierListenerPanicDoesNotStopOthers(t *testing.T) {
	n := NewNotifier(1024)
	defer n.Close()

	panicking := ListenerFunc{Change: func(key string, value any) { panic("boom") }}
	good := &countingListener{}

	n.Subscribe("k1", panicking)
	n.Subscribe("k1", good)

	n.EnqueueChange("k1", 1)
	waitForQuiescence(n)

	if atomic.LoadInt32(&good.changes) != 1 {
		t.Fatalf("expected the second listener to still run after the first panicked")
	}
}

func waitForQuiescence(n *Notifier) {
	deadline := time.Now().Add(2 * time.Second)
	for len(n.tasks) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond) // let the in-flight dispatch finish
}
