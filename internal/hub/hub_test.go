package hub

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/serenmed/telecare/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	events []domain.Event
	closed bool
	fail   bool
}

func (c *fakeConn) Send(event domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send failed")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestHub_RegisterMarksOnline(t *testing.T) {
	h := New()
	conn := &fakeConn{}

	if h.IsOnline("alice") {
		t.Fatal("expected alice offline before register")
	}

	h.Register("alice", "device-1", conn)

	if !h.IsOnline("alice") {
		t.Error("expected alice online after register")
	}
}

func TestHub_UnregisterLastConnectionMarksOffline(t *testing.T) {
	h := New()
	conn1 := &fakeConn{}
	conn2 := &fakeConn{}

	h.Register("alice", "phone", conn1)
	h.Register("alice", "laptop", conn2)

	h.Unregister("alice", "phone", conn1)
	if !h.IsOnline("alice") {
		t.Error("expected alice online while laptop connection remains")
	}

	h.Unregister("alice", "laptop", conn2)
	if h.IsOnline("alice") {
		t.Error("expected alice offline after last connection removed")
	}
}

func TestHub_UnregisterStaleConnIsNoop(t *testing.T) {
	h := New()
	old := &fakeConn{}
	replacement := &fakeConn{}

	h.Register("alice", "phone", old)
	h.Register("alice", "phone", replacement)

	// The stale teardown path must not remove the replacement.
	h.Unregister("alice", "phone", old)

	if !h.IsOnline("alice") {
		t.Error("expected replacement connection to survive stale unregister")
	}
	if !old.closed {
		t.Error("expected replaced connection to be closed")
	}
}

func TestHub_PublishReachesAllDevices(t *testing.T) {
	h := New()
	phone := &fakeConn{}
	laptop := &fakeConn{}
	other := &fakeConn{}

	h.Register("alice", "phone", phone)
	h.Register("alice", "laptop", laptop)
	h.Register("carol", "phone", other)

	event := domain.MessageEvent(&domain.Message{ID: "m1", ChatID: "c1", Sequence: 1})
	h.Publish([]string{"alice", "bob"}, event)

	if phone.received() != 1 || laptop.received() != 1 {
		t.Errorf("expected both alice devices to receive event, got %d and %d", phone.received(), laptop.received())
	}
	if other.received() != 0 {
		t.Errorf("expected carol to receive nothing, got %d", other.received())
	}
}

func TestHub_PublishToOfflineUserIsDropped(t *testing.T) {
	h := New()
	// No registrations at all. Publish must not panic or block.
	h.Publish([]string{"ghost"}, domain.Event{Kind: domain.EventSessionCreated})
}

func TestHub_PublishSurvivesFailingConn(t *testing.T) {
	h := New()
	broken := &fakeConn{fail: true}
	healthy := &fakeConn{}

	h.Register("alice", "phone", broken)
	h.Register("bob", "phone", healthy)

	h.Publish([]string{"alice", "bob"}, domain.Event{Kind: domain.EventMessageCreated})

	if healthy.received() != 1 {
		t.Errorf("expected healthy connection to receive event, got %d", healthy.received())
	}
}

func TestHub_CloseUser(t *testing.T) {
	h := New()
	conn := &fakeConn{}
	h.Register("alice", "phone", conn)

	h.CloseUser("alice")

	if h.IsOnline("alice") {
		t.Error("expected alice offline after CloseUser")
	}
	if !conn.closed {
		t.Error("expected connection closed")
	}
}

func TestHub_ConcurrentAccess(t *testing.T) {
	h := New()
	userID := "concurrentUser"

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			h.Register(userID, "conn-"+strconv.Itoa(i), &fakeConn{})
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			h.Publish([]string{userID}, domain.Event{Kind: domain.EventMessageCreated})
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			h.IsOnline(userID)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent hub access deadlocked")
	}
}
