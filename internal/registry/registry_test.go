package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ccluster/ccluster/internal/domain"
	"github.com/ccluster/ccluster/internal/wire"
)

// fakeConn records everything sent to it.
type fakeConn struct {
	mu      sync.Mutex
	sent    []any
	closed  bool
	sendErr error
}

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) lastStatus(t *testing.T) *wire.ProducerStatus {
	t.Helper()
	msgs := c.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if s, ok := msgs[i].(*wire.ProducerStatus); ok {
			return s
		}
	}
	t.Fatal("no producer_status received")
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(90*time.Second, time.Hour) // sweeper effectively disabled
	t.Cleanup(r.Destroy)
	return r
}

func TestSingleProducerPerChat(t *testing.T) {
	r := newTestRegistry(t)

	first := &fakeConn{}
	if err := r.RegisterProducer("c-1", first, ProducerInfo{Hostname: "a"}); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	second := &fakeConn{}
	if err := r.RegisterProducer("c-1", second, ProducerInfo{Hostname: "b"}); err == nil {
		t.Fatal("second producer for the same chat should be rejected")
	}

	// The first producer still owns the slot.
	info, ok := r.Producer("c-1")
	if !ok || info.Hostname != "a" {
		t.Errorf("unexpected producer: %+v ok=%v", info, ok)
	}

	// A different chat is an independent slot.
	if err := r.RegisterProducer("c-2", second, ProducerInfo{Hostname: "b"}); err != nil {
		t.Errorf("RegisterProducer other chat: %v", err)
	}
}

func TestViewerGetsSnapshotOnJoin(t *testing.T) {
	r := newTestRegistry(t)

	early := &fakeConn{}
	r.AddViewer("c-1", early)
	if s := early.lastStatus(t); s.Connected {
		t.Error("snapshot before producer should be disconnected")
	}

	p := &fakeConn{}
	if err := r.RegisterProducer("c-1", p, ProducerInfo{Hostname: "box", Mode: domain.ModePlan}); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	late := &fakeConn{}
	r.AddViewer("c-1", late)
	s := late.lastStatus(t)
	if !s.Connected || s.Hostname != "box" || s.Mode != "plan" {
		t.Errorf("unexpected snapshot: %+v", s)
	}
}

func TestRemoveProducerBroadcastsDisconnect(t *testing.T) {
	r := newTestRegistry(t)

	viewer := &fakeConn{}
	r.AddViewer("c-1", viewer)

	p := &fakeConn{}
	if err := r.RegisterProducer("c-1", p, ProducerInfo{}); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}
	if s := viewer.lastStatus(t); !s.Connected {
		t.Error("viewer should see connect broadcast")
	}

	r.RemoveProducer("c-1", p)
	if s := viewer.lastStatus(t); s.Connected {
		t.Error("viewer should see disconnect broadcast")
	}
	if r.IsProducerConnected("c-1") {
		t.Error("producer should be gone")
	}

	// Removing again is harmless.
	r.RemoveProducer("c-1", p)
}

func TestRemoveProducerIgnoresStaleConn(t *testing.T) {
	r := newTestRegistry(t)

	old := &fakeConn{}
	if err := r.RegisterProducer("c-1", old, ProducerInfo{Hostname: "old"}); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}
	r.RemoveProducer("c-1", old)

	fresh := &fakeConn{}
	if err := r.RegisterProducer("c-1", fresh, ProducerInfo{Hostname: "fresh"}); err != nil {
		t.Fatalf("RegisterProducer fresh: %v", err)
	}

	// The old connection's late teardown must not evict the new producer.
	r.RemoveProducer("c-1", old)
	info, ok := r.Producer("c-1")
	if !ok || info.Hostname != "fresh" {
		t.Errorf("fresh producer evicted: %+v ok=%v", info, ok)
	}
}

func TestBroadcastSkipsDeadViewers(t *testing.T) {
	r := newTestRegistry(t)

	dead := &fakeConn{sendErr: errors.New("broken pipe")}
	alive := &fakeConn{}
	r.AddViewer("c-1", dead)
	r.AddViewer("c-1", alive)

	r.BroadcastToViewers("c-1", &wire.UserMessageStored{Type: wire.EventUserMessageStored})

	if len(alive.messages()) == 0 {
		t.Error("live viewer should still receive the broadcast")
	}
}

func TestSendToProducerWithoutProducer(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.SendToProducer("c-1", &wire.Cancel{Type: wire.EventCancel}); err == nil {
		t.Fatal("expected error when no producer is connected")
	}
}

func TestHeartbeatSweepEvictsSilentProducer(t *testing.T) {
	r := New(50*time.Millisecond, 10*time.Millisecond)
	defer r.Destroy()

	viewer := &fakeConn{}
	r.AddViewer("c-1", viewer)

	p := &fakeConn{}
	if err := r.RegisterProducer("c-1", p, ProducerInfo{}); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.IsProducerConnected("c-1") {
		if time.Now().After(deadline) {
			t.Fatal("silent producer was never evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !p.isClosed() {
		t.Error("evicted producer connection should be closed")
	}
	if s := viewer.lastStatus(t); s.Connected {
		t.Error("viewers should see disconnect after eviction")
	}
}

func TestHeartbeatKeepsProducerAlive(t *testing.T) {
	r := New(80*time.Millisecond, 20*time.Millisecond)
	defer r.Destroy()

	p := &fakeConn{}
	if err := r.RegisterProducer("c-1", p, ProducerInfo{}); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	stop := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(stop) {
		r.HandleHeartbeat("c-1", p)
		time.Sleep(20 * time.Millisecond)
	}

	if !r.IsProducerConnected("c-1") {
		t.Error("heartbeating producer should not be evicted")
	}
}

func TestSetModeAndSkillsBroadcast(t *testing.T) {
	r := newTestRegistry(t)

	viewer := &fakeConn{}
	r.AddViewer("c-1", viewer)

	p := &fakeConn{}
	if err := r.RegisterProducer("c-1", p, ProducerInfo{Mode: domain.ModeHumanConfirm}); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	r.SetMode("c-1", domain.ModeAcceptAll)
	if s := viewer.lastStatus(t); s.Mode != "accept_all" {
		t.Errorf("mode not broadcast: %+v", s)
	}

	r.SetSkills("c-1", []domain.Skill{{ID: "commit", Name: "Commit"}})
	s := viewer.lastStatus(t)
	if len(s.Skills) != 1 || s.Skills[0].ID != "commit" {
		t.Errorf("skills not broadcast: %+v", s)
	}
}

func TestDestroyClosesEverything(t *testing.T) {
	r := New(time.Minute, time.Minute)

	p := &fakeConn{}
	v := &fakeConn{}
	if err := r.RegisterProducer("c-1", p, ProducerInfo{}); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}
	r.AddViewer("c-1", v)

	r.Destroy()

	if !p.isClosed() || !v.isClosed() {
		t.Error("all connections should be closed on destroy")
	}
	if r.IsProducerConnected("c-1") {
		t.Error("registry should be empty after destroy")
	}
}
