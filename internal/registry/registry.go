// Package registry tracks live producer and viewer connections per chat and
// fans producer events out to viewers.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ccluster/ccluster/internal/domain"
	"github.com/ccluster/ccluster/internal/wire"
)

// Conn is the write side of one WebSocket connection. Send must be safe for
// concurrent use.
type Conn interface {
	Send(v any) error
	Close() error
}

// ProducerInfo describes the machine behind a producer connection.
type ProducerInfo struct {
	Hostname    string
	Cwd         string
	ConnectedAt time.Time
	Hitl        bool
	Mode        domain.AgentMode
	Skills      []domain.Skill
}

type producer struct {
	conn          Conn
	info          ProducerInfo
	lastHeartbeat time.Time
}

// Registry holds connection state for every chat. At most one producer may
// be registered per chat; viewers are unbounded.
type Registry struct {
	mu               sync.RWMutex
	producers        map[string]*producer
	viewers          map[string]map[Conn]struct{}
	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
	done             chan struct{}
	closeOnce        sync.Once
}

// New creates a registry and starts the liveness sweeper.
func New(heartbeatTimeout, sweepInterval time.Duration) *Registry {
	r := &Registry{
		producers:        make(map[string]*producer),
		viewers:          make(map[string]map[Conn]struct{}),
		heartbeatTimeout: heartbeatTimeout,
		sweepInterval:    sweepInterval,
		done:             make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// RegisterProducer binds a producer connection to a chat. Fails while
// another producer holds the slot; the caller rejects the connection.
func (r *Registry) RegisterProducer(chatID string, conn Conn, info ProducerInfo) error {
	r.mu.Lock()
	if _, exists := r.producers[chatID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("producer already connected for chat %s", chatID)
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now().UTC()
	}
	r.producers[chatID] = &producer{
		conn:          conn,
		info:          info,
		lastHeartbeat: time.Now(),
	}
	status := r.statusLocked(chatID)
	targets := r.viewerConnsLocked(chatID)
	r.mu.Unlock()

	sendAll(targets, status)
	return nil
}

// RemoveProducer unbinds the producer from a chat and tells viewers it is
// gone. When conn is non-nil the producer is removed only if it still owns
// the slot, so a stale connection's teardown cannot evict its replacement.
// The disconnect broadcast always goes out; it is idempotent for viewers.
func (r *Registry) RemoveProducer(chatID string, conn Conn) {
	r.mu.Lock()
	if p, ok := r.producers[chatID]; ok && (conn == nil || p.conn == conn) {
		delete(r.producers, chatID)
	}
	status := r.statusLocked(chatID)
	targets := r.viewerConnsLocked(chatID)
	r.mu.Unlock()

	sendAll(targets, status)
}

// AddViewer subscribes a viewer to a chat and sends it the current producer
// status so late joiners see the connection state immediately.
func (r *Registry) AddViewer(chatID string, conn Conn) {
	r.mu.Lock()
	if _, ok := r.viewers[chatID]; !ok {
		r.viewers[chatID] = make(map[Conn]struct{})
	}
	r.viewers[chatID][conn] = struct{}{}
	status := r.statusLocked(chatID)
	r.mu.Unlock()

	safeSend(conn, status)
}

// RemoveViewer unsubscribes a viewer. Removing an unknown viewer is a no-op.
func (r *Registry) RemoveViewer(chatID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conns, ok := r.viewers[chatID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.viewers, chatID)
		}
	}
}

// BroadcastToViewers sends v to every viewer of a chat. A failed send never
// aborts delivery to the remaining viewers.
func (r *Registry) BroadcastToViewers(chatID string, v any) {
	r.mu.RLock()
	targets := r.viewerConnsLocked(chatID)
	r.mu.RUnlock()

	sendAll(targets, v)
}

// SendToProducer sends v to the chat's producer, failing when none is
// connected.
func (r *Registry) SendToProducer(chatID string, v any) error {
	r.mu.RLock()
	p, ok := r.producers[chatID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no producer connected for chat %s", chatID)
	}
	return p.conn.Send(v)
}

// IsProducerConnected reports whether a producer holds the chat's slot.
func (r *Registry) IsProducerConnected(chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.producers[chatID]
	return ok
}

// Producer returns the chat's producer info, if one is connected.
func (r *Registry) Producer(chatID string) (ProducerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.producers[chatID]
	if !ok {
		return ProducerInfo{}, false
	}
	return p.info, true
}

// HandleHeartbeat records producer liveness. Heartbeats from a connection
// that no longer owns the slot are ignored.
func (r *Registry) HandleHeartbeat(chatID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.producers[chatID]; ok && p.conn == conn {
		p.lastHeartbeat = time.Now()
	}
}

// SetMode updates the producer's agent mode and re-broadcasts status.
func (r *Registry) SetMode(chatID string, mode domain.AgentMode) {
	r.mu.Lock()
	if p, ok := r.producers[chatID]; ok {
		p.info.Mode = mode
	}
	status := r.statusLocked(chatID)
	targets := r.viewerConnsLocked(chatID)
	r.mu.Unlock()

	sendAll(targets, status)
}

// SetSkills replaces the producer's advertised skills and re-broadcasts
// status.
func (r *Registry) SetSkills(chatID string, skills []domain.Skill) {
	r.mu.Lock()
	if p, ok := r.producers[chatID]; ok {
		p.info.Skills = skills
	}
	status := r.statusLocked(chatID)
	targets := r.viewerConnsLocked(chatID)
	r.mu.Unlock()

	sendAll(targets, status)
}

// Destroy stops the sweeper and closes every connection. The registry must
// not be used afterwards.
func (r *Registry) Destroy() {
	r.closeOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	defer r.mu.Unlock()

	for chatID, p := range r.producers {
		_ = p.conn.Close()
		delete(r.producers, chatID)
	}
	for chatID, conns := range r.viewers {
		for conn := range conns {
			_ = conn.Close()
		}
		delete(r.viewers, chatID)
	}
}

// sweepLoop periodically evicts producers that stopped heartbeating.
func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.Lock()
	var stale []string
	for chatID, p := range r.producers {
		if p.lastHeartbeat.Before(cutoff) {
			stale = append(stale, chatID)
		}
	}
	type eviction struct {
		conn    Conn
		status  *wire.ProducerStatus
		targets []Conn
	}
	evictions := make([]eviction, 0, len(stale))
	for _, chatID := range stale {
		p := r.producers[chatID]
		delete(r.producers, chatID)
		evictions = append(evictions, eviction{
			conn:    p.conn,
			status:  r.statusLocked(chatID),
			targets: r.viewerConnsLocked(chatID),
		})
		slog.Warn("Evicting producer after missed heartbeats", "chatId", chatID)
	}
	r.mu.Unlock()

	for _, e := range evictions {
		_ = e.conn.Close()
		sendAll(e.targets, e.status)
	}
}

// statusLocked composes the producer_status frame for a chat. Callers must
// hold at least a read lock.
func (r *Registry) statusLocked(chatID string) *wire.ProducerStatus {
	p, ok := r.producers[chatID]
	if !ok {
		return &wire.ProducerStatus{Type: wire.EventProducerStatus, Connected: false}
	}
	return &wire.ProducerStatus{
		Type:        wire.EventProducerStatus,
		Connected:   true,
		Hostname:    p.info.Hostname,
		Cwd:         p.info.Cwd,
		ConnectedAt: p.info.ConnectedAt.Format(time.RFC3339),
		Hitl:        p.info.Hitl,
		Mode:        string(p.info.Mode),
		Skills:      p.info.Skills,
	}
}

// viewerConnsLocked snapshots the viewer set so sends happen outside the
// lock. Callers must hold at least a read lock.
func (r *Registry) viewerConnsLocked(chatID string) []Conn {
	conns := r.viewers[chatID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for conn := range conns {
		out = append(out, conn)
	}
	return out
}

func sendAll(targets []Conn, v any) {
	for _, conn := range targets {
		safeSend(conn, v)
	}
}

// safeSend delivers best effort; a dead viewer is cleaned up by its own
// read loop, not here.
func safeSend(conn Conn, v any) {
	if err := conn.Send(v); err != nil {
		slog.Debug("Dropping message to dead connection", "error", err)
	}
}
