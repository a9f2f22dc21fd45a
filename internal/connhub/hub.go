// Package connhub implements the Connection Multiplexer (spec §4.4): the
// three websocket namespaces (monitor, client, shared observer) plus the
// SSE fallback, full-state snapshot delivery, and per-connection delivery
// used by the Fanout Router.
package connhub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/stakeordie/jobqueue/internal/domain/event"
	"github.com/stakeordie/jobqueue/internal/domain/job"
	"github.com/stakeordie/jobqueue/internal/store"
)

// ClientOps is the slice of the Job Broker the client websocket namespace
// dispatches submit_job/cancel_job/get_job_status onto (spec §4.4).
type ClientOps interface {
	Submit(ctx context.Context, req job.CreateRequest) (string, error)
	Cancel(ctx context.Context, jobID, reason string) error
	GetJob(ctx context.Context, jobID string) (job.Job, error)
}

// sender abstracts the two wire transports a connected recipient may use:
// a websocket connection or an SSE stream (see sse.go).
type sender interface {
	send(v any) error
	close()
}

type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsSender) close() {
	_ = w.conn.Close()
}

// monitorConn is a connected monitor and the topic suffixes it subscribed
// to; spec §4.4 "monitors may filter by topic, or receive everything".
type monitorConn struct {
	id     string
	send   sender
	topics map[string]struct{} // empty set == all topics
}

// accepts implements spec §4.5's topic-filter grammar: an empty set
// matches everything; a non-empty set matches if it contains the literal
// "jobs" token and evt belongs to the job family, or it contains
// "jobs:<suffix>" for evt's specific suffix, or it contains evt's suffix
// verbatim (the non-job topics, e.g. "workers", have no "jobs:" prefix).
func (m *monitorConn) accepts(evt event.Event) bool {
	if len(m.topics) == 0 {
		return true
	}
	if evt.IsJobEvent() {
		if _, ok := m.topics["jobs"]; ok {
			return true
		}
	}
	suffix := evt.TopicSuffix()
	if _, ok := m.topics["jobs:"+suffix]; ok {
		return true
	}
	_, ok := m.topics[suffix]
	return ok
}

// Hub is the concrete Recipients implementation the Fanout Router drives.
type Hub struct {
	log *slog.Logger
	ops ClientOps

	mu         sync.RWMutex
	monitors   map[string]*monitorConn
	clients    map[string]sender            // clientId -> connection
	submitters map[string]string            // jobId -> clientId (process-local binding)
	observers  map[string]map[string]sender // jobId -> observerId -> connection
}

func New(log *slog.Logger, ops ClientOps) *Hub {
	return &Hub{
		log:        log,
		ops:        ops,
		monitors:   make(map[string]*monitorConn),
		clients:    make(map[string]sender),
		submitters: make(map[string]string),
		observers:  make(map[string]map[string]sender),
	}
}

// --- registration -------------------------------------------------------

func (h *Hub) AddMonitor(id string, conn *websocket.Conn, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	h.monitors[id] = &monitorConn{id: id, send: &wsSender{conn: conn}, topics: set}
}

// setMonitorTopics replaces a connected monitor's topic filter in place, per
// spec §4.4's inbound "subscribe" message.
func (h *Hub) setMonitorTopics(id string, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.monitors[id]
	if !ok {
		return
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	m.topics = set
}

func (h *Hub) RemoveMonitor(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.monitors[id]; ok {
		m.send.close()
		delete(h.monitors, id)
	}
}

func (h *Hub) AddClient(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[clientID] = &wsSender{conn: conn}
}

func (h *Hub) RemoveClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.clients[clientID]; ok {
		s.close()
		delete(h.clients, clientID)
	}
	for jobID, bound := range h.submitters {
		if bound == clientID {
			delete(h.submitters, jobID)
		}
	}
}

// BindSubmitter records which client submitted jobID, a process-local,
// non-durable binding per spec §4.4 — it does not survive a restart, and a
// reconnecting client must re-submit or poll to recover state.
func (h *Hub) BindSubmitter(jobID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submitters[jobID] = clientID
}

func (h *Hub) AddObserver(jobID, observerID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.observers[jobID] == nil {
		h.observers[jobID] = make(map[string]sender)
	}
	h.observers[jobID][observerID] = &wsSender{conn: conn}
}

func (h *Hub) AddObserverSender(jobID, observerID string, s sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.observers[jobID] == nil {
		h.observers[jobID] = make(map[string]sender)
	}
	h.observers[jobID][observerID] = s
}

// passthroughSender forwards sends to a connection owned by another
// registry (the clients map) without taking over its lifecycle: close() is
// a no-op because only RemoveClient may tear down a client's connection.
// Used when a client subscribes to a job's progress via subscribe_progress
// (spec §4.4) — the same socket becomes an observer entry without the
// per-job cleanup path (ReleaseJob) being able to sever the client's
// connection out from under its other subscriptions.
type passthroughSender struct{ s sender }

func (p passthroughSender) send(v any) error { return p.s.send(v) }
func (p passthroughSender) close()           {}

// subscribeClientToJob registers clientID as an observer of jobID, reusing
// its existing client connection. Returns false if clientID has no live
// client connection.
func (h *Hub) subscribeClientToJob(jobID, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.clients[clientID]
	if !ok {
		return false
	}
	if h.observers[jobID] == nil {
		h.observers[jobID] = make(map[string]sender)
	}
	h.observers[jobID][clientID] = passthroughSender{s: s}
	return true
}

// unsubscribeClientFromJob removes clientID's progress subscription to
// jobID without touching its underlying connection.
func (h *Hub) unsubscribeClientFromJob(jobID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if obs, ok := h.observers[jobID]; ok {
		delete(obs, clientID)
		if len(obs) == 0 {
			delete(h.observers, jobID)
		}
	}
}

func (h *Hub) RemoveObserver(jobID, observerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if obs, ok := h.observers[jobID]; ok {
		if s, ok := obs[observerID]; ok {
			s.close()
		}
		delete(obs, observerID)
		if len(obs) == 0 {
			delete(h.observers, jobID)
		}
	}
}

// --- fanout.Recipients ----------------------------------------------------

func (h *Hub) BroadcastMonitors(evt event.Event) {
	h.mu.RLock()
	targets := make([]*monitorConn, 0, len(h.monitors))
	for _, m := range h.monitors {
		if m.accepts(evt) {
			targets = append(targets, m)
		}
	}
	h.mu.RUnlock()

	for _, m := range targets {
		if err := m.send.send(evt); err != nil {
			h.logSendError("monitor", m.id, err)
			h.RemoveMonitor(m.id)
		}
	}
}

func (h *Hub) SendToSubmitter(jobID string, evt event.Event) {
	h.mu.RLock()
	clientID, ok := h.submitters[jobID]
	var s sender
	if ok {
		s = h.clients[clientID]
	}
	h.mu.RUnlock()

	if !ok || s == nil {
		return
	}
	if err := s.send(evt); err != nil {
		h.logSendError("client", clientID, err)
		h.RemoveClient(clientID)
	}
}

func (h *Hub) SendToObservers(jobID string, evt event.Event) {
	h.mu.RLock()
	obs := h.observers[jobID]
	targets := make(map[string]sender, len(obs))
	for id, s := range obs {
		targets[id] = s
	}
	h.mu.RUnlock()

	for id, s := range targets {
		if err := s.send(evt); err != nil {
			h.logSendError("observer", id, err)
			h.RemoveObserver(jobID, id)
		}
	}
}

func (h *Hub) ReleaseJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.submitters, jobID)
	if obs, ok := h.observers[jobID]; ok {
		for _, s := range obs {
			s.close()
		}
		delete(h.observers, jobID)
	}
}

// sendToMonitor delivers a reply (ack/error) to a single still-connected
// monitor, used by the inbound dispatch loop in protocol.go.
func (h *Hub) sendToMonitor(id string, v any) {
	h.mu.RLock()
	m, ok := h.monitors[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := m.send.send(v); err != nil {
		h.logSendError("monitor", id, err)
		h.RemoveMonitor(id)
	}
}

// sendToClient delivers a reply (ack/error/job_status) to a single
// still-connected client, used by the inbound dispatch loop in protocol.go.
func (h *Hub) sendToClient(clientID string, v any) {
	h.mu.RLock()
	s, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.send(v); err != nil {
		h.logSendError("client", clientID, err)
		h.RemoveClient(clientID)
	}
}

func (h *Hub) logSendError(kind, id string, err error) {
	if h.log == nil {
		return
	}
	h.log.Warn("connhub: send failed, dropping connection", "kind", kind, "id", id, "err", err)
}

// SnapshotSource is implemented by internal/store.SnapshotBuilder; kept as
// an interface so Hub's constructor doesn't have to know how a snapshot is
// assembled, only that one can be.
type SnapshotSource interface {
	BuildSnapshot(ctx context.Context) (store.Snapshot, error)
}
