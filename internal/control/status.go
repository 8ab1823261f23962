package control

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/NodePath81/rtpqos/internal/reporter"
	"github.com/NodePath81/rtpqos/internal/sources"
)

const statusSchemaVersion = 1

type statusMessage struct {
	SchemaVersion int                 `json:"schema_version"`
	Type          string              `json:"type"`
	Timestamp     int64               `json:"timestamp"`
	SessionID     string              `json:"session_id,omitempty"`
	Report        *reporter.Report    `json:"report,omitempty"`
	Sources       []sources.Entry     `json:"sources,omitempty"`
	Error         *statusErrorPayload `json:"error,omitempty"`
}

type statusErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusStore keeps the latest report for polling clients and fans every
// report out to websocket subscribers.
type StatusStore struct {
	mu      sync.RWMutex
	latest  *reporter.Report
	hub     *StatusHub
	sources *sources.Tracker
}

// NewStatusStore builds a store; sources may be nil.
func NewStatusStore(hub *StatusHub, src *sources.Tracker) *StatusStore {
	return &StatusStore{hub: hub, sources: src}
}

// Publish is registered as a reporter hook.
func (s *StatusStore) Publish(r reporter.Report) {
	s.mu.Lock()
	s.latest = &r
	s.mu.Unlock()
	s.hub.Broadcast(statusMessage{
		SchemaVersion: statusSchemaVersion,
		Type:          "report",
		Timestamp:     r.Time.UnixMilli(),
		SessionID:     r.SessionID,
		Report:        &r,
	})
}

// Latest returns the last published report.
func (s *StatusStore) Latest() (reporter.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return reporter.Report{}, false
	}
	return *s.latest, true
}

// Reset drops the latest report, used when a new session starts.
func (s *StatusStore) Reset() {
	s.mu.Lock()
	s.latest = nil
	s.mu.Unlock()
}

func (s *StatusStore) Sources() []sources.Entry {
	if s.sources == nil {
		return nil
	}
	return s.sources.Snapshot()
}

func (s *StatusStore) snapshot(now time.Time) statusMessage {
	msg := statusMessage{
		SchemaVersion: statusSchemaVersion,
		Type:          "snapshot",
		Timestamp:     now.UnixMilli(),
		Sources:       s.Sources(),
	}
	if r, ok := s.Latest(); ok {
		msg.SessionID = r.SessionID
		msg.Report = &r
	}
	return msg
}

type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func newStatusClient() *statusClient {
	return &statusClient{send: make(chan []byte, 32)}
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				// Slow subscribers miss reports rather than stall the hub.
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *StatusHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast never blocks the reporter; a full hub queue drops the message.
func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
