package hostbridge

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// client is one websocket subscriber. send is drained by the client's writer goroutine.
type client struct {
	id       string
	encoding Encoding
	types    map[EventType]bool // nil accepts every type
	send     chan Envelope
	dropped  atomic.Int64
}

func (c *client) wants(t EventType) bool {
	return c.types == nil || t == EventHello || c.types[t]
}

// hub fans envelopes out to registered clients. A client that does not keep up
// loses envelopes instead of stalling the publishers.
type hub struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

func newHub(logger *logrus.Logger) *hub {
	return &hub{logger: logger, clients: make(map[string]*client)}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"client":   c.id,
		"encoding": c.encoding,
		"clients":  n,
	}).Info("Bridge client connected")
}

func (h *hub) unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.WithFields(logrus.Fields{
			"client":  id,
			"dropped": c.dropped.Load(),
			"clients": n,
		}).Info("Bridge client disconnected")
	}
}

func (h *hub) broadcast(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.deliverLocked(c, env)
	}
}

// sendTo delivers env to one client. It reports false when the client is gone.
func (h *hub) sendTo(id string, env Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if ok {
		h.deliverLocked(c, env)
	}
	return ok
}

func (h *hub) deliverLocked(c *client, env Envelope) {
	if !c.wants(env.Type) {
		return
	}
	select {
	case c.send <- env:
	default:
		if c.dropped.Add(1) == 1 {
			h.logger.WithFields(logrus.Fields{
				"client": c.id,
				"type":   env.Type,
			}).Warn("Bridge client is slow, dropping envelopes")
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll unregisters every client, ending their writers
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}
