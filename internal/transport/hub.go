package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshcommons/linkbench/internal/wire"
)

// Hub is an in-memory broadcast segment connecting HubTransport nodes.
// It exists for tests and multi-node simulation: delivery is synchronous
// and lossless unless a drop filter is installed.
type Hub struct {
	mu    sync.RWMutex
	nodes map[wire.Addr]*HubTransport
	// drop, when set, is consulted per delivery; returning true drops
	// the frame on the floor like a lossy link would.
	drop func(src, dst wire.Addr) bool
}

// NewHub constructs an empty segment.
func NewHub() *Hub {
	return &Hub{nodes: make(map[wire.Addr]*HubTransport)}
}

// SetDropFilter installs fn as the per-delivery loss model. A nil fn
// restores lossless delivery.
func (h *Hub) SetDropFilter(fn func(src, dst wire.Addr) bool) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

// Attach creates a node on the segment with the given address and RSSI
// as observed by its neighbours.
func (h *Hub) Attach(addr wire.Addr, rssi int8) *HubTransport {
	t := &HubTransport{hub: h, addr: addr, rssi: rssi}
	h.mu.Lock()
	h.nodes[addr] = t
	h.mu.Unlock()
	return t
}

// Detach removes a node from the segment.
func (h *Hub) Detach(addr wire.Addr) {
	h.mu.Lock()
	delete(h.nodes, addr)
	h.mu.Unlock()
}

func (h *Hub) deliver(src wire.Addr, dst wire.Addr, data []byte) bool {
	h.mu.RLock()
	drop := h.drop
	var targets []*HubTransport
	if dst.IsBroadcast() {
		for addr, n := range h.nodes {
			if addr != src {
				targets = append(targets, n)
			}
		}
	} else if n, ok := h.nodes[dst]; ok {
		targets = append(targets, n)
	}
	h.mu.RUnlock()

	delivered := false
	for _, n := range targets {
		if drop != nil && drop(src, n.addr) {
			continue
		}
		n.receive(src, data)
		delivered = true
	}
	return delivered || dst.IsBroadcast()
}

// HubTransport is one node's attachment to a Hub.
type HubTransport struct {
	hub  *Hub
	addr wire.Addr
	rssi int8

	mu         sync.Mutex
	started    bool
	closed     bool
	onReceive  ReceiveFunc
	onComplete SendCompleteFunc
}

func (t *HubTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("hub transport: closed")
	}
	t.started = true
	return nil
}

func (t *HubTransport) SendRaw(dst wire.Addr, data []byte) error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return fmt.Errorf("hub transport: not started")
	}
	complete := t.onComplete
	t.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	ok := t.hub.deliver(t.addr, dst, buf)
	if complete != nil {
		complete(dst, ok)
	}
	return nil
}

func (t *HubTransport) OnReceive(fn ReceiveFunc) {
	t.mu.Lock()
	t.onReceive = fn
	t.mu.Unlock()
}

func (t *HubTransport) OnSendComplete(fn SendCompleteFunc) {
	t.mu.Lock()
	t.onComplete = fn
	t.mu.Unlock()
}

func (t *HubTransport) LocalAddr() wire.Addr { return t.addr }

func (t *HubTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.started = false
	t.mu.Unlock()
	t.hub.Detach(t.addr)
	return nil
}

func (t *HubTransport) receive(src wire.Addr, data []byte) {
	t.mu.Lock()
	fn := t.onReceive
	started := t.started
	rssi := t.rssi
	t.mu.Unlock()
	if started && fn != nil {
		fn(src, data, rssi)
	}
}
