// Package link implements the Link & Peer Manager: peer membership, the
// discovery protocol, and a reliable-enough send/receive surface over an
// inherently best-effort transport.
package link

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/linkbench/internal/clock"
	"github.com/meshcommons/linkbench/internal/transport"
	"github.com/meshcommons/linkbench/internal/wire"
)

// Config tunes the Manager. Zero values fall back to defaults.
type Config struct {
	SoftPeerLimit         int           // warn-and-continue threshold
	HardPeerLimit         int           // evict least-recently-seen beyond this
	StaleTimeout          time.Duration // Active window for peer snapshots
	QueueDepth            int           // inbound and outbound queue capacity
	EnqueueWait           time.Duration // bounded wait before Send fails Busy
	DiscoveryInterval     time.Duration // cadence between discovery cycles
	DiscoveryBurst        int           // requests per cycle
	DiscoveryBurstSpacing time.Duration // spacing within a cycle
}

func (c *Config) applyDefaults() {
	if c.SoftPeerLimit == 0 {
		c.SoftPeerLimit = 20
	}
	if c.HardPeerLimit == 0 {
		c.HardPeerLimit = 256
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 60 * time.Second
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 20
	}
	if c.EnqueueWait == 0 {
		c.EnqueueWait = time.Second
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = time.Second
	}
	if c.DiscoveryBurst == 0 {
		c.DiscoveryBurst = 3
	}
	if c.DiscoveryBurstSpacing == 0 {
		c.DiscoveryBurstSpacing = 250 * time.Millisecond
	}
}

// PeerFunc is invoked once per newly confirmed or refreshed peer during
// discovery, with a snapshot of the record.
type PeerFunc func(Peer)

// ReceiveFunc is invoked for every decoded application frame.
type ReceiveFunc func(src wire.Addr, f *wire.Frame)

type inboundItem struct {
	src  wire.Addr
	data []byte
	rssi int8
}

type outboundItem struct {
	dst  wire.Addr
	data []byte
	kind wire.Kind
}

// Manager owns the peer table and the send/receive pipelines.
// All exported methods are safe for concurrent use.
type Manager struct {
	cfg Config
	tr  transport.Transport
	log *zap.Logger

	// peers and stats share one mutex; the result log lives elsewhere.
	mu    sync.Mutex
	peers map[wire.Addr]*Peer
	stats Statistics

	seq atomic.Uint32

	inbound  chan inboundItem
	outbound chan outboundItem

	pingMu      sync.Mutex
	pingWaiters map[uint32]chan int64

	cbMu      sync.RWMutex
	onPeer    PeerFunc
	onReceive ReceiveFunc

	initMu      sync.Mutex
	initialized bool
	channel     int
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	discMu        sync.Mutex
	discoveryOn   bool
	discoveryStop chan struct{}
}

// NewManager constructs a Manager over tr. Call Initialize to start it.
func NewManager(cfg Config, tr transport.Transport, log *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:         cfg,
		tr:          tr,
		log:         log,
		peers:       make(map[wire.Addr]*Peer),
		inbound:     make(chan inboundItem, cfg.QueueDepth),
		outbound:    make(chan outboundItem, cfg.QueueDepth),
		pingWaiters: make(map[uint32]chan int64),
	}
}

// Initialize configures the transport for the given channel and starts the
// drain workers. Idempotent: re-initializing is a no-op returning nil.
func (m *Manager) Initialize(channel int) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.initialized {
		m.log.Warn("link: already initialized")
		return nil
	}

	m.tr.OnReceive(m.handleRaw)
	m.tr.OnSendComplete(m.handleSendComplete)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.tr.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	m.cancel = cancel
	m.channel = channel

	m.wg.Add(2)
	go m.inboundWorker(ctx)
	go m.outboundWorker(ctx)

	m.mu.Lock()
	m.stats.SessionStartUs = clock.Micros()
	m.mu.Unlock()

	m.initialized = true
	m.log.Info("link: manager initialized",
		zap.String("local", m.tr.LocalAddr().String()),
		zap.Int("channel", channel),
	)
	return nil
}

// Close stops discovery, the workers, and the transport.
func (m *Manager) Close() error {
	m.StopDiscovery()

	// Flip the liveness flag and drop the lock before waiting: a
	// discovery worker mid-burst re-enters enqueue, which takes initMu,
	// and must be able to fail fast while we wait for it to exit.
	m.initMu.Lock()
	if !m.initialized {
		m.initMu.Unlock()
		return nil
	}
	m.initialized = false
	cancel := m.cancel
	m.initMu.Unlock()

	cancel()
	err := m.tr.Close()
	m.wg.Wait()
	m.log.Info("link: manager closed")
	return err
}

// LocalAddr returns this node's link address.
func (m *Manager) LocalAddr() wire.Addr { return m.tr.LocalAddr() }

// OnPeerDiscovered registers the discovered-peer notification callback.
func (m *Manager) OnPeerDiscovered(fn PeerFunc) {
	m.cbMu.Lock()
	m.onPeer = fn
	m.cbMu.Unlock()
}

// OnReceive registers the upward delivery callback for decoded frames.
func (m *Manager) OnReceive(fn ReceiveFunc) {
	m.cbMu.Lock()
	m.onReceive = fn
	m.cbMu.Unlock()
}

// ── Send pipeline ─────────────────────────────────────────────────────────

// Send validates, stamps, and enqueues a frame for asynchronous
// transmission to dst. Fails with ErrPayloadTooLarge for oversized
// payloads and ErrBusy when the outbound queue stays full past the
// bounded enqueue wait.
func (m *Manager) Send(dst wire.Addr, kind wire.Kind, payload []byte) error {
	return m.enqueue(dst, kind, payload, m.nextSeq())
}

// Broadcast sends to the link-layer broadcast address.
func (m *Manager) Broadcast(kind wire.Kind, payload []byte) error {
	return m.Send(wire.Broadcast, kind, payload)
}

// Ping sends a ping to dst and waits up to wait for the matching pong,
// returning the round-trip time. A missing pong yields ErrTimeout.
func (m *Manager) Ping(dst wire.Addr, wait time.Duration) (time.Duration, error) {
	seq := m.nextSeq()

	ch := make(chan int64, 1)
	m.pingMu.Lock()
	m.pingWaiters[seq] = ch
	m.pingMu.Unlock()
	defer func() {
		m.pingMu.Lock()
		delete(m.pingWaiters, seq)
		m.pingMu.Unlock()
	}()

	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], seq)

	start := clock.Micros()
	if err := m.enqueue(dst, wire.KindPing, payload[:], seq); err != nil {
		return 0, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case at := <-ch:
		return time.Duration(at-start) * time.Microsecond, nil
	case <-timer.C:
		return 0, fmt.Errorf("%w: no pong for seq %d within %v", ErrTimeout, seq, wait)
	}
}

func (m *Manager) nextSeq() uint32 {
	// Wraps silently at 2^32.
	return m.seq.Add(1) - 1
}

func (m *Manager) enqueue(dst wire.Addr, kind wire.Kind, payload []byte, seq uint32) error {
	m.initMu.Lock()
	ok := m.initialized
	m.initMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: not initialized", ErrTransport)
	}

	if len(payload) > wire.MaxPayload {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), wire.MaxPayload)
	}

	data, err := wire.Encode(&wire.Frame{
		Kind:        kind,
		Seq:         seq,
		TimestampUs: clock.Micros(),
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(m.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case m.outbound <- outboundItem{dst: dst, data: data, kind: kind}:
		return nil
	case <-timer.C:
		m.log.Warn("link: send queue full", zap.String("kind", kind.String()))
		return fmt.Errorf("%w: %s to %s", ErrBusy, kind, dst)
	}
}

func (m *Manager) outboundWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-m.outbound:
			if err := m.tr.SendRaw(item.dst, item.data); err != nil {
				// A failed send aborts this item only, never the loop.
				// Loss is counted once, by the transport's completion
				// callback; counting here too would double it.
				m.log.Warn("link: send failed",
					zap.String("dst", item.dst.String()),
					zap.String("kind", item.kind.String()),
					zap.Error(err),
				)
				continue
			}
			m.mu.Lock()
			m.stats.BytesSent += uint64(len(item.data))
			m.mu.Unlock()
		}
	}
}

func (m *Manager) handleSendComplete(dst wire.Addr, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.stats.PacketsSent++
	} else {
		m.stats.PacketsLost++
	}
	if p, exists := m.peers[dst]; exists {
		if ok {
			p.Sent++
		} else {
			p.Lost++
		}
	}
}

// ── Receive pipeline ──────────────────────────────────────────────────────

// handleRaw runs on the transport's receive path; it must stay cheap.
func (m *Manager) handleRaw(src wire.Addr, data []byte, rssi int8) {
	select {
	case m.inbound <- inboundItem{src: src, data: data, rssi: rssi}:
	default:
		m.log.Warn("link: receive queue full, dropping frame",
			zap.String("src", src.String()))
	}
}

func (m *Manager) inboundWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-m.inbound:
			m.processInbound(item)
		}
	}
}

func (m *Manager) processInbound(item inboundItem) {
	f, err := wire.Decode(item.data)
	if err != nil {
		// Receipt of a corrupted frame must be indistinguishable from
		// non-receipt: count it, touch nothing else.
		m.mu.Lock()
		m.stats.ChecksumErrors++
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.stats.PacketsReceived++
	m.stats.BytesReceived += uint64(len(item.data))
	m.mu.Unlock()

	// Peers are created by discovery traffic and pings; any frame from a
	// known address refreshes it.
	create := f.Kind == wire.KindDiscoveryRequest ||
		f.Kind == wire.KindDiscoveryResponse ||
		f.Kind == wire.KindPing
	peer, known := m.touchPeer(item.src, item.rssi, create)

	switch f.Kind {
	case wire.KindDiscoveryRequest:
		m.log.Debug("link: discovery request", zap.String("src", item.src.String()))
		local := m.tr.LocalAddr()
		if err := m.Send(item.src, wire.KindDiscoveryResponse, local[:]); err != nil {
			m.log.Warn("link: discovery response failed", zap.Error(err))
		}
		if known {
			m.notifyPeer(peer)
		}

	case wire.KindDiscoveryResponse:
		m.log.Debug("link: discovery response", zap.String("src", item.src.String()))
		m.mu.Lock()
		m.stats.DiscoveryResponsesReceived++
		m.mu.Unlock()
		// Never reply to a response; that would storm the link.
		if known {
			m.notifyPeer(peer)
		}

	case wire.KindPing:
		// Pong carries the ping's sequence so the sender can correlate.
		var echo [4]byte
		binary.LittleEndian.PutUint32(echo[:], f.Seq)
		if err := m.Send(item.src, wire.KindPong, echo[:]); err != nil {
			m.log.Warn("link: pong failed", zap.Error(err))
		}

	case wire.KindPong:
		if len(f.Payload) >= 4 {
			m.resolvePing(binary.LittleEndian.Uint32(f.Payload[:4]))
		}
	}

	m.cbMu.RLock()
	fn := m.onReceive
	m.cbMu.RUnlock()
	if fn != nil {
		fn(item.src, f)
	}
}

func (m *Manager) resolvePing(seq uint32) {
	m.pingMu.Lock()
	ch, ok := m.pingWaiters[seq]
	if ok {
		delete(m.pingWaiters, seq)
	}
	m.pingMu.Unlock()
	if ok {
		ch <- clock.Micros()
	}
}

func (m *Manager) notifyPeer(p Peer) {
	m.cbMu.RLock()
	fn := m.onPeer
	m.cbMu.RUnlock()
	if fn != nil {
		fn(p)
	}
}

// ── Peer table ────────────────────────────────────────────────────────────

// touchPeer refreshes src's record, creating it when create is set.
// Returns a snapshot and whether the peer is known after the call.
func (m *Manager) touchPeer(src wire.Addr, rssi int8, create bool) (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[src]
	if !ok {
		if !create {
			return Peer{}, false
		}
		if len(m.peers) >= m.cfg.SoftPeerLimit {
			// The transport's real ceiling is what we are here to
			// measure; admit the peer and keep watching.
			m.log.Warn("link: peer count past soft limit",
				zap.Int("count", len(m.peers)+1),
				zap.Int("soft_limit", m.cfg.SoftPeerLimit),
			)
		}
		if len(m.peers) >= m.cfg.HardPeerLimit {
			m.evictOldestLocked()
		}
		p = &Peer{Addr: src}
		m.peers[src] = p
		m.log.Info("link: peer added",
			zap.String("peer", src.String()),
			zap.Int8("rssi", rssi),
		)
	}

	p.LastSeenUs = clock.Micros()
	p.RSSI = rssi
	p.Received++
	return p.snapshot(m.cfg.StaleTimeout), true
}

func (m *Manager) evictOldestLocked() {
	var oldest *Peer
	for _, p := range m.peers {
		if oldest == nil || p.LastSeenUs < oldest.LastSeenUs {
			oldest = p
		}
	}
	if oldest != nil {
		delete(m.peers, oldest.Addr)
		m.log.Warn("link: hard peer limit hit, evicted least recently seen",
			zap.String("peer", oldest.Addr.String()))
	}
}

// Peers returns a snapshot of the peer table.
func (m *Manager) Peers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.snapshot(m.cfg.StaleTimeout))
	}
	return out
}

// PeerCount returns how many peers are currently known.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// PeersByRSSI returns peers whose last observed signal is at least min.
func (m *Manager) PeersByRSSI(min int8) []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Peer
	for _, p := range m.peers {
		if p.RSSI >= min {
			out = append(out, p.snapshot(m.cfg.StaleTimeout))
		}
	}
	return out
}

// StrongestPeer returns the peer with the best signal, if any.
func (m *Manager) StrongestPeer() (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Peer
	for _, p := range m.peers {
		if best == nil || p.RSSI > best.RSSI {
			best = p
		}
	}
	if best == nil {
		return Peer{}, false
	}
	return best.snapshot(m.cfg.StaleTimeout), true
}

// RemovePeer deletes a peer on demand.
func (m *Manager) RemovePeer(addr wire.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[addr]; !ok {
		return false
	}
	delete(m.peers, addr)
	m.log.Info("link: peer removed", zap.String("peer", addr.String()))
	return true
}

// RemoveStalePeers deletes peers not heard from within timeout and
// returns how many were removed. Invoked periodically by the environment.
func (m *Manager) RemoveStalePeers(timeout time.Duration) int {
	now := clock.Micros()
	cutoff := timeout.Microseconds()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for addr, p := range m.peers {
		if now-p.LastSeenUs > cutoff {
			delete(m.peers, addr)
			removed++
			m.log.Info("link: stale peer removed",
				zap.String("peer", addr.String()),
				zap.Duration("idle", time.Duration(now-p.LastSeenUs)*time.Microsecond),
			)
		}
	}
	return removed
}

// ── Discovery ─────────────────────────────────────────────────────────────

// StartDiscovery begins a repeating broadcast of discovery requests, one
// burst per cycle, until duration elapses or StopDiscovery is called.
// duration <= 0 means run until stopped.
func (m *Manager) StartDiscovery(duration time.Duration) error {
	m.initMu.Lock()
	ok := m.initialized
	m.initMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: not initialized", ErrTransport)
	}

	m.discMu.Lock()
	if m.discoveryOn {
		m.discMu.Unlock()
		m.log.Warn("link: discovery already active")
		return nil
	}
	stop := make(chan struct{})
	m.discoveryOn = true
	m.discoveryStop = stop
	m.discMu.Unlock()

	m.log.Info("link: discovery started", zap.Duration("duration", duration))
	m.wg.Add(1)
	go m.discoveryLoop(duration, stop)
	return nil
}

// StopDiscovery signals the discovery worker to exit at the next cadence
// boundary. Idempotent.
func (m *Manager) StopDiscovery() {
	m.discMu.Lock()
	defer m.discMu.Unlock()
	if !m.discoveryOn {
		return
	}
	close(m.discoveryStop)
	m.discoveryOn = false
	m.discoveryStop = nil
	m.log.Info("link: discovery stopped")
}

// DiscoveryActive reports whether the discovery worker is running.
func (m *Manager) DiscoveryActive() bool {
	m.discMu.Lock()
	defer m.discMu.Unlock()
	return m.discoveryOn
}

// SendDiscoveryRequest broadcasts a single discovery request carrying
// this node's address.
func (m *Manager) SendDiscoveryRequest() error {
	local := m.tr.LocalAddr()
	m.mu.Lock()
	m.stats.DiscoveryRequestsSent++
	m.mu.Unlock()
	return m.Broadcast(wire.KindDiscoveryRequest, local[:])
}

func (m *Manager) discoveryLoop(duration time.Duration, stop chan struct{}) {
	defer m.wg.Done()
	defer m.finishDiscovery(stop)

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(m.cfg.DiscoveryInterval)
	defer ticker.Stop()

	m.sendBurst()
	for {
		select {
		case <-stop:
			return
		case <-deadline:
			return
		case <-ticker.C:
			m.sendBurst()
		}
	}
}

// sendBurst runs one full cycle; stop requests take effect at the next
// cadence boundary, never mid-burst.
func (m *Manager) sendBurst() {
	for i := 0; i < m.cfg.DiscoveryBurst; i++ {
		if err := m.SendDiscoveryRequest(); err != nil {
			m.log.Warn("link: discovery request failed", zap.Error(err))
		}
		if i < m.cfg.DiscoveryBurst-1 {
			time.Sleep(m.cfg.DiscoveryBurstSpacing)
		}
	}
}

func (m *Manager) finishDiscovery(stop chan struct{}) {
	m.discMu.Lock()
	defer m.discMu.Unlock()
	// Only clear our own registration; a StopDiscovery/StartDiscovery
	// pair may already have replaced it.
	if m.discoveryStop != nil && m.discoveryStop == stop {
		m.discoveryOn = false
		m.discoveryStop = nil
	}
}

// ── Statistics ────────────────────────────────────────────────────────────

// Statistics returns a copy of the cumulative counters.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ResetStatistics zeroes the counters and restarts the session clock.
func (m *Manager) ResetStatistics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Statistics{SessionStartUs: clock.Micros()}
}
