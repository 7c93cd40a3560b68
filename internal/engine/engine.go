// Package engine runs measurement scenarios against the link manager and
// aggregates their results.
package engine

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/linkbench/internal/clock"
	"github.com/meshcommons/linkbench/internal/link"
	"github.com/meshcommons/linkbench/internal/stats"
	"github.com/meshcommons/linkbench/internal/wire"
)

// Role decides who issues session start/stop. All roles run the same
// scenario primitives.
type Role int

const (
	RoleCoordinator Role = iota
	RolePeer
	RoleObserver
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleObserver:
		return "observer"
	default:
		return "peer"
	}
}

// ParseRole maps a configuration string onto a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "coordinator":
		return RoleCoordinator, nil
	case "peer":
		return RolePeer, nil
	case "observer":
		return RoleObserver, nil
	default:
		return RolePeer, fmt.Errorf("engine: unknown role %q", s)
	}
}

// Status is the scenario state machine: Pending → Running → terminal.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Result is one scenario outcome.
type Result struct {
	Name            string  `json:"name"`
	Status          Status  `json:"status"`
	StartUs         int64   `json:"start_us"`
	EndUs           int64   `json:"end_us"`
	Error           string  `json:"error,omitempty"`
	Iterations      int     `json:"iterations"`
	IterationsTotal int     `json:"iterations_total"`

	LatenciesMs    []float64     `json:"latencies_ms,omitempty"`
	LatencySummary stats.Summary `json:"latency_summary"`
	RSSISamples    []float64     `json:"rssi_samples,omitempty"`

	ThroughputBps     float64 `json:"throughput_bps"`
	LossPercent       float64 `json:"loss_percent"`
	ReliabilityPassed bool    `json:"reliability_passed"`

	DevicesDiscovered int   `json:"devices_discovered"`
	DiscoveryTimeMs   int64 `json:"discovery_time_ms"`
	MaxRangeSteps     int   `json:"max_range_steps"`

	PacketsSent  int `json:"packets_sent"`
	PacketsAcked int `json:"packets_acked"`
	PacketsLost  int `json:"packets_lost"`
}

// DurationMs is the scenario wall time in milliseconds.
func (r *Result) DurationMs() int64 {
	return (r.EndUs - r.StartUs) / 1000
}

// CompletedFunc observes each finished scenario.
type CompletedFunc func(Result)

// ProgressFunc is invoked per iteration during multi-step scenarios.
type ProgressFunc func(name string, done, total int)

// Config holds the engine's scenario defaults, consumed from the
// environment as a flat structure.
type Config struct {
	Role              Role
	DefaultDuration   time.Duration // throughput window, discovery default
	DefaultIterations int           // ping count default
	PingWait          time.Duration // bounded wait for a pong
	SendSpacing       time.Duration // minimum spacing between bulk sends
	AckWait           time.Duration // bounded wait for a DataAck
	PacketInterval    time.Duration // reliability inter-packet interval
	ReliabilityCount  int           // reliability packet count
	RangeSteps        int           // range scenario step count
	RangeProbes       int           // probes per range step
	DiscoveryWindows  []time.Duration
	EnableLogging     bool
}

func (c *Config) applyDefaults() {
	if c.DefaultDuration == 0 {
		c.DefaultDuration = 10 * time.Second
	}
	if c.DefaultIterations == 0 {
		c.DefaultIterations = 100
	}
	if c.PingWait == 0 {
		c.PingWait = 500 * time.Millisecond
	}
	if c.SendSpacing == 0 {
		c.SendSpacing = 2 * time.Millisecond
	}
	if c.AckWait == 0 {
		c.AckWait = time.Second
	}
	if c.PacketInterval == 0 {
		c.PacketInterval = 10 * time.Millisecond
	}
	if c.ReliabilityCount == 0 {
		c.ReliabilityCount = 1000
	}
	if c.RangeSteps == 0 {
		c.RangeSteps = 10
	}
	if c.RangeProbes == 0 {
		c.RangeProbes = 10
	}
	if len(c.DiscoveryWindows) == 0 {
		c.DiscoveryWindows = []time.Duration{5 * time.Second, 10 * time.Second, 2 * time.Second}
	}
}

// Engine owns the result log and drives scenarios. It only reads
// peer/statistics snapshots from the manager, never peer state directly.
type Engine struct {
	cfg Config
	mgr *link.Manager
	log *zap.Logger

	// Result log mutex is independent of the manager's peer-table lock.
	resMu   sync.Mutex
	results []Result

	cbMu      sync.RWMutex
	completed CompletedFunc
	progress  ProgressFunc

	abort  atomic.Bool
	runSeq atomic.Uint32

	// Received TestData bookkeeping for the acknowledgment protocol,
	// keyed by sender so concurrent coordinators with equal run IDs
	// never merge counts.
	ackMu    sync.Mutex
	ackCount map[ackKey]uint32
	ackWait  map[ackKey]chan uint32
}

// ackKey scopes acknowledgment state to one sender's run.
type ackKey struct {
	src wire.Addr
	run uint32
}

// New constructs an Engine and hooks it into the manager's receive path.
func New(cfg Config, mgr *link.Manager, log *zap.Logger) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:      cfg,
		mgr:      mgr,
		log:      log,
		ackCount: make(map[ackKey]uint32),
		ackWait:  make(map[ackKey]chan uint32),
	}
	mgr.OnReceive(e.handleFrame)
	return e
}

// Role returns the configured role.
func (e *Engine) Role() Role { return e.cfg.Role }

// SetCompletedCallback registers the scenario-completion observer.
func (e *Engine) SetCompletedCallback(fn CompletedFunc) {
	e.cbMu.Lock()
	e.completed = fn
	e.cbMu.Unlock()
}

// SetProgressCallback registers the per-iteration observer.
func (e *Engine) SetProgressCallback(fn ProgressFunc) {
	e.cbMu.Lock()
	e.progress = fn
	e.cbMu.Unlock()
}

// Abort cooperatively stops the scenario currently running; the flag is
// checked between iterations, in-flight sends complete.
func (e *Engine) Abort() {
	e.abort.Store(true)
}

// Results returns an immutable snapshot of the result log.
func (e *Engine) Results() []Result {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	out := make([]Result, len(e.results))
	copy(out, e.results)
	return out
}

// Result returns the most recent result with the given name.
func (e *Engine) Result(name string) (Result, bool) {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	for i := len(e.results) - 1; i >= 0; i-- {
		if e.results[i].Name == name {
			return e.results[i], true
		}
	}
	return Result{}, false
}

// ClearResults empties the result log.
func (e *Engine) ClearResults() {
	e.resMu.Lock()
	e.results = nil
	e.resMu.Unlock()
}

// ── Scenario lifecycle ────────────────────────────────────────────────────

func (e *Engine) begin(name string, total int) *Result {
	e.abort.Store(false)
	if e.cfg.EnableLogging {
		e.log.Info("scenario started", zap.String("name", name))
	}
	return &Result{
		Name:            name,
		Status:          StatusRunning,
		StartUs:         clock.Micros(),
		IterationsTotal: total,
	}
}

func (e *Engine) finish(r *Result) {
	r.EndUs = clock.Micros()

	e.resMu.Lock()
	e.results = append(e.results, *r)
	e.resMu.Unlock()

	e.cbMu.RLock()
	fn := e.completed
	e.cbMu.RUnlock()
	if fn != nil {
		fn(*r)
	}

	if e.cfg.EnableLogging {
		e.log.Info("scenario finished",
			zap.String("name", r.Name),
			zap.String("status", r.Status.String()),
			zap.Int64("duration_ms", r.DurationMs()),
			zap.String("error", r.Error),
		)
	}
}

func (e *Engine) reportProgress(name string, done, total int) {
	e.cbMu.RLock()
	fn := e.progress
	e.cbMu.RUnlock()
	if fn != nil {
		fn(name, done, total)
	}
}

// sleepAbortable waits d in small slices so Abort takes effect promptly.
func (e *Engine) sleepAbortable(d time.Duration) {
	const slice = 50 * time.Millisecond
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if e.abort.Load() {
			return
		}
		remain := time.Until(deadline)
		if remain > slice {
			remain = slice
		}
		time.Sleep(remain)
	}
}

// ── Acknowledgment protocol ───────────────────────────────────────────────
//
// Bulk scenarios number their TestData frames under a run ID. The far
// side counts what it actually received and answers an end-of-run
// TestStop carrying that run ID with a DataAck {run ID, count}, so loss
// is computed from the sent/acknowledged delta instead of local send
// success alone.

func (e *Engine) newRunID() uint32 {
	return e.runSeq.Add(1)
}

// handleFrame is attached to the manager's upward delivery path.
func (e *Engine) handleFrame(src wire.Addr, f *wire.Frame) {
	switch f.Kind {
	case wire.KindTestStart:
		e.log.Info("test session start received", zap.String("from", src.String()))

	case wire.KindTestStop:
		if len(f.Payload) < 4 {
			e.log.Info("test session stop received", zap.String("from", src.String()))
			return
		}
		runID := binary.LittleEndian.Uint32(f.Payload[:4])
		key := ackKey{src: src, run: runID}
		e.ackMu.Lock()
		count := e.ackCount[key]
		delete(e.ackCount, key)
		e.ackMu.Unlock()

		var payload [8]byte
		binary.LittleEndian.PutUint32(payload[:4], runID)
		binary.LittleEndian.PutUint32(payload[4:], count)
		if err := e.mgr.Send(src, wire.KindDataAck, payload[:]); err != nil {
			e.log.Warn("data ack send failed", zap.Error(err))
		}

	case wire.KindTestData:
		if len(f.Payload) < 8 {
			return
		}
		runID := binary.LittleEndian.Uint32(f.Payload[:4])
		e.ackMu.Lock()
		e.ackCount[ackKey{src: src, run: runID}]++
		e.ackMu.Unlock()

	case wire.KindDataAck:
		if len(f.Payload) < 8 {
			return
		}
		runID := binary.LittleEndian.Uint32(f.Payload[:4])
		count := binary.LittleEndian.Uint32(f.Payload[4:8])
		key := ackKey{src: src, run: runID}
		e.ackMu.Lock()
		ch, ok := e.ackWait[key]
		if ok {
			delete(e.ackWait, key)
		}
		e.ackMu.Unlock()
		if ok {
			ch <- count
		}
	}
}

// requestAck asks target for its received count of runID and waits for
// the answer up to the configured ack wait.
func (e *Engine) requestAck(target wire.Addr, runID uint32) (int, error) {
	key := ackKey{src: target, run: runID}
	ch := make(chan uint32, 1)
	e.ackMu.Lock()
	e.ackWait[key] = ch
	e.ackMu.Unlock()
	defer func() {
		e.ackMu.Lock()
		delete(e.ackWait, key)
		e.ackMu.Unlock()
	}()

	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], runID)
	if err := e.mgr.Send(target, wire.KindTestStop, payload[:]); err != nil {
		return 0, err
	}

	timer := time.NewTimer(e.cfg.AckWait)
	defer timer.Stop()
	select {
	case count := <-ch:
		return int(count), nil
	case <-timer.C:
		return 0, fmt.Errorf("%w: no ack for run %d", link.ErrTimeout, runID)
	}
}
