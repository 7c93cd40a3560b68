package engine

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/linkbench/internal/link"
	"github.com/meshcommons/linkbench/internal/transport"
	"github.com/meshcommons/linkbench/internal/wire"
)

func addrOf(last byte) wire.Addr {
	return wire.Addr{0x02, 0, 0, 0, 0, last}
}

// newTestEngine attaches a node to the hub and wires a manager plus an
// engine on top of it, so the node both answers pings and acknowledges
// bulk test data.
func newTestEngine(t *testing.T, hub *transport.Hub, last byte, lcfg link.Config, ecfg Config) (*Engine, *link.Manager) {
	t.Helper()
	tr := hub.Attach(addrOf(last), -40)
	m := link.NewManager(lcfg, tr, zap.NewNop())
	if err := m.Initialize(36); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return New(ecfg, m, zap.NewNop()), m
}

func TestLatencyScenarioAgainstResponder(t *testing.T) {
	hub := transport.NewHub()
	e, _ := newTestEngine(t, hub, 1, link.Config{}, Config{Role: RoleCoordinator, PingWait: 500 * time.Millisecond})
	_, b := newTestEngine(t, hub, 2, link.Config{}, Config{Role: RolePeer})

	const pings = 5
	r := e.RunLatencyScenario("latency/ping", b.LocalAddr(), pings)

	if r.Status != StatusCompleted {
		t.Fatalf("Status = %v, want Completed (error %q)", r.Status, r.Error)
	}
	if len(r.LatenciesMs) != pings {
		t.Errorf("len(LatenciesMs) = %d, want %d", len(r.LatenciesMs), pings)
	}
	if r.PacketsLost != 0 || r.LossPercent != 0 {
		t.Errorf("PacketsLost = %d, LossPercent = %v, want 0, 0", r.PacketsLost, r.LossPercent)
	}
	if r.Iterations != pings {
		t.Errorf("Iterations = %d, want %d", r.Iterations, pings)
	}
	if r.LatencySummary.Count != pings {
		t.Errorf("LatencySummary.Count = %d, want %d", r.LatencySummary.Count, pings)
	}
	for i, l := range r.LatenciesMs {
		if l < 0 {
			t.Errorf("LatenciesMs[%d] = %v, want >= 0", i, l)
		}
	}
}

func TestLatencyScenarioAllLost(t *testing.T) {
	hub := transport.NewHub()
	e, _ := newTestEngine(t, hub, 1, link.Config{}, Config{Role: RoleCoordinator, PingWait: 30 * time.Millisecond})
	newTestEngine(t, hub, 2, link.Config{}, Config{Role: RolePeer})

	hub.SetDropFilter(func(src, dst wire.Addr) bool { return true })

	const pings = 3
	r := e.RunLatencyScenario("latency/ping", addrOf(2), pings)

	if r.Status != StatusFailed {
		t.Fatalf("Status = %v, want Failed", r.Status)
	}
	if r.PacketsLost != pings {
		t.Errorf("PacketsLost = %d, want %d", r.PacketsLost, pings)
	}
	if r.LossPercent != 100 {
		t.Errorf("LossPercent = %v, want 100", r.LossPercent)
	}
	if len(r.LatenciesMs) != 0 {
		t.Errorf("len(LatenciesMs) = %d, want 0", len(r.LatenciesMs))
	}
}

func TestThroughputScenarioFullyAcked(t *testing.T) {
	hub := transport.NewHub()
	lcfg := link.Config{QueueDepth: 512}
	e, _ := newTestEngine(t, hub, 1, lcfg, Config{
		Role:        RoleCoordinator,
		SendSpacing: time.Millisecond,
		AckWait:     time.Second,
	})
	newTestEngine(t, hub, 2, lcfg, Config{Role: RolePeer})

	r := e.RunThroughputScenario("throughput/small", addrOf(2), 150*time.Millisecond, 64)

	if r.Status != StatusCompleted {
		t.Fatalf("Status = %v, want Completed (error %q)", r.Status, r.Error)
	}
	if r.PacketsSent == 0 {
		t.Fatal("PacketsSent = 0, want > 0")
	}
	if r.PacketsAcked != r.PacketsSent {
		t.Errorf("PacketsAcked = %d, want %d", r.PacketsAcked, r.PacketsSent)
	}
	if r.LossPercent != 0 {
		t.Errorf("LossPercent = %v, want 0", r.LossPercent)
	}
	if r.ThroughputBps <= 0 {
		t.Errorf("ThroughputBps = %v, want > 0", r.ThroughputBps)
	}
}

// newDataDropFilter drops the first n unicast frames delivered to dst
// and passes everything else.
func newDataDropFilter(dst wire.Addr, n int) func(src, d wire.Addr) bool {
	var mu sync.Mutex
	seen := 0
	return func(_, d wire.Addr) bool {
		if d != dst {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if seen < n {
			seen++
			return true
		}
		return false
	}
}

func TestReliabilityLossBelowThresholdPasses(t *testing.T) {
	hub := transport.NewHub()
	lcfg := link.Config{QueueDepth: 4096}
	e, _ := newTestEngine(t, hub, 1, lcfg, Config{Role: RoleCoordinator, AckWait: time.Second})
	newTestEngine(t, hub, 2, lcfg, Config{Role: RolePeer})

	// 9 of 1000 dropped: 0.9% loss, just under the pass threshold.
	hub.SetDropFilter(newDataDropFilter(addrOf(2), 9))

	r := e.RunReliabilityScenario("reliability/sequence", addrOf(2), 1000, 0)

	if r.Status != StatusCompleted {
		t.Fatalf("Status = %v, want Completed (error %q)", r.Status, r.Error)
	}
	if r.PacketsSent != 1000 {
		t.Fatalf("PacketsSent = %d, want 1000", r.PacketsSent)
	}
	if r.PacketsAcked != 991 {
		t.Fatalf("PacketsAcked = %d, want 991", r.PacketsAcked)
	}
	if r.LossPercent != 0.9 {
		t.Errorf("LossPercent = %v, want 0.9", r.LossPercent)
	}
	if !r.ReliabilityPassed {
		t.Error("ReliabilityPassed = false, want true at 0.9%% loss")
	}
}

func TestReliabilityLossAtThresholdFails(t *testing.T) {
	hub := transport.NewHub()
	lcfg := link.Config{QueueDepth: 4096}
	e, _ := newTestEngine(t, hub, 1, lcfg, Config{Role: RoleCoordinator, AckWait: time.Second})
	newTestEngine(t, hub, 2, lcfg, Config{Role: RolePeer})

	// Exactly 1.0% loss must not pass; the threshold is strict.
	hub.SetDropFilter(newDataDropFilter(addrOf(2), 10))

	r := e.RunReliabilityScenario("reliability/sequence", addrOf(2), 1000, 0)

	if r.PacketsAcked != 990 {
		t.Fatalf("PacketsAcked = %d, want 990", r.PacketsAcked)
	}
	if r.LossPercent != 1.0 {
		t.Errorf("LossPercent = %v, want 1.0", r.LossPercent)
	}
	if r.ReliabilityPassed {
		t.Error("ReliabilityPassed = true, want false at exactly 1.0%% loss")
	}
	if r.Status != StatusCompleted {
		t.Errorf("Status = %v, want Completed; a failed threshold is still a completed run", r.Status)
	}
}

func TestReliabilityWithoutAckReportsTotalLoss(t *testing.T) {
	hub := transport.NewHub()
	e, _ := newTestEngine(t, hub, 1, link.Config{}, Config{Role: RoleCoordinator, AckWait: 50 * time.Millisecond})

	// The far side exists at the link layer only; nothing answers the
	// acknowledgment request.
	tr := hub.Attach(addrOf(2), -40)
	m := link.NewManager(link.Config{}, tr, zap.NewNop())
	if err := m.Initialize(36); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })

	r := e.RunReliabilityScenario("reliability/sequence", addrOf(2), 5, 0)

	if r.PacketsAcked != 0 {
		t.Errorf("PacketsAcked = %d, want 0", r.PacketsAcked)
	}
	if r.LossPercent != 100 {
		t.Errorf("LossPercent = %v, want 100", r.LossPercent)
	}
	if r.ReliabilityPassed {
		t.Error("ReliabilityPassed = true, want false")
	}
}

func TestDiscoveryScenarioCountsNewPeers(t *testing.T) {
	hub := transport.NewHub()
	lcfg := link.Config{
		DiscoveryInterval:     50 * time.Millisecond,
		DiscoveryBurstSpacing: 10 * time.Millisecond,
	}
	e, _ := newTestEngine(t, hub, 1, lcfg, Config{Role: RoleCoordinator})
	for last := byte(2); last <= 4; last++ {
		newTestEngine(t, hub, last, link.Config{}, Config{Role: RolePeer})
	}

	r := e.RunDiscoveryScenario("discovery/basic", 300*time.Millisecond)

	if r.Status != StatusCompleted {
		t.Fatalf("Status = %v, want Completed (error %q)", r.Status, r.Error)
	}
	if r.DevicesDiscovered != 3 {
		t.Errorf("DevicesDiscovered = %d, want 3", r.DevicesDiscovered)
	}
	if r.DiscoveryTimeMs < 300 {
		t.Errorf("DiscoveryTimeMs = %d, want >= 300", r.DiscoveryTimeMs)
	}
}

func TestPerformanceSuiteWithoutPeers(t *testing.T) {
	hub := transport.NewHub()
	e, _ := newTestEngine(t, hub, 1, link.Config{}, Config{Role: RoleCoordinator})

	err := e.RunPerformanceSuite()
	if !errors.Is(err, link.ErrNoPeerAvailable) {
		t.Fatalf("RunPerformanceSuite() error = %v, want ErrNoPeerAvailable", err)
	}
	if got := len(e.Results()); got != 0 {
		t.Errorf("len(Results()) = %d, want 0; no scenario may run without a target", got)
	}
}

func TestFullSuiteAgainstResponder(t *testing.T) {
	hub := transport.NewHub()
	lcfg := link.Config{
		QueueDepth:            512,
		DiscoveryInterval:     50 * time.Millisecond,
		DiscoveryBurstSpacing: 10 * time.Millisecond,
	}
	e, _ := newTestEngine(t, hub, 1, lcfg, Config{
		Role:              RoleCoordinator,
		DefaultDuration:   100 * time.Millisecond,
		DefaultIterations: 3,
		PingWait:          200 * time.Millisecond,
		SendSpacing:       time.Millisecond,
		PacketInterval:    time.Millisecond,
		ReliabilityCount:  10,
		RangeSteps:        1,
		RangeProbes:       2,
		DiscoveryWindows:  []time.Duration{150 * time.Millisecond},
	})
	newTestEngine(t, hub, 2, lcfg, Config{Role: RolePeer})

	if err := e.RunFullSuite(); err != nil {
		t.Fatalf("RunFullSuite() error = %v", err)
	}

	results := e.Results()
	// One discovery window plus latency, two throughput runs,
	// reliability, and range.
	if len(results) != 6 {
		t.Fatalf("len(Results()) = %d, want 6", len(results))
	}
	passed, failed := e.Summary()
	if failed != 0 || passed != 6 {
		t.Errorf("Summary() = (%d, %d), want (6, 0)", passed, failed)
	}

	rng, ok := e.Result("range/steps")
	if !ok {
		t.Fatal("Result(range/steps) missing")
	}
	if rng.MaxRangeSteps != 1 {
		t.Errorf("MaxRangeSteps = %d, want 1", rng.MaxRangeSteps)
	}
	rel, ok := e.Result("reliability/sequence")
	if !ok {
		t.Fatal("Result(reliability/sequence) missing")
	}
	if !rel.ReliabilityPassed {
		t.Error("ReliabilityPassed = false, want true on a lossless segment")
	}
}

func TestResultLog(t *testing.T) {
	hub := transport.NewHub()
	e, _ := newTestEngine(t, hub, 1, link.Config{
		DiscoveryInterval: 50 * time.Millisecond,
	}, Config{Role: RoleCoordinator})

	first := e.RunDiscoveryScenario("discovery/basic", 20*time.Millisecond)
	second := e.RunDiscoveryScenario("discovery/basic", 20*time.Millisecond)

	got, ok := e.Result("discovery/basic")
	if !ok {
		t.Fatal("Result() did not find the scenario")
	}
	if got.StartUs != second.StartUs {
		t.Errorf("Result() StartUs = %d, want the most recent run %d", got.StartUs, second.StartUs)
	}
	if first.StartUs == second.StartUs {
		t.Error("runs share a start timestamp")
	}
	if len(e.Results()) != 2 {
		t.Errorf("len(Results()) = %d, want 2", len(e.Results()))
	}

	e.ClearResults()
	if len(e.Results()) != 0 {
		t.Errorf("len(Results()) = %d after ClearResults, want 0", len(e.Results()))
	}
	if _, ok := e.Result("discovery/basic"); ok {
		t.Error("Result() found a scenario after ClearResults")
	}
}

func TestAbortStopsRunningScenario(t *testing.T) {
	hub := transport.NewHub()
	e, _ := newTestEngine(t, hub, 1, link.Config{}, Config{Role: RoleCoordinator, PingWait: 30 * time.Millisecond})

	const pings = 200
	done := make(chan Result, 1)
	go func() {
		// Target is not attached to the hub; every ping times out.
		done <- e.RunLatencyScenario("latency/ping", addrOf(9), pings)
	}()

	time.Sleep(100 * time.Millisecond)
	e.Abort()

	select {
	case r := <-done:
		if r.Iterations >= pings {
			t.Errorf("Iterations = %d, want < %d after abort", r.Iterations, pings)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scenario did not stop after Abort()")
	}
}

func TestProgressAndCompletedCallbacks(t *testing.T) {
	hub := transport.NewHub()
	e, _ := newTestEngine(t, hub, 1, link.Config{}, Config{Role: RoleCoordinator, PingWait: 200 * time.Millisecond})
	_, b := newTestEngine(t, hub, 2, link.Config{}, Config{Role: RolePeer})

	var mu sync.Mutex
	var ticks []int
	var completed []Result
	e.SetProgressCallback(func(name string, done, total int) {
		mu.Lock()
		ticks = append(ticks, done)
		mu.Unlock()
	})
	e.SetCompletedCallback(func(r Result) {
		mu.Lock()
		completed = append(completed, r)
		mu.Unlock()
	})

	const pings = 3
	e.RunLatencyScenario("latency/ping", b.LocalAddr(), pings)

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != pings {
		t.Fatalf("progress calls = %d, want %d", len(ticks), pings)
	}
	for i, tick := range ticks {
		if tick != i+1 {
			t.Errorf("ticks[%d] = %d, want %d", i, tick, i+1)
		}
	}
	if len(completed) != 1 || completed[0].Name != "latency/ping" {
		t.Errorf("completed = %+v, want one latency/ping result", completed)
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"coordinator", RoleCoordinator, false},
		{"peer", RolePeer, false},
		{"observer", RoleObserver, false},
		{"COORDINATOR", RoleCoordinator, false},
		{"router", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseRole(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDiscoveryScenarioPreservesContinuousDiscovery(t *testing.T) {
	hub := transport.NewHub()
	lcfg := link.Config{
		DiscoveryInterval:     20 * time.Millisecond,
		DiscoveryBurstSpacing: 5 * time.Millisecond,
	}
	e, mgr := newTestEngine(t, hub, 1, lcfg, Config{Role: RoleCoordinator})
	newTestEngine(t, hub, 2, link.Config{}, Config{Role: RolePeer})

	// The always-on worker a deployment starts at boot.
	if err := mgr.StartDiscovery(0); err != nil {
		t.Fatalf("StartDiscovery() error = %v", err)
	}

	r := e.RunDiscoveryScenario("discovery/basic", 50*time.Millisecond)
	if r.Status != StatusCompleted {
		t.Fatalf("Status = %v, want Completed (error %q)", r.Status, r.Error)
	}
	if !mgr.DiscoveryActive() {
		t.Error("continuous discovery stopped by a scenario that does not own it")
	}
}

func TestAckCountsKeyedBySender(t *testing.T) {
	hub := transport.NewHub()
	e, _ := newTestEngine(t, hub, 1, link.Config{}, Config{Role: RolePeer})

	// Two coordinators whose run sequences both start at 1 hit the same
	// responder with equal run IDs; their counts must stay separate.
	const runID = 1
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[:4], runID)

	a, b := addrOf(2), addrOf(3)
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(payload[4:], uint32(i))
		e.handleFrame(a, &wire.Frame{Kind: wire.KindTestData, Payload: payload})
	}
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint32(payload[4:], uint32(i))
		e.handleFrame(b, &wire.Frame{Kind: wire.KindTestData, Payload: payload})
	}

	e.ackMu.Lock()
	defer e.ackMu.Unlock()
	if got := e.ackCount[ackKey{src: a, run: runID}]; got != 3 {
		t.Errorf("count for first sender = %d, want 3", got)
	}
	if got := e.ackCount[ackKey{src: b, run: runID}]; got != 2 {
		t.Errorf("count for second sender = %d, want 2", got)
	}
}
