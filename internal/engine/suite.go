package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/meshcommons/linkbench/internal/link"
	"github.com/meshcommons/linkbench/internal/wire"
)

// StartSession announces a test session. Only the coordinator broadcasts
// the start signal; other roles simply mark themselves ready.
func (e *Engine) StartSession() error {
	e.log.Info("test session starting", zap.String("role", e.cfg.Role.String()))
	if e.cfg.Role != RoleCoordinator {
		return nil
	}
	return e.mgr.Broadcast(wire.KindTestStart, nil)
}

// StopSession announces the end of a test session.
func (e *Engine) StopSession() error {
	e.log.Info("test session stopping", zap.String("role", e.cfg.Role.String()))
	if e.cfg.Role != RoleCoordinator {
		return nil
	}
	return e.mgr.Broadcast(wire.KindTestStop, nil)
}

// RunDiscoverySuite runs the discovery scenarios back to back with
// varying windows. Individual failures are recorded, never propagated.
func (e *Engine) RunDiscoverySuite() {
	e.log.Info("discovery suite starting")
	names := []string{"discovery/basic", "discovery/extended", "discovery/fast"}
	for i, window := range e.cfg.DiscoveryWindows {
		name := fmt.Sprintf("discovery/window-%d", i)
		if i < len(names) {
			name = names[i]
		}
		e.RunDiscoveryScenario(name, window)
	}
}

// RunPerformanceSuite runs latency, throughput (small and large
// payload), reliability, and range against the first known peer.
// Fails fast with ErrNoPeerAvailable when the peer table is empty.
func (e *Engine) RunPerformanceSuite() error {
	peers := e.mgr.Peers()
	if len(peers) == 0 {
		e.log.Warn("no peers available for performance suite")
		return fmt.Errorf("performance suite: %w", link.ErrNoPeerAvailable)
	}
	target := peers[0].Addr
	e.log.Info("performance suite starting", zap.String("target", target.String()))

	e.RunLatencyScenario("latency/ping", target, e.cfg.DefaultIterations)
	e.RunThroughputScenario("throughput/small", target, e.cfg.DefaultDuration, 64)
	e.RunThroughputScenario("throughput/large", target, e.cfg.DefaultDuration, 200)
	e.RunReliabilityScenario("reliability/sequence", target, e.cfg.ReliabilityCount, e.cfg.PacketInterval)
	e.RunRangeScenario("range/steps", target, e.cfg.RangeSteps)
	return nil
}

// RunFullSuite wraps session start, both sub-suites, session stop, and
// the summary. A missing-peer precondition aborts after the discovery
// phase; a failing scenario does not.
func (e *Engine) RunFullSuite() error {
	if err := e.StartSession(); err != nil {
		return err
	}

	e.RunDiscoverySuite()

	if err := e.RunPerformanceSuite(); err != nil {
		e.StopSession() //nolint:errcheck
		return err
	}

	if err := e.StopSession(); err != nil {
		return err
	}
	e.LogSummary()
	return nil
}

// Summary counts terminal scenario outcomes in the result log.
func (e *Engine) Summary() (passed, failed int) {
	for _, r := range e.Results() {
		switch r.Status {
		case StatusCompleted:
			passed++
		case StatusFailed:
			failed++
		}
	}
	return passed, failed
}

// LogSummary emits the per-scenario outcomes and the overall tally.
func (e *Engine) LogSummary() {
	results := e.Results()
	passed, failed := e.Summary()

	e.log.Info("test summary", zap.Int("total", len(results)),
		zap.Int("passed", passed), zap.Int("failed", failed))
	for _, r := range results {
		fields := []zap.Field{
			zap.String("status", r.Status.String()),
			zap.Int64("duration_ms", r.DurationMs()),
		}
		if r.LatencySummary.Count > 0 {
			fields = append(fields,
				zap.Float64("avg_latency_ms", r.LatencySummary.Mean),
				zap.Float64("stddev_latency_ms", r.LatencySummary.StdDev),
			)
		}
		if r.ThroughputBps > 0 {
			fields = append(fields, zap.Float64("throughput_bps", r.ThroughputBps))
		}
		if r.DevicesDiscovered > 0 {
			fields = append(fields, zap.Int("devices_discovered", r.DevicesDiscovered))
		}
		if r.Error != "" {
			fields = append(fields, zap.String("error", r.Error))
		}
		e.log.Info("result: "+r.Name, fields...)
	}
}
