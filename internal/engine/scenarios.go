package engine

import (
	"encoding/binary"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/linkbench/internal/clock"
	"github.com/meshcommons/linkbench/internal/link"
	"github.com/meshcommons/linkbench/internal/stats"
	"github.com/meshcommons/linkbench/internal/wire"
)

const (
	pingSpacing    = 10 * time.Millisecond
	rangeSpacing   = 100 * time.Millisecond
	minBulkPayload = 8 // run ID + packet index
)

// RunDiscoveryScenario records the peer-table size before and after a
// discovery window of the given timeout.
func (e *Engine) RunDiscoveryScenario(name string, timeout time.Duration) Result {
	r := e.begin(name, 1)

	before := e.mgr.PeerCount()
	// Continuous discovery may already be running; observe its window
	// rather than stopping a worker this scenario does not own.
	ownWorker := !e.mgr.DiscoveryActive()
	if ownWorker {
		if err := e.mgr.StartDiscovery(timeout); err != nil {
			r.Status = StatusFailed
			r.Error = "failed to start discovery: " + err.Error()
			e.finish(r)
			return *r
		}
	}

	e.sleepAbortable(timeout)
	if ownWorker {
		e.mgr.StopDiscovery()
	}

	after := e.mgr.PeerCount()
	r.DevicesDiscovered = after - before
	r.DiscoveryTimeMs = (clock.Micros() - r.StartUs) / 1000
	r.Iterations = 1
	r.Status = StatusCompleted
	e.finish(r)
	return *r
}

// RunLatencyScenario sends pingCount pings to target and records the
// round-trip time of every iteration that answered within the wait
// window; unanswered iterations count as lost.
func (e *Engine) RunLatencyScenario(name string, target wire.Addr, pingCount int) Result {
	r := e.begin(name, pingCount)

	lost := 0
	for i := 0; i < pingCount; i++ {
		if e.abort.Load() {
			break
		}

		rtt, err := e.mgr.Ping(target, e.cfg.PingWait)
		if err != nil {
			lost++
			if !errors.Is(err, link.ErrTimeout) {
				e.log.Warn("ping failed", zap.Int("iteration", i), zap.Error(err))
			}
		} else {
			r.LatenciesMs = append(r.LatenciesMs, float64(rtt.Microseconds())/1000.0)
		}

		r.Iterations = i + 1
		e.reportProgress(name, i+1, pingCount)
		time.Sleep(pingSpacing)
	}

	r.PacketsSent = r.Iterations
	r.PacketsLost = lost
	r.LossPercent = stats.LossPercent(pingCount, pingCount-lost)
	r.LatencySummary = stats.Summarize(r.LatenciesMs)

	if len(r.LatenciesMs) > 0 {
		r.Status = StatusCompleted
	} else {
		r.Status = StatusFailed
		r.Error = "no pong responses"
	}
	e.finish(r)
	return *r
}

// RunThroughputScenario sends fixed-size payloads to target for the
// duration, then derives bits per second and the acknowledged loss rate.
func (e *Engine) RunThroughputScenario(name string, target wire.Addr, duration time.Duration, payloadSize int) Result {
	r := e.begin(name, 0)

	if payloadSize < minBulkPayload {
		payloadSize = minBulkPayload
	}
	if payloadSize > wire.MaxPayload {
		payloadSize = wire.MaxPayload
	}

	runID := e.newRunID()
	payload := make([]byte, payloadSize)
	for i := minBulkPayload; i < len(payload); i++ {
		payload[i] = 0xAA
	}
	binary.LittleEndian.PutUint32(payload[:4], runID)

	sent := 0
	bytesSent := 0
	deadline := clock.Micros() + duration.Microseconds()
	for clock.Micros() < deadline {
		if e.abort.Load() {
			break
		}
		binary.LittleEndian.PutUint32(payload[4:8], uint32(sent))
		if err := e.mgr.Send(target, wire.KindTestData, payload); err == nil {
			sent++
			bytesSent += payloadSize
		} else if errors.Is(err, link.ErrBusy) {
			// Transient backpressure; retry after the spacing delay.
			e.log.Debug("throughput send busy", zap.Int("sent", sent))
		}
		// Fixed minimum spacing keeps the outbound queue unsaturated.
		time.Sleep(e.cfg.SendSpacing)
	}

	elapsedMs := (clock.Micros() - r.StartUs) / 1000
	r.Iterations = sent
	r.PacketsSent = sent

	if sent == 0 {
		r.Status = StatusFailed
		r.Error = "no packets sent successfully"
		e.finish(r)
		return *r
	}

	acked, err := e.requestAck(target, runID)
	if err != nil {
		e.log.Warn("throughput ack missing, loss reported against zero",
			zap.String("name", name), zap.Error(err))
	}
	r.PacketsAcked = acked
	r.PacketsLost = sent - acked
	r.LossPercent = stats.LossPercent(sent, acked)
	if elapsedMs > 0 {
		r.ThroughputBps = float64(bytesSent*8) * 1000.0 / float64(elapsedMs)
	}
	r.Status = StatusCompleted
	e.finish(r)
	return *r
}

// RunReliabilityScenario sends packetCount sequentially numbered packets
// at fixed intervals and derives the loss rate from the acknowledged
// delta. Pass requires loss strictly below one percent.
func (e *Engine) RunReliabilityScenario(name string, target wire.Addr, packetCount int, interval time.Duration) Result {
	r := e.begin(name, packetCount)

	runID := e.newRunID()
	var payload [minBulkPayload]byte
	binary.LittleEndian.PutUint32(payload[:4], runID)

	sent := 0
	for i := 0; i < packetCount; i++ {
		if e.abort.Load() {
			break
		}
		binary.LittleEndian.PutUint32(payload[4:], uint32(i))
		if err := e.mgr.Send(target, wire.KindTestData, payload[:]); err == nil {
			sent++
		}
		r.Iterations = i + 1
		e.reportProgress(name, i+1, packetCount)
		time.Sleep(interval)
	}

	r.PacketsSent = sent
	if sent == 0 {
		r.Status = StatusFailed
		r.Error = "no packets sent successfully"
		e.finish(r)
		return *r
	}

	acked, err := e.requestAck(target, runID)
	if err != nil {
		e.log.Warn("reliability ack missing, loss reported against zero",
			zap.String("name", name), zap.Error(err))
	}
	r.PacketsAcked = acked
	r.PacketsLost = sent - acked
	r.LossPercent = stats.LossPercent(sent, acked)
	r.ReliabilityPassed = r.LossPercent < 1.0
	r.Status = StatusCompleted
	e.finish(r)
	return *r
}

// RunRangeScenario is a manually gated stepwise test: at each step the
// operator repositions the nodes, a probe batch runs, and the highest
// step holding a ≥90% success rate becomes the reported maximum range.
func (e *Engine) RunRangeScenario(name string, target wire.Addr, stepCount int) Result {
	r := e.begin(name, stepCount)

	anySuccess := false
	maxStep := 0
	for step := 1; step <= stepCount; step++ {
		if e.abort.Load() {
			break
		}
		e.log.Info("range step: reposition nodes and hold",
			zap.Int("step", step), zap.Int("steps", stepCount))

		success := 0
		for probe := 0; probe < e.cfg.RangeProbes; probe++ {
			if _, err := e.mgr.Ping(target, e.cfg.PingWait); err == nil {
				success++
			}
			time.Sleep(rangeSpacing)
		}
		anySuccess = anySuccess || success > 0

		rate := float64(success) / float64(e.cfg.RangeProbes) * 100.0
		if rate >= 90.0 {
			maxStep = step
		}
		if p, ok := e.peerSnapshot(target); ok {
			r.RSSISamples = append(r.RSSISamples, float64(p.RSSI))
		}
		e.log.Info("range step result",
			zap.Int("step", step), zap.Float64("success_rate", rate))

		r.Iterations = step
		e.reportProgress(name, step, stepCount)
	}

	r.MaxRangeSteps = maxStep
	if anySuccess {
		r.Status = StatusCompleted
	} else {
		r.Status = StatusFailed
		r.Error = "no probe ever succeeded"
	}
	e.finish(r)
	return *r
}

func (e *Engine) peerSnapshot(addr wire.Addr) (link.Peer, bool) {
	for _, p := range e.mgr.Peers() {
		if p.Addr == addr {
			return p, true
		}
	}
	return link.Peer{}, false
}
