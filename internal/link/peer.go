package link

import (
	"time"

	"github.com/meshcommons/linkbench/internal/clock"
	"github.com/meshcommons/linkbench/internal/wire"
)

// Peer is a remembered link-layer endpoint. The Manager owns the table
// exclusively; accessors hand out copies, never references.
type Peer struct {
	Addr       wire.Addr `json:"addr"`
	RSSI       int8      `json:"rssi"`
	LastSeenUs int64     `json:"last_seen_us"`
	Sent       uint32    `json:"sent"`
	Received   uint32    `json:"received"`
	Lost       uint32    `json:"lost"`
	Active     bool      `json:"active"`
}

// Statistics are the cumulative counters since session start or the last
// reset. Counters only ever increase.
type Statistics struct {
	PacketsSent                uint64 `json:"packets_sent"`
	PacketsReceived            uint64 `json:"packets_received"`
	PacketsLost                uint64 `json:"packets_lost"`
	BytesSent                  uint64 `json:"bytes_sent"`
	BytesReceived              uint64 `json:"bytes_received"`
	DiscoveryRequestsSent      uint64 `json:"discovery_requests_sent"`
	DiscoveryResponsesReceived uint64 `json:"discovery_responses_received"`
	ChecksumErrors             uint64 `json:"checksum_errors"`
	SessionStartUs             int64  `json:"session_start_us"`
}

func (p *Peer) snapshot(staleTimeout time.Duration) Peer {
	out := *p
	out.Active = clock.Since(p.LastSeenUs) <= staleTimeout
	return out
}
