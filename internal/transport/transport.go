// Package transport provides the narrow radio boundary the link layer
// depends on, and its UDP-broadcast and in-memory implementations.
package transport

import (
	"context"

	"github.com/meshcommons/linkbench/internal/wire"
)

// ReceiveFunc is invoked for every raw inbound frame, with the sender's
// link address and the observed receive-power indicator.
type ReceiveFunc func(src wire.Addr, data []byte, rssi int8)

// SendCompleteFunc is invoked after each transmission attempt.
// Implementations must report every SendRaw outcome through exactly one
// callback invocation; it is the only place the link layer counts
// sent/lost packets.
type SendCompleteFunc func(dst wire.Addr, ok bool)

// Transport is the abstraction over the physical link. Implementations
// must be safe for concurrent use. Delivery is best-effort: SendRaw
// returning nil means the frame left this node, not that it arrived.
type Transport interface {
	// Start brings the link up. Idempotent if already started.
	Start(ctx context.Context) error
	// SendRaw transmits data to dst (wire.Broadcast for broadcast).
	SendRaw(dst wire.Addr, data []byte) error
	// OnReceive registers the inbound frame handler. Must be called
	// before Start.
	OnReceive(fn ReceiveFunc)
	// OnSendComplete registers the transmission-outcome handler.
	OnSendComplete(fn SendCompleteFunc)
	// LocalAddr returns this node's link address.
	LocalAddr() wire.Addr
	// Close tears the link down.
	Close() error
}
