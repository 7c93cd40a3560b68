package link

import (
	"errors"

	"github.com/meshcommons/linkbench/internal/wire"
)

var (
	// ErrTransport means the underlying radio link is unavailable or
	// misconfigured. Fatal at initialization; never retried automatically.
	ErrTransport = errors.New("link: transport unavailable")
	// ErrPayloadTooLarge is a caller error: the payload exceeds the frame
	// capacity. Nothing is ever partially sent.
	ErrPayloadTooLarge = wire.ErrPayloadTooLarge
	// ErrBusy is transient backpressure: the outbound queue stayed full
	// for the bounded enqueue wait. Callers may retry.
	ErrBusy = errors.New("link: outbound queue full")
	// ErrTimeout means a bounded wait elapsed without the expected event.
	// Always recoverable; reported as a scenario-level loss.
	ErrTimeout = errors.New("link: timed out")
	// ErrNoPeerAvailable is the precondition failure for scenarios that
	// need at least one known peer.
	ErrNoPeerAvailable = errors.New("link: no peer available")
)
