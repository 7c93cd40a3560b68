package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/meshcommons/linkbench/internal/wire"
)

const (
	udpReadBufSize = 2048
	// preludeSize is the per-datagram header: magic(2) + channel(1) +
	// src(6) + dst(6). The frame bytes follow.
	preludeSize = 15
	// nominalRSSI is reported for every received datagram; UDP gives us
	// no receive-power reading.
	nominalRSSI = int8(-42)
)

var udpMagic = [2]byte{'L', 'B'}

// UDPTransport emulates the broadcast radio link over a shared UDP port
// on the local segment. Every node broadcasts datagrams carrying a
// src/dst address prelude; receivers filter on destination and channel.
type UDPTransport struct {
	port    int
	channel byte
	addr    wire.Addr
	log     *zap.Logger

	mu         sync.Mutex
	conn       *net.UDPConn
	bcast      *net.UDPAddr
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	onReceive  ReceiveFunc
	onComplete SendCompleteFunc
}

// NewUDP constructs a UDPTransport for the given shared port and channel.
func NewUDP(addr wire.Addr, port, channel int, log *zap.Logger) *UDPTransport {
	return &UDPTransport{
		port:    port,
		channel: byte(channel),
		addr:    addr,
		log:     log,
	}
}

func (t *UDPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: t.port})
	if err != nil {
		return fmt.Errorf("udp: listen :%d: %w", t.port, err)
	}
	t.conn = conn
	t.bcast = &net.UDPAddr{IP: net.IPv4bcast, Port: t.port}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.readLoop(runCtx, conn)

	t.log.Info("udp: link up",
		zap.String("local", t.addr.String()),
		zap.Int("port", t.port),
		zap.Uint8("channel", t.channel),
	)
	return nil
}

func (t *UDPTransport) SendRaw(dst wire.Addr, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	bcast := t.bcast
	complete := t.onComplete
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("udp: not started")
	}

	buf := make([]byte, preludeSize+len(data))
	buf[0] = udpMagic[0]
	buf[1] = udpMagic[1]
	buf[2] = t.channel
	copy(buf[3:9], t.addr[:])
	copy(buf[9:15], dst[:])
	copy(buf[preludeSize:], data)

	_, err := conn.WriteToUDP(buf, bcast)
	if complete != nil {
		complete(dst, err == nil)
	}
	if err != nil {
		return fmt.Errorf("udp: send: %w", err)
	}
	return nil
}

func (t *UDPTransport) OnReceive(fn ReceiveFunc) {
	t.mu.Lock()
	t.onReceive = fn
	t.mu.Unlock()
}

func (t *UDPTransport) OnSendComplete(fn SendCompleteFunc) {
	t.mu.Lock()
	t.onComplete = fn
	t.mu.Unlock()
}

func (t *UDPTransport) LocalAddr() wire.Addr { return t.addr }

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *UDPTransport) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer t.wg.Done()

	buf := make([]byte, udpReadBufSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Debug("udp: read", zap.Error(err))
			}
			return
		}
		if n < preludeSize || buf[0] != udpMagic[0] || buf[1] != udpMagic[1] {
			continue
		}
		if buf[2] != t.channel {
			continue
		}

		var src, dst wire.Addr
		copy(src[:], buf[3:9])
		copy(dst[:], buf[9:15])
		if src == t.addr {
			// Our own broadcast echoed back by the segment.
			continue
		}
		if dst != t.addr && !dst.IsBroadcast() {
			continue
		}

		data := make([]byte, n-preludeSize)
		copy(data, buf[preludeSize:n])

		t.mu.Lock()
		fn := t.onReceive
		t.mu.Unlock()
		if fn != nil {
			fn(src, data, nominalRSSI)
		}
	}
}
