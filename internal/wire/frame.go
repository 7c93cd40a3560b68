// Package wire implements the fixed-layout frame exchanged over the link.
// Layout (little-endian):
//
//	Kind(1) | Seq(4) | TimestampUs(8) | PayloadLen(2) | Payload(234, zero-padded) | CRC32(4)
//
// Every frame is exactly FrameSize bytes on the wire regardless of the
// actual payload length. The CRC covers all preceding bytes and is a local
// integrity check, not a security mechanism.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	HeaderSize   = 15  // Kind + Seq + TimestampUs + PayloadLen
	MaxPayload   = 234 // usable payload ceiling
	ChecksumSize = 4
	FrameSize    = HeaderSize + MaxPayload + ChecksumSize // 253
)

// Kind tags the frame variant.
type Kind byte

const (
	KindDiscoveryRequest  Kind = 0x01
	KindDiscoveryResponse Kind = 0x02
	KindPing              Kind = 0x10
	KindPong              Kind = 0x11
	KindData              Kind = 0x20
	KindTestStart         Kind = 0x30
	KindTestStop          Kind = 0x31
	KindTestData          Kind = 0x32
	KindDataAck           Kind = 0x33
)

func (k Kind) String() string {
	switch k {
	case KindDiscoveryRequest:
		return "discovery_request"
	case KindDiscoveryResponse:
		return "discovery_response"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindData:
		return "data"
	case KindTestStart:
		return "test_start"
	case KindTestStop:
		return "test_stop"
	case KindTestData:
		return "test_data"
	case KindDataAck:
		return "data_ack"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

var (
	// ErrPayloadTooLarge means the payload exceeds MaxPayload. Encoding
	// fails closed; frames are never truncated.
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	// ErrFrameSize means the input is not exactly FrameSize bytes.
	ErrFrameSize = errors.New("wire: bad frame size")
	// ErrPayloadLength means the declared payload length exceeds capacity.
	ErrPayloadLength = errors.New("wire: bad payload length")
	// ErrChecksum means the CRC did not match the frame contents.
	ErrChecksum = errors.New("wire: checksum mismatch")
)

// Frame is the unit exchanged over the link.
type Frame struct {
	Kind        Kind
	Seq         uint32
	TimestampUs int64 // sender-side monotonic clock at enqueue time
	Payload     []byte
}

// Encode serialises f into a FrameSize byte slice.
// Returns ErrPayloadTooLarge if the payload exceeds MaxPayload.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(f.Payload), MaxPayload)
	}

	data := make([]byte, FrameSize)
	data[0] = byte(f.Kind)
	binary.LittleEndian.PutUint32(data[1:5], f.Seq)
	binary.LittleEndian.PutUint64(data[5:13], uint64(f.TimestampUs))
	binary.LittleEndian.PutUint16(data[13:15], uint16(len(f.Payload)))
	copy(data[HeaderSize:], f.Payload)

	crc := crc32.ChecksumIEEE(data[:FrameSize-ChecksumSize])
	binary.LittleEndian.PutUint32(data[FrameSize-ChecksumSize:], crc)
	return data, nil
}

// Decode parses and validates a received frame. A checksum mismatch or
// malformed header yields an error; callers must treat that as if the
// frame was never received.
func Decode(data []byte) (*Frame, error) {
	if len(data) != FrameSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(data), FrameSize)
	}

	want := binary.LittleEndian.Uint32(data[FrameSize-ChecksumSize:])
	got := crc32.ChecksumIEEE(data[:FrameSize-ChecksumSize])
	if want != got {
		return nil, ErrChecksum
	}

	payloadLen := int(binary.LittleEndian.Uint16(data[13:15]))
	if payloadLen > MaxPayload {
		return nil, fmt.Errorf("%w: %d", ErrPayloadLength, payloadLen)
	}

	f := &Frame{
		Kind:        Kind(data[0]),
		Seq:         binary.LittleEndian.Uint32(data[1:5]),
		TimestampUs: int64(binary.LittleEndian.Uint64(data[5:13])),
		Payload:     make([]byte, payloadLen),
	}
	copy(f.Payload, data[HeaderSize:HeaderSize+payloadLen])
	return f, nil
}
