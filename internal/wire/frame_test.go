package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name:  "empty payload",
			frame: &Frame{Kind: KindPing, Seq: 42, TimestampUs: 123456, Payload: []byte{}},
		},
		{
			name:  "small payload",
			frame: &Frame{Kind: KindData, Seq: 123, TimestampUs: 99, Payload: []byte{1, 2, 3, 4, 5}},
		},
		{
			name:  "maximum payload",
			frame: &Frame{Kind: KindTestData, Seq: 0xFFFFFFFF, Payload: bytes.Repeat([]byte{0xAA}, MaxPayload)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(encoded) != FrameSize {
				t.Fatalf("Encode() size = %d, want %d", len(encoded), FrameSize)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if decoded.Kind != tt.frame.Kind {
				t.Errorf("Kind = %v, want %v", decoded.Kind, tt.frame.Kind)
			}
			if decoded.Seq != tt.frame.Seq {
				t.Errorf("Seq = %v, want %v", decoded.Seq, tt.frame.Seq)
			}
			if decoded.TimestampUs != tt.frame.TimestampUs {
				t.Errorf("TimestampUs = %v, want %v", decoded.TimestampUs, tt.frame.TimestampUs)
			}
			if !bytes.Equal(decoded.Payload, tt.frame.Payload) {
				t.Errorf("Payload mismatch: got %d bytes, want %d", len(decoded.Payload), len(tt.frame.Payload))
			}
		})
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	f := &Frame{
		Kind:    KindData,
		Seq:     1,
		Payload: bytes.Repeat([]byte{0xAA}, MaxPayload+1),
	}
	if _, err := Encode(f); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Encode() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeSingleBitFlip(t *testing.T) {
	f := &Frame{Kind: KindData, Seq: 7, TimestampUs: 1000, Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}

	// Any single bit flip anywhere in the frame must fail verification.
	for pos := 0; pos < len(encoded); pos++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(encoded))
			copy(corrupted, encoded)
			corrupted[pos] ^= 1 << bit
			if _, err := Decode(corrupted); err == nil {
				t.Fatalf("Decode() accepted frame with bit %d flipped at byte %d", bit, pos)
			}
		}
	}
}

func TestDecodeInvalidFrames(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "nil data", data: nil, want: ErrFrameSize},
		{name: "too short", data: []byte{0x01, 0x02}, want: ErrFrameSize},
		{name: "too long", data: make([]byte, FrameSize+1), want: ErrFrameSize},
		{name: "zeroed frame wrong checksum", data: func() []byte {
			d := make([]byte, FrameSize)
			d[FrameSize-1] = 0xFF
			return d
		}(), want: ErrChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAddrRoundTrip(t *testing.T) {
	a := Addr{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x42}
	parsed, err := ParseAddr(a.String())
	if err != nil {
		t.Fatalf("ParseAddr(%q) error = %v", a.String(), err)
	}
	if parsed != a {
		t.Errorf("ParseAddr round trip = %v, want %v", parsed, a)
	}

	if _, err := ParseAddr("not-an-address"); err == nil {
		t.Error("ParseAddr accepted malformed input")
	}

	if !Broadcast.IsBroadcast() {
		t.Error("Broadcast.IsBroadcast() = false")
	}
	if a.IsBroadcast() {
		t.Errorf("%v reported as broadcast", a)
	}
}

func TestRandomAddrIsUnicast(t *testing.T) {
	for i := 0; i < 32; i++ {
		a := RandomAddr()
		if a[0]&0x01 != 0 {
			t.Fatalf("RandomAddr() = %v has multicast bit set", a)
		}
	}
}
