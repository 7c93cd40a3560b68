package wire

import (
	"crypto/rand"
	"fmt"
)

// Addr is a 6-byte link-layer identifier, the unique key for a peer.
type Addr [6]byte

// Broadcast is the all-ones link-layer broadcast address.
var Broadcast = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// MarshalText renders the address in colon-hex form for JSON surfaces.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the colon-hex form.
func (a *Addr) UnmarshalText(text []byte) error {
	parsed, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// IsBroadcast reports whether a is the broadcast address.
func (a Addr) IsBroadcast() bool {
	return a == Broadcast
}

// ParseAddr parses "aa:bb:cc:dd:ee:ff" into an Addr.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return Addr{}, fmt.Errorf("wire: invalid address %q", s)
	}
	return a, nil
}

// RandomAddr returns a locally administered unicast address, for nodes
// without a configured identity.
func RandomAddr() Addr {
	var a Addr
	rand.Read(a[:]) //nolint:errcheck
	a[0] = (a[0] | 0x02) &^ 0x01
	return a
}
