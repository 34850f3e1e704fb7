// Package bledaddr defines the canonical BLE device address type shared by
// every component that keys state by address: the scan cache, the request
// queue, the handler, and the notification manager.
package bledaddr

import (
	"fmt"
	"strings"
)

// Address is a 48-bit BLE device address in canonical uppercase
// colon-separated form, e.g. "AA:BB:CC:DD:EE:FF". Equality is
// case-insensitive at construction time: Parse always normalizes.
type Address string

// Parse normalizes raw into a canonical Address. It accepts addresses in
// any case and rejects malformed input.
func Parse(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("bledaddr: %q is not a 6-octet colon-separated address", raw)
	}
	for _, p := range parts {
		if len(p) != 2 {
			return "", fmt.Errorf("bledaddr: %q has a malformed octet %q", raw, p)
		}
		for _, r := range p {
			isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
			if !isHex {
				return "", fmt.Errorf("bledaddr: %q has a non-hex octet %q", raw, p)
			}
		}
	}
	return Address(strings.ToUpper(raw)), nil
}

// MustParse is Parse but panics on error; intended for tests and constants.
func MustParse(raw string) Address {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return string(a)
}

// Equal reports whether a and b refer to the same address, regardless of
// the case either was constructed with.
func (a Address) Equal(b Address) bool {
	return strings.EqualFold(string(a), string(b))
}
