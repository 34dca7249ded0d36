// Package address defines the opaque destination identifier used to route
// messages to mailboxes.
package address

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrEmpty is returned when an operation needs a non-empty address.
var ErrEmpty = errors.New("address: empty")

// Address is an immutable byte identifier. Two addresses are equal when their
// bytes are equal, so Address is safe to compare with == and to use as a map
// key.
type Address struct {
	raw string
}

// New copies b into a new Address.
func New(b []byte) Address {
	return Address{raw: string(b)}
}

// Parse returns the Address whose bytes are the UTF-8 encoding of s.
func Parse(s string) Address {
	return Address{raw: s}
}

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	return []byte(a.raw)
}

// String returns the address bytes as a string.
func (a Address) String() string {
	return a.raw
}

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool {
	return a.raw == ""
}

// Equal reports byte-exact equality.
func (a Address) Equal(other Address) bool {
	return a.raw == other.raw
}

// Validate returns ErrEmpty for the zero address.
func (a Address) Validate() error {
	if a.IsZero() {
		return ErrEmpty
	}
	return nil
}

// Encode returns a token safe to embed in storage keys and URLs.
func (a Address) Encode() string {
	return base64.RawURLEncoding.EncodeToString([]byte(a.raw))
}

// Decode reverses Encode.
func Decode(token string) (Address, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Address{}, fmt.Errorf("address: decode %q: %w", token, err)
	}
	return New(raw), nil
}

// MarshalText implements encoding.TextMarshaler using the raw bytes.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.raw), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	a.raw = string(text)
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (a Address) MarshalBinary() ([]byte, error) {
	return a.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (a *Address) UnmarshalBinary(data []byte) error {
	a.raw = string(data)
	return nil
}
