package address_test

import (
	"errors"
	"strings"
	"testing"

	"pkt.systems/attractor/address"
)

func TestEqualityIsByteExact(t *testing.T) {
	t.Parallel()

	a := address.New([]byte{0x00, 0xff, 'x'})
	b := address.New([]byte{0x00, 0xff, 'x'})
	c := address.New([]byte{0x00, 0xff, 'X'})
	if a != b || !a.Equal(b) {
		t.Fatal("expected identical bytes to compare equal")
	}
	if a == c {
		t.Fatal("expected differing bytes to compare unequal")
	}
	seen := map[address.Address]int{a: 1}
	if seen[b] != 1 {
		t.Fatal("expected equal addresses to share a map slot")
	}
}

func TestNewCopiesInput(t *testing.T) {
	t.Parallel()

	buf := []byte("inbox")
	addr := address.New(buf)
	buf[0] = 'X'
	if addr.String() != "inbox" {
		t.Fatalf("address mutated through caller slice: %q", addr)
	}
	out := addr.Bytes()
	out[0] = 'Y'
	if addr.String() != "inbox" {
		t.Fatalf("address mutated through Bytes slice: %q", addr)
	}
}

func TestEncodeIsKeySafeAndReversible(t *testing.T) {
	t.Parallel()

	addr := address.New([]byte("orders/eu west?#\x00"))
	token := addr.Encode()
	if strings.ContainsAny(token, "/?#=+") {
		t.Fatalf("token %q contains characters unsafe for object keys", token)
	}
	back, err := address.Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back != addr {
		t.Fatalf("round trip mismatch: %q != %q", back, addr)
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	t.Parallel()

	if err := (address.Address{}).Validate(); !errors.Is(err, address.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if err := address.Parse("x").Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
