package uuidv7_test

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/attractor/internal/uuidv7"
)

func TestNewReturnsUUIDv7(t *testing.T) {
	t.Parallel()

	id := uuidv7.New()
	if id.Version() != 7 {
		t.Fatalf("expected version 7 UUID, got %d", id.Version())
	}
	if _, err := uuid.Parse(uuidv7.NewString()); err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
}

func TestNewStringSortsInCreationOrder(t *testing.T) {
	t.Parallel()

	ids := make([]string, 256)
	for i := range ids {
		ids[i] = uuidv7.NewString()
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("expected ids minted in sequence to sort lexically in creation order")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	ts, ok := uuidv7.Time(uuidv7.NewString())
	if !ok {
		t.Fatal("expected embedded time")
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Fatalf("embedded time %v out of range", ts)
	}
	if _, ok := uuidv7.Time("not-a-uuid"); ok {
		t.Fatal("expected invalid id to report false")
	}
}
