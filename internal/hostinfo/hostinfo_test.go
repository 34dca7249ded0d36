package hostinfo

import (
	"context"
	"os"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestCollectFillsHostname(t *testing.T) {
	info, err := Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if info.Hostname == "" {
		t.Fatal("expected hostname")
	}
	if info.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", info.PID, os.Getpid())
	}
	if info.CPUs <= 0 {
		t.Fatalf("cpus = %d", info.CPUs)
	}
}

func TestAttributesIncludeHostName(t *testing.T) {
	info := Info{Hostname: "node-a", OS: "linux", Arch: "amd64", PID: 42, Platform: "debian"}
	found := map[attribute.Key]attribute.Value{}
	for _, kv := range info.Attributes() {
		found[kv.Key] = kv.Value
	}
	if got := found["host.name"].AsString(); got != "node-a" {
		t.Fatalf("host.name = %q", got)
	}
	if got := found["os.name"].AsString(); got != "debian" {
		t.Fatalf("os.name = %q", got)
	}
	if _, ok := found["host.id"]; ok {
		t.Fatal("empty host id should be omitted")
	}
}

func TestObserverSamples(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := NewObserver(time.Hour, nil)
	o.Start(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if snap, ok := o.Last(); ok {
			if snap.Goroutines <= 0 {
				t.Fatalf("goroutines = %d", snap.Goroutines)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no sample collected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	o.Wait()
}
