package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"pkt.systems/pslog"
)

type recordingPoller struct {
	mu  sync.Mutex
	got []time.Duration
}

func (r *recordingPoller) SetPollInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
}

func (r *recordingPoller) last() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.got) == 0 {
		return 0, false
	}
	return r.got[len(r.got)-1], true
}

func TestApplyConfigReload(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log-level: debug\npoll-interval: 750ms\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var buf bytes.Buffer
	levels := newLevelSwitch(pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}))
	poller := &recordingPoller{}

	if err := applyConfigReload(path, levels, poller); err != nil {
		t.Fatalf("applyConfigReload: %v", err)
	}
	if d, ok := poller.last(); !ok || d != 750*time.Millisecond {
		t.Fatalf("poll interval=%v ok=%v", d, ok)
	}
	levels.Logger().Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("log level not applied: %q", buf.String())
	}
}

func TestApplyConfigReloadRejectsBadLevel(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log-level: shouty\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	levels := newLevelSwitch(pslog.NewStructured(context.Background(), &bytes.Buffer{}))
	if err := applyConfigReload(path, levels, nil); err == nil {
		t.Fatal("expected unknown log level error")
	}
}

func TestWatchConfigFileAppliesEdits(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("poll-interval: 1s\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	levels := newLevelSwitch(pslog.NewStructured(context.Background(), &bytes.Buffer{}))
	poller := &recordingPoller{}
	watcher, err := watchConfigFile(context.Background(), path, levels, poller, levels.Logger())
	if err != nil {
		t.Fatalf("watchConfigFile: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(path, []byte("poll-interval: 2s\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d, ok := poller.last(); ok && d == 2*time.Second {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("poll interval never reloaded; got %v", poller.got)
}
