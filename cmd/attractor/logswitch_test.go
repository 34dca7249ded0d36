package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestLevelSwitchReachesHeldLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
	levels := newLevelSwitch(base)
	held := levels.Logger().With("actor", "orders")

	held.Debug("before")
	if strings.Contains(buf.String(), "before") {
		t.Fatalf("debug emitted at info level: %s", buf.String())
	}

	levels.Set(pslog.DebugLevel)
	held.Debug("after")
	out := buf.String()
	if !strings.Contains(out, "after") {
		t.Fatalf("debug not emitted after switching level: %s", out)
	}
	if !strings.Contains(out, "orders") {
		t.Fatalf("fields dropped across switch: %s", out)
	}

	levels.Set(pslog.ErrorLevel)
	buf.Reset()
	held.Warn("quiet")
	if buf.Len() != 0 {
		t.Fatalf("warn emitted at error level: %s", buf.String())
	}
}

func TestLevelSwitchPinnedLoggerIgnoresSet(t *testing.T) {
	var buf bytes.Buffer
	base := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
	levels := newLevelSwitch(base)
	pinned := levels.Logger().LogLevel(pslog.ErrorLevel)

	levels.Set(pslog.TraceLevel)
	pinned.Info("pinned")
	if strings.Contains(buf.String(), "pinned") {
		t.Fatalf("pinned logger followed the switch: %s", buf.String())
	}
}
