package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func isolateConfig(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ATTRACTOR_CONFIG", "")
	t.Setenv("ATTRACTOR_STORE", "")
	return home
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "repeated sink", args: []string{"--sink", "orders", "--sink", "invoices"}, want: true},
		{name: "subcommand", args: []string{"mailbox", "depth", "orders"}, want: false},
		{name: "subcommand alias", args: []string{"mb", "depth", "orders"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "send", "orders"}, want: false},
		{name: "namespace shorthand before subcommand", args: []string{"-n", "prod", "address", "list"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "send", "orders"}, want: false},
		{name: "unknown long before subcommand", args: []string{"--bogus", "address", "list"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestSubmainInvalidFlagLikeTokenBeforeSubcommand(t *testing.T) {
	isolateConfig(t)
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"attractor", "-z", "address", "list"}
	viper.Reset()
	t.Cleanup(viper.Reset)

	stderr := captureStderr(t, func() {
		exitCode := submain(context.Background())
		if exitCode != 1 {
			t.Fatalf("submain() exitCode=%d want 1", exitCode)
		}
	})
	if !strings.Contains(stderr, `unknown command "list" for "attractor"`) {
		t.Fatalf("expected parser failure routed to stderr, got %q", stderr)
	}
}

func TestHostFlagsAreRootOnly(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	for _, name := range []string{"listen", "sink", "lease-ttl", "watch-config"} {
		if flag := root.Flags().Lookup(name); flag == nil {
			t.Fatalf("expected --%s on root local flags", name)
		}
		if flag := root.PersistentFlags().Lookup(name); flag != nil {
			t.Fatalf("expected --%s to not be persistent", name)
		}
	}
	for _, name := range []string{"store", "namespace", "keystore", "max-payload"} {
		if flag := root.PersistentFlags().Lookup(name); flag == nil {
			t.Fatalf("expected --%s on persistent flags", name)
		}
	}
}

func TestRootRejectsUnknownLogLevel(t *testing.T) {
	isolateConfig(t)
	_, _, err := executeRootCommand(t, "--log-level", "loud", "version")
	if err == nil || !strings.Contains(err.Error(), "unknown log level") {
		t.Fatalf("expected unknown log level error, got %v", err)
	}
}

func TestParseAddressArg(t *testing.T) {
	addr, err := parseAddressArg("orders", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.String() != "orders" {
		t.Fatalf("unexpected address %q", addr.String())
	}
	decoded, err := parseAddressArg(addr.Encode(), true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.String() != "orders" {
		t.Fatalf("unexpected decoded address %q", decoded.String())
	}
	if _, err := parseAddressArg("", false); err == nil {
		t.Fatal("expected empty address to be rejected")
	}
	if _, err := parseAddressArg("!!not-base64!!", true); err == nil {
		t.Fatal("expected invalid base64 to be rejected")
	}
}

func TestExpandPathHome(t *testing.T) {
	home := isolateConfig(t)
	got, err := expandPath("~/keys/root.pem")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if !strings.HasPrefix(got, home) || !strings.HasSuffix(got, "keys/root.pem") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got, _ := expandPath(""); got != "" {
		t.Fatalf("expected empty path to stay empty, got %q", got)
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	os.Stderr = w
	defer func() {
		os.Stderr = orig
	}()

	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	fn()
	_ = w.Close()
	return <-done
}
