package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, []byte("from-file"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cases := []struct {
		name  string
		stdin string
		args  []string
		file  string
		want  string
	}{
		{name: "argument", args: []string{"hello"}, want: "hello"},
		{name: "stdin", stdin: "piped", args: []string{"-"}, want: "piped"},
		{name: "file", file: path, want: "from-file"},
		{name: "empty", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readPayload(strings.NewReader(tc.stdin), tc.args, tc.file)
			if err != nil {
				t.Fatalf("readPayload: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("payload=%q want %q", got, tc.want)
			}
		})
	}
	if _, err := readPayload(strings.NewReader(""), []string{"x"}, path); err == nil {
		t.Fatal("expected PAYLOAD and --file to conflict")
	}
}

func TestParseMetadata(t *testing.T) {
	bag, err := parseMetadata([]string{"priority=3", "region=eu-north", `tags=["a","b"]`})
	if err != nil {
		t.Fatalf("parseMetadata: %v", err)
	}
	if string(bag["priority"]) != "3" {
		t.Fatalf("priority=%s", bag["priority"])
	}
	var region string
	if err := json.Unmarshal(bag["region"], &region); err != nil || region != "eu-north" {
		t.Fatalf("region=%s err=%v", bag["region"], err)
	}
	var tags []string
	if err := json.Unmarshal(bag["tags"], &tags); err != nil || len(tags) != 2 {
		t.Fatalf("tags=%s err=%v", bag["tags"], err)
	}
	if bag, err := parseMetadata(nil); err != nil || bag != nil {
		t.Fatalf("expected nil bag for no entries, got %v err=%v", bag, err)
	}
	for _, bad := range []string{"novalue", "=x", " =x"} {
		if _, err := parseMetadata([]string{bad}); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestSendThenInspectDiskStore(t *testing.T) {
	isolateConfig(t)
	store := "disk://" + t.TempDir()

	stdout, _, err := executeRootCommand(t, "--store", store, "send", "orders", "hello", "--content-type", "text/plain", "-m", "priority=3")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	id := strings.TrimSpace(stdout)
	if id == "" {
		t.Fatal("expected message id on stdout")
	}

	stdout, _, err = executeRootCommand(t, "--store", store, "mailbox", "depth", "orders")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if strings.TrimSpace(stdout) != "1" {
		t.Fatalf("depth=%q want 1", stdout)
	}

	stdout, _, err = executeRootCommand(t, "--store", store, "mb", "peek", "orders")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !strings.Contains(stdout, id) {
		t.Fatalf("peek output missing %s:\n%s", id, stdout)
	}

	stdout, _, err = executeRootCommand(t, "--store", store, "mailbox", "dead", "orders")
	if err != nil {
		t.Fatalf("dead: %v", err)
	}
	if strings.TrimSpace(stdout) != "" {
		t.Fatalf("expected no dead letters, got %q", stdout)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	isolateConfig(t)
	store := "disk://" + t.TempDir()
	_, _, err := executeRootCommand(t, "--store", store, "--max-payload", "4B", "send", "orders", "too-large")
	if err == nil {
		t.Fatal("expected oversized payload to be rejected")
	}
}

func TestAddressResolveUnregistered(t *testing.T) {
	isolateConfig(t)
	store := "disk://" + t.TempDir()
	_, _, err := executeRootCommand(t, "--store", store, "address", "resolve", "nobody")
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("expected not registered error, got %v", err)
	}
	stdout, _, err := executeRootCommand(t, "--store", store, "addr", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.HasPrefix(stdout, "ADDRESS") {
		t.Fatalf("expected table header, got %q", stdout)
	}
}
