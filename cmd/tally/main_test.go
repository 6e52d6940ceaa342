package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/tally/internal/buildinfo"
)

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), buildinfo.Version) || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text output = %q", out.String())
	}

	out.Reset()
	if err := run(t.Context(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("decode json: %v (%q)", err, out.String())
	}
	if info["version"] != buildinfo.Version {
		t.Errorf("version = %q", info["version"])
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(t.Context(), &out, &out, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: tally") {
			t.Errorf("run %v output = %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x", "version"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"hash-token without token", []string{"hash-token"}, "usage: tally hash-token"},
		{"ask without owner", []string{"ask", "buy milk"}, "usage: tally ask"},
		{"ask without message", []string{"ask", "-owner", "alice"}, "usage: tally ask"},
		{"ask bad conversation", []string{"ask", "-owner", "alice", "-conversation", "x", "hi"}, "invalid conversation id"},
		{"missing config", []string{"-config", "/nonexistent/tally.yaml", "migrate"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(t.Context(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_HashToken(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"hash-token", "s3cret"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Errorf("printed hash does not verify: %v", err)
	}
}

func TestParseAskArgs(t *testing.T) {
	a, err := parseAskArgs([]string{"-owner", "alice", "-conversation", "12", "mark", "the", "report", "done"})
	if err != nil {
		t.Fatalf("parseAskArgs: %v", err)
	}
	if a.owner != "alice" || a.conversationID != 12 || a.message != "mark the report done" {
		t.Errorf("args = %+v", a)
	}

	// Flags are only recognised before the message starts.
	a, err = parseAskArgs([]string{"-owner", "bob", "what", "is", "-5", "plus", "2"})
	if err != nil {
		t.Fatalf("parseAskArgs: %v", err)
	}
	if a.message != "what is -5 plus 2" {
		t.Errorf("message = %q", a.message)
	}
}

func TestRunInit(t *testing.T) {
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })

	dir := t.TempDir()
	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "db"))
	if err != nil || !info.IsDir() {
		t.Errorf("db directory missing: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgInfo, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if !strings.Contains(out.String(), "✓") {
		t.Errorf("output = %q", out.String())
	}

	// The starter config must load as-is.
	cfg, _, err := loadConfig(cfgPath)
	if err != nil {
		t.Fatalf("load starter config: %v", err)
	}
	if cfg.Models.Default == "" || cfg.Agent.MaxRounds != 8 {
		t.Errorf("starter config = %+v", cfg.Models)
	}

	// A second run leaves edits alone.
	if err := os.WriteFile(cfgPath, []byte("custom: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	got, _ := os.ReadFile(cfgPath)
	if string(got) != "custom: true\n" {
		t.Errorf("config overwritten: %q", got)
	}
	if !strings.Contains(out.String(), "left unchanged") {
		t.Errorf("second output = %q", out.String())
	}
}
