package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/vibecanvas/internal/config"
)

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "migrate": false, "demux": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("root command missing %q", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != version {
		t.Errorf("version output = %q, want %q", got, version)
	}
}

func TestDemuxCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("Here you go 【<!DOCTYPE html><p>hi</p>】 enjoy"))
	root.SetArgs([]string{"demux"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got demuxOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if got.SpokenText != "Here you go  enjoy" {
		t.Errorf("spoken_text = %q", got.SpokenText)
	}
	if len(got.Codes) != 1 || got.Codes[0] != "<!DOCTYPE html><p>hi</p>" {
		t.Errorf("codes = %q", got.Codes)
	}
}

func TestMigrateCmd_NoDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AGORA_RTM_URL", "wss://rtm.example.com")
	root := newRootCmd()
	root.SetArgs([]string{"migrate", "--config", t.TempDir() + "/missing.yaml", "--env-file", t.TempDir() + "/none.env"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "no postgres dsn") {
		t.Fatalf("Execute err = %v, want missing dsn error", err)
	}
}

func TestPrintStartupSummary(t *testing.T) {
	cfg := config.Default()
	cfg.Channel.URL = "wss://rtm.example.com/gateway/with/a/long/path"

	var out bytes.Buffer
	printStartupSummary(&out, cfg, true)
	s := out.String()
	for _, want := range []string{"(listen only)", "gpt-4o", "enabled", "wss://rtm.example.…"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}

func TestServe_StartsAndStopsOnCancelledContext(t *testing.T) {
	for _, key := range []string{
		"AGORA_APP_ID", "NEXT_PUBLIC_AGORA_APP_ID", "AGORA_RTM_URL", "DATABASE_URL",
		"VIBECANVAS_LISTEN_ADDR", "VIBECANVAS_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	const cfgYAML = `server:
  listen_addr: "127.0.0.1:0"
  log_level: warn
channel:
  url: ws://rtm.invalid/ws
share:
  paste_url: ""
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	if err := serve(ctx, &out, cfgPath, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if !strings.Contains(out.String(), "startup summary") {
		t.Errorf("startup summary not printed:\n%s", out.String())
	}
}
