package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/radarbase/statusagent/internal/eventbus"
	"github.com/radarbase/statusagent/internal/storage"
	"github.com/radarbase/statusagent/internal/topic"
	"github.com/radarbase/statusagent/pkg/records"
	"github.com/spf13/cobra"
)

func TestParseBacklog(t *testing.T) {
	cases := map[string]int64{
		"12":      12,
		" 0 ":     0,
		"unknown": eventbus.UnknownCount,
		"UNKNOWN": eventbus.UnknownCount,
	}
	for in, want := range cases {
		got, err := parseBacklog(in)
		if err != nil {
			t.Fatalf("parseBacklog(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseBacklog(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := parseBacklog("many"); err == nil {
		t.Fatalf("expected error for non-numeric backlog")
	}
}

func TestParseSourceType(t *testing.T) {
	got, err := parseSourceType("Empatica/E4/v1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Producer != "Empatica" || got.Model != "E4" || got.CatalogVersion != "v1" {
		t.Fatalf("unexpected type %+v", got)
	}
	for _, bad := range []string{"", "only", "/model", "a/b/c/d"} {
		if _, err := parseSourceType(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return out.String()
}

func TestAuthorizeCommand(t *testing.T) {
	out := execute(t, newAuthorizeCmd(),
		"--type", "empatica/e4/v1",
		"--registered", "Empatica/E4/v2",
		"--dynamic", "EMPATICA/E4/v2",
	)
	if !strings.Contains(out, "authorized=true") {
		t.Fatalf("expected authorization, got %q", out)
	}

	out = execute(t, newAuthorizeCmd(),
		"--type", "empatica/e4/v1",
		"--registered", "Empatica/E4/v2",
		"--declared", "EMPATICA/E4/v2",
	)
	if !strings.Contains(out, "authorized=false") {
		t.Fatalf("declared type without dynamic registration must not authorize, got %q", out)
	}
}

func TestRecordsCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "records.sqlite")
	queue, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	uptime, err := topic.Default().Resolve(topic.Uptime)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	now := time.Now()
	for i := 0; i < 3; i++ {
		rec := records.UptimeRecord{Time: now.Add(time.Duration(i) * time.Second), UptimeSeconds: float64(i)}
		if err := queue.Put(context.Background(), uptime, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rootDBPath = dbPath
	t.Cleanup(func() { rootDBPath = "" })

	out := execute(t, newRecordsCmd())
	if !strings.Contains(out, topic.Uptime) || !strings.Contains(out, " 3") {
		t.Fatalf("unexpected stream listing %q", out)
	}

	out = execute(t, newRecordsCmd(), "--stream", topic.Uptime, "--limit", "2")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 rows, got %d: %q", len(lines), out)
	}
	var row storage.Row
	if err := json.Unmarshal([]byte(lines[0]), &row); err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if row.Stream != topic.Uptime {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestRunFlagsOverrideOptions(t *testing.T) {
	cmd := newRunCmd()
	if err := cmd.ParseFlags([]string{"--interval", "30s", "--ntp-server", "time.example", "--send-ip=false"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	flags := runFlags{interval: 30 * time.Second, ntpServer: "time.example"}
	opts := loadOptions()
	opts.SendIP = true
	got := flags.apply(opts, cmd)
	if got.Interval != 30*time.Second || got.NTPServer != "time.example" || got.SendIP {
		t.Fatalf("unexpected options %+v", got)
	}
}
