package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "creditwatch.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Source.Type != SourceStatic || c.Store.DSN != "memory://" {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.Timing.Debounce != 300*time.Millisecond || c.Timing.DetectionInterval != 200*time.Millisecond {
		t.Fatalf("timing defaults: %+v", c.Timing)
	}
	if c.Timing.Cooldown != time.Second || c.Timing.RemovalPollMax != 20 {
		t.Fatalf("timing defaults: %+v", c.Timing)
	}
	if c.Stability.MaxAttempts != 8 || c.Stability.QuickConfirmCount != 2 || c.Stability.ZeroConfirmCount != 4 {
		t.Fatalf("stability defaults: %+v", c.Stability)
	}
	if c.Selectors.Container != ".credit-left-item" || c.Selectors.Popover != ".n-popover.n-popover-shared" {
		t.Fatalf("selector defaults: %+v", c.Selectors)
	}
	if len(c.Selectors.Keywords) != 3 || c.Selectors.KeywordCeiling != 1_000_000 {
		t.Fatalf("keyword defaults: %+v", c.Selectors)
	}
	lc := c.Lifecycle()
	if lc.Marker != c.Selectors.Container || lc.RemovalPoll != 100*time.Millisecond {
		t.Fatalf("lifecycle mapping: %+v", lc)
	}
}

func TestLoadFile(t *testing.T) {
	file := writeTOML(t, `
[source]
type = "file"
path = "/tmp/page.html"

[selectors]
container = ".balance-box"
value_child = 2
keywords = ["quota"]

[timing]
debounce = "150ms"
cooldown = "2s"

[stability]
max_attempts = 10

[store]
dsn = "sqlite:///tmp/cw.db"
quota_bytes = 1048576

[history]
sinks = ["sqlite:///tmp/outcomes.db", "clickhouse://localhost:9000/default"]

[log]
level = "debug"
format = "json"

[plan]
renewal_day = 15
plan_start_credit = 10000
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Source.Type != SourceFile || c.Source.Path != "/tmp/page.html" {
		t.Fatalf("source: %+v", c.Source)
	}
	if c.Selectors.Container != ".balance-box" || c.Selectors.ValueChild != 2 || c.Selectors.Keywords[0] != "quota" {
		t.Fatalf("selectors: %+v", c.Selectors)
	}
	if c.Timing.Debounce != 150*time.Millisecond || c.Timing.Cooldown != 2*time.Second {
		t.Fatalf("timing: %+v", c.Timing)
	}
	// untouched keys keep their defaults
	if c.Timing.DetectionInterval != 200*time.Millisecond || c.Stability.QuickConfirmCount != 2 {
		t.Fatalf("defaults lost: %+v %+v", c.Timing, c.Stability)
	}
	if c.Stability.MaxAttempts != 10 || c.Store.QuotaBytes != 1048576 || len(c.History.Sinks) != 2 {
		t.Fatalf("unexpected: %+v", c)
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" {
		t.Fatalf("log: %+v", c.Log)
	}
	if c.Plan.RenewalDay != 15 || c.Plan.PlanStartCredit != 10000 {
		t.Fatalf("plan: %+v", c.Plan)
	}
	if c.Ledger().Quota != 1048576 {
		t.Fatalf("ledger quota not mapped")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	file := writeTOML(t, `
[store]
dsn = "memory://"
`)
	t.Setenv("CREDITWATCH_STORE_DSN", "postgres://u:p@localhost/cw")
	t.Setenv("CREDITWATCH_TIMING_DEBOUNCE", "1s")
	t.Setenv("CREDITWATCH_LOG_LEVEL", "warn")
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Store.DSN != "postgres://u:p@localhost/cw" {
		t.Fatalf("env did not override dsn: %q", c.Store.DSN)
	}
	if c.Timing.Debounce != time.Second || c.Log.Level != "warn" {
		t.Fatalf("env overrides: %+v %+v", c.Timing, c.Log)
	}
}

func TestValidate(t *testing.T) {
	file := writeTOML(t, `
[source]
type = "browser"

[timing]
removal_poll_max = 0

[stability]
max_attempts = 1
quick_confirm_count = 2

[log]
level = "chatty"

[plan]
renewal_day = 40
`)
	_, err := Load(file)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"source.url", "removal_poll_max", "quick_confirm_count", "log level", "renewal_day"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestUnknownSourceType(t *testing.T) {
	file := writeTOML(t, "[source]\ntype = \"carrier-pigeon\"\n")
	if _, err := Load(file); err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("expected unknown source error, got %v", err)
	}
}

func TestValidateTLS(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Server.TLS.Enabled = true
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for tls without certificate source")
	}
	c.Server.TLS.Dir = t.TempDir()
	if err := c.Validate(); err != nil {
		t.Fatalf("tls with dir: %v", err)
	}
}

func TestLoadExpandsDSNVariables(t *testing.T) {
	t.Setenv("CW_TEST_PGPASS", "hunter2")
	path := writeTOML(t, `
[store]
dsn = "postgres://app:${CW_TEST_PGPASS}@db/credits"

[history]
sinks = ["clickhouse://default:${CW_TEST_PGPASS}@ch:9000/metrics", "${CW_TEST_UNSET}/x.db"]
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Store.DSN != "postgres://app:hunter2@db/credits" {
		t.Fatalf("store dsn = %q", c.Store.DSN)
	}
	if c.History.Sinks[0] != "clickhouse://default:hunter2@ch:9000/metrics" || c.History.Sinks[1] != "${CW_TEST_UNSET}/x.db" {
		t.Fatalf("sinks = %v", c.History.Sinks)
	}
}
