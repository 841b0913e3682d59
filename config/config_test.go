package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "veil.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("defaults (-want +got):\n%s", diff)
	}
	if c.Scheduler.MaxWait != time.Second {
		t.Errorf("max wait: %v", c.Scheduler.MaxWait)
	}
	if c.Settings.Backend != BackendFile || c.Settings.Path != "veil-settings.yaml" {
		t.Errorf("settings: %+v", c.Settings)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
packs:
  dir: /srv/packs
  fetch_timeout: 500ms
settings:
  backend: sqlite
scheduler:
  debounce: 250ms
browser:
  resource_blocking: [images, fonts]
`)
	t.Setenv("VEIL_LOG_LEVEL", "warn")
	t.Setenv("VEIL_SCHEDULER_MAX_WAIT", "3s")
	t.Setenv("VEIL_BROWSER_HEADFUL", "true")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Log.Level != "warn" {
		t.Errorf("env should override file: level %q", c.Log.Level)
	}
	if c.Packs.Dir != "/srv/packs" || c.Packs.FetchTimeout != 500*time.Millisecond {
		t.Errorf("packs: %+v", c.Packs)
	}
	if c.Settings.Path != "veil-settings.db" {
		t.Errorf("sqlite default path: %q", c.Settings.Path)
	}
	if c.Scheduler.Debounce != 250*time.Millisecond || c.Scheduler.MaxWait != 3*time.Second {
		t.Errorf("scheduler: %+v", c.Scheduler)
	}
	if !c.Browser.Headful {
		t.Errorf("headful from env not applied")
	}
	if diff := cmp.Diff([]string{"images", "fonts"}, c.Browser.ResourceBlocking); diff != "" {
		t.Errorf("blocking (-want +got):\n%s", diff)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := writeFile(t, "log:\n  level: loud\n  format: xml\nsettings:\n  backend: redis\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("want error")
	}
	for _, want := range []string{"log.level", "log.format", "settings.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("want error")
	}
}

func TestLogConfig_Logger(t *testing.T) {
	var buf bytes.Buffer
	log := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("output: %s", out)
	}
}

func TestSettingsConfig_OpenStore(t *testing.T) {
	dir := t.TempDir()
	for _, c := range []SettingsConfig{
		{Backend: BackendMemory},
		{Backend: BackendFile, Path: filepath.Join(dir, "s.yaml")},
		{Backend: BackendSQLite, Path: filepath.Join(dir, "s.db")},
	} {
		s, err := c.OpenStore(nil)
		if err != nil {
			t.Fatalf("%s: open: %v", c.Backend, err)
		}
		snap, err := s.Load(context.Background())
		if err != nil {
			t.Errorf("%s: load: %v", c.Backend, err)
		}
		if snap.RescanMs != 900 {
			t.Errorf("%s: rescanMs %d", c.Backend, snap.RescanMs)
		}
		if err := s.Close(); err != nil {
			t.Errorf("%s: close: %v", c.Backend, err)
		}
	}
	if _, err := (SettingsConfig{Backend: "redis"}).OpenStore(nil); err == nil {
		t.Error("unknown backend must fail")
	}
}

func TestPacksConfig_Resolver(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "core.json"), []byte(`["from dir"]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := PacksConfig{Dir: dir, FetchTimeout: time.Second, Fallback: "core"}.Resolver(nil)
	if diff := cmp.Diff([]string{"from dir"}, r.Lines(context.Background(), "core")); diff != "" {
		t.Errorf("dir should shadow bundled (-want +got):\n%s", diff)
	}
}

func TestDriftConfig_OpenLedger(t *testing.T) {
	l, err := DriftConfig{Disabled: true}.OpenLedger(nil)
	if err != nil || l != nil {
		t.Errorf("disabled: %v %v", l, err)
	}
	l, err = DriftConfig{DBPath: filepath.Join(t.TempDir(), "d.db"), Retention: time.Hour}.OpenLedger(nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()
	if n, err := l.Count(context.Background()); err != nil || n != 0 {
		t.Errorf("count: %d %v", n, err)
	}
}
