package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const savedWatchPage = `<html><body><ytd-app><ytd-watch-flexy>
<ytd-comments id="comments"><ytd-item-section-renderer id="sections">
 <ytd-comment-thread-renderer><ytd-comment-renderer>
  <yt-formatted-string id="content-text">you will never make it</yt-formatted-string>
 </ytd-comment-renderer></ytd-comment-thread-renderer>
</ytd-item-section-renderer></ytd-comments>
</ytd-watch-flexy></ytd-app></body></html>`

// isolate points every backend at a temp dir and a one-line core pack.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	packs := filepath.Join(dir, "packs")
	if err := os.Mkdir(packs, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(packs, "core.json"), []byte(`["Veiled."]`), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	t.Setenv("VEIL_PACKS_DIR", packs)
	t.Setenv("VEIL_SETTINGS_BACKEND", "memory")
	t.Setenv("VEIL_DRIFT_DB_PATH", filepath.Join(dir, "drift.db"))
	t.Setenv("VEIL_LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestScan_VeilsSavedPage(t *testing.T) {
	dir := isolate(t)
	in := filepath.Join(dir, "page.html")
	if err := os.WriteFile(in, []byte(savedWatchPage), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	outPath := filepath.Join(dir, "veiled.html")

	stdout, _, err := run(t, "", "scan", "--url", "https://www.youtube.com/watch?v=a", "--in", in, "--out", outPath)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	html, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(html), ">Veiled.<") || strings.Contains(string(html), "never make it") {
		t.Errorf("output not veiled:\n%s", html)
	}

	var rep struct {
		Outcome string `json:"outcome"`
		Masked  int    `json:"masked"`
	}
	if err := json.Unmarshal([]byte(stdout), &rep); err != nil {
		t.Fatalf("summary: %v\n%s", err, stdout)
	}
	if rep.Outcome != "verified" || rep.Masked != 1 {
		t.Errorf("summary: %+v", rep)
	}
	if strings.Contains(stdout, "never make it") {
		t.Errorf("summary leaks comment text")
	}
}

func TestScan_StdinToStdout(t *testing.T) {
	isolate(t)
	stdout, stderr, err := run(t, savedWatchPage, "scan", "--url", "https://www.youtube.com/watch?v=a")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !strings.Contains(stdout, ">Veiled.<") {
		t.Errorf("stdout html not veiled:\n%s", stdout)
	}
	if !strings.Contains(stderr, `"masked": 1`) {
		t.Errorf("stderr summary: %s", stderr)
	}
}

func TestScan_RequiresURL(t *testing.T) {
	isolate(t)
	if _, _, err := run(t, savedWatchPage, "scan"); err == nil {
		t.Error("missing --url must fail")
	}
	if _, _, err := run(t, savedWatchPage, "scan", "--url", "https://www.youtube.com/watch?v=a", "--device", "pen"); err == nil {
		t.Error("bad device must fail")
	}
}

func TestPacksResolve(t *testing.T) {
	isolate(t)
	stdout, _, err := run(t, "", "packs", "resolve", "core")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if diff := cmp.Diff("Veiled.\n", stdout); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
}

func TestPacksList(t *testing.T) {
	isolate(t)
	stdout, _, err := run(t, "", "packs", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(stdout, "core\n") {
		t.Errorf("catalog: %q", stdout)
	}
}

func TestDrift_RecordsExhaustedScan(t *testing.T) {
	isolate(t)
	empty := `<html><body><ytd-app><ytd-watch-flexy></ytd-watch-flexy></ytd-app></body></html>`
	if _, _, err := run(t, empty, "scan", "--url", "https://www.youtube.com/watch?v=a"); err != nil {
		t.Fatalf("scan: %v", err)
	}

	stdout, _, err := run(t, "", "drift", "--limit", "5")
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	var res struct {
		Recent []struct {
			Code string `json:"code"`
		} `json:"recent"`
	}
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if len(res.Recent) != 1 || res.Recent[0].Code != "ROOT_NOT_FOUND" {
		t.Errorf("recent: %+v", res.Recent)
	}
}

func TestDrift_Disabled(t *testing.T) {
	isolate(t)
	t.Setenv("VEIL_DRIFT_DISABLED", "true")
	if _, _, err := run(t, "", "drift"); err == nil {
		t.Error("disabled ledger must fail")
	}
}
