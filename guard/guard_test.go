package guard

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRaise_ReturnsErrorAndDelivers(t *testing.T) {
	var mu sync.Mutex
	var got []Payload
	g := New(Config{}, nil, ReporterFunc(func(ctx context.Context, p Payload) error {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		return nil
	}))

	p := Payload{
		Platform:    "yt",
		Reason:      "comment root not found",
		Code:        CodeRootNotFound,
		Strategies:  []string{"ytd-comments#comments", "#comments"},
		AdapterName: "youtube",
	}
	serr := g.Raise(context.Background(), p)
	g.Close()

	if serr == nil {
		t.Fatal("Raise returned nil")
	}
	var target *StabilityError
	if !errors.As(error(serr), &target) {
		t.Fatal("errors.As failed")
	}
	if target.Payload.Severity != SeverityError {
		t.Errorf("default severity: got %q", target.Payload.Severity)
	}
	if !strings.Contains(serr.Error(), "youtube") {
		t.Errorf("Error(): %q", serr.Error())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("delivered %d payloads, want 1", len(got))
	}
	if diff := cmp.Diff(p.Strategies, got[0].Strategies); diff != "" {
		t.Errorf("strategies (-want +got):\n%s", diff)
	}
	if s := g.Stats(); s.Raised != 1 || s.Delivered != 1 {
		t.Errorf("stats: %+v", s)
	}
}

func TestRaise_DoesNotBlockOnSlowReporter(t *testing.T) {
	release := make(chan struct{})
	g := New(Config{QueueSize: 1}, nil, ReporterFunc(func(ctx context.Context, p Payload) error {
		<-release
		return nil
	}))

	for range 10 {
		g.Raise(context.Background(), Payload{AdapterName: "x"})
	}
	close(release)
	g.Close()

	s := g.Stats()
	if s.Raised != 10 {
		t.Errorf("raised: got %d", s.Raised)
	}
	if s.Dropped == 0 {
		t.Error("expected drops with a full queue")
	}
	if s.Delivered+s.Dropped != 10 {
		t.Errorf("delivered %d + dropped %d != 10", s.Delivered, s.Dropped)
	}
}

func TestGuard_RecoversReporterPanic(t *testing.T) {
	var calls int
	g := New(Config{}, nil,
		ReporterFunc(func(ctx context.Context, p Payload) error { panic("boom") }),
		ReporterFunc(func(ctx context.Context, p Payload) error { calls++; return nil }),
	)
	g.Raise(context.Background(), Payload{AdapterName: "ig"})
	g.Raise(context.Background(), Payload{AdapterName: "ig"})
	g.Close()

	if calls != 2 {
		t.Errorf("second reporter calls: got %d, want 2", calls)
	}
	if s := g.Stats(); s.Failed != 2 {
		t.Errorf("failed: got %d, want 2", s.Failed)
	}
}

func TestRaise_AfterClose(t *testing.T) {
	g := New(Config{}, nil)
	g.Close()
	g.Close()
	if err := g.Raise(context.Background(), Payload{AdapterName: "x"}); err == nil {
		t.Fatal("Raise after Close must still return the error")
	}
	if s := g.Stats(); s.Dropped != 1 {
		t.Errorf("dropped: got %d", s.Dropped)
	}
}

func TestLogReporter_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := LogReporter{Logger: logger}

	_ = r.Report(context.Background(), Payload{AdapterName: "x", Severity: SeverityWarn, Code: CodeRootUnverified})
	_ = r.Report(context.Background(), Payload{AdapterName: "x", Severity: SeverityError})

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "level=ERROR") {
		t.Errorf("levels missing:\n%s", out)
	}
	if !strings.Contains(out, CodeRootUnverified) {
		t.Errorf("code missing:\n%s", out)
	}
}

func TestRaiseOnce_DeliversEachDistinctFailureOnce(t *testing.T) {
	var mu sync.Mutex
	var got []string
	g := New(Config{}, nil, ReporterFunc(func(ctx context.Context, p Payload) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p.Reason)
		return nil
	}))

	missing := Payload{Platform: "youtube", AdapterName: "yt", Code: CodeRootNotFound,
		Reason: "not found", Strategies: []string{"#comments"}, PageType: "post"}
	unverified := missing
	unverified.Code = CodeRootUnverified
	unverified.Reason = "2 candidates"

	ctx := context.Background()
	for range 3 {
		if err, _ := g.RaiseOnce(ctx, missing); err == nil {
			t.Fatal("RaiseOnce returned nil")
		}
	}
	if _, queued := g.RaiseOnce(ctx, unverified); !queued {
		t.Error("a different code must be queued")
	}
	g.Settle("youtube", "yt")
	if _, queued := g.RaiseOnce(ctx, missing); !queued {
		t.Error("after Settle the failure must be queued again")
	}
	g.Close()

	want := []string{"not found", "2 candidates", "not found"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delivered (-want +got):\n%s", diff)
	}
	if s := g.Stats(); s.Repeated != 2 {
		t.Errorf("repeated: got %d, want 2", s.Repeated)
	}
}
