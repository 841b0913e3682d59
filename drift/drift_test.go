package drift

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/commentveil/dbopen"
	"github.com/hazyhaar/commentveil/guard"
	"github.com/hazyhaar/commentveil/idgen"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestLedger(t *testing.T, clock *fakeClock) *Ledger {
	t.Helper()
	l, err := New(dbopen.OpenMemory(t), Config{NewID: idgen.Sequence("r"), Now: clock.Now}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return l
}

func TestReport_StoresPayload(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	l := newTestLedger(t, clock)
	ctx := context.Background()

	err := l.Report(ctx, guard.Payload{
		Platform:       "yt",
		Reason:         "no verified comment root",
		Code:           guard.CodeRootNotFound,
		Strategies:     []string{"ytd-comments#comments", "#comments"},
		AdapterName:    "youtube",
		AdapterVersion: "1.0.0",
		Severity:       guard.SeverityError,
		PageType:       "post",
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	got, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	want := []*Report{{
		ID:             "r1",
		Platform:       "yt",
		Adapter:        "youtube",
		AdapterVersion: "1.0.0",
		Code:           guard.CodeRootNotFound,
		Reason:         "no verified comment root",
		Strategies:     []string{"ytd-comments#comments", "#comments"},
		Severity:       "error",
		PageType:       "post",
		CreatedAt:      1_000_000,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("recent (-want +got):\n%s", diff)
	}
}

func TestSummary_GroupsByAdapterAndCode(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(10_000)}
	l := newTestLedger(t, clock)
	ctx := context.Background()

	for i, p := range []guard.Payload{
		{AdapterName: "instagram", Code: guard.CodeRootNotFound},
		{AdapterName: "instagram", Code: guard.CodeRootNotFound},
		{AdapterName: "x", Code: guard.CodeRootUnverified},
	} {
		clock.now = time.UnixMilli(int64(10_000 + i*1000))
		if err := l.Report(ctx, p); err != nil {
			t.Fatalf("report: %v", err)
		}
	}

	got, err := l.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	want := []*SummaryRow{
		{Adapter: "x", Code: guard.CodeRootUnverified, Count: 1, FirstSeen: 12_000, LastSeen: 12_000},
		{Adapter: "instagram", Code: guard.CodeRootNotFound, Count: 2, FirstSeen: 10_000, LastSeen: 11_000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summary (-want +got):\n%s", diff)
	}
}

func TestPrune(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0).Add(48 * time.Hour)}
	l := newTestLedger(t, clock)
	ctx := context.Background()

	clock.now = time.Unix(0, 0).Add(1 * time.Hour)
	_ = l.Report(ctx, guard.Payload{AdapterName: "old"})
	clock.now = time.Unix(0, 0).Add(47 * time.Hour)
	_ = l.Report(ctx, guard.Payload{AdapterName: "new"})

	clock.now = time.Unix(0, 0).Add(48 * time.Hour)
	n, err := l.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if c, _ := l.Count(ctx); c != 1 {
		t.Errorf("count after prune: %d", c)
	}
}

func TestLedger_AsGuardReporter(t *testing.T) {
	l := newTestLedger(t, &fakeClock{now: time.UnixMilli(5)})
	g := guard.New(guard.Config{}, nil, l)
	g.Raise(context.Background(), guard.Payload{AdapterName: "x", Reason: "gone"})
	g.Close()

	got, err := l.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Severity != "error" || got[0].Strategies == nil {
		t.Fatalf("got %+v", got)
	}
	for _, col := range []string{"url", "text", "html"} {
		var n int
		q := `SELECT COUNT(*) FROM pragma_table_info('drift_reports') WHERE name LIKE '%` + col + `%'`
		if err := l.store.DB.QueryRow(q).Scan(&n); err != nil {
			t.Fatalf("pragma: %v", err)
		}
		if n != 0 {
			t.Errorf("ledger has a %s column", col)
		}
	}
}
