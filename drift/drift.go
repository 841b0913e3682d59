// Package drift keeps a local ledger of adapter stability failures so a
// maintainer can see which platform layouts have drifted and since when.
//
// Usage:
//
//	l, err := drift.Open(drift.Config{DBPath: "drift.db"}, logger)
//	defer l.Close()
//	g := guard.New(guard.Config{}, logger, l)
package drift

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/commentveil/drift/internal/store"
	"github.com/hazyhaar/commentveil/guard"
	"github.com/hazyhaar/commentveil/idgen"
)

// Re-exported store types.
type (
	Report     = store.Report
	SummaryRow = store.SummaryRow
)

// Config configures the ledger.
type Config struct {
	// DBPath is the SQLite file. Default: "veil-drift.db".
	DBPath string
	// Retention drops reports older than this on Open and Prune. Default: 30 days.
	Retention time.Duration
	// NewID generates report ids. Default: idgen.Report.
	NewID idgen.Generator
	// Now overrides the clock for tests.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "veil-drift.db"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.NewID == nil {
		c.NewID = idgen.Report
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Ledger records guard payloads. It implements guard.Reporter.
type Ledger struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

var _ guard.Reporter = (*Ledger)(nil)

// Open opens the ledger database and prunes expired reports.
func Open(cfg Config, logger *slog.Logger) (*Ledger, error) {
	cfg.defaults()
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("drift: open: %w", err)
	}
	return newLedger(s, cfg, logger), nil
}

// New builds a ledger over an open database (tests, shared handles).
func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Ledger, error) {
	cfg.defaults()
	s, err := store.Wrap(db)
	if err != nil {
		return nil, fmt.Errorf("drift: schema: %w", err)
	}
	return newLedger(s, cfg, logger), nil
}

func newLedger(s *store.Store, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{store: s, cfg: cfg, logger: logger}
	if n, err := l.Prune(context.Background(), cfg.Retention); err != nil {
		logger.Warn("drift: prune failed", "error", err)
	} else if n > 0 {
		logger.Info("drift: pruned expired reports", "count", n)
	}
	return l
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.store.Close()
}

// Report stores a guard payload.
func (l *Ledger) Report(ctx context.Context, p guard.Payload) error {
	r := &store.Report{
		ID:             l.cfg.NewID(),
		Platform:       p.Platform,
		Adapter:        p.AdapterName,
		AdapterVersion: p.AdapterVersion,
		Code:           p.Code,
		Reason:         p.Reason,
		Strategies:     p.Strategies,
		Severity:       string(p.Severity),
		PageType:       p.PageType,
		CreatedAt:      l.cfg.Now().UnixMilli(),
	}
	if r.Strategies == nil {
		r.Strategies = []string{}
	}
	if err := l.store.InsertReport(ctx, r); err != nil {
		return fmt.Errorf("drift: insert: %w", err)
	}
	l.logger.Debug("drift: report recorded", "id", r.ID, "adapter", r.Adapter, "code", r.Code)
	return nil
}

// Recent returns up to limit reports, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListRecent(ctx, limit)
}

// Summary aggregates reports by adapter and code.
func (l *Ledger) Summary(ctx context.Context) ([]*SummaryRow, error) {
	return l.store.Summary(ctx)
}

// Prune deletes reports older than olderThan and returns how many went.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := l.cfg.Now().Add(-olderThan).UnixMilli()
	return l.store.DeleteBefore(ctx, cutoff)
}

// Count returns the number of stored reports.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	return l.store.CountReports(ctx)
}
