package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/hazyhaar/commentveil/dbopen"
)

// Report is one recorded stability failure.
type Report struct {
	ID             string   `json:"id"`
	Platform       string   `json:"platform"`
	Adapter        string   `json:"adapter"`
	AdapterVersion string   `json:"adapter_version,omitempty"`
	Code           string   `json:"code,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Strategies     []string `json:"strategies"`
	Severity       string   `json:"severity"`
	PageType       string   `json:"page_type,omitempty"`
	CreatedAt      int64    `json:"created_at"`
}

// SummaryRow aggregates reports per adapter and code.
type SummaryRow struct {
	Adapter   string `json:"adapter"`
	Code      string `json:"code"`
	Count     int    `json:"count"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
}

// InsertReport stores r.
func (s *Store) InsertReport(ctx context.Context, r *Report) error {
	strategies, err := json.Marshal(r.Strategies)
	if err != nil {
		return err
	}
	_, err = dbopen.Exec(ctx, s.DB, `
		INSERT INTO drift_reports
			(id, platform, adapter, adapter_version, code, reason, strategies, severity, page_type, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Platform, r.Adapter, r.AdapterVersion, r.Code, r.Reason,
		string(strategies), r.Severity, r.PageType, r.CreatedAt,
	)
	return err
}

// ListRecent returns the newest reports first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Report, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, platform, adapter, adapter_version, code, reason, strategies, severity, page_type, created_at
		FROM drift_reports ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReports(rows)
}

// Summary groups reports by adapter and code, most recent first.
func (s *Store) Summary(ctx context.Context) ([]*SummaryRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT adapter, code, COUNT(*), MIN(created_at), MAX(created_at)
		FROM drift_reports GROUP BY adapter, code ORDER BY MAX(created_at) DESC, adapter`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SummaryRow
	for rows.Next() {
		r := &SummaryRow{}
		if err := rows.Scan(&r.Adapter, &r.Code, &r.Count, &r.FirstSeen, &r.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteBefore removes reports created before cutoff (epoch ms).
func (s *Store) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM drift_reports WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountReports returns the number of stored reports.
func (s *Store) CountReports(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM drift_reports`).Scan(&n)
	return n, err
}

func scanReports(rows *sql.Rows) ([]*Report, error) {
	var out []*Report
	for rows.Next() {
		r := &Report{}
		var strategies string
		if err := rows.Scan(&r.ID, &r.Platform, &r.Adapter, &r.AdapterVersion, &r.Code, &r.Reason,
			&strategies, &r.Severity, &r.PageType, &r.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(strategies), &r.Strategies)
		out = append(out, r)
	}
	return out, rows.Err()
}
