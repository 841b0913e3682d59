package store

// Schema is the drift ledger DDL. Rows describe adapter failures only; no
// URL, page text or node content is ever stored.
const Schema = `
CREATE TABLE IF NOT EXISTS drift_reports (
    id              TEXT PRIMARY KEY,
    platform        TEXT NOT NULL,
    adapter         TEXT NOT NULL,
    adapter_version TEXT NOT NULL DEFAULT '',
    code            TEXT NOT NULL DEFAULT '',
    reason          TEXT NOT NULL DEFAULT '',
    strategies      TEXT NOT NULL DEFAULT '[]',
    severity        TEXT NOT NULL DEFAULT 'error',
    page_type       TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drift_time ON drift_reports(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_drift_adapter ON drift_reports(adapter, code);
`
