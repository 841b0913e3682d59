package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/commentveil/dbopen"
)

// Schema is the key/value table used by SQLStore. Values are JSON.
const Schema = `
CREATE TABLE IF NOT EXISTS veil_settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLConfig configures a SQLStore.
type SQLConfig struct {
	// PollInterval is how often PRAGMA data_version is checked. Default: 500ms.
	PollInterval time.Duration
	// Debounce is the quiet period after a detected change. Default: 100ms;
	// negative disables it.
	Debounce time.Duration
	// Now overrides the clock for updated_at.
	Now func() time.Time
}

func (c *SQLConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	} else if c.Debounce == 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// SQLStore keeps settings in SQLite so other processes sharing the file can
// change them. External writes are detected through PRAGMA data_version,
// which advances when another connection commits.
//
// Watch pins one pooled connection for polling; the pool must allow at
// least two.
type SQLStore struct {
	db     *sql.DB
	owned  bool
	cfg    SQLConfig
	logger *slog.Logger

	mu  sync.Mutex
	cur Snapshot

	hub *hub

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens (and owns) the database at path.
func OpenSQL(path string, cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("settings: open: %w", err)
	}
	s, err := NewSQL(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQL wraps an open database, creating the table if needed.
func NewSQL(db *sql.DB, cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("settings: schema: %w", err)
	}
	s := &SQLStore{db: db, cfg: cfg, logger: logger, hub: newHub()}
	cur, err := s.read(context.Background(), db)
	if err != nil {
		return nil, err
	}
	s.cur = cur
	return s, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) read(ctx context.Context, q querier) (Snapshot, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM veil_settings`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("settings: load: %w", err)
	}
	defer rows.Close()

	kv := make(map[string]json.RawMessage)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Snapshot{}, fmt.Errorf("settings: scan: %w", err)
		}
		kv[k] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("settings: rows: %w", err)
	}

	var p Partial
	for k, v := range kv {
		// Decode key by key so one bad value does not poison the rest.
		one, err := json.Marshal(map[string]json.RawMessage{k: v})
		if err != nil {
			continue
		}
		var part Partial
		if err := json.Unmarshal(one, &part); err != nil {
			s.logger.Warn("settings: ignoring malformed value", "key", k, "error", err)
			continue
		}
		p = overlay(p, part)
	}
	return Merge(Defaults(), p), nil
}

func overlay(a, b Partial) Partial {
	if b.EnableAutomationBadge != nil {
		a.EnableAutomationBadge = b.EnableAutomationBadge
	}
	if b.AutoTag != nil {
		a.AutoTag = b.AutoTag
	}
	if b.RescanMs != nil {
		a.RescanMs = b.RescanMs
	}
	if b.ActivePack != nil {
		a.ActivePack = b.ActivePack
	}
	return a
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context) (Snapshot, error) {
	if s.hub.isClosed() {
		return Snapshot{}, ErrClosed
	}
	return s.read(ctx, s.db)
}

// Save implements Store. Only the keys set in p are written, with their
// merged (clamped) values.
func (s *SQLStore) Save(ctx context.Context, p Partial) (Snapshot, error) {
	if s.hub.isClosed() {
		return Snapshot{}, ErrClosed
	}
	s.mu.Lock()
	next, diff, err := s.save(ctx, p)
	s.mu.Unlock()
	if err != nil {
		return Snapshot{}, err
	}
	s.hub.publish(diff)
	return next, nil
}

func (s *SQLStore) save(ctx context.Context, p Partial) (Snapshot, Partial, error) {
	base, err := s.read(ctx, s.db)
	if err != nil {
		return Snapshot{}, Partial{}, err
	}
	next := Merge(base, p)

	values := map[string]any{}
	if p.EnableAutomationBadge != nil {
		values["enableAutomationBadge"] = next.AutomationBadgeEnabled
	}
	if p.AutoTag != nil {
		values["autoTag"] = next.AutomationTag
	}
	if p.RescanMs != nil {
		values["rescanMs"] = next.RescanMs
	}
	if p.ActivePack != nil {
		values["activePack"] = next.ActivePacks
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, Partial{}, fmt.Errorf("settings: begin: %w", err)
	}
	defer tx.Rollback()
	now := s.cfg.Now().UnixMilli()
	for _, k := range p.Keys() {
		v, err := json.Marshal(values[k])
		if err != nil {
			return Snapshot{}, Partial{}, fmt.Errorf("settings: encode %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO veil_settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, string(v), now); err != nil {
			return Snapshot{}, Partial{}, fmt.Errorf("settings: save %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, Partial{}, fmt.Errorf("settings: commit: %w", err)
	}

	diff := Diff(s.cur, next)
	s.cur = next
	return next, diff, nil
}

// Watch implements Store. The first call starts the poller, which runs
// until Close.
func (s *SQLStore) Watch(ctx context.Context, fn func(Partial)) error {
	if err := s.start(); err != nil {
		return err
	}
	return s.hub.subscribe(ctx, fn)
}

func (s *SQLStore) start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.hub.isClosed() {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	// data_version is per connection, so polling must stay on one.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("settings: poll conn: %w", err)
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go s.poll(ctx, conn)
	return nil
}

func dataVersion(ctx context.Context, conn *sql.Conn) (int64, error) {
	var v int64
	err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

func (s *SQLStore) poll(ctx context.Context, conn *sql.Conn) {
	defer close(s.done)
	defer conn.Close()

	last, err := dataVersion(ctx, conn)
	if err != nil {
		s.logger.Warn("settings: initial version check failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-ticker.C:
			v, err := dataVersion(ctx, conn)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("settings: version check failed", "error", err)
				}
				continue
			}
			if v == last {
				continue
			}
			last = v
			if s.cfg.Debounce == 0 {
				s.reload(ctx, conn)
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(s.cfg.Debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			s.reload(ctx, conn)
		}
	}
}

func (s *SQLStore) reload(ctx context.Context, conn *sql.Conn) {
	s.mu.Lock()
	next, err := s.read(ctx, conn)
	if err != nil {
		s.mu.Unlock()
		if ctx.Err() == nil {
			s.logger.Warn("settings: reload failed", "error", err)
		}
		return
	}
	diff := Diff(s.cur, next)
	s.cur = next
	s.mu.Unlock()

	if !diff.IsZero() {
		s.logger.Info("settings: external change", "keys", diff.Keys())
	}
	s.hub.publish(diff)
}

// Close stops the poller and releases Watch callers. The database is
// closed only if the store opened it.
func (s *SQLStore) Close() error {
	if !s.hub.close() {
		return nil
	}
	s.startMu.Lock()
	cancel, done := s.cancel, s.done
	s.startMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if s.owned {
		return s.db.Close()
	}
	return nil
}
