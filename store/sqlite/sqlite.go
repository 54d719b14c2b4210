/*
Package sqlite provides the SQLite-backed implementation of the loyalty
storage interfaces.

PURPOSE:
  Implements loyalty.Storage and loyalty.TxStorage using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements exist for ledger_entries,
  location_samples, settlement_triggers, or gift_card_transactions.
  Corrections happen via compensating entries only.

CONDITIONAL TRANSITIONS:
  Every state-machine transition is a single UPDATE whose WHERE clause
  names the expected current state; the affected-row count comes back
  to the caller as a bool. A settlement unlock racing an expiry sweep
  on the same grant resolves to exactly one winner because the loser's
  UPDATE matches zero rows.

KEY TABLES:
  accounts                Balance projection + lifetime earned total
  stores                  Retail directory (coords, category)
  store_blacklist         Per-store blocked accounts
  checkin_sessions        Presence windows
  location_samples        Append-only trails, ordered by seq
  pending_grants          Deferred settlement units
  ledger_entries          Immutable balance change log
  settlement_triggers     Unlock audit rows
  purchases               Confirmed point-of-sale transactions
  gift_cards              Redeemable-value instruments
  gift_card_transactions  Immutable card event log

WAL MODE:
  Opened with WAL and a busy timeout. The pool is pinned to one
  connection: ":memory:" databases are per-connection, and SQLite
  allows a single writer anyway.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")   // ":memory:" for tests
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/ledger.go: Balance/ledger operations built on these interfaces
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/loopworks/loyalty-engine/loyalty"
)

// timeFormat is fixed-width so lexicographic comparison in SQL matches
// time order, including sub-second precision.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// executor is satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements loyalty.Storage against any executor, so the same
// code serves pooled access and WithTx transactions.
type queries struct {
	ex executor
}

var _ loyalty.Storage = (*queries)(nil)

// Store implements loyalty.TxStorage.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var _ loyalty.TxStorage = (*Store)(nil)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database (useful for testing).
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{queries: &queries{ex: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single database transaction. The Storage
// passed to fn is only valid for the duration of the call.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Storage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{ex: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		plan TEXT NOT NULL,
		loops_balance INTEGER NOT NULL DEFAULT 0,
		total_loops_earned INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_phone
		ON accounts(phone) WHERE phone != '';

	CREATE TABLE IF NOT EXISTS stores (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT,
		latitude REAL,
		longitude REAL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stores_category ON stores(category);

	CREATE TABLE IF NOT EXISTS store_blacklist (
		store_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		PRIMARY KEY (store_id, account_id)
	);

	CREATE TABLE IF NOT EXISTS checkin_sessions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		checked_in_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		completed_at TEXT
	);

	-- Hot path: idempotent re-check-in lookup
	CREATE INDEX IF NOT EXISTS idx_sessions_pair_status
		ON checkin_sessions(account_id, store_id, status);
	-- Return-visit and related-category evidence scans
	CREATE INDEX IF NOT EXISTS idx_sessions_account_checked_in
		ON checkin_sessions(account_id, checked_in_at);

	-- Append-only: samples are never mutated or deleted
	CREATE TABLE IF NOT EXISTS location_samples (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		accuracy REAL,
		recorded_at TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS pending_grants (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		session_id TEXT NOT NULL UNIQUE,
		loops_pending INTEGER NOT NULL,
		civ_score REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		unlock_trigger TEXT,
		unlocked_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_grants_pair_status
		ON pending_grants(account_id, store_id, status);
	CREATE INDEX IF NOT EXISTS idx_grants_status_expires
		ON pending_grants(status, expires_at);

	-- Append-only ledger: no UPDATE, no DELETE. Ever.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		change_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		meta TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_account_created
		ON ledger_entries(account_id, created_at);

	-- Append-only: one row per successful unlock
	CREATE TABLE IF NOT EXISTS settlement_triggers (
		id TEXT PRIMARY KEY,
		grant_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		trigger_data TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_triggers_grant
		ON settlement_triggers(grant_id);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		loops_earned INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_pair_created
		ON purchases(account_id, store_id, created_at);

	CREATE TABLE IF NOT EXISTS gift_cards (
		code TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		store_id TEXT,
		original_value_cents INTEGER NOT NULL,
		current_balance_cents INTEGER NOT NULL,
		loops_used INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		card_type TEXT NOT NULL,
		issued_at TEXT,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gift_cards_account
		ON gift_cards(account_id);

	-- Append-only card event log
	CREATE TABLE IF NOT EXISTS gift_card_transactions (
		id TEXT PRIMARY KEY,
		card_code TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_card_tx_code
		ON gift_card_transactions(card_code, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (q *queries) GetAccount(ctx context.Context, id string) (*loyalty.Account, error) {
	return scanAccount(q.ex.QueryRowContext(ctx,
		`SELECT id, name, phone, plan, loops_balance, total_loops_earned, created_at
		 FROM accounts WHERE id = ?`, id))
}

func (q *queries) GetAccountByPhone(ctx context.Context, phone string) (*loyalty.Account, error) {
	return scanAccount(q.ex.QueryRowContext(ctx,
		`SELECT id, name, phone, plan, loops_balance, total_loops_earned, created_at
		 FROM accounts WHERE phone = ?`, phone))
}

func (q *queries) ListAccounts(ctx context.Context) ([]loyalty.Account, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT id, name, phone, plan, loops_balance, total_loops_earned, created_at
		 FROM accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []loyalty.Account
	for rows.Next() {
		var a loyalty.Account
		var phone sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Name, &phone, &a.Plan, &a.LoopsBalance, &a.TotalLoopsEarned, &createdAt); err != nil {
			return nil, err
		}
		a.Phone = phone.String
		a.CreatedAt = parseTime(createdAt)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanAccount(row *sql.Row) (*loyalty.Account, error) {
	var a loyalty.Account
	var phone sql.NullString
	var createdAt string

	err := row.Scan(&a.ID, &a.Name, &phone, &a.Plan, &a.LoopsBalance, &a.TotalLoopsEarned, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	a.Phone = phone.String
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (q *queries) SaveAccount(ctx context.Context, a loyalty.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO accounts (id, name, phone, plan, loops_balance, total_loops_earned, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			plan = excluded.plan`,
		a.ID, a.Name, a.Phone, a.Plan, a.LoopsBalance, a.TotalLoopsEarned, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (q *queries) CreditBalance(ctx context.Context, id string, amount int, bumpLifetime bool) error {
	lifetime := 0
	if bumpLifetime {
		lifetime = amount
	}
	res, err := q.ex.ExecContext(ctx,
		`UPDATE accounts
		 SET loops_balance = loops_balance + ?,
		     total_loops_earned = total_loops_earned + ?
		 WHERE id = ?`,
		amount, lifetime, id)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, loyalty.ErrNotFound)
	}
	return nil
}

func (q *queries) DebitBalance(ctx context.Context, id string, amount int) (bool, error) {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE accounts
		 SET loops_balance = loops_balance - ?
		 WHERE id = ? AND loops_balance >= ?`,
		amount, id, amount)
	if err != nil {
		return false, fmt.Errorf("failed to debit balance: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// =============================================================================
// DIRECTORY STORE
// =============================================================================

const storeColumns = `id, name, category, latitude, longitude, created_at`

func (q *queries) GetStore(ctx context.Context, id string) (*loyalty.Store, error) {
	row := q.ex.QueryRowContext(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE id = ?`, id)

	var st loyalty.Store
	var category sql.NullString
	var lat, lon sql.NullFloat64
	var createdAt string

	err := row.Scan(&st.ID, &st.Name, &category, &lat, &lon, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan store: %w", err)
	}

	st.Category = category.String
	if lat.Valid {
		v := lat.Float64
		st.Latitude = &v
	}
	if lon.Valid {
		v := lon.Float64
		st.Longitude = &v
	}
	st.CreatedAt = parseTime(createdAt)
	return &st, nil
}

func (q *queries) ListStores(ctx context.Context) ([]loyalty.Store, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT `+storeColumns+` FROM stores ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stores []loyalty.Store
	for rows.Next() {
		var st loyalty.Store
		var category sql.NullString
		var lat, lon sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&st.ID, &st.Name, &category, &lat, &lon, &createdAt); err != nil {
			return nil, err
		}
		st.Category = category.String
		if lat.Valid {
			v := lat.Float64
			st.Latitude = &v
		}
		if lon.Valid {
			v := lon.Float64
			st.Longitude = &v
		}
		st.CreatedAt = parseTime(createdAt)
		stores = append(stores, st)
	}
	return stores, rows.Err()
}

func (q *queries) SaveStore(ctx context.Context, st loyalty.Store) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	var lat, lon any
	if st.Latitude != nil {
		lat = *st.Latitude
	}
	if st.Longitude != nil {
		lon = *st.Longitude
	}
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO stores (id, name, category, latitude, longitude, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			latitude = excluded.latitude,
			longitude = excluded.longitude`,
		st.ID, st.Name, st.Category, lat, lon, formatTime(st.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save store: %w", err)
	}
	return nil
}

func (q *queries) IsBlacklisted(ctx context.Context, storeID, accountID string) (bool, error) {
	var count int
	err := q.ex.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM store_blacklist WHERE store_id = ? AND account_id = ?`,
		storeID, accountID).Scan(&count)
	return count > 0, err
}

func (q *queries) AddToBlacklist(ctx context.Context, storeID, accountID string) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT OR IGNORE INTO store_blacklist (store_id, account_id) VALUES (?, ?)`,
		storeID, accountID)
	return err
}

// =============================================================================
// SESSION STORE
// =============================================================================

const sessionColumns = `id, account_id, store_id, status, checked_in_at, expires_at, completed_at`

func (q *queries) CreateSession(ctx context.Context, sess loyalty.Session) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO checkin_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		sess.ID, sess.AccountID, sess.StoreID, sess.Status,
		formatTime(sess.CheckedInAt), formatTime(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (q *queries) GetSession(ctx context.Context, id string) (*loyalty.Session, error) {
	return scanSession(q.ex.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM checkin_sessions WHERE id = ?`, id))
}

func (q *queries) ActiveSession(ctx context.Context, accountID, storeID string, now time.Time) (*loyalty.Session, error) {
	return scanSession(q.ex.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM checkin_sessions
		 WHERE account_id = ? AND store_id = ? AND status = 'active' AND expires_at > ?
		 ORDER BY checked_in_at DESC LIMIT 1`,
		accountID, storeID, formatTime(now)))
}

func scanSession(row *sql.Row) (*loyalty.Session, error) {
	var sess loyalty.Session
	var checkedInAt, expiresAt string
	var completedAt sql.NullString

	err := row.Scan(&sess.ID, &sess.AccountID, &sess.StoreID, &sess.Status,
		&checkedInAt, &expiresAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.CheckedInAt = parseTime(checkedInAt)
	sess.ExpiresAt = parseTime(expiresAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		sess.CompletedAt = &t
	}
	return &sess, nil
}

func (q *queries) CompleteSession(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE checkin_sessions
		 SET status = 'completed', completed_at = ?
		 WHERE id = ? AND status = 'active' AND expires_at > ?`,
		formatTime(now), id, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to complete session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (q *queries) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE checkin_sessions SET status = 'expired'
		 WHERE status = 'active' AND expires_at <= ?`,
		formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *queries) AppendSample(ctx context.Context, sample loyalty.LocationSample) error {
	var accuracy any
	if sample.Accuracy != nil {
		accuracy = *sample.Accuracy
	}
	// Seq is assigned here so arrival order is the persisted order.
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO location_samples (id, session_id, seq, latitude, longitude, accuracy, recorded_at)
		 VALUES (?, ?,
			(SELECT COUNT(*) FROM location_samples WHERE session_id = ?),
			?, ?, ?, ?)`,
		sample.ID, sample.SessionID, sample.SessionID,
		sample.Latitude, sample.Longitude, accuracy, formatTime(sample.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to append sample: %w", err)
	}
	return nil
}

func (q *queries) Samples(ctx context.Context, sessionID string) ([]loyalty.LocationSample, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT id, session_id, seq, latitude, longitude, accuracy, recorded_at
		 FROM location_samples WHERE session_id = ? ORDER BY seq ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []loyalty.LocationSample
	for rows.Next() {
		var s loyalty.LocationSample
		var accuracy sql.NullFloat64
		var recordedAt string
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Seq, &s.Latitude, &s.Longitude, &accuracy, &recordedAt); err != nil {
			return nil, err
		}
		if accuracy.Valid {
			a := accuracy.Float64
			s.Accuracy = &a
		}
		s.RecordedAt = parseTime(recordedAt)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (q *queries) CountSessionsAfter(ctx context.Context, accountID, storeID string, after, until time.Time, excludeSessionID string) (int, error) {
	var count int
	err := q.ex.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkin_sessions
		 WHERE account_id = ? AND store_id = ? AND id != ?
		   AND checked_in_at > ? AND checked_in_at <= ?`,
		accountID, storeID, excludeSessionID, formatTime(after), formatTime(until)).Scan(&count)
	return count, err
}

func (q *queries) CountCategorySessionsAfter(ctx context.Context, accountID, category, excludeStoreID string, after, until time.Time) (int, error) {
	var count int
	err := q.ex.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkin_sessions cs
		 JOIN stores st ON st.id = cs.store_id
		 WHERE cs.account_id = ? AND st.category = ? AND cs.store_id != ?
		   AND cs.checked_in_at > ? AND cs.checked_in_at <= ?`,
		accountID, category, excludeStoreID, formatTime(after), formatTime(until)).Scan(&count)
	return count, err
}

// =============================================================================
// GRANT STORE
// =============================================================================

const grantColumns = `id, account_id, store_id, session_id, loops_pending, civ_score,
	status, created_at, expires_at, unlock_trigger, unlocked_at`

func (q *queries) CreateGrant(ctx context.Context, g loyalty.PendingGrant) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO pending_grants
		 (id, account_id, store_id, session_id, loops_pending, civ_score, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.AccountID, g.StoreID, g.SessionID, g.LoopsPending, g.CivScore,
		g.Status, formatTime(g.CreatedAt), formatTime(g.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

func (q *queries) GetGrant(ctx context.Context, id string) (*loyalty.PendingGrant, error) {
	return scanGrant(q.ex.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM pending_grants WHERE id = ?`, id))
}

func (q *queries) GrantBySession(ctx context.Context, sessionID string) (*loyalty.PendingGrant, error) {
	return scanGrant(q.ex.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM pending_grants WHERE session_id = ?`, sessionID))
}

func scanGrant(row *sql.Row) (*loyalty.PendingGrant, error) {
	var g loyalty.PendingGrant
	var createdAt, expiresAt string
	var unlockTrigger, unlockedAt sql.NullString

	err := row.Scan(&g.ID, &g.AccountID, &g.StoreID, &g.SessionID, &g.LoopsPending,
		&g.CivScore, &g.Status, &createdAt, &expiresAt, &unlockTrigger, &unlockedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan grant: %w", err)
	}

	g.CreatedAt = parseTime(createdAt)
	g.ExpiresAt = parseTime(expiresAt)
	if unlockTrigger.Valid {
		t := loyalty.TriggerType(unlockTrigger.String)
		g.UnlockTrigger = &t
	}
	if unlockedAt.Valid {
		t := parseTime(unlockedAt.String)
		g.UnlockedAt = &t
	}
	return &g, nil
}

func (q *queries) PendingGrants(ctx context.Context, accountID, storeID string, now time.Time) ([]loyalty.PendingGrant, error) {
	return q.queryGrants(ctx,
		`SELECT `+grantColumns+` FROM pending_grants
		 WHERE account_id = ? AND store_id = ? AND status = 'pending' AND expires_at > ?
		 ORDER BY created_at ASC`,
		accountID, storeID, formatTime(now))
}

func (q *queries) ListPendingByAccount(ctx context.Context, accountID string, now time.Time) ([]loyalty.PendingGrant, error) {
	return q.queryGrants(ctx,
		`SELECT `+grantColumns+` FROM pending_grants
		 WHERE account_id = ? AND status = 'pending' AND expires_at > ?
		 ORDER BY created_at ASC`,
		accountID, formatTime(now))
}

func (q *queries) queryGrants(ctx context.Context, query string, args ...any) ([]loyalty.PendingGrant, error) {
	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []loyalty.PendingGrant
	for rows.Next() {
		var g loyalty.PendingGrant
		var createdAt, expiresAt string
		var unlockTrigger, unlockedAt sql.NullString
		if err := rows.Scan(&g.ID, &g.AccountID, &g.StoreID, &g.SessionID, &g.LoopsPending,
			&g.CivScore, &g.Status, &createdAt, &expiresAt, &unlockTrigger, &unlockedAt); err != nil {
			return nil, err
		}
		g.CreatedAt = parseTime(createdAt)
		g.ExpiresAt = parseTime(expiresAt)
		if unlockTrigger.Valid {
			t := loyalty.TriggerType(unlockTrigger.String)
			g.UnlockTrigger = &t
		}
		if unlockedAt.Valid {
			t := parseTime(unlockedAt.String)
			g.UnlockedAt = &t
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (q *queries) AdjustGrant(ctx context.Context, sessionID string, loopsPending int, civScore float64) (bool, error) {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE pending_grants SET loops_pending = ?, civ_score = ?
		 WHERE session_id = ? AND status = 'pending'`,
		loopsPending, civScore, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to adjust grant: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (q *queries) UnlockGrant(ctx context.Context, id string, trigger loyalty.TriggerType, now time.Time) (bool, error) {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE pending_grants
		 SET status = 'unlocked', unlock_trigger = ?, unlocked_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(trigger), formatTime(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to unlock grant: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (q *queries) ExpireGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE pending_grants SET status = 'expired'
		 WHERE status = 'pending' AND expires_at <= ?`,
		formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to expire grants: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *queries) OutstandingPairs(ctx context.Context, now time.Time) ([]loyalty.GrantKey, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT DISTINCT account_id, store_id FROM pending_grants
		 WHERE status = 'pending' AND expires_at > ?`,
		formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []loyalty.GrantKey
	for rows.Next() {
		var k loyalty.GrantKey
		if err := rows.Scan(&k.AccountID, &k.StoreID); err != nil {
			return nil, err
		}
		pairs = append(pairs, k)
	}
	return pairs, rows.Err()
}

// =============================================================================
// LEDGER STORE (append-only)
// =============================================================================

func (q *queries) AppendEntry(ctx context.Context, e loyalty.LedgerEntry) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, account_id, change_type, amount, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.ChangeType, e.Amount, e.Meta, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (q *queries) Entries(ctx context.Context, accountID string) ([]loyalty.LedgerEntry, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT id, account_id, change_type, amount, meta, created_at
		 FROM ledger_entries WHERE account_id = ?
		 ORDER BY created_at ASC, rowid ASC`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []loyalty.LedgerEntry
	for rows.Next() {
		var e loyalty.LedgerEntry
		var meta sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ChangeType, &e.Amount, &meta, &createdAt); err != nil {
			return nil, err
		}
		e.Meta = meta.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *queries) LedgerSum(ctx context.Context, accountID string) (int, error) {
	var sum int
	err := q.ex.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = ?`,
		accountID).Scan(&sum)
	return sum, err
}

func (q *queries) CountRedemptionsAfter(ctx context.Context, accountID, metaFragment string, after, until time.Time) (int, error) {
	// The fragment must end a token: "store:s1" may not match
	// "store:s10", so it is anchored at end-of-meta or a space.
	var count int
	err := q.ex.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries
		 WHERE account_id = ? AND change_type = 'REDEEM'
		   AND (meta LIKE '%' || ? OR meta LIKE '%' || ? || ' %')
		   AND created_at > ? AND created_at <= ?`,
		accountID, metaFragment, metaFragment, formatTime(after), formatTime(until)).Scan(&count)
	return count, err
}

// =============================================================================
// TRIGGER STORE (append-only)
// =============================================================================

func (q *queries) AppendTriggerRecord(ctx context.Context, r loyalty.TriggerRecord) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO settlement_triggers (id, grant_id, trigger_type, trigger_data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.GrantID, string(r.Trigger), r.TriggerData, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append trigger record: %w", err)
	}
	return nil
}

func (q *queries) TriggerRecords(ctx context.Context, grantID string) ([]loyalty.TriggerRecord, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT id, grant_id, trigger_type, trigger_data, created_at
		 FROM settlement_triggers WHERE grant_id = ? ORDER BY created_at ASC`,
		grantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []loyalty.TriggerRecord
	for rows.Next() {
		var r loyalty.TriggerRecord
		var data sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.GrantID, &r.Trigger, &data, &createdAt); err != nil {
			return nil, err
		}
		r.TriggerData = data.String
		r.CreatedAt = parseTime(createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// PURCHASE STORE
// =============================================================================

func (q *queries) RecordPurchase(ctx context.Context, p loyalty.Purchase) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO purchases (id, account_id, store_id, amount_cents, loops_earned, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.StoreID, p.AmountCents, p.LoopsEarned, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record purchase: %w", err)
	}
	return nil
}

func (q *queries) CountPurchasesAfter(ctx context.Context, accountID, storeID string, after, until time.Time, excludePurchaseID string) (int, error) {
	var count int
	err := q.ex.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM purchases
		 WHERE account_id = ? AND store_id = ? AND id != ?
		   AND created_at > ? AND created_at <= ?`,
		accountID, storeID, excludePurchaseID, formatTime(after), formatTime(until)).Scan(&count)
	return count, err
}

func (q *queries) AverageAmountCents(ctx context.Context, accountID, storeID string) (int64, bool, error) {
	var avg sql.NullFloat64
	err := q.ex.QueryRowContext(ctx,
		`SELECT AVG(amount_cents) FROM purchases WHERE account_id = ? AND store_id = ?`,
		accountID, storeID).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return int64(avg.Float64), true, nil
}

func (q *queries) StoreAverageAmountCents(ctx context.Context, storeID string) (int64, bool, error) {
	var avg sql.NullFloat64
	err := q.ex.QueryRowContext(ctx,
		`SELECT AVG(amount_cents) FROM purchases WHERE store_id = ?`,
		storeID).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return int64(avg.Float64), true, nil
}

// =============================================================================
// GIFT CARD STORE
// =============================================================================

const cardColumns = `code, account_id, store_id, original_value_cents, current_balance_cents,
	loops_used, status, card_type, issued_at, expires_at, created_at`

// Card values are stored as integer cents; decimal only at the boundary.
func centsFromDecimal(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func decimalFromCents(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}

func (q *queries) CreateGiftCard(ctx context.Context, g loyalty.GiftCard) error {
	var issuedAt any
	if g.IssuedAt != nil {
		issuedAt = formatTime(*g.IssuedAt)
	}
	var storeID any
	if g.StoreID != "" {
		storeID = g.StoreID
	}
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO gift_cards (`+cardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.Code, g.AccountID, storeID,
		centsFromDecimal(g.OriginalValue), centsFromDecimal(g.CurrentBalance),
		g.LoopsUsed, g.Status, g.CardType, issuedAt,
		formatTime(g.ExpiresAt), formatTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create gift card: %w", err)
	}
	return nil
}

func (q *queries) GetGiftCard(ctx context.Context, code string) (*loyalty.GiftCard, error) {
	row := q.ex.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM gift_cards WHERE code = ?`, code)

	g, err := scanCard(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan gift card: %w", err)
	}
	return g, nil
}

func scanCard(scan func(...any) error) (*loyalty.GiftCard, error) {
	var g loyalty.GiftCard
	var storeID, issuedAt sql.NullString
	var origCents, balCents int64
	var expiresAt, createdAt string

	err := scan(&g.Code, &g.AccountID, &storeID, &origCents, &balCents,
		&g.LoopsUsed, &g.Status, &g.CardType, &issuedAt, &expiresAt, &createdAt)
	if err != nil {
		return nil, err
	}

	g.StoreID = storeID.String
	g.OriginalValue = decimalFromCents(origCents)
	g.CurrentBalance = decimalFromCents(balCents)
	if issuedAt.Valid {
		t := parseTime(issuedAt.String)
		g.IssuedAt = &t
	}
	g.ExpiresAt = parseTime(expiresAt)
	g.CreatedAt = parseTime(createdAt)
	return &g, nil
}

func (q *queries) ListGiftCards(ctx context.Context, accountID string) ([]loyalty.GiftCard, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM gift_cards WHERE account_id = ? ORDER BY created_at DESC`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []loyalty.GiftCard
	for rows.Next() {
		g, err := scanCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *g)
	}
	return cards, rows.Err()
}

func (q *queries) DebitGiftCard(ctx context.Context, code string, amount decimal.Decimal) (bool, error) {
	cents := centsFromDecimal(amount)
	res, err := q.ex.ExecContext(ctx,
		`UPDATE gift_cards
		 SET current_balance_cents = current_balance_cents - ?
		 WHERE code = ? AND status = 'active' AND current_balance_cents >= ?`,
		cents, code, cents)
	if err != nil {
		return false, fmt.Errorf("failed to debit gift card: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	// A card drained to zero is used.
	_, err = q.ex.ExecContext(ctx,
		`UPDATE gift_cards SET status = 'used'
		 WHERE code = ? AND status = 'active' AND current_balance_cents = 0`,
		code)
	if err != nil {
		return false, fmt.Errorf("failed to finalize used gift card: %w", err)
	}
	return true, nil
}

func (q *queries) TopUpGiftCard(ctx context.Context, code string, amount decimal.Decimal, loops int, newExpiry time.Time) (bool, error) {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE gift_cards
		 SET current_balance_cents = current_balance_cents + ?,
		     loops_used = loops_used + ?,
		     expires_at = ?
		 WHERE code = ? AND status = 'active'`,
		centsFromDecimal(amount), loops, formatTime(newExpiry), code)
	if err != nil {
		return false, fmt.Errorf("failed to top up gift card: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (q *queries) IssueGiftCard(ctx context.Context, code string, now time.Time) (bool, error) {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE gift_cards SET issued_at = ?
		 WHERE code = ? AND card_type = 'physical' AND issued_at IS NULL`,
		formatTime(now), code)
	if err != nil {
		return false, fmt.Errorf("failed to issue gift card: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (q *queries) ExpireGiftCard(ctx context.Context, code string) error {
	_, err := q.ex.ExecContext(ctx,
		`UPDATE gift_cards SET status = 'expired' WHERE code = ? AND status = 'active'`,
		code)
	return err
}

func (q *queries) AppendCardTransaction(ctx context.Context, t loyalty.GiftCardTransaction) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO gift_card_transactions (id, card_code, tx_type, amount_cents, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.CardCode, t.Type, centsFromDecimal(t.Amount), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append card transaction: %w", err)
	}
	return nil
}

func (q *queries) CardTransactions(ctx context.Context, cardCode string) ([]loyalty.GiftCardTransaction, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT id, card_code, tx_type, amount_cents, created_at
		 FROM gift_card_transactions WHERE card_code = ?
		 ORDER BY created_at ASC, rowid ASC`,
		cardCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []loyalty.GiftCardTransaction
	for rows.Next() {
		var t loyalty.GiftCardTransaction
		var cents int64
		var createdAt string
		if err := rows.Scan(&t.ID, &t.CardCode, &t.Type, &cents, &createdAt); err != nil {
			return nil, err
		}
		t.Amount = decimalFromCents(cents)
		t.CreatedAt = parseTime(createdAt)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data. Intended for demos and tests.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"gift_card_transactions", "gift_cards", "purchases", "settlement_triggers",
		"ledger_entries", "pending_grants", "location_samples", "checkin_sessions",
		"store_blacklist", "stores", "accounts",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// IsUniqueConstraintError reports a UNIQUE violation, for callers that
// treat duplicate inserts as idempotent.
func IsUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
