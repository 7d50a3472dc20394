package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides CRUD operations for entitlement records and the free-story
// ledger, backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the billing database in dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		user_id                TEXT PRIMARY KEY,
		email                  TEXT NOT NULL DEFAULT '',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		subscription_status    TEXT NOT NULL DEFAULT '',
		active_plan_price_id   TEXT,
		current_period_end     INTEGER,
		minutes_limit          INTEGER,
		minutes_used           INTEGER,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_stripe_customer_id ON entitlements(stripe_customer_id);
	CREATE INDEX IF NOT EXISTS idx_entitlements_subscription_status ON entitlements(subscription_status);

	CREATE TABLE IF NOT EXISTS story_usage (
		session_id TEXT PRIMARY KEY,
		ip         TEXT NOT NULL DEFAULT '',
		used       INTEGER NOT NULL DEFAULT 0,
		used_at    INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const entitlementColumns = `user_id, email, stripe_customer_id, stripe_subscription_id,
	subscription_status, active_plan_price_id, current_period_end,
	minutes_limit, minutes_used, created_at, updated_at`

// Get retrieves an entitlement record by user ID. Returns (nil, nil) when no
// record exists.
func (s *Store) Get(userID string) (*Entitlement, error) {
	row := s.db.QueryRow(`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = ?`, userID)
	e, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	return e, nil
}

// GetByStripeCustomerID retrieves the entitlement record mapped to a Stripe
// customer. Returns (nil, nil) when no record matches.
func (s *Store) GetByStripeCustomerID(customerID string) (*Entitlement, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT `+entitlementColumns+` FROM entitlements WHERE stripe_customer_id = ?`, customerID)
	e, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get entitlement by customer: %w", err)
	}
	return e, nil
}

// SetStripeCustomerID records the Stripe customer mapping for a user,
// inserting the record if needed. An existing non-empty mapping is never
// overwritten; the mapping persists across cancellation and resubscription.
func (s *Store) SetStripeCustomerID(userID, email, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if strings.TrimSpace(userID) == "" || customerID == "" {
		return fmt.Errorf("user id and customer id are required")
	}
	now := time.Now().UTC().Unix()
	_, err := s.db.Exec(`
		INSERT INTO entitlements (user_id, email, stripe_customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			stripe_customer_id = excluded.stripe_customer_id,
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE entitlements.email END,
			updated_at = excluded.updated_at
		WHERE entitlements.stripe_customer_id = ''`,
		userID, strings.ToLower(strings.TrimSpace(email)), customerID, now, now,
	)
	if err != nil {
		return fmt.Errorf("set stripe customer id: %w", err)
	}
	return nil
}

// Update overwrites all columns of an existing entitlement record. The row
// must already exist; use SetStripeCustomerID to create one.
func (s *Store) Update(e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	e.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE entitlements SET
			email = ?,
			stripe_customer_id = ?,
			stripe_subscription_id = ?,
			subscription_status = ?,
			active_plan_price_id = ?,
			current_period_end = ?,
			minutes_limit = ?,
			minutes_used = ?,
			updated_at = ?
		WHERE user_id = ?`,
		e.Email, e.StripeCustomerID, e.StripeSubscriptionID,
		e.SubscriptionStatus, nullableString(e.ActivePlanPriceID), nullableTimeUnix(e.CurrentPeriodEnd),
		nullableInt64(e.MinutesLimit), nullableInt64(e.MinutesUsed),
		e.UpdatedAt.Unix(), e.UserID,
	)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("entitlement not found for user %s", e.UserID)
	}
	return nil
}

// AddMinutesUsed increments the usage counter for the current period. The
// caller is responsible for quota gating; this only records consumption.
func (s *Store) AddMinutesUsed(userID string, minutes int64) error {
	if minutes <= 0 {
		return fmt.Errorf("minutes must be positive")
	}
	now := time.Now().UTC().Unix()
	res, err := s.db.Exec(`
		UPDATE entitlements SET
			minutes_used = COALESCE(minutes_used, 0) + ?,
			updated_at = ?
		WHERE user_id = ?`,
		minutes, now, userID,
	)
	if err != nil {
		return fmt.Errorf("add minutes used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add minutes used: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("entitlement not found for user %s", userID)
	}
	return nil
}

// ListByStatuses returns all entitlement records whose verbatim subscription
// status matches one of the given values.
func (s *Store) ListByStatuses(statuses []string) ([]*Entitlement, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, status)
	}

	rows, err := s.db.Query(`SELECT `+entitlementColumns+` FROM entitlements WHERE subscription_status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list entitlements by status: %w", err)
	}
	defer rows.Close()

	var out []*Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entitlements by status: %w", err)
	}
	return out, nil
}

// StoryUsed reports whether the anonymous session has already consumed its
// free story.
func (s *Store) StoryUsed(sessionID string) (bool, error) {
	var used int
	err := s.db.QueryRow(`SELECT used FROM story_usage WHERE session_id = ?`, sessionID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check story usage: %w", err)
	}
	return used != 0, nil
}

// MarkStoryUsed records the session's free story as consumed. Idempotent:
// replays upsert the same row.
func (s *Store) MarkStoryUsed(sessionID, ip string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	now := time.Now().UTC().Unix()
	_, err := s.db.Exec(`
		INSERT INTO story_usage (session_id, ip, used, used_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			ip = excluded.ip,
			used = 1,
			used_at = excluded.used_at`,
		sessionID, ip, now,
	)
	if err != nil {
		return fmt.Errorf("mark story used: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row rowScanner) (*Entitlement, error) {
	var (
		e             Entitlement
		planPriceID   sql.NullString
		periodEnd     sql.NullInt64
		minutesLimit  sql.NullInt64
		minutesUsed   sql.NullInt64
		createdAtUnix int64
		updatedAtUnix int64
	)
	err := row.Scan(
		&e.UserID, &e.Email, &e.StripeCustomerID, &e.StripeSubscriptionID,
		&e.SubscriptionStatus, &planPriceID, &periodEnd,
		&minutesLimit, &minutesUsed, &createdAtUnix, &updatedAtUnix,
	)
	if err != nil {
		return nil, err
	}
	if planPriceID.Valid {
		v := planPriceID.String
		e.ActivePlanPriceID = &v
	}
	if periodEnd.Valid {
		t := time.Unix(periodEnd.Int64, 0).UTC()
		e.CurrentPeriodEnd = &t
	}
	if minutesLimit.Valid {
		v := minutesLimit.Int64
		e.MinutesLimit = &v
	}
	if minutesUsed.Valid {
		v := minutesUsed.Int64
		e.MinutesUsed = &v
	}
	e.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	return &e, nil
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
