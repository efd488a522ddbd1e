package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nhalm/accessgate/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	price_cents         INTEGER NOT NULL DEFAULT 0,
	description         TEXT NOT NULL DEFAULT '',
	requests_per_minute INTEGER NOT NULL,
	active              INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS clients (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	email         TEXT,
	plan_id       TEXT REFERENCES plans(id),
	active        INTEGER NOT NULL DEFAULT 1,
	trial_ends_at INTEGER,
	created_at    INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS clients_email_idx ON clients(email) WHERE email IS NOT NULL;

CREATE TABLE IF NOT EXISTS usage_records (
	id         TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	cost       INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS usage_records_client_time_idx ON usage_records(client_id, created_at);
`

// SQLite persists accounts in a SQLite database file.
// Safe for concurrent use.
type SQLite struct {
	db      *sql.DB
	builder squirrel.StatementBuilderType
	now     func() time.Time
}

// Option configures a SQLite repository.
type Option func(*SQLite)

// WithClock replaces time.Now for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLite) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLite{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// unavailable marks operational database failures so the gateway can treat
// them like any other backing store outage.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", store.ErrUnavailable, op, err)
}

// UpsertPlan creates or replaces a plan.
func (s *SQLite) UpsertPlan(ctx context.Context, p Plan) error {
	if p.ID == "" || p.Name == "" || p.RequestsPerMinute < 0 {
		return fmt.Errorf("%w: plan needs id, name and a non-negative limit", ErrInvalid)
	}

	stmt, args, err := s.builder.Insert("plans").
		Columns("id", "name", "price_cents", "description", "requests_per_minute", "active").
		Values(p.ID, p.Name, p.PriceCents, p.Description, p.RequestsPerMinute, p.Active).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price_cents = excluded.price_cents,
			description = excluded.description,
			requests_per_minute = excluded.requests_per_minute,
			active = excluded.active`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert plan sql: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return unavailable("upsert plan", err)
	}
	return nil
}

func (s *SQLite) planQuery() squirrel.SelectBuilder {
	return s.builder.Select("id", "name", "price_cents", "description", "requests_per_minute", "active").From("plans")
}

func scanPlan(row squirrel.RowScanner) (Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Description, &p.RequestsPerMinute, &p.Active)
	return p, err
}

// GetPlan returns the plan with id, or ErrNotFound.
func (s *SQLite) GetPlan(ctx context.Context, id string) (Plan, error) {
	stmt, args, err := s.planQuery().Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return Plan{}, fmt.Errorf("build get plan sql: %w", err)
	}

	p, err := scanPlan(s.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, ErrNotFound
	}
	if err != nil {
		return Plan{}, unavailable("get plan", err)
	}
	return p, nil
}

// ListPlans returns all plans ordered by price then name. With activeOnly set,
// retired plans are omitted.
func (s *SQLite) ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error) {
	q := s.planQuery().OrderBy("price_cents ASC", "name ASC")
	if activeOnly {
		q = q.Where(squirrel.Eq{"active": true})
	}
	stmt, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list plans sql: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, unavailable("list plans", err)
	}
	defer rows.Close()

	plans := []Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, unavailable("scan plan", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list plans", err)
	}
	return plans, nil
}

// UpsertClient creates or updates a client. CreatedAt is set on first insert
// and preserved afterwards; the stored record is returned.
func (s *SQLite) UpsertClient(ctx context.Context, c Client) (Client, error) {
	if c.ID == "" {
		return Client{}, fmt.Errorf("%w: client needs an id", ErrInvalid)
	}
	if c.PlanID != "" {
		if _, err := s.GetPlan(ctx, c.PlanID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return Client{}, fmt.Errorf("%w: unknown plan %q", ErrInvalid, c.PlanID)
			}
			return Client{}, err
		}
	}

	var trialEndsAt any
	if c.TrialEndsAt != nil {
		trialEndsAt = c.TrialEndsAt.UTC().UnixNano()
	}

	stmt, args, err := s.builder.Insert("clients").
		Columns("id", "name", "email", "plan_id", "active", "trial_ends_at", "created_at").
		Values(c.ID, c.Name, nullString(c.Email), nullString(c.PlanID), c.Active, trialEndsAt, s.now().UTC().UnixNano()).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			plan_id = excluded.plan_id,
			active = excluded.active,
			trial_ends_at = excluded.trial_ends_at`).
		ToSql()
	if err != nil {
		return Client{}, fmt.Errorf("build upsert client sql: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return Client{}, fmt.Errorf("%w: email %q already in use", ErrInvalid, c.Email)
		}
		return Client{}, unavailable("upsert client", err)
	}
	return s.GetClient(ctx, c.ID)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// GetClient returns the client with id, or ErrNotFound.
func (s *SQLite) GetClient(ctx context.Context, id string) (Client, error) {
	stmt, args, err := s.builder.
		Select("id", "name", "email", "plan_id", "active", "trial_ends_at", "created_at").
		From("clients").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return Client{}, fmt.Errorf("build get client sql: %w", err)
	}

	var (
		c          Client
		email      sql.NullString
		planID     sql.NullString
		trialEnds  sql.NullInt64
		createdAtN int64
	)
	err = s.db.QueryRowContext(ctx, stmt, args...).
		Scan(&c.ID, &c.Name, &email, &planID, &c.Active, &trialEnds, &createdAtN)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, ErrNotFound
	}
	if err != nil {
		return Client{}, unavailable("get client", err)
	}

	c.Email = email.String
	c.PlanID = planID.String
	c.CreatedAt = time.Unix(0, createdAtN).UTC()
	if trialEnds.Valid {
		t := time.Unix(0, trialEnds.Int64).UTC()
		c.TrialEndsAt = &t
	}
	return c, nil
}

// RecordUsage appends one usage record.
func (s *SQLite) RecordUsage(ctx context.Context, clientID, endpoint string, cost int64) error {
	if clientID == "" || endpoint == "" {
		return fmt.Errorf("%w: usage needs a client and an endpoint", ErrInvalid)
	}

	stmt, args, err := s.builder.Insert("usage_records").
		Columns("id", "client_id", "endpoint", "cost", "created_at").
		Values(uuid.NewString(), clientID, endpoint, cost, s.now().UTC().UnixNano()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert usage sql: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return unavailable("record usage", err)
	}
	return nil
}

// UsageSince aggregates the usage of clientID recorded at or after since.
func (s *SQLite) UsageSince(ctx context.Context, clientID string, since time.Time) (UsageSummary, error) {
	stmt, args, err := s.builder.
		Select("endpoint", "COUNT(*)", "COALESCE(SUM(cost), 0)").
		From("usage_records").
		Where(squirrel.Eq{"client_id": clientID}).
		Where(squirrel.GtOrEq{"created_at": since.UTC().UnixNano()}).
		GroupBy("endpoint").
		OrderBy("endpoint ASC").
		ToSql()
	if err != nil {
		return UsageSummary{}, fmt.Errorf("build usage sql: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return UsageSummary{}, unavailable("query usage", err)
	}
	defer rows.Close()

	summary := UsageSummary{
		ClientID:  clientID,
		Since:     since.UTC(),
		Endpoints: []EndpointUsage{},
	}
	for rows.Next() {
		var e EndpointUsage
		if err := rows.Scan(&e.Endpoint, &e.Calls, &e.Cost); err != nil {
			return UsageSummary{}, unavailable("scan usage", err)
		}
		summary.Calls += e.Calls
		summary.Cost += e.Cost
		summary.Endpoints = append(summary.Endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return UsageSummary{}, unavailable("query usage", err)
	}
	return summary, nil
}

// Records returns the raw usage records of clientID since the given time,
// newest first, capped at limit.
func (s *SQLite) Records(ctx context.Context, clientID string, since time.Time, limit uint64) ([]UsageRecord, error) {
	stmt, args, err := s.builder.
		Select("id", "client_id", "endpoint", "cost", "created_at").
		From("usage_records").
		Where(squirrel.Eq{"client_id": clientID}).
		Where(squirrel.GtOrEq{"created_at": since.UTC().UnixNano()}).
		OrderBy("created_at DESC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage records sql: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, unavailable("query usage records", err)
	}
	defer rows.Close()

	records := []UsageRecord{}
	for rows.Next() {
		var (
			r       UsageRecord
			created int64
		)
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Endpoint, &r.Cost, &created); err != nil {
			return nil, unavailable("scan usage record", err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query usage records", err)
	}
	return records, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
