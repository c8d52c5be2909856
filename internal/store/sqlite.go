package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/planfinder/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS carriers (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL,
	state  TEXT NOT NULL DEFAULT '',
	rating REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS insurance_plans (
	plan_id                TEXT NOT NULL,
	revision               INTEGER NOT NULL,
	is_current             INTEGER NOT NULL DEFAULT 1,
	carrier_id             TEXT NOT NULL REFERENCES carriers(id),
	name                   TEXT NOT NULL,
	state                  TEXT NOT NULL,
	plan_type              TEXT NOT NULL,
	metal_tier             TEXT NOT NULL,
	coverage_type          TEXT NOT NULL DEFAULT 'individual',
	monthly_premium        REAL NOT NULL,
	deductible             REAL NOT NULL,
	out_of_pocket_max      REAL NOT NULL DEFAULT 0,
	coinsurance            REAL NOT NULL DEFAULT 0,
	primary_care_copay     REAL NOT NULL DEFAULT 0,
	specialist_copay       REAL NOT NULL DEFAULT 0,
	dental_included        INTEGER NOT NULL DEFAULT 0,
	vision_included        INTEGER NOT NULL DEFAULT 0,
	mental_health_included INTEGER NOT NULL DEFAULT 0,
	maternity_included     INTEGER NOT NULL DEFAULT 0,
	prescription_included  INTEGER NOT NULL DEFAULT 0,
	preventive_included    INTEGER NOT NULL DEFAULT 0,
	emergency_included     INTEGER NOT NULL DEFAULT 0,
	hsa_eligible           INTEGER NOT NULL DEFAULT 0,
	quality_rating         REAL NOT NULL DEFAULT 0,
	source_url             TEXT NOT NULL DEFAULT '',
	is_active              INTEGER NOT NULL DEFAULT 1,
	committed_at           DATETIME NOT NULL,
	PRIMARY KEY (plan_id, revision)
);

CREATE INDEX IF NOT EXISTS idx_plans_current ON insurance_plans(plan_id, is_current);
CREATE INDEX IF NOT EXISTS idx_plans_state ON insurance_plans(state);

CREATE TABLE IF NOT EXISTS premium_by_age (
	plan_id  TEXT NOT NULL,
	revision INTEGER NOT NULL,
	age      INTEGER NOT NULL,
	premium  REAL NOT NULL,
	PRIMARY KEY (plan_id, revision, age)
);

CREATE TABLE IF NOT EXISTS plan_benefits (
	plan_id     TEXT NOT NULL,
	revision    INTEGER NOT NULL,
	position    INTEGER NOT NULL,
	description TEXT NOT NULL,
	PRIMARY KEY (plan_id, revision, position)
);

CREATE TABLE IF NOT EXISTS freshness_meta (
	plan_id              TEXT PRIMARY KEY,
	last_verified_at     DATETIME NOT NULL,
	confidence           REAL NOT NULL,
	source               TEXT NOT NULL,
	state                TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	owner_job_id         TEXT NOT NULL DEFAULT '',
	refresh_started_at   DATETIME,
	next_eligible_at     DATETIME,
	last_backoff_ms      INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	updated_at           DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_freshness_state ON freshness_meta(state);

CREATE TABLE IF NOT EXISTS scraping_jobs (
	id          TEXT PRIMARY KEY,
	scope       TEXT NOT NULL,
	source      TEXT NOT NULL,
	plan_ids    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	scraped     INTEGER NOT NULL DEFAULT 0,
	updated     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	conflicts   INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	started_at  DATETIME,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_created ON scraping_jobs(created_at);

CREATE TABLE IF NOT EXISTS data_quality_checks (
	id         TEXT PRIMARY KEY,
	plan_id    TEXT NOT NULL,
	job_id     TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL,
	passed     INTEGER NOT NULL,
	confidence REAL NOT NULL,
	details    TEXT NOT NULL,
	checked_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quality_checks_plan ON data_quality_checks(plan_id, checked_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Plans ---

func (s *SQLiteStore) GetPlan(ctx context.Context, planID string) (*model.PlanRecord, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM insurance_plans WHERE plan_id = ? AND is_current = 1`, planID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan", planID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get plan %s", planID)
	}
	if err := s.attachChildren(ctx, []*model.PlanRecord{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) GetPlanRevision(ctx context.Context, planID string, revision int) (*model.PlanRecord, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM insurance_plans WHERE plan_id = ? AND revision = ?`, planID, revision))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: plan %s revision %d", planID, revision)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get plan %s revision %d", planID, revision)
	}
	if err := s.attachChildren(ctx, []*model.PlanRecord{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) ListPlans(ctx context.Context, filter PlanFilter) ([]model.PlanRecord, error) {
	query := `SELECT ` + planColumns + ` FROM insurance_plans WHERE is_current = 1`
	var args []any
	if filter.ActiveOnly {
		query += ` AND is_active = 1`
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	if len(filter.IDs) > 0 {
		query += ` AND plan_id IN (?` + strings.Repeat(`, ?`, len(filter.IDs)-1) + `)`
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY plan_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list plans")
	}
	var plans []*model.PlanRecord
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan plan")
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, eris.Wrap(err, "sqlite: iterate plans")
	}
	rows.Close()

	if err := s.attachChildren(ctx, plans); err != nil {
		return nil, err
	}
	out := make([]model.PlanRecord, 0, len(plans))
	for _, p := range plans {
		out = append(out, *p)
	}
	return out, nil
}

// attachChildren loads premium_by_age and plan_benefits for the given revisions.
func (s *SQLiteStore) attachChildren(ctx context.Context, plans []*model.PlanRecord) error {
	if len(plans) == 0 {
		return nil
	}
	byKey := make(map[planKey]*model.PlanRecord, len(plans))
	for _, p := range plans {
		byKey[planKey{p.ID, p.Revision}] = p
	}

	scope := `SELECT %s FROM %s WHERE (plan_id, revision) IN (SELECT plan_id, revision FROM insurance_plans WHERE is_current = 1)`
	if len(plans) == 1 {
		scope = `SELECT %s FROM %s WHERE plan_id = ? AND revision = ?`
	}
	var args []any
	if len(plans) == 1 {
		args = []any{plans[0].ID, plans[0].Revision}
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(scope, "plan_id, revision, age, premium", "premium_by_age")+" ORDER BY age", args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: load premium by age")
	}
	for rows.Next() {
		var k planKey
		var age int
		var premium float64
		if err := rows.Scan(&k.id, &k.revision, &age, &premium); err != nil {
			rows.Close()
			return eris.Wrap(err, "sqlite: scan premium by age")
		}
		if p, ok := byKey[k]; ok {
			if p.PremiumByAge == nil {
				p.PremiumByAge = make(map[int]float64)
			}
			p.PremiumByAge[age] = premium
		}
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, fmt.Sprintf(scope, "plan_id, revision, description", "plan_benefits")+" ORDER BY position", args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: load benefits")
	}
	defer rows.Close()
	for rows.Next() {
		var k planKey
		var desc string
		if err := rows.Scan(&k.id, &k.revision, &desc); err != nil {
			return eris.Wrap(err, "sqlite: scan benefit")
		}
		if p, ok := byKey[k]; ok {
			p.Benefits = append(p.Benefits, desc)
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: iterate benefits")
}

// --- Carriers ---

func (s *SQLiteStore) GetCarrier(ctx context.Context, carrierID string) (*model.Carrier, error) {
	c, err := scanCarrier(s.db.QueryRowContext(ctx,
		`SELECT `+carrierColumns+` FROM carriers WHERE id = ?`, carrierID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("carrier", carrierID)
	}
	return c, eris.Wrapf(err, "sqlite: get carrier %s", carrierID)
}

func (s *SQLiteStore) ListCarriers(ctx context.Context) ([]model.Carrier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+carrierColumns+` FROM carriers ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list carriers")
	}
	defer rows.Close()
	var out []model.Carrier
	for rows.Next() {
		c, err := scanCarrier(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan carrier")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate carriers")
}

// --- Freshness ledger ---

func (s *SQLiteStore) GetMeta(ctx context.Context, planID string) (*model.FreshnessMeta, error) {
	m, err := scanMeta(s.db.QueryRowContext(ctx,
		`SELECT `+metaColumns+` FROM freshness_meta WHERE plan_id = ?`, planID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("freshness meta", planID)
	}
	return m, eris.Wrapf(err, "sqlite: get meta %s", planID)
}

func (s *SQLiteStore) ListMeta(ctx context.Context) ([]model.FreshnessMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+metaColumns+` FROM freshness_meta ORDER BY plan_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list meta")
	}
	defer rows.Close()
	var out []model.FreshnessMeta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan meta")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate meta")
}

func (s *SQLiteStore) CompareAndSwapState(ctx context.Context, t Transition) (*model.FreshnessMeta, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	query := `UPDATE freshness_meta SET state = ?, owner_job_id = ?, refresh_started_at = ?, updated_at = ?
		WHERE plan_id = ? AND state = ?`
	owner := ""
	var started any
	if t.To == model.StateRefreshing {
		owner = t.Owner
		started = t.At
	}
	args := []any{string(t.To), owner, started, t.At, t.PlanID, string(t.From)}
	if t.From == model.StateRefreshing {
		query += ` AND owner_job_id = ?`
		args = append(args, t.ExpectOwner)
	}
	if !t.VerifiedBefore.IsZero() {
		query += ` AND last_verified_at <= ?`
		args = append(args, t.VerifiedBefore)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: transition %s", t.PlanID)
	}
	if err := s.casResult(ctx, res, t.PlanID, t.From); err != nil {
		return nil, err
	}
	return s.GetMeta(ctx, t.PlanID)
}

// casResult maps zero affected rows to ErrNotFound or ErrConflict.
func (s *SQLiteStore) casResult(ctx context.Context, res sql.Result, planID string, expected model.FreshnessState) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	cur, err := s.GetMeta(ctx, planID)
	if err != nil {
		return err
	}
	return conflict("plan %s is %s (owner %q), expected %s", planID, cur.State, cur.OwnerJobID, expected)
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, f Failure) (*model.FreshnessMeta, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE freshness_meta SET state = ?, owner_job_id = '', refresh_started_at = NULL,
			confidence = ?, consecutive_failures = ?, next_eligible_at = ?, last_backoff_ms = ?,
			last_error = ?, updated_at = ?
		WHERE plan_id = ? AND state = ? AND owner_job_id = ?`,
		string(model.StateFailed), f.Confidence, f.ConsecutiveFailures, nullTime(f.NextEligibleAt),
		f.Backoff.Milliseconds(), f.Error, f.At,
		f.PlanID, string(model.StateRefreshing), f.Owner,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: record failure %s", f.PlanID)
	}
	if err := s.casResult(ctx, res, f.PlanID, model.StateRefreshing); err != nil {
		return nil, err
	}
	return s.GetMeta(ctx, f.PlanID)
}

// --- Commit ---

func (s *SQLiteStore) Commit(ctx context.Context, c Commit) (*model.PlanRecord, error) {
	if err := validateCommit(c); err != nil {
		return nil, err
	}
	id := c.Plan.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin commit")
	}
	defer tx.Rollback() //nolint:errcheck

	// The ledger write goes first so the transaction holds the write lock
	// before it reads anything.
	meta := freshMeta(id, c)
	if c.Owner == "" {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO freshness_meta (`+metaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(plan_id) DO NOTHING`, metaArgs(&meta)...)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert meta %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, conflict("plan %s already ingested", id)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE freshness_meta SET last_verified_at = ?, confidence = ?, source = ?, state = ?,
				consecutive_failures = 0, owner_job_id = '', refresh_started_at = NULL, next_eligible_at = NULL,
				last_backoff_ms = 0, last_error = '', updated_at = ?
			WHERE plan_id = ? AND state = ? AND owner_job_id = ?`,
			c.At, c.Confidence, string(c.Source), string(model.StateFresh), c.At,
			id, string(model.StateRefreshing), c.Owner,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: update meta %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var state, owner string
			err := tx.QueryRowContext(ctx, `SELECT state, owner_job_id FROM freshness_meta WHERE plan_id = ?`, id).Scan(&state, &owner)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, notFound("freshness meta", id)
			}
			return nil, conflict("plan %s is %s (owner %q), not owned by %s", id, state, owner, c.Owner)
		}
	}

	if c.Carrier != nil && c.Carrier.ID == c.Plan.CarrierID {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO carriers (`+carrierColumns+`) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			c.Carrier.ID, c.Carrier.Name, c.Carrier.State, c.Carrier.Rating); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert carrier %s", c.Carrier.ID)
		}
	}
	var carriers int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM carriers WHERE id = ?`, c.Plan.CarrierID).Scan(&carriers); err != nil {
		return nil, eris.Wrap(err, "sqlite: check carrier")
	}
	if carriers == 0 {
		return nil, eris.Wrapf(model.ErrValidation, "sqlite: carrier %s does not exist", c.Plan.CarrierID)
	}

	rec := c.Plan.Clone()
	rec.Carrier = nil
	rec.CommittedAt = c.At
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(revision), 0) + 1 FROM insurance_plans WHERE plan_id = ?`, id).Scan(&rec.Revision); err != nil {
		return nil, eris.Wrapf(err, "sqlite: next revision %s", id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE insurance_plans SET is_current = 0 WHERE plan_id = ?`, id); err != nil {
		return nil, eris.Wrapf(err, "sqlite: supersede %s", id)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO insurance_plans (`+planColumns+`, is_current) VALUES (`+placeholders(26)+`, 1)`,
		planArgs(rec)...); err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert plan %s", id)
	}
	for _, row := range ageRows(rec) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO premium_by_age (plan_id, revision, age, premium) VALUES (?, ?, ?, ?)`, row...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert premium by age %s", id)
		}
	}
	for _, row := range benefitRows(rec) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_benefits (plan_id, revision, position, description) VALUES (?, ?, ?, ?)`, row...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert benefit %s", id)
		}
	}
	if c.Check != nil {
		args, err := checkArgs(c.Check)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO data_quality_checks (`+checkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert quality check %s", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit %s", id)
	}
	return rec, nil
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.RefreshJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scraping_jobs (`+jobColumns+`) VALUES (`+placeholders(13)+`)`, args...)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.RefreshJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraping_jobs SET status = ?, scraped = ?, updated = ?, failed = ?, conflicts = ?, error = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`,
		args[4], args[5], args[6], args[7], args[8], args[9], args[11], args[12], job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	return checkRowsAffected(res, "job", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.RefreshJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scraping_jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job", jobID)
	}
	return j, eris.Wrapf(err, "sqlite: get job %s", jobID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]model.RefreshJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scraping_jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()
	var out []model.RefreshJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

// --- Quality audit ---

func (s *SQLiteStore) AppendQualityCheck(ctx context.Context, r *model.QualityCheckResult) error {
	args, err := checkArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO data_quality_checks (`+checkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return eris.Wrapf(err, "sqlite: insert quality check %s", r.PlanID)
}

func (s *SQLiteStore) ListQualityChecks(ctx context.Context, planID string) ([]model.QualityCheckResult, error) {
	query := `SELECT ` + checkColumns + ` FROM data_quality_checks`
	var args []any
	if planID != "" {
		query += ` WHERE plan_id = ?`
		args = append(args, planID)
	}
	query += ` ORDER BY checked_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quality checks")
	}
	defer rows.Close()
	var out []model.QualityCheckResult
	for rows.Next() {
		r, err := scanCheck(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quality check")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate quality checks")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
