package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/planfinder/internal/db"
	"github.com/sells-group/planfinder/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS carriers (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL,
	state  TEXT NOT NULL DEFAULT '',
	rating DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS insurance_plans (
	plan_id                TEXT NOT NULL,
	revision               INTEGER NOT NULL,
	is_current             BOOLEAN NOT NULL DEFAULT true,
	carrier_id             TEXT NOT NULL REFERENCES carriers(id),
	name                   TEXT NOT NULL,
	state                  CHAR(2) NOT NULL,
	plan_type              TEXT NOT NULL,
	metal_tier             TEXT NOT NULL,
	coverage_type          TEXT NOT NULL DEFAULT 'individual',
	monthly_premium        DOUBLE PRECISION NOT NULL CHECK (monthly_premium > 0),
	deductible             DOUBLE PRECISION NOT NULL CHECK (deductible >= 0),
	out_of_pocket_max      DOUBLE PRECISION NOT NULL DEFAULT 0,
	coinsurance            DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (coinsurance BETWEEN 0 AND 100),
	primary_care_copay     DOUBLE PRECISION NOT NULL DEFAULT 0,
	specialist_copay       DOUBLE PRECISION NOT NULL DEFAULT 0,
	dental_included        BOOLEAN NOT NULL DEFAULT false,
	vision_included        BOOLEAN NOT NULL DEFAULT false,
	mental_health_included BOOLEAN NOT NULL DEFAULT false,
	maternity_included     BOOLEAN NOT NULL DEFAULT false,
	prescription_included  BOOLEAN NOT NULL DEFAULT false,
	preventive_included    BOOLEAN NOT NULL DEFAULT false,
	emergency_included     BOOLEAN NOT NULL DEFAULT false,
	hsa_eligible           BOOLEAN NOT NULL DEFAULT false,
	quality_rating         DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_url             TEXT NOT NULL DEFAULT '',
	is_active              BOOLEAN NOT NULL DEFAULT true,
	committed_at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (plan_id, revision)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_plans_one_current ON insurance_plans(plan_id) WHERE is_current;
CREATE INDEX IF NOT EXISTS idx_plans_state ON insurance_plans(state) WHERE is_current;

CREATE TABLE IF NOT EXISTS premium_by_age (
	plan_id  TEXT NOT NULL,
	revision INTEGER NOT NULL,
	age      INTEGER NOT NULL,
	premium  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (plan_id, revision, age),
	FOREIGN KEY (plan_id, revision) REFERENCES insurance_plans(plan_id, revision)
);

CREATE TABLE IF NOT EXISTS plan_benefits (
	plan_id     TEXT NOT NULL,
	revision    INTEGER NOT NULL,
	position    INTEGER NOT NULL,
	description TEXT NOT NULL,
	PRIMARY KEY (plan_id, revision, position),
	FOREIGN KEY (plan_id, revision) REFERENCES insurance_plans(plan_id, revision)
);

CREATE TABLE IF NOT EXISTS freshness_meta (
	plan_id              TEXT PRIMARY KEY,
	last_verified_at     TIMESTAMPTZ NOT NULL,
	confidence           DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
	source               TEXT NOT NULL,
	state                TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	owner_job_id         TEXT NOT NULL DEFAULT '',
	refresh_started_at   TIMESTAMPTZ,
	next_eligible_at     TIMESTAMPTZ,
	last_backoff_ms      BIGINT NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	updated_at           TIMESTAMPTZ NOT NULL,
	CHECK ((state = 'refreshing') = (owner_job_id <> ''))
);

CREATE INDEX IF NOT EXISTS idx_freshness_state ON freshness_meta(state);

CREATE TABLE IF NOT EXISTS scraping_jobs (
	id          TEXT PRIMARY KEY,
	scope       TEXT NOT NULL,
	source      TEXT NOT NULL,
	plan_ids    JSONB NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	scraped     INTEGER NOT NULL DEFAULT 0,
	updated     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	conflicts   INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_created ON scraping_jobs(created_at DESC);

CREATE TABLE IF NOT EXISTS data_quality_checks (
	id         TEXT PRIMARY KEY,
	plan_id    TEXT NOT NULL,
	job_id     TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL,
	passed     BOOLEAN NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	details    JSONB NOT NULL,
	checked_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quality_checks_plan ON data_quality_checks(plan_id, checked_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Plans ---

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (*model.PlanRecord, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM insurance_plans WHERE plan_id = $1 AND is_current`, planID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("plan", planID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get plan %s", planID)
	}
	if err := s.attachChildren(ctx, []*model.PlanRecord{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) GetPlanRevision(ctx context.Context, planID string, revision int) (*model.PlanRecord, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM insurance_plans WHERE plan_id = $1 AND revision = $2`, planID, revision))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: plan %s revision %d", planID, revision)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get plan %s revision %d", planID, revision)
	}
	if err := s.attachChildren(ctx, []*model.PlanRecord{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context, filter PlanFilter) ([]model.PlanRecord, error) {
	conds := []string{"is_current"}
	var args []any
	if filter.ActiveOnly {
		conds = append(conds, "is_active")
	}
	if filter.State != "" {
		args = append(args, filter.State)
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		conds = append(conds, fmt.Sprintf("plan_id = ANY($%d)", len(args)))
	}
	query := `SELECT ` + planColumns + ` FROM insurance_plans WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY plan_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list plans")
	}
	var plans []*model.PlanRecord
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan plan")
		}
		plans = append(plans, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate plans")
	}

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
func (s *PostgresStore) attachChildren(ctx context.Context, plans []*model.PlanRecord) error {
	if len(plans) == 0 {
		return nil
	}
	byKey := make(map[planKey]*model.PlanRecord, len(plans))
	ids := make([]string, 0, len(plans))
	revs := make([]int32, 0, len(plans))
	for _, p := range plans {
		byKey[planKey{p.ID, p.Revision}] = p
		ids = append(ids, p.ID)
		revs = append(revs, int32(p.Revision))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT a.plan_id, a.revision, a.age, a.premium FROM premium_by_age a
		JOIN unnest($1::text[], $2::int[]) AS k(plan_id, revision) USING (plan_id, revision)
		ORDER BY a.age`, ids, revs)
	if err != nil {
		return eris.Wrap(err, "postgres: load premium by age")
	}
	for rows.Next() {
		var k planKey
		var age int
		var premium float64
		if err := rows.Scan(&k.id, &k.revision, &age, &premium); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan premium by age")
		}
		if p, ok := byKey[k]; ok {
			if p.PremiumByAge == nil {
				p.PremiumByAge = make(map[int]float64)
			}
			p.PremiumByAge[age] = premium
		}
	}
	rows.Close()

	rows, err = s.pool.Query(ctx,
		`SELECT b.plan_id, b.revision, b.description FROM plan_benefits b
		JOIN unnest($1::text[], $2::int[]) AS k(plan_id, revision) USING (plan_id, revision)
		ORDER BY b.position`, ids, revs)
	if err != nil {
		return eris.Wrap(err, "postgres: load benefits")
	}
	defer rows.Close()
	for rows.Next() {
		var k planKey
		var desc string
		if err := rows.Scan(&k.id, &k.revision, &desc); err != nil {
			return eris.Wrap(err, "postgres: scan benefit")
		}
		if p, ok := byKey[k]; ok {
			p.Benefits = append(p.Benefits, desc)
		}
	}
	return eris.Wrap(rows.Err(), "postgres: iterate benefits")
}

// --- Carriers ---

func (s *PostgresStore) GetCarrier(ctx context.Context, carrierID string) (*model.Carrier, error) {
	c, err := scanCarrier(s.pool.QueryRow(ctx,
		`SELECT `+carrierColumns+` FROM carriers WHERE id = $1`, carrierID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("carrier", carrierID)
	}
	return c, eris.Wrapf(err, "postgres: get carrier %s", carrierID)
}

func (s *PostgresStore) ListCarriers(ctx context.Context) ([]model.Carrier, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+carrierColumns+` FROM carriers ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list carriers")
	}
	defer rows.Close()
	var out []model.Carrier
	for rows.Next() {
		c, err := scanCarrier(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan carrier")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate carriers")
}

// --- Freshness ledger ---

func (s *PostgresStore) GetMeta(ctx context.Context, planID string) (*model.FreshnessMeta, error) {
	return getMeta(ctx, s.pool, planID)
}

func getMeta(ctx context.Context, q db.Querier, planID string) (*model.FreshnessMeta, error) {
	m, err := scanMeta(q.QueryRow(ctx, `SELECT `+metaColumns+` FROM freshness_meta WHERE plan_id = $1`, planID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("freshness meta", planID)
	}
	return m, eris.Wrapf(err, "postgres: get meta %s", planID)
}

func (s *PostgresStore) ListMeta(ctx context.Context) ([]model.FreshnessMeta, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+metaColumns+` FROM freshness_meta ORDER BY plan_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list meta")
	}
	defer rows.Close()
	var out []model.FreshnessMeta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan meta")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate meta")
}

func (s *PostgresStore) CompareAndSwapState(ctx context.Context, t Transition) (*model.FreshnessMeta, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	owner := ""
	var started *time.Time
	if t.To == model.StateRefreshing {
		owner = t.Owner
		started = &t.At
	}
	args := []any{string(t.To), owner, started, t.At, t.PlanID, string(t.From)}
	query := `UPDATE freshness_meta SET state = $1, owner_job_id = $2, refresh_started_at = $3, updated_at = $4
		WHERE plan_id = $5 AND state = $6`
	if t.From == model.StateRefreshing {
		args = append(args, t.ExpectOwner)
		query += fmt.Sprintf(" AND owner_job_id = $%d", len(args))
	}
	if !t.VerifiedBefore.IsZero() {
		args = append(args, t.VerifiedBefore)
		query += fmt.Sprintf(" AND last_verified_at <= $%d", len(args))
	}
	query += ` RETURNING ` + metaColumns

	m, err := scanMeta(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.casMiss(ctx, s.pool, t.PlanID, t.From)
	}
	return m, eris.Wrapf(err, "postgres: transition %s", t.PlanID)
}

// casMiss explains a guarded update that matched no row.
func (s *PostgresStore) casMiss(ctx context.Context, q db.Querier, planID string, expected model.FreshnessState) error {
	cur, err := getMeta(ctx, q, planID)
	if err != nil {
		return err
	}
	return conflict("plan %s is %s (owner %q), expected %s", planID, cur.State, cur.OwnerJobID, expected)
}

func (s *PostgresStore) RecordFailure(ctx context.Context, f Failure) (*model.FreshnessMeta, error) {
	m, err := scanMeta(s.pool.QueryRow(ctx,
		`UPDATE freshness_meta SET state = $1, owner_job_id = '', refresh_started_at = NULL,
			confidence = $2, consecutive_failures = $3, next_eligible_at = $4, last_backoff_ms = $5,
			last_error = $6, updated_at = $7
		WHERE plan_id = $8 AND state = $9 AND owner_job_id = $10
		RETURNING `+metaColumns,
		string(model.StateFailed), f.Confidence, f.ConsecutiveFailures, nullTime(f.NextEligibleAt),
		f.Backoff.Milliseconds(), f.Error, f.At,
		f.PlanID, string(model.StateRefreshing), f.Owner,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.casMiss(ctx, s.pool, f.PlanID, model.StateRefreshing)
	}
	return m, eris.Wrapf(err, "postgres: record failure %s", f.PlanID)
}

// --- Commit ---

func (s *PostgresStore) Commit(ctx context.Context, c Commit) (*model.PlanRecord, error) {
	if err := validateCommit(c); err != nil {
		return nil, err
	}
	id := c.Plan.ID
	rec := c.Plan.Clone()
	rec.Carrier = nil
	rec.CommittedAt = c.At

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		meta := freshMeta(id, c)
		if c.Owner == "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO freshness_meta (`+metaColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (plan_id) DO NOTHING`, metaArgs(&meta)...)
			if err != nil {
				return eris.Wrapf(err, "postgres: insert meta %s", id)
			}
			if tag.RowsAffected() == 0 {
				return conflict("plan %s already ingested", id)
			}
		} else {
			tag, err := tx.Exec(ctx,
				`UPDATE freshness_meta SET last_verified_at = $1, confidence = $2, source = $3, state = $4,
					consecutive_failures = 0, owner_job_id = '', refresh_started_at = NULL, next_eligible_at = NULL,
					last_backoff_ms = 0, last_error = '', updated_at = $1
				WHERE plan_id = $5 AND state = $6 AND owner_job_id = $7`,
				c.At, c.Confidence, string(c.Source), string(model.StateFresh),
				id, string(model.StateRefreshing), c.Owner,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: update meta %s", id)
			}
			if tag.RowsAffected() == 0 {
				return s.casMiss(ctx, tx, id, model.StateRefreshing)
			}
		}

		if c.Carrier != nil && c.Carrier.ID == c.Plan.CarrierID {
			if _, err := tx.Exec(ctx,
				`INSERT INTO carriers (`+carrierColumns+`) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
				c.Carrier.ID, c.Carrier.Name, c.Carrier.State, c.Carrier.Rating); err != nil {
				return eris.Wrapf(err, "postgres: insert carrier %s", c.Carrier.ID)
			}
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM carriers WHERE id = $1)`, c.Plan.CarrierID).Scan(&exists); err != nil {
			return eris.Wrap(err, "postgres: check carrier")
		}
		if !exists {
			return eris.Wrapf(model.ErrValidation, "postgres: carrier %s does not exist", c.Plan.CarrierID)
		}

		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(revision), 0) + 1 FROM insurance_plans WHERE plan_id = $1`, id).Scan(&rec.Revision); err != nil {
			return eris.Wrapf(err, "postgres: next revision %s", id)
		}
		if _, err := tx.Exec(ctx, `UPDATE insurance_plans SET is_current = false WHERE plan_id = $1 AND is_current`, id); err != nil {
			return eris.Wrapf(err, "postgres: supersede %s", id)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO insurance_plans (`+planColumns+`, is_current) VALUES (`+pgPlaceholders(26)+`, true)`,
			planArgs(rec)...); err != nil {
			return eris.Wrapf(err, "postgres: insert plan %s", id)
		}
		if _, err := db.CopyFrom(ctx, tx, "premium_by_age",
			[]string{"plan_id", "revision", "age", "premium"}, ageRows(rec)); err != nil {
			return err
		}
		if _, err := db.CopyFrom(ctx, tx, "plan_benefits",
			[]string{"plan_id", "revision", "position", "description"}, benefitRows(rec)); err != nil {
			return err
		}
		if c.Check != nil {
			args, err := checkArgs(c.Check)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO data_quality_checks (`+checkColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, args...); err != nil {
				return eris.Wrapf(err, "postgres: insert quality check %s", id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.RefreshJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scraping_jobs (`+jobColumns+`) VALUES (`+pgPlaceholders(13)+`)`, args...)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.RefreshJob) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scraping_jobs SET status = $1, scraped = $2, updated = $3, failed = $4, conflicts = $5, error = $6,
			started_at = $7, finished_at = $8
		WHERE id = $9`,
		string(job.Status), job.Scraped, job.Updated, job.Failed, job.Conflicts, job.Error,
		job.StartedAt, job.FinishedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("job", job.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.RefreshJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scraping_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("job", jobID)
	}
	return j, eris.Wrapf(err, "postgres: get job %s", jobID)
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]model.RefreshJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM scraping_jobs ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()
	var out []model.RefreshJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

// --- Quality audit ---

func (s *PostgresStore) AppendQualityCheck(ctx context.Context, r *model.QualityCheckResult) error {
	args, err := checkArgs(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO data_quality_checks (`+checkColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, args...)
	return eris.Wrapf(err, "postgres: insert quality check %s", r.PlanID)
}

func (s *PostgresStore) ListQualityChecks(ctx context.Context, planID string) ([]model.QualityCheckResult, error) {
	query := `SELECT ` + checkColumns + ` FROM data_quality_checks`
	var args []any
	if planID != "" {
		query += ` WHERE plan_id = $1`
		args = append(args, planID)
	}
	query += ` ORDER BY checked_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quality checks")
	}
	defer rows.Close()
	var out []model.QualityCheckResult
	for rows.Next() {
		r, err := scanCheck(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan quality check")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate quality checks")
}

func pgPlaceholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ph, ", ")
}
