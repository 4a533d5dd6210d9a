package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/resonancehq/control-plane/pkg/models"
)

// Driver names accepted by OpenSQL.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLStore implements Store on database/sql. Queries are written with
// PostgreSQL-style $N placeholders and rebound for SQLite.
//
// The at-most-one-active-pipeline invariant is a partial unique index on
// (user_id, workspace_id), so concurrent inserts from several instances
// are arbitrated by the database.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens a SQL store for the given driver ("postgres" or "sqlite").
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	case DriverSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// One writer at a time; avoids SQLITE_BUSY under concurrent increments.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	log.Info().Str("driver", driver).Msg("SQL store connected")
	return &SQLStore{db: db, driver: driver}, nil
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

// q rebinds $N placeholders to ? for SQLite. Every query passes its args
// in placeholder order so positional rebinding is safe.
func (s *SQLStore) q(query string) string {
	if s.driver == DriverSQLite {
		return placeholderRe.ReplaceAllString(query, "?")
	}
	return query
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	platform   TEXT NOT NULL,
	handle     TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (platform, handle)
);
CREATE TABLE IF NOT EXISTS workspaces (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	owner_id        TEXT NOT NULL,
	active_agent_id TEXT NOT NULL DEFAULT '',
	created_at      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workspaces_owner ON workspaces (owner_id);
CREATE TABLE IF NOT EXISTS agents (
	workspace_id    TEXT NOT NULL,
	id              TEXT NOT NULL,
	display_name    TEXT NOT NULL,
	autonomy        TEXT NOT NULL,
	hitl            TEXT NOT NULL,
	resonance_score INTEGER NOT NULL DEFAULT 0,
	persona         TEXT NOT NULL DEFAULT '',
	created_at      BIGINT NOT NULL,
	PRIMARY KEY (workspace_id, id)
);
CREATE TABLE IF NOT EXISTS pipelines (
	id             TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	request_text   TEXT NOT NULL,
	channel        TEXT NOT NULL,
	reply_to       TEXT NOT NULL DEFAULT '',
	lang           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	current_step   INTEGER NOT NULL DEFAULT 0,
	current_role   TEXT NOT NULL DEFAULT '',
	steps          TEXT NOT NULL DEFAULT '[]',
	result         TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	total_tokens   BIGINT NOT NULL DEFAULT 0,
	total_cost     DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     BIGINT NOT NULL,
	updated_at     BIGINT NOT NULL,
	completed_at   BIGINT NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_pipelines_active ON pipelines (user_id, workspace_id)
	WHERE status IN ('created', 'in_progress', 'awaiting_approval');
CREATE INDEX IF NOT EXISTS idx_pipelines_workspace ON pipelines (workspace_id, created_at);
CREATE TABLE IF NOT EXISTS approvals (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	pipeline_id  TEXT NOT NULL DEFAULT '',
	step_index   INTEGER NOT NULL DEFAULT 0,
	action_kind  TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	payload      TEXT NOT NULL,
	target_id    TEXT NOT NULL DEFAULT '',
	risk         INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	resolved_by  TEXT NOT NULL DEFAULT '',
	created_at   BIGINT NOT NULL,
	resolved_at  BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_approvals_workspace ON approvals (workspace_id, status);
CREATE TABLE IF NOT EXISTS usage_counters (
	workspace_id TEXT PRIMARY KEY,
	tokens       BIGINT NOT NULL DEFAULT 0,
	cost         DOUBLE PRECISION NOT NULL DEFAULT 0,
	period_start BIGINT NOT NULL,
	updated_at   BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS budget_rules (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	agent_id     TEXT NOT NULL DEFAULT '',
	max_tokens   BIGINT NOT NULL DEFAULT 0,
	max_cost     DOUBLE PRECISION NOT NULL DEFAULT 0,
	active       BOOLEAN NOT NULL,
	created_at   BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS resonance_entries (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	agent_id     TEXT NOT NULL DEFAULT '',
	topic        TEXT NOT NULL,
	content      TEXT NOT NULL,
	vector       TEXT NOT NULL DEFAULT '',
	created_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resonance_workspace ON resonance_entries (workspace_id, created_at);
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	platform     TEXT NOT NULL,
	media_url    TEXT NOT NULL,
	media_type   TEXT NOT NULL DEFAULT '',
	archive_key  TEXT NOT NULL DEFAULT '',
	caption      TEXT NOT NULL DEFAULT '',
	created_at   BIGINT NOT NULL
);
`

// Migrate creates tables and indexes if they don't exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info().Str("driver", s.driver).Msg("Schema migrated")
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func ptrToNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return toNanos(*t)
}

func nanosToPtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := fromNanos(n)
	return &t
}

func (s *SQLStore) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFoundOr(err error, entity, k string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{Entity: entity, Key: k}
	}
	return err
}

// ── Identity / Workspace / Agent ────────────────────────────

func (s *SQLStore) PutIdentity(ctx context.Context, id *models.Identity) error {
	created := id.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO identities (platform, handle, user_id, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform, handle) DO UPDATE SET user_id = excluded.user_id`),
		id.Platform, id.Handle, id.UserID, toNanos(created))
	return err
}

func (s *SQLStore) GetIdentity(ctx context.Context, platform, handle string) (*models.Identity, error) {
	var (
		id      models.Identity
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT platform, handle, user_id, created_at FROM identities WHERE platform = $1 AND handle = $2`),
		platform, handle).Scan(&id.Platform, &id.Handle, &id.UserID, &created)
	if err != nil {
		return nil, notFoundOr(err, "identity", key(platform, handle))
	}
	id.CreatedAt = fromNanos(created)
	return &id, nil
}

func (s *SQLStore) PutWorkspace(ctx context.Context, ws *models.Workspace) error {
	created := ws.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO workspaces (id, name, owner_id, active_agent_id, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, owner_id = excluded.owner_id, active_agent_id = excluded.active_agent_id`),
		ws.ID, ws.Name, ws.OwnerID, ws.ActiveAgentID, toNanos(created))
	return err
}

func scanWorkspace(r rowScanner) (*models.Workspace, error) {
	var (
		ws      models.Workspace
		created int64
	)
	if err := r.Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.ActiveAgentID, &created); err != nil {
		return nil, err
	}
	ws.CreatedAt = fromNanos(created)
	return &ws, nil
}

func (s *SQLStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, s.q(`SELECT id, name, owner_id, active_agent_id, created_at FROM workspaces WHERE id = $1`), id))
	if err != nil {
		return nil, notFoundOr(err, "workspace", id)
	}
	return ws, nil
}

func (s *SQLStore) ListWorkspacesByOwner(ctx context.Context, userID string) ([]models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, name, owner_id, active_agent_id, created_at FROM workspaces WHERE owner_id = $1 ORDER BY created_at`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ws)
	}
	return result, rows.Err()
}

func (s *SQLStore) PutAgent(ctx context.Context, a *models.Agent) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO agents (workspace_id, id, display_name, autonomy, hitl, resonance_score, persona, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workspace_id, id) DO UPDATE SET display_name = excluded.display_name, autonomy = excluded.autonomy,
			hitl = excluded.hitl, resonance_score = excluded.resonance_score, persona = excluded.persona`),
		a.WorkspaceID, a.ID, a.DisplayName, string(a.Autonomy), string(a.HITL), a.ResonanceScore, a.Persona, toNanos(created))
	return err
}

const agentColumns = `workspace_id, id, display_name, autonomy, hitl, resonance_score, persona, created_at`

func scanAgent(r rowScanner) (*models.Agent, error) {
	var (
		a              models.Agent
		autonomy, hitl string
		created        int64
	)
	if err := r.Scan(&a.WorkspaceID, &a.ID, &a.DisplayName, &autonomy, &hitl, &a.ResonanceScore, &a.Persona, &created); err != nil {
		return nil, err
	}
	a.Autonomy = models.AutonomyLevel(autonomy)
	a.HITL = models.HITLLevel(hitl)
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

func (s *SQLStore) GetAgent(ctx context.Context, workspaceID, id string) (*models.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, s.q(`SELECT `+agentColumns+` FROM agents WHERE workspace_id = $1 AND id = $2`), workspaceID, id))
	if err != nil {
		return nil, notFoundOr(err, "agent", id)
	}
	return a, nil
}

func (s *SQLStore) ListAgents(ctx context.Context, workspaceID string) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+agentColumns+` FROM agents WHERE workspace_id = $1 ORDER BY created_at`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// ── Pipeline Store ──────────────────────────────────────────

const pipelineColumns = `id, workspace_id, user_id, agent_id, request_text, channel, reply_to, lang, status,
	current_step, current_role, steps, result, failure_reason, total_tokens, total_cost, created_at, updated_at, completed_at`

func pipelineArgs(p *models.Pipeline) ([]any, error) {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	return []any{
		p.ID, p.WorkspaceID, p.UserID, p.AgentID, p.RequestText, p.Channel, p.ReplyTo, p.Lang, string(p.Status),
		p.CurrentStep, p.CurrentRole, string(steps), p.Result, p.FailureReason, p.TotalTokens, p.TotalCost,
		toNanos(p.CreatedAt), toNanos(p.UpdatedAt), ptrToNanos(p.CompletedAt),
	}, nil
}

func scanPipeline(r rowScanner) (*models.Pipeline, error) {
	var (
		p                             models.Pipeline
		status, steps                 string
		created, updated, completedAt int64
	)
	err := r.Scan(&p.ID, &p.WorkspaceID, &p.UserID, &p.AgentID, &p.RequestText, &p.Channel, &p.ReplyTo, &p.Lang, &status,
		&p.CurrentStep, &p.CurrentRole, &steps, &p.Result, &p.FailureReason, &p.TotalTokens, &p.TotalCost,
		&created, &updated, &completedAt)
	if err != nil {
		return nil, err
	}
	p.Status = models.PipelineStatus(status)
	if steps != "" && steps != "null" {
		if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	p.CompletedAt = nanosToPtr(completedAt)
	return &p, nil
}

func (s *SQLStore) CreatePipeline(ctx context.Context, p *models.Pipeline) error {
	args, err := pipelineArgs(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO pipelines (`+pipelineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`), args...)
	if err == nil {
		return nil
	}
	if !s.isUniqueViolation(err) {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	active, getErr := s.GetActivePipeline(ctx, p.UserID, p.WorkspaceID)
	if getErr != nil {
		// The winner may already have reached a terminal state.
		return &models.ConflictError{}
	}
	return &models.ConflictError{Active: active}
}

func (s *SQLStore) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	p, err := scanPipeline(s.db.QueryRowContext(ctx, s.q(`SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`), id))
	if err != nil {
		return nil, notFoundOr(err, "pipeline", id)
	}
	return p, nil
}

func (s *SQLStore) GetActivePipeline(ctx context.Context, userID, workspaceID string) (*models.Pipeline, error) {
	p, err := scanPipeline(s.db.QueryRowContext(ctx, s.q(`SELECT `+pipelineColumns+` FROM pipelines
		WHERE user_id = $1 AND workspace_id = $2 AND status IN ('created', 'in_progress', 'awaiting_approval')`),
		userID, workspaceID))
	if err != nil {
		return nil, notFoundOr(err, "active pipeline", key(userID, workspaceID))
	}
	return p, nil
}

func (s *SQLStore) FindRecentPipeline(ctx context.Context, userID, workspaceID, requestText string, since time.Time) (*models.Pipeline, error) {
	p, err := scanPipeline(s.db.QueryRowContext(ctx, s.q(`SELECT `+pipelineColumns+` FROM pipelines
		WHERE user_id = $1 AND workspace_id = $2 AND request_text = $3 AND created_at >= $4
		ORDER BY created_at DESC LIMIT 1`),
		userID, workspaceID, requestText, toNanos(since)))
	if err != nil {
		return nil, notFoundOr(err, "recent pipeline", key(userID, workspaceID))
	}
	return p, nil
}

// updatePipeline writes every mutable column guarded by a status predicate.
func (s *SQLStore) updatePipeline(ctx context.Context, p *models.Pipeline, status, expected models.PipelineStatus, op string) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE pipelines SET status = $1, current_step = $2, current_role = $3, steps = $4,
		result = $5, failure_reason = $6, total_tokens = $7, total_cost = $8, updated_at = $9, completed_at = $10
		WHERE id = $11 AND status = $12`),
		string(status), p.CurrentStep, p.CurrentRole, string(steps), p.Result, p.FailureReason, p.TotalTokens, p.TotalCost,
		toNanos(p.UpdatedAt), ptrToNanos(p.CompletedAt), p.ID, string(expected))
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, err := s.GetPipeline(ctx, p.ID)
	if err != nil {
		return err
	}
	return &models.InvalidStateError{Entity: "pipeline", ID: p.ID, State: string(cur.Status), Op: op}
}

func (s *SQLStore) TransitionPipeline(ctx context.Context, p *models.Pipeline, from models.PipelineStatus) error {
	return s.updatePipeline(ctx, p, p.Status, from, "transition to "+string(p.Status))
}

func (s *SQLStore) SavePipelineProgress(ctx context.Context, p *models.Pipeline, expected models.PipelineStatus) error {
	return s.updatePipeline(ctx, p, expected, expected, "save progress of")
}

func (s *SQLStore) ListPipelines(ctx context.Context, f PipelineFilter) ([]models.Pipeline, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.WorkspaceID != "" {
		add("workspace_id = $%d", f.WorkspaceID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	query := `SELECT ` + pipelineColumns + ` FROM pipelines`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// ── Approval Store ──────────────────────────────────────────

const approvalColumns = `id, workspace_id, agent_id, pipeline_id, step_index, action_kind, entity_type, payload,
	target_id, risk, status, resolved_by, created_at, resolved_at`

func (s *SQLStore) PurgePipelines(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := toNanos(before)
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM approvals WHERE status <> 'pending' AND pipeline_id IN (
		SELECT id FROM pipelines WHERE status IN ('completed', 'failed') AND completed_at > 0 AND completed_at < $1)`), cutoff); err != nil {
		return 0, fmt.Errorf("purge approvals: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM pipelines
		WHERE status IN ('completed', 'failed') AND completed_at > 0 AND completed_at < $1`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge pipelines: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func scanApproval(r rowScanner) (*models.ApprovalRequest, error) {
	var (
		a                   models.ApprovalRequest
		action, status      string
		risk                int
		created, resolvedAt int64
	)
	err := r.Scan(&a.ID, &a.WorkspaceID, &a.AgentID, &a.PipelineID, &a.StepIndex, &action, &a.EntityType, &a.Payload,
		&a.TargetID, &risk, &status, &a.ResolvedBy, &created, &resolvedAt)
	if err != nil {
		return nil, err
	}
	a.ActionKind = models.ActionKind(action)
	a.Risk = models.RiskLevel(risk)
	a.Status = models.ApprovalStatus(status)
	a.CreatedAt = fromNanos(created)
	a.ResolvedAt = nanosToPtr(resolvedAt)
	return &a, nil
}

func (s *SQLStore) CreateApproval(ctx context.Context, a *models.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO approvals (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`),
		a.ID, a.WorkspaceID, a.AgentID, a.PipelineID, a.StepIndex, string(a.ActionKind), a.EntityType, a.Payload,
		a.TargetID, int(a.Risk), string(a.Status), a.ResolvedBy, toNanos(a.CreatedAt), ptrToNanos(a.ResolvedAt))
	return err
}

func (s *SQLStore) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx, s.q(`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`), id))
	if err != nil {
		return nil, notFoundOr(err, "approval", id)
	}
	return a, nil
}

func (s *SQLStore) ResolveApproval(ctx context.Context, id string, status models.ApprovalStatus, resolvedBy string, at time.Time) (*models.ApprovalRequest, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE approvals SET status = $1, resolved_by = $2, resolved_at = $3
		WHERE id = $4 AND status = 'pending'`), string(status), resolvedBy, toNanos(at), id)
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	a, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &models.InvalidStateError{Entity: "approval", ID: id, State: string(a.Status), Op: "resolve"}
	}
	return a, nil
}

func (s *SQLStore) ListApprovals(ctx context.Context, f ApprovalFilter) ([]models.ApprovalRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.WorkspaceID != "" {
		add("workspace_id = $%d", f.WorkspaceID)
	}
	if f.PipelineID != "" {
		add("pipeline_id = $%d", f.PipelineID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// ── Usage / Budget ──────────────────────────────────────────

// AddUsage is a single upsert whose update clause adds to the stored
// totals, so concurrent increments never overwrite each other.
func (s *SQLStore) AddUsage(ctx context.Context, workspaceID string, tokens int64, cost float64) error {
	now := toNanos(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO usage_counters (workspace_id, tokens, cost, period_start, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id) DO UPDATE SET
			tokens = usage_counters.tokens + excluded.tokens,
			cost = usage_counters.cost + excluded.cost,
			updated_at = excluded.updated_at`),
		workspaceID, tokens, cost, now, now)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

func (s *SQLStore) GetUsage(ctx context.Context, workspaceID string) (*models.UsageCounter, error) {
	var (
		u              = models.UsageCounter{WorkspaceID: workspaceID}
		period, update int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT tokens, cost, period_start, updated_at FROM usage_counters WHERE workspace_id = $1`),
		workspaceID).Scan(&u.Tokens, &u.Cost, &period, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return &u, nil
	}
	if err != nil {
		return nil, err
	}
	u.PeriodStart = fromNanos(period)
	u.UpdatedAt = fromNanos(update)
	return &u, nil
}

func (s *SQLStore) PutBudgetRule(ctx context.Context, r *models.BudgetRule) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO budget_rules (id, workspace_id, agent_id, max_tokens, max_cost, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET agent_id = excluded.agent_id, max_tokens = excluded.max_tokens,
			max_cost = excluded.max_cost, active = excluded.active`),
		r.ID, r.WorkspaceID, r.AgentID, r.MaxTokens, r.MaxCost, r.Active, toNanos(created))
	return err
}

func (s *SQLStore) ListBudgetRules(ctx context.Context, workspaceID string) ([]models.BudgetRule, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, workspace_id, agent_id, max_tokens, max_cost, active, created_at
		FROM budget_rules WHERE workspace_id = $1 ORDER BY created_at`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.BudgetRule
	for rows.Next() {
		var (
			r       models.BudgetRule
			created int64
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.AgentID, &r.MaxTokens, &r.MaxCost, &r.Active, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = fromNanos(created)
		result = append(result, r)
	}
	return result, rows.Err()
}

// ── Resonance / Documents ───────────────────────────────────

func (s *SQLStore) AppendResonance(ctx context.Context, e *models.ResonanceEntry) error {
	var vec string
	if len(e.Vector) > 0 {
		b, err := json.Marshal(e.Vector)
		if err != nil {
			return fmt.Errorf("marshal vector: %w", err)
		}
		vec = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO resonance_entries (id, workspace_id, agent_id, topic, content, vector, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		e.ID, e.WorkspaceID, e.AgentID, e.Topic, e.Content, vec, toNanos(e.CreatedAt))
	return err
}

func (s *SQLStore) ListResonance(ctx context.Context, workspaceID string) ([]models.ResonanceEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, workspace_id, agent_id, topic, content, vector, created_at
		FROM resonance_entries WHERE workspace_id = $1 ORDER BY created_at DESC, id DESC`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.ResonanceEntry
	for rows.Next() {
		var (
			e       models.ResonanceEntry
			vec     string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.AgentID, &e.Topic, &e.Content, &vec, &created); err != nil {
			return nil, err
		}
		if vec != "" {
			if err := json.Unmarshal([]byte(vec), &e.Vector); err != nil {
				return nil, fmt.Errorf("unmarshal vector: %w", err)
			}
		}
		e.CreatedAt = fromNanos(created)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLStore) CreateDocument(ctx context.Context, d *models.Document) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO documents (id, workspace_id, user_id, platform, media_url, media_type, archive_key, caption, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		d.ID, d.WorkspaceID, d.UserID, d.Platform, d.MediaURL, d.MediaType, d.ArchiveKey, d.Caption, toNanos(d.CreatedAt))
	return err
}

func (s *SQLStore) ListDocuments(ctx context.Context, workspaceID string) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, workspace_id, user_id, platform, media_url, media_type, archive_key, caption, created_at
		FROM documents WHERE workspace_id = $1 ORDER BY created_at`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.Document
	for rows.Next() {
		var (
			d       models.Document
			created int64
		)
		if err := rows.Scan(&d.ID, &d.WorkspaceID, &d.UserID, &d.Platform, &d.MediaURL, &d.MediaType, &d.ArchiveKey, &d.Caption, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = fromNanos(created)
		result = append(result, d)
	}
	return result, rows.Err()
}
