package flow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/workorder/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE codes that mean the transaction lost a race.
const (
	sqlStateLockNotAvailable     = "55P03"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// Migrate creates the tables used by PgStore if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// PgOption configures a PgStore.
type PgOption func(*PgStore)

// WithLockTimeout bounds how long a transaction waits for a user row lock.
// Flow rows are always locked without waiting.
func WithLockTimeout(d time.Duration) PgOption {
	return func(s *PgStore) { s.lockTimeout = d }
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool, opts ...PgOption) *PgStore {
	s := &PgStore{pool: pool}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const flowColumns = `id, template_id, state, wf_result, wf_status, owner_id,
	COALESCE(operator_id, ''), COALESCE(executor_id, ''), target_id, ex_info,
	version, created_at, updated_at`

// Begin opens a read-committed transaction.
func (s *PgStore) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeoutMillis(s.lockTimeout))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("set lock timeout: %w", err)
		}
	}
	return &pgTx{tx: tx}, nil
}

// lockTimeoutMillis rounds d up to whole milliseconds. PostgreSQL reads a
// lock_timeout of 0 as no timeout, so a positive d never becomes 0.
func lockTimeoutMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// Get retrieves a committed flow by ID.
func (s *PgStore) Get(ctx context.Context, flowID string) (model.Flow, error) {
	return getFlow(ctx, s.pool, flowID, "")
}

// List returns flows matching the filters, newest first.
func (s *PgStore) List(ctx context.Context, filters model.FlowFilters) ([]model.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE TRUE`
	var args []any
	argIdx := 1

	add := func(column, value string) {
		if value == "" {
			return
		}
		query += fmt.Sprintf(" AND %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}
	add("template_id", filters.TemplateID)
	add("state", filters.State)
	add("wf_status", string(filters.WFStatus))
	add("owner_id", filters.OwnerID)
	add("executor_id", filters.ExecutorID)

	query += " ORDER BY created_at DESC, id"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	var flows []model.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// Events returns a flow's audit trail in commit order.
func (s *PgStore) Events(ctx context.Context, flowID string) ([]model.FlowEvent, error) {
	if _, err := s.Get(ctx, flowID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, flow_id, step, from_state, to_state, operation, actor_id, remarks, created_at
		FROM flow_events
		WHERE flow_id = $1
		ORDER BY seq ASC`,
		flowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query flow events: %w", err)
	}
	defer rows.Close()

	var events []model.FlowEvent
	for rows.Next() {
		var evt model.FlowEvent
		if err := rows.Scan(
			&evt.ID, &evt.FlowID, &evt.Step, &evt.FromState, &evt.ToState,
			&evt.Operation, &evt.ActorID, &evt.Remarks, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan flow event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// User retrieves a committed user.
func (s *PgStore) User(ctx context.Context, userID string) (model.User, error) {
	return getUser(ctx, s.pool, userID, "")
}

// Ledger returns a user's ledger entries in creation order.
func (s *PgStore) Ledger(ctx context.Context, userID string) ([]model.Detail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, COALESCE(flow_id, ''), title, value, created_at
		FROM details
		WHERE user_id = $1
		ORDER BY seq ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query details: %w", err)
	}
	defer rows.Close()

	var details []model.Detail
	for rows.Next() {
		var d model.Detail
		if err := rows.Scan(&d.ID, &d.UserID, &d.FlowID, &d.Title, &d.Value, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan detail: %w", err)
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// UpsertUser inserts or replaces a user outside the engine. Used for seeding.
func (s *PgStore) UpsertUser(ctx context.Context, u model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, points) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, points = EXCLUDED.points`,
		u.ID, u.Name, u.Points,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpsertSubject inserts or replaces a subject outside the engine.
func (s *PgStore) UpsertSubject(ctx context.Context, sub model.Subject) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subjects (id, name, points) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, points = EXCLUDED.points`,
		sub.ID, sub.Name, sub.Points,
	)
	if err != nil {
		return fmt.Errorf("upsert subject: %w", err)
	}
	return nil
}

// pgTx is a PgStore transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockFlow(ctx context.Context, flowID string) (model.Flow, error) {
	f, err := getFlow(ctx, t.tx, flowID, " FOR UPDATE NOWAIT")
	if err != nil {
		return model.Flow{}, raceError(err, fmt.Sprintf("flow %q is locked by a concurrent transition", flowID))
	}
	return f, nil
}

func (t *pgTx) FindFlow(ctx context.Context, flowID string) (model.Flow, error) {
	return getFlow(ctx, t.tx, flowID, "")
}

func (t *pgTx) CreateFlow(ctx context.Context, f *model.Flow) error {
	exInfo, err := json.Marshal(f.ExInfo)
	if err != nil {
		return fmt.Errorf("marshal ex_info: %w", err)
	}

	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	_, err = t.tx.Exec(ctx, `
		INSERT INTO flows (
			id, template_id, state, wf_result, wf_status, owner_id,
			operator_id, executor_id, target_id, ex_info,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			NULLIF($7, ''), NULLIF($8, ''), $9, $10,
			1, $11, $12
		)`,
		f.ID, f.TemplateID, f.State, f.WFResult, f.WFStatus, f.OwnerID,
		f.OperatorID, f.ExecutorID, f.TargetID, exInfo,
		f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return raceError(fmt.Errorf("insert flow: %w", err), fmt.Sprintf("flow %q already exists", f.ID))
	}
	f.Version = 1
	return nil
}

func (t *pgTx) SaveFlow(ctx context.Context, f *model.Flow) error {
	exInfo, err := json.Marshal(f.ExInfo)
	if err != nil {
		return fmt.Errorf("marshal ex_info: %w", err)
	}

	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE flows SET
			state = $1,
			wf_result = $2,
			wf_status = $3,
			operator_id = NULLIF($4, ''),
			executor_id = NULLIF($5, ''),
			target_id = $6,
			ex_info = $7,
			version = version + 1,
			updated_at = $8
		WHERE id = $9 AND version = $10`,
		f.State, f.WFResult, f.WFStatus,
		f.OperatorID, f.ExecutorID, f.TargetID, exInfo,
		now, f.ID, f.Version,
	)
	if err != nil {
		return raceError(fmt.Errorf("update flow: %w", err), fmt.Sprintf("flow %q changed concurrently", f.ID))
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("flow %q version conflict (expected %d)", f.ID, f.Version),
		)
	}
	f.Version++
	f.UpdatedAt = now
	return nil
}

func (t *pgTx) FindUser(ctx context.Context, userID string) (model.User, error) {
	u, err := getUser(ctx, t.tx, userID, " FOR UPDATE")
	if err != nil {
		return model.User{}, raceError(err, fmt.Sprintf("user %q is locked", userID))
	}
	return u, nil
}

func (t *pgTx) SaveUser(ctx context.Context, u model.User) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET name = $1, points = $2 WHERE id = $3`, u.Name, u.Points, u.ID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return userNotFound(u.ID)
	}
	return nil
}

func (t *pgTx) FindSubject(ctx context.Context, subjectID string) (model.Subject, error) {
	var sub model.Subject
	err := t.tx.QueryRow(ctx, `SELECT id, name, points FROM subjects WHERE id = $1`, subjectID).
		Scan(&sub.ID, &sub.Name, &sub.Points)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subject{}, model.NewNotFoundError(fmt.Sprintf("subject %q not found", subjectID))
	}
	if err != nil {
		return model.Subject{}, fmt.Errorf("query subject: %w", err)
	}
	return sub, nil
}

func (t *pgTx) AppendDetail(ctx context.Context, d model.Detail) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO details (id, user_id, flow_id, title, value, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		d.ID, d.UserID, d.FlowID, d.Title, d.Value, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert detail: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e model.FlowEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO flow_events (
			id, flow_id, step, from_state, to_state, operation, actor_id, remarks, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.FlowID, e.Step, e.FromState, e.ToState, e.Operation, e.ActorID, e.Remarks, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert flow event: %w", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return raceError(fmt.Errorf("commit: %w", err), "transaction lost a concurrent update")
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func getFlow(ctx context.Context, q querier, flowID, suffix string) (model.Flow, error) {
	row := q.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`+suffix, flowID)
	f, err := scanFlow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Flow{}, flowNotFound(flowID)
	}
	return f, err
}

func getUser(ctx context.Context, q querier, userID, suffix string) (model.User, error) {
	var u model.User
	err := q.QueryRow(ctx, `SELECT id, name, points FROM users WHERE id = $1`+suffix, userID).
		Scan(&u.ID, &u.Name, &u.Points)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, userNotFound(userID)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func scanFlow(row pgx.Row) (model.Flow, error) {
	var f model.Flow
	var exInfo []byte
	err := row.Scan(
		&f.ID, &f.TemplateID, &f.State, &f.WFResult, &f.WFStatus, &f.OwnerID,
		&f.OperatorID, &f.ExecutorID, &f.TargetID, &exInfo,
		&f.Version, &f.CreatedAt, &f.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Flow{}, err
	}
	if err != nil {
		return model.Flow{}, fmt.Errorf("scan flow: %w", err)
	}
	if len(exInfo) > 0 {
		if err := json.Unmarshal(exInfo, &f.ExInfo); err != nil {
			return model.Flow{}, fmt.Errorf("unmarshal ex_info: %w", err)
		}
	}
	return f, nil
}

// raceError maps lock and serialization failures to CONFLICT, keeping the
// driver error as the cause. Other errors are returned unchanged.
func raceError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlStateLockNotAvailable, sqlStateSerializationFailure,
		sqlStateDeadlockDetected, sqlStateUniqueViolation:
		env := model.NewConflictError(msg)
		env.Cause = err
		return env
	}
	return err
}
