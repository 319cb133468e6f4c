// Package store persists dispatches: one row per routed event, claimed and
// driven to a terminal status by the worker pool.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevin-mind/nopo-steward/pkg/router"
)

// Status is the dispatch lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// ErrNoPending means no claimable dispatch exists right now.
var ErrNoPending = errors.New("no pending dispatch")

// ErrNotFound means the dispatch id does not exist.
var ErrNotFound = errors.New("dispatch not found")

// Dispatch is one queued unit of work. Context carries the full routing
// decision so the worker re-runs exactly what ingress decided.
type Dispatch struct {
	ID               string          `json:"id"`
	Job              string          `json:"job"`
	Trigger          string          `json:"trigger"`
	ResourceType     string          `json:"resource_type"`
	ResourceNumber   int             `json:"resource_number"`
	ConcurrencyGroup string          `json:"concurrency_group"`
	CancelInProgress bool            `json:"cancel_in_progress"`
	Context          json.RawMessage `json:"context,omitempty"`
	RawEvent         json.RawMessage `json:"raw_event,omitempty"`
	Status           Status          `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	ClaimedBy        string          `json:"claimed_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	HeartbeatAt      *time.Time      `json:"heartbeat_at,omitempty"`
}

// NewFromDecision builds a pending dispatch from a routing decision and the
// raw event it was derived from.
func NewFromDecision(d router.Decision, rawEvent json.RawMessage) (*Dispatch, error) {
	ctxJSON, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}
	return &Dispatch{
		ID:               uuid.NewString(),
		Job:              string(d.Job),
		Trigger:          string(d.Trigger),
		ResourceType:     string(d.ResourceType),
		ResourceNumber:   d.ResourceNumber,
		ConcurrencyGroup: d.ConcurrencyGroup,
		CancelInProgress: d.CancelInProgress,
		Context:          ctxJSON,
		RawEvent:         rawEvent,
		Status:           StatusPending,
	}, nil
}

// Decision reconstructs the routing decision recorded at enqueue time.
func (d *Dispatch) Decision() (router.Decision, error) {
	var dec router.Decision
	if err := json.Unmarshal(d.Context, &dec); err != nil {
		return dec, fmt.Errorf("unmarshal dispatch %s context: %w", d.ID, err)
	}
	return dec, nil
}

// Store is the dispatches table access layer.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New creates a store over the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		log:  slog.Default().With("component", "store"),
	}
}

const dispatchColumns = `id, job, trigger, resource_type, resource_number,
	concurrency_group, cancel_in_progress, context, raw_event, status, result,
	error, claimed_by, created_at, started_at, finished_at, heartbeat_at`

func scanDispatch(row pgx.Row) (*Dispatch, error) {
	var d Dispatch
	err := row.Scan(
		&d.ID, &d.Job, &d.Trigger, &d.ResourceType, &d.ResourceNumber,
		&d.ConcurrencyGroup, &d.CancelInProgress, &d.Context, &d.RawEvent,
		&d.Status, &d.Result, &d.Error, &d.ClaimedBy, &d.CreatedAt,
		&d.StartedAt, &d.FinishedAt, &d.HeartbeatAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispatch: %w", err)
	}
	return &d, nil
}

// Create inserts a pending dispatch.
func (s *Store) Create(ctx context.Context, d *Dispatch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatches (id, job, trigger, resource_type, resource_number,
			concurrency_group, cancel_in_progress, context, raw_event, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.Job, d.Trigger, d.ResourceType, d.ResourceNumber,
		d.ConcurrencyGroup, d.CancelInProgress, d.Context, d.RawEvent, d.Status,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

// ClaimNext claims the oldest pending dispatch whose concurrency group has no
// running member. SKIP LOCKED keeps concurrent claimers from blocking on each
// other.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Dispatch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM dispatches d
		WHERE status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM dispatches r
			WHERE r.concurrency_group = d.concurrency_group
			  AND r.status = 'running'
		  )
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPending
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE dispatches
		SET status = 'running', claimed_by = $2, started_at = now(), heartbeat_at = now()
		WHERE id = $1
		RETURNING `+dispatchColumns,
		id, workerID,
	)
	d, err := scanDispatch(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return d, nil
}

// Heartbeat bumps the liveness timestamp of a running dispatch.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dispatches SET heartbeat_at = now() WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("heartbeat dispatch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish writes the terminal status. Callers pass a background-derived
// context so shutdown never loses a result.
func (s *Store) Finish(ctx context.Context, id string, status Status, result json.RawMessage, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dispatches
		SET status = $2, result = $3, error = $4, finished_at = now()
		WHERE id = $1`,
		id, status, result, errMsg,
	)
	if err != nil {
		return fmt.Errorf("finish dispatch %s: %w", id, err)
	}
	return nil
}

// CancelPendingInGroup cancels all pending dispatches of a concurrency group
// and returns how many were cancelled.
func (s *Store) CancelPendingInGroup(ctx context.Context, group string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatches
		SET status = 'cancelled', finished_at = now(), error = 'superseded by newer dispatch'
		WHERE concurrency_group = $1 AND status = 'pending'`,
		group,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending in group %q: %w", group, err)
	}
	return int(tag.RowsAffected()), nil
}

// RunningInGroup lists the running dispatch ids of a concurrency group.
func (s *Store) RunningInGroup(ctx context.Context, group string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM dispatches WHERE concurrency_group = $1 AND status = 'running'`, group)
	if err != nil {
		return nil, fmt.Errorf("running in group %q: %w", group, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan running id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequeueOrphans returns running dispatches with stale heartbeats to pending.
func (s *Store) RequeueOrphans(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatches
		SET status = 'pending', claimed_by = '', started_at = NULL, heartbeat_at = NULL
		WHERE status = 'running' AND heartbeat_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", staleAfter.Milliseconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue orphans: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.log.Warn("requeued orphaned dispatches", "count", n)
	}
	return n, nil
}

// Get fetches one dispatch.
func (s *Store) Get(ctx context.Context, id string) (*Dispatch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dispatchColumns+` FROM dispatches WHERE id = $1`, id)
	return scanDispatch(row)
}

// ListFilter narrows List.
type ListFilter struct {
	Status           Status
	ConcurrencyGroup string
	ResourceNumber   int
	Limit            int
}

// List returns dispatches newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Dispatch, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + dispatchColumns + ` FROM dispatches`
	args := []any{limit}
	var conds []string
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ConcurrencyGroup != "" {
		args = append(args, f.ConcurrencyGroup)
		conds = append(conds, fmt.Sprintf("concurrency_group = $%d", len(args)))
	}
	if f.ResourceNumber != 0 {
		args = append(args, f.ResourceNumber)
		conds = append(conds, fmt.Sprintf("resource_number = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []*Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountByStatus returns the queue depth per status, for metrics and health.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM dispatches GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count dispatches: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
