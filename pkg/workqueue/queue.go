// Copyright 2025 Market Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workqueue is the durable work-item queue behind the daemon:
// a database-backed FIFO with priority, lanes, retry backoff, and lock
// recovery. Coordination is transactional, so any number of worker
// processes can claim concurrently and exactly one wins each item.
package workqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/metrics"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/storage"
)

// State is a work item's position in the queue state machine.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateRetryWait State = "RETRY_WAIT"
	StateFailed    State = "FAILED"
	StateComplete  State = "COMPLETE"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether the state admits no further transitions
// short of a manual retry.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateComplete || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateRetryWait, StateFailed, StateComplete, StateCancelled:
		return true
	}
	return false
}

// Item is one unit of queued work: a pipeline to run against a
// partition with params. The (domain, pipeline, partition) triple is
// unique in the store while the item exists.
type Item struct {
	ID        int64
	Domain    string
	Pipeline  string
	Partition partition.Key
	Params    pipeline.Params
	Priority  int
	Lane      execution.Lane
	State     State

	AttemptCount int
	MaxAttempts  int

	NextAttemptAt *time.Time
	LockedBy      string
	LockedAt      *time.Time
	LastError     string

	CurrentExecutionID string

	DesiredAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Domain   string
	Pipeline string
	State    State
	Lane     execution.Lane
	Limit    int
}

const (
	// DefaultMaxAttempts is the attempt budget when an item does not
	// set its own.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase seeds the exponential retry backoff: attempt
	// N waits base * 3^(N-1).
	DefaultBackoffBase = 5 * time.Minute

	// DefaultLockTTL is how long a RUNNING lock may go untouched
	// before the reaper treats the worker as dead.
	DefaultLockTTL = 30 * time.Minute
)

// Queue is the store-backed work queue.
type Queue struct {
	db          *storage.DB
	now         func() time.Time
	backoffBase time.Duration
	lockTTL     time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackoffBase overrides the retry backoff base.
func WithBackoffBase(d time.Duration) Option {
	return func(q *Queue) { q.backoffBase = d }
}

// WithLockTTL overrides the lock expiry threshold.
func WithLockTTL(d time.Duration) Option {
	return func(q *Queue) { q.lockTTL = d }
}

// WithNowFunc overrides the clock for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New builds a Queue over an opened database.
func New(db *storage.DB, opts ...Option) *Queue {
	q := &Queue{
		db:          db,
		now:         func() time.Time { return time.Now().UTC() },
		backoffBase: DefaultBackoffBase,
		lockTTL:     DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts a PENDING item and returns its id. The database
// unique key on (domain, pipeline, partition) makes duplicate enqueue
// fail atomically with QueueConflictError.
func (q *Queue) Enqueue(ctx context.Context, item Item) (int64, error) {
	if item.Domain == "" || item.Pipeline == "" {
		return 0, &errors.ValidationError{
			Field:   "item",
			Message: "domain and pipeline are required",
		}
	}
	if item.Lane == "" {
		item.Lane = execution.LaneNormal
	}
	if !item.Lane.Valid() {
		return 0, &errors.ValidationError{
			Field:   "lane",
			Message: fmt.Sprintf("unknown lane %q", item.Lane),
		}
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}

	paramsJSON, err := json.Marshal(orEmptyParams(item.Params))
	if err != nil {
		return 0, fmt.Errorf("marshal params: %w", err)
	}

	now := q.now()
	desiredAt := item.DesiredAt
	if desiredAt.IsZero() {
		desiredAt = now
	}

	res, err := q.db.SQL().ExecContext(ctx, `
		INSERT INTO core_work_items
			(domain, pipeline, partition_key, params, priority, lane, state,
			 attempt_count, max_attempts, desired_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		item.Domain, item.Pipeline, item.Partition.Canonical(),
		string(paramsJSON), item.Priority, string(item.Lane),
		string(StatePending), item.MaxAttempts,
		desiredAt.UnixNano(), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, &errors.QueueConflictError{
				Domain:    item.Domain,
				Pipeline:  item.Pipeline,
				Partition: item.Partition.Canonical(),
			}
		}
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue id: %w", err)
	}
	metrics.RecordQueueTransition(string(StatePending))
	return id, nil
}

// Claim atomically transitions one eligible item to RUNNING for
// workerID and returns it, or nil when nothing is due. Eligible means:
// PENDING with desired_at reached, RETRY_WAIT with next_attempt_at
// reached, or RUNNING with an expired lock. Highest priority first,
// then oldest desired_at. Claiming increments attempt_count; the claim
// and the stamp are one transaction, so concurrent workers never
// receive the same item.
func (q *Queue) Claim(ctx context.Context, workerID string, lanes ...execution.Lane) (*Item, error) {
	if workerID == "" {
		return nil, &errors.ValidationError{Field: "worker_id", Message: "worker id is required"}
	}
	if len(lanes) == 0 {
		lanes = []execution.Lane{execution.LaneNormal}
	}

	nowNano := q.now().UnixNano()
	expiredBefore := q.now().Add(-q.lockTTL).UnixNano()

	laneSQL := "(" + strings.TrimSuffix(strings.Repeat("?,", len(lanes)), ",") + ")"
	args := []any{nowNano, nowNano, expiredBefore}
	for _, lane := range lanes {
		args = append(args, string(lane))
	}

	var claimed *Item
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM core_work_items
			WHERE (
				(state = 'PENDING' AND desired_at <= ?)
				OR (state = 'RETRY_WAIT' AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
				OR (state = 'RUNNING' AND locked_at IS NOT NULL AND locked_at <= ?)
			) AND lane IN `+laneSQL+`
			ORDER BY priority DESC, desired_at ASC, id ASC
			LIMIT 1`, args...,
		).Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claim candidate: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE core_work_items
			SET state = 'RUNNING',
			    locked_by = ?,
			    locked_at = ?,
			    attempt_count = attempt_count + 1,
			    next_attempt_at = NULL,
			    current_execution_id = NULL,
			    updated_at = ?
			WHERE id = ?`,
			workerID, nowNano, nowNano, id,
		)
		if err != nil {
			return fmt.Errorf("stamp claim: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			if err != nil {
				return fmt.Errorf("stamp claim: %w", err)
			}
			return nil
		}

		claimed, err = getItemTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		metrics.RecordQueueTransition(string(StateRunning))
	}
	return claimed, nil
}

// AttachExecution stamps the execution id of the run a claimed item is
// currently driving. Diagnostic only; no state change.
func (q *Queue) AttachExecution(ctx context.Context, id int64, executionID string) error {
	_, err := q.db.SQL().ExecContext(ctx, `
		UPDATE core_work_items
		SET current_execution_id = ?, updated_at = ?
		WHERE id = ? AND state = 'RUNNING'`,
		executionID, q.now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("attach execution: %w", err)
	}
	return nil
}

// Complete transitions a RUNNING item to COMPLETE and releases its
// lock.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	return q.transition(ctx, id, []State{StateRunning}, StateComplete, func(upd *updates) {
		upd.clearLock = true
	})
}

// Fail records a failed attempt on a RUNNING item. With attempts left
// the item parks in RETRY_WAIT until its backoff expires (attempt N
// waits base * 3^(N-1)); with the budget spent it lands in FAILED.
func (q *Queue) Fail(ctx context.Context, id int64, runErr error) error {
	item, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.State != StateRunning {
		return &errors.ValidationError{
			Field:   "state",
			Message: fmt.Sprintf("cannot fail item in state %s", item.State),
		}
	}

	lastError := ""
	if runErr != nil {
		lastError = runErr.Error()
	}

	if item.AttemptCount >= item.MaxAttempts {
		return q.transition(ctx, id, []State{StateRunning}, StateFailed, func(upd *updates) {
			upd.clearLock = true
			upd.lastError = &lastError
		})
	}

	// Backoff for the attempt that just failed.
	wait := q.backoffBase
	for i := 1; i < item.AttemptCount; i++ {
		wait *= 3
	}
	nextAttempt := q.now().Add(wait).UnixNano()
	return q.transition(ctx, id, []State{StateRunning}, StateRetryWait, func(upd *updates) {
		upd.clearLock = true
		upd.lastError = &lastError
		upd.nextAttemptAt = &nextAttempt
	})
}

// Retry manually resets an item to PENDING with a fresh attempt
// budget, regardless of how the previous attempts ended.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	zero := 0
	return q.transition(ctx, id,
		[]State{StateFailed, StateRetryWait, StateCancelled}, StatePending,
		func(upd *updates) {
			upd.clearLock = true
			upd.attemptCount = &zero
			upd.clearNextAttempt = true
		})
}

// Cancel transitions a PENDING or RETRY_WAIT item to CANCELLED.
// RUNNING items are not interrupted; they finish and report normally.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	return q.transition(ctx, id, []State{StatePending, StateRetryWait}, StateCancelled, func(upd *updates) {
		upd.clearNextAttempt = true
	})
}

// Reap returns RUNNING items whose lock is older than olderThan to
// PENDING with the lock and current execution cleared. Pass 0 to use
// the queue's configured lock TTL. Returns the number reaped.
func (q *Queue) Reap(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = q.lockTTL
	}
	cutoff := q.now().Add(-olderThan).UnixNano()

	res, err := q.db.SQL().ExecContext(ctx, `
		UPDATE core_work_items
		SET state = 'PENDING',
		    locked_by = NULL,
		    locked_at = NULL,
		    current_execution_id = NULL,
		    updated_at = ?
		WHERE state = 'RUNNING' AND locked_at IS NOT NULL AND locked_at <= ?`,
		q.now().UnixNano(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap count: %w", err)
	}
	metrics.RecordReaped(int(n))
	return int(n), nil
}

// Get returns an item by id.
func (q *Queue) Get(ctx context.Context, id int64) (*Item, error) {
	var item *Item
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = getItemTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, &errors.NotFoundError{Resource: "work item", ID: fmt.Sprintf("%d", id)}
	}
	return item, nil
}

// List returns items matching the filter, newest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]Item, error) {
	query := itemColumns + " FROM core_work_items WHERE 1=1"
	var args []any
	if f.Domain != "" {
		query += " AND domain = ?"
		args = append(args, f.Domain)
	}
	if f.Pipeline != "" {
		query += " AND pipeline = ?"
		args = append(args, f.Pipeline)
	}
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, string(f.State))
	}
	if f.Lane != "" {
		query += " AND lane = ?"
		args = append(args, string(f.Lane))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// Stats returns the item count per state, updating the depth gauges as
// a side effect.
func (q *Queue) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := q.db.SQL().QueryContext(ctx,
		`SELECT state, COUNT(*) FROM core_work_items GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := map[State]int{
		StatePending:   0,
		StateRunning:   0,
		StateRetryWait: 0,
		StateFailed:    0,
		StateComplete:  0,
		StateCancelled: 0,
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for state, n := range stats {
		metrics.SetQueueDepth(string(state), n)
	}
	return stats, nil
}

// updates collects the optional column changes of a transition.
type updates struct {
	clearLock        bool
	clearNextAttempt bool
	lastError        *string
	nextAttemptAt    *int64
	attemptCount     *int
}

// transition moves an item from one of the allowed states to target.
// Disallowed current states produce a ValidationError; missing ids a
// NotFoundError.
func (q *Queue) transition(ctx context.Context, id int64, from []State, target State, mutate func(*updates)) error {
	upd := updates{}
	if mutate != nil {
		mutate(&upd)
	}

	set := "state = ?, updated_at = ?"
	args := []any{string(target), q.now().UnixNano()}
	if upd.clearLock {
		set += ", locked_by = NULL, locked_at = NULL"
	}
	if upd.clearNextAttempt {
		set += ", next_attempt_at = NULL"
	}
	if upd.lastError != nil {
		set += ", last_error = ?"
		args = append(args, *upd.lastError)
	}
	if upd.nextAttemptAt != nil {
		set += ", next_attempt_at = ?"
		args = append(args, *upd.nextAttemptAt)
	}
	if upd.attemptCount != nil {
		set += ", attempt_count = ?"
		args = append(args, *upd.attemptCount)
	}

	fromSQL := "(" + strings.TrimSuffix(strings.Repeat("?,", len(from)), ",") + ")"
	args = append(args, id)
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := q.db.SQL().ExecContext(ctx,
		"UPDATE core_work_items SET "+set+" WHERE id = ? AND state IN "+fromSQL,
		args...,
	)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", target, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition to %s: %w", target, err)
	}
	if n == 0 {
		item, err := q.Get(ctx, id)
		if err != nil {
			return err
		}
		return &errors.ValidationError{
			Field: "state",
			Message: fmt.Sprintf("cannot transition item %d from %s to %s",
				id, item.State, target),
		}
	}
	metrics.RecordQueueTransition(string(target))
	return nil
}

const itemColumns = `
	SELECT id, domain, pipeline, partition_key, params, priority, lane, state,
	       attempt_count, max_attempts, next_attempt_at, locked_by, locked_at,
	       last_error, current_execution_id, desired_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func getItemTx(ctx context.Context, tx *sql.Tx, id int64) (*Item, error) {
	row := tx.QueryRowContext(ctx, itemColumns+" FROM core_work_items WHERE id = ?", id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item          Item
		partKey       string
		paramsJSON    string
		lane          string
		state         string
		nextAttemptAt sql.NullInt64
		lockedBy      sql.NullString
		lockedAt      sql.NullInt64
		lastError     sql.NullString
		execID        sql.NullString
		desiredAt     int64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(&item.ID, &item.Domain, &item.Pipeline, &partKey,
		&paramsJSON, &item.Priority, &lane, &state, &item.AttemptCount,
		&item.MaxAttempts, &nextAttemptAt, &lockedBy, &lockedAt, &lastError,
		&execID, &desiredAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	key, err := partition.ParseKey(partKey)
	if err != nil {
		return nil, err
	}
	item.Partition = key
	item.Lane = execution.Lane(lane)
	item.State = State(state)
	if err := json.Unmarshal([]byte(paramsJSON), &item.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if nextAttemptAt.Valid {
		t := time.Unix(0, nextAttemptAt.Int64).UTC()
		item.NextAttemptAt = &t
	}
	item.LockedBy = lockedBy.String
	if lockedAt.Valid {
		t := time.Unix(0, lockedAt.Int64).UTC()
		item.LockedAt = &t
	}
	item.LastError = lastError.String
	item.CurrentExecutionID = execID.String
	item.DesiredAt = time.Unix(0, desiredAt).UTC()
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &item, nil
}

func orEmptyParams(p pipeline.Params) pipeline.Params {
	if p == nil {
		return pipeline.Params{}
	}
	return p
}

// isUniqueViolation matches the sqlite driver's unique-constraint
// error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
