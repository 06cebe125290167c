package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mediarelay/internal/transform"
	logx "mediarelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var (
	ErrClosed = errors.New("job queue closed")

	// ErrDuplicate means a Pending/Processing job with the same
	// (contentHash, operation) already exists.
	ErrDuplicate = errors.New("duplicate live job")

	ErrNotFound = errors.New("job not found")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Priority tiers. Higher dequeues first; within a tier, FIFO by creation time.
const (
	PriorityNormal = 0
	PriorityHigh   = 10
)

type Job struct {
	ID            string
	ContentHash   string
	Operation     string
	SourceType    transform.Kind
	FileName      string
	Caption       string
	PayloadRef    string
	DestinationID string
	Priority      int
	Status        Status
	Attempt       int
	MaxAttempts   int
	NotBefore     time.Time
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	LastError     string
}

type Config struct {
	Path        string
	SpoolDir    string
	MaxAttempts int
	BusyTimeout time.Duration
}

// Queue is a durable, priority-ordered job store.
//
// SQLite (WAL, single writer) holds job records; payload bytes are staged as
// spool files referenced by payload_ref. The queue survives restart: jobs
// found Pending/Processing at open resume when their spool file still exists
// and are failed with a payload-missing error otherwise.
type Queue struct {
	log   logx.Logger
	spool string

	mu sync.Mutex
	db *sql.DB

	// notify wakes blocked Dequeue callers after enqueue/retry.
	notify chan struct{}

	defaultMaxAttempts int
	closed             bool
}

func Open(cfg Config, log logx.Logger) (*Queue, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("queue path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	spool := strings.TrimSpace(cfg.SpoolDir)
	if spool == "" {
		spool = filepath.Join(filepath.Dir(path), "spool")
	}
	if err := os.MkdirAll(spool, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	q := &Queue{
		log:                log,
		spool:              spool,
		db:                 db,
		notify:             make(chan struct{}, 1),
		defaultMaxAttempts: maxAttempts,
	}
	if err := q.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := q.recover(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, string(b))
	return err
}

// recover resets interrupted jobs at open. Processing jobs whose worker died
// become Pending again; any live job whose spool payload vanished is failed
// explicitly rather than resurrected as if untouched.
func (q *Queue) recover(ctx context.Context) error {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload_ref FROM jobs WHERE status IN (?, ?)`,
		StatusPending, StatusProcessing)
	if err != nil {
		return err
	}
	type rec struct{ id, ref string }
	var live []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.ref); err != nil {
			// A corrupt row must not block startup; skip it.
			q.log.Warn("skipping unreadable job row", logx.Err(err))
			continue
		}
		live = append(live, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	now := time.Now().UnixMilli()
	resumed, lost := 0, 0
	for _, r := range live {
		if _, statErr := os.Stat(r.ref); statErr != nil {
			if _, err := q.db.ExecContext(ctx,
				`UPDATE jobs SET status=?, completed_at=?, last_error=? WHERE id=?`,
				StatusFailed, now, "payload missing after restart", r.id); err != nil {
				return err
			}
			lost++
			continue
		}
		if _, err := q.db.ExecContext(ctx,
			`UPDATE jobs SET status=?, started_at=NULL WHERE id=?`,
			StatusPending, r.id); err != nil {
			return err
		}
		resumed++
	}
	if resumed > 0 || lost > 0 {
		q.log.Info("queue recovered", logx.Int("resumed", resumed), logx.Int("payload_missing", lost))
	}
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

// StagePayload writes payload bytes to the spool and returns the reference to
// store on the job.
func (q *Queue) StagePayload(id string, payload []byte) (string, error) {
	ref := filepath.Join(q.spool, id+".payload")
	tmp := ref + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, ref); err != nil {
		return "", err
	}
	return ref, nil
}

// Payload reads a job's staged bytes.
func (q *Queue) Payload(j *Job) ([]byte, error) {
	return os.ReadFile(j.PayloadRef)
}

// DiscardPayload removes a staged payload that never became a job.
func (q *Queue) DiscardPayload(ref string) { removeSpool(ref) }

// Enqueue inserts a Pending job and returns its id. The zero job ID is filled
// with a fresh UUID. Returns ErrDuplicate when a live job already covers the
// same (contentHash, operation).
func (q *Queue) Enqueue(ctx context.Context, j Job) (string, error) {
	if strings.TrimSpace(j.ContentHash) == "" {
		return "", errors.New("job content hash is required")
	}
	if strings.TrimSpace(j.Operation) == "" {
		return "", errors.New("job operation is required")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.defaultMaxAttempts
	}
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}

	var existing string
	err := q.db.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE content_hash=? AND operation=? AND status IN (?, ?)`,
		j.ContentHash, j.Operation, StatusPending, StatusProcessing).Scan(&existing)
	if err == nil {
		return existing, ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO jobs(id, content_hash, operation, source_type, file_name, caption, payload_ref, destination_id,
		                  priority, status, attempt, max_attempts, not_before, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,0,?,0,?)`,
		j.ID, j.ContentHash, j.Operation, string(j.SourceType), j.FileName, j.Caption, j.PayloadRef, j.DestinationID,
		j.Priority, StatusPending, j.MaxAttempts, now.UnixMilli())
	if err != nil {
		return "", err
	}
	q.wake()
	return j.ID, nil
}

// Dequeue blocks until a ready job exists or ctx is done. The returned job is
// exclusively owned by the caller until Complete or Fail. Claiming increments
// the attempt counter, so Job.Attempt is the number of processing attempts
// started (always <= MaxAttempts).
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		j, wait, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}

		if wait <= 0 || wait > 500*time.Millisecond {
			wait = 500 * time.Millisecond
		}
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

// tryClaim returns (job, 0, nil) on success or (nil, suggestedWait, nil) when
// nothing is ready yet.
func (q *Queue) tryClaim(ctx context.Context) (*Job, time.Duration, error) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, 0, ErrClosed
	}

	j, err := scanJob(q.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE status=? AND not_before<=?
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT 1`,
		StatusPending, now.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		// Maybe a retry is parked in the future; wake up for it.
		var next sql.NullInt64
		_ = q.db.QueryRowContext(ctx,
			`SELECT MIN(not_before) FROM jobs WHERE status=?`, StatusPending).Scan(&next)
		if next.Valid {
			if d := time.UnixMilli(next.Int64).Sub(now); d > 0 {
				return nil, d, nil
			}
		}
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, started_at=?, attempt=attempt+1 WHERE id=? AND status=?`,
		StatusProcessing, now.UnixMilli(), j.ID, StatusPending)
	if err != nil {
		return nil, 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race; try again immediately.
		return nil, 0, nil
	}
	j.Status = StatusProcessing
	j.StartedAt = now
	j.Attempt++
	return j, 0, nil
}

// Complete marks a Processing job Completed and discards its spool payload.
func (q *Queue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	ref, err := q.payloadRef(ctx, id)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, completed_at=?, last_error=NULL WHERE id=? AND status=?`,
		StatusCompleted, time.Now().UnixMilli(), id, StatusProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is not processing", ErrNotFound, id)
	}
	removeSpool(ref)
	return nil
}

// Fail records a failed attempt. If the attempt budget is not exhausted the
// job re-enters Pending at the same priority, parked until retryDelay passes.
// Otherwise it becomes terminal Failed and its payload is discarded.
// The boolean reports whether the job will be retried.
func (q *Queue) Fail(ctx context.Context, id string, jobErr error, retryDelay time.Duration) (bool, error) {
	return q.fail(ctx, id, jobErr, retryDelay, false)
}

// FailTerminal fails a job immediately regardless of remaining attempts.
// Used for errors that can never succeed (undecodable payload, no transform).
func (q *Queue) FailTerminal(ctx context.Context, id string, jobErr error) error {
	_, err := q.fail(ctx, id, jobErr, 0, true)
	return err
}

func (q *Queue) fail(ctx context.Context, id string, jobErr error, retryDelay time.Duration, terminal bool) (bool, error) {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}

	j, err := scanJob(q.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return false, err
	}
	if j.Status != StatusProcessing {
		return false, fmt.Errorf("%w: %s is not processing", ErrNotFound, id)
	}

	now := time.Now()
	if !terminal && j.Attempt < j.MaxAttempts {
		notBefore := int64(0)
		if retryDelay > 0 {
			notBefore = now.Add(retryDelay).UnixMilli()
		}
		_, err := q.db.ExecContext(ctx,
			`UPDATE jobs SET status=?, not_before=?, last_error=? WHERE id=?`,
			StatusPending, notBefore, msg, id)
		if err != nil {
			return false, err
		}
		q.wake()
		return true, nil
	}

	_, err = q.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, completed_at=?, last_error=? WHERE id=?`,
		StatusFailed, now.UnixMilli(), msg, id)
	if err != nil {
		return false, err
	}
	removeSpool(j.PayloadRef)
	return false, nil
}

// Depth reports the live backlog: Pending plus Processing jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status IN (?, ?)`, StatusPending, StatusProcessing).Scan(&n)
	return n, err
}

// Get fetches a job by id, for inspection.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	j, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, err
}

// ExpireBefore force-fails live jobs created before the cutoff and returns
// them. Jobs past their global time-to-live must not linger forever.
func (q *Queue) ExpireBefore(ctx context.Context, cutoff time.Time) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status IN (?, ?) AND created_at < ?`,
		StatusPending, StatusProcessing, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	var expired []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			q.log.Warn("skipping unreadable job row", logx.Err(err))
			continue
		}
		expired = append(expired, *j)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := time.Now().UnixMilli()
	for i := range expired {
		_, err := q.db.ExecContext(ctx,
			`UPDATE jobs SET status=?, completed_at=?, last_error=? WHERE id=?`,
			StatusFailed, now, "job ttl exceeded", expired[i].ID)
		if err != nil {
			return expired[:i], err
		}
		removeSpool(expired[i].PayloadRef)
	}
	return expired, nil
}

// Failed lists terminally failed jobs, most recent first, for inspection.
func (q *Queue) Failed(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status=? ORDER BY completed_at DESC LIMIT ?`,
		StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (q *Queue) payloadRef(ctx context.Context, id string) (string, error) {
	var ref string
	err := q.db.QueryRowContext(ctx, `SELECT payload_ref FROM jobs WHERE id=?`, id).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ref, err
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func removeSpool(ref string) {
	if strings.TrimSpace(ref) != "" {
		_ = os.Remove(ref)
	}
}

const jobCols = `id, content_hash, operation, source_type, file_name, caption, payload_ref, destination_id,
	priority, status, attempt, max_attempts, not_before, created_at, started_at, completed_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var srcType string
	var notBefore, createdAt int64
	var startedAt, completedAt sql.NullInt64
	var lastErr sql.NullString

	err := r.Scan(&j.ID, &j.ContentHash, &j.Operation, &srcType, &j.FileName, &j.Caption, &j.PayloadRef, &j.DestinationID,
		&j.Priority, &j.Status, &j.Attempt, &j.MaxAttempts, &notBefore, &createdAt,
		&startedAt, &completedAt, &lastErr)
	if err != nil {
		return nil, err
	}
	j.SourceType = transform.Kind(srcType)
	if notBefore > 0 {
		j.NotBefore = time.UnixMilli(notBefore)
	}
	j.CreatedAt = time.UnixMilli(createdAt)
	if startedAt.Valid {
		j.StartedAt = time.UnixMilli(startedAt.Int64)
	}
	if completedAt.Valid {
		j.CompletedAt = time.UnixMilli(completedAt.Int64)
	}
	if lastErr.Valid {
		j.LastError = lastErr.String
	}
	return &j, nil
}
