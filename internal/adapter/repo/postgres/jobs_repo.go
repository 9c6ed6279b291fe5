package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, status, priority, engine_name, task_type, source_type, file_url, file_path,
	file_name, file_size_bytes, file_duration, platform, language, decode_options, result,
	COALESCE(error_message,''), task_processing_time, attempts, callback_url, callback_status_code,
	COALESCE(callback_message,''), callback_time, output_url, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j           domain.Job
		optsRaw     []byte
		resultRaw   []byte
		cbStatus    *int
		cbTime      *time.Time
	)
	err := row.Scan(&j.ID, &j.Status, &j.Priority, &j.EngineName, &j.TaskType, &j.SourceType,
		&j.FileURL, &j.FilePath, &j.FileName, &j.FileSizeBytes, &j.FileDuration, &j.Platform,
		&j.Language, &optsRaw, &resultRaw, &j.ErrorMessage, &j.ProcessingTime, &j.Attempts,
		&j.CallbackURL, &cbStatus, &j.CallbackMessage, &cbTime, &j.OutputURL, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.CallbackStatusCode = cbStatus
	j.CallbackTime = cbTime
	if len(optsRaw) > 0 {
		if err := json.Unmarshal(optsRaw, &j.DecodeOptions); err != nil {
			return domain.Job{}, fmt.Errorf("decode_options unmarshal: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		var res domain.TranscriptionResult
		if err := json.Unmarshal(resultRaw, &res); err != nil {
			return domain.Job{}, fmt.Errorf("result unmarshal: %w", err)
		}
		j.Result = &res
	}
	return j, nil
}

// Create inserts a new queued job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	opts, err := json.Marshal(j.DecodeOptions)
	if err != nil {
		return 0, fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (status, priority, engine_name, task_type, source_type, file_url, file_path,
		file_name, file_size_bytes, file_duration, platform, decode_options, callback_url, output_url,
		created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15) RETURNING id`
	var id int64
	err = r.Pool.QueryRow(ctx, q, domain.JobQueued, j.Priority, j.EngineName, j.TaskType, j.SourceType,
		j.FileURL, j.FilePath, j.FileName, j.FileSizeBytes, j.FileDuration, j.Platform, opts,
		j.CallbackURL, j.OutputURL, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Query lists jobs matching the filter, newest first, with stable ordering
// for pagination (created_at DESC, id DESC).
func (r *JobRepo) Query(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Query")
	defer span.End()

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != nil {
		conds = append(conds, "status = "+arg(*f.Status))
	}
	if f.Priority != nil {
		conds = append(conds, "priority = "+arg(*f.Priority))
	}
	if f.EngineName != "" {
		conds = append(conds, "engine_name = "+arg(f.EngineName))
	}
	if f.Language != "" {
		conds = append(conds, "language = "+arg(f.Language))
	}
	if f.Platform != "" {
		conds = append(conds, "platform = "+arg(f.Platform))
	}
	if f.CreatedAfter != nil {
		conds = append(conds, "created_at >= "+arg(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at <= "+arg(*f.CreatedBefore))
	}
	if f.HasResult != nil {
		if *f.HasResult {
			conds = append(conds, "result IS NOT NULL")
		} else {
			conds = append(conds, "result IS NULL")
		}
	}
	if f.HasError != nil {
		if *f.HasError {
			conds = append(conds, "error_message <> ''")
		} else {
			conds = append(conds, "error_message = ''")
		}
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.query: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.query: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.query: %w", err)
	}
	return out, nil
}

// Delete removes a job row permanently.
func (r *JobRepo) Delete(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// ClaimNext atomically claims the oldest queued job of the highest priority
// for the given engine. SKIP LOCKED keeps concurrent claimers from ever
// selecting the same row; the statement is a single transaction.
func (r *JobRepo) ClaimNext(ctx domain.Context, engineName string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()
	q := `WITH next AS (
		SELECT id FROM jobs
		WHERE status='queued' AND engine_name=$1
		ORDER BY CASE priority WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END, created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE jobs SET status='processing', updated_at=$2
	FROM next WHERE jobs.id = next.id
	RETURNING ` + jobColumns
	row := r.Pool.QueryRow(ctx, q, engineName, time.Now().UTC())
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.claim_next: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim_next: %w", err)
	}
	return j, nil
}

// RecordMedia stamps staging and probe outcomes onto a job.
func (r *JobRepo) RecordMedia(ctx domain.Context, id int64, path, name string, sizeBytes int64, durationSeconds float64) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecordMedia")
	defer span.End()
	q := `UPDATE jobs SET file_path=$2, file_name=$3, file_size_bytes=$4, file_duration=$5, updated_at=$6 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, path, name, sizeBytes, durationSeconds, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.record_media: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.record_media: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkCompleted records the result and transitions processing -> completed.
// Completed results are immutable: the guard on status rejects any other
// prior state with ErrConflict.
func (r *JobRepo) MarkCompleted(ctx domain.Context, id int64, result *domain.TranscriptionResult, language string, processingSeconds float64) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCompleted")
	defer span.End()
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=job.mark_completed: %w", err)
	}
	q := `UPDATE jobs SET status='completed', result=$2, language=$3, task_processing_time=$4,
		error_message='', updated_at=$5 WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, raw, language, processingSeconds, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.mark_completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_completed: %w", domain.ErrConflict)
	}
	return nil
}

// MarkFailed records the failure reason and transitions to failed. Allowed
// from processing, and from queued for asynchronous staging failures.
func (r *JobRepo) MarkFailed(ctx domain.Context, id int64, errorMessage string, processingSeconds float64) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkFailed")
	defer span.End()
	q := `UPDATE jobs SET status='failed', error_message=$2, task_processing_time=$3, updated_at=$4
		WHERE id=$1 AND status IN ('processing','queued')`
	tag, err := r.Pool.Exec(ctx, q, id, errorMessage, processingSeconds, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.mark_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_failed: %w", domain.ErrConflict)
	}
	return nil
}

// RecordCallback writes the callback delivery outcome. A recorded 2xx outcome
// is terminal and never rewritten.
func (r *JobRepo) RecordCallback(ctx domain.Context, id int64, statusCode int, message string, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecordCallback")
	defer span.End()
	q := `UPDATE jobs SET callback_status_code=$2, callback_message=$3, callback_time=$4, updated_at=$5
		WHERE id=$1 AND (callback_status_code IS NULL OR callback_status_code < 200 OR callback_status_code >= 300)`
	tag, err := r.Pool.Exec(ctx, q, id, statusCode, message, at.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.record_callback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the job is gone or a terminal success is already recorded.
		row := r.Pool.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id=$1`, id)
		var one int
		if err := row.Scan(&one); err != nil {
			return fmt.Errorf("op=job.record_callback: %w", domain.ErrNotFound)
		}
	}
	return nil
}

// Heartbeat refreshes a processing row's updated_at so the janitor does not
// treat a long-running job as orphaned.
func (r *JobRepo) Heartbeat(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Heartbeat")
	defer span.End()
	q := `UPDATE jobs SET updated_at=$2 WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.heartbeat: %w", domain.ErrConflict)
	}
	return nil
}

// RequeueOrphans re-queues processing rows whose owner died, identified by a
// stale updated_at. Attempts is incremented so repeated crashes are visible.
func (r *JobRepo) RequeueOrphans(ctx domain.Context, updatedBefore time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueOrphans")
	defer span.End()
	q := `UPDATE jobs SET status='queued', attempts=attempts+1, updated_at=$2
		WHERE status='processing' AND updated_at < $1`
	tag, err := r.Pool.Exec(ctx, q, updatedBefore.UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.requeue_orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingCallbacks lists terminal jobs whose callback has not been delivered.
func (r *JobRepo) PendingCallbacks(ctx domain.Context, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PendingCallbacks")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('completed','failed') AND callback_url <> '' AND callback_status_code IS NULL
		ORDER BY updated_at LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.pending_callbacks: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.pending_callbacks: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.pending_callbacks: %w", err)
	}
	return out, nil
}

// PurgeTerminal deletes completed/failed rows older than the cutoff.
func (r *JobRepo) PurgeTerminal(ctx domain.Context, createdBefore time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PurgeTerminal")
	defer span.End()
	q := `DELETE FROM jobs WHERE status IN ('completed','failed') AND created_at < $1`
	tag, err := r.Pool.Exec(ctx, q, createdBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.purge_terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}
