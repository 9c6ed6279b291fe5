package badger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

// JobRepo persists jobs in the embedded store. All mutating operations take
// the repo mutex; in particular ClaimNext relies on it for claim atomicity.
type JobRepo struct {
	store *badgerhold.Store
	seq   *badgerdb.Sequence
	mu    sync.Mutex
}

// NewJobRepo constructs a JobRepo. Ids come from a persistent Badger sequence,
// not from the surviving rows, so an id is never reassigned after its row was
// purged and the process restarted.
func NewJobRepo(store *badgerhold.Store) (*JobRepo, error) {
	seq, err := store.Badger().GetSequence([]byte("jobs_id_seq"), 64)
	if err != nil {
		return nil, fmt.Errorf("op=job.id_sequence: %w", err)
	}
	return &JobRepo{store: store, seq: seq}, nil
}

// Close returns the unused portion of the id lease. Skipping it only widens
// the id gap after a restart; ids are never reused either way.
func (r *JobRepo) Close() error { return r.seq.Release() }

// Create inserts a new queued job and returns its monotonically assigned id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("op=job.create: %w", err)
	}
	j.ID = int64(n) + 1
	j.Status = domain.JobQueued
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := r.store.Insert(j.ID, j); err != nil {
		return 0, fmt.Errorf("op=job.create: %w", err)
	}
	return j.ID, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	var j domain.Job
	if err := r.store.Get(id, &j); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Query lists jobs matching the filter, newest first, stable by id.
func (r *JobRepo) Query(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.Query")
	defer span.End()
	var jobs []domain.Job
	if err := r.store.Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("op=job.query: %w", err)
	}
	filtered := jobs[:0]
	for _, j := range jobs {
		if !matches(j, f) {
			continue
		}
		filtered = append(filtered, j)
	}
	sort.Slice(filtered, func(a, b int) bool {
		if !filtered[a].CreatedAt.Equal(filtered[b].CreatedAt) {
			return filtered[a].CreatedAt.After(filtered[b].CreatedAt)
		}
		return filtered[a].ID > filtered[b].ID
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if f.Offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[f.Offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func matches(j domain.Job, f domain.JobFilter) bool {
	if f.Status != nil && j.Status != *f.Status {
		return false
	}
	if f.Priority != nil && j.Priority != *f.Priority {
		return false
	}
	if f.EngineName != "" && j.EngineName != f.EngineName {
		return false
	}
	if f.Language != "" && j.Language != f.Language {
		return false
	}
	if f.Platform != "" && j.Platform != f.Platform {
		return false
	}
	if f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && j.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.HasResult != nil && (j.Result != nil) != *f.HasResult {
		return false
	}
	if f.HasError != nil && (j.ErrorMessage != "") != *f.HasError {
		return false
	}
	return true
}

// Delete removes a job row permanently.
func (r *JobRepo) Delete(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Delete(id, domain.Job{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("op=job.delete: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.delete: %w", err)
	}
	return nil
}

// ClaimNext picks the oldest queued job of the highest priority for the
// engine and flips it to processing. The repo mutex is the claim lock: no
// other claimer can observe the row between selection and update.
func (r *JobRepo) ClaimNext(ctx domain.Context, engineName string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()

	var queued []domain.Job
	q := badgerhold.Where("Status").Eq(domain.JobQueued).And("EngineName").Eq(engineName)
	if err := r.store.Find(&queued, q); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim_next: %w", err)
	}
	if len(queued) == 0 {
		return domain.Job{}, fmt.Errorf("op=job.claim_next: %w", domain.ErrNotFound)
	}
	sort.Slice(queued, func(a, b int) bool {
		if queued[a].Priority.Rank() != queued[b].Priority.Rank() {
			return queued[a].Priority.Rank() < queued[b].Priority.Rank()
		}
		if !queued[a].CreatedAt.Equal(queued[b].CreatedAt) {
			return queued[a].CreatedAt.Before(queued[b].CreatedAt)
		}
		return queued[a].ID < queued[b].ID
	})
	j := queued[0]
	j.Status = domain.JobProcessing
	j.UpdatedAt = time.Now().UTC()
	if err := r.store.Update(j.ID, j); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim_next: %w", err)
	}
	return j, nil
}

func (r *JobRepo) mutate(id int64, fn func(*domain.Job) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var j domain.Job
	if err := r.store.Get(id, &j); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	if err := fn(&j); err != nil {
		return err
	}
	j.UpdatedAt = time.Now().UTC()
	return r.store.Update(id, j)
}

// RecordMedia stamps staging and probe outcomes onto a job.
func (r *JobRepo) RecordMedia(ctx domain.Context, id int64, path, name string, sizeBytes int64, durationSeconds float64) error {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.RecordMedia")
	defer span.End()
	err := r.mutate(id, func(j *domain.Job) error {
		j.FilePath = path
		j.FileName = name
		j.FileSizeBytes = sizeBytes
		j.FileDuration = durationSeconds
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=job.record_media: %w", err)
	}
	return nil
}

// MarkCompleted records the result and transitions processing -> completed.
func (r *JobRepo) MarkCompleted(ctx domain.Context, id int64, result *domain.TranscriptionResult, language string, processingSeconds float64) error {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.MarkCompleted")
	defer span.End()
	err := r.mutate(id, func(j *domain.Job) error {
		if j.Status != domain.JobProcessing {
			return domain.ErrConflict
		}
		j.Status = domain.JobCompleted
		j.Result = result
		j.Language = language
		j.ProcessingTime = processingSeconds
		j.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=job.mark_completed: %w", err)
	}
	return nil
}

// MarkFailed records the failure reason and transitions to failed.
func (r *JobRepo) MarkFailed(ctx domain.Context, id int64, errorMessage string, processingSeconds float64) error {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.MarkFailed")
	defer span.End()
	err := r.mutate(id, func(j *domain.Job) error {
		if j.Status.Terminal() {
			return domain.ErrConflict
		}
		j.Status = domain.JobFailed
		j.ErrorMessage = errorMessage
		j.ProcessingTime = processingSeconds
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=job.mark_failed: %w", err)
	}
	return nil
}

// RecordCallback writes the callback delivery outcome. A recorded 2xx outcome
// is terminal and never rewritten.
func (r *JobRepo) RecordCallback(ctx domain.Context, id int64, statusCode int, message string, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.RecordCallback")
	defer span.End()
	err := r.mutate(id, func(j *domain.Job) error {
		if j.CallbackStatusCode != nil && *j.CallbackStatusCode >= 200 && *j.CallbackStatusCode < 300 {
			return nil
		}
		code := statusCode
		t := at.UTC()
		j.CallbackStatusCode = &code
		j.CallbackMessage = message
		j.CallbackTime = &t
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=job.record_callback: %w", err)
	}
	return nil
}

// Heartbeat refreshes a processing row's updated_at so the janitor does not
// treat a long-running job as orphaned.
func (r *JobRepo) Heartbeat(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.Heartbeat")
	defer span.End()
	err := r.mutate(id, func(j *domain.Job) error {
		if j.Status != domain.JobProcessing {
			return domain.ErrConflict
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=job.heartbeat: %w", err)
	}
	return nil
}

// RequeueOrphans re-queues processing rows whose updated_at is stale.
func (r *JobRepo) RequeueOrphans(ctx domain.Context, updatedBefore time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.RequeueOrphans")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	var stuck []domain.Job
	q := badgerhold.Where("Status").Eq(domain.JobProcessing)
	if err := r.store.Find(&stuck, q); err != nil {
		return 0, fmt.Errorf("op=job.requeue_orphans: %w", err)
	}
	var n int64
	for _, j := range stuck {
		if !j.UpdatedAt.Before(updatedBefore) {
			continue
		}
		j.Status = domain.JobQueued
		j.Attempts++
		j.UpdatedAt = time.Now().UTC()
		if err := r.store.Update(j.ID, j); err != nil {
			return n, fmt.Errorf("op=job.requeue_orphans: %w", err)
		}
		n++
	}
	return n, nil
}

// PendingCallbacks lists terminal jobs whose callback has not been delivered.
func (r *JobRepo) PendingCallbacks(ctx domain.Context, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.PendingCallbacks")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	var jobs []domain.Job
	if err := r.store.Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("op=job.pending_callbacks: %w", err)
	}
	var out []domain.Job
	for _, j := range jobs {
		if !j.Status.Terminal() || j.CallbackURL == "" || j.CallbackStatusCode != nil {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeTerminal deletes completed/failed rows older than the cutoff.
func (r *JobRepo) PurgeTerminal(ctx domain.Context, createdBefore time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	_, span := tracer.Start(ctx, "jobs.PurgeTerminal")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []domain.Job
	if err := r.store.Find(&jobs, nil); err != nil {
		return 0, fmt.Errorf("op=job.purge_terminal: %w", err)
	}
	var n int64
	for _, j := range jobs {
		if !j.Status.Terminal() || !j.CreatedAt.Before(createdBefore) {
			continue
		}
		if err := r.store.Delete(j.ID, domain.Job{}); err != nil {
			return n, fmt.Errorf("op=job.purge_terminal: %w", err)
		}
		n++
	}
	return n, nil
}
