package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"textdetect-service/internal/entity"
	"textdetect-service/internal/logger"
	"textdetect-service/internal/metrics"
	"textdetect-service/internal/repository/postgresql"
)

const PageSize = 20

var (
	ErrValidation = errors.New("validation error")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = postgresql.ErrNotFound
)

// Repository port for the submission and read path (postgresql.JobRepository).
type JobRepository interface {
	UpsertUser(ctx context.Context, uid string, email *string) (*entity.User, error)
	CreateJob(ctx context.Context, userID uuid.UUID, storageKey string, meta *string) (*entity.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, version int64, status entity.JobStatus) (int64, error)
	ListJobs(ctx context.Context, userID uuid.UUID, status *entity.JobStatus, limit, offset int) ([]*entity.Job, error)
	LatestResult(ctx context.Context, jobID uuid.UUID) (*entity.Result, error)
}

// JobQueue is the submission side of the broker.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) (string, error)
}

// Identity is the verified caller. Admin grants the dead-letter endpoints.
type Identity struct {
	UID   string
	Email string
	Admin bool
}

type JobService struct {
	repo  JobRepository
	queue JobQueue
}

func NewJobService(repo JobRepository, queue JobQueue) *JobService {
	return &JobService{repo: repo, queue: queue}
}

type CreateJobRequest struct {
	StorageKey string
	Meta       *string
}

type JobView struct {
	Job    *entity.Job
	Result *entity.Result
}

func (s *JobService) CreateJob(ctx context.Context, who Identity, req CreateJobRequest) (*entity.Job, error) {
	key := strings.TrimSpace(req.StorageKey)
	if key == "" {
		return nil, fmt.Errorf("%w: storage key is required", ErrValidation)
	}

	var email *string
	if who.Email != "" {
		email = &who.Email
	}
	user, err := s.repo.UpsertUser(ctx, who.UID, email)
	if err != nil {
		return nil, err
	}

	job, err := s.repo.CreateJob(ctx, user.ID, key, req.Meta)
	if err != nil {
		return nil, err
	}

	handle, err := s.queue.Enqueue(ctx, job.ID.String())
	if err != nil {
		s.abandon(ctx, job, err)
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	metrics.JobsSubmittedTotal.Inc()
	logger.WithJobID(job.ID.String()).Info().
		Str("uid", who.UID).
		Str("handle", handle).
		Msg("job submitted")
	return job, nil
}

// GetJob returns the job with its latest result, if any. Only the owner may read it.
func (s *JobService) GetJob(ctx context.Context, who Identity, id uuid.UUID) (*JobView, error) {
	job, err := s.owned(ctx, who, id)
	if err != nil {
		return nil, err
	}

	view := &JobView{Job: job}
	res, err := s.repo.LatestResult(ctx, id)
	switch {
	case err == nil:
		view.Result = res
	case errors.Is(err, postgresql.ErrNotFound):
	default:
		return nil, err
	}
	return view, nil
}

func (s *JobService) ListJobs(ctx context.Context, who Identity, page int, status *entity.JobStatus) ([]*entity.Job, error) {
	if page < 1 {
		page = 1
	}
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, *status)
	}

	user, err := s.repo.UpsertUser(ctx, who.UID, nil)
	if err != nil {
		return nil, err
	}
	return s.repo.ListJobs(ctx, user.ID, status, PageSize, (page-1)*PageSize)
}

// abandon fails a job that was stored but never reached the queue, so it does
// not sit in PENDING forever.
func (s *JobService) abandon(ctx context.Context, job *entity.Job, cause error) {
	log := logger.WithJobID(job.ID.String())
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := s.repo.TransitionStatus(wctx, job.ID, job.Version, entity.StatusFailed); err != nil {
		log.Error().Err(err).AnErr("enqueue_error", cause).Msg("job stored but not enqueued, could not mark failed")
		return
	}
	metrics.JobsFailedTotal.WithLabelValues("enqueue").Inc()
	log.Error().Err(cause).Str("status", string(entity.StatusFailed)).Msg("job stored but not enqueued")
}

func (s *JobService) owned(ctx context.Context, who Identity, id uuid.UUID) (*entity.Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.UpsertUser(ctx, who.UID, nil)
	if err != nil {
		return nil, err
	}
	if job.UserID != user.ID {
		return nil, ErrForbidden
	}
	return job, nil
}
