package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"textdetect-service/internal/entity"
	"textdetect-service/internal/repository/postgresql"
	"textdetect-service/internal/service"
)

type fakeRepo struct {
	users   map[string]uuid.UUID
	jobs    map[uuid.UUID]*entity.Job
	results map[uuid.UUID]*entity.Result

	createCalled int
	lastKey      string
	lastMeta     *string
	lastLimit    int
	lastOffset   int
	lastStatus   *entity.JobStatus

	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:   map[string]uuid.UUID{},
		jobs:    map[uuid.UUID]*entity.Job{},
		results: map[uuid.UUID]*entity.Result{},
	}
}

func (r *fakeRepo) UpsertUser(ctx context.Context, uid string, email *string) (*entity.User, error) {
	id, ok := r.users[uid]
	if !ok {
		id = uuid.New()
		r.users[uid] = id
	}
	return &entity.User{ID: id, UID: uid, Email: email}, nil
}

func (r *fakeRepo) CreateJob(ctx context.Context, userID uuid.UUID, storageKey string, meta *string) (*entity.Job, error) {
	r.createCalled++
	r.lastKey = storageKey
	r.lastMeta = meta
	if r.createErr != nil {
		return nil, r.createErr
	}
	j := &entity.Job{
		ID:         uuid.New(),
		UserID:     userID,
		DocumentID: uuid.New(),
		Status:     entity.StatusPending,
		Meta:       meta,
		CreatedAt:  time.Now().UTC(),
	}
	r.jobs[j.ID] = j
	return j, nil
}

func (r *fakeRepo) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	return j, nil
}

func (r *fakeRepo) TransitionStatus(ctx context.Context, id uuid.UUID, version int64, status entity.JobStatus) (int64, error) {
	j, ok := r.jobs[id]
	if !ok {
		return 0, postgresql.ErrNotFound
	}
	if j.Version != version || j.Status.Terminal() {
		return 0, postgresql.ErrStaleVersion
	}
	j.Status = status
	j.Version++
	return j.Version, nil
}

func (r *fakeRepo) ListJobs(ctx context.Context, userID uuid.UUID, status *entity.JobStatus, limit, offset int) ([]*entity.Job, error) {
	r.lastLimit, r.lastOffset, r.lastStatus = limit, offset, status
	var out []*entity.Job
	for _, j := range r.jobs {
		if j.UserID == userID && (status == nil || j.Status == *status) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *fakeRepo) LatestResult(ctx context.Context, jobID uuid.UUID) (*entity.Result, error) {
	res, ok := r.results[jobID]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	return res, nil
}

type fakeQueue struct {
	enqueuedIDs []string
	enqueueErr  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string) (string, error) {
	q.enqueuedIDs = append(q.enqueuedIDs, jobID)
	return "handle-" + jobID, q.enqueueErr
}

func TestJobService_CreateJob_EnqueuesPendingJob(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	queue := &fakeQueue{}
	svc := service.NewJobService(repo, queue)

	meta := "batch-7"
	job, err := svc.CreateJob(ctx, service.Identity{UID: "u1"}, service.CreateJobRequest{
		StorageKey: "  uploads/u1/a.txt ",
		Meta:       &meta,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if job.Status != entity.StatusPending {
		t.Fatalf("expected PENDING, got %s", job.Status)
	}
	if repo.lastKey != "uploads/u1/a.txt" {
		t.Fatalf("expected trimmed key, got %q", repo.lastKey)
	}
	if repo.lastMeta == nil || *repo.lastMeta != meta {
		t.Fatalf("expected meta to be stored, got %v", repo.lastMeta)
	}
	if len(queue.enqueuedIDs) != 1 || queue.enqueuedIDs[0] != job.ID.String() {
		t.Fatalf("expected enqueue of %s, got %#v", job.ID, queue.enqueuedIDs)
	}
}

func TestJobService_CreateJob_RequiresKey(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	svc := service.NewJobService(repo, queue)

	_, err := svc.CreateJob(context.Background(), service.Identity{UID: "u1"}, service.CreateJobRequest{StorageKey: "   "})
	if !errors.Is(err, service.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if repo.createCalled != 0 || len(queue.enqueuedIDs) != 0 {
		t.Fatalf("nothing must be created or enqueued on validation failure")
	}
}

func TestJobService_CreateJob_EnqueueErrorSurfaces(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{enqueueErr: errors.New("redis down")}
	svc := service.NewJobService(repo, queue)

	if _, err := svc.CreateJob(context.Background(), service.Identity{UID: "u1"}, service.CreateJobRequest{StorageKey: "k"}); err == nil {
		t.Fatalf("expected enqueue error")
	}

	// the stored job must not be left PENDING without a delivery
	if len(repo.jobs) != 1 {
		t.Fatalf("expected one stored job, got %d", len(repo.jobs))
	}
	for _, j := range repo.jobs {
		if j.Status != entity.StatusFailed {
			t.Fatalf("expected FAILED for the unqueued job, got %s", j.Status)
		}
	}
}

func TestJobService_GetJob_OwnerAndLatestResult(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := service.NewJobService(repo, &fakeQueue{})

	owner := service.Identity{UID: "u1"}
	job, err := svc.CreateJob(ctx, owner, service.CreateJobRequest{StorageKey: "k"})
	if err != nil {
		t.Fatal(err)
	}

	view, err := svc.GetJob(ctx, owner, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Result != nil {
		t.Fatalf("expected no result yet")
	}

	repo.results[job.ID] = &entity.Result{JobID: job.ID, Probability: 0.7}
	view, err = svc.GetJob(ctx, owner, job.ID)
	if err != nil || view.Result == nil || view.Result.Probability != 0.7 {
		t.Fatalf("expected latest result, got %+v, %v", view, err)
	}

	if _, err := svc.GetJob(ctx, service.Identity{UID: "u2"}, job.ID); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("expected forbidden for other user, got %v", err)
	}
	if _, err := svc.GetJob(ctx, owner, uuid.New()); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestJobService_ListJobs_Paging(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := service.NewJobService(repo, &fakeQueue{})

	status := entity.StatusFailed
	if _, err := svc.ListJobs(ctx, service.Identity{UID: "u1"}, 3, &status); err != nil {
		t.Fatalf("list: %v", err)
	}
	if repo.lastLimit != service.PageSize || repo.lastOffset != 2*service.PageSize {
		t.Fatalf("expected limit=%d offset=%d, got %d/%d", service.PageSize, 2*service.PageSize, repo.lastLimit, repo.lastOffset)
	}
	if repo.lastStatus == nil || *repo.lastStatus != entity.StatusFailed {
		t.Fatalf("expected status filter to propagate")
	}

	if _, err := svc.ListJobs(ctx, service.Identity{UID: "u1"}, 0, nil); err != nil || repo.lastOffset != 0 {
		t.Fatalf("page<1 must clamp to first page, offset=%d err=%v", repo.lastOffset, err)
	}

	bogus := entity.JobStatus("DONE")
	if _, err := svc.ListJobs(ctx, service.Identity{UID: "u1"}, 1, &bogus); !errors.Is(err, service.ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}
