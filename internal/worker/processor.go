package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"textdetect-service/internal/entity"
	"textdetect-service/internal/events"
	"textdetect-service/internal/features"
	"textdetect-service/internal/langtag"
	"textdetect-service/internal/logger"
	"textdetect-service/internal/metrics"
	"textdetect-service/internal/repository/postgresql"
	"textdetect-service/internal/storage"
)

// JobRepo is the part of the job store the worker writes through.
type JobRepo interface {
	GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	GetDocument(ctx context.Context, id uuid.UUID) (*entity.Document, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, version int64, status entity.JobStatus) (int64, error)
	CompleteJob(ctx context.Context, id uuid.UUID, version int64, res *entity.Result) error
}

// Classifier is satisfied by *inference.Engine.
type Classifier interface {
	Infer(v features.Vector) (float64, error)
}

// Attempt is one delivery of a job to this worker.
type Attempt struct {
	JobID  string
	Number int
	// Final is set when the broker will not redeliver after a failure.
	Final bool
}

type Processor struct {
	repo   JobRepo
	reader storage.TextReader
	engine Classifier
	events events.Publisher
}

func NewProcessor(repo JobRepo, reader storage.TextReader, engine Classifier, pub events.Publisher) *Processor {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Processor{repo: repo, reader: reader, engine: engine, events: pub}
}

// Process drives one job through PENDING -> RUNNING -> SUCCEEDED|FAILED.
//
// Every step starts from the persisted job, so a redelivered attempt resumes
// from stored state. A job that is already terminal, or that another attempt
// advanced in the meantime, is skipped without writes.
func (p *Processor) Process(ctx context.Context, a Attempt) error {
	log := logger.WithJobID(a.JobID).With().Int("attempt", a.Number).Logger()

	id, err := uuid.Parse(a.JobID)
	if err != nil {
		log.Warn().Err(err).Msg("invalid job reference, skipping")
		return nil
	}

	job, err := p.repo.GetJob(ctx, id)
	if errors.Is(err, postgresql.ErrNotFound) {
		log.Info().Msg("job not found, skipping")
		return nil
	}
	if err != nil {
		return newError(KindTransientIO, "load job", err)
	}
	if job.Status.Terminal() {
		log.Info().Str("status", string(job.Status)).Msg("job already terminal, skipping duplicate delivery")
		return nil
	}

	version, err := p.repo.TransitionStatus(ctx, id, job.Version, entity.StatusRunning)
	switch {
	case errors.Is(err, postgresql.ErrStaleVersion), errors.Is(err, postgresql.ErrNotFound):
		log.Info().Msg("job advanced by another attempt, skipping")
		return nil
	case err != nil:
		return newError(KindTransientIO, "set running", err)
	}
	log.Info().Str("status", string(entity.StatusRunning)).Msg("job running")
	p.publish(ctx, &log, id, entity.StatusRunning, nil)

	start := time.Now()
	res, perr := p.run(ctx, job)
	metrics.JobProcessingDuration.Observe(time.Since(start).Seconds())
	if perr == nil {
		perr = p.complete(ctx, &log, id, version, res)
	}
	if perr != nil {
		return p.fail(ctx, &log, a, id, version, perr)
	}
	return nil
}

func (p *Processor) run(ctx context.Context, job *entity.Job) (*entity.Result, *Error) {
	doc, err := p.repo.GetDocument(ctx, job.DocumentID)
	if errors.Is(err, postgresql.ErrNotFound) {
		return nil, newError(KindNotFound, "load document", err)
	}
	if err != nil {
		return nil, newError(KindTransientIO, "load document", err)
	}

	start := time.Now()
	text, err := p.reader.ReadText(ctx, doc.StorageKey)
	if err != nil {
		return nil, newError(readErrorKind(err), "read text", err)
	}

	cleaned := strings.TrimSpace(text)
	lang := langtag.Detect(cleaned)

	vec, summary := features.Extract(cleaned)
	prob, err := p.engine.Infer(vec)
	if err != nil {
		return nil, newError(KindModel, "infer", err)
	}

	encoded, err := summary.JSON()
	if err != nil {
		return nil, newError(KindUnknown, "encode features", err)
	}

	return &entity.Result{
		Probability:    prob,
		Summary:        fmt.Sprintf("lang=%s", lang),
		FeatureSummary: encoded,
		LatencyMS:      time.Since(start).Milliseconds(),
	}, nil
}

func (p *Processor) complete(ctx context.Context, log *zerolog.Logger, id uuid.UUID, version int64, res *entity.Result) *Error {
	err := p.repo.CompleteJob(ctx, id, version, res)
	switch {
	case errors.Is(err, postgresql.ErrStaleVersion), errors.Is(err, postgresql.ErrNotFound):
		log.Info().Msg("job completed by another attempt, result discarded")
		return nil
	case err != nil:
		return newError(KindTransientIO, "persist result", err)
	}

	metrics.JobsSucceededTotal.Inc()
	log.Info().
		Str("status", string(entity.StatusSucceeded)).
		Float64("probability", res.Probability).
		Int64("latency_ms", res.LatencyMS).
		Msg("job succeeded")
	p.publish(ctx, log, id, entity.StatusSucceeded, &res.Probability)
	return nil
}

// fail leaves the job RUNNING when the broker will retry, otherwise sets FAILED.
func (p *Processor) fail(ctx context.Context, log *zerolog.Logger, a Attempt, id uuid.UUID, version int64, perr *Error) error {
	if perr.Retryable() && !a.Final {
		log.Warn().Err(perr).Msg("attempt failed, job left RUNNING for retry")
		return perr
	}

	// the attempt context may be what failed; the terminal write must still land
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := p.repo.TransitionStatus(wctx, id, version, entity.StatusFailed); err != nil {
		if errors.Is(err, postgresql.ErrStaleVersion) {
			log.Info().Msg("job advanced by another attempt, not marking failed")
			return perr
		}
		log.Error().Err(err).Msg("set failed")
		return perr
	}

	metrics.JobsFailedTotal.WithLabelValues(perr.Kind.String()).Inc()
	log.Warn().
		Err(perr).
		Str("status", string(entity.StatusFailed)).
		Str("kind", perr.Kind.String()).
		Msg("job failed")
	p.publish(wctx, log, id, entity.StatusFailed, nil)
	return perr
}

// Abandon sets FAILED on a job whose final attempt never settled, e.g. after
// a worker crash. Terminal or missing jobs are left alone.
func (p *Processor) Abandon(ctx context.Context, jobID string, cause error) error {
	log := logger.WithJobID(jobID)

	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil
	}
	job, err := p.repo.GetJob(ctx, id)
	if errors.Is(err, postgresql.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}

	if _, err := p.repo.TransitionStatus(ctx, id, job.Version, entity.StatusFailed); err != nil {
		if errors.Is(err, postgresql.ErrStaleVersion) || errors.Is(err, postgresql.ErrNotFound) {
			log.Info().Msg("job advanced meanwhile, not marking failed")
			return nil
		}
		return fmt.Errorf("set failed: %w", err)
	}

	metrics.JobsFailedTotal.WithLabelValues(KindTransientIO.String()).Inc()
	log.Warn().
		Err(cause).
		Str("status", string(entity.StatusFailed)).
		Msg("job failed, final attempt expired")
	p.publish(ctx, log, id, entity.StatusFailed, nil)
	return nil
}

func (p *Processor) publish(ctx context.Context, log *zerolog.Logger, id uuid.UUID, status entity.JobStatus, prob *float64) {
	err := p.events.PublishStatus(ctx, events.JobStatusEvent{
		JobID:       id.String(),
		Status:      status,
		Probability: prob,
		At:          time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("status", string(status)).Msg("publish status event")
	}
}

func readErrorKind(err error) Kind {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrInvalidKey) {
		return KindNotFound
	}
	return KindTransientIO
}
