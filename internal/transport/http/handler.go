package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"textdetect-service/internal/entity"
	"textdetect-service/internal/logger"
	"textdetect-service/internal/service"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
)

type Handler struct {
	jobSvc *service.JobService
	dead   service.DeadLetters
}

func NewHandler(jobSvc *service.JobService, dead service.DeadLetters) *Handler {
	return &Handler{jobSvc: jobSvc, dead: dead}
}

type createJobDTO struct {
	StorageKey string  `json:"storage_key"`
	Meta       *string `json:"meta,omitempty"`
}

type createJobResp struct {
	ID     string           `json:"id"`
	Status entity.JobStatus `json:"status"`
}

type resultResp struct {
	Probability    float64            `json:"probability"`
	Summary        string             `json:"summary"`
	FeatureSummary map[string]float64 `json:"feature_summary,omitempty"`
	LatencyMS      int64              `json:"latency_ms"`
	CreatedAt      string             `json:"created_at"`
}

type jobResp struct {
	ID         string           `json:"id"`
	DocumentID string           `json:"document_id"`
	Status     entity.JobStatus `json:"status"`
	Meta       *string          `json:"meta,omitempty"`
	Result     *resultResp      `json:"result,omitempty"`
	CreatedAt  string           `json:"created_at"`
	UpdatedAt  string           `json:"updated_at"`
}

type deliveryResp struct {
	Handle    string `json:"handle"`
	JobID     string `json:"job_id"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	FailedAt  string `json:"failed_at"`
}

func toJobResp(r *http.Request, j *entity.Job, res *entity.Result) jobResp {
	out := jobResp{
		ID:         j.ID.String(),
		DocumentID: j.DocumentID.String(),
		Status:     j.Status,
		Meta:       j.Meta,
		CreatedAt:  j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  j.UpdatedAt.Format(time.RFC3339),
	}
	if res != nil {
		out.Result = toResultResp(r, res)
	}
	return out
}

func toResultResp(r *http.Request, res *entity.Result) *resultResp {
	out := &resultResp{
		Probability: res.Probability,
		Summary:     res.Summary,
		LatencyMS:   res.LatencyMS,
		CreatedAt:   res.CreatedAt.Format(time.RFC3339),
	}
	// stored as sorted-key json text
	if res.FeatureSummary != "" {
		if err := json.Unmarshal([]byte(res.FeatureSummary), &out.FeatureSummary); err != nil {
			out.FeatureSummary = nil
			logger.WithRequestID(middleware.GetReqID(r.Context())).Debug().
				Err(err).
				Str("result_id", res.ID.String()).
				Msg("undecodable feature summary")
		}
	}
	return out
}

// CreateJob godoc
// @Summary Submit a document for analysis
// @Description Registers the document, creates a PENDING job and enqueues it.
// @Tags jobs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createJobDTO true "document reference"
// @Success 201 {object} createJobResp
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 500 {object} apiError
// @Router /api/jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())

	var dto createJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := h.jobSvc.CreateJob(r.Context(), who, service.CreateJobRequest{
		StorageKey: dto.StorageKey,
		Meta:       dto.Meta,
	})
	if err != nil {
		writeServiceErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createJobResp{ID: job.ID.String(), Status: job.Status})
}

// ListJobs godoc
// @Summary List the caller's jobs
// @Tags jobs
// @Produce json
// @Security BearerAuth
// @Param page query int false "page number, 20 per page"
// @Param status query string false "PENDING, RUNNING, SUCCEEDED or FAILED"
// @Success 200 {array} jobResp
// @Failure 400 {object} apiError
// @Router /api/jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeErr(w, http.StatusBadRequest, "invalid page")
			return
		}
		page = n
	}

	var status *entity.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := entity.JobStatus(raw)
		status = &s
	}

	jobs, err := h.jobSvc.ListJobs(r.Context(), who, page, status)
	if err != nil {
		writeServiceErr(w, r, err)
		return
	}

	out := make([]jobResp, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResp(r, j, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetJob godoc
// @Summary Get job by id
// @Description Returns the job and its latest result, if any.
// @Tags jobs
// @Produce json
// @Security BearerAuth
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 403 {object} apiError
// @Failure 404 {object} apiError
// @Router /api/jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	view, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(r, view.Job, view.Result))
}

// GetJobResult godoc
// @Summary Get job result
// @Tags jobs
// @Produce json
// @Security BearerAuth
// @Param id path string true "job id (uuid)"
// @Success 200 {object} resultResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /api/jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	view, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if view.Job.Status != entity.StatusSucceeded || view.Result == nil {
		writeErr(w, http.StatusConflict, "job not succeeded")
		return
	}
	writeJSON(w, http.StatusOK, toResultResp(r, view.Result))
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*service.JobView, bool) {
	who, _ := IdentityFrom(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return nil, false
	}

	view, err := h.jobSvc.GetJob(r.Context(), who, id)
	if err != nil {
		writeServiceErr(w, r, err)
		return nil, false
	}
	return view, true
}

// FailedDeliveries godoc
// @Summary List dead deliveries
// @Description Deliveries that exhausted their retries, newest first. Kept for 24h.
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param limit query int false "max entries (default 50)"
// @Success 200 {array} deliveryResp
// @Failure 500 {object} apiError
// @Router /api/admin/deliveries/failed [get]
func (h *Handler) FailedDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultFailedLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			writeErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxFailedLimit)
	}

	failed, err := h.dead.Failed(r.Context(), limit)
	if err != nil {
		writeServiceErr(w, r, err)
		return
	}

	out := make([]deliveryResp, 0, len(failed))
	for _, f := range failed {
		out = append(out, deliveryResp{
			Handle:    f.Handle,
			JobID:     f.JobID,
			Attempts:  f.Attempt,
			LastError: f.LastError,
			FailedAt:  f.FailedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ReplayDelivery godoc
// @Summary Requeue a dead delivery
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param handle path string true "delivery handle"
// @Success 202
// @Failure 404 {object} apiError
// @Router /api/admin/deliveries/{handle}/replay [post]
func (h *Handler) ReplayDelivery(w http.ResponseWriter, r *http.Request) {
	err := h.dead.Replay(r.Context(), chi.URLParam(r, "handle"))
	if errors.Is(err, service.ErrDeliveryGone) {
		writeErr(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		writeServiceErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
