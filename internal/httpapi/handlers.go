package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	ce "github.com/ineyio/creditengine"
	"github.com/ineyio/creditengine/provider/fal"
)

const (
	defaultJobsLimit = 50
	maxJobsLimit     = 200
)

type trainRequest struct {
	Name   string `json:"name" validate:"required,max=100"`
	Type   string `json:"type" validate:"omitempty,oneof=Man Woman Others"`
	ZipURL string `json:"zipUrl" validate:"required,url"`
}

type generateRequest struct {
	Prompt  string `json:"prompt" validate:"required,max=2000"`
	ModelID string `json:"modelId" validate:"required"`
}

type referenceRequest struct {
	Prompt    string   `json:"prompt" validate:"required,max=2000"`
	ImageURLs []string `json:"imageUrls" validate:"required,min=5,max=10,dive,url"`
}

type packRequest struct {
	PackID    string   `json:"packId" validate:"required"`
	ImageURLs []string `json:"imageUrls" validate:"required,min=5,max=10,dive,url"`
}

type jobResponse struct {
	JobID     string       `json:"jobId"`
	RequestID string       `json:"requestId"`
	Status    ce.JobStatus `json:"status"`
	Credits   int64        `json:"credits"`
}

func newJobResponse(j ce.Job) jobResponse {
	return jobResponse{
		JobID:     j.ID,
		RequestID: j.ExternalRequestID,
		Status:    j.Status,
		Credits:   j.ReservedCredits,
	}
}

func (s *Server) decode(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ce.ErrInvalidRequest, err)
	}
	return s.validate.Struct(v)
}

func (s *Server) credits(w http.ResponseWriter, r *http.Request) {
	balance, err := s.app.Balances.Balance(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credits":     balance,
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobsLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJobsLimit)
	}

	jobs, err := s.app.Stores.Registry.ListByOwner(r.Context(), UserIDFromContext(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []ce.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ownedJob hides jobs of other users behind ErrJobNotFound.
func (s *Server) ownedJob(ctx context.Context, jobID string) (ce.Job, error) {
	job, err := s.app.Stores.Registry.Get(ctx, jobID)
	if err != nil {
		return ce.Job{}, err
	}
	if job.OwnerUserID != UserIDFromContext(ctx) {
		return ce.Job{}, ce.ErrJobNotFound
	}
	return job, nil
}

func (s *Server) listPacks(w http.ResponseWriter, _ *http.Request) {
	type packSummary struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		CreditCost int64  `json:"creditCost"`
		Images     int    `json:"images"`
	}
	packs := make([]packSummary, 0, len(s.app.Config.Pricing.Packs))
	for _, p := range s.app.Config.Pricing.Packs {
		packs = append(packs, packSummary{ID: p.ID, Name: p.Name, CreditCost: p.CreditCost, Images: len(p.Prompts)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"packs": packs})
}

func (s *Server) train(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkAsset(r.Context(), req.ZipURL); err != nil {
		s.writeError(w, r, err)
		return
	}

	spec := fal.TrainingSpec(s.app.Config.Fal.TrainingEndpoint, req.ZipURL, req.Name, s.webhookURL("train"))
	s.reserveAndSubmit(w, r, ce.KindTraining, spec)
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	model, err := s.ownedJob(r.Context(), req.ModelID)
	if errors.Is(err, ce.ErrJobNotFound) {
		writeMessage(w, http.StatusNotFound, "Model not found")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if model.Kind != ce.KindTraining || model.Status != ce.StatusCompleted || model.ArtifactURL == "" {
		writeMessage(w, http.StatusBadRequest, "Model is not trained")
		return
	}

	spec := fal.LoraImageSpec(s.app.Config.Fal.ImageEndpoint, req.Prompt, model.ArtifactURL, s.webhookURL("image"))
	s.reserveAndSubmit(w, r, ce.KindSingleImage, spec)
}

func (s *Server) generateFromReference(w http.ResponseWriter, r *http.Request) {
	var req referenceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	spec := fal.ReferenceImageSpec(s.app.Config.Fal.ReferenceEndpoint, req.Prompt, req.ImageURLs, s.webhookURL("image"))
	s.reserveAndSubmit(w, r, ce.KindSingleImage, spec)
}

func (s *Server) reserveAndSubmit(w http.ResponseWriter, r *http.Request, kind ce.JobKind, spec ce.JobSpec) {
	ctx, cancel := s.submitContext(r.Context())
	defer cancel()

	submitter := s.app.Submitter
	job, err := s.app.Coordinator.ReserveAndSubmit(ctx, ce.ReserveRequest{
		UserID:   UserIDFromContext(r.Context()),
		Cost:     s.app.Config.Pricing.Cost(kind),
		Kind:     kind,
		Provider: submitter.Name(),
	}, func(ctx context.Context, _ string) (string, error) {
		return submitter.Submit(ctx, spec)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) generatePack(w http.ResponseWriter, r *http.Request) {
	var req packRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pack, err := s.app.Config.Pricing.Pack(req.PackID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.submitContext(r.Context())
	defer cancel()

	submitter := s.app.Submitter
	endpoint := s.app.Config.Fal.ReferenceEndpoint
	webhook := s.webhookURL("image")
	result, err := s.app.Coordinator.ReserveBundle(ctx, ce.BundleRequest{
		UserID:   UserIDFromContext(r.Context()),
		Cost:     pack.CreditCost,
		Items:    len(pack.Prompts),
		Provider: submitter.Name(),
	}, func(ctx context.Context, i int, _ string) (string, error) {
		return submitter.Submit(ctx, fal.ReferenceImageSpec(endpoint, pack.Prompts[i], req.ImageURLs, webhook))
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	images := make([]string, len(result.Jobs))
	for i, j := range result.Jobs {
		images[i] = j.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bundleId": result.BundleID,
		"images":   images,
		"failed":   len(result.Failed) + result.Orphaned,
	})
}
