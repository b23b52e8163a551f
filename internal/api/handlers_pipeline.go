package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"taskpilot/internal/core"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/store"

	"github.com/go-chi/chi/v5"
)

type propertyResponse struct {
	ID             string             `json:"id"`
	Address        string             `json:"address"`
	Stage          string             `json:"stage"`
	StageUpdatedAt string             `json:"stage_updated_at"`
	Summary        *string            `json:"summary,omitempty"`
	Contracts      []contractResponse `json:"contracts"`
	CreatedAt      string             `json:"created_at"`
	UpdatedAt      string             `json:"updated_at"`
}

type contractResponse struct {
	ID         string `json:"id"`
	PropertyID string `json:"property_id"`
	Name       string `json:"name"`
	Required   bool   `json:"required"`
	Status     string `json:"status"`
	UpdatedAt  string `json:"updated_at"`
}

func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Pipeline.Run(r.Context())
	if err != nil {
		s.logger.Error("pipeline run", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "pipeline run failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCreateProperty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "address is required")
		return
	}
	p := &pipeline.Property{ID: core.NewID(), Address: address, Stage: pipeline.StageNew}
	if err := s.deps.Store.CreateProperty(r.Context(), p); err != nil {
		s.logger.Error("create property", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create property")
		return
	}
	writeJSON(w, http.StatusCreated, propertyToResponse(p, nil))
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "propertyID")
	p, err := s.deps.Store.GetProperty(r.Context(), id)
	if err != nil {
		s.writePipelineError(w, "get property", err)
		return
	}
	contracts, err := s.deps.Store.ListContracts(r.Context(), id)
	if err != nil {
		s.writePipelineError(w, "list contracts", err)
		return
	}
	writeJSON(w, http.StatusOK, propertyToResponse(p, contracts))
}

func (s *Server) handleSetStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "propertyID")
	var req struct {
		Stage  string `json:"stage"`
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	stage, err := pipeline.ParseStage(req.Stage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	t, err := s.deps.Pipeline.SetStageManually(r.Context(), id, stage, strings.TrimSpace(req.Actor), req.Reason)
	if err != nil {
		s.writePipelineError(w, "set stage", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type evidenceRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleAddEnrichment(w http.ResponseWriter, r *http.Request) {
	s.addEvidence(w, r, "enrichment", s.deps.Store.AddEnrichment)
}

func (s *Server) handleAddTrace(w http.ResponseWriter, r *http.Request) {
	s.addEvidence(w, r, "trace", s.deps.Store.AddTrace)
}

type evidenceAdder func(ctx context.Context, id, propertyID, source string) error

func (s *Server) addEvidence(w http.ResponseWriter, r *http.Request, kind string, add evidenceAdder) {
	propertyID := chi.URLParam(r, "propertyID")
	var req evidenceRequest
	// the body is optional
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	id := core.NewID()
	if err := add(r.Context(), id, propertyID, strings.TrimSpace(req.Source)); err != nil {
		s.writePipelineError(w, "add "+kind, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "property_id": propertyID, "kind": kind})
}

func (s *Server) handleAddContract(w http.ResponseWriter, r *http.Request) {
	propertyID := chi.URLParam(r, "propertyID")
	var req struct {
		Name     string `json:"name"`
		Required bool   `json:"required"`
		Status   string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	c := &pipeline.Contract{
		ID:         core.NewID(),
		PropertyID: propertyID,
		Name:       name,
		Required:   req.Required,
		Status:     strings.TrimSpace(req.Status),
	}
	if err := s.deps.Store.AddContract(r.Context(), c); err != nil {
		s.writePipelineError(w, "add contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, contractToResponse(c))
}

func (s *Server) handleUpdateContract(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contractID")
	var req struct {
		Status   *string `json:"status"`
		Required *bool   `json:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.Status == nil && req.Required == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "status or required must be set")
		return
	}
	if req.Status != nil {
		trimmed := strings.TrimSpace(*req.Status)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "status cannot be empty")
			return
		}
		req.Status = &trimmed
	}
	c, err := s.deps.Store.UpdateContract(r.Context(), id, req.Status, req.Required)
	if err != nil {
		s.writePipelineError(w, "update contract", err)
		return
	}
	writeJSON(w, http.StatusOK, contractToResponse(c))
}

func (s *Server) writePipelineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrPropertyNotFound):
		writeError(w, http.StatusNotFound, "not_found", "property not found")
	case errors.Is(err, store.ErrContractNotFound):
		writeError(w, http.StatusNotFound, "not_found", "contract not found")
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func propertyToResponse(p *pipeline.Property, contracts []*pipeline.Contract) propertyResponse {
	resp := propertyResponse{
		ID:             p.ID,
		Address:        p.Address,
		Stage:          string(p.Stage),
		StageUpdatedAt: p.StageUpdatedAt.UTC().Format(time.RFC3339),
		Summary:        p.Summary,
		Contracts:      make([]contractResponse, 0, len(contracts)),
		CreatedAt:      p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, c := range contracts {
		resp.Contracts = append(resp.Contracts, contractToResponse(c))
	}
	return resp
}

func contractToResponse(c *pipeline.Contract) contractResponse {
	return contractResponse{
		ID:         c.ID,
		PropertyID: c.PropertyID,
		Name:       c.Name,
		Required:   c.Required,
		Status:     c.Status,
		UpdatedAt:  c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
