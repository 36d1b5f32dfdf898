package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hearing-system/apiserver/internal/analysis"
	"github.com/hearing-system/apiserver/internal/authz"
	"github.com/hearing-system/apiserver/internal/services"
	"github.com/hearing-system/apiserver/internal/store"
	"github.com/hearing-system/apiserver/types"
)

// ConsultationHandler provides HTTP handlers for consultations.
type ConsultationHandler struct {
	service    *services.ConsultationService
	authorizer Authorizer
}

// NewConsultationHandler constructs a handler for the provided service.
func NewConsultationHandler(service *services.ConsultationService, authorizer Authorizer) *ConsultationHandler {
	return &ConsultationHandler{service: service, authorizer: authorizer}
}

// RouteTimeouts bounds request handling. Analyze covers the whole classifier
// retry sequence; Request covers every other route. Zero disables a bound.
type RouteTimeouts struct {
	Request time.Duration
	Analyze time.Duration
}

func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.Timeout(d)
}

// ConsultationRouter registers consultation routes. Every route requires a
// session; per-route access is decided by authorizer.
func ConsultationRouter(
	r chi.Router,
	service *services.ConsultationService,
	authMiddleware func(http.Handler) http.Handler,
	authorizer Authorizer,
	timeouts RouteTimeouts,
) {
	handler := NewConsultationHandler(service, authorizer)
	can := func(acts ...string) func(http.Handler) http.Handler {
		return Authorize(authorizer, authz.ObjectConsultation, acts...)
	}

	r.Use(authMiddleware)
	r.With(withTimeout(timeouts.Analyze), can(authz.ActionAnalyze)).Post("/analyze", handler.Analyze)
	r.Group(func(r chi.Router) {
		r.Use(withTimeout(timeouts.Request))
		r.With(can(authz.ActionCreate)).Post("/", handler.Create)
		r.With(can(authz.ActionListOwn)).Get("/mine", handler.ListMine)
		r.With(can(authz.ActionListRecent)).Get("/", handler.ListRecent)
		r.Route("/{consultationID}", func(r chi.Router) {
			r.With(can(authz.ActionReadOwn, authz.ActionReadAny)).Get("/", handler.Get)
			r.With(can(authz.ActionResolve)).Post("/resolve", handler.Resolve)
			r.With(can(authz.ActionUpdateOwn)).Post("/status", handler.SetStatus)
		})
	})
}

// Analyze validates a consultation and returns the classifier's analysis.
func (h *ConsultationHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req types.ConsultationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	result, err := h.service.Analyze(r.Context(), req)
	if err != nil {
		var validation *services.ValidationError
		switch {
		case errors.As(err, &validation):
			writeError(w, http.StatusBadRequest, validation.Message)
		case errors.Is(err, analysis.ErrExhaustedRetries):
			log.Printf("consultation: analysis failed: %v", err)
			writeError(w, http.StatusInternalServerError, "analysis "+err.Error())
		default:
			log.Printf("consultation: analysis failed: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to analyze consultation")
		}
		return
	}

	writeJSON(w, http.StatusOK, AnalyzeResponse{Analysis: result})
}

// Create saves an analyzed consultation for the current student.
func (h *ConsultationHandler) Create(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req CreateConsultationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	consultation, err := h.service.Save(r.Context(), session.Email(), services.SaveInput{
		Theme:          req.Theme,
		Details:        req.Details,
		LessonNumber:   req.LessonNumber,
		Analysis:       req.Analysis,
		SelfEvaluation: req.SelfEvaluation,
	})
	if err != nil {
		writeServiceError(w, err, "failed to save consultation")
		return
	}

	writeJSON(w, http.StatusCreated, consultation)
}

// ListMine returns the current user's consultation history.
func (h *ConsultationHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	items, err := h.service.ListMine(r.Context(), session.Email())
	if err != nil {
		writeServiceError(w, err, "failed to list consultations")
		return
	}
	writeJSON(w, http.StatusOK, ConsultationListResponse{Items: nonNil(items)})
}

// ListRecent returns the most recent consultations across students.
func (h *ConsultationHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListRecent(r.Context())
	if err != nil {
		writeServiceError(w, err, "failed to list consultations")
		return
	}
	writeJSON(w, http.StatusOK, ConsultationListResponse{Items: nonNil(items)})
}

// Get returns one consultation to its owner or to staff.
func (h *ConsultationHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	readAny := h.authorizer.Allowed(session.Role(), authz.ObjectConsultation, authz.ActionReadAny)
	consultation, err := h.service.Get(r.Context(), session.Email(), chi.URLParam(r, "consultationID"), readAny)
	if err != nil {
		writeServiceError(w, err, "failed to load consultation")
		return
	}
	writeJSON(w, http.StatusOK, consultation)
}

// Resolve sets the resolved flag on any consultation.
func (h *ConsultationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Resolved == nil {
		writeError(w, http.StatusBadRequest, "resolved is required")
		return
	}

	consultation, err := h.service.Resolve(r.Context(), chi.URLParam(r, "consultationID"), *req.Resolved)
	if err != nil {
		writeServiceError(w, err, "failed to update consultation")
		return
	}
	writeJSON(w, http.StatusOK, consultation)
}

// SetStatus lets a student toggle the resolved flag on their own consultation.
func (h *ConsultationHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Resolved == nil {
		writeError(w, http.StatusBadRequest, "resolved is required")
		return
	}

	consultation, err := h.service.SetOwnStatus(r.Context(), session.Email(), chi.URLParam(r, "consultationID"), *req.Resolved)
	if err != nil {
		writeServiceError(w, err, "failed to update consultation")
		return
	}
	writeJSON(w, http.StatusOK, consultation)
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var validation *services.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Message)
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "consultation not found")
	default:
		log.Printf("consultation: %s: %v", fallback, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func nonNil(items []types.Consultation) []types.Consultation {
	if items == nil {
		return []types.Consultation{}
	}
	return items
}

type AnalyzeResponse struct {
	Analysis types.AnalysisResult `json:"analysis"`
}

type CreateConsultationRequest struct {
	Theme          string                `json:"theme"`
	Details        string                `json:"details"`
	LessonNumber   int                   `json:"lessonNumber"`
	Analysis       json.RawMessage       `json:"analysis"`
	SelfEvaluation *types.SelfEvaluation `json:"selfEvaluation"`
}

type ResolveRequest struct {
	Resolved *bool `json:"resolved"`
}

type ConsultationListResponse struct {
	Items []types.Consultation `json:"items"`
}
