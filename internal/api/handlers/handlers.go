// Package handlers implements the HTTP handlers for the control plane:
// the chat gateway webhook, the workspace-scoped admin API and the
// streaming chat endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/api/middleware"
	"github.com/resonancehq/control-plane/internal/approval"
	"github.com/resonancehq/control-plane/internal/budget"
	"github.com/resonancehq/control-plane/internal/intent"
	"github.com/resonancehq/control-plane/internal/pipeline"
	"github.com/resonancehq/control-plane/internal/resonance"
	"github.com/resonancehq/control-plane/internal/router"
	"github.com/resonancehq/control-plane/internal/sessions"
	"github.com/resonancehq/control-plane/internal/store"
	"github.com/resonancehq/control-plane/pkg/models"
)

// Deps holds all handler dependencies.
type Deps struct {
	Store     store.Store
	Intents   *intent.Router
	Pipelines *pipeline.Orchestrator
	Gate      *approval.Gate
	Budget    *budget.Guard
	Memory    *resonance.Memory
	Router    *router.Router
	History   sessions.History

	// GatewaySecret verifies webhook signatures. Empty disables the check.
	GatewaySecret string
	// Simulation answers streaming chat without calling a backend.
	Simulation bool
}

// Handlers serves the HTTP API.
type Handlers struct {
	Deps
	validate *validator.Validate
}

// New creates a new Handlers instance.
func New(d Deps) *Handlers {
	return &Handlers{
		Deps:     d,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ── Request helpers ─────────────────────────────────────────

// decode reads a JSON body into v and validates its struct tags. On
// failure it has already written the problem response.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.RespondProblem(w, r, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return false
	}
	return h.check(w, r, v)
}

func (h *Handlers) check(w http.ResponseWriter, r *http.Request, v any) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		middleware.RespondProblem(w, r, http.StatusUnprocessableEntity, "validation_error", strings.Join(fields, "; "))
		return false
	}
	middleware.RespondProblem(w, r, http.StatusUnprocessableEntity, "validation_error", err.Error())
	return false
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// ── Responses ───────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError maps a domain error onto a problem document.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, typ := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	middleware.RespondProblem(w, r, status, typ, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case store.IsNotFound(err), models.IsIdentityNotFound(err), models.IsWorkspaceMissing(err):
		return http.StatusNotFound, "not_found"
	case models.IsConflict(err):
		return http.StatusConflict, "conflict"
	case models.IsInvalidState(err):
		return http.StatusConflict, "invalid_state"
	case models.IsBudgetExceeded(err):
		return http.StatusPaymentRequired, "budget_exceeded"
	case models.IsProviderError(err), errors.Is(err, router.ErrNoBackend):
		return http.StatusBadGateway, "provider_error"
	}
	return http.StatusInternalServerError, "internal_error"
}
