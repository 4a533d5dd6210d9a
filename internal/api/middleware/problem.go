package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/moogar0880/problems"
)

// ProblemContentType is the RFC 7807 media type.
const ProblemContentType = "application/problem+json"

// RespondProblem writes an RFC 7807 problem document.
func RespondProblem(w http.ResponseWriter, r *http.Request, status int, typ, detail string) {
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(typ).
		WithDetail(detail)

	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// RequireWorkspace rejects requests that carry no workspace.
func RequireWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetWorkspace(r) == "" {
			RespondProblem(w, r, http.StatusBadRequest, "workspace_required",
				"set the "+WorkspaceHeader+" header or the workspace query parameter")
			return
		}
		next.ServeHTTP(w, r)
	})
}
