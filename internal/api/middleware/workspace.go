package middleware

import (
	"net/http"
	"strings"

	pkgmw "github.com/resonancehq/control-plane/pkg/middleware"
)

// WorkspaceHeader scopes admin requests to one workspace.
const WorkspaceHeader = "X-Workspace"

// WorkspaceExtractor reads the workspace from the X-Workspace header, then
// the workspace query parameter (browsers cannot set headers on WebSocket
// upgrades). Requests without one carry an empty workspace.
func WorkspaceExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := strings.TrimSpace(r.Header.Get(WorkspaceHeader))
		if ws == "" {
			ws = strings.TrimSpace(r.URL.Query().Get("workspace"))
		}
		if ws != "" {
			r = r.WithContext(pkgmw.SetWorkspace(r.Context(), ws))
		}
		next.ServeHTTP(w, r)
	})
}

// GetWorkspace retrieves the workspace ID from the request context.
func GetWorkspace(r *http.Request) string {
	return pkgmw.GetWorkspace(r.Context())
}
