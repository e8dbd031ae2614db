package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tahirm/mongobranch/internal/branch"
	"github.com/tahirm/mongobranch/internal/store"
	"github.com/tahirm/mongobranch/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	mgr *branch.Manager
}

// NewHandler creates a new HTTP handler
func NewHandler(mgr *branch.Manager) *Handler {
	return &Handler{mgr: mgr}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the lifecycle error taxonomy onto HTTP statuses. Every
// failure reaches the caller as a structured reason, never a bare 500
// with no body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, branch.ErrNotFound),
		errors.Is(err, branch.ErrProjectNotFound),
		errors.Is(err, branch.ErrNoVersionFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, branch.ErrExists),
		errors.Is(err, branch.ErrProjectExists),
		errors.Is(err, branch.ErrAlreadyRunning),
		errors.Is(err, branch.ErrAlreadyStopped),
		errors.Is(err, branch.ErrNotRunning),
		errors.Is(err, branch.ErrProjectNotEmpty):
		status = http.StatusConflict
	case errors.Is(err, branch.ErrTimeout):
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	project, err := h.mgr.CreateProject(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// ListProjects handles GET /v1/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.mgr.ListProjects()
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// DeleteProject handles DELETE /v1/projects/{project}
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]

	if err := h.mgr.DeleteProject(project); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateBranch handles POST /v1/projects/{project}/branches
func (h *Handler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]

	var req models.CreateBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if req.FromVersion != "" && req.FromBranch == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fromVersion requires fromBranch"})
		return
	}

	var baseKey string
	if req.FromBranch != "" {
		baseKey = models.SnapshotKey(project, req.FromBranch)
	}

	created, err := h.mgr.Create(r.Context(), req.Name, project, baseKey, req.FromVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListBranches handles GET /v1/projects/{project}/branches
func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]

	branches, err := h.mgr.List(project)
	if err != nil {
		writeError(w, err)
		return
	}
	if branches == nil {
		branches = []*models.Branch{}
	}
	writeJSON(w, http.StatusOK, branches)
}

// GetBranch handles GET /v1/projects/{project}/branches/{branch}
func (h *Handler) GetBranch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	b, err := h.mgr.Get(vars["branch"], vars["project"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// DeleteBranch handles DELETE /v1/projects/{project}/branches/{branch}
func (h *Handler) DeleteBranch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := h.mgr.Delete(r.Context(), vars["branch"], vars["project"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SuspendBranch handles POST /v1/projects/{project}/branches/{branch}/suspend
func (h *Handler) SuspendBranch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := h.mgr.Suspend(r.Context(), vars["branch"], vars["project"]); err != nil {
		writeError(w, err)
		return
	}

	b, err := h.mgr.Get(vars["branch"], vars["project"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ResumeBranch handles POST /v1/projects/{project}/branches/{branch}/resume
func (h *Handler) ResumeBranch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	b, err := h.mgr.Resume(r.Context(), vars["branch"], vars["project"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// TimeTravel handles POST /v1/projects/{project}/branches/{branch}/time-travel.
// The branch in the path is the source; the body names the new branch and
// the point in time to restore.
func (h *Handler) TimeTravel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req models.TimeTravelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Name == "" || req.Timestamp.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and timestamp are required"})
		return
	}

	b, err := h.mgr.TimeTravel(r.Context(), req.Name, vars["project"], vars["branch"], req.Timestamp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ListVersions handles GET /v1/projects/{project}/branches/{branch}/versions
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	versions, err := h.mgr.Versions(vars["branch"], vars["project"])
	if err != nil {
		writeError(w, err)
		return
	}
	if versions == nil {
		versions = []models.SnapshotVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}

// Connect handles GET /v1/projects/{project}/branches/{branch}/connect
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	uri, err := h.mgr.ConnectionString(vars["branch"], vars["project"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"branch":           vars["branch"],
		"project":          vars["project"],
		"connectionString": uri,
	})
}
