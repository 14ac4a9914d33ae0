// Package api implements Influo's optional management HTTP surface: a thin
// external collaborator that only talks to the core through the shared
// Configuration and connection registry. No authentication.
package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Danktronics/Influo/internal/config"
	"github.com/Danktronics/Influo/internal/logging"
	"github.com/Danktronics/Influo/internal/state"
)

var log = logging.New("api")

// Server is the management HTTP API bound to 127.0.0.1:{port}.
type Server struct {
	shared *state.Shared
	mux    *http.ServeMux
}

// NewServer builds a Server routing the management surface's endpoints
// against shared. If reg is non-nil it is also exposed at GET /metrics for
// Prometheus scraping.
func NewServer(shared *state.Shared, reg *prometheus.Registry) *Server {
	s := &Server{shared: shared, mux: http.NewServeMux()}

	s.mux.HandleFunc("/projects", s.handleProjects)
	s.mux.HandleFunc("/projects/", s.handleProject)
	if reg != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return s
}

// ListenAndServe binds 127.0.0.1:port and serves until the listener fails
// or the process is terminated.
func (s *Server) ListenAndServe(port uint16) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Info("management API listening", "addr", addr)
	return http.ListenAndServe(addr, s.mux)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects := s.shared.Snapshot()
		writeJSON(w, http.StatusOK, projects)

	case http.MethodPost:
		var p config.Project
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.shared.AddProject(p)
		writeJSON(w, http.StatusCreated, p)

	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	encoded := strings.TrimPrefix(r.URL.Path, "/projects/")
	if encoded == "" {
		http.NotFound(w, r)
		return
	}
	urlBytes, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid base64url project id: %w", err))
		return
	}
	projectURL := string(urlBytes)

	switch r.Method {
	case http.MethodGet:
		project, ok := s.shared.Project(projectURL)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, project)

	case http.MethodDelete:
		if !s.shared.RemoveProject(projectURL) {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// EncodeProjectID returns the URL-safe-no-pad base64 identity used in
// /projects/:b64url.
func EncodeProjectID(url string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(url))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
