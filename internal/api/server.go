package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gobeyondidentity/verdict/internal/version"
	"github.com/gobeyondidentity/verdict/pkg/apierror"
	"github.com/gobeyondidentity/verdict/pkg/attestation"
	"github.com/gobeyondidentity/verdict/pkg/credential"
	"github.com/gobeyondidentity/verdict/pkg/lifecycle"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

// MaxBodySize bounds request bodies.
const MaxBodySize = 1 << 20

// DefaultActor is recorded in Changes when a request carries no X-Actor
// header.
const DefaultActor = "system"

// ActorHeader names the acting user of an operator request.
const ActorHeader = "X-Actor"

// Server is the HTTP API server.
type Server struct {
	store   *store.Store
	engine  *attestation.Engine
	manager *lifecycle.Manager
	issuer  *credential.Issuer
	logger  *slog.Logger
}

// NewServer creates a new API server.
func NewServer(st *store.Store, engine *attestation.Engine, manager *lifecycle.Manager, issuer *credential.Issuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   st,
		engine:  engine,
		manager: manager,
		issuer:  issuer,
		logger:  logger,
	}
}

// RegisterRoutes registers all API routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v2/info", s.handleInfo)

	// Device routes
	mux.HandleFunc("POST /v2/enroll", s.handleEnroll)
	mux.HandleFunc("POST /v2/attest", s.handleAttest)
	mux.HandleFunc("GET /v2/devices", s.handleListDevices)
	mux.HandleFunc("GET /v2/devices/{id}", s.handleGetDevice)
	mux.HandleFunc("PATCH /v2/devices/{id}", s.handlePatchDevice)
	mux.HandleFunc("POST /v2/devices/{id}/resurrect", s.handleResurrect)

	// Policy routes
	mux.HandleFunc("GET /v2/policies", s.handleListPolicies)
	mux.HandleFunc("POST /v2/policies", s.handleCreatePolicy)
	mux.HandleFunc("GET /v2/policies/{id}", s.handleGetPolicy)
	mux.HandleFunc("PATCH /v2/policies/{id}", s.handlePatchPolicy)
	mux.HandleFunc("DELETE /v2/policies/{id}", s.handleRevokePolicy)

	mux.HandleFunc("GET /v2/audit", s.handleListAudit)

	// Health routes
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
}

// Handler returns the routes wrapped in the request logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return loggingMiddleware(s.logger, mux)
}

// ----- Health -----

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Version,
	})
}

// handleReady returns 503 while the database is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok"}
	status := http.StatusOK
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		checks["database"] = "failed"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":  status == http.StatusOK,
		"checks": checks,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, data{Info: &infoJSON{
		APIVersion:    APIVersion,
		ServerVersion: version.String(),
	}}, "")
}

// ----- Helpers -----

func actorOf(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
		return actor
	}
	return DefaultActor
}

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierror.List{apierror.Invalid("", "request body exceeds %d bytes", MaxBodySize)}
		}
		return nil, apierror.List{apierror.Invalid("", "failed to read request body")}
	}
	return body, nil
}

// pathID parses the {id} path segment. Unparsable ids cannot name an entity
// and are reported as not found.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := lifecycle.ParseID(raw)
	if err != nil {
		return 0, apierror.NotFound("", "no entity with id %q", raw)
	}
	return id, nil
}

// page reads the cursor and limit query parameters of list endpoints.
func page(r *http.Request) (string, int, error) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return "", 0, apierror.List{apierror.Invalid("/limit", "limit must be a positive integer")}
		}
		limit = n
	}
	return q.Get("i"), limit, nil
}

// statusFor maps an idempotency outcome to the HTTP status of a successful
// mutation.
func statusFor(st lifecycle.Status, applied int) int {
	if st == lifecycle.StatusApplied {
		return applied
	}
	return http.StatusAccepted
}

func (s *Server) writeData(w http.ResponseWriter, status int, d data, next string) {
	writeJSON(w, status, envelope{
		Code:   "ok",
		Data:   d,
		Errors: []errorJSON{},
		Meta:   meta{Next: next},
	})
}

// writeError reports err in the envelope. Errors that carry no caller-visible
// kind are logged and answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errs := apierror.Errors(err)
	status := apierror.StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, envelope{
		Code:   "err",
		Errors: errorsToJSON(errs),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON", "error", err)
	}
}
