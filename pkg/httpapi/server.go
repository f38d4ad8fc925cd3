// Package httpapi exposes the workspace lifecycle over HTTP: create,
// list, inspect and destroy, guarded by a header-based auth middleware
// and backed directly by pkg/store and pkg/provisioner.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/metrics"
	"github.com/cuemby/vm/pkg/provisioner"
	"github.com/cuemby/vm/pkg/store"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
	"github.com/google/uuid"
)

// Server serves the workspace HTTP API.
type Server struct {
	store       store.Store
	loop        *provisioner.Loop
	defaultProv types.ProviderKind
	mux         *http.ServeMux
}

// NewServer wires the routes onto a fresh ServeMux.
func NewServer(st store.Store, loop *provisioner.Loop) *Server {
	s := &Server{store: st, loop: loop, defaultProv: types.ProviderContainer, mux: http.NewServeMux()}
	s.mux.HandleFunc("/workspaces", s.withAuth(s.withMetrics("/workspaces", s.handleWorkspacesCollection)))
	s.mux.HandleFunc("/workspaces/", s.withAuth(s.withMetrics("/workspaces/{id}", s.handleWorkspaceItem)))
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/health", metrics.HealthHandler())
	s.mux.HandleFunc("/ready", metrics.ReadyHandler())
	return s
}

// Start runs the HTTP server at addr, blocking until the listener fails,
// and returns that error.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("httpapi").Info().Str("addr", addr).Msg("workspace api listening")
	return server.ListenAndServe()
}

type userContextKey struct{}

// authUser is attached to the request context by withAuth.
type authUser struct {
	Name  string
	Email string
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := firstValidHeader(r, "x-vm-user", "x-forwarded-user", "x-user")
		if !ok {
			writeError(w, werrors.New(werrors.CodeValidation, "missing or invalid user header"), http.StatusUnauthorized)
			return
		}
		email, _ := firstValidHeader(r, "x-vm-email", "x-forwarded-email")

		ctx := context.WithValue(r.Context(), userContextKey{}, authUser{Name: name, Email: email})
		next(w, r.WithContext(ctx))
	}
}

// firstValidHeader returns the value of the first header in priority
// order that is present (an empty string value is valid and accepted,
// a documented quirk). ok is false when none of the named headers is
// present, or when the first present one is not valid UTF-8; in that
// case the lower-priority headers are not consulted.
func firstValidHeader(r *http.Request, names ...string) (string, bool) {
	for _, name := range names {
		values, present := r.Header[http.CanonicalHeaderKey(name)]
		if !present || len(values) == 0 {
			continue
		}
		v := values[0]
		if !utf8.ValidString(v) {
			return "", false
		}
		return v, true
	}
	return "", false
}

func (s *Server) withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, statusClass(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func (s *Server) handleWorkspacesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createWorkspace(w, r)
	case http.MethodGet:
		s.listWorkspaces(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorkspaceItem(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/workspaces/"):]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getWorkspace(w, r, id)
	case http.MethodDelete:
		s.deleteWorkspace(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createWorkspaceBody struct {
	Name       string             `json:"name"`
	Template   string             `json:"template,omitempty"`
	Provider   types.ProviderKind `json:"provider,omitempty"`
	TTLSeconds int64              `json:"ttl_seconds,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	var body createWorkspaceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, werrors.Wrap(err, werrors.CodeValidation, "decode request body"), http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		writeError(w, werrors.New(werrors.CodeValidation, "name is required"), http.StatusBadRequest)
		return
	}
	provider := body.Provider
	if provider == "" {
		provider = s.defaultProv
	}

	now := time.Now()
	ws := &types.Workspace{
		ID:         uuid.NewString(),
		Name:       body.Name,
		Owner:      user.Name,
		Template:   body.Template,
		Provider:   provider,
		Status:     types.WorkspaceCreating,
		CreatedAt:  now,
		UpdatedAt:  now,
		TTLSeconds: body.TTLSeconds,
		Metadata:   body.Metadata,
	}
	if body.TTLSeconds > 0 {
		expires := now.Add(time.Duration(body.TTLSeconds) * time.Second)
		ws.ExpiresAt = &expires
	}

	if err := s.store.Create(ws); err != nil {
		writeError(w, err, codeFor(err))
		return
	}

	writeJSON(w, http.StatusAccepted, ws)
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	filters := types.WorkspaceFilters{
		Owner:  r.URL.Query().Get("owner"),
		Status: types.WorkspaceStatus(r.URL.Query().Get("status")),
	}
	list, err := s.store.List(filters)
	if err != nil {
		writeError(w, err, codeFor(err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request, id string) {
	ws, err := s.store.Get(id)
	if err != nil {
		writeError(w, err, codeFor(err))
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) deleteWorkspace(w http.ResponseWriter, r *http.Request, id string) {
	ws, err := s.store.Get(id)
	if err != nil {
		writeError(w, err, codeFor(err))
		return
	}
	purge := r.URL.Query().Get("purge_volumes") == "true"
	if err := s.loop.Destroy(r.Context(), ws, purge); err != nil {
		writeError(w, err, codeFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func userFromContext(ctx context.Context) authUser {
	u, _ := ctx.Value(userContextKey{}).(authUser)
	return u
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// codeFor maps a werrors.Code to the documented HTTP status: Validation
// to 400, not-found to 404, everything else to 500 (auth is handled
// entirely by withAuth and never reaches this mapping).
func codeFor(err error) int {
	switch werrors.CodeOf(err) {
	case werrors.CodeValidation:
		return http.StatusBadRequest
	case werrors.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
