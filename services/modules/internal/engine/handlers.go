package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redbco/redb-modules/pkg/health"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/pkg/reserved"
	"github.com/redbco/redb-modules/pkg/scoped"
	"github.com/redbco/redb-modules/pkg/tenancy"
	"github.com/redbco/redb-modules/services/modules/internal/broker"
	"github.com/redbco/redb-modules/services/modules/internal/ddl"
	"github.com/redbco/redb-modules/services/modules/internal/manifest"
	"github.com/redbco/redb-modules/services/modules/internal/provision"
	"github.com/redbco/redb-modules/services/modules/internal/store"
	"github.com/redbco/redb-modules/services/modules/internal/tenantctx"
)

const maxManifestBytes = 1 << 20

var (
	errPlatformAdminRequired = errors.New("platform_admin role required")
	errBadRequest            = errors.New("bad request")
	errModuleCredential      = errors.New("broker calls require a module credential")
	errSourceModuleMismatch  = errors.New("source_module does not match the calling module")
)

func writeJSONResponse(e *Engine, w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		e.logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

func writeErrorResponse(e *Engine, w http.ResponseWriter, statusCode int, message, details string) {
	response := ErrorResponse{
		Error:   message,
		Message: details,
		Status:  StatusError,
	}
	writeJSONResponse(e, w, statusCode, response)
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tenantctx.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, naming.ErrInvalidShortID),
		errors.Is(err, naming.ErrInvalidIdentifier),
		errors.Is(err, naming.ErrInvalidModuleID),
		errors.Is(err, reserved.ErrNameReserved),
		errors.Is(err, manifest.ErrInvalidManifest),
		errors.Is(err, ddl.ErrInvalidType),
		errors.Is(err, scoped.ErrProtectedColumn),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, provision.ErrNameCollision),
		errors.Is(err, provision.ErrTierChange):
		return http.StatusConflict
	case errors.Is(err, provision.ErrNotRegistered),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, broker.ErrUnknownTable):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrCrossModuleAccessDenied),
		errors.Is(err, tenancy.ErrMissingTenantContext),
		errors.Is(err, scoped.ErrRowSecurity),
		errors.Is(err, tenantctx.ErrNoMembership),
		errors.Is(err, tenantctx.ErrAmbiguousMembership),
		errors.Is(err, errPlatformAdminRequired),
		errors.Is(err, errModuleCredential),
		errors.Is(err, errSourceModuleMismatch):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.engine.logger.Errorf("%s: %v", message, err)
	}
	writeErrorResponse(s.engine, w, code, message, err.Error())
}

func tenant(r *http.Request) tenancy.Context {
	tc, _ := tenancy.FromContext(r.Context())
	return tc
}

func requirePlatformAdmin(r *http.Request) error {
	if !tenant(r).IsPlatformAdmin() {
		return errPlatformAdminRequired
	}
	return nil
}

func boolQuery(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", errBadRequest, name, raw)
	}
	return v, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checker := s.engine.deps.Health
	status := health.StatusHealthy
	var checks []*health.Check
	lastHealthy := time.Now()
	if checker != nil {
		checker.RunAll(r.Context())
		status = checker.GetOverallStatus()
		checks = checker.GetAllChecks()
		lastHealthy = checker.GetLastHealthyTime()
	}

	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	requests, errs := s.engine.Stats()
	writeJSONResponse(s.engine, w, code, map[string]interface{}{
		"status":       status,
		"service":      "modules",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"last_healthy": lastHealthy.UTC().Format(time.RFC3339),
		"requests":     requests,
		"errors":       errs,
		"checks":       checks,
	})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	tc := tenant(r)
	resp := WhoAmIResponse{AgencyID: tc.AgencyID.String(), UserID: tc.UserID.String(), Role: tc.Role}
	if tc.HasSite() {
		resp.SiteID = tc.SiteID.String()
	}
	if tc.ModuleID != uuid.Nil {
		resp.ModuleID = tc.ModuleID.String()
	}
	writeJSONResponse(s.engine, w, http.StatusOK, resp)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if err := requirePlatformAdmin(r); err != nil {
		s.writeError(w, "Provisioning not allowed", err)
		return
	}
	plan, err := boolQuery(r, "plan", false)
	if err != nil {
		s.writeError(w, "Invalid query", err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	if err != nil {
		writeErrorResponse(s.engine, w, http.StatusBadRequest, "Failed to read manifest", err.Error())
		return
	}
	m, err := manifest.Parse(body)
	if err != nil {
		s.writeError(w, "Invalid manifest", err)
		return
	}

	if plan {
		p, err := s.engine.deps.Provisioner.Plan(r.Context(), m)
		if err != nil {
			s.writeError(w, "Failed to plan provisioning", err)
			return
		}
		writeJSONResponse(s.engine, w, http.StatusOK, PlanResponse{
			ShortID:       p.ShortID,
			Existing:      p.Existing,
			Noop:          p.Noop(),
			NewTables:     p.NewTables,
			RemovedTables: p.RemovedTables,
			SQL:           p.SQL(),
		})
		return
	}

	res, err := s.engine.deps.Provisioner.Provision(r.Context(), m)
	if err != nil {
		s.writeError(w, "Provisioning failed", err)
		return
	}
	code := http.StatusOK
	if len(res.CreatedTables) > 0 {
		code = http.StatusCreated
	}
	writeJSONResponse(s.engine, w, code, res)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	if err := requirePlatformAdmin(r); err != nil {
		s.writeError(w, "Drop not allowed", err)
		return
	}
	res, err := s.engine.deps.Provisioner.Drop(r.Context(), mux.Vars(r)["short_id"])
	if err != nil {
		s.writeError(w, "Drop failed", err)
		return
	}
	writeJSONResponse(s.engine, w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	moduleID, err := naming.ParseModuleID(mux.Vars(r)["module_id"])
	if err != nil {
		s.writeError(w, "Invalid module id", err)
		return
	}
	st, err := s.engine.deps.Reconciler.Status(r.Context(), moduleID)
	if err != nil {
		s.writeError(w, "Status check failed", err)
		return
	}
	writeJSONResponse(s.engine, w, http.StatusOK, st)
}

func (s *Server) handleFindOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.engine.deps.Reconciler.FindOrphans(r.Context())
	if err != nil {
		s.writeError(w, "Orphan scan failed", err)
		return
	}
	writeJSONResponse(s.engine, w, http.StatusOK, OrphansResponse{Orphans: orphans, Count: len(orphans)})
}

func (s *Server) handleCleanupOrphans(w http.ResponseWriter, r *http.Request) {
	dryRun, err := boolQuery(r, "dry_run", true)
	if err != nil {
		s.writeError(w, "Invalid query", err)
		return
	}
	if !dryRun {
		if err := requirePlatformAdmin(r); err != nil {
			s.writeError(w, "Cleanup not allowed", err)
			return
		}
	}

	shortID := mux.Vars(r)["short_id"]
	actions, err := s.engine.deps.Reconciler.CleanupOrphans(r.Context(), shortID, dryRun)
	if err != nil {
		s.writeError(w, "Cleanup failed", err)
		return
	}
	if !dryRun {
		tc := tenant(r)
		s.engine.logger.Infof("User %s ran orphan cleanup for %s: %d actions", tc.UserID, shortID, len(actions))
	}
	writeJSONResponse(s.engine, w, http.StatusOK, CleanupResponse{ShortID: shortID, DryRun: dryRun, Actions: actions})
}

func decodeBrokerRequest(w http.ResponseWriter, r *http.Request) (*BrokerRequest, error) {
	var req BrokerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	// the source module is the credential's, never the caller's claim
	caller := tenant(r).ModuleID
	switch {
	case caller == uuid.Nil:
		return nil, errModuleCredential
	case req.Source == uuid.Nil:
		req.Source = caller
	case req.Source != caller:
		return nil, fmt.Errorf("%w: token is for %s, request names %s", errSourceModuleMismatch, caller, req.Source)
	}
	if req.Target == uuid.Nil {
		return nil, fmt.Errorf("%w: target_module is required", naming.ErrInvalidModuleID)
	}
	return &req, nil
}

func (s *Server) handleBrokerSelect(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBrokerRequest(w, r)
	if err != nil {
		s.writeError(w, "Invalid broker request", err)
		return
	}
	rows, err := s.engine.deps.Broker.Select(r.Context(), req.Source, req.Target, req.Table, tenant(r), req.Where)
	if err != nil {
		s.writeError(w, "Cross-module read failed", err)
		return
	}
	if rows == nil {
		rows = []scoped.Row{}
	}
	writeJSONResponse(s.engine, w, http.StatusOK, BrokerSelectResponse{Rows: rows, Count: len(rows)})
}

func (s *Server) handleBrokerInsert(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBrokerRequest(w, r)
	if err != nil {
		s.writeError(w, "Invalid broker request", err)
		return
	}
	row, err := s.engine.deps.Broker.Insert(r.Context(), req.Source, req.Target, req.Table, tenant(r), req.Values)
	if err != nil {
		s.writeError(w, "Cross-module write failed", err)
		return
	}
	writeJSONResponse(s.engine, w, http.StatusCreated, BrokerInsertResponse{Row: row})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := requirePlatformAdmin(r); err != nil {
		s.writeError(w, "Reload not allowed", err)
		return
	}
	if err := s.engine.deps.Reserved.Reload(); err != nil {
		s.writeError(w, "Failed to reload reserved names", err)
		return
	}
	if err := s.engine.deps.Grants.Reload(); err != nil {
		s.writeError(w, "Failed to reload grants", err)
		return
	}

	set := s.engine.deps.Reserved.Snapshot()
	s.engine.logger.Infof("Reloaded %d reserved names and %d grants", len(set.Names), len(s.engine.deps.Grants.Snapshot().Grants))
	writeJSONResponse(s.engine, w, http.StatusOK, ReloadResponse{
		Status:          StatusSuccess,
		ReservedNames:   len(set.Names),
		ReservedVersion: set.Version,
		Grants:          len(s.engine.deps.Grants.Snapshot().Grants),
	})
}
