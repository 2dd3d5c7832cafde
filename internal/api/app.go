package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/oauth2"

	"github.com/kalambet/pilltrack/internal/backup"
	"github.com/kalambet/pilltrack/internal/cloudsync"
	"github.com/kalambet/pilltrack/internal/prefs"
	"github.com/kalambet/pilltrack/internal/remote"
	"github.com/kalambet/pilltrack/internal/schedule"
	"github.com/kalambet/pilltrack/internal/tracker"
)

const maxRequestBodySize = 1 << 20 // 1MB

// TokenSetter stores the remote credentials handed over at sign-in.
type TokenSetter interface {
	SetToken(tok *oauth2.Token) error
}

type AppDeps struct {
	Tracker *tracker.Tracker
	Token   string
	// Tokens is nil when the remote store uses a static token.
	Tokens TokenSetter
	// AllowedOrigins enables CORS for a local web UI.
	AllowedOrigins []string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/schedule", handleGetSchedule(deps))
		r.Put("/days/{index}/status", handleSetDayStatus(deps))
		r.Get("/plan", handleGetPlan(deps))
		r.Put("/plan", handlePutPlan(deps))
		r.Get("/prefs/{scope}", handleGetPrefs(deps))
		r.Patch("/prefs/{scope}", handlePatchPrefs(deps))

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", handleSyncStatus(deps))
			r.Post("/now", handleSyncNow(deps))
			r.Post("/initial", handleInitialSync(deps))
			r.Post("/backup", handleCreateBackup(deps))
			r.Post("/restore", handleRestore(deps))
			r.Put("/auto-upload", handleSetAutoUpload(deps))
		})

		r.Post("/account/sign-in", handleSignIn(deps))
		r.Post("/account/sign-out", handleSignOut(deps))
		r.Delete("/data", handleWipe(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleGetSchedule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Tracker.OnAppForeground()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to build schedule: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func handleSetDayStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "day index must be an integer")
			return
		}
		var req setStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		status, err := schedule.ParseStatus(req.Status)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		rec, err := deps.Tracker.OnUserSetDayStatus(index, status)
		switch {
		case errors.Is(err, schedule.ErrDayOutOfRange):
			httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to set status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleGetPlan(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Tracker.OnAppForeground()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load plan: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v.Plan)
	}
}

func handlePutPlan(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var plan schedule.Plan
		if !decodeBody(w, r, &plan) {
			return
		}
		v, err := deps.Tracker.OnScheduleConfigChanged(plan.Config, plan.Start)
		switch {
		case errors.Is(err, schedule.ErrInvalidConfiguration):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save plan: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func handleGetPrefs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := chi.URLParam(r, "scope")
		if !prefs.ValidScope(scope) {
			httpError(w, http.StatusNotFound, "not_found_error", "unknown scope %q", scope)
			return
		}
		m, err := deps.Tracker.Prefs(scope)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read %s: %v", scope, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handlePatchPrefs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := chi.URLParam(r, "scope")
		if !prefs.IsBackedUp(scope) {
			httpError(w, http.StatusForbidden, "permission_error", "scope %q is not writable", scope)
			return
		}
		var entries map[string]prefs.Value
		if !decodeBody(w, r, &entries) {
			return
		}
		if err := deps.Tracker.OnLocalMutation(scope, entries); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update %s: %v", scope, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleSyncStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sv, err := deps.Tracker.SyncStatus()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read sync status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sv)
	}
}

func handleSyncNow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Tracker.Sync().UploadNowWithConflictProtection(r.Context())
		if err != nil {
			syncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"outcome": string(out)})
	}
}

func handleInitialSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Tracker.Sync().InitialSync(r.Context())
		if err != nil {
			syncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleCreateBackup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Tracker.Sync().CreateBackupNow(r.Context()); err != nil {
			syncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"outcome": string(cloudsync.OutcomeUploaded)})
	}
}

func handleRestore(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Tracker.Sync().RestoreNow(r.Context()); err != nil {
			syncError(w, err)
			return
		}
		v, err := deps.Tracker.OnAppForeground()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "restored but failed to rebuild schedule: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

type autoUploadRequest struct {
	Enabled *bool `json:"enabled"`
}

func handleSetAutoUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req autoUploadRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Enabled == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "enabled is required")
			return
		}
		if err := deps.Tracker.Sync().SetAutoUpload(*req.Enabled); err != nil {
			syncError(w, err)
			return
		}
		writeSyncStatus(w, deps)
	}
}

type signInRequest struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func handleSignIn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Email == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "email is required")
			return
		}
		if req.RefreshToken != "" {
			if deps.Tokens == nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "refresh tokens are not accepted without OAuth configuration")
				return
			}
			if err := deps.Tokens.SetToken(&oauth2.Token{RefreshToken: req.RefreshToken}); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "storing credentials: %v", err)
				return
			}
		}
		if err := deps.Tracker.OnSignIn(req.Email); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sign-in failed: %v", err)
			return
		}
		writeSyncStatus(w, deps)
	}
}

func handleSignOut(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Tracker.OnSignOut(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sign-out failed: %v", err)
			return
		}
		writeSyncStatus(w, deps)
	}
}

func handleWipe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Tracker.Wipe()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "wipe failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func writeSyncStatus(w http.ResponseWriter, deps AppDeps) {
	sv, err := deps.Tracker.SyncStatus()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to read sync status: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, sv)
}

// syncError maps coordinator failures to status codes the UI can act on.
func syncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cloudsync.ErrNotSignedIn):
		httpError(w, http.StatusConflict, "not_signed_in", "%v", err)
	case errors.Is(err, cloudsync.ErrReauthRequired):
		httpError(w, http.StatusConflict, "reauth_required", "%v", err)
	case errors.Is(err, cloudsync.ErrNoBackup):
		httpError(w, http.StatusNotFound, "no_backup", "%v", err)
	case errors.Is(err, cloudsync.ErrRemoteNotConfigured):
		httpError(w, http.StatusServiceUnavailable, "sync_unavailable", "%v", err)
	case errors.Is(err, backup.ErrMalformedPayload):
		httpError(w, http.StatusBadGateway, "invalid_backup", "%v", err)
	case remote.IsTransient(err):
		httpError(w, http.StatusBadGateway, "upstream_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
