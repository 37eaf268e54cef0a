package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/health"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/registry"
)

// TenantView is one tenant as reported by the admin API.
type TenantView struct {
	registry.State
	Connected bool   `json:"connected"`
	Transport string `json:"transport,omitempty"`
	Shared    string `json:"shared_connection,omitempty"`
	Version   uint64 `json:"version,omitempty"`
}

type admin struct {
	g      *Gateway
	logger *slog.Logger
}

// Handler returns the admin HTTP API.
func (g *Gateway) Handler() http.Handler {
	a := &admin{g: g, logger: g.logger.With("component", "admin")}

	r := chi.NewRouter()
	r.Get("/tenants", a.listTenants)
	r.Route("/tenants/{id}", func(r chi.Router) {
		r.Get("/", a.getTenant)
		r.Post("/start", a.startTenant)
		r.Post("/stop", a.stopTenant)
		r.Post("/restart", a.restartTenant)
	})
	r.Post("/reload", a.reload)
	r.Get("/statistics", a.statistics)
	r.Get("/health", a.health)
	r.Handle("/metrics", metric.Handler(g.mreg))
	return r
}

func (a *admin) view(id string) (TenantView, bool) {
	st, hasState := a.g.manager.State(id)
	cfg, hasConfig := a.g.manager.Config(id)
	if !hasState && !hasConfig {
		return TenantView{}, false
	}
	v := TenantView{State: st, Connected: a.g.manager.IsConnected(id)}
	v.TenantID = id
	if hasConfig {
		v.Transport = cfg.Transport
		v.Shared = cfg.SharedConnection
		v.Version = cfg.Version
	}
	return v, true
}

func (a *admin) listTenants(w http.ResponseWriter, _ *http.Request) {
	snapshot := a.g.manager.Snapshot()
	out := make([]TenantView, 0, len(snapshot))
	for _, st := range snapshot {
		if v, ok := a.view(st.TenantID); ok {
			out = append(out, v)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *admin) getTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, ok := a.view(id)
	if !ok {
		a.writeError(w, errors.WrapInvalid(errors.ErrUnknownTenant, "Admin", "getTenant", "tenant "+id+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *admin) startTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.g.manager.RequestStart(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"tenant_id": id, "action": "start"})
}

func (a *admin) stopTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.g.manager.Stop(id); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenant_id": id, "action": "stop"})
}

func (a *admin) restartTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.g.manager.Restart(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"tenant_id": id, "action": "restart"})
}

func (a *admin) reload(w http.ResponseWriter, r *http.Request) {
	if err := a.g.manager.ReloadAll(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.g.manager.Statistics())
}

func (a *admin) statistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.g.Statistics())
}

func (a *admin) health(w http.ResponseWriter, _ *http.Request) {
	status := a.g.Health()
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs the full error and answers with a sanitized message.
func (a *admin) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.logger.Error("Admin request failed", "error", err)
	} else {
		a.logger.Debug("Admin request rejected", "error", err)
	}
	writeJSON(w, code, map[string]any{
		"error":  sanitize(err),
		"status": code,
	})
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, errors.ErrUnknownTenant), errors.Is(err, errors.ErrConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrConfiguration), errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "deadline") || strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sanitize keeps configuration problems readable for operators and hides
// everything else.
func sanitize(err error) string {
	switch statusFor(err) {
	case http.StatusNotFound:
		return "tenant not found"
	case http.StatusBadRequest:
		return err.Error()
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	}
	return "internal server error"
}
