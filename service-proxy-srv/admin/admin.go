// Package admin serves the /__admin HTTP API used to inspect and change the
// rule table of a running gateway.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
	"github.com/codefionn/service-proxy/service-proxy-srv/proxy"
	"github.com/codefionn/service-proxy/service-proxy-srv/routing"
	"github.com/codefionn/service-proxy/service-proxy-srv/stats"
)

// maxBodyBytes bounds the size of a mapping submission.
const maxBodyBytes = 1 << 20

// defaultStatsLimit is used when /stats is called without ?limit.
const defaultStatsLimit = 20

// Registry is the part of the gateway the admin API drives.
type Registry interface {
	Rules() []routing.Rule
	RegisterRule(rule routing.Rule) (routing.Rule, error)
	UnregisterMapping(id string) error
	Collector() stats.Collector
}

// API serves the admin endpoints for one Registry.
type API struct {
	registry Registry
	auth     *Authenticator
	router   *mux.Router
}

// New creates the admin API. An empty secret disables authentication.
func New(registry Registry, secret string) *API {
	a := &API{
		registry: registry,
		auth:     NewAuthenticator(secret),
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(a.notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(a.methodNotAllowed)

	// subrouters do not inherit the error handlers
	sub := r.PathPrefix("/__admin").Subrouter()
	sub.NotFoundHandler = r.NotFoundHandler
	sub.MethodNotAllowedHandler = r.MethodNotAllowedHandler
	sub.Use(a.auth.Middleware)
	sub.HandleFunc("/mappings", a.listMappings).Methods(http.MethodGet)
	sub.HandleFunc("/mappings", a.createMapping).Methods(http.MethodPost)
	sub.HandleFunc("/mappings/{id}", a.getMapping).Methods(http.MethodGet)
	sub.HandleFunc("/mappings/{id}", a.deleteMapping).Methods(http.MethodDelete)
	sub.HandleFunc("/stats", a.getStats).Methods(http.MethodGet)

	a.router = r
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Admin request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	a.router.ServeHTTP(w, r)
}

// Mapping is the JSON form of a rule.
type Mapping struct {
	ID          string `json:"id"`
	Method      string `json:"method"`
	URLPattern  string `json:"urlPattern"`
	PatternKind string `json:"patternKind"`
	Priority    int    `json:"priority"`
	Action      string `json:"action"`
	TargetURL   string `json:"targetUrl,omitempty"`
	Status      int    `json:"status,omitempty"`
}

// MappingRequest is the body of POST /__admin/mappings.
type MappingRequest struct {
	ID         string `json:"id,omitempty"`
	Method     string `json:"method"`
	URLPattern string `json:"urlPattern"`
	TargetURL  string `json:"targetUrl"`
	Priority   *int   `json:"priority,omitempty"`
}

// StatsResponse is the body of GET /__admin/stats.
type StatsResponse struct {
	Overview     *stats.OverviewStats `json:"overview"`
	Routes       []stats.RouteStats   `json:"routes"`
	RecentErrors []stats.ErrorSummary `json:"recent_errors"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func toMapping(rule routing.Rule) Mapping {
	m := Mapping{
		ID:          rule.ID,
		Method:      string(rule.Method),
		URLPattern:  rule.Path.Expr,
		PatternKind: rule.Path.Kind.String(),
		Priority:    rule.Priority,
		Action:      string(rule.Action.Kind()),
	}
	switch action := rule.Action.(type) {
	case routing.ProxyAction:
		m.TargetURL = action.Target.String()
	case routing.StaticAction:
		m.Status = action.Status
	}
	return m
}

func (a *API) listMappings(w http.ResponseWriter, r *http.Request) {
	rules := a.registry.Rules()
	mappings := make([]Mapping, 0, len(rules))
	for _, rule := range rules {
		mappings = append(mappings, toMapping(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mappings": mappings,
		"total":    len(mappings),
	})
}

func (a *API) getMapping(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, rule := range a.registry.Rules() {
		if rule.ID == id {
			writeJSON(w, http.StatusOK, toMapping(rule))
			return
		}
	}
	writeError(w, http.StatusNotFound, proxy.ErrCodeRuleNotFound, "no mapping with id "+id)
}

func (a *API) createMapping(w http.ResponseWriter, r *http.Request) {
	var req MappingRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.URLPattern == "" || req.TargetURL == "" {
		writeError(w, http.StatusBadRequest, proxy.ErrCodeInvalidRule, "urlPattern and targetUrl are required")
		return
	}

	action, err := routing.NewProxyAction(req.TargetURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, proxy.ErrCodeInvalidRule, fmt.Sprintf("invalid targetUrl: %v", err))
		return
	}
	rule := routing.Rule{
		ID:       req.ID,
		Method:   routing.ParseMethod(req.Method),
		Path:     routing.Regex(req.URLPattern),
		Priority: routing.PriorityNormal,
		Action:   action,
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}

	stored, err := a.registry.RegisterRule(rule)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	logger.Info("Admin API added mapping %s from %s", stored.ID, r.RemoteAddr)
	writeJSON(w, http.StatusCreated, toMapping(stored))
}

func (a *API) deleteMapping(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.registry.UnregisterMapping(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	logger.Info("Admin API removed mapping %s from %s", id, r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	limit := defaultStatsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	collector := a.registry.Collector()
	ctx := r.Context()

	overview, err := collector.GetOverviewStats(ctx)
	if err != nil {
		logger.Error("Failed to get overview stats: %v", err)
		writeError(w, http.StatusInternalServerError, proxy.ErrCodeInternalError, "failed to read statistics")
		return
	}
	routes, err := collector.GetRouteStats(ctx, limit)
	if err != nil {
		logger.Error("Failed to get route stats: %v", err)
		writeError(w, http.StatusInternalServerError, proxy.ErrCodeInternalError, "failed to read statistics")
		return
	}
	recent, err := collector.GetRecentErrors(ctx, limit)
	if err != nil {
		logger.Error("Failed to get recent errors: %v", err)
		writeError(w, http.StatusInternalServerError, proxy.ErrCodeInternalError, "failed to read statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		Overview:     overview,
		Routes:       routes,
		RecentErrors: recent,
	})
}

func (a *API) notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "", "no admin endpoint at "+r.URL.Path)
}

func (a *API) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "", r.Method+" not allowed on "+r.URL.Path)
}

// writeRegistryError maps gateway errors to HTTP statuses.
func writeRegistryError(w http.ResponseWriter, err error) {
	var proxyErr *proxy.Error
	code := ""
	if errors.As(err, &proxyErr) {
		code = proxyErr.Code
	}

	switch {
	case proxy.IsInvalidRuleError(err):
		writeError(w, http.StatusBadRequest, code, err.Error())
	case proxy.IsRuleNotFound(err):
		writeError(w, http.StatusNotFound, code, err.Error())
	case proxy.IsStateError(err):
		writeError(w, http.StatusServiceUnavailable, code, err.Error())
	default:
		logger.Error("Admin API: %v", err)
		writeError(w, http.StatusInternalServerError, code, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}
