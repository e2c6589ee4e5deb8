// Package admin exposes the REST surface operators use to declare clusters
// and routes. Mutation handlers validate nothing themselves: every mutation goes
// through the store, whose validation and version bump are the single source
// of truth, and returns only after the store has published the change.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rajeevramani/envoy-control-plane-v2/internal/bootstrap"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/config"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/model"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/store"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/xdserrors"
)

// AuthFunc gates mutating requests. The decision logic is opaque to this
// package; a non-nil error denies the mutation. A nil AuthFunc allows all.
type AuthFunc func(*http.Request) error

// Metrics is the subset of collectors the admin layer updates.
type Metrics interface {
	SetStoreVersion(v uint64)
	MutationApplied(resource, op string)
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) SetStoreVersion(uint64)                         {}
func (noopMetrics) MutationApplied(string, string)                 {}
func (noopMetrics) ObserveHTTP(string, string, int, time.Duration) {}

// MetricsHandler is an optional /metrics exposition endpoint; the concrete
// Prometheus registry supplies it.
type MetricsHandler interface {
	Handler() http.Handler
}

// Server holds the handler dependencies.
type Server struct {
	store   *store.Store
	cfg     *config.AppConfig
	log     *logrus.Logger
	auth    AuthFunc
	metrics Metrics
}

func NewServer(s *store.Store, cfg *config.AppConfig, log *logrus.Logger, auth AuthFunc, m Metrics) *Server {
	if m == nil {
		m = noopMetrics{}
	}
	return &Server{store: s, cfg: cfg, log: log, auth: auth, metrics: m}
}

// Router builds the mux router for the full REST surface. mh may be nil, in
// which case /metrics is not registered.
func (a *Server) Router(mh MetricsHandler) *mux.Router {
	r := mux.NewRouter()
	r.Use(a.observe)

	r.HandleFunc("/health", a.health).Methods(http.MethodGet)

	r.HandleFunc("/clusters", a.listClusters).Methods(http.MethodGet)
	r.HandleFunc("/clusters", a.createCluster).Methods(http.MethodPost)
	r.HandleFunc("/clusters/{name}", a.getCluster).Methods(http.MethodGet)
	r.HandleFunc("/clusters/{name}", a.updateCluster).Methods(http.MethodPut)
	r.HandleFunc("/clusters/{name}", a.deleteCluster).Methods(http.MethodDelete)

	r.HandleFunc("/routes", a.listRoutes).Methods(http.MethodGet)
	r.HandleFunc("/routes", a.createRoute).Methods(http.MethodPost)
	r.HandleFunc("/routes/{id}", a.getRoute).Methods(http.MethodGet)
	r.HandleFunc("/routes/{id}", a.updateRoute).Methods(http.MethodPut)
	r.HandleFunc("/routes/{id}", a.deleteRoute).Methods(http.MethodDelete)

	r.HandleFunc("/generate-config", a.generateConfig).Methods(http.MethodPost)
	r.HandleFunc("/generate-bootstrap", a.generateBootstrap).Methods(http.MethodGet)
	r.HandleFunc("/supported-http-methods", a.supportedMethods).Methods(http.MethodGet)

	if mh != nil {
		r.Handle("/metrics", mh.Handler()).Methods(http.MethodGet)
	}
	return r
}

// observe records one counter/latency sample per request, labeled by the
// mux route template rather than the raw path.
func (a *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.ObserveHTTP(route, r.Method, status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (a *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (a *Server) supportedMethods(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, a.cfg.HTTPMethods.SupportedMethods, "supported HTTP methods")
}

// authorize runs the injected gate before a mutation. The denial reason is
// passed through verbatim; this layer neither logs nor inspects it.
func (a *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if a.auth == nil {
		return true
	}
	if err := a.auth(r); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return false
	}
	return true
}

func (a *Server) afterMutation(resource, op string) {
	a.metrics.MutationApplied(resource, op)
	a.metrics.SetStoreVersion(a.store.Snapshot().Version)
}

func (a *Server) listClusters(w http.ResponseWriter, _ *http.Request) {
	clusters := a.store.ListClusters()
	out := make([]clusterJSON, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, clusterToJSON(c))
	}
	writeSuccess(w, out, "")
}

func (a *Server) getCluster(w http.ResponseWriter, r *http.Request) {
	c, err := a.store.GetCluster(mux.Vars(r)["name"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w, clusterToJSON(c), "")
}

func (a *Server) createCluster(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}
	var body clusterJSON
	if !decode(w, r, &body) {
		return
	}
	c := body.toModel()
	if err := a.store.CreateCluster(c); err != nil {
		writeStoreError(w, err)
		return
	}
	a.afterMutation("cluster", "create")
	a.log.WithField("cluster", c.Name).Info("cluster created")
	writeSuccess(w, c.Name, "cluster created")
}

func (a *Server) updateCluster(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}
	name := mux.Vars(r)["name"]
	var body clusterPatchJSON
	if !decode(w, r, &body) {
		return
	}
	if _, err := a.store.PatchCluster(name, body.toModel()); err != nil {
		writeStoreError(w, err)
		return
	}
	a.afterMutation("cluster", "update")
	a.log.WithField("cluster", name).Info("cluster updated")
	writeSuccess(w, name, "cluster updated")
}

func (a *Server) deleteCluster(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}
	name := mux.Vars(r)["name"]
	if err := a.store.DeleteCluster(name); err != nil {
		writeStoreError(w, err)
		return
	}
	a.afterMutation("cluster", "delete")
	a.log.WithField("cluster", name).Info("cluster deleted")
	writeSuccess(w, nil, "cluster deleted")
}

func (a *Server) listRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := a.store.ListRoutes()
	out := make([]routeJSON, 0, len(routes))
	for _, rt := range routes {
		out = append(out, routeToJSON(rt))
	}
	writeSuccess(w, out, "")
}

func (a *Server) getRoute(w http.ResponseWriter, r *http.Request) {
	rt, err := a.store.GetRoute(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w, routeToJSON(rt), "")
}

func (a *Server) createRoute(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}
	var body routeJSON
	if !decode(w, r, &body) {
		return
	}
	created, err := a.store.CreateRoute(body.toModel())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	a.afterMutation("route", "create")
	a.log.WithFields(logrus.Fields{"route": created.ID, "path": created.Path}).Info("route created")
	writeSuccess(w, created.ID, "route created")
}

func (a *Server) updateRoute(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	var body routePatchJSON
	if !decode(w, r, &body) {
		return
	}
	if _, err := a.store.PatchRoute(id, body.toModel()); err != nil {
		writeStoreError(w, err)
		return
	}
	a.afterMutation("route", "update")
	a.log.WithField("route", id).Info("route updated")
	writeSuccess(w, id, "route updated")
}

func (a *Server) deleteRoute(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.store.DeleteRoute(id); err != nil {
		writeStoreError(w, err)
		return
	}
	a.afterMutation("route", "delete")
	a.log.WithField("route", id).Info("route deleted")
	writeSuccess(w, nil, "route deleted")
}

type generateConfigRequest struct {
	ProxyName string `json:"proxy_name"`
	ProxyPort int    `json:"proxy_port"`
}

func (a *Server) generateConfig(w http.ResponseWriter, r *http.Request) {
	var body generateConfigRequest
	if !decode(w, r, &body) {
		return
	}
	if body.ProxyPort < 0 || body.ProxyPort > 65535 {
		writeError(w, http.StatusBadRequest, "proxy_port must be in 1..65535")
		return
	}
	out, err := bootstrap.Generate(a.cfg, bootstrap.Options{
		NodeID:       body.ProxyName,
		ListenerPort: body.ProxyPort,
	})
	if err != nil {
		a.log.WithError(err).Error("bootstrap generation failed")
		writeError(w, http.StatusInternalServerError, "bootstrap generation failed")
		return
	}
	writeSuccess(w, out, "bootstrap configuration generated")
}

func (a *Server) generateBootstrap(w http.ResponseWriter, _ *http.Request) {
	out, err := bootstrap.Generate(a.cfg, bootstrap.Options{})
	if err != nil {
		a.log.WithError(err).Error("bootstrap generation failed")
		writeError(w, http.StatusInternalServerError, "bootstrap generation failed")
		return
	}
	writeSuccess(w, out, "bootstrap configuration generated")
}

// envelope is the uniform response shape for every endpoint except /health
// and /metrics.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeSuccess(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Message: message})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

// writeStoreError maps the store's error taxonomy onto status codes:
// validation 400, not-found 404, conflict 409, anything else 500.
func writeStoreError(w http.ResponseWriter, err error) {
	var (
		verr *xdserrors.ValidationError
		nerr *xdserrors.NotFoundError
		cerr *xdserrors.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &nerr):
		writeError(w, http.StatusNotFound, nerr.Error())
	case errors.As(err, &cerr):
		writeError(w, http.StatusConflict, cerr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type endpointJSON struct {
	Host       string `json:"host"`
	Port       uint16 `json:"port"`
	TLSEnabled bool   `json:"tls_enabled,omitempty"`
}

type clusterJSON struct {
	Name      string         `json:"name"`
	Endpoints []endpointJSON `json:"endpoints"`
	LBPolicy  string         `json:"lb_policy,omitempty"`
}

func (c clusterJSON) toModel() model.Cluster {
	eps := make([]model.Endpoint, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		eps = append(eps, model.Endpoint{Host: e.Host, Port: e.Port, TLSEnabled: e.TLSEnabled})
	}
	return model.Cluster{Name: c.Name, Endpoints: eps, LBPolicy: model.LBPolicy(c.LBPolicy)}
}

func clusterToJSON(c model.Cluster) clusterJSON {
	eps := make([]endpointJSON, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		eps = append(eps, endpointJSON{Host: e.Host, Port: e.Port, TLSEnabled: e.TLSEnabled})
	}
	return clusterJSON{Name: c.Name, Endpoints: eps, LBPolicy: string(c.LBPolicy)}
}

type clusterPatchJSON struct {
	Endpoints *[]endpointJSON `json:"endpoints,omitempty"`
	LBPolicy  *string         `json:"lb_policy,omitempty"`
}

func (p clusterPatchJSON) toModel() model.ClusterPatch {
	var patch model.ClusterPatch
	if p.Endpoints != nil {
		eps := make([]model.Endpoint, 0, len(*p.Endpoints))
		for _, e := range *p.Endpoints {
			eps = append(eps, model.Endpoint{Host: e.Host, Port: e.Port, TLSEnabled: e.TLSEnabled})
		}
		patch.Endpoints = &eps
	}
	if p.LBPolicy != nil {
		policy := model.LBPolicy(*p.LBPolicy)
		patch.LBPolicy = &policy
	}
	return patch
}

type routePatchJSON struct {
	Path          *string   `json:"path,omitempty"`
	ClusterName   *string   `json:"cluster_name,omitempty"`
	PrefixRewrite *string   `json:"prefix_rewrite,omitempty"`
	HTTPMethods   *[]string `json:"http_methods,omitempty"`
}

func (p routePatchJSON) toModel() model.RoutePatch {
	return model.RoutePatch{
		Path:          p.Path,
		ClusterName:   p.ClusterName,
		PrefixRewrite: p.PrefixRewrite,
		HTTPMethods:   p.HTTPMethods,
	}
}

type routeJSON struct {
	ID            string   `json:"id,omitempty"`
	Path          string   `json:"path"`
	ClusterName   string   `json:"cluster_name"`
	PrefixRewrite string   `json:"prefix_rewrite,omitempty"`
	HTTPMethods   []string `json:"http_methods,omitempty"`
}

func (r routeJSON) toModel() model.Route {
	return model.Route{
		Path:          r.Path,
		ClusterName:   r.ClusterName,
		PrefixRewrite: r.PrefixRewrite,
		HTTPMethods:   r.HTTPMethods,
	}
}

func routeToJSON(r model.Route) routeJSON {
	return routeJSON{
		ID:            r.ID,
		Path:          r.Path,
		ClusterName:   r.ClusterName,
		PrefixRewrite: r.PrefixRewrite,
		HTTPMethods:   r.HTTPMethods,
	}
}
