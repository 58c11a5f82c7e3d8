// Package api serves the licensing REST API. Every endpoint is declared in
// one table; the same table feeds the chi router and the protected-call
// registry used by the request gate.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/applicenseserver/licenseserver/internal/ddos"
	"github.com/applicenseserver/licenseserver/internal/middleware"
	"github.com/applicenseserver/licenseserver/internal/store"
	"github.com/go-chi/chi/v5"
)

// endpoint is one declared route and the handler serving it.
type endpoint struct {
	ddos.Route
	handler http.HandlerFunc
}

// pattern is the chi pattern below the /api mount point.
func (e endpoint) pattern() string {
	if e.Template == "" {
		return "/" + e.Controller
	}
	return "/" + e.Controller + "/" + e.Template
}

// API holds the licensing handlers and their route table.
type API struct {
	cfg       *config.Config
	store     *store.Store
	logger    *slog.Logger
	version   string
	endpoints []endpoint
	registry  *ddos.Registry
}

// New builds the API on st. The protected-call registry is derived from the
// route table here, so it is fixed for the life of the process.
func New(st *store.Store, cfg *config.Config, logger *slog.Logger, version string) *API {
	a := &API{
		cfg:     cfg,
		store:   st,
		logger:  logger.With("component", "api"),
		version: version,
	}
	a.endpoints = a.declare()
	a.registry = ddos.BuildRegistry(a.Routes(), cfg.DDoSProtection.PathMatch)
	return a
}

// Routes returns the declared routes in declaration order.
func (a *API) Routes() []ddos.Route {
	out := make([]ddos.Route, len(a.endpoints))
	for i, e := range a.endpoints {
		out[i] = e.Route
	}
	return out
}

// Registry returns the protected-call registry built from the route table.
func (a *API) Registry() *ddos.Registry { return a.registry }

// Handler returns the router. Routes are served under /api and under
// /api/v{n} and match case-insensitively.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(lowercasePath)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSONError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed on this route")
	})

	r.Route("/api", a.mount)
	r.Route("/api/v{version:[0-9.]+}", a.mount)
	return r
}

func (a *API) mount(r chi.Router) {
	for _, e := range a.endpoints {
		r.Method(e.Method, e.pattern(), e.handler)
	}
}

// lowercasePath makes route matching case-insensitive. The store folds ids
// to lowercase and every other lookup compares with strings.EqualFold, so
// lowering parameters loses nothing.
func lowercasePath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lower := strings.ToLower(r.URL.Path); lower != r.URL.Path {
			u := *r.URL
			u.Path = lower
			u.RawPath = ""
			r2 := r.Clone(r.Context())
			r2.URL = &u
			r = r2
		}
		next.ServeHTTP(w, r)
	})
}
