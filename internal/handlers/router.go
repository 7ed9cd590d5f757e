package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ultramarket/orders-api/internal/platform/httpx"
)

const (
	apiBasePath    = "/api/v1"
	requestTimeout = 60 * time.Second
)

const (
	codeRouteNotFound    = "route_not_found"
	codeMethodNotAllowed = "method_not_allowed"
	codeNotImplemented   = "not_implemented"
)

// RouteRegistrar attaches a family of endpoints to the given router.
type RouteRegistrar func(r chi.Router)

// Option customises the router before it is assembled.
type Option func(*routerOptions)

type routerOptions struct {
	basePath string
	global   chi.Middlewares
	health   *HealthHandlers

	orderRoutes    RouteRegistrar
	orderChain     chi.Middlewares
	internalRoutes RouteRegistrar
	internalChain  chi.Middlewares
}

// groups lists the sub-trees mounted under the API base path.
func (o *routerOptions) groups() []routeGroup {
	return []routeGroup{
		{path: "/orders", name: "orders", routes: o.orderRoutes, chain: o.orderChain},
		{path: "/internal/orders", name: "internal", routes: o.internalRoutes, chain: o.internalChain},
	}
}

// routeGroup is one mounted sub-tree. A group with no registrar answers
// 501 on every path beneath it.
type routeGroup struct {
	path   string
	name   string
	routes RouteRegistrar
	chain  chi.Middlewares
}

func (g routeGroup) mount(api chi.Router) {
	api.Route(g.path, func(sub chi.Router) {
		useChain(sub, g.chain)
		if g.routes != nil {
			g.routes(sub)
			return
		}
		stub := notImplementedHandler(g.name)
		sub.HandleFunc("/*", stub)
		sub.HandleFunc("/", stub)
		sub.NotFound(stub)
		sub.MethodNotAllowed(stub)
	})
}

// NewRouter assembles the service router: health probes at the root,
// versioned route groups under the base path, and JSON envelopes for
// anything unmatched.
func NewRouter(opts ...Option) chi.Router {
	options := routerOptions{
		basePath: apiBasePath,
		global: chi.Middlewares{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(requestTimeout),
		},
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.health == nil {
		options.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	useChain(r, options.global)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeRouteError(w, req, codeRouteNotFound, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeRouteError(w, req, codeMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed)
	})

	r.Get("/healthz", options.health.Healthz)
	r.Get("/readyz", options.health.Readyz)

	r.Route(options.basePath, func(api chi.Router) {
		for _, group := range options.groups() {
			group.mount(api)
		}
	})

	return r
}

// WithMiddlewares appends middleware applied to every request.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(o *routerOptions) { o.global = append(o.global, mw...) }
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(o *routerOptions) { o.health = h }
}

// WithOrderRoutes sets the registrar for the order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(o *routerOptions) { o.orderRoutes = reg }
}

// WithOrderMiddlewares appends middleware scoped to the /orders group.
func WithOrderMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(o *routerOptions) { o.orderChain = append(o.orderChain, mw...) }
}

// WithInternalRoutes sets the registrar for the internal endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(o *routerOptions) { o.internalRoutes = reg }
}

// WithInternalMiddlewares appends middleware scoped to the
// /internal/orders group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(o *routerOptions) { o.internalChain = append(o.internalChain, mw...) }
}

// useChain registers every non-nil middleware on the router in order.
func useChain(r chi.Router, chain chi.Middlewares) {
	for _, mw := range chain {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func notImplementedHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeRouteError(w, req, codeNotImplemented, fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented)
	}
}

func writeRouteError(w http.ResponseWriter, req *http.Request, code, message string, status int) {
	httpx.WriteError(req.Context(), w, httpx.NewError(code, message, status))
}
