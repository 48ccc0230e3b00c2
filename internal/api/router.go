// Package api implements the thin control API surface: status/pause/
// resume, job inspection and retry, file tagging, processor config CRUD,
// queue-mode and approval-batch management, and cost forecasts. Handlers
// call into the catalog, broker and approval gate directly and perform no
// business logic of their own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/hbomb79/theapipe/pkg/logger"
)

var log = logger.Get("HTTP")

// RouterOptions configures where the router listens.
type RouterOptions struct {
	BindAddress string
}

type routerListener struct {
	path    string
	methods []string
	handler http.HandlerFunc
}

// Router collects routes before a single Start call builds and serves
// them.
type Router struct {
	Mux    *mux.Router
	routes []*routerListener
	server *http.Server
}

func NewRouter() *Router {
	return &Router{Mux: mux.NewRouter(), routes: make([]*routerListener, 0)}
}

// Use installs a mux middleware ahead of every route this router serves.
func (router *Router) Use(mw mux.MiddlewareFunc) { router.Mux.Use(mw) }

// CreateRoute registers a new listener. methods is a comma-separated HTTP
// method list, e.g. "GET,POST".
func (router *Router) CreateRoute(path string, methods string, handler http.HandlerFunc) {
	methods = strings.ReplaceAll(methods, " ", "")
	router.routes = append(router.routes, &routerListener{path, strings.Split(methods, ","), handler})
}

// Start builds every registered route on to the mux and begins serving.
// Blocks until the server stops (normally via Stop from another goroutine).
func (router *Router) Start(opts *RouterOptions) error {
	if err := validateOpts(opts); err != nil {
		return err
	}

	log.Emit(logger.NEW, "starting control API on %s\n", opts.BindAddress)
	router.buildRoutes()

	router.server = &http.Server{Addr: opts.BindAddress, Handler: trimTrailingSlashesMiddleware(router.Mux)}
	if err := router.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (router *Router) Stop() {
	if router.server == nil {
		log.Emit(logger.WARNING, "control API already closed\n")
		return
	}

	log.Emit(logger.STOP, "closing control API\n")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := router.server.Shutdown(ctx); err != nil {
		log.Emit(logger.ERROR, "control API shutdown: %v\n", err)
	}
}

func (router *Router) buildRoutes() {
	for _, route := range router.routes {
		log.Emit(logger.NEW, "registering route %s %v\n", route.path, route.methods)

		muxRoute := router.Mux.HandleFunc(route.path, route.handler)
		if len(route.methods) > 0 {
			muxRoute.Methods(route.methods...)
		}
	}
}

func validateOpts(opts *RouterOptions) error {
	if opts.BindAddress == "" {
		return errors.New("router options must specify a BindAddress")
	}

	return nil
}

func trimTrailingSlashesMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) > 1 && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Emit(logger.ERROR, "encoding response: %v\n", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
