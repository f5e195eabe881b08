package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hezzy93/library-app-1/internal/middleware"
)

// Routes is implemented by AdminHandler and UserHandler.
type Routes interface {
	Register(r *mux.Router)
}

// NewRouter mounts h behind recovery and request logging, plus rate
// limiting when limiter is non-nil.
func NewRouter(h Routes, limiter middleware.Limiter, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recovery(logger), middleware.Logging(logger))
	if limiter != nil {
		r.Use(middleware.RateLimit(limiter, logger))
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		(&base{logger: logger}).writeErrorResponse(w, http.StatusNotFound, "not_found", "Not Found")
	})
	h.Register(r)
	return r
}
