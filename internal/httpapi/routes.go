package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter creates a new HTTP router.
func NewRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(LoggingMiddleware)
	router.Use(RecoveryMiddleware)

	router.HandleFunc("/api/status", handler.HandleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/board", handler.HandleBoardStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/tools", handler.HandleTools).Methods(http.MethodGet)
	router.HandleFunc("/api/wake", handler.HandleWake).Methods(http.MethodPost)
	router.HandleFunc("/api/toggle", handler.HandleToggle).Methods(http.MethodPost)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return router
}
