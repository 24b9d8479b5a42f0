// Package server wires HTTP handlers into a router for the chat service.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures and returns the application router: the health
// check and the WebSocket chat endpoint.
func SetupRoutes(hub *Hub) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/chat", ChatHandler(hub))
	return r
}
