package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all relay routes.
func SetupRoutes(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/stats", h.StatsHandler)
	mux.HandleFunc("/ws", h.WebSocketHandler)
	mux.HandleFunc("/test", h.TestPageHandler)
	return mux
}
