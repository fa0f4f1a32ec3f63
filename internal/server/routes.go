// Package server wires HTTP handlers into a ServeMux for the relaychat
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// Routes configures and returns an HTTP ServeMux with all application routes.
// /stats is readable cross-origin from the configured allowed origins.
func (s *Server) Routes() *http.ServeMux {
	statsCORS := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/test", s.TestPageHandler)
	mux.Handle("/stats", statsCORS.Handler(http.HandlerFunc(s.StatsHandler)))
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}
