// Package server exposes the relay over HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

// Options configures the HTTP surface.
type Options struct {
	// AllowedOrigins restricts browser upgrades to these origins. Empty
	// allows every origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewHandler returns the relay's routes:
//
//	/ws      websocket upgrade, query: id, name, codec
//	/health  liveness
//	/users   presence snapshot as JSON
func NewHandler(hub *signaling.Hub, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthCheckHandler)
	mux.HandleFunc("GET /users", usersHandler(hub))
	mux.HandleFunc("/ws", ServeWs(hub, opts))
	return mux
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

func usersHandler(hub *signaling.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users := hub.Presence()
		if users == nil {
			users = []protocol.User{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(users)
	}
}

// ServeWs returns an http.HandlerFunc that upgrades the request and hands
// the connection to hub.
func ServeWs(hub *signaling.Hub, opts Options) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}
	log := opts.Logger

	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		codec, err := protocol.CodecByName(query.Get("codec"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
			return
		}

		client := signaling.NewClient(hub, conn, codec, signaling.ConnectRequest{
			Identity:    query.Get("id"),
			DisplayName: query.Get("name"),
		})
		if !hub.Register(client) {
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed = lo.Map(allowed, func(o string, _ int) string {
		return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
	})
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no origin.
		if origin == "" {
			return true
		}
		return lo.Contains(allowed, strings.ToLower(origin))
	}
}
