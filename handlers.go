package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func newHandler(h *hub, origin string) http.Handler {
	handler := mux.NewRouter()

	handler.Methods("GET").Path("/healthz").Handler(healthHandler{h: h})
	handler.Methods("GET").Path("/metrics").Handler(
		promhttp.HandlerFor(newPromRegistry(m.reg), promhttp.HandlerOpts{}))

	// Route websocket requests
	handler.NewRoute().HeadersRegexp(
		// Requests with these headers will use this handler
		"Connection", "(?i)upgrade",
		"Upgrade", "(?i)websocket",
	).Handler(newWsHandler(h, origin))

	handler.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendBadRequestError(w, "Expected a websocket upgrade.")
	})
	return handler
}

type wsHandler struct {
	h        *hub
	upgrader *websocket.Upgrader
}

func newWsHandler(h *hub, origin string) wsHandler {
	upgrader := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	switch origin {
	case "":
		// gorilla's same-origin check
	case "*":
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	default:
		upgrader.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || o == origin
		}
	}
	return wsHandler{h: h, upgrader: upgrader}
}

func (wsh wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := wsh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	wsh.h.serve(websocketInteractor{ws: ws})
}

type healthHandler struct {
	h *hub
}

func (hh healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Channels    int    `json:"channels"`
		Connections int64  `json:"connections"`
		Listeners   int    `json:"listeners"`
	}{"ok", hh.h.registry.size(), hh.h.connections.Load(), hh.h.pool.size()})
}

func sendBadRequestError(w http.ResponseWriter, str string) {
	http.Error(w,
		fmt.Sprintf("Error: bad request. %s", str),
		http.StatusBadRequest)
}
