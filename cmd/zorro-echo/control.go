package main

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zlog"
)

// startControlSurface runs a small gorilla/mux-routed HTTP server alongside
// the echo listener, letting an operator probe liveness and request an
// orderly shutdown without signals. It runs on its own goroutine outside the
// Hub entirely — it never touches Hub-owned state directly, only calling
// the thread-safe Hub.Stop.
func startControlSurface(h *hub.Hub, logger *zlog.Logger, addr string, port int) {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods("GET")
	router.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		h.Stop()
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintln(w, "stopping")
	}).Methods("POST")

	listenAddr := fmt.Sprintf("%s:%d", addr, port)
	go func() {
		logger.Infof("control surface listening on %s", listenAddr)
		if err := http.ListenAndServe(listenAddr, router); err != nil {
			logger.Errorf("control surface: %v", err)
		}
	}()
}
