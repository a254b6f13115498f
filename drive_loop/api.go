package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
)

type statusResponse struct {
	State         string  `json:"state"`
	Enabled       bool    `json:"enabled"`
	Reversed      bool    `json:"reversed"`
	LowGear       bool    `json:"low_gear"`
	HeadingLock   bool    `json:"heading_lock"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Heading       float64 `json:"heading"`
	PendingGroups int     `json:"pending_groups"`
	PathFinished  bool    `json:"path_finished"`
}

// newRouter serves health, status, metrics and an operator stop.
func (r *Runner) newRouter() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", r.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/status", r.statusHandler).Methods(http.MethodGet)
	router.HandleFunc("/stop", r.stopHandler).Methods(http.MethodPost)
	router.Handle("/metrics", r.metrics.Handler()).Methods(http.MethodGet)

	access := r.log.Named("http").StandardWriter(&hclog.StandardLoggerOptions{ForceLevel: hclog.Debug})
	return handlers.LoggingHandler(access, router)
}

func (r *Runner) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Runner) statusHandler(w http.ResponseWriter, _ *http.Request) {
	s := r.ctrl.Settings()
	p := r.pose.LatestPose()
	writeJSON(w, http.StatusOK, statusResponse{
		State:         r.ctrl.State().String(),
		Enabled:       s.Enabled,
		Reversed:      s.Reversed,
		LowGear:       s.LowGear,
		HeadingLock:   s.HeadingLock,
		X:             p.Position.X,
		Y:             p.Position.Y,
		Heading:       p.Heading,
		PendingGroups: r.sched.Pending(),
		PathFinished:  r.ctrl.IsFinishedPath(),
	})
}

// stopHandler abandons any path and disables the drive until restart.
func (r *Runner) stopHandler(w http.ResponseWriter, _ *http.Request) {
	r.ctrl.Stop()
	r.ctrl.SetEnabled(false)
	r.log.Warn("drive disabled by operator request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
