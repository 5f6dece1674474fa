package calibflow

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LiveView is the payload of GET /live.
type LiveView struct {
	State    RunState               `json:"state"`
	Faults   map[Device]FaultRecord `json:"faults"`
	Channels []ChannelSpec          `json:"channels"`
	Samples  []*Sample              `json:"samples"`
}

// Handler serves the live display, run control, the run journal and the
// Prometheus metrics.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /live", r.handleLive)
	mux.HandleFunc("POST /run/start", r.handleStart)
	mux.HandleFunc("POST /run/stop", r.handleStop)
	mux.HandleFunc("GET /runs", r.handleRuns)
	return mux
}

// handleLive returns the live buffer. ?since=N keeps only cycles >= N so a
// polling display can fetch just what it has not drawn yet.
func (r *Runtime) handleLive(w http.ResponseWriter, req *http.Request) {
	samples := r.Live()
	if raw := req.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "since must be a cycle index", http.StatusBadRequest)
			return
		}
		i := 0
		for i < len(samples) && samples[i].CycleIndex < since {
			i++
		}
		samples = samples[i:]
	}
	if samples == nil {
		samples = []*Sample{}
	}
	writeJSON(w, http.StatusOK, LiveView{
		State:    r.State(),
		Faults:   r.Faults(),
		Channels: r.ctl.Channels(),
		Samples:  samples,
	})
}

func (r *Runtime) handleStart(w http.ResponseWriter, _ *http.Request) {
	// the run outlives the request
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := r.StartRun(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, r.State())
	case errors.Is(err, ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrConfiguration):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (r *Runtime) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := r.StopRun(); err != nil {
		if errors.Is(err, ErrNotRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, r.State())
}

func (r *Runtime) handleRuns(w http.ResponseWriter, _ *http.Request) {
	runs, err := r.Runs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}
