package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/config"
	"github.com/orchestra/workload-orchestrator/pkg/gitstate"
	"github.com/orchestra/workload-orchestrator/pkg/observability"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// statusHTTPServer exposes the Prometheus /metrics handler and a small JSON
// /status summary on one listener, the "doctor/status HTTP surface" a
// running `orc run` supervisor serves so an operator or a dashboard doesn't
// need a subprocess exec to see pool occupancy (§4.12).
type statusHTTPServer struct {
	srv *http.Server
}

// startStatusHTTPServer starts listening if cfg.Observability.Metrics is
// enabled; otherwise it returns nil and the caller runs without an HTTP
// surface, matching the ambient observability stack's opt-in default.
func startStatusHTTPServer(cli *CLI, cfg *config.Config, obs *observability.Manager) *statusHTTPServer {
	if !cfg.Observability.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(obs.MetricsEndpoint(), obs.MetricsHandler())
	statusHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatusJSON(w, cli)
	})
	// /status itself gets traced and timed like any other request this
	// surface serves, via the same middleware the teacher wraps its own
	// HTTP handlers in; /metrics is left unwrapped so scraping it doesn't
	// recursively generate the metric it's about to report.
	mux.Handle("/status", observability.HTTPMiddleware(obs.Tracer(), obs.Metrics())(statusHandler))

	srv := &http.Server{Addr: cfg.Observability.Metrics.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("run: status http server failed", "error", err)
		}
	}()
	slog.Info("run: status http server listening", "addr", cfg.Observability.Metrics.Addr, "metrics_path", obs.MetricsEndpoint())
	return &statusHTTPServer{srv: srv}
}

func (s *statusHTTPServer) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type httpWorkerStatus struct {
	Dir   string `json:"dir"`
	Task  string `json:"task"`
	State string `json:"state"`
	Live  bool   `json:"live"`
}

// writeStatusJSON mirrors StatusCmd's worker listing as JSON for /status.
func writeStatusJSON(w http.ResponseWriter, cli *CLI) {
	root := filepath.Join(cli.RalphDir, "workers")
	entries, err := os.ReadDir(root)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"workers": []httpWorkerStatus{}, "generated_at": time.Now().UTC()})
		return
	}

	statuses := make([]httpWorkerStatus, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := workerdir.Open(filepath.Join(root, e.Name()))
		st, err := gitstate.New(dir.GitStatePath(), 0).GetState()
		state := "unknown"
		if err == nil {
			state = st.CurrentState
		}
		statuses = append(statuses, httpWorkerStatus{
			Dir:   e.Name(),
			Task:  dir.TaskID(),
			State: state,
			Live:  dir.HasLiveAgent(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"workers": statuses, "generated_at": time.Now().UTC()})
}
