// Package api is the HTTP control surface of pushd.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
	"github.com/SuicidePanda1738/kismet-webui/internal/inventory"
	"github.com/SuicidePanda1738/kismet-webui/internal/supervisor"
)

// Controller is the supervisor surface the API drives.
type Controller interface {
	Status(ctx context.Context) ([]supervisor.AgentStatus, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Reconcile(ctx context.Context) (supervisor.Report, error)
	Cleanup(ctx context.Context) (supervisor.CleanupReport, error)
}

type Devices interface {
	Enumerate(ctx context.Context, classes ...inventory.Class) inventory.Result
	Probe(ctx context.Context, c inventory.Class, iface string) inventory.ProbeResult
}

// AgentLogs serves the tail of an agent's output log.
type AgentLogs interface {
	TailLog(name string, n int) ([]string, error)
}

// Deps are the collaborators behind the routes. Devices and Logs may be nil.
type Deps struct {
	Controller Controller
	Devices    Devices
	Logs       AgentLogs
	Log        zerolog.Logger
}

type StatusResponse struct {
	Time   time.Time                `json:"time"`
	Agents []supervisor.AgentStatus `json:"agents"`
}

type LogsResponse struct {
	Agent string   `json:"agent"`
	Lines []string `json:"lines"`
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// Handler wires the routes.
func Handler(d Deps) http.Handler {
	ctl, devices, log := d.Controller, d.Devices, d.Log
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		agents, err := ctl.Status(r.Context())
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{Time: time.Now().UTC(), Agents: agents})
	})

	// /api/agents/<name>/{start,stop,log}
	mux.HandleFunc("/api/agents/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
		i := strings.LastIndexByte(rest, '/')
		if i <= 0 {
			http.NotFound(w, r)
			return
		}
		name, action := rest[:i], rest[i+1:]

		if action == "log" {
			if !allow(w, r, http.MethodGet) {
				return
			}
			serveLog(w, r, d.Logs, name, log)
			return
		}
		if !allow(w, r, http.MethodPost) {
			return
		}

		var err error
		switch action {
		case "start":
			err = ctl.Start(r.Context(), name)
		case "stop":
			err = ctl.Stop(r.Context(), name)
		default:
			http.NotFound(w, r)
			return
		}
		if err != nil {
			writeError(w, log, err)
			return
		}
		log.Info().Str("agent", name).Str("action", action).Msg("operator command")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agent": name, "action": action})
	})

	mux.HandleFunc("/api/reconcile", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		rep, err := ctl.Reconcile(r.Context())
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	mux.HandleFunc("/api/cleanup", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		rep, err := ctl.Cleanup(r.Context())
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	mux.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		if devices == nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "device inventory unavailable"})
			return
		}
		var classes []inventory.Class
		if t := r.URL.Query().Get("type"); t != "" {
			c, err := inventory.ParseClass(t)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
				return
			}
			classes = append(classes, c)
		}
		writeJSON(w, http.StatusOK, devices.Enumerate(r.Context(), classes...))
	})

	mux.HandleFunc("/api/devices/probe", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		if devices == nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "device inventory unavailable"})
			return
		}
		q := r.URL.Query()
		c, err := inventory.ParseClass(q.Get("type"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		iface := strings.TrimSpace(q.Get("iface"))
		if iface == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "iface is required"})
			return
		}
		writeJSON(w, http.StatusOK, devices.Probe(r.Context(), c, iface))
	})

	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve runs the API until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Stop can take stop_grace + kill_wait.
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func serveLog(w http.ResponseWriter, r *http.Request, logs AgentLogs, name string, log zerolog.Logger) {
	if logs == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "agent logs unavailable"})
		return
	}
	tail := 200
	if s := strings.TrimSpace(r.URL.Query().Get("tail")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > 5000 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "tail must be an integer in [1,5000]"})
			return
		}
		tail = v
	}
	lines, err := logs.TailLog(name, tail)
	if err != nil {
		writeError(w, log, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, LogsResponse{Agent: name, Lines: lines})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// statusFor maps supervisor errors to HTTP status codes.
func statusFor(err error) int {
	var cfgErr *config.ConfigurationError
	switch {
	case errors.Is(err, supervisor.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, supervisor.ErrDisabled):
		return http.StatusConflict
	case errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}
	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		body.Field = cfgErr.Field
	}
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("api request failed")
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
