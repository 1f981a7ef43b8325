// Package opsserver exposes the operator-facing HTTP surface: liveness and
// readiness probes, Prometheus scraping, and a debug snapshot of every
// monitor's internal state. It deliberately has no routes for task intake or
// project administration — those belong to an external collaborator, not to
// this core.
package opsserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/circuitbreaker"
	"github.com/trafficcontrol/trafficcontrol/internal/config"
	"github.com/trafficcontrol/trafficcontrol/internal/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/internal/domain"
	"github.com/trafficcontrol/trafficcontrol/internal/productivity"
	"github.com/trafficcontrol/trafficcontrol/internal/spend"
)

// EventSinkHealth is implemented by the event sink in use (eventbus.Bus) so
// this package never needs to import franz-go directly.
type EventSinkHealth interface {
	Health() map[string]any
}

// Deps are the collaborators whose state the debug snapshot reports. Every
// field is optional; a nil collaborator is simply omitted from the snapshot.
type Deps struct {
	Breakers     *circuitbreaker.Manager
	Spend        *spend.Monitor
	Productivity *productivity.Monitor
	DBHealth     *dbhealth.Monitor
	Capacity     capacity.Tracker
	Events       EventSinkHealth

	// DBPing probes the persistence pool for readiness; nil skips the check.
	DBPing func(ctx context.Context) error
}

// ParseOrigins splits a comma-separated origin list, trimming spaces. An
// empty or "*" input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// NewRouter builds the ops HTTP handler: health, readiness, metrics, and the
// debug snapshot, behind the same middleware stack the dashboard collaborator
// would expect from a TrafficControl-family service.
func NewRouter(cfg config.Config, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer())
	r.Use(middleware.RequestID)
	r.Use(timeoutMiddleware(10 * time.Second))
	r.Use(accessLog())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Get("/debug/snapshot", snapshotHandler(deps))
	})

	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(deps))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return securityHeaders(r)
}

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func readyzHandler(deps Deps) http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		var checks []check
		ok := true
		if deps.DBPing != nil {
			if err := deps.DBPing(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if deps.DBHealth != nil && deps.DBHealth.IsDegraded() {
			checks = append(checks, check{Name: "db_health_monitor", OK: false, Details: "degraded"})
			ok = false
		}

		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}

// snapshotHandler reports every monitor's current internal state in one
// response, for the dashboard collaborator and for on-call debugging.
func snapshotHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		out := map[string]any{}

		if deps.Breakers != nil {
			breakerStates := map[string]string{}
			for _, m := range []domain.Model{domain.ModelOpus, domain.ModelSonnet, domain.ModelHaiku} {
				breakerStates[string(m)] = deps.Breakers.Get(m).State().String()
			}
			out["circuit_breakers"] = breakerStates
		}
		if deps.Spend != nil {
			out["spend_24h_usd"] = deps.Spend.GetSpendInWindow(24 * time.Hour)
		}
		if deps.Productivity != nil {
			out["productivity"] = deps.Productivity.Stats()
		}
		if deps.DBHealth != nil {
			out["db_degraded"] = deps.DBHealth.IsDegraded()
		}
		if deps.Capacity != nil {
			snap, err := deps.Capacity.Snapshot(ctx)
			if err == nil {
				out["capacity"] = snap
			}
		}
		if deps.Events != nil {
			out["event_sink"] = deps.Events.Health()
		}

		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, http.StatusText(http.StatusGatewayTimeout))
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func accessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			slog.LogAttrs(r.Context(), slog.LevelInfo, "ops_access",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
