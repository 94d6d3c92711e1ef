package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/p-n-ai/relay-bot/internal/platform/metrics"
	"github.com/p-n-ai/relay-bot/internal/quota"
	"github.com/p-n-ai/relay-bot/internal/report"
)

const readinessTimeout = 2 * time.Second

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

// serverDeps are the collaborators of the HTTP surface. Nil fields disable
// the routes that need them.
type serverDeps struct {
	store     *quota.Store
	checks    []readinessCheck
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	ws        http.Handler
	limits    report.Options
	adminHash []byte // bcrypt hash of the admin bearer token
}

// newMux creates the HTTP router.
func newMux(d serverDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /readyz", d.metrics.Middleware("/readyz", handleReadyz(d.checks)))

	if d.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	}
	if d.ws != nil {
		mux.Handle("GET /ws", d.ws)
	}
	if d.store != nil && len(d.adminHash) > 0 {
		auth := requireAdmin(d.adminHash)
		mux.Handle("GET /admin/users/{id}", d.metrics.Middleware("/admin/users/{id}", auth(handleAdminUser(d.store))))
		mux.Handle("GET /admin/usage.xlsx", d.metrics.Middleware("/admin/usage.xlsx", auth(handleUsageReport(d.store, d.limits))))
	}
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func handleReadyz(checks []readinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				slog.Warn("readiness check failed", "check", c.name, "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"check":  c.name,
				})
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}

// requireAdmin checks the bearer token against hash.
func requireAdmin(hash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
				return
			}
			if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type userUsage struct {
	UserID         string    `json:"user_id"`
	TextCount      int       `json:"count"`
	ImageCount     int       `json:"image_count"`
	LastTextReset  time.Time `json:"last_reset"`
	LastImageReset time.Time `json:"last_image_reset"`
	TextResetsIn   string    `json:"text_resets_in"`
	ImageResetsIn  string    `json:"image_resets_in"`
}

func handleAdminUser(store *quota.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		rec, ok := store.Get(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown user"})
			return
		}
		writeJSON(w, http.StatusOK, userUsage{
			UserID:         id,
			TextCount:      rec.TextCount,
			ImageCount:     rec.ImageCount,
			LastTextReset:  rec.LastTextReset,
			LastImageReset: rec.LastImageReset,
			TextResetsIn:   quota.FormatWait(store.TimeUntilReset(id, quota.CapabilityText)),
			ImageResetsIn:  quota.FormatWait(store.TimeUntilReset(id, quota.CapabilityImage)),
		})
	}
}

func handleUsageReport(store *quota.Store, limits report.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := report.WriteXLSX(&buf, store.Snapshot(), limits); err != nil {
			slog.Error("usage report failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "report failed"})
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="usage.xlsx"`)
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}
