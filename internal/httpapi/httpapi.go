// Package httpapi mounts the bridge's HTTP control surface: the minimum
// contract spec.md §6 requires from the serving layer, plus the
// supplemented artwork cache and command audit trail endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/muse-bridge/bridge/internal/artwork"
	"github.com/muse-bridge/bridge/internal/commandlog"
	"github.com/muse-bridge/bridge/internal/coordinator"
	"github.com/muse-bridge/bridge/internal/events"
	xglog "github.com/muse-bridge/bridge/internal/log"
	"github.com/muse-bridge/bridge/internal/mcp"
	"github.com/muse-bridge/bridge/internal/sse"
	"github.com/muse-bridge/bridge/internal/zone"
)

// errorKind is the wire form of spec.md §7's error taxonomy.
type errorKind string

const (
	errNotConfigured        errorKind = "NotConfigured"
	errAdapterNotAvailable  errorKind = "AdapterNotAvailable"
	errUnknownZone          errorKind = "UnknownZone"
	errTimeout              errorKind = "Timeout"
	errProtocolError        errorKind = "ProtocolError"
	errInternal             errorKind = "Internal"
)

// Deps are the components the HTTP layer delegates to. ArtworkCache and
// CommandLog are optional: their routes answer 501 when nil.
type Deps struct {
	Aggregator  *zone.Aggregator
	Coordinator *coordinator.Coordinator
	MCP         *mcp.Dispatcher
	ArtworkCache *artwork.Cache
	CommandLog  *commandlog.Log

	RateLimitRPS   int
	RateLimitBurst int
}

// NewRouter builds the chi router mounting every route spec.md §6 and
// SPEC_FULL.md's supplemented features require.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(otelHTTP("muse-bridge"))
	r.Use(xglog.Middleware())

	r.Get("/healthz", handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/zones", handleZones(deps.Aggregator))
	r.Get("/now_playing", handleNowPlaying(deps.Aggregator))

	controlLimit := deps.RateLimitRPS
	if controlLimit <= 0 {
		controlLimit = 10
	}
	r.With(httprate.LimitByIP(controlLimit, time.Second)).Post("/control", handleControl(deps.Coordinator, deps.CommandLog))

	r.Get("/events", handleEvents(deps.Coordinator))

	r.With(httprate.LimitByIP(controlLimit, time.Second)).Post("/mcp", handleMCP(deps.MCP))

	r.Get("/artwork/{key}", handleArtwork(deps.ArtworkCache))
	r.Get("/commands/recent", handleCommandsRecent(deps.CommandLog))

	return r
}

// otelHTTP wraps the router in request-level tracing, mirroring the
// teacher's internal/api/middleware.OTelHTTP: spans for every request,
// skipping the noisy health/metrics endpoints, against whatever
// TracerProvider internal/telemetry installed (noop when disabled).
func otelHTTP(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithFilter(shouldTraceRequest),
		)
	}
}

func shouldTraceRequest(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return false
	default:
		return true
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleZones(agg *zone.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, agg.GetZones())
	}
}

func handleNowPlaying(agg *zone.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zoneID := r.URL.Query().Get("zone_id")
		if zoneID == "" {
			writeError(w, http.StatusBadRequest, errUnknownZone, "zone_id is required")
			return
		}
		z, ok := agg.GetZone(zoneID)
		if !ok {
			writeError(w, http.StatusNotFound, errUnknownZone, "no such zone")
			return
		}
		writeJSON(w, http.StatusOK, z.NowPlaying)
	}
}

type controlRequest struct {
	ZoneID string        `json:"zone_id"`
	Action events.Action `json:"action"`
	Value  float64       `json:"value,omitempty"`
	Query  string        `json:"query,omitempty"`
}

func handleControl(c *coordinator.Coordinator, log *commandlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errUnknownZone, "malformed request body")
			return
		}

		start := time.Now()
		resp, err := c.Route(r.Context(), req.ZoneID, events.Command{
			Action: req.Action, Value: req.Value, Query: req.Query,
		})
		latency := time.Since(start)

		if log != nil {
			entry := commandlog.Entry{
				ZoneID:    req.ZoneID,
				Action:    string(req.Action),
				OK:        err == nil,
				LatencyMS: latency.Milliseconds(),
			}
			if err != nil {
				entry.Error = err.Error()
			}
			_ = log.Record(r.Context(), entry)
		}

		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownZone):
		writeError(w, http.StatusBadRequest, errUnknownZone, err.Error())
	case errors.Is(err, coordinator.ErrAdapterNotAvailable):
		writeError(w, http.StatusServiceUnavailable, errAdapterNotAvailable, err.Error())
	case errors.Is(err, coordinator.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, errTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, errProtocolError, err.Error())
	}
}

// handleMCP is the Model Context Protocol command surface spec.md §9
// requires: an AI assistant posts a tool call, it's correlated through the
// bus via the Dispatcher, and the coordinator's Route outcome comes back as
// the HTTP response. 501 when no Dispatcher is wired.
func handleMCP(d *mcp.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d == nil {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errUnknownZone, "malformed request body")
			return
		}
		resp, err := d.Dispatch(r.Context(), req.ZoneID, events.Command{
			Action: req.Action, Value: req.Value, Query: req.Query,
		})
		if err != nil {
			if errors.Is(err, mcp.ErrCorrelationTimeout) {
				writeError(w, http.StatusGatewayTimeout, errTimeout, err.Error())
				return
			}
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleEvents(c *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sse.ServeHTTP(w, r, c.Bus)
	}
}

func handleArtwork(cache *artwork.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cache == nil {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		key := chi.URLParam(r, "key")
		data, err := cache.Get(r.Context(), key)
		if errors.Is(err, artwork.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, errInternal, err.Error())
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		_, _ = w.Write(data)
	}
}

func handleCommandsRecent(log *commandlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if log == nil {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		entries, err := log.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, errInternal, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind errorKind, detail string) {
	writeJSON(w, status, map[string]string{"error": string(kind), "detail": detail})
}
