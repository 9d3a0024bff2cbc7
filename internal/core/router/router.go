// Package router exposes the proxy's HTTP surface: cache-first terrain,
// weather and equipment lookups, the offline dataset, cache management and
// agent diagnostics.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/agent"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/cache/manager"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/model"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/observability"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/protocol"
)

// defaultGridSize is used when the viewer does not ask for a specific
// sampling resolution.
var defaultGridSize = model.GridSize{Width: 64, Height: 64}

// maxGridDim bounds requested grids; anything larger is a typo or abuse.
const maxGridDim = 1024

// AgentCaller is the slice of the agent client the handlers need.
type AgentCaller interface {
	CallHillMetricsAgent(ctx context.Context, req agent.HillMetricsRequest) (*agent.HillMetricsResponse, error)
	CallWeatherAgent(ctx context.Context, req agent.WeatherRequest) (*agent.WeatherResponse, error)
	CallEquipmentAgent(ctx context.Context, req agent.EquipmentRequest) (*agent.EquipmentResponse, error)
	HealthCheck(ctx context.Context, name model.AgentName) agent.HealthStatus
	DiscoverCapabilities(ctx context.Context, name model.AgentName) (*agent.Info, error)
	BatchRequest(ctx context.Context, req agent.BatchRequest) (*agent.BatchResponse, error)
}

type Handler struct {
	cache  *manager.Manager
	agents AgentCaller
	logger *slog.Logger
}

func New(cache *manager.Manager, agents AgentCaller, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cache: cache, agents: agents, logger: logger}
}

func (h *Handler) Routes(r chi.Router) {
	r.Put("/runs/{runID}", h.instrument("/runs/{runID}", h.putRun))
	r.Get("/runs/{runID}", h.instrument("/runs/{runID}", h.getRun))
	r.Get("/runs/{runID}/terrain", h.instrument("/runs/{runID}/terrain", h.getTerrain))
	r.Get("/runs/{runID}/offline", h.instrument("/runs/{runID}/offline", h.getOffline))
	r.Get("/areas/{areaID}/weather", h.instrument("/areas/{areaID}/weather", h.getWeather))
	r.Get("/areas/{areaID}/equipment", h.instrument("/areas/{areaID}/equipment", h.getEquipment))
	r.Get("/cache/stats", h.instrument("/cache/stats", h.getCacheStats))
	r.Delete("/cache", h.instrument("/cache", h.deleteCache))
	r.Get("/agents/health", h.instrument("/agents/health", h.getAgentHealth))
	r.Get("/agents/{agent}/capabilities", h.instrument("/agents/{agent}/capabilities", h.getCapabilities))
	r.Post("/agents/batch", h.instrument("/agents/batch", h.postBatch))
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		fn(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAgentError maps an agent failure onto an HTTP status.
func writeAgentError(w http.ResponseWriter, err error) {
	var aerr *agent.Error
	if errors.As(err, &aerr) {
		switch aerr.Cause.Code {
		case protocol.CodeInvalidParams, protocol.CodeInvalidRequest:
			writeError(w, http.StatusBadRequest, aerr.Error())
		case protocol.CodeDataNotFound:
			writeError(w, http.StatusNotFound, aerr.Error())
		case protocol.CodeTimeout:
			writeError(w, http.StatusGatewayTimeout, aerr.Error())
		default:
			writeError(w, http.StatusBadGateway, aerr.Error())
		}
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func parseGridSize(r *http.Request) (model.GridSize, error) {
	size := defaultGridSize
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("width")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return model.GridSize{}, errors.New("width must be an integer")
		}
		size.Width = n
	}
	if v := strings.TrimSpace(q.Get("height")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return model.GridSize{}, errors.New("height must be an integer")
		}
		size.Height = n
	}
	if !size.Valid() || size.Width > maxGridDim || size.Height > maxGridDim {
		return model.GridSize{}, errors.New("grid size out of range")
	}
	return size, nil
}

func (h *Handler) putRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var run model.RunDefinition
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run definition: "+err.Error())
		return
	}
	if run.ID == "" {
		run.ID = runID
	}
	if run.ID != runID {
		writeError(w, http.StatusBadRequest, "run id in body does not match path")
		return
	}
	h.cache.CacheRunDefinition(r.Context(), run)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run := h.cache.GetCachedRunDefinition(r.Context(), runID)
	if run == nil {
		writeError(w, http.StatusNotFound, "run not cached")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type terrainResponse struct {
	Source  string                  `json:"source"` // cache, agent
	Grid    *model.TerrainGrid      `json:"grid,omitempty"`
	Metrics *agent.HillMetrics      `json:"metrics,omitempty"`
	Meta    *agent.ResponseMetadata `json:"metadata,omitempty"`
}

// getTerrain is the cache-first terrain lookup. A cached grid is served as
// is; a miss drives the hill-metrics agent and caches what comes back.
func (h *Handler) getTerrain(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	size, err := parseGridSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	if grid := h.cache.GetCachedTerrainData(ctx, runID, size); grid != nil {
		writeJSON(w, http.StatusOK, terrainResponse{Source: "cache", Grid: grid})
		return
	}

	resp, err := h.agents.CallHillMetricsAgent(ctx, agent.HillMetricsRequest{
		RunID:           runID,
		GridSize:        size,
		IncludeAnalysis: true,
	})
	if err != nil {
		writeAgentError(w, err)
		return
	}
	if resp.Grid != nil {
		h.cache.CacheTerrainData(ctx, *resp.Grid)
	}
	if raw, merr := json.Marshal(resp.Metrics); merr == nil {
		h.cache.CacheAgentResponse(ctx, model.AgentTerrainMetrics, runID, raw)
	}
	writeJSON(w, http.StatusOK, terrainResponse{
		Source:  "agent",
		Grid:    resp.Grid,
		Metrics: &resp.Metrics,
		Meta:    &resp.Metadata,
	})
}

type offlineResponse struct {
	Available bool                `json:"available"`
	Data      manager.OfflineData `json:"data"`
}

func (h *Handler) getOffline(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	size, err := parseGridSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	writeJSON(w, http.StatusOK, offlineResponse{
		Available: h.cache.IsOfflineModeAvailable(ctx, runID, size),
		Data:      h.cache.GetOfflineData(ctx, runID, size),
	})
}

func (h *Handler) getWeather(w http.ResponseWriter, r *http.Request) {
	areaID := chi.URLParam(r, "areaID")
	ctx := r.Context()

	if raw := h.cache.GetCachedAgentResponse(ctx, model.AgentWeather, areaID); raw != nil {
		w.Header().Set("X-Cache", "hit")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
		return
	}

	hours := 0
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	resp, err := h.agents.CallWeatherAgent(ctx, agent.WeatherRequest{AreaID: areaID, Hours: hours})
	if err != nil {
		writeAgentError(w, err)
		return
	}
	// fallback responses are served but not cached: they would mask the
	// agent's recovery for a full TTL
	if resp.Metadata.Source != agent.SourceFallback {
		if raw, merr := json.Marshal(resp); merr == nil {
			h.cache.CacheAgentResponse(ctx, model.AgentWeather, areaID, raw)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getEquipment(w http.ResponseWriter, r *http.Request) {
	areaID := chi.URLParam(r, "areaID")
	ctx := r.Context()

	if raw := h.cache.GetCachedAgentResponse(ctx, model.AgentEquipment, areaID); raw != nil {
		w.Header().Set("X-Cache", "hit")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
		return
	}

	resp, err := h.agents.CallEquipmentAgent(ctx, agent.EquipmentRequest{AreaID: areaID})
	if err != nil {
		writeAgentError(w, err)
		return
	}
	if raw, merr := json.Marshal(resp); merr == nil {
		h.cache.CacheAgentResponse(ctx, model.AgentEquipment, areaID, raw)
	}
	writeJSON(w, http.StatusOK, resp)
}

type cacheStats struct {
	Terrain int `json:"terrain"`
	Runs    int `json:"runs"`
	Agents  int `json:"agents"`
}

func (h *Handler) getCacheStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, cacheStats{
		Terrain: h.cache.TerrainCacheSize(ctx),
		Runs:    h.cache.RunCacheSize(ctx),
		Agents:  h.cache.AgentCacheSize(ctx),
	})
}

func (h *Handler) deleteCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.ClearCache(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getAgentHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names := model.AgentNames()
	out := make([]agent.HealthStatus, len(names))

	type indexed struct {
		i  int
		hs agent.HealthStatus
	}
	ch := make(chan indexed, len(names))
	for i, name := range names {
		go func(i int, name model.AgentName) {
			ch <- indexed{i: i, hs: h.agents.HealthCheck(ctx, name)}
		}(i, name)
	}
	for range names {
		r := <-ch
		out[r.i] = r.hs
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getCapabilities(w http.ResponseWriter, r *http.Request) {
	name := model.AgentName(chi.URLParam(r, "agent"))
	info, err := h.agents.DiscoverCapabilities(r.Context(), name)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) postBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items         []agent.BatchItem `json:"items"`
		Parallel      bool              `json:"parallel"`
		AllowFailures bool              `json:"allowFailures"`
		TimeoutMs     int               `json:"timeoutMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch request: "+err.Error())
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "batch has no items")
		return
	}

	resp, err := h.agents.BatchRequest(r.Context(), agent.BatchRequest{
		Items:         req.Items,
		Parallel:      req.Parallel,
		AllowFailures: req.AllowFailures,
		Timeout:       time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil && resp == nil {
		writeAgentError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		// fail-fast batches surface the aggregate with a failure status
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}
