// Package agent implements the RPC client for the remote computation
// agents. Each logical call drives the protocol codec and the retry
// policy against the agent's configured endpoint; the weather agent may
// fall back to static data when it stays unreachable.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/config"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/model"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/observability"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/geo"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/protocol"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/retry"
)

// maxResponseBody caps agent response bodies (8 MiB covers the largest
// terrain grids with room to spare).
const maxResponseBody = 8 << 20

// Agent method names.
const (
	methodHillMetrics = "getHillMetrics"
	methodWeather     = "getWeather"
	methodEquipment   = "getEquipment"
	methodHealth      = "health"
	methodDescribe    = "describe"
)

type agentState struct {
	cfg   config.AgentCfg
	proto protocol.Protocol
}

type Client struct {
	http    *http.Client
	logger  *slog.Logger
	retry   retry.Config
	areaRes int

	mu       sync.RWMutex
	agents   map[model.AgentName]agentState
	fallback json.RawMessage // weather only
}

func New(cfg config.Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	rcfg := retry.Default()
	rcfg.MaxAttempts = cfg.Retry.MaxAttempts
	rcfg.BaseDelay = cfg.Retry.BaseDelay
	rcfg.MaxDelay = cfg.Retry.MaxDelay
	rcfg.Multiplier = cfg.Retry.Multiplier

	c := &Client{
		http:    httpClient,
		logger:  logger,
		retry:   rcfg,
		areaRes: cfg.AreaCellRes,
		agents:  make(map[model.AgentName]agentState, 3),
	}
	c.agents[model.AgentTerrainMetrics] = newState(cfg.TerrainAgent)
	c.agents[model.AgentWeather] = newState(cfg.WeatherAgent)
	c.agents[model.AgentEquipment] = newState(cfg.EquipmentAgent)
	return c
}

func newState(ac config.AgentCfg) agentState {
	proto := protocol.RPC
	if ac.Protocol == config.ProtocolToolCall {
		proto = protocol.ToolCall
	}
	return agentState{cfg: ac, proto: proto}
}

// SetWeatherFallback installs the static substitute served when the
// weather agent stays unreachable.
func (c *Client) SetWeatherFallback(data json.RawMessage) {
	c.mu.Lock()
	c.fallback = data
	c.mu.Unlock()
}

// SetProtocol switches the wire protocol for one agent. It takes effect
// on the next call; in-flight calls keep the protocol they started with.
func (c *Client) SetProtocol(agent model.AgentName, proto protocol.Protocol) {
	c.mu.Lock()
	if st, ok := c.agents[agent]; ok {
		st.proto = proto
		c.agents[agent] = st
	}
	c.mu.Unlock()
}

// EnableToolCallMode switches every agent to the tool-call envelope.
func (c *Client) EnableToolCallMode() {
	c.mu.Lock()
	for name, st := range c.agents {
		st.proto = protocol.ToolCall
		c.agents[name] = st
	}
	c.mu.Unlock()
}

func (c *Client) state(agent model.AgentName) (agentState, bool) {
	c.mu.RLock()
	st, ok := c.agents[agent]
	c.mu.RUnlock()
	return st, ok
}

func (c *Client) weatherFallback() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}

// CallHillMetricsAgent fetches computed hill metrics (and optionally the
// elevation grid) for a run.
func (c *Client) CallHillMetricsAgent(ctx context.Context, req HillMetricsRequest) (*HillMetricsResponse, error) {
	params := map[string]any{
		"runId":           req.RunID,
		"gridWidth":       req.GridSize.Width,
		"gridHeight":      req.GridSize.Height,
		"includeAnalysis": req.IncludeAnalysis,
	}
	raw, err := c.invoke(ctx, model.AgentTerrainMetrics, methodHillMetrics, params)
	if err != nil {
		return nil, err
	}
	var out HillMetricsResponse
	if derr := json.Unmarshal(raw, &out); derr != nil {
		return nil, c.decodeError(model.AgentTerrainMetrics, derr)
	}
	if out.Metadata.Source == "" {
		out.Metadata.Source = SourceAgent
	}
	return &out, nil
}

// CallWeatherAgent fetches conditions and forecast for a ski area. When
// the agent fails for good (retries exhausted or a non-retryable error)
// and fallback data is configured, the fallback is returned instead of
// the error, stamped with a fallback source and reduced accuracy.
func (c *Client) CallWeatherAgent(ctx context.Context, req WeatherRequest) (*WeatherResponse, error) {
	areaID, areaErr := c.resolveArea(model.AgentWeather, req.AreaID, req.Position)
	if areaErr != nil {
		return nil, areaErr
	}
	params := map[string]any{"areaId": areaID}
	if req.Hours > 0 {
		params["hours"] = req.Hours
	}

	raw, callErr := c.invoke(ctx, model.AgentWeather, methodWeather, params)
	if callErr != nil {
		if fb := c.weatherFallback(); fb != nil {
			var out WeatherResponse
			if derr := json.Unmarshal(fb, &out); derr == nil {
				c.logger.Warn("weather agent unreachable, serving fallback",
					"areaId", areaID, "err", callErr)
				observability.IncFallback(string(model.AgentWeather))
				out.Metadata.Source = SourceFallback
				out.Metadata.Accuracy = FallbackAccuracy
				return &out, nil
			}
			c.logger.Error("weather fallback data is not parseable", "err", callErr)
		}
		return nil, callErr
	}

	var out WeatherResponse
	if derr := json.Unmarshal(raw, &out); derr != nil {
		return nil, c.decodeError(model.AgentWeather, derr)
	}
	if out.Metadata.Source == "" {
		out.Metadata.Source = SourceAgent
	}
	return &out, nil
}

// CallEquipmentAgent fetches lift and grooming status for a ski area.
// No fallback: equipment data is either live or absent.
func (c *Client) CallEquipmentAgent(ctx context.Context, req EquipmentRequest) (*EquipmentResponse, error) {
	areaID, areaErr := c.resolveArea(model.AgentEquipment, req.AreaID, req.Position)
	if areaErr != nil {
		return nil, areaErr
	}
	raw, callErr := c.invoke(ctx, model.AgentEquipment, methodEquipment, map[string]any{"areaId": areaID})
	if callErr != nil {
		return nil, callErr
	}
	var out EquipmentResponse
	if derr := json.Unmarshal(raw, &out); derr != nil {
		return nil, c.decodeError(model.AgentEquipment, derr)
	}
	if out.Metadata.Source == "" {
		out.Metadata.Source = SourceAgent
	}
	return &out, nil
}

// HealthCheck probes one agent with a single lightweight call. It never
// returns an error: every failure mode folds into an unhealthy status.
func (c *Client) HealthCheck(ctx context.Context, agent model.AgentName) HealthStatus {
	now := time.Now()
	status := HealthStatus{Agent: agent, CheckedAt: now}

	st, ok := c.state(agent)
	if !ok {
		status.Status = "unhealthy"
		status.Error = "unknown agent"
		return status
	}

	raw, rpcErr := c.attempt(ctx, st, methodHealth, nil)
	status.ResponseTime = time.Since(now)
	if rpcErr != nil {
		status.Status = "unhealthy"
		status.Error = rpcErr.Message
		return status
	}

	status.Healthy = true
	status.Status = "healthy"
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Status != "" {
		status.Status = body.Status
		status.Healthy = body.Status == "healthy"
	}
	return status
}

// DiscoverCapabilities queries the methods an agent advertises. Used for
// diagnostics, not on the hot path.
func (c *Client) DiscoverCapabilities(ctx context.Context, agent model.AgentName) (*Info, error) {
	raw, err := c.invoke(ctx, agent, methodDescribe, nil)
	if err != nil {
		return nil, err
	}
	var info Info
	if derr := json.Unmarshal(raw, &info); derr != nil {
		return nil, c.decodeError(agent, derr)
	}
	info.Agent = agent
	return &info, nil
}

// resolveArea picks the area id for an area-scoped call. Missing or
// unmappable coordinates are a caller mistake, surfaced as a structured
// invalid-params error so it propagates like any agent-side rejection.
func (c *Client) resolveArea(agent model.AgentName, areaID string, pos *model.GeoPoint) (string, *Error) {
	if areaID != "" {
		return areaID, nil
	}
	if pos == nil {
		return "", &Error{
			Agent: agent,
			Cause: &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "either areaId or position is required"},
		}
	}
	cell, err := geo.AreaCell(*pos, c.areaRes)
	if err != nil {
		return "", &Error{
			Agent: agent,
			Cause: &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: err.Error()},
		}
	}
	return cell, nil
}

func (c *Client) decodeError(agent model.AgentName, err error) *Error {
	st, _ := c.state(agent)
	return &Error{
		Agent:    agent,
		Endpoint: st.cfg.Endpoint,
		Cause:    protocol.InternalError("decode result: %v", err),
	}
}

// invoke drives one logical call: protocol snapshot, retry loop, metrics.
func (c *Client) invoke(ctx context.Context, agent model.AgentName, method string, params map[string]any) (json.RawMessage, *Error) {
	st, ok := c.state(agent)
	if !ok {
		return nil, &Error{Agent: agent, Cause: protocol.InternalError("unknown agent %q", agent)}
	}

	rcfg := c.retry
	if st.cfg.RetryAttempts > 0 {
		rcfg.MaxAttempts = st.cfg.RetryAttempts
	}

	start := time.Now()
	res, rpcErr := retry.Do(ctx, rcfg,
		func(ctx context.Context) (json.RawMessage, *protocol.RPCError) {
			return c.attempt(ctx, st, method, params)
		},
		func(attempt int, err *protocol.RPCError) {
			observability.IncAgentRetry(string(agent), err.Code)
			c.logger.Debug("retrying agent call",
				"agent", string(agent),
				"method", method,
				"attempt", attempt,
				"code", err.Code,
			)
		})

	outcome := "success"
	if rpcErr != nil {
		outcome = "error"
	}
	observability.ObserveAgentCall(string(agent), string(st.proto), outcome, time.Since(start).Seconds())

	if rpcErr != nil {
		c.logger.Warn("agent call failed",
			"agent", string(agent),
			"method", method,
			"endpoint", st.cfg.Endpoint,
			"code", rpcErr.Code,
			"err", rpcErr.Message,
		)
		return nil, &Error{Agent: agent, Endpoint: st.cfg.Endpoint, Cause: rpcErr}
	}
	return res, nil
}

// attempt performs a single wire round-trip bounded by the agent timeout.
// Every failure mode resolves to a structured error so the retry policy
// has one error space to classify.
func (c *Client) attempt(ctx context.Context, st agentState, method string, params map[string]any) (json.RawMessage, *protocol.RPCError) {
	body, header, id, encErr := protocol.Encode(protocol.Call{Method: method, Params: params}, st.proto)
	if encErr != nil {
		return nil, encErr
	}

	timeout := st.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, st.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.InternalError("build request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, protocol.TimeoutError("no response within %s", timeout)
		}
		return nil, protocol.InternalError("transport: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, protocol.TimeoutError("response read exceeded %s", timeout)
		}
		return nil, protocol.InternalError("read response: %v", err)
	}

	return protocol.DecodeHTTP(resp.StatusCode, raw, st.proto, id)
}
