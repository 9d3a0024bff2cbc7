package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/config"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/model"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/protocol"
)

// rpcServer speaks both envelopes: it echoes the request id and mirrors
// the protocol the client used (jsonrpc tag for RPC, bare for tool-call).
func rpcServer(t *testing.T, handle func(r *http.Request, req protocol.Request) (any, *protocol.RPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, rpcErr := handle(r, req)

		resp := map[string]any{"id": req.ID}
		if r.Header.Get(protocol.HeaderProtocol) != protocol.ToolCallMarker {
			resp["jsonrpc"] = protocol.Version
		}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	ac := config.AgentCfg{Endpoint: endpoint, Timeout: 2 * time.Second, RetryAttempts: 3}
	cfg := config.Config{
		TerrainAgent:   ac,
		WeatherAgent:   ac,
		EquipmentAgent: ac,
		Retry: config.RetryCfg{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		},
		AreaCellRes: 7,
	}
	return New(cfg, &http.Client{Timeout: 5 * time.Second}, nil)
}

func TestCallHillMetricsAgent_RPC(t *testing.T) {
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		if req.JSONRPC != protocol.Version {
			t.Errorf("jsonrpc tag missing on rpc request")
		}
		if h := r.Header.Get(protocol.HeaderProtocol); h != "" {
			t.Errorf("unexpected protocol header %q", h)
		}
		if req.Method != "getHillMetrics" {
			t.Errorf("method=%q", req.Method)
		}
		if req.Params["runId"] != "vallee-blanche" {
			t.Errorf("params=%v", req.Params)
		}
		return HillMetricsResponse{
			Metrics: HillMetrics{AvgSlopeDeg: 22.4, MaxSlopeDeg: 41.0, VerticalDropMeters: 2700},
		}, nil
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := c.CallHillMetricsAgent(context.Background(), HillMetricsRequest{
		RunID:    "vallee-blanche",
		GridSize: model.GridSize{Width: 64, Height: 64},
	})
	if err != nil {
		t.Fatalf("CallHillMetricsAgent: %v", err)
	}
	if got.Metrics.AvgSlopeDeg != 22.4 {
		t.Fatalf("metrics=%+v", got.Metrics)
	}
	if got.Metadata.Source != SourceAgent {
		t.Fatalf("source=%q", got.Metadata.Source)
	}
}

func TestToolCallEnvelope(t *testing.T) {
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		if r.Header.Get(protocol.HeaderProtocol) != protocol.ToolCallMarker {
			t.Errorf("tool-call header missing")
		}
		if req.JSONRPC != "" {
			t.Errorf("jsonrpc tag present on tool-call request")
		}
		return EquipmentResponse{Lifts: []LiftStatus{{Name: "Aiguille du Midi", Status: "open"}}}, nil
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.EnableToolCallMode()

	got, err := c.CallEquipmentAgent(context.Background(), EquipmentRequest{AreaID: "area-1"})
	if err != nil {
		t.Fatalf("CallEquipmentAgent: %v", err)
	}
	if len(got.Lifts) != 1 || got.Lifts[0].Status != "open" {
		t.Fatalf("lifts=%+v", got.Lifts)
	}
}

func TestSetProtocol_PerAgent(t *testing.T) {
	var sawToolCall, sawRPC atomic.Bool
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		if r.Header.Get(protocol.HeaderProtocol) == protocol.ToolCallMarker {
			sawToolCall.Store(true)
		} else {
			sawRPC.Store(true)
		}
		switch req.Method {
		case "getEquipment":
			return EquipmentResponse{}, nil
		default:
			return WeatherResponse{}, nil
		}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.SetProtocol(model.AgentEquipment, protocol.ToolCall)

	if _, err := c.CallEquipmentAgent(context.Background(), EquipmentRequest{AreaID: "a"}); err != nil {
		t.Fatalf("equipment: %v", err)
	}
	if _, err := c.CallWeatherAgent(context.Background(), WeatherRequest{AreaID: "a"}); err != nil {
		t.Fatalf("weather: %v", err)
	}
	if !sawToolCall.Load() || !sawRPC.Load() {
		t.Fatalf("protocol switch not scoped per agent: toolcall=%v rpc=%v", sawToolCall.Load(), sawRPC.Load())
	}
}

func TestRetry_ExhaustsConfiguredAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		calls.Add(1)
		return nil, &protocol.RPCError{Code: protocol.CodeAgentUnavailable, Message: "warming up"}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CallEquipmentAgent(context.Background(), EquipmentRequest{AreaID: "a"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("error type %T", err)
	}
	if aerr.Cause.Code != protocol.CodeAgentUnavailable {
		t.Fatalf("code=%d", aerr.Cause.Code)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("attempts=%d, want 3", n)
	}
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		calls.Add(1)
		return nil, &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "bad areaId"}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.CallEquipmentAgent(context.Background(), EquipmentRequest{AreaID: "a"}); err == nil {
		t.Fatalf("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("attempts=%d, want 1", n)
	}
}

func TestRetry_RecoversMidSequence(t *testing.T) {
	var calls atomic.Int32
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		if calls.Add(1) < 3 {
			return nil, protocol.InternalError("transient")
		}
		return EquipmentResponse{Lifts: []LiftStatus{{Name: "Plan Joran", Status: "open"}}}, nil
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := c.CallEquipmentAgent(context.Background(), EquipmentRequest{AreaID: "a"})
	if err != nil {
		t.Fatalf("CallEquipmentAgent: %v", err)
	}
	if len(got.Lifts) != 1 {
		t.Fatalf("lifts=%+v", got.Lifts)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("attempts=%d, want 3", n)
	}
}

func TestRetry_PerAttemptTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done(): // client gave up on this attempt
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ac := config.AgentCfg{Endpoint: srv.URL, Timeout: 30 * time.Millisecond, RetryAttempts: 3}
	cfg := config.Config{
		TerrainAgent:   ac,
		WeatherAgent:   ac,
		EquipmentAgent: ac,
		Retry: config.RetryCfg{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		},
		AreaCellRes: 7,
	}
	c := New(cfg, &http.Client{}, nil)

	_, err := c.CallEquipmentAgent(context.Background(), EquipmentRequest{AreaID: "a"})
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("error type %T", err)
	}
	if aerr.Cause.Code != protocol.CodeTimeout {
		t.Fatalf("code=%d, want %d", aerr.Cause.Code, protocol.CodeTimeout)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("attempts=%d, want 3: each timed-out attempt should be retried", n)
	}
}

func TestWeatherFallback_ServedOnFinalFailure(t *testing.T) {
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		return nil, &protocol.RPCError{Code: protocol.CodeAgentUnavailable, Message: "down"}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.SetWeatherFallback(json.RawMessage(`{"current":{"temperatureC":-5,"windKph":20,"snowDepthCm":80}}`))

	got, err := c.CallWeatherAgent(context.Background(), WeatherRequest{AreaID: "area-1"})
	if err != nil {
		t.Fatalf("fallback should swallow the error: %v", err)
	}
	if got.Metadata.Source != SourceFallback {
		t.Fatalf("source=%q", got.Metadata.Source)
	}
	if got.Metadata.Accuracy != FallbackAccuracy {
		t.Fatalf("accuracy=%v", got.Metadata.Accuracy)
	}
	if got.Current.TemperatureC != -5 {
		t.Fatalf("current=%+v", got.Current)
	}
}

func TestWeatherFallback_UnparseableKeepsOriginalError(t *testing.T) {
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		return nil, &protocol.RPCError{Code: protocol.CodeAgentUnavailable, Message: "down"}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.SetWeatherFallback(json.RawMessage(`{not json`))

	_, err := c.CallWeatherAgent(context.Background(), WeatherRequest{AreaID: "area-1"})
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Cause.Code != protocol.CodeAgentUnavailable {
		t.Fatalf("err=%v", err)
	}
}

func TestWeatherAgent_DerivesAreaFromPosition(t *testing.T) {
	var gotArea atomic.Value
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		if s, ok := req.Params["areaId"].(string); ok {
			gotArea.Store(s)
		}
		return WeatherResponse{}, nil
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CallWeatherAgent(context.Background(), WeatherRequest{
		Position: &model.GeoPoint{Lat: 45.8785, Lng: 6.8872},
	})
	if err != nil {
		t.Fatalf("CallWeatherAgent: %v", err)
	}
	if s, _ := gotArea.Load().(string); s == "" {
		t.Fatalf("areaId was not derived from position")
	}

	// neither area nor position is a caller bug, reported as invalid params
	_, err = c.CallWeatherAgent(context.Background(), WeatherRequest{})
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("error type %T", err)
	}
	if aerr.Cause.Code != protocol.CodeInvalidParams {
		t.Fatalf("code=%d, want %d", aerr.Cause.Code, protocol.CodeInvalidParams)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		if req.Method != "health" {
			t.Errorf("method=%q", req.Method)
		}
		return map[string]string{"status": "healthy"}, nil
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	hs := c.HealthCheck(context.Background(), model.AgentWeather)
	if !hs.Healthy || hs.Status != "healthy" {
		t.Fatalf("status=%+v", hs)
	}
	if hs.ResponseTime <= 0 {
		t.Fatalf("responseTime=%v", hs.ResponseTime)
	}
	if hs.CheckedAt.IsZero() {
		t.Fatalf("checkedAt unset")
	}
}

func TestHealthCheck_NeverErrors(t *testing.T) {
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		return nil, nil
	})
	srv.Close() // probe a dead endpoint

	c := newTestClient(t, srv.URL)
	hs := c.HealthCheck(context.Background(), model.AgentTerrainMetrics)
	if hs.Healthy {
		t.Fatalf("dead endpoint reported healthy")
	}
	if hs.Status != "unhealthy" || hs.Error == "" {
		t.Fatalf("status=%+v", hs)
	}

	// unknown agents fold into unhealthy too
	hs = c.HealthCheck(context.Background(), model.AgentName("ghost"))
	if hs.Healthy || hs.Error == "" {
		t.Fatalf("status=%+v", hs)
	}
}

func TestDiscoverCapabilities(t *testing.T) {
	srv := rpcServer(t, func(r *http.Request, req protocol.Request) (any, *protocol.RPCError) {
		if req.Method != "describe" {
			t.Errorf("method=%q", req.Method)
		}
		return Info{
			Version: "1.2.0",
			Methods: []MethodInfo{{Name: "getWeather"}, {Name: "health"}},
		}, nil
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	info, err := c.DiscoverCapabilities(context.Background(), model.AgentWeather)
	if err != nil {
		t.Fatalf("DiscoverCapabilities: %v", err)
	}
	if info.Agent != model.AgentWeather || info.Version != "1.2.0" {
		t.Fatalf("info=%+v", info)
	}
	if len(info.Methods) != 2 || info.Methods[0].Name != "getWeather" {
		t.Fatalf("methods=%+v", info.Methods)
	}
}
