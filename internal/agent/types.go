package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/model"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/protocol"
)

// Response metadata sources.
const (
	SourceAgent    = "agent"
	SourceFallback = "fallback"
)

// FallbackAccuracy is the fixed accuracy stamped on fallback responses,
// reduced to tell the UI the data may be hours old.
const FallbackAccuracy = 0.5

// ResponseMetadata rides along every agent response.
type ResponseMetadata struct {
	Source      string    `json:"source"`
	Accuracy    float64   `json:"accuracy,omitempty"`
	ProcessedAt time.Time `json:"processedAt,omitempty"`
}

type HillMetricsRequest struct {
	RunID           string
	GridSize        model.GridSize
	IncludeAnalysis bool
}

type HillMetrics struct {
	AvgSlopeDeg        float64 `json:"avgSlopeDeg"`
	MaxSlopeDeg        float64 `json:"maxSlopeDeg"`
	VerticalDropMeters float64 `json:"verticalDropMeters"`
	Aspect             string  `json:"aspect,omitempty"`
}

type HillMetricsResponse struct {
	Metrics  HillMetrics        `json:"metrics"`
	Grid     *model.TerrainGrid `json:"grid,omitempty"`
	Metadata ResponseMetadata   `json:"metadata"`
}

type WeatherRequest struct {
	AreaID   string
	Position *model.GeoPoint
	Hours    int
}

type WeatherConditions struct {
	TemperatureC float64 `json:"temperatureC"`
	WindKph      float64 `json:"windKph"`
	SnowDepthCm  float64 `json:"snowDepthCm"`
	Visibility   string  `json:"visibility,omitempty"`
}

type ForecastPoint struct {
	HoursOut int `json:"hoursOut"`
	WeatherConditions
}

type WeatherResponse struct {
	Current  WeatherConditions `json:"current"`
	Forecast []ForecastPoint   `json:"forecast,omitempty"`
	Metadata ResponseMetadata  `json:"metadata"`
}

type EquipmentRequest struct {
	AreaID   string
	Position *model.GeoPoint
}

type LiftStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"` // open, closed, hold
}

type EquipmentResponse struct {
	Lifts    []LiftStatus     `json:"lifts"`
	Grooming []string         `json:"grooming,omitempty"`
	Metadata ResponseMetadata `json:"metadata"`
}

// HealthStatus is the result of a health probe. Probes never fail: any
// error is folded into an unhealthy status.
type HealthStatus struct {
	Agent        model.AgentName `json:"agent"`
	Healthy      bool            `json:"healthy"`
	Status       string          `json:"status"` // healthy, degraded, unhealthy
	ResponseTime time.Duration   `json:"responseTime"`
	Error        string          `json:"error,omitempty"`
	CheckedAt    time.Time       `json:"checkedAt"`
}

// MethodInfo describes one method an agent advertises.
type MethodInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ParamSchema json.RawMessage `json:"paramSchema,omitempty"`
}

// Info is the capability-discovery result, used for diagnostics.
type Info struct {
	Agent   model.AgentName `json:"agent"`
	Version string          `json:"version,omitempty"`
	Methods []MethodInfo    `json:"methods"`
}

// Error carries the agent identity and endpoint alongside the structured
// cause, so an exhausted retry sequence reads as one aggregated failure.
type Error struct {
	Agent    model.AgentName
	Endpoint string
	Cause    *protocol.RPCError
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s (%s): %v", e.Agent, e.Endpoint, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }
