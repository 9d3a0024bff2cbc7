// Package model defines the domain types shared across the proxy.
package model

import "fmt"

// GridSize is the sampling resolution of a terrain elevation grid.
type GridSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// String matches the grid component of terrain cache keys, e.g. "64x64".
func (g GridSize) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

func (g GridSize) Valid() bool {
	return g.Width > 0 && g.Height > 0
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RunDefinition describes a ski run as drawn by the user or loaded from a
// resort catalogue. It is one half of the minimal offline dataset.
type RunDefinition struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	AreaID       string     `json:"areaId,omitempty"`
	Start        GeoPoint   `json:"start"`
	End          GeoPoint   `json:"end"`
	Boundary     []GeoPoint `json:"boundary,omitempty"`
	Difficulty   string     `json:"difficulty,omitempty"`
	LengthMeters float64    `json:"lengthMeters,omitempty"`
}

// TerrainGrid is the computed elevation grid for a run, the other half of
// the minimal offline dataset.
type TerrainGrid struct {
	RunID      string      `json:"runId"`
	Size       GridSize    `json:"size"`
	Elevations [][]float64 `json:"elevations"` // row-major, Size.Height rows
	CellMeters float64     `json:"cellMeters"` // ground distance per sample
}

// AgentName identifies a remote computation agent. The names double as the
// agent component of cache keys.
type AgentName string

const (
	AgentTerrainMetrics AgentName = "terrain-metrics"
	AgentWeather        AgentName = "weather"
	AgentEquipment      AgentName = "equipment"
)

func AgentNames() []AgentName {
	return []AgentName{AgentTerrainMetrics, AgentWeather, AgentEquipment}
}
