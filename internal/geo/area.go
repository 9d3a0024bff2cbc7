// Package geo derives stable area identifiers from run coordinates.
// Weather and equipment responses are cached per ski area, so nearby runs
// that fall into the same H3 cell share one cached agent response.
package geo

import (
	"fmt"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/model"
)

// AreaCell returns the H3 cell id for a point at the given resolution.
func AreaCell(p model.GeoPoint, res int) (string, error) {
	cell, err := h3.LatLngToCell(h3.LatLng{Lat: p.Lat, Lng: p.Lng}, res)
	if err != nil {
		return "", fmt.Errorf("area cell for (%f,%f): %w", p.Lat, p.Lng, err)
	}
	return cell.String(), nil
}

// AreaForRun resolves the area id for a run: an explicit AreaID wins,
// otherwise the run's start point is mapped to its H3 cell.
func AreaForRun(run model.RunDefinition, res int) (string, error) {
	if run.AreaID != "" {
		return run.AreaID, nil
	}
	return AreaCell(run.Start, res)
}
