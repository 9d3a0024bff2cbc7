// Package invalidation defines the cache invalidation event published by
// the terrain pipeline whenever run data is recomputed or withdrawn.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"` // update, delete
	RunID   string    `json:"run_id,omitempty"`
	AreaID  string    `json:"area_id,omitempty"`
	TS      time.Time `json:"ts"`
	// Seq is a monotonically increasing sequence per run/area, used to
	// drop stale or replayed events.
	Seq    uint64 `json:"seq,omitempty"`
	Source string `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "update", "delete":
	default:
		return fmt.Errorf("op must be update|delete")
	}
	hasRun := strings.TrimSpace(e.RunID) != ""
	hasArea := strings.TrimSpace(e.AreaID) != ""
	if hasRun == hasArea {
		return fmt.Errorf("exactly one of run_id or area_id is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// DedupeKey identifies the scope the Seq counter advances over.
func (e Event) DedupeKey() string {
	if e.RunID != "" {
		return "run:" + e.RunID
	}
	return "area:" + e.AreaID
}
