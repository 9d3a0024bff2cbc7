// Package keys derives the canonical cache keys. Keys are deterministic:
// the same identifying attributes always map to the same string.
package keys

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/model"
)

// Terrain keys follow terrain:{runId}:{width}x{height}.
func Terrain(runID string, size model.GridSize) string {
	return fmt.Sprintf("terrain:%s:%s", sanitize(runID), size)
}

// TerrainPrefix matches every terrain key of a run, regardless of grid
// size. Used by invalidation, which does not know which sizes were cached.
func TerrainPrefix(runID string) string {
	return fmt.Sprintf("terrain:%s:", sanitize(runID))
}

// Run keys follow run:{runId}.
func Run(runID string) string {
	return fmt.Sprintf("run:%s", sanitize(runID))
}

// Agent keys follow agent:{agentName}:{areaId}.
func Agent(agentName, areaID string) string {
	return fmt.Sprintf("agent:%s:%s", sanitize(agentName), sanitize(areaID))
}

// AgentWithParams extends the agent key with a digest of the request
// params, so differently-parameterised responses for one area do not
// overwrite each other. Map marshalling sorts keys, which keeps the
// digest stable across param orderings.
func AgentWithParams(agentName, areaID string, params map[string]any) string {
	base := Agent(agentName, areaID)
	if len(params) == 0 {
		return base
	}
	blob, err := json.Marshal(params)
	if err != nil {
		return base
	}
	return fmt.Sprintf("%s:p=%016x", base, xxhash.Sum64(blob))
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
