package manager

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/cache/boltstore"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/model"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	store := boltstore.New(filepath.Join(t.TempDir(), "cache.db"), nil)
	m := New(store, cfg, nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testGrid() model.TerrainGrid {
	return model.TerrainGrid{
		RunID: "vallee-blanche",
		Size:  model.GridSize{Width: 4, Height: 2},
		Elevations: [][]float64{
			{3812.1, 3790.4, 3766.0, 3741.7},
			{3710.2, 3688.9, 3650.3, 3612.8},
		},
		CellMeters: 25,
	}
}

func testRun() model.RunDefinition {
	return model.RunDefinition{
		ID:         "vallee-blanche",
		Name:       "Vallée Blanche",
		Start:      model.GeoPoint{Lat: 45.8785, Lng: 6.8872},
		End:        model.GeoPoint{Lat: 45.9237, Lng: 6.8694},
		Difficulty: "off-piste",
	}
}

func TestTerrainRoundTrip(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()
	grid := testGrid()

	m.CacheTerrainData(ctx, grid)

	got := m.GetCachedTerrainData(ctx, grid.RunID, grid.Size)
	if got == nil {
		t.Fatalf("expected hit")
	}
	if got.RunID != grid.RunID || got.Size != grid.Size || got.CellMeters != grid.CellMeters {
		t.Fatalf("got=%+v", got)
	}
	if len(got.Elevations) != 2 || got.Elevations[1][3] != 3612.8 {
		t.Fatalf("elevations=%v", got.Elevations)
	}

	// a different grid size is a different entry
	if m.GetCachedTerrainData(ctx, grid.RunID, model.GridSize{Width: 8, Height: 8}) != nil {
		t.Fatalf("unexpected hit for other grid size")
	}
}

func TestRunDefinitionRoundTrip(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	m.CacheRunDefinition(ctx, testRun())
	got := m.GetCachedRunDefinition(ctx, "vallee-blanche")
	if got == nil || got.Name != "Vallée Blanche" {
		t.Fatalf("got=%+v", got)
	}
	if m.GetCachedRunDefinition(ctx, "other-run") != nil {
		t.Fatalf("unexpected hit")
	}
}

func TestAgentResponseRoundTrip(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()
	payload := json.RawMessage(`{"temperature":-7.5,"windKph":32}`)

	m.CacheAgentResponse(ctx, model.AgentWeather, "872a1072bffffff", payload)
	got := m.GetCachedAgentResponse(ctx, model.AgentWeather, "872a1072bffffff")
	if string(got) != string(payload) {
		t.Fatalf("got=%s", got)
	}
	// same area, different agent
	if m.GetCachedAgentResponse(ctx, model.AgentEquipment, "872a1072bffffff") != nil {
		t.Fatalf("unexpected hit")
	}
}

func TestExpiration_DeletesOnRead(t *testing.T) {
	m := newManager(t, Config{TTLRun: time.Minute})
	ctx := context.Background()

	m.CacheRunDefinition(ctx, testRun())
	if m.RunCacheSize(ctx) != 1 {
		t.Fatalf("size=%d", m.RunCacheSize(ctx))
	}

	// jump past the TTL
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if got := m.GetCachedRunDefinition(ctx, "vallee-blanche"); got != nil {
		t.Fatalf("expired entry served: %+v", got)
	}
	if n := m.RunCacheSize(ctx); n != 0 {
		t.Fatalf("expired entry not removed, size=%d", n)
	}
}

func TestVersionMismatch_ReadsAsAbsent(t *testing.T) {
	store := boltstore.New(filepath.Join(t.TempDir(), "cache.db"), nil)
	ctx := context.Background()

	v1 := New(store, Config{Version: "v1"}, nil)
	if err := v1.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	v1.CacheRunDefinition(ctx, testRun())
	if v1.GetCachedRunDefinition(ctx, "vallee-blanche") == nil {
		t.Fatalf("v1 read should hit")
	}

	v2 := New(store, Config{Version: "v2"}, nil)
	if got := v2.GetCachedRunDefinition(ctx, "vallee-blanche"); got != nil {
		t.Fatalf("v2 read should miss, got %+v", got)
	}
	// the stale entry was dropped, so a v1 re-read misses too
	if v1.GetCachedRunDefinition(ctx, "vallee-blanche") != nil {
		t.Fatalf("stale entry should have been deleted")
	}
	_ = store.Close()
}

func TestOfflineAvailability(t *testing.T) {
	m := newManager(t, Config{TTLRun: time.Minute})
	ctx := context.Background()
	grid := testGrid()

	if m.IsOfflineModeAvailable(ctx, grid.RunID, grid.Size) {
		t.Fatalf("available with empty cache")
	}

	m.CacheTerrainData(ctx, grid)
	if m.IsOfflineModeAvailable(ctx, grid.RunID, grid.Size) {
		t.Fatalf("terrain alone should not be enough")
	}

	m.CacheRunDefinition(ctx, testRun())
	if !m.IsOfflineModeAvailable(ctx, grid.RunID, grid.Size) {
		t.Fatalf("terrain+run should be enough")
	}

	// agent entries are not required, and expiring the run flips it off
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if m.IsOfflineModeAvailable(ctx, grid.RunID, grid.Size) {
		t.Fatalf("expired run should disable offline mode")
	}
}

func TestGetOfflineData_AssemblesWhatExists(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()
	grid := testGrid()
	run := testRun()

	m.CacheTerrainData(ctx, grid)
	m.CacheRunDefinition(ctx, run)
	m.CacheAgentResponse(ctx, model.AgentTerrainMetrics, run.ID, json.RawMessage(`{"avgSlopeDeg":22.4}`))

	areaID, err := m.AreaForRun(run)
	if err != nil {
		t.Fatalf("AreaForRun: %v", err)
	}
	m.CacheAgentResponse(ctx, model.AgentWeather, areaID, json.RawMessage(`{"temperature":-3}`))

	data := m.GetOfflineData(ctx, run.ID, grid.Size)
	if data.Terrain == nil || data.Run == nil {
		t.Fatalf("core dataset missing: %+v", data)
	}
	if string(data.Agents.HillMetrics) != `{"avgSlopeDeg":22.4}` {
		t.Fatalf("hillMetrics=%s", data.Agents.HillMetrics)
	}
	if string(data.Agents.Weather) != `{"temperature":-3}` {
		t.Fatalf("weather=%s", data.Agents.Weather)
	}
	if data.Agents.Equipment != nil {
		t.Fatalf("equipment should be absent")
	}
}

func TestInvalidateRun_DropsEveryGridSize(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	grid := testGrid()
	m.CacheTerrainData(ctx, grid)
	grid.Size = model.GridSize{Width: 64, Height: 64}
	m.CacheTerrainData(ctx, grid)
	m.CacheRunDefinition(ctx, testRun())
	m.CacheAgentResponse(ctx, model.AgentTerrainMetrics, grid.RunID, json.RawMessage(`{"avgSlopeDeg":22.4}`))

	// an unrelated run must survive
	other := testRun()
	other.ID = "grands-montets"
	m.CacheRunDefinition(ctx, other)

	if err := m.InvalidateRun(ctx, grid.RunID); err != nil {
		t.Fatalf("InvalidateRun: %v", err)
	}
	if m.TerrainCacheSize(ctx) != 0 {
		t.Fatalf("terrain size=%d", m.TerrainCacheSize(ctx))
	}
	if m.GetCachedRunDefinition(ctx, grid.RunID) != nil {
		t.Fatalf("run definition survived invalidation")
	}
	if m.GetCachedAgentResponse(ctx, model.AgentTerrainMetrics, grid.RunID) != nil {
		t.Fatalf("hill metrics survived invalidation")
	}
	if m.GetCachedRunDefinition(ctx, "grands-montets") == nil {
		t.Fatalf("unrelated run was dropped")
	}
}

func TestInvalidateArea_DropsAreaScopedAgents(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	m.CacheAgentResponse(ctx, model.AgentWeather, "area-1", json.RawMessage(`{"temperature":-3}`))
	m.CacheAgentResponse(ctx, model.AgentEquipment, "area-1", json.RawMessage(`{"lifts":[]}`))
	m.CacheAgentResponse(ctx, model.AgentWeather, "area-2", json.RawMessage(`{"temperature":1}`))

	if err := m.InvalidateArea(ctx, "area-1"); err != nil {
		t.Fatalf("InvalidateArea: %v", err)
	}
	if m.GetCachedAgentResponse(ctx, model.AgentWeather, "area-1") != nil {
		t.Fatalf("weather survived invalidation")
	}
	if m.GetCachedAgentResponse(ctx, model.AgentEquipment, "area-1") != nil {
		t.Fatalf("equipment survived invalidation")
	}
	if m.GetCachedAgentResponse(ctx, model.AgentWeather, "area-2") == nil {
		t.Fatalf("unrelated area was dropped")
	}
}

func TestClearCache_EmptiesAllPartitions(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	m.CacheTerrainData(ctx, testGrid())
	m.CacheRunDefinition(ctx, testRun())
	m.CacheAgentResponse(ctx, model.AgentWeather, "area", json.RawMessage(`1`))

	if err := m.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if m.TerrainCacheSize(ctx)+m.RunCacheSize(ctx)+m.AgentCacheSize(ctx) != 0 {
		t.Fatalf("cache not empty")
	}
}

func TestOperationsBeforeInitialize_FailSoft(t *testing.T) {
	store := boltstore.New(filepath.Join(t.TempDir(), "cache.db"), nil)
	m := New(store, Config{}, nil)
	ctx := context.Background()

	// none of these may panic or error before Initialize
	m.CacheRunDefinition(ctx, testRun())
	if m.GetCachedRunDefinition(ctx, "vallee-blanche") != nil {
		t.Fatalf("unopened store should read as empty")
	}
	if m.IsOfflineModeAvailable(ctx, "vallee-blanche", model.GridSize{Width: 4, Height: 2}) {
		t.Fatalf("offline mode available before initialize")
	}
	if m.RunCacheSize(ctx) != 0 {
		t.Fatalf("size before initialize")
	}
}
