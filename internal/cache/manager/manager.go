// Package manager implements the domain caching layer: key derivation,
// expiration and schema-version policy, and offline dataset assembly.
// Everything outside the cache packages goes through Manager; the store
// underneath is interchangeable (bbolt or Redis).
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/cache"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/cache/keys"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/model"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/observability"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/geo"
)

type Config struct {
	// Version is the cache schema version. Entries written under a
	// different version read as absent, which invalidates the whole
	// cache on a schema bump without an explicit migration.
	Version string

	TTLTerrain time.Duration
	TTLRun     time.Duration
	TTLAgent   time.Duration

	// AreaCellRes is the H3 resolution for weather/equipment area ids.
	AreaCellRes int
}

func (c Config) withDefaults() Config {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.TTLTerrain <= 0 {
		c.TTLTerrain = 24 * time.Hour
	}
	if c.TTLRun <= 0 {
		c.TTLRun = 24 * time.Hour
	}
	if c.TTLAgent <= 0 {
		c.TTLAgent = time.Hour
	}
	if c.AreaCellRes <= 0 {
		c.AreaCellRes = 7
	}
	return c
}

type Manager struct {
	store  cache.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time // for tests
	ready  atomic.Bool
}

func New(store cache.Store, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Initialize opens the underlying store. Lookups issued before this
// resolves miss softly instead of failing.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.store.Open(ctx); err != nil {
		return err
	}
	m.ready.Store(true)
	return nil
}

func (m *Manager) Close() error {
	m.ready.Store(false)
	return m.store.Close()
}

// Ready reports whether the store has been opened, for readiness probes.
func (m *Manager) Ready() bool { return m.ready.Load() }

// AreaForRun exposes the manager's area derivation so callers cache agent
// responses under the same area ids the offline assembly will look up.
func (m *Manager) AreaForRun(run model.RunDefinition) (string, error) {
	return geo.AreaForRun(run, m.cfg.AreaCellRes)
}

func (m *Manager) CacheTerrainData(ctx context.Context, grid model.TerrainGrid) {
	m.put(ctx, cache.PartitionTerrain, keys.Terrain(grid.RunID, grid.Size), grid, m.cfg.TTLTerrain)
}

func (m *Manager) CacheRunDefinition(ctx context.Context, run model.RunDefinition) {
	m.put(ctx, cache.PartitionRuns, keys.Run(run.ID), run, m.cfg.TTLRun)
}

func (m *Manager) CacheAgentResponse(ctx context.Context, agent model.AgentName, areaID string, data json.RawMessage) {
	m.put(ctx, cache.PartitionAgents, keys.Agent(string(agent), areaID), data, m.cfg.TTLAgent)
}

func (m *Manager) GetCachedTerrainData(ctx context.Context, runID string, size model.GridSize) *model.TerrainGrid {
	raw := m.get(ctx, cache.PartitionTerrain, keys.Terrain(runID, size))
	if raw == nil {
		return nil
	}
	var grid model.TerrainGrid
	if err := json.Unmarshal(raw, &grid); err != nil {
		m.logger.Warn("corrupt terrain entry", "runId", runID, "err", err)
		return nil
	}
	return &grid
}

func (m *Manager) GetCachedRunDefinition(ctx context.Context, runID string) *model.RunDefinition {
	raw := m.get(ctx, cache.PartitionRuns, keys.Run(runID))
	if raw == nil {
		return nil
	}
	var run model.RunDefinition
	if err := json.Unmarshal(raw, &run); err != nil {
		m.logger.Warn("corrupt run entry", "runId", runID, "err", err)
		return nil
	}
	return &run
}

func (m *Manager) GetCachedAgentResponse(ctx context.Context, agent model.AgentName, areaID string) json.RawMessage {
	return m.get(ctx, cache.PartitionAgents, keys.Agent(string(agent), areaID))
}

// IsOfflineModeAvailable reports whether the minimal offline dataset, a
// fresh terrain grid plus a fresh run definition, is cached for the run.
// Agent responses are optional enrichments and do not gate availability.
func (m *Manager) IsOfflineModeAvailable(ctx context.Context, runID string, size model.GridSize) bool {
	terrain := m.get(ctx, cache.PartitionTerrain, keys.Terrain(runID, size))
	if terrain == nil {
		return false
	}
	run := m.get(ctx, cache.PartitionRuns, keys.Run(runID))
	return run != nil
}

// AgentData holds the optional per-agent enrichments of an offline dataset.
type AgentData struct {
	HillMetrics json.RawMessage `json:"hillMetrics,omitempty"`
	Weather     json.RawMessage `json:"weather,omitempty"`
	Equipment   json.RawMessage `json:"equipment,omitempty"`
}

type OfflineData struct {
	Terrain *model.TerrainGrid   `json:"terrain,omitempty"`
	Run     *model.RunDefinition `json:"run,omitempty"`
	Agents  AgentData            `json:"agents"`
}

// GetOfflineData assembles whatever is cached for the run: terrain and run
// definition, plus any agent responses. Missing pieces stay nil rather
// than failing the whole assembly; callers gate on IsOfflineModeAvailable.
func (m *Manager) GetOfflineData(ctx context.Context, runID string, size model.GridSize) OfflineData {
	out := OfflineData{
		Terrain: m.GetCachedTerrainData(ctx, runID, size),
		Run:     m.GetCachedRunDefinition(ctx, runID),
	}

	// hill metrics are keyed by run, weather and equipment by ski area
	out.Agents.HillMetrics = m.GetCachedAgentResponse(ctx, model.AgentTerrainMetrics, runID)

	if out.Run != nil {
		areaID, err := m.AreaForRun(*out.Run)
		if err != nil {
			m.logger.Warn("area derivation failed", "runId", runID, "err", err)
			return out
		}
		out.Agents.Weather = m.GetCachedAgentResponse(ctx, model.AgentWeather, areaID)
		out.Agents.Equipment = m.GetCachedAgentResponse(ctx, model.AgentEquipment, areaID)
	}
	return out
}

// InvalidateRun drops everything cached for one run: the run definition,
// every grid size of its terrain, and its hill-metrics response. Used by
// the invalidation consumer when upstream recomputes a run.
func (m *Manager) InvalidateRun(ctx context.Context, runID string) error {
	var errs []error
	if _, err := m.store.DeletePrefix(ctx, cache.PartitionTerrain, keys.TerrainPrefix(runID)); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.Delete(ctx, cache.PartitionRuns, keys.Run(runID)); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.Delete(ctx, cache.PartitionAgents, keys.Agent(string(model.AgentTerrainMetrics), runID)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	observability.IncCacheEvicted("invalidation")
	m.logger.Debug("run invalidated", "runId", runID)
	return nil
}

// InvalidateArea drops the area-scoped agent responses (weather and
// equipment) for one ski area cell.
func (m *Manager) InvalidateArea(ctx context.Context, areaID string) error {
	var errs []error
	for _, agent := range []model.AgentName{model.AgentWeather, model.AgentEquipment} {
		if err := m.store.Delete(ctx, cache.PartitionAgents, keys.Agent(string(agent), areaID)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	observability.IncCacheEvicted("invalidation")
	m.logger.Debug("area invalidated", "areaId", areaID)
	return nil
}

func (m *Manager) ClearCache(ctx context.Context) error {
	var errs []error
	for _, p := range cache.Partitions() {
		if err := m.store.Clear(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) TerrainCacheSize(ctx context.Context) int {
	return m.count(ctx, cache.PartitionTerrain)
}

func (m *Manager) RunCacheSize(ctx context.Context) int {
	return m.count(ctx, cache.PartitionRuns)
}

func (m *Manager) AgentCacheSize(ctx context.Context) int {
	return m.count(ctx, cache.PartitionAgents)
}

func (m *Manager) count(ctx context.Context, p cache.Partition) int {
	n, err := m.store.Count(ctx, p)
	if err != nil {
		m.logger.Warn("cache count failed", "partition", string(p), "err", err)
		return 0
	}
	return n
}

// put stamps and stores an entry. Write failures are logged, never
// propagated: the network result the caller holds is still good even if
// persisting it was not.
func (m *Manager) put(ctx context.Context, p cache.Partition, key string, payload any, ttl time.Duration) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("cache encode failed", "partition", string(p), "key", key, "err", err)
		return
	}
	now := m.now()
	entry := cache.Entry{
		Key:       key,
		Data:      data,
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
		Version:   m.cfg.Version,
	}
	if err := m.store.Put(ctx, p, entry); err != nil {
		m.logger.Warn("cache write failed", "partition", string(p), "key", key, "err", err)
	}
}

// get applies the absence policy: miss, version skew and expiry all read
// as nil. Stale entries are deleted best-effort on the way out.
func (m *Manager) get(ctx context.Context, p cache.Partition, key string) json.RawMessage {
	entry, err := m.store.Get(ctx, p, key)
	if err != nil {
		// fail open: a broken cache degrades to a network fetch
		m.logger.Warn("cache read failed", "partition", string(p), "key", key, "err", err)
		observability.IncCacheMiss()
		return nil
	}
	if entry == nil {
		observability.IncCacheMiss()
		return nil
	}
	if entry.Version != m.cfg.Version {
		m.evict(ctx, p, key, "stale_version")
		return nil
	}
	if entry.Expired(m.now()) {
		m.evict(ctx, p, key, "expired")
		return nil
	}
	observability.IncCacheHit()
	return entry.Data
}

func (m *Manager) evict(ctx context.Context, p cache.Partition, key, reason string) {
	observability.IncCacheEvicted(reason)
	if err := m.store.Delete(ctx, p, key); err != nil {
		m.logger.Debug("stale entry delete failed", "partition", string(p), "key", key, "err", err)
	}
}
