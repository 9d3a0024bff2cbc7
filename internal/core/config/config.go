package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Protocol selects the wire envelope used when calling an agent.
type Protocol string

const (
	ProtocolRPC      Protocol = "rpc"
	ProtocolToolCall Protocol = "toolcall"
)

// AgentCfg holds the per-agent endpoint settings.
type AgentCfg struct {
	Endpoint      string
	Timeout       time.Duration
	RetryAttempts int
	Protocol      Protocol
}

type RetryCfg struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
}

type Config struct {
	Addr     string
	LogLevel string

	TerrainAgent   AgentCfg
	WeatherAgent   AgentCfg
	EquipmentAgent AgentCfg

	// WeatherFallbackFile points at a JSON document served when the
	// weather agent stays unreachable. Empty disables the fallback.
	WeatherFallbackFile string

	Retry RetryCfg

	CacheDriver  string // "bolt" or "redis"
	CachePath    string // bolt database file
	RedisAddr    string
	CacheVersion string
	TTLTerrain   time.Duration
	TTLRun       time.Duration
	TTLAgent     time.Duration

	AreaCellRes int // H3 resolution used for weather/equipment area ids

	Invalidation InvalidationCfg
}

func FromEnv() Config {
	return Config{
		Addr:     getenv("ADDR", ":8091"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		TerrainAgent:   agentFromEnv("TERRAIN", "http://localhost:8051/rpc"),
		WeatherAgent:   agentFromEnv("WEATHER", "http://localhost:8052/rpc"),
		EquipmentAgent: agentFromEnv("EQUIPMENT", "http://localhost:8053/rpc"),

		WeatherFallbackFile: getenv("WEATHER_FALLBACK_FILE", ""),

		Retry: RetryCfg{
			MaxAttempts: getint("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getduration("RETRY_BASE_DELAY", 200*time.Millisecond),
			MaxDelay:    getduration("RETRY_MAX_DELAY", 5*time.Second),
			Multiplier:  getfloat("RETRY_MULTIPLIER", 2.0),
		},

		CacheDriver:  getenv("CACHE_DRIVER", "bolt"),
		CachePath:    getenv("CACHE_PATH", "terrain-cache.db"),
		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		CacheVersion: getenv("CACHE_VERSION", "1.0"),
		TTLTerrain:   getduration("CACHE_TTL_TERRAIN", 24*time.Hour),
		TTLRun:       getduration("CACHE_TTL_RUN", 24*time.Hour),
		TTLAgent:     getduration("CACHE_TTL_AGENT", time.Hour),

		AreaCellRes: clampRes(getint("AREA_CELL_RES", 7)),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "terrain-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "offline-proxy"),
		},
	}
}

func agentFromEnv(prefix, defEndpoint string) AgentCfg {
	proto := ProtocolRPC
	if strings.EqualFold(getenv(prefix+"_AGENT_PROTOCOL", "rpc"), string(ProtocolToolCall)) {
		proto = ProtocolToolCall
	}
	return AgentCfg{
		Endpoint:      getenv(prefix+"_AGENT_ENDPOINT", defEndpoint),
		Timeout:       getduration(prefix+"_AGENT_TIMEOUT", 10*time.Second),
		RetryAttempts: getint(prefix+"_AGENT_RETRIES", 3),
		Protocol:      proto,
	}
}

func clampRes(res int) int {
	if res < 0 {
		return 0
	}
	if res > 15 {
		return 15
	}
	return res
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
