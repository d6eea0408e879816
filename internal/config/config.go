// Package config loads the JSON configuration file described in spec §6
// and the environment variables the server recognizes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Defaults mirror the literal values named throughout spec.md §4.
const (
	DefaultRenderDistanceChunks    = 8
	DefaultInitialChunkGenWaitMS   = 1200
	DefaultPort                   = 25565
	MinRenderDistanceChunks       = 1
	MaxRenderDistanceChunks       = 32
)

// Config is the JSON-file-backed configuration for the server.
//
// Example file:
//
//	{
//	  "license_key": "abc123",
//	  "max_players": 20,
//	  "render_distance_chunks": 10,
//	  "initial_chunk_generation_wait_ms": 1200
//	}
type Config struct {
	// LicenseKey is loaded and stored only; nothing in this repository
	// sends it to the external account service (license validation is an
	// external contract).
	LicenseKey string `json:"license_key"`

	// MaxPlayers is logged at startup (default 20); the server does not
	// limit the number of concurrent sessions by it.
	MaxPlayers int `json:"max_players"`

	// RenderDistanceChunks is the neighborhood radius R from spec §4.4,
	// clamped to [1,32].
	RenderDistanceChunks int `json:"render_distance_chunks,omitempty"`

	// InitialChunkGenerationWaitMS bounds how long on_authenticated waits
	// for generation before the first batch is sent regardless.
	InitialChunkGenerationWaitMS int `json:"initial_chunk_generation_wait_ms,omitempty"`
}

// Load reads and validates a config file at path, applying defaults for
// any omitted optional field and clamping render distance to the bounds
// spec §4.4 requires ("clamped 1..=32").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{
		RenderDistanceChunks:         DefaultRenderDistanceChunks,
		InitialChunkGenerationWaitMS: DefaultInitialChunkGenWaitMS,
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.normalize()
	return cfg, nil
}

// normalize clamps and defaults fields that a hand-edited config file
// might leave out of range.
func (c *Config) normalize() {
	if c.RenderDistanceChunks < MinRenderDistanceChunks {
		c.RenderDistanceChunks = MinRenderDistanceChunks
	}
	if c.RenderDistanceChunks > MaxRenderDistanceChunks {
		c.RenderDistanceChunks = MaxRenderDistanceChunks
	}
	if c.InitialChunkGenerationWaitMS <= 0 {
		c.InitialChunkGenerationWaitMS = DefaultInitialChunkGenWaitMS
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = 20
	}
}

// Port resolves the listen port from the PORT environment variable,
// falling back to DefaultPort (spec §6).
func Port() int {
	v := os.Getenv("PORT")
	if v == "" {
		return DefaultPort
	}
	var port int
	if _, err := fmt.Sscanf(v, "%d", &port); err != nil || port <= 0 {
		return DefaultPort
	}
	return port
}

// DebugTimings reports whether the debug-timings environment flag is set.
func DebugTimings() bool {
	v := os.Getenv("DEBUG_TIMINGS")
	return v == "1" || v == "true"
}
