// Package config loads simulation settings from YAML with built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/logistics-twin/internal/world"
)

type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Events     EventsConfig     `yaml:"events"`
	Spawn      SpawnConfig      `yaml:"spawn"`
	Transport  TransportConfig  `yaml:"transport"`
	Truck      TruckConfig      `yaml:"truck"`
	Facility   world.Layout     `yaml:"facility"`
	Store      StoreConfig      `yaml:"store"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type SimulationConfig struct {
	TickPeriod time.Duration `yaml:"tick_period"`
	Seed       int64         `yaml:"seed"` // 0 = draw from crypto/rand
	Journal    int           `yaml:"journal"`
}

// EventsConfig drives the NONE/ACTIVE disruption slot.
type EventsConfig struct {
	TriggerProbability float64        `yaml:"trigger_probability"` // per tick, NONE → ACTIVE
	EndProbability     float64        `yaml:"end_probability"`     // per tick, ACTIVE → NONE
	PromotionBias      float64        `yaml:"promotion_bias"`      // P(type = PROMOTION)
	MinDuration        time.Duration  `yaml:"min_duration"`
	Cooldown           time.Duration  `yaml:"cooldown"`
	PromotionZones     []world.ZoneID `yaml:"promotion_zones"`
	ErrorZones         []world.ZoneID `yaml:"error_zones"`
}

// SpawnConfig sets the mean number of items created per tick.
type SpawnConfig struct {
	InboundZone   world.ZoneID `yaml:"inbound_zone"`
	BaselineRate  float64      `yaml:"baseline_rate"`
	PromotionRate float64      `yaml:"promotion_rate"`
	MaxPerTick    int          `yaml:"max_per_tick"`
}

// Route binds one transport unit to a fixed segment.
type Route struct {
	Unit world.UnitID `yaml:"unit"`
	From world.ZoneID `yaml:"from"`
	To   world.ZoneID `yaml:"to"`
}

type TransportConfig struct {
	TravelDuration      time.Duration `yaml:"travel_duration"`
	Routes              []Route       `yaml:"routes"`
	IdleDrain           float64       `yaml:"idle_drain"`   // battery points per tick
	MovingDrain         float64       `yaml:"moving_drain"` // battery points per tick
	LowBatteryThreshold float64       `yaml:"low_battery_threshold"`
	MinOperatingBattery float64       `yaml:"min_operating_battery"`
}

type TruckConfig struct {
	OutboundZone   world.ZoneID  `yaml:"outbound_zone"`
	Threshold      int           `yaml:"threshold"`
	TravelDuration time.Duration `yaml:"travel_duration"`
	UnloadBatch    int           `yaml:"unload_batch"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`
}

type EmbeddingConfig struct {
	Provider string        `yaml:"provider"` // "gemini" or "none"
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"-"` // GEMINI_API_KEY
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	Dims     int           `yaml:"dims"`
	PerMin   int           `yaml:"per_minute"`
}

type APIConfig struct {
	Port        int    `yaml:"port"`
	AdminKey    string `yaml:"-"`            // LOGISIM_ADMIN_KEY
	SearchLimit int    `yaml:"search_limit"` // requests per IP per hour
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Load reads a YAML file over the defaults. An empty path yields defaults.
// Secrets are taken from the environment either way.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Embedding.APIKey = os.Getenv("GEMINI_API_KEY")
	cfg.API.AdminKey = os.Getenv("LOGISIM_ADMIN_KEY")
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the demo configuration.
func Default() *Config {
	return &Config{
		Simulation: SimulationConfig{
			TickPeriod: 1500 * time.Millisecond,
			Journal:    10,
		},
		Events: EventsConfig{
			TriggerProbability: 0.02,
			EndProbability:     0.1,
			PromotionBias:      0.6,
			MinDuration:        20 * time.Second,
			Cooldown:           30 * time.Second,
			PromotionZones:     []world.ZoneID{"Inbound", "Packing"},
			ErrorZones:         []world.ZoneID{"Inbound", "Storage_A"},
		},
		Spawn: SpawnConfig{
			InboundZone:   "Inbound",
			BaselineRate:  0.4,
			PromotionRate: 1.2,
			MaxPerTick:    5,
		},
		Transport: TransportConfig{
			TravelDuration: 4 * time.Second,
			Routes: []Route{
				{Unit: "AGV-1", From: "Inbound", To: "Storage_A"},
				{Unit: "AGV-2", From: "Inbound", To: "Storage_B"},
				{Unit: "AGV-3", From: "Storage_A", To: "Packing"},
				{Unit: "AGV-4", From: "Storage_B", To: "Packing"},
				{Unit: "AGV-5", From: "Packing", To: "Outbound"},
			},
			IdleDrain:           0.01,
			MovingDrain:         0.05,
			LowBatteryThreshold: 20,
			MinOperatingBattery: 5,
		},
		Truck: TruckConfig{
			OutboundZone:   "Outbound",
			Threshold:      5,
			TravelDuration: 6 * time.Second,
			UnloadBatch:    5,
		},
		Facility: world.DefaultLayout(),
		Store: StoreConfig{
			Driver: "memory",
			Path:   "data/logistics.db",
		},
		Embedding: EmbeddingConfig{
			Provider: "gemini",
			Model:    "text-embedding-004",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
			Timeout:  3 * time.Second,
			Dims:     768,
			PerMin:   60,
		},
		API: APIConfig{
			Port:        8080,
			SearchLimit: 120,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks ranges and cross-references between sections.
func (c *Config) Validate() error {
	if c.Simulation.TickPeriod <= 0 {
		return fmt.Errorf("simulation.tick_period must be positive")
	}
	if err := c.Facility.Validate(); err != nil {
		return fmt.Errorf("facility: %w", err)
	}
	for name, p := range map[string]float64{
		"events.trigger_probability": c.Events.TriggerProbability,
		"events.end_probability":     c.Events.EndProbability,
		"events.promotion_bias":      c.Events.PromotionBias,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s %.3f not in [0,1]", name, p)
		}
	}
	if c.Events.MinDuration < 0 || c.Events.Cooldown < 0 {
		return fmt.Errorf("events: durations must not be negative")
	}
	for _, z := range append(append([]world.ZoneID{}, c.Events.PromotionZones...), c.Events.ErrorZones...) {
		if c.Facility.Zone(z) == nil {
			return fmt.Errorf("events: unknown zone %q", z)
		}
	}
	if c.Facility.Zone(c.Spawn.InboundZone) == nil {
		return fmt.Errorf("spawn.inbound_zone %q unknown", c.Spawn.InboundZone)
	}
	if c.Spawn.BaselineRate < 0 || c.Spawn.PromotionRate < 0 {
		return fmt.Errorf("spawn rates must not be negative")
	}
	if c.Transport.TravelDuration <= 0 {
		return fmt.Errorf("transport.travel_duration must be positive")
	}
	bound := make(map[world.UnitID]bool)
	for _, r := range c.Transport.Routes {
		if c.Facility.Transport(r.Unit) == nil {
			return fmt.Errorf("route for unknown unit %q", r.Unit)
		}
		if bound[r.Unit] {
			return fmt.Errorf("unit %q bound to more than one route", r.Unit)
		}
		bound[r.Unit] = true
		if !c.Facility.HasEdge(r.From, r.To) {
			return fmt.Errorf("route %s: no edge %s → %s", r.Unit, r.From, r.To)
		}
	}
	if c.Facility.Zone(c.Truck.OutboundZone) == nil {
		return fmt.Errorf("truck.outbound_zone %q unknown", c.Truck.OutboundZone)
	}
	if c.Truck.Threshold < 1 || c.Truck.UnloadBatch < 1 {
		return fmt.Errorf("truck threshold and unload_batch must be at least 1")
	}
	if c.Truck.TravelDuration <= 0 {
		return fmt.Errorf("truck.travel_duration must be positive")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver %q: want memory or sqlite", c.Store.Driver)
	}
	switch c.Embedding.Provider {
	case "gemini", "none":
	default:
		return fmt.Errorf("embedding.provider %q: want gemini or none", c.Embedding.Provider)
	}
	if c.Embedding.Dims < 1 {
		return fmt.Errorf("embedding.dims must be positive")
	}
	if c.Embedding.Timeout <= 0 {
		return fmt.Errorf("embedding.timeout must be positive")
	}
	return nil
}
