package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// CarriersConfig holds the map of per-carrier overrides, keyed by
// carrier UUID.
type CarriersConfig struct {
	Carriers map[string]Config `yaml:"carriers"`
}

// Manager resolves the effective configuration for a carrier. Carriers
// can override validation tolerance and review-queue options; the rest
// of the configuration is global.
type Manager struct {
	globalConfig   *Config
	carrierConfigs map[string]Config
	mu             sync.RWMutex
}

// NewManager wraps the already-loaded global config and reads carrier
// overrides from carriersPath. A missing overrides file means no
// carrier has overrides.
func NewManager(global *Config, carriersPath string) (*Manager, error) {
	m := &Manager{
		globalConfig:   global,
		carrierConfigs: make(map[string]Config),
	}
	if carriersPath == "" {
		return m, nil
	}

	f, err := os.Open(carriersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("open carrier overrides %s: %w", carriersPath, err)
	}
	defer f.Close()

	var cc CarriersConfig
	if err := yaml.NewDecoder(f).Decode(&cc); err != nil {
		return nil, fmt.Errorf("parse carrier overrides %s: %w", carriersPath, err)
	}
	if cc.Carriers != nil {
		m.carrierConfigs = cc.Carriers
	}
	return m, nil
}

// Get returns the effective config for a carrier: the global config
// with the carrier's overrides merged on top. Zero values inherit.
func (m *Manager) Get(carrierID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	if override, ok := m.carrierConfigs[carrierID]; ok {
		if override.Validation.RateTolerance != 0 {
			effective.Validation = override.Validation
		}
		if override.Review.QueueLimit != 0 {
			effective.Review = override.Review
		}
	}

	return &effective
}

// Global returns the global config without carrier overrides.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalConfig
}

// SetCarrierOverride installs or replaces one carrier's overrides at
// runtime. The admin surface uses this; changes are not persisted.
func (m *Manager) SetCarrierOverride(carrierID string, override Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carrierConfigs[carrierID] = override
}
