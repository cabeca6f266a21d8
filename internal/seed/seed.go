// Package seed loads pool definitions from a YAML file into the record
// store. It is used to bootstrap a fresh installation; after that the
// record store is authoritative.
package seed

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/JustinTimperio/SpotFly/internal/cloud"
	"github.com/JustinTimperio/SpotFly/internal/state"
)

// File represents the pools seed file
type File struct {
	// Defaults is an optional config every pool inherits from
	Defaults *state.PoolConfig `yaml:"defaults"`
	Pools    []PoolSeed        `yaml:"pools"`
}

// PoolSeed represents one pool definition
type PoolSeed struct {
	ID      int64             `yaml:"id"`
	Enabled bool              `yaml:"enabled"`
	Config  *state.PoolConfig `yaml:"config"`
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult contains the results of validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds an error to the validation result
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
	r.Valid = false
}

// AddWarning adds a warning to the validation result
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Load reads and parses a seed file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pools file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pools file: %w", err)
	}
	return &file, nil
}

// Validate runs all validation checks over the seed file
func (f *File) Validate(providers *cloud.ProviderFactory) *ValidationResult {
	result := &ValidationResult{Valid: true}

	seenIDs := make(map[int64]bool)
	for i, pool := range f.Pools {
		field := fmt.Sprintf("pools[%d]", i)

		if pool.ID <= 0 {
			result.AddError(field+".id", "pool id must be a positive integer")
		}
		if seenIDs[pool.ID] {
			result.AddError(field+".id", fmt.Sprintf("duplicate pool id %d", pool.ID))
		}
		seenIDs[pool.ID] = true

		if pool.Config == nil {
			result.AddError(field+".config", "config is required")
			continue
		}

		flat, err := f.flatten(pool.Config)
		if err != nil {
			result.AddError(field+".config", err.Error())
			continue
		}
		if missing := flat.MissingParameters(); len(missing) > 0 {
			for _, name := range missing {
				result.AddError(field+".config."+name, "required parameter is missing")
			}
			continue
		}

		provider, err := providers.Get(flat.Provider)
		if err != nil {
			result.AddError(field+".config.provider", err.Error())
			continue
		}
		if !provider.ConfigSupported(flat) {
			result.AddError(field+".config", fmt.Sprintf("config carries no %s fields", flat.Provider))
		}

		cores := provider.CoresPerInstance()
		for _, instanceType := range flat.InstanceTypes {
			if _, ok := cores[instanceType]; !ok {
				result.AddError(field+".config.instance_types",
					fmt.Sprintf("unknown instance type '%s'", instanceType))
			}
		}

		if flat.CycleInterval > 0 && flat.CycleEvery() < 10*time.Minute {
			result.AddWarning(field+".config.cycle_interval",
				"cycle intervals under 10m will churn instances aggressively")
		}
	}

	return result
}

func (f *File) flatten(config *state.PoolConfig) (*state.PoolConfig, error) {
	linked := *config
	linked.Parent = f.Defaults
	return linked.Flatten()
}

// Apply inserts the seed pools the store does not have yet, with their
// configs flattened over the defaults. Pools already present are left
// untouched so a restart never overwrites operator changes.
func (f *File) Apply(store state.Store) (int, error) {
	created := 0
	for _, poolSeed := range f.Pools {
		if _, err := store.GetPool(poolSeed.ID); err == nil {
			continue
		}
		config, err := f.flatten(poolSeed.Config)
		if err != nil {
			return created, fmt.Errorf("failed to seed pool %d: %w", poolSeed.ID, err)
		}
		pool := &state.Pool{
			ID:      poolSeed.ID,
			Enabled: poolSeed.Enabled,
			Config:  config,
		}
		if err := store.CreatePool(pool); err != nil {
			return created, fmt.Errorf("failed to seed pool %d: %w", poolSeed.ID, err)
		}
		created++
	}
	return created, nil
}
