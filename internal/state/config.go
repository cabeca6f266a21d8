package state

import (
	"fmt"
	"time"

	"github.com/imdario/mergo"
)

// PoolConfig is the configuration of a pool. Configs may reference a
// parent; unset fields are inherited from the parent chain via Flatten.
type PoolConfig struct {
	Name   string      `json:"name" yaml:"name"`
	Parent *PoolConfig `json:"-" yaml:"-"`

	Size           int               `json:"size" yaml:"size"`
	CycleInterval  int64             `json:"cycle_interval" yaml:"cycle_interval"` // seconds
	AllowedRegions []string          `json:"allowed_regions" yaml:"allowed_regions"`
	InstanceTypes  []string          `json:"instance_types" yaml:"instance_types"`
	MaxPrice       float64           `json:"max_price" yaml:"max_price"`
	Tags           map[string]string `json:"tags" yaml:"tags"`
	UserData       []byte            `json:"user_data" yaml:"user_data"`
	UserDataMacros map[string]string `json:"user_data_macros" yaml:"user_data_macros"`
	Provider       string            `json:"provider" yaml:"provider"`

	// Provider-specific settings
	ImageName      string                 `json:"image_name" yaml:"image_name"`
	KeyName        string                 `json:"key_name" yaml:"key_name"`
	SecurityGroups []string               `json:"security_groups" yaml:"security_groups"`
	RawConfig      map[string]interface{} `json:"raw_config" yaml:"raw_config"`
}

// CycleEvery returns the cycle interval as a duration.
func (c *PoolConfig) CycleEvery() time.Duration {
	return time.Duration(c.CycleInterval) * time.Second
}

// IsCyclic reports whether the parent chain contains a cycle.
func (c *PoolConfig) IsCyclic() bool {
	seen := map[*PoolConfig]bool{}
	for cfg := c; cfg != nil; cfg = cfg.Parent {
		if seen[cfg] {
			return true
		}
		seen[cfg] = true
	}
	return false
}

// Flatten resolves the parent chain into a single standalone config.
// Fields set on a child win over the parent's. The chain must be acyclic.
func (c *PoolConfig) Flatten() (*PoolConfig, error) {
	if c.IsCyclic() {
		return nil, fmt.Errorf("config %q has a cyclic parent reference", c.Name)
	}

	flat := *c
	flat.Parent = nil
	for parent := c.Parent; parent != nil; parent = parent.Parent {
		src := *parent
		src.Parent = nil
		src.Name = ""
		if err := mergo.Merge(&flat, src); err != nil {
			return nil, fmt.Errorf("failed to flatten config %q: %w", c.Name, err)
		}
	}
	return &flat, nil
}

// MissingParameters returns the names of required parameters that are
// unset after flattening. A non-empty result is a configuration error.
func (c *PoolConfig) MissingParameters() []string {
	var missing []string
	if c.Provider == "" {
		missing = append(missing, "provider")
	}
	if c.Size <= 0 {
		missing = append(missing, "size")
	}
	if c.MaxPrice <= 0 {
		missing = append(missing, "max_price")
	}
	if c.ImageName == "" {
		missing = append(missing, "image_name")
	}
	if len(c.AllowedRegions) == 0 {
		missing = append(missing, "allowed_regions")
	}
	if len(c.InstanceTypes) == 0 {
		missing = append(missing, "instance_types")
	}
	return missing
}
