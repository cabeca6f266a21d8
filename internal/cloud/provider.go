package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/JustinTimperio/SpotFly/internal/state"
)

// Tag keys applied to every instance the manager owns. The pool id tag is
// how instances are found again; the updatable tag is the handoff flag
// between the launcher and the reconciler.
const (
	ManagerTag   = "SpotFly"
	PoolIDTag    = ManagerTag + "-PoolId"
	UpdatableTag = ManagerTag + "-Updatable"
)

// PriceMap holds recent spot prices keyed instance type -> region -> zone,
// newest price first.
type PriceMap map[string]map[string]map[string][]float64

// Merge folds the entries of other into m.
func (m PriceMap) Merge(other PriceMap) {
	for instanceType, regions := range other {
		if _, ok := m[instanceType]; !ok {
			m[instanceType] = regions
			continue
		}
		for region, zones := range regions {
			if _, ok := m[instanceType][region]; !ok {
				m[instanceType][region] = zones
				continue
			}
			for zone, prices := range zones {
				m[instanceType][region][zone] = append(m[instanceType][region][zone], prices...)
			}
		}
	}
}

// RequestFulfillment describes a spot request that became a real instance.
type RequestFulfillment struct {
	Hostname   string
	InstanceID string
	Status     state.InstanceStatus
}

// FailureAction tells the reconciler how to react to a dead spot request.
type FailureAction string

const (
	ActionBlacklist   FailureAction = "blacklist"
	ActionDisablePool FailureAction = "disable_pool"
)

// RequestFailure describes a spot request that will never be fulfilled.
type RequestFailure struct {
	Action       FailureAction
	InstanceType string
}

// InstanceView is the provider's view of one running instance.
type InstanceView struct {
	Status state.InstanceStatus
	Tags   map[string]string
}

// Updatable reports whether the instance has been handed off to the
// reconciler. Instances still inside the spawning window must not be
// touched.
func (v InstanceView) Updatable() bool {
	return v.Tags[UpdatableTag] == "1"
}

// Provider defines the interface for cloud providers
type Provider interface {
	// Name returns the provider name used in cache key namespaces
	Name() string

	// ConfigSupported reports whether the config carries the fields this
	// provider needs
	ConfigSupported(config *state.PoolConfig) bool

	// Static accessors pulling provider-specific fields from a pool config
	AllowedRegions(config *state.PoolConfig) []string
	InstanceTypes(config *state.PoolConfig) []string
	MaxPrice(config *state.PoolConfig) float64
	ImageName(config *state.PoolConfig) string
	Tags(config *state.PoolConfig) map[string]string
	CoresPerInstance() map[string]int
	UsesZones() bool

	// TerminateInstances stops the given instances, keyed by region
	TerminateInstances(ctx context.Context, poolID int64, idsByRegion map[string][]string) error

	// TerminateByPool finds every instance tagged with the pool and stops
	// it, warning about instances the local inventory does not know
	TerminateByPool(ctx context.Context, poolID int64, idsByRegion map[string][]string) error

	// StartInstances submits count spot purchase requests and returns the
	// provider-assigned request ids. The instances are not real yet.
	StartInstances(ctx context.Context, config *state.PoolConfig, region, zone string, userData []byte, imageID, instanceType string, count int) ([]string, error)

	// CheckInstanceRequests polls pending spot requests. Fulfilled requests
	// are tagged with tags plus the updatable marker and returned with
	// their new instance identity; dead requests come back with the action
	// the caller must take.
	CheckInstanceRequests(ctx context.Context, poolID int64, region string, requestIDs []string, tags map[string]string) (map[string]RequestFulfillment, map[string]RequestFailure, error)

	// CheckInstancesState returns the provider's view of all instances
	// tagged with the pool in the region
	CheckInstancesState(ctx context.Context, poolID int64, region string) (map[string]InstanceView, error)

	// GetImage resolves a human-readable image name to a provider image id
	GetImage(ctx context.Context, region string, config *state.PoolConfig) (string, error)

	// PricesPerRegion returns recent spot price history for the region
	PricesPerRegion(ctx context.Context, region string, instanceTypes []string) (PriceMap, error)
}

// ProviderFactory is a static registry of cloud providers keyed by name
type ProviderFactory struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderFactory creates an empty provider registry
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{providers: make(map[string]Provider)}
}

// Register adds a provider to the registry, replacing any previous
// registration under the same name
func (f *ProviderFactory) Register(provider Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[provider.Name()] = provider
}

// Get returns the provider registered under the given name
func (f *ProviderFactory) Get(name string) (Provider, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	provider, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported cloud provider: %s", name)
	}
	return provider, nil
}

// Names returns the registered provider names
func (f *ProviderFactory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	return names
}
