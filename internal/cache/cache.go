// Package cache provides the TTL-keyed ephemeral store shared by the
// price collector, the location selector and the reconciler. It holds
// recent spot price histories, short-lived blacklists for zone/type pairs
// that recently refused requests, and resolved image ids.
package cache

import (
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// DefaultPriceTTL keeps cached prices alive a little past the
	// collector's refresh cadence so a single failed refresh does not
	// blind the selector.
	DefaultPriceTTL = 2 * time.Hour
	// BlacklistTTL is the time before a zone/instance-type pair that
	// refused requests is considered for launch again.
	BlacklistTTL = 12 * time.Hour
	// ImageTTL is the time before an image name is re-resolved.
	ImageTTL = 24 * time.Hour

	cleanupInterval = time.Minute
)

// KV is the minimal key-value surface the manager needs. Keys are
// colon-delimited strings namespaced by provider name.
type KV interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}

// MemoryKV is a process-local KV backed by a TTL cache
type MemoryKV struct {
	cache *gocache.Cache
}

// NewMemoryKV creates a new in-memory TTL store
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (m *MemoryKV) Get(key string) ([]byte, bool) {
	value, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	return value.([]byte), true
}

func (m *MemoryKV) Set(key string, value []byte, ttl time.Duration) {
	m.cache.Set(key, value, ttl)
}

func (m *MemoryKV) Delete(key string) {
	m.cache.Delete(key)
}

// PriceKey returns the cache key holding price history for an instance type
func PriceKey(provider, instanceType string) string {
	return fmt.Sprintf("%s:price:%s", provider, instanceType)
}

// BlacklistKey returns the cache key marking a zone/type pair as refused
func BlacklistKey(provider, zone, instanceType string) string {
	return fmt.Sprintf("%s:blacklist:%s:%s", provider, zone, instanceType)
}

// ImageKey returns the cache key holding a resolved image id
func ImageKey(provider, region, imageName string) string {
	return fmt.Sprintf("%s:image:%s:%s", provider, region, imageName)
}

// SetPrices stores the price history of one instance type, keyed
// region -> zone -> prices (newest first)
func SetPrices(kv KV, provider, instanceType string, prices map[string]map[string][]float64, ttl time.Duration) error {
	data, err := json.Marshal(prices)
	if err != nil {
		return fmt.Errorf("failed to serialize prices for %s: %w", instanceType, err)
	}
	kv.Set(PriceKey(provider, instanceType), data, ttl)
	return nil
}

// GetPrices returns the cached price history of one instance type, or
// false when no data is cached
func GetPrices(kv KV, provider, instanceType string) (map[string]map[string][]float64, bool, error) {
	data, ok := kv.Get(PriceKey(provider, instanceType))
	if !ok {
		return nil, false, nil
	}
	var prices map[string]map[string][]float64
	if err := json.Unmarshal(data, &prices); err != nil {
		return nil, false, fmt.Errorf("failed to decode prices for %s: %w", instanceType, err)
	}
	return prices, true, nil
}

// Blacklist marks a zone/instance-type pair as refused for BlacklistTTL
func Blacklist(kv KV, provider, zone, instanceType string) {
	kv.Set(BlacklistKey(provider, zone, instanceType), []byte{}, BlacklistTTL)
}

// IsBlacklisted reports whether a zone/instance-type pair is marked
func IsBlacklisted(kv KV, provider, zone, instanceType string) bool {
	_, ok := kv.Get(BlacklistKey(provider, zone, instanceType))
	return ok
}

// SetImage caches a resolved image id for ImageTTL
func SetImage(kv KV, provider, region, imageName, imageID string) {
	kv.Set(ImageKey(provider, region, imageName), []byte(imageID), ImageTTL)
}

// GetImage returns a cached image id, or false on a miss
func GetImage(kv KV, provider, region, imageName string) (string, bool) {
	data, ok := kv.Get(ImageKey(provider, region, imageName))
	if !ok {
		return "", false
	}
	return string(data), true
}
