package prices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/JustinTimperio/SpotFly/internal/cache"
	"github.com/JustinTimperio/SpotFly/internal/cloud"
	"github.com/JustinTimperio/SpotFly/internal/metrics"
	"github.com/JustinTimperio/SpotFly/internal/state"
)

// Collector periodically refreshes the spot price cache for every
// instance type and region any enabled pool is configured to use.
type Collector struct {
	store     state.Store
	kv        cache.KV
	providers *cloud.ProviderFactory
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	ttl       time.Duration
}

// NewCollector creates a price collector. ttl governs how long collected
// prices stay valid; it should not be shorter than the collection cadence.
func NewCollector(store state.Store, kv cache.KV, providers *cloud.ProviderFactory, m *metrics.Metrics, logger *logrus.Logger, ttl time.Duration) *Collector {
	if ttl <= 0 {
		ttl = cache.DefaultPriceTTL
	}
	return &Collector{
		store:     store,
		kv:        kv,
		providers: providers,
		logger:    logger,
		metrics:   m,
		ttl:       ttl,
	}
}

// CollectPrices queries every provider for recent spot price history
// across the union of all pools' regions and instance types, and writes
// the results to the cache. A provider that cannot be reached leaves the
// previously cached prices in place until their TTL expires.
func (c *Collector) CollectPrices(ctx context.Context) error {
	type scope struct {
		regions       []string
		instanceTypes []string
	}
	scopes := make(map[string]*scope)

	for _, pool := range c.store.GetAllPools() {
		if !pool.Enabled || pool.Config == nil {
			continue
		}
		flat, err := pool.Config.Flatten()
		if err != nil {
			c.logger.Warnf("[Pool %d] Skipping price collection for broken config: %v", pool.ID, err)
			continue
		}
		if flat.Provider == "" {
			continue
		}
		s, ok := scopes[flat.Provider]
		if !ok {
			s = &scope{}
			scopes[flat.Provider] = s
		}
		s.regions = lo.Uniq(append(s.regions, flat.AllowedRegions...))
		s.instanceTypes = lo.Uniq(append(s.instanceTypes, flat.InstanceTypes...))
	}

	var firstErr error
	for providerName, s := range scopes {
		provider, err := c.providers.Get(providerName)
		if err != nil {
			c.logger.Errorf("Cannot collect prices: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := c.collectProvider(ctx, provider, s.regions, s.instanceTypes); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		c.metrics.PriceRefreshErrors.Inc()
		return firstErr
	}
	c.metrics.PriceRefreshes.Inc()
	return nil
}

// collectProvider fans out one price query per region and merges the
// results into per-instance-type cache entries.
func (c *Collector) collectProvider(ctx context.Context, provider cloud.Provider, regions, instanceTypes []string) error {
	sort.Strings(regions)
	sort.Strings(instanceTypes)

	merged := make(cloud.PriceMap)
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, len(regions))

	for i, region := range regions {
		wg.Add(1)
		go func(i int, region string) {
			defer wg.Done()
			var regionPrices cloud.PriceMap
			err := retry.Do(
				func() error {
					var err error
					regionPrices, err = provider.PricesPerRegion(ctx, region, instanceTypes)
					return err
				},
				retry.Attempts(3),
				retry.Delay(2*time.Second),
				retry.Context(ctx),
			)
			if err != nil {
				errs[i] = fmt.Errorf("price collection failed for %s: %w", region, err)
				return
			}
			mu.Lock()
			merged.Merge(regionPrices)
			mu.Unlock()
		}(i, region)
	}
	wg.Wait()

	for instanceType, data := range merged {
		if err := cache.SetPrices(c.kv, provider.Name(), instanceType, data, c.ttl); err != nil {
			return err
		}
	}

	for _, err := range errs {
		if err != nil {
			c.logger.Warnf("%v", err)
			return err
		}
	}
	c.logger.Debugf("Collected prices for %d instance types across %d regions (%s)",
		len(merged), len(regions), provider.Name())
	return nil
}
