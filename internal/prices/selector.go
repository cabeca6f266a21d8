package prices

import (
	"sort"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/JustinTimperio/SpotFly/internal/cache"
	"github.com/JustinTimperio/SpotFly/internal/cloud"
	"github.com/JustinTimperio/SpotFly/internal/state"
)

// Selection is the outcome of a location search. A zero Region means no
// candidate qualified (no price data, blacklisted, or over the price
// ceiling); RejectedPrices carries, per zone, the lowest newest per-core
// price that exceeded the ceiling, for diagnostics.
type Selection struct {
	Region         string
	Zone           string
	InstanceType   string
	RejectedPrices map[string]float64
}

// Found reports whether any location qualified.
func (s Selection) Found() bool {
	return s.Region != ""
}

// BestLocation picks the region, zone and instance type whose median
// per-core price is lowest, skipping blacklisted zone/type pairs and
// zones whose newest per-core price exceeds the pool's ceiling.
//
// Iteration order is fully sorted so that identical inputs always yield
// the identical pick.
func BestLocation(config *state.PoolConfig, provider cloud.Provider, kv cache.KV, instanceTypes []string, logger *logrus.Logger) (Selection, error) {
	selection := Selection{RejectedPrices: make(map[string]float64)}
	maxPrice := provider.MaxPrice(config)
	coresPerInstance := provider.CoresPerInstance()
	allowedRegions := lo.SliceToMap(provider.AllowedRegions(config), func(r string) (string, bool) { return r, true })

	bestMedian := 0.0
	haveBest := false

	sortedTypes := append([]string(nil), instanceTypes...)
	sort.Strings(sortedTypes)

	for _, instanceType := range sortedTypes {
		cores := coresPerInstance[instanceType]
		if cores == 0 {
			continue
		}
		data, ok, err := cache.GetPrices(kv, provider.Name(), instanceType)
		if err != nil {
			return selection, err
		}
		if !ok {
			logger.Warnf("No price data for %s?", instanceType)
			continue
		}

		regions := lo.Keys(data)
		sort.Strings(regions)
		for _, region := range regions {
			if !allowedRegions[region] {
				continue
			}
			zones := lo.Keys(data[region])
			sort.Strings(zones)
			for _, zone := range zones {
				if cache.IsBlacklisted(kv, provider.Name(), zone, instanceType) {
					logger.Debugf("%s/%s/%s is blacklisted", provider.Name(), zone, instanceType)
					continue
				}
				rawPrices := data[region][zone]
				if len(rawPrices) == 0 {
					continue
				}
				perCore := make([]float64, len(rawPrices))
				for i, price := range rawPrices {
					perCore[i] = price / float64(cores)
				}
				if perCore[0] > maxPrice {
					if cheapest, ok := selection.RejectedPrices[zone]; !ok || perCore[0] < cheapest {
						selection.RejectedPrices[zone] = perCore[0]
					}
					continue
				}
				median := Median(perCore)
				if !haveBest || median < bestMedian {
					haveBest = true
					bestMedian = median
					selection.Region = region
					selection.Zone = zone
					selection.InstanceType = instanceType
					logger.Debugf("Best price median currently %v in %s %s (%s)",
						median, region, zone, instanceType)
				}
			}
		}
	}

	return selection, nil
}

// WinnowInstanceTypes filters the allowed instance types down to those
// whose core count does not exceed the number of cores still needed. If
// every type is too large, the smallest types are returned instead so the
// pool can still make progress.
func WinnowInstanceTypes(instanceTypes []string, coresPerInstance map[string]int, coresNeeded int) []string {
	var acceptable []string
	var smallest []string
	smallestSize := 0

	for _, instanceType := range instanceTypes {
		size, ok := coresPerInstance[instanceType]
		if !ok {
			continue
		}
		if size <= coresNeeded {
			acceptable = append(acceptable, instanceType)
		}
		if len(smallest) == 0 || size < smallestSize {
			smallestSize = size
			smallest = []string{instanceType}
		} else if size == smallestSize {
			smallest = append(smallest, instanceType)
		}
	}

	if len(acceptable) > 0 {
		return acceptable
	}
	return smallest
}

// InstanceCount converts a core count into an instance count for the
// chosen type. Any remainder is left for the next reconciliation tick so
// a smaller type can be considered for it.
func InstanceCount(coresNeeded, coresPerInstance int) int {
	if coresPerInstance <= 0 {
		return 1
	}
	count := coresNeeded / coresPerInstance
	if count < 1 {
		count = 1
	}
	return count
}
