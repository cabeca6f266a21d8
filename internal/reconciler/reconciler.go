// Package reconciler implements the per-pool control loop that keeps a
// pool's running spot capacity at its configured core count.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JustinTimperio/SpotFly/internal/cache"
	"github.com/JustinTimperio/SpotFly/internal/cloud"
	"github.com/JustinTimperio/SpotFly/internal/locker"
	"github.com/JustinTimperio/SpotFly/internal/metrics"
	"github.com/JustinTimperio/SpotFly/internal/prices"
	"github.com/JustinTimperio/SpotFly/internal/state"
	"github.com/JustinTimperio/SpotFly/internal/userdata"
)

// Reconciler drives individual pools toward their configured size. All
// collaborators are injected; the reconciler itself is stateless between
// ticks.
type Reconciler struct {
	store     state.Store
	kv        cache.KV
	locker    *locker.PoolLocker
	providers *cloud.ProviderFactory
	journal   *state.Journal
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// New creates a reconciler
func New(store state.Store, kv cache.KV, poolLocker *locker.PoolLocker, providers *cloud.ProviderFactory, m *metrics.Metrics, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		kv:        kv,
		locker:    poolLocker,
		providers: providers,
		journal:   state.NewJournal(store, logger),
		logger:    logger,
		metrics:   m,
	}
}

// ReconcilePool runs one reconciliation tick for a pool. A tick that
// cannot acquire the pool lock returns immediately; the scheduler's next
// tick will try again.
func (r *Reconciler) ReconcilePool(ctx context.Context, poolID int64) error {
	release, ok, err := r.locker.TryLock(poolID)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Warnf("[Pool %d] Another check still in progress, exiting.", poolID)
		r.metrics.LockSkips.Inc()
		return nil
	}
	defer release()

	outcome, err := r.reconcile(ctx, poolID)
	r.metrics.ReconcileTicks.WithLabelValues(outcome).Inc()
	return err
}

func (r *Reconciler) reconcile(ctx context.Context, poolID int64) (string, error) {
	pool, err := r.store.GetPool(poolID)
	if err != nil {
		return "error", err
	}

	critical, err := r.journal.HasCritical(poolID)
	if err != nil {
		return "error", err
	}
	if critical {
		return "halted", nil
	}

	if pool.Config == nil || pool.Config.IsCyclic() {
		if err := r.journal.Append(poolID, state.EntryConfigError, true, "Configuration error."); err != nil {
			return "error", err
		}
		return "config-error", nil
	}
	config, err := pool.Config.Flatten()
	if err != nil {
		if err := r.journal.Append(poolID, state.EntryConfigError, true, err.Error()); err != nil {
			return "error", err
		}
		return "config-error", nil
	}
	if missing := config.MissingParameters(); len(missing) > 0 {
		msg := fmt.Sprintf("Configuration error: missing %s.", strings.Join(missing, ", "))
		if err := r.journal.Append(poolID, state.EntryConfigError, true, msg); err != nil {
			return "error", err
		}
		return "config-error", nil
	}

	provider, err := r.providers.Get(config.Provider)
	if err != nil {
		if jerr := r.journal.Append(poolID, state.EntryConfigError, true, err.Error()); jerr != nil {
			return "error", jerr
		}
		return "config-error", nil
	}

	if err := r.updatePoolInstances(ctx, pool, config, provider); err != nil {
		// The inventory and the cloud disagree in a way the tick cannot
		// repair. Record it and halt the pool.
		if jerr := r.journal.Append(poolID, state.EntryUnclassified, true, err.Error()); jerr != nil {
			return "error", jerr
		}
		return "inconsistent", err
	}

	instances, err := r.store.GetInstancesByPool(poolID)
	if err != nil {
		return "error", err
	}

	coresMissing := config.Size
	var kept []*state.Instance
	for _, instance := range instances {
		if instance.Status.Defunct() {
			// The instance is no longer running, delete it from our records
			r.logger.Infof("[Pool %d] Deleting terminated instance with ID %s from our records.",
				poolID, instance.ID)
			if err := r.store.DeleteInstance(instance.ID); err != nil {
				return "error", err
			}
			r.metrics.InstancesDeleted.WithLabelValues("terminated").Inc()
			continue
		}
		coresMissing -= instance.Size
		kept = append(kept, instance)
	}

	if !pool.Enabled {
		if len(kept) > 0 {
			r.terminateByPool(ctx, pool, provider, kept)
			r.logger.Infof("[Pool %d] Termination complete.", poolID)
		}
		return "disabled", nil
	}

	if config.CycleInterval > 0 &&
		(pool.LastCycled == nil || time.Since(*pool.LastCycled) > config.CycleEvery()) {
		r.logger.Infof("[Pool %d] Needs to be cycled, terminating all instances...", poolID)
		now := time.Now()
		pool.LastCycled = &now
		r.terminateInstances(ctx, pool, provider, kept)
		if err := r.store.UpdatePool(pool); err != nil {
			return "error", err
		}
		r.logger.Infof("[Pool %d] Termination complete.", poolID)
	}

	switch {
	case coresMissing > 0:
		r.logger.Infof("[Pool %d] Needs %d more instance cores, starting...", poolID, coresMissing)
		r.startPoolInstances(ctx, pool, config, provider, coresMissing)
		return "scale-up", nil
	case coresMissing < 0:
		// Select the oldest instances we have running and terminate them
		// so we meet the size limitation again. An instance that would
		// leave the pool short of cores is skipped, otherwise the pool
		// size would oscillate.
		var victims []*state.Instance
		for _, instance := range kept {
			if coresMissing+instance.Size > 0 {
				continue
			}
			victims = append(victims, instance)
			coresMissing += instance.Size
			if coresMissing == 0 {
				break
			}
		}
		if len(victims) > 0 {
			over := 0
			for _, victim := range victims {
				over += victim.Size
			}
			r.logger.Infof("[Pool %d] Has %d instance cores over limit in %d instances, terminating...",
				poolID, over, len(victims))
			r.terminateInstances(ctx, pool, provider, victims)
		}
		return "scale-down", nil
	default:
		r.logger.Debugf("[Pool %d] Size is ok.", poolID)
		return "steady", nil
	}
}

// startPoolInstances launches enough spot requests to cover coresNeeded
// in the cheapest acceptable location.
func (r *Reconciler) startPoolInstances(ctx context.Context, pool *state.Pool, config *state.PoolConfig, provider cloud.Provider, coresNeeded int) {
	coresPerInstance := provider.CoresPerInstance()
	instanceTypes := prices.WinnowInstanceTypes(provider.InstanceTypes(config), coresPerInstance, coresNeeded)

	rendered, err := userdata.Render(pool, config)
	if err != nil {
		r.appendFailure(pool.ID, cloud.NewError(state.EntryUnclassified,
			fmt.Errorf("configuration error: %w", err)))
		return
	}

	selection, err := prices.BestLocation(config, provider, r.kv, instanceTypes, r.logger)
	if err != nil {
		r.appendFailure(pool.ID, cloud.Classify(err))
		return
	}
	if !selection.Found() {
		r.logger.Warnf("[Pool %d] No allowed region was cheap enough to spawn instances.", pool.ID)
		var msg strings.Builder
		msg.WriteString("No allowed region was cheap enough to spawn instances.")
		zones := make([]string, 0, len(selection.RejectedPrices))
		for zone := range selection.RejectedPrices {
			zones = append(zones, zone)
		}
		sort.Strings(zones)
		for _, zone := range zones {
			fmt.Fprintf(&msg, "\n%s at %v", zone, selection.RejectedPrices[zone])
		}
		if err := r.journal.AppendUnique(pool.ID, state.EntryPriceTooLow, false, msg.String()); err != nil {
			r.logger.Errorf("[Pool %d] Failed to journal price-too-low: %v", pool.ID, err)
		}
		return
	}
	r.logger.Infof("Using instance type %s in region %s with availability zone %s.",
		selection.InstanceType, selection.Region, selection.Zone)

	imageName := provider.ImageName(config)
	imageID, ok := cache.GetImage(r.kv, provider.Name(), selection.Region, imageName)
	if !ok {
		imageID, err = provider.GetImage(ctx, selection.Region, config)
		if err != nil {
			r.appendFailure(pool.ID, cloud.Classify(err))
			return
		}
		cache.SetImage(r.kv, provider.Name(), selection.Region, imageName, imageID)
	}

	count := prices.InstanceCount(coresNeeded, coresPerInstance[selection.InstanceType])
	requestIDs, err := provider.StartInstances(ctx, config, selection.Region, selection.Zone,
		rendered, imageID, selection.InstanceType, count)
	if err != nil {
		r.appendFailure(pool.ID, cloud.Classify(err))
		return
	}

	for _, requestID := range requestIDs {
		instance := &state.Instance{
			ID:     requestID,
			PoolID: pool.ID,
			Region: selection.Region,
			Zone:   selection.Zone,
			Status: state.StatusRequested,
			Size:   coresPerInstance[selection.InstanceType],
		}
		if err := r.store.CreateInstance(instance); err != nil {
			r.logger.Errorf("[Pool %d] Failed to record spot request %s: %v", pool.ID, requestID, err)
		}
	}
	r.metrics.InstancesLaunched.WithLabelValues(provider.Name()).Add(float64(len(requestIDs)))
}

// terminateInstances stops specific instances. Records stay in place; the
// next tick observes the terminated state and cleans them up.
func (r *Reconciler) terminateInstances(ctx context.Context, pool *state.Pool, provider cloud.Provider, instances []*state.Instance) {
	if len(instances) == 0 {
		return
	}
	if err := provider.TerminateInstances(ctx, pool.ID, idsByRegion(instances)); err != nil {
		r.appendFailure(pool.ID, cloud.Classify(err))
	}
}

// terminateByPool stops everything carrying the pool's tag. Used when the
// whole pool is being shut down.
func (r *Reconciler) terminateByPool(ctx context.Context, pool *state.Pool, provider cloud.Provider, instances []*state.Instance) {
	if err := provider.TerminateByPool(ctx, pool.ID, idsByRegion(instances)); err != nil {
		r.appendFailure(pool.ID, cloud.Classify(err))
	}
}

func (r *Reconciler) appendFailure(poolID int64, cerr *cloud.Error) {
	if err := r.journal.Append(poolID, cerr.Type, cerr.Critical(), cerr.Err.Error()); err != nil {
		r.logger.Errorf("[Pool %d] Failed to journal %s entry: %v", poolID, cerr.Type, err)
	}
}

func idsByRegion(instances []*state.Instance) map[string][]string {
	byRegion := make(map[string][]string)
	for _, instance := range instances {
		byRegion[instance.Region] = append(byRegion[instance.Region], instance.ID)
	}
	return byRegion
}
