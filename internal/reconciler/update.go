package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/JustinTimperio/SpotFly/internal/cache"
	"github.com/JustinTimperio/SpotFly/internal/cloud"
	"github.com/JustinTimperio/SpotFly/internal/state"
)

// updatePoolInstances reconciles the local instance inventory with the
// provider's view: pending spot requests are resolved, stale records are
// deleted and status changes on the cloud side are copied in.
//
// A non-nil error means the inventory and the cloud disagree in a way
// that must halt the tick.
func (r *Reconciler) updatePoolInstances(ctx context.Context, pool *state.Pool, config *state.PoolConfig, provider cloud.Provider) error {
	instances, err := r.store.GetInstancesByPool(pool.ID)
	if err != nil {
		return err
	}

	byID := make(map[string]*state.Instance, len(instances))
	regionIDs := make(map[string]map[string]bool)
	for _, instance := range instances {
		byID[instance.ID] = instance
		if regionIDs[instance.Region] == nil {
			regionIDs[instance.Region] = make(map[string]bool)
		}
		regionIDs[instance.Region][instance.ID] = true
	}

	// Unfulfilled requests never show up in the cloud instance listing,
	// so only real instances are candidates for deletion.
	left := make(map[string]*state.Instance)
	for _, instance := range instances {
		if instance.Status != state.StatusRequested {
			left[instance.ID] = instance
		}
	}

	tags := make(map[string]string, len(provider.Tags(config))+1)
	for key, value := range provider.Tags(config) {
		tags[key] = value
	}
	tags[cloud.PoolIDTag] = strconv.FormatInt(pool.ID, 10)

	seen := make(map[string]bool)
	notUpdatable := make(map[string]bool)
	notInRegion := make(map[string]state.InstanceStatus)
	instancesCreated := false

	regions := make([]string, 0, len(regionIDs))
	for region := range regionIDs {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	for _, region := range regions {
		// First check the status of pending spot requests in this region.
		var requested []string
		for id := range regionIDs[region] {
			if byID[id].Status == state.StatusRequested {
				requested = append(requested, id)
			}
		}
		sort.Strings(requested)

		if len(requested) > 0 {
			fulfilled, failed, err := provider.CheckInstanceRequests(ctx, pool.ID, region, requested, tags)
			if err != nil {
				r.appendFailure(pool.ID, cloud.Classify(err))
				r.forgetRegion(region, regionIDs, left)
				continue
			}

			fulfilledIDs := sortedKeys(fulfilled)
			for _, requestID := range fulfilledIDs {
				result := fulfilled[requestID]
				if err := r.store.FulfillInstanceRequest(requestID, result.InstanceID, result.Hostname, result.Status); err != nil {
					r.logger.Errorf("[Pool %d] Failed to record fulfilled request %s: %v", pool.ID, requestID, err)
					continue
				}
				instance := byID[requestID]
				delete(byID, requestID)
				delete(regionIDs[region], requestID)
				instance.ID = result.InstanceID
				instance.Hostname = result.Hostname
				instance.Status = result.Status
				byID[result.InstanceID] = instance
				regionIDs[region][result.InstanceID] = true
				instancesCreated = true
			}

			failedIDs := make([]string, 0, len(failed))
			for id := range failed {
				failedIDs = append(failedIDs, id)
			}
			sort.Strings(failedIDs)
			for _, requestID := range failedIDs {
				failure := failed[requestID]
				switch failure.Action {
				case cloud.ActionBlacklist:
					// The request was not fulfilled for some reason.
					// Blacklist this type/zone combination for a while.
					instance := byID[requestID]
					cache.Blacklist(r.kv, provider.Name(), instance.Zone, failure.InstanceType)
					r.logger.Warnf("Blacklisted %s for 12h",
						cache.BlacklistKey(provider.Name(), instance.Zone, failure.InstanceType))
					if err := r.store.DeleteInstance(requestID); err != nil {
						r.logger.Errorf("[Pool %d] Failed to delete failed request %s: %v", pool.ID, requestID, err)
						continue
					}
					delete(byID, requestID)
					delete(regionIDs[region], requestID)
					r.metrics.InstancesDeleted.WithLabelValues("request-failed").Inc()
				case cloud.ActionDisablePool:
					r.appendFailure(pool.ID, cloud.NewError(state.EntryUnclassified,
						fmt.Errorf("spot request %s failed", requestID)))
				}
			}
		}

		cloudInstances, err := provider.CheckInstancesState(ctx, pool.ID, region)
		if err != nil {
			r.appendFailure(pool.ID, cloud.Classify(err))
			r.forgetRegion(region, regionIDs, left)
			continue
		}

		for _, cloudID := range sortedViewKeys(cloudInstances) {
			view := cloudInstances[cloudID]
			seen[cloudID] = true

			if !view.Updatable() {
				// The instance is still inside its spawning window; a
				// launching tick owns it and we must not touch it. If it is
				// already in our records it must also not be deleted below.
				if regionIDs[region][cloudID] {
					delete(left, cloudID)
				} else {
					notUpdatable[cloudID] = true
				}
				continue
			}

			if !regionIDs[region][cloudID] {
				if !view.Status.Defunct() {
					// A running instance matching our pool tag that we do not
					// know about. It may have been recorded between loading
					// the inventory and the provider query, so look once
					// more before declaring the state inconsistent.
					if _, err := r.store.GetInstance(cloudID); err == nil {
						r.logger.Errorf("[Pool %d] Instance with ID %s was reloaded from the record store.",
							pool.ID, cloudID)
					} else {
						r.logger.Errorf("[Pool %d] Instance with ID %s is not in the record store", pool.ID, cloudID)
						return fmt.Errorf("instance %s of pool %d exists on the cloud but not in the record store",
							cloudID, pool.ID)
					}
				}
				notInRegion[cloudID] = view.Status
				continue
			}

			instance := byID[cloudID]
			delete(left, cloudID)

			// Check the status code and update if necessary
			if instance.Status != view.Status {
				instance.Status = view.Status
				if err := r.store.UpdateInstanceStatus(cloudID, view.Status); err != nil {
					r.logger.Errorf("[Pool %d] Failed to update status of %s: %v", pool.ID, cloudID, err)
				}
			}
		}
	}

	leftIDs := make([]string, 0, len(left))
	for id := range left {
		leftIDs = append(leftIDs, id)
	}
	sort.Strings(leftIDs)
	for _, instanceID := range leftIDs {
		var reasons []string
		if !seen[instanceID] {
			reasons = append(reasons, "no corresponding machine on cloud")
		}
		if notUpdatable[instanceID] {
			reasons = append(reasons, "not updatable")
		}
		if status, ok := notInRegion[instanceID]; ok {
			reasons = append(reasons, fmt.Sprintf("has state %s on cloud but not in our region", status))
		}
		if len(reasons) == 0 {
			reasons = append(reasons, "?")
		}
		r.logger.Infof("[Pool %d] Deleting instance with cloud instance ID %s from our records: %s",
			pool.ID, instanceID, strings.Join(reasons, ", "))
		if err := r.store.DeleteInstance(instanceID); err != nil {
			r.logger.Errorf("[Pool %d] Failed to delete instance %s: %v", pool.ID, instanceID, err)
		}
		r.metrics.InstancesDeleted.WithLabelValues("lost").Inc()
	}

	if instancesCreated {
		// We obviously succeeded in starting instances, so quota and
		// transient failure warnings no longer apply.
		if err := r.journal.RetractTransient(pool.ID); err != nil {
			return err
		}
	}
	return nil
}

// forgetRegion drops a region's instances from the deletion candidate set
// after a failed provider query. Without the cloud's view for the region
// nothing can be concluded about them this tick.
func (r *Reconciler) forgetRegion(region string, regionIDs map[string]map[string]bool, left map[string]*state.Instance) {
	for id := range regionIDs[region] {
		delete(left, id)
	}
}

func sortedKeys(m map[string]cloud.RequestFulfillment) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedViewKeys(m map[string]cloud.InstanceView) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
