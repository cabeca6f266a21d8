package reconciler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JustinTimperio/SpotFly/internal/cache"
	"github.com/JustinTimperio/SpotFly/internal/cloud"
	"github.com/JustinTimperio/SpotFly/internal/locker"
	"github.com/JustinTimperio/SpotFly/internal/metrics"
	"github.com/JustinTimperio/SpotFly/internal/state"
)

// MockProvider is a mock implementation of cloud.Provider for testing.
// The static accessors read straight from the config; only the
// cloud-facing calls are mocked.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Name() string { return "MockSpot" }

func (m *MockProvider) ConfigSupported(config *state.PoolConfig) bool { return true }

func (m *MockProvider) AllowedRegions(config *state.PoolConfig) []string {
	return config.AllowedRegions
}

func (m *MockProvider) InstanceTypes(config *state.PoolConfig) []string {
	return config.InstanceTypes
}

func (m *MockProvider) MaxPrice(config *state.PoolConfig) float64 { return config.MaxPrice }

func (m *MockProvider) ImageName(config *state.PoolConfig) string { return config.ImageName }

func (m *MockProvider) Tags(config *state.PoolConfig) map[string]string { return config.Tags }

func (m *MockProvider) CoresPerInstance() map[string]int {
	return map[string]int{"m5.xlarge": 4, "m5.2xlarge": 8}
}

func (m *MockProvider) UsesZones() bool { return true }

func (m *MockProvider) TerminateInstances(ctx context.Context, poolID int64, idsByRegion map[string][]string) error {
	args := m.Called(ctx, poolID, idsByRegion)
	return args.Error(0)
}

func (m *MockProvider) TerminateByPool(ctx context.Context, poolID int64, idsByRegion map[string][]string) error {
	args := m.Called(ctx, poolID, idsByRegion)
	return args.Error(0)
}

func (m *MockProvider) StartInstances(ctx context.Context, config *state.PoolConfig, region, zone string, userData []byte, imageID, instanceType string, count int) ([]string, error) {
	args := m.Called(ctx, config, region, zone, userData, imageID, instanceType, count)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockProvider) CheckInstanceRequests(ctx context.Context, poolID int64, region string, requestIDs []string, tags map[string]string) (map[string]cloud.RequestFulfillment, map[string]cloud.RequestFailure, error) {
	args := m.Called(ctx, poolID, region, requestIDs, tags)
	if args.Get(2) != nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(map[string]cloud.RequestFulfillment), args.Get(1).(map[string]cloud.RequestFailure), nil
}

func (m *MockProvider) CheckInstancesState(ctx context.Context, poolID int64, region string) (map[string]cloud.InstanceView, error) {
	args := m.Called(ctx, poolID, region)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]cloud.InstanceView), args.Error(1)
}

func (m *MockProvider) GetImage(ctx context.Context, region string, config *state.PoolConfig) (string, error) {
	args := m.Called(ctx, region, config)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) PricesPerRegion(ctx context.Context, region string, instanceTypes []string) (cloud.PriceMap, error) {
	args := m.Called(ctx, region, instanceTypes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(cloud.PriceMap), args.Error(1)
}

type fixture struct {
	store    *state.MemoryStore
	kv       cache.KV
	provider *MockProvider
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := state.NewMemoryStore()
	kv := cache.NewMemoryKV()
	provider := new(MockProvider)
	providers := cloud.NewProviderFactory()
	providers.Register(provider)

	poolLocker, err := locker.NewPoolLocker(t.TempDir())
	require.NoError(t, err)

	return &fixture{
		store:    store,
		kv:       kv,
		provider: provider,
		rec:      New(store, kv, poolLocker, providers, metrics.NewUnregistered(), logger),
	}
}

func (f *fixture) addPool(t *testing.T, pool *state.Pool) {
	t.Helper()
	require.NoError(t, f.store.CreatePool(pool))
}

func poolConfig() *state.PoolConfig {
	return &state.PoolConfig{
		Name:           "fuzzing",
		Provider:       "MockSpot",
		Size:           8,
		CycleInterval:  86400,
		MaxPrice:       0.10,
		ImageName:      "spotfly-worker",
		AllowedRegions: []string{"us-east-1"},
		InstanceTypes:  []string{"m5.xlarge", "m5.2xlarge"},
		Tags:           map[string]string{"team": "fuzzing"},
		UserData:       []byte("#!/bin/sh\necho {{SPOTFLY_POOLID}}\n"),
	}
}

func enabledPool(id int64) *state.Pool {
	now := time.Now()
	return &state.Pool{ID: id, Enabled: true, LastCycled: &now, Config: poolConfig()}
}

func runningInstance(id string, poolID int64, size int, age time.Duration) *state.Instance {
	return &state.Instance{
		ID:      id,
		PoolID:  poolID,
		Region:  "us-east-1",
		Zone:    "us-east-1b",
		Status:  state.StatusRunning,
		Size:    size,
		Created: time.Now().Add(-age),
	}
}

func updatableView(status state.InstanceStatus) cloud.InstanceView {
	return cloud.InstanceView{
		Status: status,
		Tags:   map[string]string{cloud.UpdatableTag: "1"},
	}
}

// Scenario: an empty pool of 8 cores scales up with one 8-core instance
// in the cheapest zone.
func TestScaleUpPicksCheapestLocation(t *testing.T) {
	f := newFixture(t)
	f.addPool(t, enabledPool(1))

	// m5.xlarge is $0.16/core, m5.2xlarge is $0.03/core
	require.NoError(t, cache.SetPrices(f.kv, "MockSpot", "m5.xlarge",
		map[string]map[string][]float64{"us-east-1": {"us-east-1b": {0.64}}}, time.Minute))
	require.NoError(t, cache.SetPrices(f.kv, "MockSpot", "m5.2xlarge",
		map[string]map[string][]float64{"us-east-1": {"us-east-1b": {0.24}}}, time.Minute))

	f.provider.On("GetImage", mock.Anything, "us-east-1", mock.Anything).Return("ami-1234", nil).Once()
	f.provider.On("StartInstances", mock.Anything, mock.Anything, "us-east-1", "us-east-1b",
		mock.Anything, "ami-1234", "m5.2xlarge", 1).Return([]string{"sir-1"}, nil).Once()

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	instances, err := f.store.GetInstancesByPool(1)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "sir-1", instances[0].ID)
	assert.Equal(t, state.StatusRequested, instances[0].Status)
	assert.Equal(t, 8, instances[0].Size)
	assert.Equal(t, "us-east-1b", instances[0].Zone)

	// The resolved image is now cached; a second launch must not resolve again
	imageID, ok := cache.GetImage(f.kv, "MockSpot", "us-east-1", "spotfly-worker")
	require.True(t, ok)
	assert.Equal(t, "ami-1234", imageID)

	f.provider.AssertExpectations(t)
}

// Scenario: a pool over capacity terminates its oldest instances without
// dropping below the target size.
func TestScaleDownTerminatesOldestFirst(t *testing.T) {
	f := newFixture(t)
	pool := enabledPool(1)
	pool.Config.Size = 4
	f.addPool(t, pool)

	require.NoError(t, f.store.CreateInstance(runningInstance("i-old", 1, 4, 100*time.Second)))
	require.NoError(t, f.store.CreateInstance(runningInstance("i-mid", 1, 4, 50*time.Second)))
	require.NoError(t, f.store.CreateInstance(runningInstance("i-new", 1, 4, 10*time.Second)))

	f.provider.On("CheckInstancesState", mock.Anything, int64(1), "us-east-1").Return(
		map[string]cloud.InstanceView{
			"i-old": updatableView(state.StatusRunning),
			"i-mid": updatableView(state.StatusRunning),
			"i-new": updatableView(state.StatusRunning),
		}, nil).Once()
	f.provider.On("TerminateInstances", mock.Anything, int64(1),
		map[string][]string{"us-east-1": {"i-old", "i-mid"}}).Return(nil).Once()

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	f.provider.AssertExpectations(t)
}

// Scenario: a pool past its cycle interval terminates everything, stamps
// last_cycled, and does not relaunch in the same tick.
func TestCycleTerminatesWithoutRelaunch(t *testing.T) {
	f := newFixture(t)
	pool := enabledPool(1)
	stale := time.Now().Add(-time.Duration(pool.Config.CycleInterval)*time.Second - time.Second)
	pool.LastCycled = &stale
	f.addPool(t, pool)

	require.NoError(t, f.store.CreateInstance(runningInstance("i-1", 1, 8, time.Hour)))

	f.provider.On("CheckInstancesState", mock.Anything, int64(1), "us-east-1").Return(
		map[string]cloud.InstanceView{"i-1": updatableView(state.StatusRunning)}, nil).Once()
	f.provider.On("TerminateInstances", mock.Anything, int64(1),
		map[string][]string{"us-east-1": {"i-1"}}).Return(nil).Once()

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	updated, err := f.store.GetPool(1)
	require.NoError(t, err)
	require.NotNil(t, updated.LastCycled)
	assert.WithinDuration(t, time.Now(), *updated.LastCycled, 5*time.Second)

	// No StartInstances expectation was set; AssertExpectations would fail
	// if the reconciler had tried to relaunch in the same tick.
	f.provider.AssertExpectations(t)
}

// Scenario: every price is over the ceiling. Exactly one price-too-low
// entry is appended; a second identical tick appends none.
func TestPriceTooLowAppendsSingleEntry(t *testing.T) {
	f := newFixture(t)
	f.addPool(t, enabledPool(1))

	require.NoError(t, cache.SetPrices(f.kv, "MockSpot", "m5.xlarge",
		map[string]map[string][]float64{"us-east-1": {"us-east-1b": {4.0}}}, time.Minute))
	require.NoError(t, cache.SetPrices(f.kv, "MockSpot", "m5.2xlarge",
		map[string]map[string][]float64{"us-east-1": {"us-east-1b": {8.0}}}, time.Minute))

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))
	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	entries, err := f.store.GetStatusEntries(1, state.EntryPriceTooLow)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].IsCritical)
	assert.Contains(t, entries[0].Message, "us-east-1b")

	instances, err := f.store.GetInstancesByPool(1)
	require.NoError(t, err)
	assert.Empty(t, instances, "nothing may launch over the ceiling")

	f.provider.AssertExpectations(t)
}

// Scenario: a pending spot request is reported fulfilled. The record is
// rewritten to the real instance id and transient failure entries are
// retracted.
func TestFulfilledRequestRewritesRecordAndRetracts(t *testing.T) {
	f := newFixture(t)
	f.addPool(t, enabledPool(1))

	require.NoError(t, f.store.AppendStatusEntry(&state.PoolStatusEntry{
		PoolID: 1, Type: state.EntryTemporaryFailure, Message: "flap",
	}))
	require.NoError(t, f.store.AppendStatusEntry(&state.PoolStatusEntry{
		PoolID: 1, Type: state.EntryMaxSpotExceeded, Message: "quota",
	}))

	request := runningInstance("sir-X", 1, 8, time.Minute)
	request.Status = state.StatusRequested
	require.NoError(t, f.store.CreateInstance(request))

	f.provider.On("CheckInstanceRequests", mock.Anything, int64(1), "us-east-1", []string{"sir-X"},
		mock.MatchedBy(func(tags map[string]string) bool {
			return tags[cloud.PoolIDTag] == "1" && tags["team"] == "fuzzing"
		})).Return(
		map[string]cloud.RequestFulfillment{
			"sir-X": {InstanceID: "i-Y", Hostname: "host.example.com", Status: state.StatusRunning},
		},
		map[string]cloud.RequestFailure{}, nil).Once()
	f.provider.On("CheckInstancesState", mock.Anything, int64(1), "us-east-1").Return(
		map[string]cloud.InstanceView{"i-Y": updatableView(state.StatusRunning)}, nil).Once()

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	instance, err := f.store.GetInstance("i-Y")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, instance.Status)
	assert.Equal(t, "host.example.com", instance.Hostname)

	_, err = f.store.GetInstance("sir-X")
	assert.Error(t, err)

	// Both transient entry kinds are retracted on a successful launch
	entries, err := f.store.GetStatusEntries(1, state.EntryTemporaryFailure)
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = f.store.GetStatusEntries(1, state.EntryMaxSpotExceeded)
	require.NoError(t, err)
	assert.Empty(t, entries)

	f.provider.AssertExpectations(t)
}

// Scenario: a cancelled spot request blacklists its zone/type pair and
// deletes the record.
func TestCancelledRequestBlacklistsZone(t *testing.T) {
	f := newFixture(t)
	pool := enabledPool(1)
	pool.Config.InstanceTypes = []string{"m5.xlarge"}
	f.addPool(t, pool)

	request := runningInstance("sir-Z", 1, 4, time.Minute)
	request.Status = state.StatusRequested
	request.Zone = "us-east-1a"
	require.NoError(t, f.store.CreateInstance(request))

	f.provider.On("CheckInstanceRequests", mock.Anything, int64(1), "us-east-1", []string{"sir-Z"},
		mock.Anything).Return(
		map[string]cloud.RequestFulfillment{},
		map[string]cloud.RequestFailure{
			"sir-Z": {Action: cloud.ActionBlacklist, InstanceType: "m5.xlarge"},
		}, nil).Once()
	f.provider.On("CheckInstancesState", mock.Anything, int64(1), "us-east-1").Return(
		map[string]cloud.InstanceView{}, nil).Once()

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	_, err := f.store.GetInstance("sir-Z")
	assert.Error(t, err, "the failed request record must be gone")
	assert.True(t, cache.IsBlacklisted(f.kv, "MockSpot", "us-east-1a", "m5.xlarge"))

	// With no price data cached, the replacement launch stops at a
	// price-too-low entry instead of reaching the provider.
	entries, err := f.store.GetStatusEntries(1, state.EntryPriceTooLow)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	f.provider.AssertExpectations(t)
}

// A pool with a critical status entry must not be touched at all.
func TestCriticalEntryHaltsReconciliation(t *testing.T) {
	f := newFixture(t)
	f.addPool(t, enabledPool(1))
	require.NoError(t, f.store.CreateInstance(runningInstance("i-1", 1, 8, time.Hour)))
	require.NoError(t, f.store.AppendStatusEntry(&state.PoolStatusEntry{
		PoolID: 1, Type: state.EntryUnclassified, IsCritical: true, Message: "operator attention required",
	}))

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	// No provider expectations were configured; any cloud call would fail
	// the test. The inventory must also be untouched.
	instances, err := f.store.GetInstancesByPool(1)
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	f.provider.AssertExpectations(t)
}

// A broken config appends a critical config-error entry and halts.
func TestCyclicConfigAppendsConfigError(t *testing.T) {
	f := newFixture(t)
	pool := enabledPool(1)
	parent := &state.PoolConfig{Name: "parent", Parent: pool.Config}
	pool.Config.Parent = parent
	f.addPool(t, pool)

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	entries, err := f.store.GetCriticalEntries(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, state.EntryConfigError, entries[0].Type)

	// The next tick halts on the critical entry without touching the cloud
	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))
	f.provider.AssertExpectations(t)
}

// A disabled pool terminates everything it still owns, by pool tag.
func TestDisabledPoolTerminatesByPool(t *testing.T) {
	f := newFixture(t)
	pool := enabledPool(1)
	pool.Enabled = false
	f.addPool(t, pool)
	require.NoError(t, f.store.CreateInstance(runningInstance("i-1", 1, 8, time.Hour)))

	f.provider.On("CheckInstancesState", mock.Anything, int64(1), "us-east-1").Return(
		map[string]cloud.InstanceView{"i-1": updatableView(state.StatusRunning)}, nil).Once()
	f.provider.On("TerminateByPool", mock.Anything, int64(1),
		map[string][]string{"us-east-1": {"i-1"}}).Return(nil).Once()

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))
	f.provider.AssertExpectations(t)
}

// A held pool lock makes the tick return immediately without any work.
func TestHeldLockDropsTick(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := state.NewMemoryStore()
	provider := new(MockProvider)
	providers := cloud.NewProviderFactory()
	providers.Register(provider)

	lockDir := t.TempDir()
	poolLocker, err := locker.NewPoolLocker(lockDir)
	require.NoError(t, err)
	rec := New(store, cache.NewMemoryKV(), poolLocker, providers, metrics.NewUnregistered(), logger)

	require.NoError(t, store.CreatePool(enabledPool(1)))

	otherLocker, err := locker.NewPoolLocker(lockDir)
	require.NoError(t, err)
	release, ok, err := otherLocker.TryLock(1)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	require.NoError(t, rec.ReconcilePool(context.Background(), 1))
	provider.AssertExpectations(t)
}

// Instances the cloud no longer reports are deleted with a diagnostic
// reason; terminated ones are cleaned up.
func TestLostAndTerminatedInstancesAreDeleted(t *testing.T) {
	f := newFixture(t)
	pool := enabledPool(1)
	f.addPool(t, pool)

	require.NoError(t, f.store.CreateInstance(runningInstance("i-lost", 1, 4, time.Hour)))
	shutdown := runningInstance("i-down", 1, 4, time.Hour)
	shutdown.Status = state.StatusRunning
	require.NoError(t, f.store.CreateInstance(shutdown))

	f.provider.On("CheckInstancesState", mock.Anything, int64(1), "us-east-1").Return(
		map[string]cloud.InstanceView{
			"i-down": updatableView(state.StatusShuttingDown),
		}, nil).Once()

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	_, err := f.store.GetInstance("i-lost")
	assert.Error(t, err, "unseen instance must be deleted")

	_, err = f.store.GetInstance("i-down")
	assert.Error(t, err, "shutting-down instance must be deleted after observation")

	f.provider.AssertExpectations(t)
}

// An untagged cloud instance is inside its spawning window and must not
// be deleted even though nothing else accounts for it.
func TestSpawningWindowInstanceIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	pool := enabledPool(1)
	pool.Config.Size = 8
	f.addPool(t, pool)

	require.NoError(t, f.store.CreateInstance(runningInstance("i-spawning", 1, 8, time.Minute)))

	f.provider.On("CheckInstancesState", mock.Anything, int64(1), "us-east-1").Return(
		map[string]cloud.InstanceView{
			"i-spawning": {Status: state.StatusPending, Tags: map[string]string{}},
		}, nil).Once()

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	instance, err := f.store.GetInstance("i-spawning")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, instance.Status, "untagged instances are not updated")

	f.provider.AssertExpectations(t)
}

// A running cloud instance that is unknown to the record store halts the
// tick with a critical entry.
func TestUnknownCloudInstanceHaltsTick(t *testing.T) {
	f := newFixture(t)
	pool := enabledPool(1)
	f.addPool(t, pool)
	require.NoError(t, f.store.CreateInstance(runningInstance("i-known", 1, 8, time.Hour)))

	f.provider.On("CheckInstancesState", mock.Anything, int64(1), "us-east-1").Return(
		map[string]cloud.InstanceView{
			"i-known": updatableView(state.StatusRunning),
			"i-rogue": updatableView(state.StatusRunning),
		}, nil).Once()

	err := f.rec.ReconcilePool(context.Background(), 1)
	require.Error(t, err)

	entries, getErr := f.store.GetCriticalEntries(1)
	require.NoError(t, getErr)
	require.Len(t, entries, 1)
	assert.Equal(t, state.EntryUnclassified, entries[0].Type)

	f.provider.AssertExpectations(t)
}

// A status change on the cloud side is copied into the local record.
func TestStatusDriftIsCopiedIn(t *testing.T) {
	f := newFixture(t)
	pool := enabledPool(1)
	f.addPool(t, pool)

	instance := runningInstance("i-1", 1, 8, time.Hour)
	instance.Status = state.StatusPending
	require.NoError(t, f.store.CreateInstance(instance))

	f.provider.On("CheckInstancesState", mock.Anything, int64(1), "us-east-1").Return(
		map[string]cloud.InstanceView{"i-1": updatableView(state.StatusRunning)}, nil).Once()

	require.NoError(t, f.rec.ReconcilePool(context.Background(), 1))

	updated, err := f.store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, updated.Status)

	f.provider.AssertExpectations(t)
}
