package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"

	"github.com/JustinTimperio/SpotFly/internal/state"
)

// spotRequestTimeout bounds how long a spot purchase request stays open
// before the provider expires it.
const spotRequestTimeout = 10 * time.Minute

// priceHistoryWindow is how far back the price collector looks.
const priceHistoryWindow = 6 * time.Hour

// Zones with a history of refusing or mispricing requests; excluded from
// price collection entirely.
var priceZoneBlacklist = map[string]bool{
	"us-east-1a": true,
	"us-east-1f": true,
}

// ec2API is the subset of the EC2 client the provider uses. Tests inject a
// fake; production uses *ec2.Client.
type ec2API interface {
	RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error)
	DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

// EC2Spot implements the Provider interface against the EC2 spot market
type EC2Spot struct {
	mu        sync.Mutex
	clients   map[string]ec2API
	newClient func(ctx context.Context, region string) (ec2API, error)
	logger    *logrus.Logger
}

// NewEC2Spot creates a new EC2 spot provider. With empty credentials the
// default AWS credential chain is used.
func NewEC2Spot(accessKeyID, secretAccessKey string, logger *logrus.Logger) *EC2Spot {
	return &EC2Spot{
		clients: make(map[string]ec2API),
		logger:  logger,
		newClient: func(ctx context.Context, region string) (ec2API, error) {
			opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
			if accessKeyID != "" {
				opts = append(opts, awsconfig.WithCredentialsProvider(
					credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
			}
			cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to load AWS config: %w", err)
			}
			return ec2.NewFromConfig(cfg), nil
		},
	}
}

// client returns a cached per-region EC2 client
func (p *EC2Spot) client(ctx context.Context, region string) (ec2API, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if api, ok := p.clients[region]; ok {
		return api, nil
	}
	api, err := p.newClient(ctx, region)
	if err != nil {
		return nil, NewError(state.EntryUnclassified, err)
	}
	p.clients[region] = api
	return api, nil
}

// Name returns the provider name
func (p *EC2Spot) Name() string {
	return "EC2Spot"
}

// ConfigSupported reports whether the config carries the EC2 fields
func (p *EC2Spot) ConfigSupported(config *state.PoolConfig) bool {
	return len(config.AllowedRegions) > 0 || config.MaxPrice > 0 || config.KeyName != "" ||
		len(config.SecurityGroups) > 0 || len(config.InstanceTypes) > 0 || config.ImageName != ""
}

func (p *EC2Spot) AllowedRegions(config *state.PoolConfig) []string {
	return config.AllowedRegions
}

func (p *EC2Spot) InstanceTypes(config *state.PoolConfig) []string {
	return config.InstanceTypes
}

func (p *EC2Spot) MaxPrice(config *state.PoolConfig) float64 {
	return config.MaxPrice
}

func (p *EC2Spot) ImageName(config *state.PoolConfig) string {
	return config.ImageName
}

func (p *EC2Spot) Tags(config *state.PoolConfig) map[string]string {
	return config.Tags
}

func (p *EC2Spot) CoresPerInstance() map[string]int {
	return CoresPerInstance
}

func (p *EC2Spot) UsesZones() bool {
	return true
}

// translateState masks the provider's 16-bit state word. The high byte is
// an opaque internal value and must be ignored.
func translateState(code *int32) state.InstanceStatus {
	return state.InstanceStatus(aws.ToInt32(code) & 0xFF)
}

func poolFilter(poolID int64) types.Filter {
	return types.Filter{
		Name:   aws.String("tag:" + PoolIDTag),
		Values: []string{strconv.FormatInt(poolID, 10)},
	}
}

// StartInstances submits spot purchase requests at a bid of the pool's
// per-core price ceiling scaled by the instance size
func (p *EC2Spot) StartInstances(ctx context.Context, config *state.PoolConfig, region, zone string, userData []byte, imageID, instanceType string, count int) ([]string, error) {
	api, err := p.client(ctx, region)
	if err != nil {
		return nil, err
	}

	cores, ok := CoresPerInstance[instanceType]
	if !ok {
		return nil, NewError(state.EntryConfigError, fmt.Errorf("unknown instance type %s", instanceType))
	}
	bid := config.MaxPrice * float64(cores)

	p.logger.Infof("Creating %dx %s spot requests in %s%s... (%d cores total)",
		count, instanceType, region, zone, count*cores)

	input := &ec2.RequestSpotInstancesInput{
		SpotPrice:     aws.String(strconv.FormatFloat(bid, 'f', 6, 64)),
		InstanceCount: aws.Int32(int32(count)),
		Type:          types.SpotInstanceTypeOneTime,
		ValidUntil:    aws.Time(time.Now().Add(spotRequestTimeout)),
		LaunchSpecification: &types.RequestSpotLaunchSpecification{
			ImageId:        aws.String(imageID),
			InstanceType:   types.InstanceType(instanceType),
			KeyName:        nonEmpty(config.KeyName),
			SecurityGroups: config.SecurityGroups,
			UserData:       aws.String(base64.StdEncoding.EncodeToString(userData)),
			Placement: &types.SpotPlacement{
				AvailabilityZone: aws.String(zone),
			},
		},
	}

	result, err := api.RequestSpotInstances(ctx, input)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to request spot instances: %w", err))
	}

	requestIDs := make([]string, 0, len(result.SpotInstanceRequests))
	for _, request := range result.SpotInstanceRequests {
		requestIDs = append(requestIDs, aws.ToString(request.SpotInstanceRequestId))
	}
	return requestIDs, nil
}

// CheckInstanceRequests polls pending spot requests and tags fulfilled
// instances with the pool tags plus the updatable handoff marker
func (p *EC2Spot) CheckInstanceRequests(ctx context.Context, poolID int64, region string, requestIDs []string, tags map[string]string) (map[string]RequestFulfillment, map[string]RequestFailure, error) {
	api, err := p.client(ctx, region)
	if err != nil {
		return nil, nil, err
	}

	result, err := api.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: requestIDs,
	})
	if err != nil {
		return nil, nil, Classify(fmt.Errorf("failed to describe spot requests: %w", err))
	}

	fulfilled := make(map[string]RequestFulfillment)
	failed := make(map[string]RequestFailure)
	instanceToRequest := make(map[string]string)

	abandoned := false
	for _, request := range result.SpotInstanceRequests {
		if abandoned {
			break
		}
		requestID := aws.ToString(request.SpotInstanceRequestId)

		switch request.State {
		case types.SpotInstanceStateActive:
			if request.InstanceId != nil {
				instanceToRequest[aws.ToString(request.InstanceId)] = requestID
			}
		case types.SpotInstanceStateOpen:
			p.logger.Infof("[Pool %d] spot request %s is still open", poolID, requestID)
		case types.SpotInstanceStateCancelled, types.SpotInstanceStateClosed:
			// Request was not fulfilled for some reason. Blacklist this
			// type/zone combination for a while.
			p.logger.Infof("[Pool %d] spot request %s is %s", poolID, requestID, request.State)
			failure := RequestFailure{Action: ActionBlacklist}
			if request.LaunchSpecification != nil {
				failure.InstanceType = string(request.LaunchSpecification.InstanceType)
			}
			failed[requestID] = failure
		case types.SpotInstanceStateFailed:
			statusCode := ""
			if request.Status != nil {
				statusCode = aws.ToString(request.Status.Code)
			}
			p.logger.Errorf("[Pool %d] spot request %s is %s and %s", poolID, requestID, statusCode, request.State)
			failed[requestID] = RequestFailure{Action: ActionDisablePool}
			// The batch is broken; abandon the remaining requests.
			abandoned = true
		default:
			p.logger.Warnf("[Pool %d] spot request %s has state %s", poolID, requestID, request.State)
		}
	}

	if len(instanceToRequest) == 0 {
		return fulfilled, failed, nil
	}

	instanceIDs := make([]string, 0, len(instanceToRequest))
	for instanceID := range instanceToRequest {
		instanceIDs = append(instanceIDs, instanceID)
	}
	sort.Strings(instanceIDs)

	described, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: instanceIDs})
	if err != nil {
		return nil, nil, Classify(fmt.Errorf("failed to describe fulfilled instances: %w", err))
	}

	for _, reservation := range described.Reservations {
		for _, instance := range reservation.Instances {
			instanceID := aws.ToString(instance.InstanceId)
			requestID, ok := instanceToRequest[instanceID]
			if !ok {
				continue
			}
			p.logger.Infof("[Pool %d] spot request fulfilled %s -> %s", poolID, requestID, instanceID)
			fulfilled[requestID] = RequestFulfillment{
				Hostname:   aws.ToString(instance.PublicDnsName),
				InstanceID: instanceID,
				Status:     translateState(instance.State.Code),
			}
		}
	}

	// Mark the fulfilled instances as updatable so the reconciler can pick
	// them up and track their state changes from here on.
	ec2Tags := make([]types.Tag, 0, len(tags)+1)
	for key, value := range tags {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(key), Value: aws.String(value)})
	}
	ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(UpdatableTag), Value: aws.String("1")})

	tagTargets := make([]string, 0, len(fulfilled))
	for _, fulfillment := range fulfilled {
		tagTargets = append(tagTargets, fulfillment.InstanceID)
	}
	sort.Strings(tagTargets)
	if len(tagTargets) > 0 {
		if _, err := api.CreateTags(ctx, &ec2.CreateTagsInput{Resources: tagTargets, Tags: ec2Tags}); err != nil {
			return nil, nil, Classify(fmt.Errorf("failed to tag fulfilled instances: %w", err))
		}
	}

	return fulfilled, failed, nil
}

// CheckInstancesState queries the provider for all live instances tagged
// with the pool
func (p *EC2Spot) CheckInstancesState(ctx context.Context, poolID int64, region string) (map[string]InstanceView, error) {
	api, err := p.client(ctx, region)
	if err != nil {
		return nil, err
	}

	filter := poolFilter(poolID)
	result, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: []types.Filter{filter}})
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to describe pool instances: %w", err))
	}

	views := make(map[string]InstanceView)
	for _, reservation := range result.Reservations {
		for _, instance := range reservation.Instances {
			status := translateState(instance.State.Code)
			if status.Defunct() {
				continue
			}
			tags := make(map[string]string, len(instance.Tags))
			for _, tag := range instance.Tags {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			views[aws.ToString(instance.InstanceId)] = InstanceView{Status: status, Tags: tags}
		}
	}
	return views, nil
}

// TerminateInstances terminates the given instances region by region
func (p *EC2Spot) TerminateInstances(ctx context.Context, poolID int64, idsByRegion map[string][]string) error {
	regions := make([]string, 0, len(idsByRegion))
	for region := range idsByRegion {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	for _, region := range regions {
		ids := idsByRegion[region]
		if len(ids) == 0 {
			continue
		}
		api, err := p.client(ctx, region)
		if err != nil {
			return err
		}
		p.logger.Infof("[Pool %d] Terminating %d instances in region %s", poolID, len(ids), region)
		if _, err := api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
			return Classify(fmt.Errorf("failed to terminate instances in %s: %w", region, err))
		}
	}
	return nil
}

// TerminateByPool terminates every instance carrying the pool tag. It
// warns about instances the local inventory does not know that are not
// already on their way out.
func (p *EC2Spot) TerminateByPool(ctx context.Context, poolID int64, idsByRegion map[string][]string) error {
	regions := make([]string, 0, len(idsByRegion))
	for region := range idsByRegion {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	for _, region := range regions {
		api, err := p.client(ctx, region)
		if err != nil {
			return err
		}

		known := make(map[string]bool, len(idsByRegion[region]))
		for _, id := range idsByRegion[region] {
			known[id] = true
		}

		result, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []types.Filter{poolFilter(poolID)},
		})
		if err != nil {
			return Classify(fmt.Errorf("failed to find pool instances in %s: %w", region, err))
		}

		var ids []string
		for _, reservation := range result.Reservations {
			for _, instance := range reservation.Instances {
				id := aws.ToString(instance.InstanceId)
				status := translateState(instance.State.Code)
				if !known[id] && !status.Defunct() {
					p.logger.Warnf("[Pool %d] Instance with EC2 ID %s (status %d) is not in region list for region %s",
						poolID, id, int(status), region)
				}
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		if _, err := api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
			return Classify(fmt.Errorf("failed to terminate pool instances in %s: %w", region, err))
		}
	}
	return nil
}

// GetImage resolves an image name to the newest matching AMI id
func (p *EC2Spot) GetImage(ctx context.Context, region string, config *state.PoolConfig) (string, error) {
	api, err := p.client(ctx, region)
	if err != nil {
		return "", err
	}

	result, err := api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []types.Filter{{Name: aws.String("name"), Values: []string{config.ImageName}}},
	})
	if err != nil {
		return "", Classify(fmt.Errorf("failed to resolve image %s: %w", config.ImageName, err))
	}
	if len(result.Images) == 0 {
		return "", NewError(state.EntryConfigError, fmt.Errorf("image %s not found in region %s", config.ImageName, region))
	}

	images := result.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

// PricesPerRegion fetches recent spot price history for the region,
// newest prices first
func (p *EC2Spot) PricesPerRegion(ctx context.Context, region string, instanceTypes []string) (PriceMap, error) {
	api, err := p.client(ctx, region)
	if err != nil {
		return nil, err
	}

	input := &ec2.DescribeSpotPriceHistoryInput{
		Filters: []types.Filter{{
			Name:   aws.String("product-description"),
			Values: []string{"Linux/UNIX"},
		}},
		StartTime: aws.Time(time.Now().Add(-priceHistoryWindow)),
	}
	for _, instanceType := range instanceTypes {
		input.InstanceTypes = append(input.InstanceTypes, types.InstanceType(instanceType))
	}

	type observation struct {
		price float64
		at    time.Time
	}
	observations := make(map[string]map[string][]observation)

	paginator := ec2.NewDescribeSpotPriceHistoryPaginator(api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, Classify(fmt.Errorf("failed to fetch spot price history for %s: %w", region, err))
		}
		for _, entry := range page.SpotPriceHistory {
			zone := aws.ToString(entry.AvailabilityZone)
			if priceZoneBlacklist[zone] {
				continue
			}
			price, err := strconv.ParseFloat(aws.ToString(entry.SpotPrice), 64)
			if err != nil {
				continue
			}
			instanceType := string(entry.InstanceType)
			if observations[instanceType] == nil {
				observations[instanceType] = make(map[string][]observation)
			}
			observations[instanceType][zone] = append(observations[instanceType][zone],
				observation{price: price, at: aws.ToTime(entry.Timestamp)})
		}
	}

	prices := make(PriceMap)
	for instanceType, zones := range observations {
		prices[instanceType] = map[string]map[string][]float64{region: {}}
		for zone, series := range zones {
			sort.Slice(series, func(i, j int) bool { return series[i].at.After(series[j].at) })
			values := make([]float64, len(series))
			for i, obs := range series {
				values[i] = obs.price
			}
			prices[instanceType][region][zone] = values
		}
	}
	return prices, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
