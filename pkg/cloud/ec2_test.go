package cloud

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

// fakeEC2 records calls and answers from canned responses.
type fakeEC2 struct {
	runInput      *ec2.RunInstancesInput
	describeInput *ec2.DescribeInstancesInput
	terminated    []string
	tagInput      *ec2.CreateTagsInput

	describeOut *ec2.DescribeInstancesOutput
	spotOut     *ec2.DescribeSpotPriceHistoryOutput
}

func (f *fakeEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runInput = params
	return &ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{InstanceId: aws.String("i-0abc")}},
	}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.describeInput = params
	if f.describeOut != nil {
		return f.describeOut, nil
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.terminated = append(f.terminated, params.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.tagInput = params
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	if f.spotOut != nil {
		return f.spotOut, nil
	}
	return &ec2.DescribeSpotPriceHistoryOutput{}, nil
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func TestLaunchFromTemplateTagsInstance(t *testing.T) {
	api := &fakeEC2{}
	c := NewClientWithAPI(api, "prod-cluster", "fleet-worker", logger.Nop())

	id, err := c.LaunchFromTemplate(context.Background(), "lt-123", "subnet-a", LifecycleSpot,
		map[string]string{"ScaleBatch": "batch-1"})
	require.NoError(t, err)
	assert.Equal(t, "i-0abc", id)

	require.NotNil(t, api.runInput)
	assert.Equal(t, "lt-123", aws.ToString(api.runInput.LaunchTemplate.LaunchTemplateId))
	assert.Equal(t, "subnet-a", aws.ToString(api.runInput.SubnetId))

	require.Len(t, api.runInput.TagSpecifications, 1)
	tags := api.runInput.TagSpecifications[0].Tags
	assert.Equal(t, "prod-cluster", tagValue(tags, "Cluster"))
	assert.Equal(t, "fleet-worker", tagValue(tags, "Role"))
	assert.Equal(t, "spot", tagValue(tags, "Lifecycle"))
	assert.Equal(t, "batch-1", tagValue(tags, "ScaleBatch"))
}

func TestWorkerInstancesFiltersByClusterTags(t *testing.T) {
	launch := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	api := &fakeEC2{
		describeOut: &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{
				Instances: []ec2types.Instance{
					{
						InstanceId:        aws.String("i-spot1"),
						PrivateDnsName:    aws.String("ip-10-0-1-5.ec2.internal"),
						InstanceLifecycle: ec2types.InstanceLifecycleTypeSpot,
						SubnetId:          aws.String("subnet-a"),
						LaunchTime:        &launch,
					},
					{
						InstanceId: aws.String("i-od1"),
						SubnetId:   aws.String("subnet-b"),
					},
				},
			}},
		},
	}
	c := NewClientWithAPI(api, "prod-cluster", "fleet-worker", logger.Nop())

	instances, err := c.WorkerInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 2)

	assert.Equal(t, "ip-10-0-1-5", instances[0].NodeName)
	assert.Equal(t, LifecycleSpot, instances[0].Lifecycle)
	assert.Equal(t, launch, instances[0].LaunchTime)

	// Without a private DNS name the node name falls back to the id.
	assert.Equal(t, "i-od1", instances[1].NodeName)
	assert.Equal(t, LifecycleOnDemand, instances[1].Lifecycle)

	// Query filtered on cluster, role, and running state.
	names := make([]string, 0, 3)
	for _, f := range api.describeInput.Filters {
		names = append(names, aws.ToString(f.Name))
	}
	assert.ElementsMatch(t, []string{"tag:Cluster", "tag:Role", "instance-state-name"}, names)
}

func TestDescribeInstanceNotFound(t *testing.T) {
	c := NewClientWithAPI(&fakeEC2{}, "prod-cluster", "fleet-worker", logger.Nop())

	_, err := c.DescribeInstance(context.Background(), "i-missing")
	assert.Error(t, err)
}

func TestTerminate(t *testing.T) {
	api := &fakeEC2{}
	c := NewClientWithAPI(api, "prod-cluster", "fleet-worker", logger.Nop())

	require.NoError(t, c.Terminate(context.Background(), "i-1", "i-2"))
	assert.Equal(t, []string{"i-1", "i-2"}, api.terminated)

	// No ids means no API call.
	require.NoError(t, c.Terminate(context.Background()))
	assert.Len(t, api.terminated, 2)
}

func TestSpotPricesKeepsLowestPerZone(t *testing.T) {
	api := &fakeEC2{
		spotOut: &ec2.DescribeSpotPriceHistoryOutput{
			SpotPriceHistory: []ec2types.SpotPrice{
				{AvailabilityZone: aws.String("ap-south-1a"), SpotPrice: aws.String("0.045")},
				{AvailabilityZone: aws.String("ap-south-1a"), SpotPrice: aws.String("0.041")},
				{AvailabilityZone: aws.String("ap-south-1b"), SpotPrice: aws.String("0.052")},
				{AvailabilityZone: aws.String("ap-south-1c"), SpotPrice: aws.String("not-a-number")},
			},
		},
	}
	c := NewClientWithAPI(api, "prod-cluster", "fleet-worker", logger.Nop())

	prices, err := c.SpotPrices(context.Background(), "m5.large", []string{"ap-south-1a", "ap-south-1b"})
	require.NoError(t, err)

	assert.InDelta(t, 0.041, prices["ap-south-1a"], 0.0001)
	assert.InDelta(t, 0.052, prices["ap-south-1b"], 0.0001)
	_, ok := prices["ap-south-1c"]
	assert.False(t, ok)
}
