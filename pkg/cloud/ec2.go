// EC2 client wrapper for worker fleet operations.
package cloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

// Lifecycle is the purchase class of an instance.
type Lifecycle string

const (
	LifecycleSpot     Lifecycle = "spot"
	LifecycleOnDemand Lifecycle = "on-demand"
)

// Instance is the autoscaler's view of one worker instance.
type Instance struct {
	ID         string
	NodeName   string
	Lifecycle  Lifecycle
	SubnetID   string
	Zone       string
	LaunchTime time.Time
	Tags       map[string]string
}

// EC2API is the subset of the EC2 client the autoscaler calls. Faked in
// tests.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

// Client wraps the EC2 API with fleet-level operations.
type Client struct {
	api       EC2API
	clusterID string
	roleTag   string
	log       logger.Logger
}

// NewClient builds an EC2-backed client for the given region.
func NewClient(ctx context.Context, region, clusterID, roleTag string, log logger.Logger) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Client{
		api:       ec2.NewFromConfig(cfg),
		clusterID: clusterID,
		roleTag:   roleTag,
		log:       log,
	}, nil
}

// NewClientWithAPI wires a client to an EC2API directly. For tests.
func NewClientWithAPI(api EC2API, clusterID, roleTag string, log logger.Logger) *Client {
	return &Client{api: api, clusterID: clusterID, roleTag: roleTag, log: log}
}

// LaunchFromTemplate starts one instance from a launch template in the
// given subnet and tags it. Returns the instance id.
func (c *Client) LaunchFromTemplate(ctx context.Context, templateID, subnetID string, lifecycle Lifecycle, extraTags map[string]string) (string, error) {
	tags := []ec2types.Tag{
		{Key: aws.String("Cluster"), Value: aws.String(c.clusterID)},
		{Key: aws.String("Role"), Value: aws.String(c.roleTag)},
		{Key: aws.String("Lifecycle"), Value: aws.String(string(lifecycle))},
		{Key: aws.String("LaunchedBy"), Value: aws.String("fleet-autoscaler")},
	}
	for k, v := range extraTags {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	out, err := c.api.RunInstances(ctx, &ec2.RunInstancesInput{
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(templateID),
		},
		SubnetId: aws.String(subnetID),
		MinCount: aws.Int32(1),
		MaxCount: aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
		},
	})
	if err != nil {
		return "", fmt.Errorf("run instances (template %s, subnet %s): %w", templateID, subnetID, err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instances returned no instances")
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	c.log.Infof("launched %s instance %s in subnet %s", lifecycle, id, subnetID)
	return id, nil
}

// WorkerInstances lists the running worker instances of this cluster.
func (c *Client) WorkerInstances(ctx context.Context) ([]Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Cluster"), Values: []string{c.clusterID}},
			{Name: aws.String("tag:Role"), Values: []string{c.roleTag}},
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe worker instances: %w", err)
	}

	var instances []Instance
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			instances = append(instances, fromEC2Instance(inst))
		}
	}
	return instances, nil
}

// DescribeInstance returns a single instance by id.
func (c *Client) DescribeInstance(ctx context.Context, id string) (*Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return nil, fmt.Errorf("describe instance %s: %w", id, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			found := fromEC2Instance(inst)
			return &found, nil
		}
	}
	return nil, fmt.Errorf("instance %s not found", id)
}

// Terminate terminates instances by id.
func (c *Client) Terminate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		return fmt.Errorf("terminate instances %v: %w", ids, err)
	}
	c.log.Infof("terminated instances: %v", ids)
	return nil
}

// Tag applies tags to instances.
func (c *Client) Tag(ctx context.Context, ids []string, tags map[string]string) error {
	ec2Tags := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		ec2Tags = append(ec2Tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err := c.api.CreateTags(ctx, &ec2.CreateTagsInput{Resources: ids, Tags: ec2Tags})
	if err != nil {
		return fmt.Errorf("tag instances %v: %w", ids, err)
	}
	return nil
}

// SpotPrices returns the most recent spot price per availability zone for
// the given instance type. Missing zones are omitted.
func (c *Client) SpotPrices(ctx context.Context, instanceType string, zones []string) (map[string]float64, error) {
	out, err := c.api.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
		ProductDescriptions: []string{"Linux/UNIX"},
		MaxResults:          aws.Int32(int32(len(zones) * 2)),
	})
	if err != nil {
		return nil, fmt.Errorf("describe spot price history: %w", err)
	}

	prices := make(map[string]float64)
	for _, p := range out.SpotPriceHistory {
		zone := aws.ToString(p.AvailabilityZone)
		var price float64
		if _, err := fmt.Sscanf(aws.ToString(p.SpotPrice), "%f", &price); err != nil {
			continue
		}
		if existing, ok := prices[zone]; !ok || price < existing {
			prices[zone] = price
		}
	}
	return prices, nil
}

func fromEC2Instance(inst ec2types.Instance) Instance {
	lifecycle := LifecycleOnDemand
	if inst.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot {
		lifecycle = LifecycleSpot
	}

	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	var zone string
	if inst.Placement != nil {
		zone = aws.ToString(inst.Placement.AvailabilityZone)
	}

	var launchTime time.Time
	if inst.LaunchTime != nil {
		launchTime = *inst.LaunchTime
	}

	return Instance{
		ID:         aws.ToString(inst.InstanceId),
		NodeName:   nodeNameFromDNS(aws.ToString(inst.PrivateDnsName), aws.ToString(inst.InstanceId)),
		Lifecycle:  lifecycle,
		SubnetID:   aws.ToString(inst.SubnetId),
		Zone:       zone,
		LaunchTime: launchTime,
		Tags:       tags,
	}
}

// nodeNameFromDNS derives the orchestrator node name from the private DNS
// hostname (first label), falling back to the instance id.
func nodeNameFromDNS(privateDNS, fallback string) string {
	if privateDNS == "" {
		return fallback
	}
	return strings.Split(privateDNS, ".")[0]
}
