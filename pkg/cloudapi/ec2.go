package cloudapi

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sony/gobreaker"

	"github.com/wisbric/fleetctl/internal/ctlerr"
)

// EC2Client implements Client against Amazon EC2, with outbound calls
// wrapped in a circuit breaker so repeated provider failures trip open
// instead of hammering the API.
type EC2Client struct {
	ec2 *ec2.Client
	cb  *gobreaker.CircuitBreaker
}

// NewEC2Client builds an EC2Client for region using the default AWS
// credential chain.
func NewEC2Client(ctx context.Context, region string) (*EC2Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ec2",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &EC2Client{ec2: ec2.NewFromConfig(cfg), cb: cb}, nil
}

// RunInstances launches one instance of the given type, requesting spot
// market if req.Spot is set.
func (c *EC2Client) RunInstances(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	result, err := c.cb.Execute(func() (any, error) {
		input := &ec2.RunInstancesInput{
			ImageId:      aws.String(req.AMIID),
			InstanceType: types.InstanceType(req.InstanceType),
			MinCount:     aws.Int32(1),
			MaxCount:     aws.Int32(1),
			Placement:    &types.Placement{AvailabilityZone: aws.String(req.AZ)},
		}
		if req.Spot {
			input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
				MarketType: types.MarketTypeSpot,
			}
		}
		return c.ec2.RunInstances(ctx, input)
	})
	if err != nil {
		return LaunchResult{}, fmt.Errorf("%w: RunInstances: %v", ctlerr.ExternalUnavailable, err)
	}

	out := result.(*ec2.RunInstancesOutput)
	if len(out.Instances) == 0 {
		return LaunchResult{}, fmt.Errorf("%w: RunInstances returned no instances", ctlerr.ExternalUnavailable)
	}
	return LaunchResult{InstanceID: aws.ToString(out.Instances[0].InstanceId), LaunchedAt: time.Now()}, nil
}

// TerminateInstances terminates the given cloud-assigned instance ids.
func (c *EC2Client) TerminateInstances(ctx context.Context, instanceIDs []string) error {
	_, err := c.cb.Execute(func() (any, error) {
		return c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: instanceIDs,
		})
	})
	if err != nil {
		return fmt.Errorf("%w: TerminateInstances: %v", ctlerr.ExternalUnavailable, err)
	}
	return nil
}

// DescribeInstances returns current cloud-side state for the given ids.
func (c *EC2Client) DescribeInstances(ctx context.Context, instanceIDs []string) ([]DescribedInstance, error) {
	result, err := c.cb.Execute(func() (any, error) {
		return c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: instanceIDs,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: DescribeInstances: %v", ctlerr.ExternalUnavailable, err)
	}

	out := result.(*ec2.DescribeInstancesOutput)
	var described []DescribedInstance
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			d := DescribedInstance{InstanceID: aws.ToString(inst.InstanceId)}
			if inst.State != nil {
				d.State = string(inst.State.Name)
			}
			if inst.PrivateIpAddress != nil {
				d.PrivateIP = aws.ToString(inst.PrivateIpAddress)
			}
			if inst.PublicIpAddress != nil {
				d.PublicIP = aws.ToString(inst.PublicIpAddress)
			}
			described = append(described, d)
		}
	}
	return described, nil
}

// SpotPriceHistory queries EC2's spot price history for backfilling
// pricing gaps.
func (c *EC2Client) SpotPriceHistory(ctx context.Context, instanceType, region, az string, from, to time.Time) ([]HistoricalPricePoint, error) {
	result, err := c.cb.Execute(func() (any, error) {
		return c.ec2.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
			InstanceTypes:       []types.InstanceType{types.InstanceType(instanceType)},
			AvailabilityZone:    aws.String(az),
			StartTime:           aws.Time(from),
			EndTime:             aws.Time(to),
			ProductDescriptions: []string{"Linux/UNIX"},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: DescribeSpotPriceHistory: %v", ctlerr.ExternalUnavailable, err)
	}

	out := result.(*ec2.DescribeSpotPriceHistoryOutput)
	var points []HistoricalPricePoint
	for _, p := range out.SpotPriceHistory {
		price, parseErr := parsePrice(aws.ToString(p.SpotPrice))
		if parseErr != nil {
			continue
		}
		points = append(points, HistoricalPricePoint{ObservedAt: aws.ToTime(p.Timestamp), Price: price})
	}
	return points, nil
}
