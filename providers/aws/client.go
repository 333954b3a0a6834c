package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
)

// The pricing API is only served from a few regions
const pricingRegion = "us-east-1"

type ec2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

type pricingAPI interface {
	GetProducts(ctx context.Context, in *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// Client talks to EC2 about the training instance: where it is and what it
// costs.
type Client struct {
	ec2Client     ec2API
	pricingClient pricingAPI
	region        string
	instanceID    string

	mu           sync.Mutex
	instanceType string // configured, or learned from DescribeInstances
}

// NewClient creates a new AWS client for the instance in region. An empty
// instanceType is looked up from the instance on first use.
func NewClient(ctx context.Context, region, instanceID, instanceType string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Client{
		ec2Client: ec2.NewFromConfig(cfg),
		pricingClient: pricing.NewFromConfig(cfg, func(o *pricing.Options) {
			o.Region = pricingRegion
		}),
		region:       region,
		instanceID:   instanceID,
		instanceType: instanceType,
	}, nil
}

// InstanceID returns the tracked instance id
func (c *Client) InstanceID() string { return c.instanceID }

func (c *Client) knownInstanceType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceType
}

func (c *Client) rememberInstanceType(t string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instanceType == "" {
		c.instanceType = t
	}
}

func str(p *string) string {
	return aws.ToString(p)
}
