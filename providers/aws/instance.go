package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// describeInstance fetches the tracked instance
func (c *Client) describeInstance(ctx context.Context) (*types.Instance, error) {
	if c.instanceID == "" {
		return nil, fmt.Errorf("no ec2 instance id configured")
	}
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{c.instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("describe instance %s: %w", c.instanceID, err)
	}
	for _, r := range out.Reservations {
		for i := range r.Instances {
			if str(r.Instances[i].InstanceId) == c.instanceID {
				inst := r.Instances[i]
				if inst.InstanceType != "" {
					c.rememberInstanceType(string(inst.InstanceType))
				}
				return &inst, nil
			}
		}
	}
	return nil, fmt.Errorf("instance %s not found", c.instanceID)
}

// ResolveHost returns the address of the running training instance,
// preferring its public IP. A stopped instance or one that has no address
// is an error.
func (c *Client) ResolveHost(ctx context.Context) (string, error) {
	inst, err := c.describeInstance(ctx)
	if err != nil {
		return "", err
	}
	if inst.State == nil || inst.State.Name != types.InstanceStateNameRunning {
		state := "unknown"
		if inst.State != nil {
			state = string(inst.State.Name)
		}
		return "", fmt.Errorf("instance %s is %s, not running", c.instanceID, state)
	}
	if ip := str(inst.PublicIpAddress); ip != "" {
		return ip, nil
	}
	if ip := str(inst.PrivateIpAddress); ip != "" {
		return ip, nil
	}
	return "", fmt.Errorf("instance %s has no ip address", c.instanceID)
}
