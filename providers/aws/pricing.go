package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// priceListItem is the part of a pricing API product document we read
type priceListItem struct {
	Product struct {
		Attributes map[string]string `json:"attributes"`
	} `json:"product"`
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				Unit         string            `json:"unit"`
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

// HourlyPrice returns the Linux on-demand USD price of the training
// instance type in the client's region.
func (c *Client) HourlyPrice(ctx context.Context) (float64, error) {
	instanceType := c.knownInstanceType()
	if instanceType == "" {
		if _, err := c.describeInstance(ctx); err != nil {
			return 0, err
		}
		if instanceType = c.knownInstanceType(); instanceType == "" {
			return 0, fmt.Errorf("instance type of %s unknown", c.instanceID)
		}
	}

	out, err := c.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode:   aws.String("AmazonEC2"),
		FormatVersion: aws.String("aws_v1"),
		MaxResults:    aws.Int32(10),
		Filters: []pricingtypes.Filter{
			termMatch("instanceType", instanceType),
			termMatch("regionCode", c.region),
			termMatch("operatingSystem", "Linux"),
			termMatch("tenancy", "Shared"),
			termMatch("preInstalledSw", "NA"),
			termMatch("capacitystatus", "Used"),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("get %s price: %w", instanceType, err)
	}
	for _, doc := range out.PriceList {
		if price, ok := onDemandHourly(doc); ok {
			return price, nil
		}
	}
	return 0, fmt.Errorf("no on-demand price for %s in %s", instanceType, c.region)
}

func termMatch(field, value string) pricingtypes.Filter {
	return pricingtypes.Filter{
		Field: aws.String(field),
		Type:  pricingtypes.FilterTypeTermMatch,
		Value: aws.String(value),
	}
}

// onDemandHourly extracts the first non-zero hourly USD price of a product
func onDemandHourly(doc string) (float64, bool) {
	var item priceListItem
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return 0, false
	}
	for _, term := range item.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if dim.Unit != "Hrs" {
				continue
			}
			price, err := strconv.ParseFloat(dim.PricePerUnit["USD"], 64)
			if err == nil && price > 0 {
				return price, true
			}
		}
	}
	return 0, false
}
