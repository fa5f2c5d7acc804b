package s3

import (
	"sort"
)

// awsRegions lists the AWS S3 regions accepted by AWSConfig.
var awsRegions = map[string]bool{
	"us-east-1":      true,
	"us-east-2":      true,
	"us-west-1":      true,
	"us-west-2":      true,
	"eu-west-1":      true,
	"eu-west-2":      true,
	"eu-west-3":      true,
	"eu-central-1":   true,
	"eu-north-1":     true,
	"eu-south-1":     true,
	"ap-northeast-1": true,
	"ap-southeast-1": true,
	"ap-south-1":     true,
	"ca-central-1":   true,
	"sa-east-1":      true,
	"me-south-1":     true,
	"me-central-1":   true,
	"af-south-1":     true,
}

// AWSConfig holds AWS S3-specific configuration.
type AWSConfig struct {
	BucketName string
	AccessKey  string // empty to use the default credential chain
	SecretKey  string
	Region     string // Default: us-east-1
	Prefix     string
}

// AWS returns a Config for AWS S3 (virtual-host style addressing).
func AWS(c AWSConfig) Config {
	region := c.Region
	if region == "" {
		region = "us-east-1"
	}
	return Config{
		Bucket:          c.BucketName,
		Region:          region,
		AccessKeyID:     c.AccessKey,
		SecretAccessKey: c.SecretKey,
		Prefix:          c.Prefix,
		Compress:        true,
	}
}

// IsSupportedAWSRegion checks if a region is supported.
func IsSupportedAWSRegion(region string) bool {
	return awsRegions[region]
}

// SupportedAWSRegions returns all supported AWS regions, sorted.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsRegions))
	for region := range awsRegions {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}
