package s3

import (
	"fmt"
	"strings"
)

// MinIOConfig holds MinIO-specific configuration.
type MinIOConfig struct {
	Endpoint   string // e.g. "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Prefix     string
}

// MinIO returns a Config for a MinIO server. MinIO requires path-style
// addressing; the region is ignored by the server but required by the SDK.
func MinIO(c MinIOConfig) (Config, error) {
	endpoint, err := ParseMinIOEndpoint(c.Endpoint, c.UseSSL)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Bucket:          c.BucketName,
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     c.AccessKey,
		SecretAccessKey: c.SecretKey,
		Prefix:          c.Prefix,
		UsePathStyle:    true,
	}, nil
}

// ParseMinIOEndpoint adds a scheme when missing and drops a trailing slash.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}

	return strings.TrimSuffix(endpoint, "/"), nil
}
