package s3

import (
	"fmt"
	"strings"
)

// R2Config holds Cloudflare R2-specific configuration.
type R2Config struct {
	AccountID  string // 32 hex characters
	BucketName string
	AccessKey  string
	SecretKey  string
	Prefix     string
}

// R2 returns a Config for Cloudflare R2. R2 uses the "auto" region and an
// account-specific endpoint.
func R2(c R2Config) (Config, error) {
	if !IsValidR2AccountID(c.AccountID) {
		return Config{}, fmt.Errorf("invalid R2 account id %q", c.AccountID)
	}
	return Config{
		Bucket:          c.BucketName,
		Region:          "auto",
		Endpoint:        R2EndpointForAccount(c.AccountID),
		AccessKeyID:     c.AccessKey,
		SecretAccessKey: c.SecretKey,
		Prefix:          c.Prefix,
		Compress:        true,
	}, nil
}

// R2EndpointForAccount returns the R2 endpoint for a given account ID.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID performs basic validation of a Cloudflare Account ID.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	return strings.Trim(strings.ToLower(accountID), "0123456789abcdef") == ""
}
