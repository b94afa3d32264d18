package s3

import (
	"fmt"
	"strings"
)

// Provider names an S3 compatible service.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderR2    Provider = "r2"
	ProviderMinIO Provider = "minio"
)

// Config configures an ObjectStoreClient.
type Config struct {
	Provider Provider
	Bucket   string
	// Prefix is prepended to every object key.
	Prefix string
	Region string
	// Endpoint overrides the service endpoint. It is derived from the
	// provider when empty.
	Endpoint        string
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	DeviceID        string
}

// Normalize fills provider specific defaults.
// AWS resolves its regional endpoint through the SDK. R2 uses an account
// endpoint and the "auto" region. MinIO needs path-style addressing.
func (c Config) Normalize() (Config, error) {
	if c.Bucket == "" {
		return c, fmt.Errorf("bucket is required")
	}
	c.Prefix = strings.Trim(c.Prefix, "/")

	switch c.Provider {
	case "", ProviderAWS:
		c.Provider = ProviderAWS
		if c.Region == "" {
			c.Region = "us-east-1"
		}
	case ProviderR2:
		if c.Endpoint == "" {
			if !IsValidR2AccountID(c.AccountID) {
				return c, fmt.Errorf("invalid r2 account id %q", c.AccountID)
			}
			c.Endpoint = "https://" + R2EndpointForAccount(c.AccountID)
		}
		c.Region = "auto"
	case ProviderMinIO:
		endpoint, err := ParseMinIOEndpoint(c.Endpoint, false)
		if err != nil {
			return c, err
		}
		c.Endpoint = endpoint
		c.UsePathStyle = true
		if c.Region == "" {
			c.Region = "us-east-1"
		}
	default:
		return c, fmt.Errorf("unknown provider %q", c.Provider)
	}
	return c, nil
}

// R2EndpointForAccount returns the R2 host for an account id.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like an R2 account id,
// which is 32 hex characters.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// ParseMinIOEndpoint adds a scheme to endpoint when it has none and drops a
// trailing slash.
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
