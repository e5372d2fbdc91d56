// Package s3 publishes job results to AWS S3 and S3-compatible storage.
package s3

import "fmt"

// FallbackRegion is used for AWS destinations when neither the config,
// the environment nor the shared profile names a region.
const FallbackRegion = "us-east-1"

// Config describes one publish bucket. Credentials come from the SDK
// default chain unless both static keys are set.
type Config struct {
	Bucket string

	// Region may be empty. S3-compatible endpoints get no fallback.
	Region string

	// Endpoint targets an S3-compatible store such as MinIO or moto.
	Endpoint string

	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the URL path. Most
	// S3-compatible stores need it.
	ForcePathStyle bool
}

// Validate reports the first missing or inconsistent field.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "bucket", Reason: "required"}
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return &ConfigError{Field: "credentials", Reason: "access key and secret must be set together"}
	}
	return nil
}

// region picks the region the client signs with, given what the SDK
// resolved from env and profile.
func (c Config) region(resolved string) string {
	if resolved != "" {
		return resolved
	}
	if c.Endpoint != "" {
		return ""
	}
	return FallbackRegion
}

// ConfigError is returned by Validate and New for unusable configs.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("s3 publish config: %s %s", e.Field, e.Reason)
}
