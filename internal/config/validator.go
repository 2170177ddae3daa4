package config

import (
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// ValidateBucketConfig validates the S3 bucket configuration.
//
// Parameters:
//   - bucketConfig: The configuration to validate.
//
// Returns:
//   - An error if any required field is missing, otherwise nil.
func ValidateBucketConfig(bucketConfig BucketConfig) error {
	if bucketConfig.AccessKey == "" {
		return errors.New("missing AccessKey in configuration")
	}
	if bucketConfig.SecretKey == "" {
		return errors.New("missing SecretKey in configuration")
	}
	if bucketConfig.Bucket == "" {
		return errors.New("missing Bucket in configuration")
	}
	if bucketConfig.Region == "" {
		return errors.New("missing Region in configuration")
	}
	if bucketConfig.Endpoint == "" {
		return errors.New("missing Endpoint in configuration")
	}
	return nil
}

// ValidateListenerConfig validates the listener configuration.
//
// Parameters:
//   - listenerConfig: The configuration to validate.
//   - knownMatchers: The registered matcher types.
//
// Returns:
//   - An error describing the first invalid field, otherwise nil.
func ValidateListenerConfig(listenerConfig ListenerConfig, knownMatchers []string) error {
	if err := validatePositiveDuration("ScanInterval", listenerConfig.ScanInterval); err != nil {
		return err
	}
	if err := validatePositiveDuration("AttachTimeout", listenerConfig.AttachTimeout); err != nil {
		return err
	}
	if listenerConfig.CircularBufferSizeMB <= 0 {
		return errors.New("CircularBufferSizeMB must be positive")
	}

	for i, m := range listenerConfig.Matchers {
		if m == nil {
			return errors.Errorf("matcher %d is empty", i)
		}
		if !contains(knownMatchers, m.MatcherType) {
			return errors.Errorf("unknown matcher type %q", m.MatcherType)
		}
		if len(m.Patterns) == 0 {
			return errors.Errorf("matcher %d has no patterns", i)
		}
	}
	return nil
}

// ValidateHTTPSinkConfig validates the HTTP push sink configuration.
//
// Parameters:
//   - httpConfig: The configuration to validate.
//
// Returns:
//   - An error if the endpoint or durations are invalid, otherwise nil.
func ValidateHTTPSinkConfig(httpConfig HTTPSinkConfig) error {
	u, err := url.Parse(httpConfig.Endpoint)
	if err != nil {
		return errors.Wrap(err, "invalid Endpoint in configuration")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("unsupported Endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host in Endpoint")
	}
	if err := validatePositiveDuration("Timeout", httpConfig.Timeout); err != nil {
		return err
	}
	if httpConfig.QueueSize <= 0 {
		return errors.New("QueueSize must be positive")
	}
	if httpConfig.Breaker != nil {
		if err := validatePositiveDuration("Breaker.OpenTimeout", httpConfig.Breaker.OpenTimeout); err != nil {
			return err
		}
	}
	return nil
}

func validatePositiveDuration(field, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return errors.Wrapf(err, "invalid %s in configuration", field)
	}
	if d <= 0 {
		return errors.Errorf("%s must be positive", field)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
