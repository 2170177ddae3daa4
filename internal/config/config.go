package config

import (
	"os"

	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the global configuration for the application.
type Config struct {
	// Log contains logging-related configuration.
	Log *logx.LoggingConfig
	// Listener contains the discovery, attach and aggregation configuration.
	Listener *ListenerConfig
	// Sinks contains the record sink configuration.
	Sinks *SinksConfig
}

// ListenerConfig holds the configuration for the process listener.
type ListenerConfig struct {
	// ScanInterval is the period of the process lifecycle scan (e.g., "100ms").
	ScanInterval string
	// AttachTimeout bounds how long an attach waits for the diagnostics endpoint.
	AttachTimeout string
	// CircularBufferSizeMB is the runtime-side event buffer size of a session.
	CircularBufferSizeMB int
	// CollectStacks enables the stack keyword on sessions.
	CollectStacks bool
	// Events selects the aggregated event categories.
	Events *EventsConfig
	// Matchers restrict the processes the listener attaches to. Empty means all.
	Matchers []*MatcherConfig
}

// EventsConfig selects the aggregated event categories.
type EventsConfig struct {
	GC          bool
	Allocations bool
	Jit         bool
}

// MatcherConfig holds the configuration of a process matcher.
type MatcherConfig struct {
	// MatcherType is the registered matcher name ("basic" or "glob").
	MatcherType string
	// Patterns are the process names or glob patterns to match.
	Patterns []string
	// Exclude inverts the matcher.
	Exclude bool
}

// SinksConfig holds the configuration for all record sinks.
type SinksConfig struct {
	HTTP     *HTTPSinkConfig
	File     *FileSinkConfig
	Snapshot *SnapshotSinkConfig
	Metrics  *MetricsSinkConfig
}

// HTTPSinkConfig holds the configuration of the HTTP push sink.
type HTTPSinkConfig struct {
	// Enabled indicates whether records are pushed.
	Enabled bool
	// Endpoint is the base URL records are posted to.
	Endpoint string
	// Timeout bounds a single POST (e.g., "2s").
	Timeout string
	// QueueSize is the number of records buffered before new ones are dropped.
	QueueSize int
	// Breaker controls the circuit breaker guarding the endpoint.
	Breaker *BreakerConfig
}

// BreakerConfig holds the circuit breaker configuration.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open (e.g., "10s").
	OpenTimeout string
}

// FileSinkConfig holds the configuration of the JSON lines file sink.
type FileSinkConfig struct {
	Enabled    bool
	Directory  string
	Filename   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
	// QueueSize is the number of records buffered before new ones are dropped.
	QueueSize int
}

// SnapshotSinkConfig holds the configuration of the per-process snapshot sink.
type SnapshotSinkConfig struct {
	// Enabled indicates whether snapshots are written.
	Enabled bool
	// Directory is where snapshot files are written.
	Directory string
	// Mode is the file mode for the directory.
	Mode os.FileMode
	// S3 optionally uploads written snapshots to a bucket.
	S3 *BucketConfig
}

// BucketConfig holds the configuration for an S3 compatible bucket.
type BucketConfig struct {
	// Enabled indicates whether the bucket is enabled.
	Enabled bool
	// Bucket is the name of the bucket.
	Bucket string
	// Region is the region of the bucket.
	Region string
	// Prefix is the prefix for objects in the bucket.
	Prefix string
	// Endpoint is the endpoint for the bucket.
	Endpoint string
	// AccessKey is the access key for the bucket.
	AccessKey string
	// SecretKey is the secret key for the bucket.
	SecretKey string
	// UseSSL enables SSL for the bucket connection.
	UseSSL bool
}

// MetricsSinkConfig holds the configuration of the prometheus sink and its HTTP server.
type MetricsSinkConfig struct {
	Enabled bool
	Host    string
	Port    int
	Path    string
}

// Defaults used when the configuration leaves a field empty.
const (
	DefaultScanInterval         = "100ms"
	DefaultAttachTimeout        = "3s"
	DefaultCircularBufferSizeMB = 256
	DefaultHTTPEndpoint         = "http://localhost:2143"
	DefaultHTTPTimeout          = "2s"
	DefaultHTTPQueueSize        = 1024
	DefaultBreakerMaxFailures   = 5
	DefaultBreakerOpenTimeout   = "10s"
	DefaultMetricsPort          = 1234
	DefaultMetricsPath          = "/metrics"
	DefaultFileSinkFilename     = "dni-records.jsonl"
	DefaultFileSinkQueueSize    = 4096
	DefaultSnapshotDirectory    = "snapshots"
)

var config = Default()

// Default returns the configuration used when no file is given.
func Default() Config {
	c := Config{
		Log: &logx.LoggingConfig{
			Level:          "Info",
			ConsoleLogging: true,
			FileLogging:    false,
		},
		Listener: &ListenerConfig{
			Events: &EventsConfig{GC: true, Allocations: true, Jit: true},
		},
		Sinks: &SinksConfig{
			HTTP: &HTTPSinkConfig{Enabled: true},
		},
	}
	initializeNestedStructs(&c)
	return c
}

// Initialize loads the configuration from the specified file. An empty path keeps
// the defaults and only applies environment overrides.
//
// Parameters:
//   - path: The path to the configuration file.
//
// Returns:
//   - An error if the configuration cannot be loaded.
func Initialize(path string) error {
	viper.Reset()
	viper.SetEnvPrefix("dni")
	viper.AutomaticEnv()

	c := Default()

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return errors.Wrap(err, "failed to read configuration file")
		}

		if err := viper.Unmarshal(&c); err != nil {
			return errors.Wrap(err, "failed to unmarshal configuration")
		}
	}

	initializeNestedStructs(&c)
	overrideWithEnvVars(&c)
	config = c

	return nil
}

// initializeNestedStructs ensures all nested structs are initialized and
// empty fields carry their defaults.
func initializeNestedStructs(c *Config) {
	if c.Log == nil {
		c.Log = &logx.LoggingConfig{Level: "Info", ConsoleLogging: true}
	}
	if c.Listener == nil {
		c.Listener = &ListenerConfig{}
	}
	l := c.Listener
	if l.ScanInterval == "" {
		l.ScanInterval = DefaultScanInterval
	}
	if l.AttachTimeout == "" {
		l.AttachTimeout = DefaultAttachTimeout
	}
	if l.CircularBufferSizeMB == 0 {
		l.CircularBufferSizeMB = DefaultCircularBufferSizeMB
	}
	if l.Events == nil {
		l.Events = &EventsConfig{GC: true, Allocations: true, Jit: true}
	}

	if c.Sinks == nil {
		c.Sinks = &SinksConfig{}
	}
	s := c.Sinks
	if s.HTTP == nil {
		s.HTTP = &HTTPSinkConfig{}
	}
	if s.HTTP.Endpoint == "" {
		s.HTTP.Endpoint = DefaultHTTPEndpoint
	}
	if s.HTTP.Timeout == "" {
		s.HTTP.Timeout = DefaultHTTPTimeout
	}
	if s.HTTP.QueueSize == 0 {
		s.HTTP.QueueSize = DefaultHTTPQueueSize
	}
	if s.HTTP.Breaker == nil {
		s.HTTP.Breaker = &BreakerConfig{}
	}
	if s.HTTP.Breaker.MaxFailures == 0 {
		s.HTTP.Breaker.MaxFailures = DefaultBreakerMaxFailures
	}
	if s.HTTP.Breaker.OpenTimeout == "" {
		s.HTTP.Breaker.OpenTimeout = DefaultBreakerOpenTimeout
	}
	if s.File == nil {
		s.File = &FileSinkConfig{}
	}
	if s.File.Filename == "" {
		s.File.Filename = DefaultFileSinkFilename
	}
	if s.File.QueueSize == 0 {
		s.File.QueueSize = DefaultFileSinkQueueSize
	}
	if s.Snapshot == nil {
		s.Snapshot = &SnapshotSinkConfig{}
	}
	if s.Snapshot.Directory == "" {
		s.Snapshot.Directory = DefaultSnapshotDirectory
	}
	if s.Snapshot.Mode == 0 {
		s.Snapshot.Mode = 0o755
	}
	if s.Snapshot.S3 == nil {
		s.Snapshot.S3 = &BucketConfig{}
	}
	if s.Metrics == nil {
		s.Metrics = &MetricsSinkConfig{}
	}
	if s.Metrics.Port == 0 {
		s.Metrics.Port = DefaultMetricsPort
	}
	if s.Metrics.Path == "" {
		s.Metrics.Path = DefaultMetricsPath
	}
}

// overrideWithEnvVars overrides sensitive fields with environment variables if set.
// The file holds the name of the variable, not the secret.
func overrideWithEnvVars(c *Config) {
	s3 := c.Sinks.Snapshot.S3
	if s3.AccessKey != "" {
		s3.AccessKey = os.Getenv(s3.AccessKey)
	}
	if s3.SecretKey != "" {
		s3.SecretKey = os.Getenv(s3.SecretKey)
	}
}

// Get returns the loaded configuration.
//
// Returns:
//   - The global configuration.
func Get() Config {
	return config
}
