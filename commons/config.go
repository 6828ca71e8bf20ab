package commons

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/xid"
	yaml "gopkg.in/yaml.v2"
)

var (
	instanceID string
)

// getInstanceID returns instance ID
func getInstanceID() string {
	if len(instanceID) == 0 {
		instanceID = xid.New().String()
	}

	return instanceID
}

// GetDefaultLogFilePath returns default log file path
func GetDefaultLogFilePath() string {
	return fmt.Sprintf("%s_%s.log", LogFilePathPrefixDefault, getInstanceID())
}

// GetDefaultDiskCacheRootPath returns default disk cache root path.
// The disk cache is persistent, so unlike log files the path is not unique per instance.
func GetDefaultDiskCacheRootPath() string {
	return DiskCacheRootPathPrefixDefault
}

// GetDefaultDecodeWorkers returns the default size of the decode worker pool
func GetDefaultDecodeWorkers() int {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	return workers
}

// Config holds the parameters list which can be configured
type Config struct {
	ServicePort    int    `envconfig:"THUMBCACHE_SERVICE_PORT" yaml:"service_port"`
	SourceRootPath string `envconfig:"THUMBCACHE_SOURCE_ROOT_PATH" yaml:"source_root_path"`

	MemoryCacheSizeMax int64  `envconfig:"THUMBCACHE_MEMORY_CACHE_SIZE_MAX" yaml:"memory_cache_size_max"`
	DiskCacheSizeMax   int64  `envconfig:"THUMBCACHE_DISK_CACHE_SIZE_MAX" yaml:"disk_cache_size_max"`
	DiskCacheRootPath  string `envconfig:"THUMBCACHE_DISK_CACHE_ROOT_PATH" yaml:"disk_cache_root_path"`

	DecodeWorkers   int   `envconfig:"THUMBCACHE_DECODE_WORKERS" yaml:"decode_workers"`
	DecodeMemoryMax int64 `envconfig:"THUMBCACHE_DECODE_MEMORY_MAX" yaml:"decode_memory_max"`

	ProbeCacheTimeout   time.Duration `envconfig:"THUMBCACHE_PROBE_CACHE_TIMEOUT" yaml:"probe_cache_timeout"`
	FailureCacheTimeout time.Duration `envconfig:"THUMBCACHE_FAILURE_CACHE_TIMEOUT" yaml:"failure_cache_timeout"`
	RequestTimeout      time.Duration `envconfig:"THUMBCACHE_REQUEST_TIMEOUT" yaml:"request_timeout"`

	// thumbnail requests per second, 0 means unlimited
	RequestRateLimit float64 `envconfig:"THUMBCACHE_REQUEST_RATE_LIMIT" yaml:"request_rate_limit,omitempty"`
	RequestRateBurst int     `envconfig:"THUMBCACHE_REQUEST_RATE_BURST" yaml:"request_rate_burst,omitempty"`

	LogPath string `envconfig:"THUMBCACHE_LOG_PATH" yaml:"log_path,omitempty"`
	Debug   bool   `envconfig:"THUMBCACHE_DEBUG" yaml:"debug,omitempty"`

	Profile                bool `ignored:"true" yaml:"profile,omitempty"`
	ProfileServicePort     int  `ignored:"true" yaml:"profile_service_port,omitempty"`
	PrometheusExporterPort int  `envconfig:"THUMBCACHE_PROMETHEUS_EXPORTER_PORT" yaml:"prometheus_exporter_port,omitempty"`

	InstanceID string `ignored:"true" yaml:"instanceid,omitempty"`
}

// NewDefaultConfig creates DefaultConfig
func NewDefaultConfig() *Config {
	return &Config{
		ServicePort:    ServicePortDefault,
		SourceRootPath: "",

		MemoryCacheSizeMax: MemoryCacheSizeMaxDefault,
		DiskCacheSizeMax:   DiskCacheSizeMaxDefault,
		DiskCacheRootPath:  GetDefaultDiskCacheRootPath(),

		DecodeWorkers:   GetDefaultDecodeWorkers(),
		DecodeMemoryMax: DecodeMemoryMaxDefault,

		ProbeCacheTimeout:   ProbeCacheTimeoutDefault,
		FailureCacheTimeout: FailureCacheTimeoutDefault,
		RequestTimeout:      RequestTimeoutDefault,

		RequestRateLimit: 0,
		RequestRateBurst: RequestRateBurstDefault,

		LogPath: "",
		Debug:   false,

		Profile:                false,
		ProfileServicePort:     ProfileServicePortDefault,
		PrometheusExporterPort: PrometheusExporterPortDefault,

		InstanceID: getInstanceID(),
	}
}

// NewConfigFromENV creates Config from Environmental Variables
func NewConfigFromENV() (*Config, error) {
	config := NewDefaultConfig()

	err := envconfig.Process("", config)
	if err != nil {
		return nil, fmt.Errorf("failed to read environmental variables - %v", err)
	}

	return config, nil
}

// NewConfigFromYAML creates Config from YAML
func NewConfigFromYAML(yamlBytes []byte) (*Config, error) {
	config := NewDefaultConfig()

	err := yaml.Unmarshal(yamlBytes, config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML - %v", err)
	}

	return config, nil
}

// GetLogFilePath returns log file path
func (config *Config) GetLogFilePath() string {
	if config.LogPath == "-" {
		return ""
	}
	return config.LogPath
}

// MakeWorkDirs makes dirs required
func (config *Config) MakeWorkDirs() error {
	if config.DiskCacheSizeMax > 0 && len(config.DiskCacheRootPath) > 0 {
		err := os.MkdirAll(config.DiskCacheRootPath, 0700)
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate validates configuration
func (config *Config) Validate() error {
	if config.ServicePort <= 0 {
		return fmt.Errorf("service port must be given")
	}

	// source ids are confined to the root, without it any file on the host could be served
	if len(config.SourceRootPath) == 0 {
		return fmt.Errorf("source root path must be given")
	}

	if config.MemoryCacheSizeMax <= 0 {
		return fmt.Errorf("memory cache size max must be a positive number")
	}

	if config.DiskCacheSizeMax < 0 {
		return fmt.Errorf("disk cache size max must not be negative")
	}

	if config.DiskCacheSizeMax > 0 && len(config.DiskCacheRootPath) == 0 {
		return fmt.Errorf("disk cache root path must be given")
	}

	if config.DecodeWorkers <= 0 {
		return fmt.Errorf("decode workers must be a positive number")
	}

	if config.DecodeMemoryMax <= 0 {
		return fmt.Errorf("decode memory max must be a positive number")
	}

	if config.ProbeCacheTimeout < 0 || config.FailureCacheTimeout < 0 {
		return fmt.Errorf("probe cache timeouts must not be negative")
	}

	if config.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be a positive duration")
	}

	if config.RequestRateLimit < 0 {
		return fmt.Errorf("request rate limit must not be negative")
	}

	if config.RequestRateLimit > 0 && config.RequestRateBurst <= 0 {
		return fmt.Errorf("request rate burst must be a positive number")
	}

	if config.Profile && config.ProfileServicePort <= 0 {
		return fmt.Errorf("profile service port must be given")
	}

	return nil
}
