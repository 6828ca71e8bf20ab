package service

import (
	"time"

	"github.com/cyverse/thumbcache/commons"
)

// ServerConfig is a configuration for Server
type ServerConfig struct {
	MemoryCacheSizeMax  int64
	DecodeWorkers       int
	DecodeMemoryMax     int64
	ProbeCacheTimeout   time.Duration
	FailureCacheTimeout time.Duration
}

// NewDefaultServerConfig creates a ServerConfig with defaults
func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MemoryCacheSizeMax:  commons.MemoryCacheSizeMaxDefault,
		DecodeWorkers:       commons.GetDefaultDecodeWorkers(),
		DecodeMemoryMax:     commons.DecodeMemoryMaxDefault,
		ProbeCacheTimeout:   commons.ProbeCacheTimeoutDefault,
		FailureCacheTimeout: commons.FailureCacheTimeoutDefault,
	}
}

// NewServerConfig creates a ServerConfig from the service configuration
func NewServerConfig(config *commons.Config) *ServerConfig {
	return &ServerConfig{
		MemoryCacheSizeMax:  config.MemoryCacheSizeMax,
		DecodeWorkers:       config.DecodeWorkers,
		DecodeMemoryMax:     config.DecodeMemoryMax,
		ProbeCacheTimeout:   config.ProbeCacheTimeout,
		FailureCacheTimeout: config.FailureCacheTimeout,
	}
}
