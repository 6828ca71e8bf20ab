package commons

import "time"

const (
	ServicePortDefault            int   = 12030
	MemoryCacheSizeMaxDefault     int64 = 1024 * 1024 * 64       // 64MB
	DiskCacheSizeMaxDefault       int64 = 1024 * 1024 * 1024 * 1 // 1GB
	DecodeMemoryMaxDefault        int64 = 256 << 20              // 256MB of pixel data in flight
	ProfileServicePortDefault     int   = 12031
	PrometheusExporterPortDefault int   = 12032
	RequestRateBurstDefault       int   = 64

	DiskCacheRootPathPrefixDefault string = "/tmp/thumbcache_disk"
	LogFilePathPrefixDefault       string = "/tmp/thumbcache"

	ProbeCacheTimeoutDefault   time.Duration = 10 * time.Minute
	FailureCacheTimeoutDefault time.Duration = 1 * time.Minute
	RequestTimeoutDefault      time.Duration = 30 * time.Second
)
