package commons

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cyverse/thumbcache/commons"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func SetCommonFlags(command *cobra.Command) {
	command.Flags().BoolP("version", "v", false, "Print version")
	command.Flags().BoolP("help", "h", false, "Print help")
	command.Flags().BoolP("debug", "d", false, "Enable debug mode")
	command.Flags().BoolP("profile", "", false, "Enable profiling")

	command.Flags().StringP("config", "", "", "Set config file (yaml)")
	command.Flags().IntP("port", "p", commons.ServicePortDefault, "Set service port")
	command.Flags().StringP("source_root", "", "", "Set source image root path")
	command.Flags().StringP("log", "", "", "Set log file path")

	command.Flags().Int64P("memory_cache_size_max", "", commons.MemoryCacheSizeMaxDefault, "Set memory cache max size")
	command.Flags().Int64P("disk_cache_size_max", "", commons.DiskCacheSizeMaxDefault, "Set disk cache max size, 0 disables the disk cache")
	command.Flags().StringP("disk_cache_root", "", commons.GetDefaultDiskCacheRootPath(), "Set disk cache root path")
	command.Flags().IntP("decode_workers", "", commons.GetDefaultDecodeWorkers(), "Set the number of decode workers")
	command.Flags().Int64P("decode_memory_max", "", commons.DecodeMemoryMaxDefault, "Set max bytes of pixel data being decoded at once")
	command.Flags().DurationP("request_timeout", "", commons.RequestTimeoutDefault, "Set HTTP request timeout")
	command.Flags().Float64P("request_rate_limit", "", 0, "Set max thumbnail requests per second, 0 means unlimited")

	command.Flags().IntP("profile_port", "", commons.ProfileServicePortDefault, "Set profile service port")
	command.Flags().IntP("prometheus_exporter_port", "", commons.PrometheusExporterPortDefault, "Set prometheus exporter port")
}

func ProcessCommonFlags(command *cobra.Command) (*commons.Config, io.WriteCloser, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "commons",
		"function": "ProcessCommonFlags",
	})

	debug := false
	debugFlag := command.Flags().Lookup("debug")
	if debugFlag != nil {
		debugMode, err := strconv.ParseBool(debugFlag.Value.String())
		if err != nil {
			debugMode = false
		}

		debug = debugMode
	}

	profile := false
	profileFlag := command.Flags().Lookup("profile")
	if profileFlag != nil {
		profileMode, err := strconv.ParseBool(profileFlag.Value.String())
		if err != nil {
			profileMode = false
		}

		profile = profileMode
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	}

	helpFlag := command.Flags().Lookup("help")
	if helpFlag != nil {
		help, err := strconv.ParseBool(helpFlag.Value.String())
		if err != nil {
			help = false
		}

		if help {
			PrintHelp(command)
			return nil, nil, false, nil // stop here
		}
	}

	versionFlag := command.Flags().Lookup("version")
	if versionFlag != nil {
		version, err := strconv.ParseBool(versionFlag.Value.String())
		if err != nil {
			version = false
		}

		if version {
			PrintVersion(command)
			return nil, nil, false, nil // stop here
		}
	}

	readConfig := false
	var config *commons.Config

	configFlag := command.Flags().Lookup("config")
	if configFlag != nil {
		configPath := configFlag.Value.String()
		if len(configPath) > 0 {
			yamlBytes, err := os.ReadFile(configPath)
			if err != nil {
				logger.Error(err)
				return nil, nil, false, err // stop here
			}

			serverConfig, err := commons.NewConfigFromYAML(yamlBytes)
			if err != nil {
				logger.Error(err)
				return nil, nil, false, err // stop here
			}

			// overwrite config
			config = serverConfig
			readConfig = true
		}
	}

	// default config with environmental variables
	if !readConfig {
		envConfig, err := commons.NewConfigFromENV()
		if err != nil {
			logger.Error(err)
			return nil, nil, false, err // stop here
		}

		config = envConfig
	}

	// prioritize command-line flag over config files
	if debug {
		config.Debug = true
	}

	if profile {
		config.Profile = true
	}

	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	logFlag := command.Flags().Lookup("log")
	if logFlag != nil && command.Flags().Changed("log") {
		config.LogPath = logFlag.Value.String()
	}

	var logWriter io.WriteCloser
	logFilePath := config.GetLogFilePath()
	if len(logFilePath) == 0 {
		log.SetOutput(os.Stderr)
	} else {
		logWriter = getLogWriter(logFilePath)

		// use multi output - to output to file and stdout
		mw := io.MultiWriter(os.Stderr, logWriter)
		log.SetOutput(mw)

		logger.Infof("Logging to %s", logFilePath)
	}

	portFlag := command.Flags().Lookup("port")
	if portFlag != nil && command.Flags().Changed("port") {
		port, err := strconv.ParseInt(portFlag.Value.String(), 10, 32)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int")
			return nil, logWriter, false, err // stop here
		}

		if port > 0 {
			config.ServicePort = int(port)
		}
	}

	sourceRootFlag := command.Flags().Lookup("source_root")
	if sourceRootFlag != nil {
		sourceRoot := sourceRootFlag.Value.String()
		if len(sourceRoot) > 0 {
			config.SourceRootPath = sourceRoot
		}
	}

	memoryCacheSizeMaxFlag := command.Flags().Lookup("memory_cache_size_max")
	if memoryCacheSizeMaxFlag != nil && command.Flags().Changed("memory_cache_size_max") {
		memoryCacheSizeMax, err := strconv.ParseInt(memoryCacheSizeMaxFlag.Value.String(), 10, 64)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int64")
			return nil, logWriter, false, err // stop here
		}

		if memoryCacheSizeMax > 0 {
			config.MemoryCacheSizeMax = memoryCacheSizeMax
		}
	}

	diskCacheSizeMaxFlag := command.Flags().Lookup("disk_cache_size_max")
	if diskCacheSizeMaxFlag != nil && command.Flags().Changed("disk_cache_size_max") {
		diskCacheSizeMax, err := strconv.ParseInt(diskCacheSizeMaxFlag.Value.String(), 10, 64)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int64")
			return nil, logWriter, false, err // stop here
		}

		if diskCacheSizeMax >= 0 {
			config.DiskCacheSizeMax = diskCacheSizeMax
		}
	}

	diskCacheRootFlag := command.Flags().Lookup("disk_cache_root")
	if diskCacheRootFlag != nil && command.Flags().Changed("disk_cache_root") {
		diskCacheRoot := diskCacheRootFlag.Value.String()
		if len(diskCacheRoot) > 0 {
			config.DiskCacheRootPath = diskCacheRoot
		}
	}

	decodeWorkersFlag := command.Flags().Lookup("decode_workers")
	if decodeWorkersFlag != nil && command.Flags().Changed("decode_workers") {
		decodeWorkers, err := strconv.ParseInt(decodeWorkersFlag.Value.String(), 10, 32)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int")
			return nil, logWriter, false, err // stop here
		}

		if decodeWorkers > 0 {
			config.DecodeWorkers = int(decodeWorkers)
		}
	}

	decodeMemoryMaxFlag := command.Flags().Lookup("decode_memory_max")
	if decodeMemoryMaxFlag != nil && command.Flags().Changed("decode_memory_max") {
		decodeMemoryMax, err := strconv.ParseInt(decodeMemoryMaxFlag.Value.String(), 10, 64)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int64")
			return nil, logWriter, false, err // stop here
		}

		if decodeMemoryMax > 0 {
			config.DecodeMemoryMax = decodeMemoryMax
		}
	}

	requestTimeoutFlag := command.Flags().Lookup("request_timeout")
	if requestTimeoutFlag != nil && command.Flags().Changed("request_timeout") {
		requestTimeout, err := time.ParseDuration(requestTimeoutFlag.Value.String())
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to duration")
			return nil, logWriter, false, err // stop here
		}

		if requestTimeout > 0 {
			config.RequestTimeout = requestTimeout
		}
	}

	requestRateLimitFlag := command.Flags().Lookup("request_rate_limit")
	if requestRateLimitFlag != nil && command.Flags().Changed("request_rate_limit") {
		requestRateLimit, err := strconv.ParseFloat(requestRateLimitFlag.Value.String(), 64)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to float64")
			return nil, logWriter, false, err // stop here
		}

		if requestRateLimit >= 0 {
			config.RequestRateLimit = requestRateLimit
		}
	}

	profilePortFlag := command.Flags().Lookup("profile_port")
	if profilePortFlag != nil && command.Flags().Changed("profile_port") {
		profilePort, err := strconv.ParseInt(profilePortFlag.Value.String(), 10, 32)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int")
			return nil, logWriter, false, err // stop here
		}

		if profilePort > 0 {
			config.ProfileServicePort = int(profilePort)
		}
	}

	prometheusExporterPortFlag := command.Flags().Lookup("prometheus_exporter_port")
	if prometheusExporterPortFlag != nil && command.Flags().Changed("prometheus_exporter_port") {
		prometheusExporterPort, err := strconv.ParseInt(prometheusExporterPortFlag.Value.String(), 10, 32)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int")
			return nil, logWriter, false, err // stop here
		}

		if prometheusExporterPort >= 0 {
			config.PrometheusExporterPort = int(prometheusExporterPort)
		}
	}

	err := config.Validate()
	if err != nil {
		logger.Error(err)
		return nil, logWriter, false, err // stop here
	}

	return config, logWriter, true, nil // continue
}

func PrintVersion(command *cobra.Command) error {
	info, err := commons.GetVersionJSON()
	if err != nil {
		return err
	}

	fmt.Println(info)
	return nil
}

func PrintHelp(command *cobra.Command) error {
	return command.Usage()
}

func getLogWriter(logPath string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    50, // 50MB
		MaxBackups: 5,
		MaxAge:     30, // 30 days
		Compress:   false,
	}
}
