package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	cmd_commons "github.com/cyverse/thumbcache/cmd/commons"
	"github.com/cyverse/thumbcache/commons"
	"github.com/cyverse/thumbcache/service"
	log "github.com/sirupsen/logrus"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "thumbcache [args..]",
	Short: "Run Thumbnail Cache Service",
	Long:  "Run Thumbnail Cache Service that serves downsampled thumbnails of source images over HTTP.",
	RunE:  processCommand,
}

func Execute() error {
	return rootCmd.Execute()
}

func processCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processCommand",
	})

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	err = run(config)
	if err != nil {
		logger.WithError(err).Error("failed to run Thumbnail Cache Service")
		return err
	}

	return nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000000",
		FullTimestamp:   true,
	})

	log.SetLevel(log.InfoLevel)

	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "main",
	})

	// attach common flags
	cmd_commons.SetCommonFlags(rootCmd)

	err := Execute()
	if err != nil {
		logger.Fatal(err)
		os.Exit(1)
	}
}

// run runs Thumbnail Cache Service
func run(config *commons.Config) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "run",
	})

	versionInfo := commons.GetVersion()
	logger.Infof("Thumbnail Cache Service version - %s, commit - %s", versionInfo.ServiceVersion, versionInfo.GitCommit)

	// make work dirs required
	err := config.MakeWorkDirs()
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		return err
	}

	err = config.Validate()
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		return err
	}

	// profile
	if config.Profile && config.ProfileServicePort > 0 {
		go func() {
			profileServiceAddr := fmt.Sprintf(":%d", config.ProfileServicePort)

			logger.Infof("Starting profile service at %s", profileServiceAddr)
			http.ListenAndServe(profileServiceAddr, nil)
		}()

		prof := profile.Start(profile.MemProfile)
		defer prof.Stop()
	}

	var prometheusExporterServer *http.Server
	if config.PrometheusExporterPort > 0 {
		prometheusExporterAddr := fmt.Sprintf(":%d", config.PrometheusExporterPort)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		prometheusExporterServer = &http.Server{Addr: prometheusExporterAddr, Handler: mux}

		go func() {
			logger.Infof("Starting prometheus exporter at %s", prometheusExporterAddr)
			prometheusExporterServer.ListenAndServe()
		}()
	}

	// run a service
	svc, err := service.NewThumbnailService(config)
	if err != nil {
		logger.WithError(err).Error("failed to create the service")
		return err
	}

	err = svc.Init()
	if err != nil {
		logger.WithError(err).Error("failed to init the service")
		return err
	}

	serviceErrChan := make(chan error, 1)
	go func() {
		serviceErrChan <- svc.Start()
	}()

	defer func() {
		if prometheusExporterServer != nil {
			prometheusExporterServer.Shutdown(context.TODO())
		}

		svc.Destroy()
	}()

	// wait
	select {
	case err = <-serviceErrChan:
		if err != nil {
			logger.WithError(err).Error("failed to start the service")
			return err
		}
	case <-waitForCtrlC():
		logger.Info("Received a signal to stop")
	}

	return nil
}

func waitForCtrlC() <-chan struct{} {
	var endWaiter sync.WaitGroup
	doneChan := make(chan struct{})

	endWaiter.Add(1)
	signalChannel := make(chan os.Signal, 1)

	signal.Notify(signalChannel, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalChannel
		endWaiter.Done()
	}()

	go func() {
		endWaiter.Wait()
		close(doneChan)
	}()

	return doneChan
}
