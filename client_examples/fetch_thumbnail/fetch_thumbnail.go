package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cyverse/thumbcache/client"

	log "github.com/sirupsen/logrus"
)

func main() {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "main",
	})

	// Parse cli parameters
	address := flag.String("address", ":12030", "Thumbnail service address")
	output := flag.String("output", "thumbnail.out", "Output file path")
	flag.Parse()
	args := flag.Args()

	if len(args) != 3 {
		fmt.Fprintf(os.Stderr, "Give a source id, width and height!\n")
		os.Exit(1)
	}

	sourceID := args[0]

	width, err := strconv.Atoi(args[1])
	if err != nil {
		logger.Errorf("%+v", err)
		panic(err)
	}

	height, err := strconv.Atoi(args[2])
	if err != nil {
		logger.Errorf("%+v", err)
		panic(err)
	}

	thumbnailClient := client.NewThumbnailServiceClient(*address, time.Minute*1, "fetch_thumbnail")
	defer thumbnailClient.Release()

	thumbnail, err := thumbnailClient.GetThumbnail(context.Background(), sourceID, width, height)
	if err != nil {
		logger.Errorf("%+v", err)
		panic(err)
	}

	err = os.WriteFile(*output, thumbnail.Data, 0644)
	if err != nil {
		logger.Errorf("%+v", err)
		panic(err)
	}

	fmt.Printf("THUMBNAIL: %s (%dx%d)\n", sourceID, width, height)
	fmt.Printf("> TYPE:\t%s\n", thumbnail.ContentType)
	fmt.Printf("> ORIGIN:\t%s\n", thumbnail.Origin)
	fmt.Printf("> SIZE:\t%d\n", len(thumbnail.Data))
	fmt.Printf("> FILE:\t%s\n", *output)

	stats, err := thumbnailClient.GetStats(context.Background())
	if err != nil {
		logger.Errorf("%+v", err)
		panic(err)
	}

	fmt.Printf("STATS: hit rate %.3f, memory %d/%d bytes, disk %d/%d bytes\n", stats.HitRate, stats.MemoryBytesUsed, stats.MemoryBytesCap, stats.DiskBytesUsed, stats.DiskBytesCap)
}
