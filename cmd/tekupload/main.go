// Command tekupload uploads a file to TekDrive, or to an S3 bucket, in parallel chunks.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/tekcloud/go-uploadutils/config"
	"github.com/tekcloud/go-uploadutils/network"
)

const (
	exitOK      = 0
	exitAborted = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tekupload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "Remote file name (defaults to the base name of the file)")
	verbose := fs.Bool("v", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tekupload [-name NAME] [-v] <file>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}

	path := fs.Arg(0)
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		fmt.Fprintf(stderr, "Input file does not exist: %s\n", path)
		return exitUsage
	}

	cfg, err := config.Parse(env.NewRepository())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	cfg.Verbose = cfg.Verbose || *verbose

	logger := log.NewLogger()
	logger.EnableDebugLog(cfg.Verbose)
	if cfg.Verbose {
		cfg.Print(logger)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	result, err := network.Upload(ctx, network.UploadParams{
		Path:             path,
		Name:             *name,
		ChunkSizeMB:      cfg.ChunkSizeMB,
		SplitCount:       cfg.SplitCount,
		MinChunkSizeMB:   cfg.MinChunkSizeMB,
		MaxParts:         cfg.MaxParts,
		Transfer:         cfg.TransferConfig(),
		Compress:         cfg.Compress,
		CompressionLevel: cfg.CompressionLevel,
		JournalPath:      cfg.JournalPath,
		Backend:          backend,
	}, logger)
	if err != nil {
		fmt.Fprintf(stdout, "Aborted{%s}\n", err)
		return exitAborted
	}

	fmt.Fprintln(stdout, result.Outcome.String())
	if !result.Outcome.Completed {
		return exitAborted
	}
	logger.Donef("Uploaded %d chunks in %s", result.Chunks, result.Duration.Round(time.Millisecond))
	logger.Printf("View it here: %s", result.ViewURL)
	return exitOK
}

func newBackend(ctx context.Context, cfg config.Config, logger log.Logger) (network.Backend, error) {
	if cfg.Backend == config.BackendS3 {
		return network.NewS3Backend(ctx, network.S3Params{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Endpoint:        cfg.S3Endpoint,
		}, logger)
	}

	return network.NewClient(retryhttp.NewClient(logger), cfg.APIURL, cfg.AccessKey, logger), nil
}
