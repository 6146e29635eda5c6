package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-iotutils/analytics"
	"github.com/bitrise-io/go-iotutils/archive"
	"github.com/bitrise-io/go-iotutils/fileupload"
	"github.com/bitrise-io/go-iotutils/s3mirror"
	"github.com/bitrise-io/go-iotutils/transport"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <destination-name> <path>...",
	Short: "Upload a file, or an archive of the matching paths, through the IoT Hub",
	Long: `Upload a file through the IoT Hub file upload flow.

A single regular file is uploaded as is. Several paths, directories or patterns
such as logs/**/*.log are packed into one tar.zst archive first.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runUpload,
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	forceArchive, _ := cmd.Flags().GetBool("archive")
	mirror, _ := cmd.Flags().GetBool("mirror")
	if mirror && cfg.S3.Bucket == "" {
		return fmt.Errorf("--mirror needs an S3 bucket in the configuration")
	}

	uploadConfig, err := cfg.fileUploadConfig()
	if err != nil {
		return err
	}
	client, err := fileupload.NewClient(uploadConfig, transport.NewHTTP(logger), logger)
	if err != nil {
		return err
	}

	tracker, err := analytics.NewDefaultUploadTracker(env.NewRepository(), cfg.Hub.Name, cfg.Hub.DeviceID, logger)
	if err != nil {
		logger.Debugf("Upload analytics disabled: %s", err)
	} else {
		client.SetTracker(tracker)
		defer tracker.Wait()
	}

	destination := args[0]
	payload, cleanup, err := preparePayload(cfg, logger, args[1:], forceArchive)
	if err != nil {
		return err
	}
	defer cleanup()

	start := time.Now()
	if err := client.UploadFile(cmd.Context(), destination, payload); err != nil {
		return fmt.Errorf("upload %s: %w", destination, err)
	}
	logger.Donef("Uploaded %s as %s in %s", payload, destination, time.Since(start).Round(time.Millisecond))

	if mirror {
		err := s3mirror.Upload(cmd.Context(), s3mirror.Params{
			FilePath:        payload,
			Key:             cfg.Hub.DeviceID + "/" + destination,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("mirror to s3: %w", err)
		}
		logger.Donef("Mirrored to s3://%s/%s/%s", cfg.S3.Bucket, cfg.Hub.DeviceID, destination)
	}
	return nil
}

// preparePayload returns the file to upload and a cleanup for the temporary files made for it.
func preparePayload(cfg Config, logger log.Logger, paths []string, forceArchive bool) (string, func(), error) {
	noop := func() {}

	if len(paths) == 1 && !forceArchive {
		if info, err := os.Stat(paths[0]); err == nil && info.Mode().IsRegular() {
			return paths[0], noop, nil
		}
	}

	evaluator := archive.NewPathEvaluator(logger, pathutil.NewPathModifier(), pathutil.NewPathChecker())
	includePaths, err := evaluator.Evaluate(paths)
	if err != nil {
		return "", noop, fmt.Errorf("evaluate paths: %w", err)
	}
	if len(includePaths) == 0 || archive.AreAllPathsEmpty(includePaths) {
		return "", noop, fmt.Errorf("nothing to upload, the provided paths are all empty")
	}

	tempDir, err := pathutil.NewPathProvider().CreateTempDir("iotupload")
	if err != nil {
		return "", noop, err
	}
	cleanup := func() {
		if err := os.RemoveAll(tempDir); err != nil {
			logger.Warnf("Failed to remove %s: %s", tempDir, err)
		}
	}

	archivePath := filepath.Join(tempDir, fmt.Sprintf("upload-%s.tzst", time.Now().UTC().Format("20060102-150405")))
	archiver := archive.NewArchiver(logger, env.NewRepository(), archive.NewBinaryChecker(logger, env.NewRepository()))

	start := time.Now()
	if err := archiver.Compress(archivePath, includePaths, cfg.Archive.CompressionLevel); err != nil {
		cleanup()
		return "", noop, err
	}

	if info, err := os.Stat(archivePath); err == nil {
		logger.Infof("Packed %d paths into %s in %s", len(includePaths),
			units.HumanSizeWithPrecision(float64(info.Size()), 3), time.Since(start).Round(time.Millisecond))
	}
	return archivePath, cleanup, nil
}
