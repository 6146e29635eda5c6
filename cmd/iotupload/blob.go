package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"

	"github.com/bitrise-io/go-iotutils/archive"
	"github.com/bitrise-io/go-iotutils/blob"
	"github.com/bitrise-io/go-iotutils/executor"
	"github.com/bitrise-io/go-iotutils/transport"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Work with a blob directly through its SAS URI",
}

var blobPutCmd = &cobra.Command{
	Use:   "put <sas-uri> <file>",
	Short: "Upload a file to a block blob",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		blobConfig, err := cfg.blobConfig()
		if err != nil {
			return err
		}

		source, err := blob.OpenFileSource(args[1])
		if err != nil {
			return err
		}
		defer source.Close() //nolint:errcheck

		uploader := blob.New(blobConfig, transport.NewHTTP(logger), logger)
		resp := &executor.Response{Header: http.Header{}, Body: &bytes.Buffer{}}
		err = uploader.UploadFromSasURI(cmd.Context(), args[0], source, source.Size(), resp)
		logger.Debugf("Upload result: %s, status: %d", blob.ResultOf(err), resp.StatusCode)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusMultipleChoices {
			return fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, resp.Body.String())
		}

		stats := uploader.Stats()
		if stats.FinishedCount() > 0 {
			logger.Infof("Uploaded %d blocks, average block time %s", stats.FinishedCount(), stats.Average())
		}
		logger.Donef("Uploaded %s", args[1])
		return nil
	},
}

var blobGetCmd = &cobra.Command{
	Use:   "get <sas-uri> <destination>",
	Short: "Download a blob, optionally extracting it as a tar.zst archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, err := setup()
		if err != nil {
			return err
		}
		if err := blob.Download(cmd.Context(), args[0], args[1], logger); err != nil {
			return err
		}
		logger.Donef("Downloaded to %s", args[1])

		extractDir, _ := cmd.Flags().GetString("extract")
		if extractDir == "" {
			return nil
		}
		return extractArchive(logger, archive.NewBinaryChecker(logger, env.NewRepository()), args[1], extractDir)
	},
}

// extractArchive unpacks an archive made by the upload command below dir.
func extractArchive(logger log.Logger, checker archive.DependencyChecker, archivePath, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	archiver := archive.NewArchiver(logger, env.NewRepository(), checker)
	if err := archiver.Decompress(archivePath, dir); err != nil {
		return err
	}
	logger.Donef("Extracted to %s", dir)
	return nil
}
