package main

import (
	"github.com/bitrise-io/go-iotutils/s3mirror"
	"github.com/spf13/cobra"
)

var s3Cmd = &cobra.Command{
	Use:   "s3",
	Short: "Mirror files to S3",
}

var s3PutCmd = &cobra.Command{
	Use:   "put <key> <file>",
	Short: "Upload a file to the configured bucket, unless an identical object is already there",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		err = s3mirror.Upload(cmd.Context(), s3mirror.Params{
			FilePath:        args[1],
			Key:             args[0],
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, logger)
		if err != nil {
			return err
		}
		logger.Donef("Stored s3://%s/%s", cfg.S3.Bucket, args[0])
		return nil
	},
}
