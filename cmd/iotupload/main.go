package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "iotupload",
	Short:         "Upload device files to blob storage through an IoT Hub",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	v := viper.GetViper()
	setDefaults(v)

	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logs and request dumps")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	uploadCmd.Flags().Bool("archive", false, "always pack the paths into a tar.zst archive")
	uploadCmd.Flags().Bool("mirror", false, "mirror the uploaded payload to the configured S3 bucket")

	blobGetCmd.Flags().String("extract", "", "extract the downloaded tar.zst archive into this directory")

	blobCmd.AddCommand(blobPutCmd)
	blobCmd.AddCommand(blobGetCmd)
	s3Cmd.AddCommand(s3PutCmd)

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(blobCmd)
	rootCmd.AddCommand(s3Cmd)
	rootCmd.AddCommand(configCmd)
}

// setup loads the configuration and creates the logger of a command run.
func setup() (Config, log.Logger, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return Config{}, nil, err
	}

	logger := log.NewLogger()
	logger.EnableDebugLog(cfg.Verbose)
	return cfg, logger, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		stop()
		os.Exit(1)
	}
}
