package blob

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// Download fetches the blob addressed by sasURI into dest using parallel range requests.
// Failed ranges are retried by the HTTP client.
func Download(ctx context.Context, sasURI, dest string, logger log.Logger) error {
	if sasURI == "" {
		return fmt.Errorf("empty SAS URI: %w", ErrInvalidArg)
	}
	if dest == "" {
		return fmt.Errorf("empty destination: %w", ErrInvalidArg)
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	client := retryhttp.NewClient(logger)
	client.CheckRetry = createDownloadRetryFunction(logger)

	logger.Debugf("Downloading blob to %s", dest)
	if err := downloadFile(ctx, client.StandardClient(), sasURI, dest); err != nil {
		return fmt.Errorf("download blob: %w", err)
	}
	return nil
}

func createDownloadRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
