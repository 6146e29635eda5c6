// Package blob uploads payloads to a block blob through a SAS URI, either in a single
// request or as staged blocks committed with a block list.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bitrise-io/go-iotutils/executor"
	"github.com/bitrise-io/go-iotutils/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Uploader uploads payloads to SAS URIs. Every upload uses its own request executor.
type Uploader struct {
	config    Config
	transport transport.Transport
	logger    log.Logger
	stats     *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, t transport.Transport, logger log.Logger) *Uploader {
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Uploader{
		config:    config.withDefaults(),
		transport: t,
		logger:    logger,
		stats:     NewStats(),
	}
}

// UploadFromSasURI uploads size bytes of source with the default configuration.
func UploadFromSasURI(ctx context.Context, t transport.Transport, sasURI string, source io.ReaderAt, size int64, resp *executor.Response, logger log.Logger) error {
	return New(DefaultConfig(), t, logger).UploadFromSasURI(ctx, sasURI, source, size, resp)
}

// Stats returns the block upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// UploadFromSasURI uploads size bytes of source to the blob addressed by sasURI.
//
// The HTTP status and body of the last request are reported through resp, which may be nil.
// A staged block answered with a status of 300 or above ends the upload without committing
// and without an error; callers have to check resp.StatusCode.
func (u *Uploader) UploadFromSasURI(ctx context.Context, sasURI string, source io.ReaderAt, size int64, resp *executor.Response) error {
	if sasURI == "" {
		return fmt.Errorf("empty SAS URI: %w", ErrInvalidArg)
	}
	if size < 0 {
		return fmt.Errorf("negative size %d: %w", size, ErrInvalidArg)
	}
	if source == nil && size > 0 {
		return fmt.Errorf("no source for %d bytes: %w", size, ErrInvalidArg)
	}
	if size >= u.config.SingleUploadLimit {
		if u.config.DisableBlocks {
			return fmt.Errorf("upload of %d bytes: %w", size, ErrNotImplemented)
		}
		if size > u.config.MaxUploadSize() {
			return fmt.Errorf("%d bytes exceed the %d byte limit: %w", size, u.config.MaxUploadSize(), ErrInvalidArg)
		}
	}

	hostname, basePath, err := parseSasURI(sasURI)
	if err != nil {
		return err
	}

	ex, err := executor.Create(hostname, u.transport, u.logger)
	if err != nil {
		return fmt.Errorf("create executor for %s: %w", hostname, err)
	}
	defer ex.Destroy()

	if err := u.applyOptions(ex); err != nil {
		return err
	}

	if resp == nil {
		resp = &executor.Response{}
	}

	if size < u.config.SingleUploadLimit {
		return u.uploadSingle(ctx, ex, basePath, source, size, resp)
	}
	return u.uploadBlocks(ctx, ex, basePath, source, size, resp)
}

func (u *Uploader) applyOptions(ex *executor.Executor) error {
	names := make([]string, 0, len(u.config.Options))
	for name := range u.config.Options {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ex.SetOption(name, u.config.Options[name]); err != nil {
			return fmt.Errorf("set option %s: %w", name, err)
		}
	}
	return nil
}

func (u *Uploader) uploadSingle(ctx context.Context, ex *executor.Executor, path string, source io.ReaderAt, size int64, resp *executor.Response) error {
	body := []byte{}
	if size > 0 {
		var err error
		if body, err = readBlock(source, 0, size, nil); err != nil {
			return fmt.Errorf("read source: %w", err)
		}
	}

	u.logger.Debugf("Uploading %s in a single request", units.HumanSizeWithPrecision(float64(size), 3))

	resetResponse(resp)
	err := ex.ExecuteRequest(ctx, &executor.Request{
		Type:   transport.RequestPut,
		Path:   path,
		Header: http.Header{"X-Ms-Blob-Type": []string{"BlockBlob"}},
		Body:   body,
	}, resp)
	if err != nil {
		return fmt.Errorf("upload blob: %w", httpError(err))
	}

	u.logger.Debugf("Blob upload finished with status %d", resp.StatusCode)
	return nil
}

func (u *Uploader) uploadBlocks(ctx context.Context, ex *executor.Executor, basePath string, source io.ReaderAt, size int64, resp *executor.Response) error {
	plan, err := NewUploadPlan(size, u.config.BlockSize, u.config.MaxBlockCount)
	if err != nil {
		return err
	}

	u.logger.Debugf("Uploading %s in %d blocks of %s", units.HumanSizeWithPrecision(float64(size), 3),
		plan.BlockCount, units.BytesSize(float64(plan.BlockSize)))

	var buf []byte
	for i := 0; i < plan.BlockCount; i++ {
		id := BlockID(i)

		offset, length := plan.BlockRange(i)
		buf, err = readBlock(source, offset, length, buf)
		if err != nil {
			return fmt.Errorf("read block %d: %w", i, err)
		}

		start := time.Now()
		resetResponse(resp)
		err = ex.ExecuteRequest(ctx, &executor.Request{
			Type: transport.RequestPut,
			Path: basePath + "&comp=block&blockid=" + id,
			Body: buf,
		}, resp)
		if err != nil {
			return fmt.Errorf("upload block %d/%d: %w", i+1, plan.BlockCount, httpError(err))
		}

		if resp.StatusCode >= http.StatusMultipleChoices {
			u.logger.Warnf("Block %d/%d was rejected with status %d, the blob is not committed", i+1, plan.BlockCount, resp.StatusCode)
			return nil
		}

		took := time.Since(start)
		u.stats.Update(took, length)
		u.logger.Debugf("Block %d/%d uploaded in %v [avg=%v]", i+1, plan.BlockCount,
			took.Round(time.Millisecond), u.stats.Average().Round(time.Millisecond))
	}

	resetResponse(resp)
	err = ex.ExecuteRequest(ctx, &executor.Request{
		Type: transport.RequestPut,
		Path: basePath + "&comp=blocklist",
		Body: plan.BlockListXML(),
	}, resp)
	if err != nil {
		return fmt.Errorf("commit block list: %w", httpError(err))
	}

	u.logger.Debugf("Block list committed with status %d", resp.StatusCode)
	return nil
}

// parseSasURI splits a URI into the hostname and the path that follows it, query included.
func parseSasURI(sasURI string) (string, string, error) {
	i := strings.Index(sasURI, "://")
	if i < 0 {
		return "", "", fmt.Errorf("no scheme in SAS URI: %w", ErrInvalidArg)
	}

	rest := sasURI[i+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "", "", fmt.Errorf("no path in SAS URI: %w", ErrInvalidArg)
	}
	if slash == 0 {
		return "", "", fmt.Errorf("no hostname in SAS URI: %w", ErrInvalidArg)
	}

	return rest[:slash], rest[slash:], nil
}

func resetResponse(resp *executor.Response) {
	resp.StatusCode = 0
	for k := range resp.Header {
		delete(resp.Header, k)
	}
	if resp.Body != nil {
		resp.Body.Reset()
	}
}

func httpError(err error) error {
	return fmt.Errorf("%w: %w", ErrHTTP, err)
}
