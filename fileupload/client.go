// Package fileupload uploads device files through an IoT Hub: the hub hands out a SAS URI,
// the file goes to blob storage, and the hub is told how the upload went.
package fileupload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-iotutils/blob"
	"github.com/bitrise-io/go-iotutils/executor"
	"github.com/bitrise-io/go-iotutils/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/tidwall/gjson"
)

var (
	// ErrInvalidArg ...
	ErrInvalidArg = errors.New("invalid argument")
	// ErrRejected is returned when the hub or the storage answered with an error status.
	ErrRejected = errors.New("request rejected")
)

// connectionFailedDescription is reported to the hub when the blob storage could not be reached.
const connectionFailedDescription = "client not able to connect with the server"

// EventTracker receives upload milestones.
type EventTracker interface {
	LogBlobUploaded(uploadTime time.Duration, size int64, statusCode int)
	LogNotified(success bool, statusCode int)
}

type uploadTarget struct {
	CorrelationID string
	HostName      string
	ContainerName string
	BlobName      string
	SasToken      string
}

// SasURI addresses the blob, the token carries its own query string.
func (t uploadTarget) SasURI() string {
	return fmt.Sprintf("https://%s/%s/%s%s", t.HostName, t.ContainerName, t.BlobName, t.SasToken)
}

type notification struct {
	IsSuccess         bool   `json:"isSuccess"`
	StatusCode        int    `json:"statusCode"`
	StatusDescription string `json:"statusDescription"`
}

// Client uploads files on behalf of one device.
type Client struct {
	config    Config
	transport transport.Transport
	uploader  *blob.Uploader
	tracker   EventTracker
	logger    log.Logger
}

// NewClient ...
func NewClient(config Config, t transport.Transport, logger log.Logger) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("nil transport: %w", ErrInvalidArg)
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Client{
		config:    config,
		transport: t,
		uploader:  blob.New(config.Blob, t, logger),
		logger:    logger,
	}, nil
}

// SetTracker enables upload analytics.
func (c *Client) SetTracker(tracker EventTracker) {
	c.tracker = tracker
}

// UploadFile uploads the file at path as destinationFileName.
func (c *Client) UploadFile(ctx context.Context, destinationFileName, path string) error {
	source, err := blob.OpenFileSource(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			c.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	return c.UploadToBlob(ctx, destinationFileName, source, source.Size())
}

// UploadToBlob uploads size bytes of source as destinationFileName.
//
// The hub is notified about the outcome of the blob upload whenever it handed out a SAS URI.
// The call succeeds only if the blob storage accepted the payload and the hub accepted the notification.
func (c *Client) UploadToBlob(ctx context.Context, destinationFileName string, source io.ReaderAt, size int64) error {
	if destinationFileName == "" {
		return fmt.Errorf("empty destination file name: %w", ErrInvalidArg)
	}
	if size < 0 || (source == nil && size > 0) {
		return fmt.Errorf("no source for %d bytes: %w", size, ErrInvalidArg)
	}

	ex, err := executor.Create(c.config.Hostname(), c.transport, c.logger)
	if err != nil {
		return fmt.Errorf("create executor for %s: %w", c.config.Hostname(), err)
	}
	defer ex.Destroy()

	if c.config.AuthScheme() == AuthX509 {
		if err := ex.SetOption(transport.OptionX509Certificate, c.config.X509Certificate); err != nil {
			return fmt.Errorf("set x509 certificate: %w", err)
		}
		if err := ex.SetOption(transport.OptionX509PrivateKey, c.config.X509PrivateKey); err != nil {
			return fmt.Errorf("set x509 private key: %w", err)
		}
	}

	header := c.requestHeader()

	target, err := c.initiate(ctx, ex, header, destinationFileName)
	if err != nil {
		return err
	}
	c.logger.Debugf("Upload %s initiated, correlation ID: %s", destinationFileName, target.CorrelationID)

	resp := &executor.Response{Header: http.Header{}, Body: &bytes.Buffer{}}
	start := time.Now()
	uploadErr := c.uploader.UploadFromSasURI(ctx, target.SasURI(), source, size, resp)
	if uploadErr != nil {
		c.logger.Errorf("Failed to upload %s: %s", destinationFileName, uploadErr)

		n := notification{IsSuccess: false, StatusCode: -1, StatusDescription: connectionFailedDescription}
		if err := c.notify(ctx, ex, header, target.CorrelationID, n); err != nil {
			c.logger.Warnf("Failed to notify the hub about the failed upload: %s", err)
		}
		return fmt.Errorf("upload blob: %w", uploadErr)
	}

	if c.tracker != nil {
		c.tracker.LogBlobUploaded(time.Since(start), size, resp.StatusCode)
	}

	success := resp.StatusCode < http.StatusMultipleChoices
	n := notification{
		IsSuccess:         success,
		StatusCode:        resp.StatusCode,
		StatusDescription: resp.Body.String(),
	}
	if err := c.notify(ctx, ex, header, target.CorrelationID, n); err != nil {
		return err
	}

	if !success {
		return fmt.Errorf("blob upload finished with status %d: %w", resp.StatusCode, ErrRejected)
	}

	c.logger.Donef("Uploaded %s", destinationFileName)
	return nil
}

func (c *Client) requestHeader() http.Header {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	header.Set("User-Agent", "iothubclient/"+Version)
	if c.config.AuthScheme() == AuthSasToken {
		header.Set("Authorization", c.config.DeviceSasToken)
	}
	return header
}

func (c *Client) initiate(ctx context.Context, ex *executor.Executor, header http.Header, destinationFileName string) (uploadTarget, error) {
	resp := &executor.Response{Body: &bytes.Buffer{}}
	err := ex.ExecuteRequest(ctx, &executor.Request{
		Type:   transport.RequestGet,
		Path:   fmt.Sprintf("/devices/%s/files/%s?api-version=%s", c.config.DeviceID, destinationFileName, APIVersion),
		Header: header,
	}, resp)
	if err != nil {
		return uploadTarget{}, fmt.Errorf("request SAS URI: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return uploadTarget{}, fmt.Errorf("request SAS URI: status %d: %s: %w", resp.StatusCode, resp.Body.String(), ErrRejected)
	}

	return parseUploadTarget(resp.Body.Bytes())
}

func parseUploadTarget(body []byte) (uploadTarget, error) {
	if !gjson.ValidBytes(body) {
		return uploadTarget{}, fmt.Errorf("parse SAS URI response: invalid JSON")
	}

	parsed := gjson.ParseBytes(body)
	field := func(name string) (string, error) {
		v := parsed.Get(name)
		if v.Type != gjson.String {
			return "", fmt.Errorf("parse SAS URI response: no %s", name)
		}
		return v.String(), nil
	}

	var (
		target uploadTarget
		err    error
	)
	if target.CorrelationID, err = field("correlationId"); err != nil {
		return uploadTarget{}, err
	}
	if target.HostName, err = field("hostName"); err != nil {
		return uploadTarget{}, err
	}
	if target.ContainerName, err = field("containerName"); err != nil {
		return uploadTarget{}, err
	}
	if target.BlobName, err = field("blobName"); err != nil {
		return uploadTarget{}, err
	}
	if target.SasToken, err = field("sasToken"); err != nil {
		return uploadTarget{}, err
	}
	return target, nil
}

func (c *Client) notify(ctx context.Context, ex *executor.Executor, header http.Header, correlationID string, n notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	resp := &executor.Response{}
	err = ex.ExecuteRequest(ctx, &executor.Request{
		Type:   transport.RequestPost,
		Path:   fmt.Sprintf("/devices/%s/files/notifications/%s?api-version=%s", c.config.DeviceID, correlationID, APIVersion),
		Header: header,
		Body:   body,
	}, resp)
	if err != nil {
		return fmt.Errorf("notify upload result: %w", err)
	}

	if c.tracker != nil {
		c.tracker.LogNotified(n.IsSuccess, resp.StatusCode)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("notify upload result: status %d: %w", resp.StatusCode, ErrRejected)
	}
	return nil
}
