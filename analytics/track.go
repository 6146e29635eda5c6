// Package analytics reports file upload milestones.
package analytics

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type TrackerFactory func(analytics.Properties) analytics.Tracker

const (
	SessionIDEnvKey = "IOTUPLOAD_SESSION_ID"
	SessionID       = "session_id"
	DeviceID        = "device_id"
	IoTHubName      = "iothub_name"
)

// UploadTracker enqueues one event per upload step.
type UploadTracker struct {
	tracker analytics.Tracker
}

// NewUploadTracker fails when no session ID is exported, uploads outside a session are not tracked.
func NewUploadTracker(repository env.Repository, hubName, deviceID string, trackerFactory TrackerFactory) (*UploadTracker, error) {
	sessionID := repository.Get(SessionIDEnvKey)
	if sessionID == "" {
		return nil, fmt.Errorf("no session ID found")
	}
	return &UploadTracker{
		tracker: trackerFactory(analytics.Properties{
			SessionID:  sessionID,
			DeviceID:   deviceID,
			IoTHubName: hubName,
		}),
	}, nil
}

func NewDefaultUploadTracker(repository env.Repository, hubName, deviceID string, logger log.Logger) (*UploadTracker, error) {
	return NewUploadTracker(repository, hubName, deviceID, func(p analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, p)
	})
}

func (t *UploadTracker) LogBlobUploaded(uploadTime time.Duration, size int64, statusCode int) {
	t.tracker.Enqueue("file_upload_blob_uploaded", analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": size,
		"status_code":       statusCode,
	})
}

func (t *UploadTracker) LogNotified(success bool, statusCode int) {
	t.tracker.Enqueue("file_upload_notified", analytics.Properties{
		"is_success":  success,
		"status_code": statusCode,
	})
}

// Wait blocks until the queued events are sent.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}
