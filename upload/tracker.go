package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/openfeed-io/go-mediakit/upload/network"
)

type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newUploadTracker(uploadID string, envRepo env.Repository, logger log.Logger) uploadTracker {
	p := analytics.Properties{
		"upload_id": uploadID,
		"client":    envRepo.Get("MEDIAKIT_CLIENT_NAME"),
	}
	return uploadTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t *uploadTracker) logUploadStarted(category Category, sizeBytes int64, chunkCount int) {
	properties := analytics.Properties{
		"media_category": string(category),
		"size_bytes":     sizeBytes,
		"chunk_count":    chunkCount,
	}
	t.tracker.Enqueue("media_upload_started", properties)
}

func (t *uploadTracker) logUploaded(uploadTime time.Duration, sizeBytes int64, chunkCount int, processed bool) {
	properties := analytics.Properties{
		"upload_time_s": uploadTime.Truncate(time.Second).Seconds(),
		"size_bytes":    sizeBytes,
		"chunk_count":   chunkCount,
		"processed":     processed,
	}
	t.tracker.Enqueue("media_upload_finished", properties)
}

func (t *uploadTracker) logUploadFailed(err error, uploadTime time.Duration) {
	properties := analytics.Properties{
		"upload_time_s": uploadTime.Truncate(time.Second).Seconds(),
		"error_kind":    string(network.KindOf(err)),
	}
	if uploadErr, ok := network.AsError(err); ok {
		properties["error_phase"] = string(uploadErr.Phase)
	}
	t.tracker.Enqueue("media_upload_failed", properties)
}

func (t *uploadTracker) wait() {
	t.tracker.Wait()
}
