package transfer

import (
	"io/fs"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	uploadanalytics "github.com/mamantoha/upload-io/analytics"
)

// transferTracker emits usage events about the transfer flows. Tracking is off
// unless UPLOADIO_ANALYTICS is set to "true", every method is a no-op in that case.
type transferTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newTransferTracker(envRepo env.Repository, logger log.Logger) transferTracker {
	tracker, err := uploadanalytics.NewDefaultTransferTracker(envRepo, logger)
	if err != nil {
		return transferTracker{}
	}
	return transferTracker{
		tracker: tracker,
		logger:  logger,
	}
}

func (t *transferTracker) logSendSkipChecked(skipped bool, reason skipReason) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"skipped": skipped,
		"reason":  reason.String(),
	}
	t.tracker.Enqueue("transfer_send_skip_checked", properties)
}

func (t *transferTracker) logUploadSkipChecked(skipped bool, reason skipReason) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"skipped": skipped,
		"reason":  reason.String(),
	}
	t.tracker.Enqueue("transfer_upload_skip_checked", properties)
}

func (t *transferTracker) logArchiveCompressed(compressionTime time.Duration, pathCount int) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"compression_time_s": compressionTime.Truncate(time.Second).Seconds(),
		"path_count":         pathCount,
	}
	t.tracker.Enqueue("transfer_archive_compressed", properties)
}

func (t *transferTracker) logArchiveUploaded(uploadTime time.Duration, info fs.FileInfo, pathCount int) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": info.Size(),
		"path_count":        pathCount,
	}
	t.tracker.Enqueue("transfer_archive_uploaded", properties)
}

func (t *transferTracker) logArchiveDownloaded(downloadTime time.Duration, info fs.FileInfo, keyCount int) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"download_time_s":     downloadTime.Truncate(time.Second).Seconds(),
		"download_size_bytes": info.Size(),
		"key_count":           keyCount,
	}
	t.tracker.Enqueue("transfer_archive_downloaded", properties)
}

func (t *transferTracker) logArchiveExtracted(extractionTime time.Duration, keyCount int) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"extraction_time_s": extractionTime.Truncate(time.Second).Seconds(),
		"key_count":         keyCount,
	}
	t.tracker.Enqueue("transfer_archive_extracted", properties)
}

func (t *transferTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
