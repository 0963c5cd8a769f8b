package network

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader ...
type Uploader interface {
	Upload(context.Context, UploadParams, log.Logger) error
}

// Downloader ...
type Downloader interface {
	Download(context.Context, DownloadParams, log.Logger) (string, error)
}

// DefaultUploader ...
type DefaultUploader struct{}

// Upload ...
func (u DefaultUploader) Upload(ctx context.Context, params UploadParams, logger log.Logger) error {
	return Upload(ctx, params, logger)
}

// DefaultDownloader ...
type DefaultDownloader struct{}

// Download ...
func (d DefaultDownloader) Download(ctx context.Context, params DownloadParams, logger log.Logger) (string, error) {
	return Download(ctx, params, logger)
}
