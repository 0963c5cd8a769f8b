package network

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

// FileDownloader fetches files from direct URLs, unlike Downloader which
// resolves blob keys through the transfer service first.
type FileDownloader struct {
	httpClient *http.Client
	logger     log.Logger
}

// NewFileDownloader ...
func NewFileDownloader(logger log.Logger) *FileDownloader {
	return &FileDownloader{
		httpClient: retryhttp.NewClient(logger).StandardClient(),
		logger:     logger,
	}
}

// Download saves the contents of the source URL to the destination path.
func (d *FileDownloader) Download(ctx context.Context, destination, source string) error {
	d.logger.Debugf("Downloading %s", source)

	return downloadFile(ctx, d.httpClient, source, destination)
}

// Get returns a streaming reader for the contents of the source URL.
// The caller is responsible for closing the returned io.ReadCloser.
func (d *FileDownloader) Get(ctx context.Context, source string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		if err := resp.Body.Close(); err != nil {
			d.logger.Printf(err.Error())
		}
		return nil, fmt.Errorf("fetching %s: unexpected status code %d", source, resp.StatusCode)
	}

	return resp.Body, nil
}
