package network

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"

	"github.com/mamantoha/upload-io/network/chunkuploader"
	"github.com/mamantoha/upload-io/uploadio"
)

// UploadParams ...
type UploadParams struct {
	APIBaseURL string
	Token      string
	BlobPath   string
	BlobSize   int64
	Key        string
	Sha256Sum  string
	// MaxSpeed caps the upload throughput in bytes per second. 0 means unlimited.
	// The cap applies to single-request uploads, chunked uploads run uncapped.
	MaxSpeed     int64
	ShowProgress bool
}

// Upload a blob and associate it with the provided key.
// Depending on the size the service responds with, the payload goes up in a
// single throttleable request or as parallel chunks.
func Upload(ctx context.Context, params UploadParams, logger log.Logger) error {
	validatedKey, err := validateKey(params.Key, logger)
	if err != nil {
		return err
	}

	client := newAPIClient(retryhttp.NewClient(logger), params.APIBaseURL, params.Token, logger)

	logger.Debugf("Get upload URLs")
	prepareResp, err := client.prepareUpload(prepareUploadRequest{
		Key:             validatedKey,
		BlobFileName:    filepath.Base(params.BlobPath),
		BlobContentType: "application/zstd",
		BlobSizeInBytes: params.BlobSize,
		Sha256Sum:       params.Sha256Sum,
	})
	if err != nil {
		return fmt.Errorf("failed to get upload URLs: %w", err)
	}
	logger.Debugf("Upload ID: %s", prepareResp.ID)
	if len(prepareResp.UploadURLs) == 0 {
		return fmt.Errorf("no upload URL received")
	}

	var onProgress func(int)
	if params.ShowProgress {
		onProgress = newProgressReporter(params.BlobSize, logger).report
	}

	logger.Debugf("")
	logger.Debugf("Upload blob")
	var etags []string
	if prepareResp.UploadChunkCount <= 1 {
		err = uploadInOneRequest(client, params, prepareResp.UploadURLs[0], onProgress, logger)
	} else {
		etags, err = uploadInChunks(ctx, params, prepareResp, onProgress, logger)
	}
	uploadSuccessful := err == nil
	if err != nil {
		logger.Warnf("Upload failed: %s", err)
	}

	logger.Debugf("")
	logger.Debugf("Acknowledge upload")
	response, ackErr := client.acknowledgeUpload(uploadSuccessful, prepareResp.ID, etags)
	if !uploadSuccessful {
		return fmt.Errorf("failed to upload blob: %w", err)
	}
	if ackErr != nil {
		return fmt.Errorf("failed to finalize upload: %w", ackErr)
	}

	logger.Debugf("Upload acknowledged")
	logResponseMessage(response, logger)

	return nil
}

func uploadInOneRequest(client apiClient, params UploadParams, dest uploadURL, onProgress func(int), logger log.Logger) error {
	source, err := uploadio.FileSource(params.BlobPath)
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	reader, err := uploadio.New(source, uploadio.Config{
		MaxSpeed:   params.MaxSpeed,
		OnProgress: onProgress,
	}, logger)
	if err != nil {
		return fmt.Errorf("wrap blob: %w", err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warnf("Failed to close upload body: %s", err)
		}
	}()

	if _, err := client.uploadBlob(dest, reader, params.BlobSize); err != nil {
		return err
	}
	return nil
}

func uploadInChunks(ctx context.Context, params UploadParams, prepareResp prepareUploadResponse, onProgress func(int), logger log.Logger) ([]string, error) {
	if len(prepareResp.UploadURLs) != prepareResp.UploadChunkCount {
		return nil, fmt.Errorf("service sent %d upload URLs for %d chunks", len(prepareResp.UploadURLs), prepareResp.UploadChunkCount)
	}

	provider, err := chunkuploader.NewFileChunkProvider(
		params.BlobPath,
		prepareResp.UploadChunkSizeBytes,
		prepareResp.UploadLastChunkSizeBytes,
		prepareResp.UploadChunkCount,
	)
	if err != nil {
		return nil, fmt.Errorf("create chunk provider: %w", err)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warnf("Failed to close blob: %s", err)
		}
	}()

	config := chunkuploader.DefaultConfig()
	config.OnChunkProgress = onProgress
	uploader := chunkuploader.New(config)
	defer uploader.CloseIdleConnections()

	urls := make([]chunkuploader.UploadURL, len(prepareResp.UploadURLs))
	for i, u := range prepareResp.UploadURLs {
		urls[i] = chunkuploader.UploadURL{Method: u.Method, URL: u.URL, Headers: u.Headers}
	}

	logger.Debugf("Uploading %d chunks, %dB each", prepareResp.UploadChunkCount, prepareResp.UploadChunkSizeBytes)
	result, err := uploader.Upload(ctx, provider, urls)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Uploaded %d chunks (average chunk time: %s)",
		uploader.Stats().FinishedCount(), uploader.Stats().Average().Round(time.Second))

	return result.ETags, nil
}

func validateKey(key string, logger log.Logger) (string, error) {
	if strings.Contains(key, ",") {
		return "", fmt.Errorf("commas are not allowed in key")
	}

	if len(key) > maxKeyLength {
		logger.Warnf("Key is too long, truncating it to the first %d characters", maxKeyLength)
		return key[:maxKeyLength], nil
	}
	return key, nil
}

func logResponseMessage(response acknowledgeResponse, logger log.Logger) {
	if response.Message == "" || response.Severity == "" {
		return
	}

	var loggerFn func(format string, v ...interface{})
	switch response.Severity {
	case "debug":
		loggerFn = logger.Debugf
	case "info":
		loggerFn = logger.Infof
	case "warning":
		loggerFn = logger.Warnf
	case "error":
		loggerFn = logger.Errorf
	default:
		loggerFn = logger.Printf
	}

	loggerFn("\n")
	loggerFn(response.Message)
	loggerFn("\n")
}

// progressReporter turns per-chunk byte counts into occasional percentage
// logs. The counter is guarded so callers may report from any goroutine.
type progressReporter struct {
	total      int64
	uploaded   int64
	lastDecile int
	logger     log.Logger
	mu         sync.Mutex
}

func newProgressReporter(total int64, logger log.Logger) *progressReporter {
	return &progressReporter{total: total, logger: logger}
}

func (p *progressReporter) report(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.uploaded += int64(n)
	if p.total <= 0 {
		return
	}
	decile := int(p.uploaded * 10 / p.total)
	if decile <= p.lastDecile || decile > 10 {
		return
	}
	p.lastDecile = decile
	p.logger.Printf("Uploaded %s of %s (%d%%)",
		units.HumanSizeWithPrecision(float64(p.uploaded), 3),
		units.HumanSizeWithPrecision(float64(p.total), 3),
		decile*10)
}
