package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/mamantoha/upload-io/compression"
	"github.com/mamantoha/upload-io/envconfig"
	"github.com/mamantoha/upload-io/network"
	"github.com/mamantoha/upload-io/transfer/keytemplate"
)

// FetchInput is the caller-provided configuration of a fetch
type FetchInput struct {
	Verbose bool
	// Keys are blob key templates, tried in order until one matches.
	Keys []string
	// ExtractTo is the directory the fetched archive is extracted into.
	// When empty, entries are restored relative to the working directory.
	ExtractTo string
}

// Fetcher ...
type Fetcher interface {
	Fetch(ctx context.Context, input FetchInput) error
}

type fetchConfig struct {
	Verbose        bool
	Keys           []string
	ExtractTo      string
	APIBaseURL     envconfig.Secret
	APIAccessToken envconfig.Secret
}

type downloadResult struct {
	filePath   string
	matchedKey string
}

type fetcher struct {
	envRepo    env.Repository
	logger     log.Logger
	downloader network.Downloader
}

// NewFetcher creates a new fetcher instance. `downloader` can be nil, unless you want to provide a custom `Downloader` implementation.
func NewFetcher(envRepo env.Repository, logger log.Logger, downloader network.Downloader) *fetcher {
	var downloaderImpl network.Downloader = downloader
	if downloader == nil {
		downloaderImpl = network.DefaultDownloader{}
	}
	return &fetcher{
		envRepo:    envRepo,
		logger:     logger,
		downloader: downloaderImpl,
	}
}

// Fetch ...
func (f *fetcher) Fetch(ctx context.Context, input FetchInput) error {
	config, err := f.createConfig(input)
	if err != nil {
		return fmt.Errorf("failed to parse inputs: %w", err)
	}

	tracker := newTransferTracker(f.envRepo, f.logger)
	defer tracker.wait()

	f.logger.Println()
	f.logger.Infof("Downloading archive...")
	downloadStartTime := time.Now()
	result, err := f.download(ctx, config)
	if err != nil {
		if errors.Is(err, network.ErrBlobNotFound) {
			f.logger.Donef("No blob found for the provided keys")
			return nil
		}
		return fmt.Errorf("download failed: %w", err)
	}
	fileInfo, err := os.Stat(result.filePath)
	if err != nil {
		return err
	}
	f.logger.Printf("Archive size: %s", units.HumanSizeWithPrecision(float64(fileInfo.Size()), 3))
	downloadTime := time.Since(downloadStartTime).Round(time.Second)
	f.logger.Donef("Downloaded archive in %s", downloadTime)
	tracker.logArchiveDownloaded(downloadTime, fileInfo, len(config.Keys))

	f.logger.Println()
	f.logger.Infof("Extracting archive...")
	extractionStartTime := time.Now()
	archiver := compression.NewArchiver(
		f.logger,
		f.envRepo,
		compression.NewDependencyChecker(f.logger, f.envRepo))
	if err := archiver.Decompress(result.filePath, config.ExtractTo); err != nil {
		return fmt.Errorf("failed to decompress archive: %w", err)
	}
	extractionTime := time.Since(extractionStartTime).Round(time.Second)
	f.logger.Donef("Extracted archive in %s", extractionTime)
	tracker.logArchiveExtracted(extractionTime, len(config.Keys))

	if err := f.exposeHit(result); err != nil {
		return fmt.Errorf("failed to expose the fetched key: %w", err)
	}

	return nil
}

func (f *fetcher) createConfig(input FetchInput) (fetchConfig, error) {
	apiBaseURL := f.envRepo.Get(serviceURLEnvVar)
	if apiBaseURL == "" {
		return fetchConfig{}, fmt.Errorf("the environment variable '%s' is not defined", serviceURLEnvVar)
	}
	apiAccessToken := f.envRepo.Get(accessTokenEnvVar)
	if apiAccessToken == "" {
		return fetchConfig{}, fmt.Errorf("the environment variable '%s' is not defined", accessTokenEnvVar)
	}

	keys, err := f.evaluateKeys(input.Keys)
	if err != nil {
		return fetchConfig{}, fmt.Errorf("failed to evaluate keys: %w", err)
	}
	if len(keys) == 0 {
		return fetchConfig{}, fmt.Errorf("no valid blob key provided")
	}

	return fetchConfig{
		Verbose:        input.Verbose,
		Keys:           keys,
		ExtractTo:      input.ExtractTo,
		APIBaseURL:     envconfig.Secret(apiBaseURL),
		APIAccessToken: envconfig.Secret(apiAccessToken),
	}, nil
}

func (f *fetcher) evaluateKeys(keys []string) ([]string, error) {
	model := keytemplate.NewModel(f.envRepo, f.logger)

	var evaluatedKeys []string
	for _, key := range keys {
		if key == "" {
			continue
		}

		f.logger.Println()
		f.logger.Printf("Evaluating key template: %s", key)
		evaluatedKey, err := model.Evaluate(key)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate key template: %s", err)
		}
		f.logger.Donef("Blob key: %s", evaluatedKey)
		evaluatedKeys = append(evaluatedKeys, evaluatedKey)
	}

	return evaluatedKeys, nil
}

func (f *fetcher) download(ctx context.Context, config fetchConfig) (downloadResult, error) {
	dir, err := os.MkdirTemp("", "upload-io")
	if err != nil {
		return downloadResult{}, err
	}
	name := fmt.Sprintf("payload-%s.tzst", time.Now().UTC().Format("20060102-150405"))
	downloadPath := filepath.Join(dir, name)

	params := network.DownloadParams{
		APIBaseURL:   string(config.APIBaseURL),
		Token:        string(config.APIAccessToken),
		Keys:         config.Keys,
		DownloadPath: downloadPath,
	}
	matchedKey, err := f.downloader.Download(ctx, params, f.logger)
	if err != nil {
		return downloadResult{}, err
	}

	f.logger.Debugf("Archive downloaded to %s", downloadPath)

	return downloadResult{
		filePath:   downloadPath,
		matchedKey: matchedKey,
	}, nil
}

// exposeHit records the matched key and the archive checksum in the environment so
// that a later Send with the same key can recognize unchanged content.
func (f *fetcher) exposeHit(result downloadResult) error {
	if result.filePath == "" || result.matchedKey == "" {
		return nil
	}

	checksum, err := checksumOfFile(result.filePath)
	if err != nil {
		return err
	}
	return f.envRepo.Set(hitEnvVarPrefix+result.matchedKey, checksum)
}
