// Package transfer implements the upload and fetch flows of the blob transfer
// service: path collection, key template evaluation, archive creation and the
// service round-trips, along with the bookkeeping that lets a later upload be
// skipped when an identical archive was fetched earlier in the same run.
package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/mamantoha/upload-io/compression"
	"github.com/mamantoha/upload-io/envconfig"
	"github.com/mamantoha/upload-io/input"
	"github.com/mamantoha/upload-io/network"
	"github.com/mamantoha/upload-io/transfer/keytemplate"
)

// SendInput is the caller-provided configuration of an upload
type SendInput struct {
	Verbose bool
	// Key is the blob key template. The evaluated key identifies the uploaded archive.
	Key   string
	Paths []string
	// CompressionLevel is the zstd compression level used. Valid values are between 1 and 19.
	// If not provided (0), the default value (3) will be used.
	CompressionLevel int
	// CustomTarArgs is a list of custom arguments to pass to the tar command. These are appended to the default arguments.
	// Example: []string{"--format", "posix"}
	CustomTarArgs []string
	// IsKeyUnique indicates that the key is enough for knowing the archive is different from
	// another archive.
	// This can be set to true if the key contains a checksum that changes when any of the sent files change.
	// Example of such key: my-key-{{ checksum "package-lock.json" }}
	// Example where this is not true: my-key-{{ .OS }}-{{ .Arch }}
	IsKeyUnique bool
	// MaxSpeedKBps caps the upload speed, in kilobytes per second. Zero means no limit.
	MaxSpeedKBps int
	ShowProgress bool
}

// Sender ...
type Sender interface {
	Send(ctx context.Context, input SendInput) error
}

type sendConfig struct {
	Verbose          bool
	Key              string
	Paths            []string
	CompressionLevel int
	CustomTarArgs    []string
	MaxSpeedKBps     int
	ShowProgress     bool
	APIBaseURL       envconfig.Secret
	APIAccessToken   envconfig.Secret
}

type sender struct {
	envRepo      env.Repository
	logger       log.Logger
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	uploader     network.Uploader
}

// NewSender creates a new sender instance. `uploader` can be nil, unless you want to provide a custom `Uploader` implementation.
func NewSender(
	envRepo env.Repository,
	logger log.Logger,
	pathProvider pathutil.PathProvider,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	uploader network.Uploader,
) *sender {
	var uploaderImpl network.Uploader = uploader
	if uploader == nil {
		uploaderImpl = network.DefaultUploader{}
	}
	return &sender{
		envRepo:      envRepo,
		logger:       logger,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		uploader:     uploaderImpl,
	}
}

// Send ...
func (s *sender) Send(ctx context.Context, input SendInput) error {
	s.logger.TDebugf("Send start")
	defer func() {
		s.logger.TDebugf("Send done")
	}()

	config, err := s.createConfig(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to parse inputs: %w", err)
	}
	s.logger.TDebugf("Config created")

	tracker := newTransferTracker(s.envRepo, s.logger)
	defer tracker.wait()

	canSkipSend, reason := s.canSkipSend(input.Key, config.Key, input.IsKeyUnique)
	tracker.logSendSkipChecked(canSkipSend, reason)
	s.logger.Println()
	if canSkipSend {
		s.logger.Donef("Upload can be skipped, reason: %s", reason.description())
		return nil
	} else {
		s.logger.Infof("Can't skip the upload, reason: %s", reason.description())
		if reason == reasonRestoreOtherKey {
			s.logOtherHits()
		}
	}

	if compression.AreAllPathsEmpty(config.Paths) {
		s.logger.Println()
		s.logger.Warnf("The provided paths are all empty, skipping compression and upload.")
		return nil
	}

	s.logger.Println()
	s.logger.Infof("Creating archive...")
	compressionStartTime := time.Now()
	archivePath, err := s.compress(config.Paths, config.CompressionLevel, config.CustomTarArgs)
	if err != nil {
		return fmt.Errorf("compression failed: %s", err)
	}
	compressionTime := time.Since(compressionStartTime).Round(time.Second)
	tracker.logArchiveCompressed(compressionTime, len(config.Paths))
	s.logger.Donef("Archive created in %s", compressionTime)

	fileInfo, err := os.Stat(archivePath)
	if err != nil {
		return err
	}
	s.logger.Printf("Archive size: %s", units.HumanSizeWithPrecision(float64(fileInfo.Size()), 3))
	s.logger.Debugf("Archive path: %s", archivePath)

	archiveChecksum, err := checksumOfFile(archivePath)
	if err != nil {
		s.logger.Warnf(err.Error())
		// fail silently and continue
	}

	canSkipUpload, reason := s.canSkipUpload(config.Key, archiveChecksum)
	tracker.logUploadSkipChecked(canSkipUpload, reason)
	s.logger.Println()
	if canSkipUpload {
		s.logger.Donef("Upload can be skipped, reason: %s", reason.description())
		return nil
	}
	s.logger.Infof("Can't skip the upload, reason: %s", reason.description())

	s.logger.Println()
	s.logger.Infof("Uploading archive...")
	uploadStartTime := time.Now()
	if err := s.upload(ctx, archivePath, fileInfo.Size(), archiveChecksum, config); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	uploadTime := time.Since(uploadStartTime).Round(time.Second)
	s.logger.Donef("Archive uploaded in %s", uploadTime)
	tracker.logArchiveUploaded(uploadTime, fileInfo, len(config.Paths))

	return nil
}

func (s *sender) createConfig(ctx context.Context, input SendInput) (sendConfig, error) {
	if strings.TrimSpace(input.Key) == "" {
		return sendConfig{}, fmt.Errorf("blob key should not be empty")
	}

	s.logger.Println()
	s.logger.Printf("Evaluating key template: %s", input.Key)
	evaluatedKey, err := s.evaluateKey(input.Key)
	if err != nil {
		return sendConfig{}, fmt.Errorf("failed to evaluate key template: %s", err)
	}
	s.logger.Donef("Blob key: %s", evaluatedKey)

	finalPaths, err := s.evaluatePaths(ctx, input.Paths)
	if err != nil {
		return sendConfig{}, fmt.Errorf("failed to parse paths: %w", err)
	}

	apiBaseURL := s.envRepo.Get(serviceURLEnvVar)
	if apiBaseURL == "" {
		return sendConfig{}, fmt.Errorf("the environment variable '%s' is not defined", serviceURLEnvVar)
	}
	apiAccessToken := s.envRepo.Get(accessTokenEnvVar)
	if apiAccessToken == "" {
		return sendConfig{}, fmt.Errorf("the environment variable '%s' is not defined", accessTokenEnvVar)
	}

	if input.CompressionLevel == 0 {
		input.CompressionLevel = 3
	}
	if input.CompressionLevel < 1 || input.CompressionLevel > 19 {
		return sendConfig{}, fmt.Errorf("compression level should be between 1 and 19")
	}
	if input.MaxSpeedKBps < 0 {
		return sendConfig{}, fmt.Errorf("max speed should not be negative")
	}

	return sendConfig{
		Verbose:          input.Verbose,
		Key:              evaluatedKey,
		Paths:            finalPaths,
		CompressionLevel: input.CompressionLevel,
		CustomTarArgs:    input.CustomTarArgs,
		MaxSpeedKBps:     input.MaxSpeedKBps,
		ShowProgress:     input.ShowProgress,
		APIBaseURL:       envconfig.Secret(apiBaseURL),
		APIAccessToken:   envconfig.Secret(apiAccessToken),
	}, nil
}

func (s *sender) evaluatePaths(ctx context.Context, paths []string) ([]string, error) {
	fileProvider := input.NewFileProvider(
		network.NewFileDownloader(s.logger),
		fileutil.NewFileManager(),
		s.pathProvider,
		s.pathModifier)

	// Expand wildcard paths
	var expandedPaths []string
	for _, path := range paths {
		// Remote and file:// references resolve to a local copy first
		if input.IsRemoteURL(path) || input.HasFileScheme(path) {
			localPath, err := fileProvider.LocalPath(ctx, path)
			if err != nil {
				s.logger.Warnf("Failed to retrieve %s: %s", path, err)
				continue
			}
			expandedPaths = append(expandedPaths, localPath)
			continue
		}

		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := s.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			s.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if matches == nil {
			s.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	// Validate and sanitize paths
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := s.pathModifier.AbsPath(path)
		if err != nil {
			s.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := s.pathChecker.IsPathExists(absPath)
		if err != nil {
			s.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			s.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}

func (s *sender) evaluateKey(keyTemplate string) (string, error) {
	model := keytemplate.NewModel(s.envRepo, s.logger)
	return model.Evaluate(keyTemplate)
}

func (s *sender) compress(paths []string, compressionLevel int, customTarArgs []string) (string, error) {
	fileName := fmt.Sprintf("payload-%s.tzst", time.Now().UTC().Format("20060102-150405"))
	tempDir, err := s.pathProvider.CreateTempDir("upload-io")
	if err != nil {
		return "", err
	}
	archivePath := filepath.Join(tempDir, fileName)

	archiver := compression.NewArchiver(
		s.logger,
		s.envRepo,
		compression.NewDependencyChecker(s.logger, s.envRepo))

	err = archiver.Compress(archivePath, paths, compressionLevel, customTarArgs)
	if err != nil {
		return "", err
	}

	return archivePath, nil
}

func (s *sender) upload(ctx context.Context, archivePath string, archiveSize int64, archiveChecksum string, config sendConfig) error {
	params := network.UploadParams{
		APIBaseURL:   string(config.APIBaseURL),
		Token:        string(config.APIAccessToken),
		BlobPath:     archivePath,
		BlobSize:     archiveSize,
		Key:          config.Key,
		Sha256Sum:    archiveChecksum,
		MaxSpeed:     int64(config.MaxSpeedKBps) * units.KiB,
		ShowProgress: config.ShowProgress,
	}
	return s.uploader.Upload(ctx, params, s.logger)
}
