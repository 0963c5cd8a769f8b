// Package input resolves user-provided payload references to local files.
// A reference is either a local path, a file:// URL or a remote http(s) URL.
package input

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const (
	fileScheme = "file://"
)

// Downloader fetches remote content over HTTP. The network package provides
// the default implementation.
type Downloader interface {
	// Download saves the contents of the source URL to the destination path.
	Download(ctx context.Context, destination, source string) error

	// Get returns a streaming reader for the contents of the source URL.
	Get(ctx context.Context, source string) (io.ReadCloser, error)
}

// FileProvider supports retrieving the local path to a file either provided
// as a local path or a `file://` reference, or downloading the file to a
// temporary location and returning the path to it.
type FileProvider interface {
	// LocalPath returns the local file path for the given reference.
	// If the reference uses the file:// scheme, it strips the scheme and returns the absolute path.
	// If the reference is a remote URL (http:// or https://), it downloads the file to a
	// temporary directory and returns the local path to the downloaded file.
	// Anything else is treated as a local path and returned as an absolute path.
	LocalPath(ctx context.Context, reference string) (string, error)

	// Contents returns a streaming reader for the file contents.
	// If the reference points to a local file, it opens the file.
	// If the reference is a remote URL (http:// or https://), it fetches the remote content.
	// The caller is responsible for closing the returned io.ReadCloser.
	Contents(ctx context.Context, reference string) (io.ReadCloser, error)
}

type fileProvider struct {
	downloader   Downloader
	fileManager  fileutil.FileManager
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
}

// NewFileProvider ...
func NewFileProvider(downloader Downloader, fileManager fileutil.FileManager, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier) FileProvider {
	return &fileProvider{
		downloader:   downloader,
		fileManager:  fileManager,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
	}
}

// IsRemoteURL reports whether the reference is an http or https URL.
func IsRemoteURL(reference string) bool {
	return strings.HasPrefix(reference, "http://") || strings.HasPrefix(reference, "https://")
}

// HasFileScheme reports whether the reference uses the file:// scheme.
func HasFileScheme(reference string) bool {
	return strings.HasPrefix(reference, fileScheme)
}

// LocalPath returns the local file path for the given reference.
func (f *fileProvider) LocalPath(ctx context.Context, reference string) (string, error) {
	if HasFileScheme(reference) {
		return f.trimmedFilePath(reference)
	}

	if IsRemoteURL(reference) {
		return f.downloadFileToLocalPath(ctx, reference)
	}

	return f.pathModifier.AbsPath(reference)
}

// Contents returns a streaming reader for the file contents.
func (f *fileProvider) Contents(ctx context.Context, reference string) (io.ReadCloser, error) {
	if IsRemoteURL(reference) {
		return f.downloader.Get(ctx, reference)
	}

	localPath, err := f.trimmedFilePath(reference)
	if err != nil {
		return nil, err
	}

	return f.fileManager.Open(localPath)
}

// trimmedFilePath removes the file:// prefix from the reference and returns the absolute path.
func (f *fileProvider) trimmedFilePath(reference string) (string, error) {
	pth := strings.TrimPrefix(reference, fileScheme)
	return f.pathModifier.AbsPath(pth)
}

// downloadFileToLocalPath downloads a remote file to a temporary directory
// and returns the local path to the downloaded file.
func (f *fileProvider) downloadFileToLocalPath(ctx context.Context, urlPath string) (string, error) {
	tmpDir, err := f.pathProvider.CreateTempDir("FileProvider")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	fileName, err := f.fileNameFromURL(urlPath)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", urlPath, err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	if err := f.downloader.Download(ctx, localPath, urlPath); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", urlPath, err)
	}

	return localPath, nil
}

// fileNameFromURL extracts the filename from a URL path.
func (f *fileProvider) fileNameFromURL(urlPath string) (string, error) {
	parsedURL, err := url.Parse(urlPath)
	if err != nil {
		return "", err
	}

	return filepath.Base(parsedURL.Path), nil
}
