// Package compression creates and restores the .tzst archives moved by the
// transfer package. It shells out to the host zstd binary when available and
// falls back to an in-process implementation when it is not.
package compression

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"

	"github.com/mamantoha/upload-io/internal/osproxy"
)

const defaultCompressionLevel = 3

// DependencyChecker reports whether the host has the binaries needed for
// archiving outside the process.
type DependencyChecker interface {
	Available() bool
}

// HostDependencyChecker probes the PATH for tar and zstd.
type HostDependencyChecker struct {
	logger     log.Logger
	cmdFactory command.Factory
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) *HostDependencyChecker {
	return &HostDependencyChecker{
		logger:     logger,
		cmdFactory: command.NewFactory(envRepo),
	}
}

// Available ...
func (c *HostDependencyChecker) Available() bool {
	return c.binaryInstalled("tar") && c.binaryInstalled("zstd")
}

func (c *HostDependencyChecker) binaryInstalled(name string) bool {
	cmd := c.cmdFactory.Create("which", []string{name}, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Archiver ...
type Archiver struct {
	logger     log.Logger
	cmdFactory command.Factory
	checker    DependencyChecker
}

// NewArchiver ...
func NewArchiver(logger log.Logger, envRepo env.Repository, checker DependencyChecker) *Archiver {
	return &Archiver{
		logger:     logger,
		cmdFactory: command.NewFactory(envRepo),
		checker:    checker,
	}
}

// Compress creates a compressed archive from the provided files and folders
// using absolute paths. compressionLevel is a zstd level between 1 and 19,
// 0 selects the default (3). customTarArgs are appended to the default tar
// arguments and only apply when the tar binary is used.
func (a *Archiver) Compress(archivePath string, includePaths []string, compressionLevel int, customTarArgs []string) error {
	if compressionLevel == 0 {
		compressionLevel = defaultCompressionLevel
	}

	if a.checker.Available() {
		a.logger.Infof("Using installed zstd binary")
		if err := a.compressWithBinary(archivePath, includePaths, compressionLevel, customTarArgs); err != nil {
			return fmt.Errorf("compress files: %w", err)
		}
		return nil
	}

	a.logger.Infof("Falling back to native implementation of zstd.")
	if len(customTarArgs) > 0 {
		a.logger.Warnf("Custom tar arguments need the tar binary, ignoring: %v", customTarArgs)
	}
	if err := a.compressWithGoLib(archivePath, includePaths, compressionLevel); err != nil {
		return fmt.Errorf("compress files: %w", err)
	}
	return nil
}

// Decompress takes an archive path and extracts files. This assumes an
// archive created with absolute file paths.
func (a *Archiver) Decompress(archivePath string, destinationDirectory string) error {
	if a.checker.Available() {
		a.logger.Infof("Using installed zstd binary")
		if err := a.decompressWithBinary(archivePath, destinationDirectory); err != nil {
			return fmt.Errorf("decompress files: %w", err)
		}
		return nil
	}

	a.logger.Infof("Falling back to native implementation of zstd.")
	if err := a.decompressWithGoLib(archivePath, destinationDirectory); err != nil {
		return fmt.Errorf("decompress files: %w", err)
	}
	return nil
}

func (a *Archiver) compressWithGoLib(archivePath string, includePaths []string, compressionLevel int) error {
	archive, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}

	zw, err := zstd.NewWriter(archive, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		_ = archive.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	// All include paths go into one tar stream. Separate streams per path
	// would end the archive at the first end-of-archive marker on read.
	tw := tar.NewWriter(zw)

	for _, p := range includePaths {
		if err := addPathToArchive(tw, filepath.Clean(p)); err != nil {
			_ = archive.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		_ = archive.Close()
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = archive.Close()
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return archive.Close()
}

func addPathToArchive(tw *tar.Writer, root string) error {
	err := filepath.Walk(root, func(file string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(file)
			if err != nil {
				return fmt.Errorf("read symlink: %w", err)
			}
			link = target
		}

		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return fmt.Errorf("create file info header: %w", err)
		}
		header.Name = filepath.Clean(file)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar file header: %w", err)
		}

		// nothing more to do for non-regular files or directories
		if !fi.Mode().IsRegular() || fi.IsDir() {
			return nil
		}

		data, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		if _, err := io.Copy(tw, data); err != nil {
			_ = data.Close()
			return fmt.Errorf("copy file contents: %w", err)
		}
		return data.Close()
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	return nil
}

func (a *Archiver) compressWithBinary(archivePath string, includePaths []string, compressionLevel int, customTarArgs []string) error {
	/*
		tar arguments:
		--use-compress-program: Pipe the output to zstd instead of using the built-in gzip compression
		-P: Alias for --absolute-paths in BSD tar and --absolute-names in GNU tar (uploads run on both Linux and macOS hosts)
			Storing absolute paths in the archive allows paths outside the current directory (such as ~/.gradle)
		-c: Create archive
		-f: Output file
	*/
	tarArgs := []string{
		"--use-compress-program", fmt.Sprintf("zstd --threads=0 -%d", compressionLevel), // Use CPU count threads
		"-P",
		"-c",
	}
	tarArgs = append(tarArgs, customTarArgs...)
	tarArgs = append(tarArgs, "-f", archivePath)
	tarArgs = append(tarArgs, includePaths...)

	return a.runTar(tarArgs)
}

func (a *Archiver) decompressWithGoLib(archivePath string, destinationDirectory string) error {
	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer func() {
		_ = archive.Close()
	}()

	zr, err := zstd.NewReader(archive)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.ToSlash(header.Name)
		if destinationDirectory != "" {
			target = filepath.Join(destinationDirectory, target)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create target directory: %w", err)
			}
		case tar.TypeReg:
			// parent entries are not guaranteed to precede a file
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			fileToWrite, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(fileToWrite, tr); err != nil {
				_ = fileToWrite.Close()
				return fmt.Errorf("copy content to file: %w", err)
			}
			// manually close here after each file operation; defering would cause each file close
			// to wait until all operations have completed.
			if err := fileToWrite.Close(); err != nil {
				return fmt.Errorf("write file: %w", err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink file: %w", err)
			}
		}
	}
	return nil
}

func (a *Archiver) decompressWithBinary(archivePath string, destinationDirectory string) error {
	/*
		tar arguments:
		--use-compress-program: Pipe the input to zstd instead of using the built-in gzip compression
		-P: Alias for --absolute-paths in BSD tar and --absolute-names in GNU tar (uploads run on both Linux and macOS hosts)
			Storing absolute paths in the archive allows paths outside the current directory (such as ~/.gradle)
		-x: Extract archive
		-f: Input file
	*/
	decompressTarArgs := []string{
		"--use-compress-program", "zstd -d",
		"-x",
		"-f", archivePath,
	}
	if destinationDirectory != "" {
		// No -P here: tar has to strip the leading slash from absolute member
		// names so they land under the destination directory.
		decompressTarArgs = append(decompressTarArgs, "--directory", destinationDirectory)
	} else {
		decompressTarArgs = append(decompressTarArgs, "-P")
	}

	return a.runTar(decompressTarArgs)
}

func (a *Archiver) runTar(args []string) error {
	cmd := a.cmdFactory.Create("tar", args, nil)
	a.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}
	return nil
}

// AreAllPathsEmpty checks if the provided paths are all nonexistent files or empty directories
func AreAllPathsEmpty(includePaths []string) bool {
	return areAllPathsEmpty(osproxy.RealOS{}, includePaths)
}

func areAllPathsEmpty(osProxy osproxy.OsProxy, includePaths []string) bool {
	allEmpty := true

	for _, path := range includePaths {
		fileInfo, err := osProxy.Stat(path)
		if err != nil {
			// nonexistent or unreadable, nothing to archive from here
			continue
		}

		if !fileInfo.IsDir() {
			// is a file and it exists
			allEmpty = false
			break
		}

		file, err := osProxy.Open(path)
		if err != nil {
			continue
		}
		dir, ok := file.(fs.ReadDirFile)
		if !ok {
			_ = file.Close()
			continue
		}
		_, err = dir.ReadDir(1) // query only 1 child
		_ = file.Close()
		if errors.Is(err, io.EOF) {
			// dir is empty
			continue
		}
		if err == nil {
			// dir has files or dirs
			allEmpty = false
			break
		}
	}

	return allEmpty
}
