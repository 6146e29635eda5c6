// Package archive packs files matched by path patterns into a single tar + zstd payload
// so that many files can travel in one blob upload.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// DefaultCompressionLevel is a zstd level, 1 (fastest) to 19.
const DefaultCompressionLevel = 3

// DependencyChecker reports whether the tar and zstd binaries can be used.
type DependencyChecker interface {
	CheckDependencies() bool
}

// BinaryChecker looks the binaries up on the PATH.
type BinaryChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewBinaryChecker ...
func NewBinaryChecker(logger log.Logger, envRepo env.Repository) *BinaryChecker {
	return &BinaryChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (c *BinaryChecker) CheckDependencies() bool {
	return c.checkDependency("tar") && c.checkDependency("zstd")
}

func (c *BinaryChecker) checkDependency(binaryName string) bool {
	cmd := command.NewFactory(c.envRepo).Create("which", []string{binaryName}, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Archiver creates and extracts archives, with the tar and zstd binaries when available
// and with the Go implementation otherwise. Both produce the same format.
type Archiver struct {
	logger            log.Logger
	envRepo           env.Repository
	dependencyChecker DependencyChecker
}

// NewArchiver ...
func NewArchiver(logger log.Logger, envRepo env.Repository, dependencyChecker DependencyChecker) *Archiver {
	return &Archiver{
		logger:            logger,
		envRepo:           envRepo,
		dependencyChecker: dependencyChecker,
	}
}

// Compress writes the files and folders of includePaths to archivePath. Paths are stored as given,
// absolute paths included.
func (a *Archiver) Compress(archivePath string, includePaths []string, compressionLevel int) error {
	if compressionLevel < 1 || compressionLevel > 19 {
		return fmt.Errorf("compression level %d is out of the 1-19 range", compressionLevel)
	}

	compress := a.compressWithBinary
	if !a.dependencyChecker.CheckDependencies() {
		a.logger.Debugf("tar or zstd is not installed, compressing in process")
		compress = a.compressWithGoLib
	}

	if err := compress(archivePath, includePaths, compressionLevel); err != nil {
		return fmt.Errorf("compress %d paths into %s: %w", len(includePaths), archivePath, err)
	}
	return nil
}

// Decompress extracts archivePath below destinationDirectory, or to the stored paths when it is empty.
func (a *Archiver) Decompress(archivePath string, destinationDirectory string) error {
	decompress := a.decompressWithBinary
	if !a.dependencyChecker.CheckDependencies() {
		a.logger.Debugf("tar or zstd is not installed, extracting in process")
		decompress = a.decompressWithGoLib
	}

	if err := decompress(archivePath, destinationDirectory); err != nil {
		return fmt.Errorf("extract %s: %w", archivePath, err)
	}
	return nil
}

func (a *Archiver) compressWithGoLib(archivePath string, includePaths []string, compressionLevel int) (err error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
		if err != nil {
			if rerr := os.Remove(archivePath); rerr != nil {
				a.logger.Warnf("Failed to remove partial archive %s: %s", archivePath, rerr)
			}
		}
	}()

	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer func() {
		if cerr := zw.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close zstd writer: %w", cerr)
		}
	}()

	tw := tar.NewWriter(zw)
	defer func() {
		if cerr := tw.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close tar writer: %w", cerr)
		}
	}()

	for _, p := range includePaths {
		if err := filepath.Walk(filepath.Clean(p), func(file string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			return writeEntry(tw, file, fi)
		}); err != nil {
			return fmt.Errorf("iterate on files: %w", err)
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, file string, fi os.FileInfo) error {
	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(file); err != nil {
			return fmt.Errorf("read symlink: %w", err)
		}
	}

	header, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return fmt.Errorf("create file info header: %w", err)
	}
	header.Name = filepath.ToSlash(filepath.Clean(file))

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar file header: %w", err)
	}

	// nothing more to do for non-regular files
	if !fi.Mode().IsRegular() {
		return nil
	}

	data, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	if _, err := io.Copy(tw, data); err != nil {
		_ = data.Close()
		return fmt.Errorf("copy to archive: %w", err)
	}
	if err := data.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

func (a *Archiver) compressWithBinary(archivePath string, includePaths []string, compressionLevel int) error {
	/*
		tar arguments:
		--use-compress-program: Pipe the output to zstd instead of using the built-in gzip compression
		-P: Alias for --absolute-paths in BSD tar and --absolute-names in GNU tar
		-c: Create archive
		-f: Output file
	*/
	tarArgs := []string{
		"--use-compress-program", "zstd --threads=0 -" + strconv.Itoa(compressionLevel),
		"-P",
		"-c",
		"-f", archivePath,
	}
	tarArgs = append(tarArgs, includePaths...)

	return a.runTar(tarArgs)
}

func (a *Archiver) decompressWithGoLib(archivePath string, destinationDirectory string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		if err := in.Close(); err != nil {
			a.logger.Warnf("Failed to close %s: %s", archivePath, err)
		}
	}()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := entryTarget(destinationDirectory, header.Name)
		if err != nil {
			return err
		}
		if destinationDirectory != "" {
			if err := checkContained(destinationDirectory, target, header); err != nil {
				return err
			}
		}
		if err := extractEntry(tr, header, target); err != nil {
			return fmt.Errorf("extract %s: %w", header.Name, err)
		}
	}
}

// entryTarget maps an entry name below dir. Entries must not leave dir.
func entryTarget(dir, name string) (string, error) {
	target := filepath.FromSlash(name)
	if dir == "" {
		return target, nil
	}

	target = filepath.Join(dir, target)
	if !within(dir, target) {
		return "", fmt.Errorf("entry %s points outside of %s", name, dir)
	}
	return target, nil
}

// checkContained rejects an entry when the directories already on disk below dir lead out of it
// through a symlink, or when the entry is a symlink pointing out of dir.
func checkContained(dir, target string, header *tar.Header) error {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	parent, err := resolveExisting(filepath.Dir(target))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", filepath.Dir(target), err)
	}
	if !within(root, parent) {
		return fmt.Errorf("entry %s is written through a symlink outside of %s", header.Name, dir)
	}

	if header.Typeflag == tar.TypeSymlink {
		link := filepath.FromSlash(header.Linkname)
		if filepath.IsAbs(link) || !within(root, filepath.Join(parent, link)) {
			return fmt.Errorf("symlink %s -> %s points outside of %s", header.Name, header.Linkname, dir)
		}
	}
	return nil
}

// resolveExisting evaluates the symlinks of the longest existing prefix of path
// and appends the missing elements unchanged.
func resolveExisting(path string) (string, error) {
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", err
		}
		missing = append([]string{filepath.Base(path)}, missing...)
		path = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func extractEntry(r io.Reader, header *tar.Header, target string) error {
	// an existing symlink is replaced, not followed
	if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return err
		}
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0755)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return os.Symlink(header.Linkname, target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	default:
		return nil
	}
}

func (a *Archiver) decompressWithBinary(archivePath string, destinationDirectory string) error {
	tarArgs := []string{
		"--use-compress-program", "zstd -d",
		"-x",
		"-f", archivePath,
		"-P",
	}
	if destinationDirectory != "" {
		tarArgs = append(tarArgs, "--directory", destinationDirectory)
	}

	return a.runTar(tarArgs)
}

func (a *Archiver) runTar(args []string) error {
	cmd := command.NewFactory(a.envRepo).Create("tar", args, nil)
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

// AreAllPathsEmpty checks if the provided paths are all nonexistent files or empty directories.
func AreAllPathsEmpty(includePaths []string) bool {
	for _, path := range includePaths {
		fileInfo, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil || !fileInfo.IsDir() {
			return false
		}

		empty, err := isEmptyDir(path)
		if err == nil && !empty {
			return false
		}
	}
	return true
}

func isEmptyDir(path string) (bool, error) {
	dir, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer dir.Close()

	_, err = dir.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}
