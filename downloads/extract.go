package downloads

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
)

var (
	ErrUnsupportedArchive = errors.New("unsupported archive format")
	ErrNoMatch            = errors.New("no matching file found in archive")
	ErrUnsafePath         = errors.New("archive entry escapes destination")
)

// Matcher maps an archive entry name to the file name it should be written
// as, or reports false to skip the entry.
type Matcher func(name string) (string, bool)

// All keeps every entry under its own path with stripPrefix removed.
func All(stripPrefix string) Matcher {
	return func(name string) (string, bool) {
		name = strings.TrimPrefix(name, stripPrefix)
		return name, name != ""
	}
}

// BaseNames keeps entries whose base name is in names, flattened into the
// destination directory.
func BaseNames(names ...string) Matcher {
	return func(name string) (string, bool) {
		base := path.Base(name)
		for _, n := range names {
			if strings.EqualFold(base, n) {
				return n, true
			}
		}
		return "", false
	}
}

type entry struct {
	name  string
	dir   bool
	open  func() (io.ReadCloser, error)
	index int
	total int
}

// Extract unpacks the zip, 7z or tar.gz archive at archivePath into destDir,
// writing only entries accepted by match. It returns the written paths.
func Extract(archivePath, destDir string, match Matcher, progressCb ProgressCallback) ([]string, error) {
	lower := strings.ToLower(archivePath)
	var walk func(func(entry) error) error
	switch {
	case strings.HasSuffix(lower, ".zip"):
		walk = func(fn func(entry) error) error { return walkZip(archivePath, fn) }
	case strings.HasSuffix(lower, ".7z"):
		walk = func(fn func(entry) error) error { return walk7z(archivePath, fn) }
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		walk = func(fn func(entry) error) error { return walkTarGz(archivePath, fn) }
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, filepath.Base(archivePath))
	}

	var written []string
	err := walk(func(e entry) error {
		if progressCb != nil && e.total > 0 && e.index%10 == 0 {
			progressCb(Progress{
				Status:  StatusExtracting,
				Message: fmt.Sprintf("Extracting %d/%d files...", e.index+1, e.total),
			})
		}
		if e.dir {
			return nil
		}
		name, ok := match(e.name)
		if !ok {
			return nil
		}
		dest, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}
		if err := writeEntry(e, dest); err != nil {
			return err
		}
		written = append(written, dest)
		return nil
	})
	if err != nil {
		return written, err
	}
	if len(written) == 0 {
		return nil, ErrNoMatch
	}
	return written, nil
}

func safeJoin(destDir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(destDir, clean), nil
}

func writeEntry(e entry, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	rc, err := e.open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", e.name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", e.name, err)
	}
	return out.Close()
}

func walkZip(archivePath string, fn func(entry) error) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		if err := fn(entry{
			name:  file.Name,
			dir:   file.FileInfo().IsDir(),
			open:  file.Open,
			index: i,
			total: len(reader.File),
		}); err != nil {
			return err
		}
	}
	return nil
}

func walk7z(archivePath string, fn func(entry) error) error {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open 7z archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		if err := fn(entry{
			name:  file.Name,
			dir:   file.FileInfo().IsDir(),
			open:  file.Open,
			index: i,
			total: len(reader.File),
		}); err != nil {
			return err
		}
	}
	return nil
}

func walkTarGz(archivePath string, fn func(entry) error) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for i := 0; ; i++ {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg && header.Typeflag != tar.TypeDir {
			continue
		}
		if err := fn(entry{
			name:  header.Name,
			dir:   header.Typeflag == tar.TypeDir,
			open:  func() (io.ReadCloser, error) { return io.NopCloser(tr), nil },
			index: i,
		}); err != nil {
			return err
		}
	}
}
