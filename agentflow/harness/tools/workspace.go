package tools

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/viant/afs"
	afsurl "github.com/viant/afs/url"
)

var (
	// ErrVersionNotFound is returned when a version directory does not exist.
	ErrVersionNotFound = errors.New("version directory not found")
	// ErrPathEscapes is returned for absolute paths or paths leaving the version directory.
	ErrPathEscapes = errors.New("path must be relative to the version directory")
)

var (
	versionDirPattern     = regexp.MustCompile(`^v([0-9]+)$`)
	versionArchivePattern = regexp.MustCompile(`^v([0-9]+)\.tar\.gz$`)
)

// Workspace stages version directories under a local root and archives
// finished versions into an afs location (file://, mem://, s3://, gs://...).
type Workspace struct {
	root       string
	archiveURL string
	fs         afs.Service
	logger     zerolog.Logger
}

// NewWorkspace creates a workspace. A nil service uses afs.New().
func NewWorkspace(root, archiveURL string, service afs.Service, logger zerolog.Logger) *Workspace {
	if service == nil {
		service = afs.New()
	}
	return &Workspace{
		root:       filepath.Clean(root),
		archiveURL: strings.TrimRight(archiveURL, "/"),
		fs:         service,
		logger:     logger.With().Str("component", "workspace").Logger(),
	}
}

// Root returns the directory holding the v<N> directories.
func (w *Workspace) Root() string { return w.root }

// VersionDir returns the staging directory for a version.
func (w *Workspace) VersionDir(version int) string {
	return filepath.Join(w.root, fmt.Sprintf("v%d", version))
}

// ArchiveURL returns the deterministic archive location for a version.
func (w *Workspace) ArchiveURL(version int) string {
	return afsurl.Join(w.archiveURL, fmt.Sprintf("v%d.tar.gz", version))
}

// NextVersion returns one more than the highest version staged on disk or
// already archived, so a clean system starts at 1.
func (w *Workspace) NextVersion(ctx context.Context) (int, error) {
	highest := 0

	entries, err := os.ReadDir(w.root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("failed to read workspace root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if n, ok := parseVersion(versionDirPattern, entry.Name()); ok {
			highest = max(highest, n)
		}
	}

	exists, err := w.fs.Exists(ctx, w.archiveURL)
	if err != nil {
		return 0, fmt.Errorf("failed to check archive store: %w", err)
	}
	if exists {
		objects, err := w.fs.List(ctx, w.archiveURL)
		if err != nil {
			return 0, fmt.Errorf("failed to list archive store: %w", err)
		}
		for _, object := range objects {
			if object.IsDir() {
				continue
			}
			if n, ok := parseVersion(versionArchivePattern, object.Name()); ok {
				highest = max(highest, n)
			}
		}
	}

	return highest + 1, nil
}

// Setup allocates the next version and creates its directory.
func (w *Workspace) Setup(ctx context.Context) (int, string, error) {
	version, err := w.NextVersion(ctx)
	if err != nil {
		return 0, "", err
	}

	dir := w.VersionDir(version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", fmt.Errorf("failed to create version directory: %w", err)
	}

	w.logger.Debug().Int("version", version).Str("path", dir).Msg("version allocated")
	return version, dir, nil
}

// WriteFile writes content to a relative path inside an allocated version,
// creating parent directories and overwriting an existing file.
func (w *Workspace) WriteFile(ctx context.Context, version int, relPath, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	clean, err := localPath(relPath)
	if err != nil {
		return "", err
	}

	dir := w.VersionDir(version)
	if err := requireDir(dir, version); err != nil {
		return "", err
	}

	fullPath := filepath.Join(dir, clean)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	w.logger.Debug().Int("version", version).Str("path", clean).Int("bytes", len(content)).Msg("file written")
	return fullPath, nil
}

// Save archives a version as a gzip tar rooted at ".", uploads it to the
// archive store and removes the version directory.
func (w *Workspace) Save(ctx context.Context, version int) (string, error) {
	dir := w.VersionDir(version)
	if err := requireDir(dir, version); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", fmt.Sprintf("agentflow-v%d-*.tar.gz", version))
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := writeTarGz(tmp, dir); err != nil {
		return "", fmt.Errorf("failed to archive version %d: %w", version, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind archive: %w", err)
	}

	target := w.ArchiveURL(version)
	if err := w.fs.Upload(ctx, target, 0o644, tmp); err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to remove version directory: %w", err)
	}

	w.logger.Info().Int("version", version).Str("url", target).Msg("version saved")
	return target, nil
}

func writeTarGz(out io.Writer, dir string) error {
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := "./"
		if rel != "." {
			name = "./" + filepath.ToSlash(rel)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = name
		if d.IsDir() && !strings.HasSuffix(header.Name, "/") {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func localPath(relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) || strings.HasPrefix(relPath, "/") {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, relPath)
	}
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if !filepath.IsLocal(clean) || clean == "." {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, relPath)
	}
	return clean, nil
}

func requireDir(dir string, version int) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return fmt.Errorf("%w: v%d", ErrVersionNotFound, version)
	}
	if err != nil {
		return fmt.Errorf("failed to stat version directory: %w", err)
	}
	return nil
}

func parseVersion(pattern *regexp.Regexp, name string) (int, bool) {
	m := pattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
