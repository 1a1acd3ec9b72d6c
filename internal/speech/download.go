package speech

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"tunekit/internal/errs"
)

// ArchiveURL is the Speech Commands v0.02 release.
const ArchiveURL = "http://download.tensorflow.org/data/speech_commands_v0.02.tar.gz"

// Downloader fetches and unpacks the corpus.
type Downloader struct {
	URL    string
	Client *http.Client
	Log    *zap.Logger
}

// Download ensures the corpus exists under root and returns its directory.
// An existing non-empty directory is used as is.
func Download(ctx context.Context, root string, log *zap.Logger) (string, error) {
	return Downloader{URL: ArchiveURL, Log: log}.Fetch(ctx, root)
}

func (d Downloader) Fetch(ctx context.Context, root string) (string, error) {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	dir := CorpusDir(root)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		log.Debug("speech corpus present", zap.String("dir", dir))
		return dir, nil
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	log.Info("downloading speech corpus", zap.String("url", d.URL), zap.String("dir", dir))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: download %s: %v", errs.ErrIO, d.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: download %s: %s", errs.ErrIO, d.URL, resp.Status)
	}

	// unpack beside the target and rename, so an interrupted run leaves no
	// half-filled corpus
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dir), ".extract-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	defer os.RemoveAll(tmp)
	n, err := Extract(resp.Body, tmp)
	if err != nil {
		return "", err
	}
	if err := replaceDir(tmp, dir); err != nil {
		return "", err
	}
	log.Info("speech corpus extracted", zap.Int("files", n), zap.String("dir", dir))
	return dir, nil
}

// replaceDir moves src to dst, removing whatever dst held.
func replaceDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("%w: clear %s: %v", errs.ErrIO, dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return nil
}

// Extract unpacks a gzipped tar stream into dest and returns the number of
// regular files written. Entries escaping dest are rejected.
func Extract(r io.Reader, dest string) (int, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("%w: gzip: %v", errs.ErrIO, err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	n := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%w: tar: %v", errs.ErrIO, err)
		}
		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if name == "." {
			continue
		}
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return n, fmt.Errorf("%w: tar entry %q escapes destination", errs.ErrData, hdr.Name)
		}
		target := filepath.Join(dest, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return n, fmt.Errorf("%w: %v", errs.ErrIO, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return n, err
			}
			n++
		}
	}
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return f.Close()
}
