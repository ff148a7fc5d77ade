package update

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
)

func init() {
	// klauspost/compress provides a faster flate implementation than the
	// standard library's; registering it as the DEFLATE decompressor speeds
	// up extracting large update packages without replacing archive/zip's
	// container format handling.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// extract removes any prior extraction directory for version and unpacks
// archivePath into a fresh one, returning its path (spec §4.9 step 4).
func (m *Manager) extract(archivePath, version string) (string, error) {
	destDir := filepath.Join(m.cfg.Paths.ExtractedDir, version)
	if err := os.RemoveAll(destDir); err != nil {
		return "", fmt.Errorf("remove prior extraction dir: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create extraction dir: %w", err)
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("open update archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractOne(destDir, f); err != nil {
			return "", fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return destDir, nil
}

func extractOne(destDir string, f *zip.File) error {
	target := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return fmt.Errorf("entry escapes extraction directory: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
