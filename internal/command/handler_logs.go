package command

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// LogUploader delivers a finished archive somewhere the operator can
// retrieve it (the concrete transport — e.g. a dedicated upload endpoint —
// is owned by the caller; this package only knows how to build the
// archive).
type LogUploader func(ctx context.Context, archivePath string) error

// NewGetLogsHandler builds the get_logs handler (spec §4.7 item 5):
// collect designated log files, compress into a single archive, and
// return via the log-upload mechanism.
func NewGetLogsHandler(logPaths []string, workDir string, upload LogUploader) Handler {
	return func(ctx context.Context, cmd Command) Result {
		if err := os.MkdirAll(workDir, 0o700); err != nil {
			return failResult(cmd, ErrorCodeInternal, "create work dir: "+err.Error())
		}

		archivePath := filepath.Join(workDir, cmd.CommandID+"-logs.tar.gz")
		if err := archiveLogs(logPaths, archivePath); err != nil {
			return failResult(cmd, ErrorCodeInternal, "archive logs: "+err.Error())
		}
		defer os.Remove(archivePath)

		if err := upload(ctx, archivePath); err != nil {
			return failResult(cmd, ErrorCodeInternal, "upload failed: "+err.Error())
		}

		return Result{
			CommandID:   cmd.CommandID,
			CommandType: cmd.Type,
			Success:     true,
			Stdout:      fmt.Sprintf("collected %d log file(s)", len(logPaths)),
			ExitCode:    intPtr(0),
		}
	}
}

func archiveLogs(logPaths []string, destPath string) error {
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range logPaths {
		if err := addFileToArchive(tw, path); err != nil {
			// A single missing or unreadable log file shouldn't abort the
			// whole collection — note it in the archive and move on.
			if noteErr := addNoteToArchive(tw, path, err); noteErr != nil {
				return noteErr
			}
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func addNoteToArchive(tw *tar.Writer, path string, cause error) error {
	note := []byte(fmt.Sprintf("could not collect %s: %v\n", path, cause))
	hdr := &tar.Header{
		Name: filepath.Base(path) + ".error.txt",
		Mode: 0o600,
		Size: int64(len(note)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(note)
	return err
}
