package companion

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// copyTree recursively copies src into dst, preserving file modes. excludeAbs,
// if non-empty, names an absolute path under src that must be skipped — used
// to keep a freshly-created backup directory from copying itself.
func copyTree(src, dst, excludeAbs string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if excludeAbs != "" && (path == excludeAbs || isWithin(path, excludeAbs)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		return copyFile(path, target, info.Mode())
	})
}

func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func copyFile(srcPath, dstPath string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dstPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s to %s: %w", srcPath, dstPath, err)
	}
	return nil
}

// clearInstallDirExceptBackup removes every entry directly under installDir
// except the backup directory itself (spec §4.10 step 4: "Delete
// install-directory contents except the backup").
func clearInstallDirExceptBackup(installDir, backupDir string) error {
	entries, err := os.ReadDir(installDir)
	if err != nil {
		return fmt.Errorf("read install dir: %w", err)
	}
	backupBase := filepath.Base(backupDir)
	for _, e := range entries {
		if e.Name() == backupBase {
			continue
		}
		if err := os.RemoveAll(filepath.Join(installDir, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}
