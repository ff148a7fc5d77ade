package ignorelist

import (
	"errors"
	"os"
	"path/filepath"
)

func parentDir(path string) string {
	return filepath.Dir(path)
}

func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
