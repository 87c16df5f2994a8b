// Package envload finds the nearest .env file and loads it into the
// process environment without overriding variables that are already set.
package envload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// FileName is the file LoadNearest looks for.
const FileName = ".env"

// LoadNearest loads the first .env found walking from the working
// directory towards the filesystem root. It returns the loaded path, or ""
// when there is none.
func LoadNearest() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return LoadFrom(wd)
}

// LoadFrom is LoadNearest starting at dir.
func LoadFrom(dir string) (string, error) {
	for {
		path := filepath.Join(dir, FileName)
		info, err := os.Stat(path)
		switch {
		case err == nil && !info.IsDir():
			if err := godotenv.Load(path); err != nil {
				return "", fmt.Errorf("envload: load %s: %w", path, err)
			}
			return path, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("envload: stat %s: %w", path, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
