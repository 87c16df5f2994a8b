// Package style resolves bibliography style names to style definitions.
package style

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Extension is the file suffix of style definitions in the catalog.
const Extension = ".bst"

var (
	ErrUnknownStyle = errors.New("style: unknown style")
	ErrInvalidName  = errors.New("style: invalid style name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]{0,127}$`)

// Catalog is the read side the pipeline needs.
type Catalog interface {
	Names(ctx context.Context) ([]string, error)
	Has(ctx context.Context, name string) (bool, error)
	Read(ctx context.Context, name string) ([]byte, error)
}

// Normalize trims name and strips an optional extension. Names that could
// address anything outside the catalog directory are rejected.
func Normalize(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, Extension)
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// DirCatalog serves the *.bst files of one directory. The name list is
// cached; Refresh or Watch keep it current.
type DirCatalog struct {
	dir    string
	logger *zap.Logger

	mu     sync.RWMutex
	names  map[string]struct{}
	loaded bool
}

func NewDirCatalog(dir string, logger *zap.Logger) (*DirCatalog, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("style: catalog dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("style: resolve catalog dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("style: open catalog: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("style: catalog %s is not a directory", abs)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirCatalog{dir: abs, logger: logger.Named("style")}, nil
}

func (c *DirCatalog) Dir() string { return c.dir }

// Refresh rescans the directory.
func (c *DirCatalog) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("style: scan catalog: %w", err)
	}
	names := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), Extension) {
			continue
		}
		name, err := Normalize(entry.Name())
		if err != nil {
			continue
		}
		names[name] = struct{}{}
	}
	c.mu.Lock()
	c.names = names
	c.loaded = true
	c.mu.Unlock()
	return nil
}

func (c *DirCatalog) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.Refresh(ctx)
}

// Names lists style names without extension, sorted.
func (c *DirCatalog) Names(ctx context.Context) ([]string, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	out := make([]string, 0, len(c.names))
	for name := range c.names {
		out = append(out, name)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Has reports whether name resolves to a style. A cache miss is confirmed
// against the directory so styles added without a watcher are found.
func (c *DirCatalog) Has(ctx context.Context, name string) (bool, error) {
	name, err := Normalize(name)
	if err != nil {
		return false, err
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return false, err
	}
	c.mu.RLock()
	_, ok := c.names[name]
	c.mu.RUnlock()
	if ok {
		return true, nil
	}
	info, err := os.Stat(c.path(name))
	if err != nil || !info.Mode().IsRegular() {
		return false, nil
	}
	c.mu.Lock()
	c.names[name] = struct{}{}
	c.mu.Unlock()
	return true, nil
}

// Read returns the style definition for name.
func (c *DirCatalog) Read(ctx context.Context, name string) ([]byte, error) {
	name, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStyle, name)
		}
		return nil, fmt.Errorf("style: read %s: %w", name, err)
	}
	return data, nil
}

func (c *DirCatalog) path(name string) string {
	return filepath.Join(c.dir, name+Extension)
}

// Watch refreshes the cache whenever a style file changes. It blocks until
// ctx is done.
func (c *DirCatalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("style: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("style: watch %s: %w", c.dir, err)
	}
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	c.logger.Debug("watching style catalog", zap.String("dir", c.dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, Extension) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("style catalog refresh failed", zap.Error(err))
				continue
			}
			c.logger.Debug("style catalog refreshed",
				zap.String("file", filepath.Base(event.Name)),
				zap.String("op", event.Op.String()),
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("style watcher error", zap.Error(err))
		}
	}
}
