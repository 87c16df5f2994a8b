package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FileStore keeps each session's artifacts in <root>/<session>/.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates root when missing.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create root: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) Dir(session string) (string, error) {
	if err := ValidateSession(session); err != nil {
		return "", err
	}
	return filepath.Join(s.root, session), nil
}

func (s *FileStore) path(key Key) (string, error) {
	dir, err := s.Dir(key.Session)
	if err != nil {
		return "", err
	}
	name, err := key.Role.FileName()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Write replaces the artifact atomically so a reader never observes a
// partially written file.
func (s *FileStore) Write(ctx context.Context, key Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return fmt.Errorf("artifact: write %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("artifact: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("artifact: write %s: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("artifact: write %s: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("artifact: write %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Read(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", key, err)
	}
	return raw, nil
}

func (s *FileStore) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("artifact: delete %s: %w", key, err)
	}
	return nil
}

// DeleteAll removes the known role files one by one, recording which were
// absent, then removes the session directory with any side files the
// toolchain left behind.
func (s *FileStore) DeleteAll(ctx context.Context, session string) (DeleteReport, error) {
	report := DeleteReport{Session: session}
	dir, err := s.Dir(session)
	if err != nil {
		return report, err
	}
	var errs []error
	for _, role := range Roles() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name, _ := role.FileName()
		err := os.Remove(filepath.Join(dir, name))
		switch {
		case err == nil:
			report.Removed = append(report.Removed, role)
		case errors.Is(err, fs.ErrNotExist):
			report.Missing = append(report.Missing, role)
		default:
			errs = append(errs, fmt.Errorf("artifact: delete %s/%s: %w", session, role, err))
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		errs = append(errs, fmt.Errorf("artifact: remove session dir %s: %w", session, err))
	}
	return report, errors.Join(errs...)
}

// Sessions lists session directories under root, oldest first. Entries
// whose name is not a valid session id are ignored.
func (s *FileStore) Sessions(ctx context.Context) ([]SessionDir, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("artifact: list sessions: %w", err)
	}
	out := make([]SessionDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateSession(entry.Name()) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, SessionDir{Session: entry.Name(), Modified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Modified.Before(out[j].Modified) })
	return out, nil
}
