package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opendevbox/opendevbox/internal/errdefs"
	"github.com/opendevbox/opendevbox/pkg/types"
)

// resolvePath maps a sandbox-relative path onto the workspace, rejecting
// absolute paths and any form that escapes the workspace root.
func (s *Sandbox) resolvePath(path string) (string, error) {
	if path == "" {
		return "", errdefs.InvalidArgument("path must not be empty")
	}
	if filepath.IsAbs(path) {
		return "", errdefs.InvalidArgument("path %q must be relative to the workspace", path)
	}
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", errdefs.InvalidArgument("path %q escapes the workspace", path)
	}
	resolved := filepath.Join(s.workspace, cleaned)
	// Join cleans again; double-check the result stays under the root.
	rel, err := filepath.Rel(s.workspace, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", errdefs.InvalidArgument("path %q escapes the workspace", path)
	}
	return resolved, nil
}

// WriteFile writes bytes to a workspace path via a sibling temp file and
// rename, so readers never observe partial content.
func (r *Runtime) WriteFile(userID, sandboxID, path string, data []byte) error {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return err
	}
	target, err := s.resolvePath(path)
	if err != nil {
		return err
	}

	s.wsMu.RLock()
	defer s.wsMu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return fmt.Errorf("failed to create parent dir for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to commit %s: %w", path, err)
	}

	r.quotas.AddStorage(sandboxID, int64(len(data)))
	return nil
}

// ReadFile returns the contents of a workspace path.
func (r *Runtime) ReadFile(userID, sandboxID, path string) ([]byte, error) {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return nil, err
	}
	target, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound("file %s not found", path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// ListDir lists a workspace directory, sorted by name.
func (r *Runtime) ListDir(userID, sandboxID, path string) ([]types.EntryInfo, error) {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = "."
	}
	target, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound("directory %s not found", path)
		}
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	out := make([]types.EntryInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, types.EntryInfo{
			Name:  entry.Name(),
			Path:  filepath.ToSlash(filepath.Join(path, entry.Name())),
			IsDir: entry.IsDir(),
			Size:  info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteFile removes a workspace file or directory tree.
func (r *Runtime) DeleteFile(userID, sandboxID, path string) error {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return err
	}
	target, err := s.resolvePath(path)
	if err != nil {
		return err
	}

	s.wsMu.RLock()
	defer s.wsMu.RUnlock()

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return errdefs.NotFound("file %s not found", path)
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	freed := info.Size()
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	r.quotas.AddStorage(sandboxID, -freed)
	return nil
}
