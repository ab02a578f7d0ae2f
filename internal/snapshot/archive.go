package snapshot

import (
	"archive/tar"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

// countingWriter tracks bytes written and feeds the archive digest.
type countingWriter struct {
	w    io.Writer
	h    hash.Hash
	size int64
}

func newCountingWriter(w io.Writer) *countingWriter {
	return &countingWriter{w: w, h: sha256.New()}
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.h.Write(p[:n])
	c.size += int64(n)
	return n, err
}

func (c *countingWriter) Digest() string {
	return fmt.Sprintf("sha256:%x", c.h.Sum(nil))
}

// writeArchive streams srcDir as a zstd-compressed USTAR archive into w.
// Entries use relative paths; only regular files, directories, and
// symlinks pointing inside srcDir are accepted.
func writeArchive(w io.Writer, srcDir string, level zstd.EncoderLevel) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		var link string
		switch {
		case info.Mode().IsRegular(), info.IsDir():
		case info.Mode()&os.ModeSymlink != 0:
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
			if err := checkSymlinkTarget(srcDir, path, link); err != nil {
				return err
			}
		default:
			return errdefs.InvalidArgument("unsupported file type at %s", relPath)
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Format = tar.FormatUSTAR
		// USTAR has no fields for access or change time.
		header.AccessTime = time.Time{}
		header.ChangeTime = time.Time{}
		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}
		// USTAR has no sub-second precision; truncate so round trips compare equal.
		header.ModTime = info.ModTime().Truncate(time.Second)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
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

	if err := tw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := zw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	return walkErr
}

// checkSymlinkTarget rejects symlinks whose target resolves outside root.
func checkSymlinkTarget(root, linkPath, target string) error {
	if filepath.IsAbs(target) {
		return errdefs.InvalidArgument("symlink %s points outside the workspace", linkPath)
	}
	resolved := filepath.Join(filepath.Dir(linkPath), target)
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return errdefs.InvalidArgument("symlink %s escapes the workspace", linkPath)
	}
	return nil
}

// extractArchive extracts a zstd-compressed tar stream into destDir.
// Every entry's resolved path must stay within destDir.
func extractArchive(r io.Reader, destDir string, preserveMtimes bool) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	type mtimeFix struct {
		path string
		t    time.Time
	}
	var dirTimes []mtimeFix

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		name := header.Name
		if filepath.IsAbs(name) {
			return errdefs.InvalidArgument("archive entry %q has an absolute path", name)
		}
		target := filepath.Join(destDir, filepath.FromSlash(name))
		if !withinDir(destDir, target) {
			return errdefs.InvalidArgument("archive entry %q escapes the target", name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return err
			}
			if preserveMtimes {
				// Applied after extraction: writing children bumps dir mtimes.
				dirTimes = append(dirTimes, mtimeFix{target, header.ModTime})
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			if preserveMtimes {
				_ = os.Chtimes(target, header.ModTime, header.ModTime)
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				return errdefs.InvalidArgument("archive symlink %q has an absolute target", name)
			}
			if !withinDir(destDir, filepath.Join(filepath.Dir(target), header.Linkname)) {
				return errdefs.InvalidArgument("archive symlink %q escapes the target", name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		default:
			return errdefs.InvalidArgument("archive entry %q has unsupported type %d", name, header.Typeflag)
		}
	}

	for i := len(dirTimes) - 1; i >= 0; i-- {
		_ = os.Chtimes(dirTimes[i].path, dirTimes[i].t, dirTimes[i].t)
	}
	return nil
}

// withinDir reports whether path stays inside dir after cleaning.
func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
