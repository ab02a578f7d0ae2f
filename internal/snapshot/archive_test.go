package snapshot

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

func TestWriteArchiveRejectsEscapingSymlink(t *testing.T) {
	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")
	if err := os.MkdirAll(ws, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink("../../etc/passwd", filepath.Join(ws, "evil")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	var buf bytes.Buffer
	err := writeArchive(&buf, ws, zstd.SpeedDefault)
	if !errors.Is(err, errdefs.ErrInvalidArg) {
		t.Errorf("writeArchive() = %v, want ErrInvalidArg", err)
	}
}

func TestWriteArchiveRejectsAbsoluteSymlink(t *testing.T) {
	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")
	if err := os.MkdirAll(ws, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink("/etc/passwd", filepath.Join(ws, "abs")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	var buf bytes.Buffer
	err := writeArchive(&buf, ws, zstd.SpeedDefault)
	if !errors.Is(err, errdefs.ErrInvalidArg) {
		t.Errorf("writeArchive() = %v, want ErrInvalidArg", err)
	}
}

func makeHostileArchive(t *testing.T, name string, typeflag byte, linkname string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	tw := tar.NewWriter(zw)
	hdr := &tar.Header{
		Name:     name,
		Typeflag: typeflag,
		Linkname: linkname,
		Mode:     0600,
		Size:     0,
	}
	if typeflag == tar.TypeReg {
		hdr.Size = 4
	}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("header: %v", err)
	}
	if typeflag == tar.TypeReg {
		tw.Write([]byte("boom"))
	}
	tw.Close()
	zw.Close()
	return buf.Bytes()
}

func TestExtractRejectsTraversalEntry(t *testing.T) {
	payload := makeHostileArchive(t, "../../escape", tar.TypeReg, "")
	err := extractArchive(bytes.NewReader(payload), t.TempDir(), false)
	if !errors.Is(err, errdefs.ErrInvalidArg) {
		t.Errorf("extractArchive() = %v, want ErrInvalidArg", err)
	}
}

func TestExtractRejectsEscapingSymlinkEntry(t *testing.T) {
	payload := makeHostileArchive(t, "link", tar.TypeSymlink, "../../outside")
	err := extractArchive(bytes.NewReader(payload), t.TempDir(), false)
	if !errors.Is(err, errdefs.ErrInvalidArg) {
		t.Errorf("extractArchive() = %v, want ErrInvalidArg", err)
	}
}

func TestExtractRejectsSpecialEntry(t *testing.T) {
	payload := makeHostileArchive(t, "fifo", tar.TypeFifo, "")
	err := extractArchive(bytes.NewReader(payload), t.TempDir(), false)
	if !errors.Is(err, errdefs.ErrInvalidArg) {
		t.Errorf("extractArchive() = %v, want ErrInvalidArg", err)
	}
}

func TestArchivePreservesMtimes(t *testing.T) {
	ws := writeWorkspace(t, map[string]string{"a.txt": "content"})
	want := mustTime(t, "2023-04-01T10:30:00Z")
	if err := os.Chtimes(filepath.Join(ws, "a.txt"), want, want); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	var buf bytes.Buffer
	if err := writeArchive(&buf, ws, zstd.SpeedDefault); err != nil {
		t.Fatalf("writeArchive() error: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out")
	if err := os.MkdirAll(dest, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := extractArchive(bytes.NewReader(buf.Bytes()), dest, true); err != nil {
		t.Fatalf("extractArchive() error: %v", err)
	}

	info, err := os.Stat(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.ModTime().UTC().Equal(want) {
		t.Errorf("mtime = %v, want %v", info.ModTime().UTC(), want)
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return parsed
}
