// Package payload opens the content of a source as archive entries. A payload
// is a VPK archive, a zip file, or a directory tree (for example a git clone).
package payload

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/vpk"
)

// maxEntrySize caps a single zip entry so a hostile archive cannot exhaust memory
const maxEntrySize = 1 << 30

// Open loads the payload at p. Nested archives found in a zip are extracted
// into workDir. Any structural problem wraps errs.ErrPayloadInvalid.
func Open(p, workDir string) (*vpk.Archive, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrPayloadInvalid, err)
	}

	if info.IsDir() {
		return openDir(p)
	}

	switch strings.ToLower(filepath.Ext(p)) {
	case ".vpk":
		return openVPK(p)
	case ".zip":
		return openZip(p, workDir)
	}
	return nil, fmt.Errorf("%w: unsupported payload type %q", errs.ErrPayloadInvalid, filepath.Base(p))
}

func openVPK(p string) (*vpk.Archive, error) {
	if err := vpk.Validate(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrPayloadInvalid, filepath.Base(p), err)
	}
	a, err := vpk.Open(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrPayloadInvalid, filepath.Base(p), err)
	}
	return a, nil
}

// openDir walks root, skipping VCS metadata
func openDir(root string) (*vpk.Archive, error) {
	a := vpk.New()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		a.Add(filepath.ToSlash(rel), data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", errs.ErrPayloadInvalid, root, err)
	}
	if a.Len() == 0 {
		return nil, fmt.Errorf("%w: %s contains no files", errs.ErrPayloadInvalid, root)
	}
	return a, nil
}

// openZip reads a zip payload. A zip holding a single VPK is treated as that
// archive; otherwise every file in the zip becomes an entry.
func openZip(p, workDir string) (*vpk.Archive, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrPayloadInvalid, filepath.Base(p), err)
	}
	defer func() { _ = zr.Close() }()

	var files []*zip.File
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			files = append(files, f)
		}
	}

	if len(files) == 1 && strings.EqualFold(path.Ext(files[0].Name), ".vpk") {
		return extractNested(files[0], workDir)
	}

	a := vpk.New()
	for _, f := range files {
		data, err := readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errs.ErrPayloadInvalid, filepath.Base(p), err)
		}
		a.Add(f.Name, data)
	}
	if a.Len() == 0 {
		return nil, fmt.Errorf("%w: %s contains no files", errs.ErrPayloadInvalid, filepath.Base(p))
	}
	return a, nil
}

func extractNested(f *zip.File, workDir string) (*vpk.Archive, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}

	out, err := os.CreateTemp(workDir, "nested-*_dir.vpk")
	if err != nil {
		return nil, err
	}
	name := out.Name()

	rc, err := f.Open()
	if err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrPayloadInvalid, f.Name, err)
	}
	_, err = io.Copy(out, io.LimitReader(rc, int64(f.UncompressedSize64)+1))
	_ = rc.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: extracting %s: %v", errs.ErrPayloadInvalid, f.Name, err)
	}

	return openVPK(name)
}

func readZipFile(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, fmt.Errorf("entry %s too large", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(io.LimitReader(rc, maxEntrySize))
}
