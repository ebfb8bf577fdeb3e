// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"archive/zip"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Archive limits. Archives are read fully into memory.
const (
	MaxArchiveSize = 64 << 20
	maxArchiveFile = 16 << 20
)

// Archive is the in-memory content of a plugin archive.
type Archive struct {
	Source   string
	Checksum string
	Manifest *Manifest

	files map[string][]byte
}

// OpenArchive reads a plugin archive from a zip file, a file:// URI or an
// exploded archive directory.
func OpenArchive(source string) (*Archive, error) {
	p := source
	if strings.HasPrefix(source, "file://") {
		u, err := url.Parse(source)
		if err != nil {
			return nil, ErrLoad(source, err)
		}
		p = u.Path
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, ErrLoad(source, err)
	}
	if info.IsDir() {
		return readDirArchive(source, p)
	}
	if info.Size() > MaxArchiveSize {
		return nil, ErrLoadf(source, "archive is %d bytes, limit is %d", info.Size(), MaxArchiveSize)
	}

	data, err := os.ReadFile(filepath.Clean(p))
	if err != nil {
		return nil, ErrLoad(source, err)
	}
	return ReadArchive(source, data)
}

// ReadArchive decodes a zip archive held in memory.
func ReadArchive(source string, data []byte) (*Archive, error) {
	if len(data) > MaxArchiveSize {
		return nil, ErrLoadf(source, "archive is %d bytes, limit is %d", len(data), MaxArchiveSize)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, ErrLoad(source, err)
	}

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := cleanEntryName(f.Name)
		if err != nil {
			return nil, ErrLoad(source, err)
		}
		if f.UncompressedSize64 > maxArchiveFile {
			return nil, ErrLoadf(source, "archive entry %s exceeds %d bytes", name, maxArchiveFile)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, ErrLoad(source, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxArchiveFile+1))
		_ = rc.Close() //nolint:errcheck // read error takes precedence
		if err != nil {
			return nil, ErrLoad(source, err)
		}
		files[name] = content
	}

	sum := blake2b.Sum256(data)
	return newArchive(source, hex.EncodeToString(sum[:]), files)
}

func readDirArchive(source, dir string) (*Archive, error) {
	files := make(map[string][]byte)
	var total int64
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p) //nolint:gosec // p comes from WalkDir below dir
		if err != nil {
			return err
		}
		total += int64(len(content))
		if total > MaxArchiveSize {
			return fmt.Errorf("archive directory exceeds %d bytes", MaxArchiveSize)
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return nil, ErrLoad(source, err)
	}
	return newArchive(source, dirChecksum(files), files)
}

func newArchive(source, checksum string, files map[string][]byte) (*Archive, error) {
	raw, ok := files[ManifestFile]
	if !ok {
		return nil, ErrLoadf(source, "archive has no %s", ManifestFile)
	}
	if err := ValidateSchema(raw); err != nil {
		return nil, ErrLoad(source, err)
	}
	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, ErrLoad(source, err)
	}
	return &Archive{
		Source:   source,
		Checksum: checksum,
		Manifest: manifest,
		files:    files,
	}, nil
}

// File returns the content of a file in the archive.
func (a *Archive) File(name string) ([]byte, bool) {
	data, ok := a.files[strings.TrimPrefix(path.Clean(name), "/")]
	return data, ok
}

// Files returns the sorted names of all files below dir.
func (a *Archive) Files(dir string) []string {
	prefix := strings.Trim(dir, "/")
	if prefix != "" && prefix != "." {
		prefix += "/"
	} else {
		prefix = ""
	}
	var names []string
	for name := range a.files {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Walk calls fn with the name and content of every file below dir, in
// name order. It stops at the first error fn returns.
func (a *Archive) Walk(dir string, fn func(name string, data []byte) error) error {
	for _, name := range a.Files(dir) {
		if err := fn(name, a.files[name]); err != nil {
			return err
		}
	}
	return nil
}

func cleanEntryName(name string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("archive entry %q escapes the archive root", name)
	}
	return cleaned, nil
}

func dirChecksum(files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	h, _ := blake2b.New256(nil) //nolint:errcheck // only fails for oversized keys
	for _, name := range names {
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(files[name])
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
