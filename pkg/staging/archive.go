package staging

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrMultipleRoots is returned when an archive does not unpack to exactly
// one top-level directory. Scene archives always carry a single root
// (the .SAFE directory for Sentinel inputs).
var ErrMultipleRoots = fmt.Errorf("archive has no single root directory")

// ExtractArchive unpacks path into destDir and returns the single root
// directory of the archive contents.
func ExtractArchive(path, destDir string) (string, error) {
	name := strings.ToLower(filepath.Base(path))
	var err error
	switch {
	case strings.HasSuffix(name, ".zip"):
		err = extractZip(path, destDir)
	case strings.HasSuffix(name, ".tar"):
		err = extractTarFile(path, destDir, false)
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		err = extractTarFile(path, destDir, true)
	default:
		return "", fmt.Errorf("unsupported archive %s", filepath.Base(path))
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	return singleRoot(path, destDir)
}

// singleRoot finds the one directory the archive unpacked to, ignoring the
// archive file itself if it lives in destDir.
func singleRoot(archivePath, destDir string) (string, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return "", err
	}
	var roots []string
	for _, e := range entries {
		full := filepath.Join(destDir, e.Name())
		if full == archivePath {
			continue
		}
		roots = append(roots, full)
	}
	if len(roots) != 1 {
		return "", fmt.Errorf("%w: %d entries in %s", ErrMultipleRoots, len(roots), destDir)
	}
	info, err := os.Stat(roots[0])
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is a file", ErrMultipleRoots, filepath.Base(roots[0]))
	}
	return roots[0], nil
}

// safeJoin joins name under dir, rejecting path traversal.
func safeJoin(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(dir, name))
	if cleaned != dir && !strings.HasPrefix(cleaned, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return cleaned, nil
}

func extractZip(path, destDir string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		if err := writeFileFrom(target, src); err != nil {
			src.Close()
			return err
		}
		src.Close()
	}
	return nil
}

func extractTarFile(path, destDir string, gzipped bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var reader io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = gz
	}

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeFileFrom(target, tr); err != nil {
				return err
			}
		}
		// Links and specials are skipped; scene archives carry none.
	}
}

func writeFileFrom(target string, src io.Reader) error {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
