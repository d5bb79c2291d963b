package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// DictEntry records one produced artifact: its path relative to the work
// directory and the checksum it had when recorded.
type DictEntry struct {
	Path   string `yaml:"path"`
	SHA256 string `yaml:"sha256"`
}

// ProductDict is the per-job artifact ledger (product_dict.yaml). Steps
// consult it before working: an artifact already present and checksum
// valid is not rebuilt, which makes a resumed run idempotent.
type ProductDict struct {
	dir  string
	path string

	mu      sync.Mutex
	entries map[string]DictEntry
}

// OpenProductDict loads the dict from dir, starting empty when the file
// does not exist yet.
func OpenProductDict(dir string) (*ProductDict, error) {
	d := &ProductDict{
		dir:     dir,
		path:    filepath.Join(dir, "product_dict.yaml"),
		entries: map[string]DictEntry{},
	}
	raw, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read product dict: %w", err)
	}
	if err := yaml.Unmarshal(raw, &d.entries); err != nil {
		return nil, fmt.Errorf("parse product dict: %w", err)
	}
	return d, nil
}

// Put records an artifact under key, computing its checksum, and persists
// the dict.
func (d *ProductDict) Put(key, relPath string) error {
	sum, err := checksumFile(filepath.Join(d.dir, relPath))
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", key, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = DictEntry{Path: relPath, SHA256: sum}
	return d.save()
}

// Resolve returns the absolute path of a recorded artifact when it still
// exists and its checksum matches. A stale or missing artifact reports
// false, and the caller rebuilds it.
func (d *ProductDict) Resolve(key string) (string, bool) {
	d.mu.Lock()
	entry, ok := d.entries[key]
	d.mu.Unlock()
	if !ok {
		return "", false
	}
	abs := filepath.Join(d.dir, entry.Path)
	sum, err := checksumFile(abs)
	if err != nil || sum != entry.SHA256 {
		return "", false
	}
	return abs, true
}

// Keys returns the recorded artifact keys, sorted.
func (d *ProductDict) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// save writes the whole dict; callers hold the lock.
func (d *ProductDict) save() error {
	doc, err := yaml.Marshal(d.entries)
	if err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, doc, 0644); err != nil {
		return fmt.Errorf("write product dict: %w", err)
	}
	return os.Rename(tmp, d.path)
}

// checksumFile hashes a file's bytes. A directory artifact hashes its
// sorted relative file paths and sizes instead, which detects missing or
// truncated members without rereading the whole tree.
func checksumFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if info.IsDir() {
		err := filepath.Walk(path, func(p string, fi os.FileInfo, werr error) error {
			if werr != nil {
				return werr
			}
			if fi.IsDir() {
				return nil
			}
			rel, rerr := filepath.Rel(path, p)
			if rerr != nil {
				return rerr
			}
			fmt.Fprintf(h, "%s %d\n", rel, fi.Size())
			return nil
		})
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
