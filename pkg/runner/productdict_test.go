package runner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProductDictPutResolve(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "out.tif"), []byte("raster"), 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	d, err := OpenProductDict(dir)
	if err != nil {
		t.Fatalf("OpenProductDict: %v", err)
	}
	if err := d.Put("fsc_toc", "out.tif"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	abs, ok := d.Resolve("fsc_toc")
	if !ok {
		t.Fatal("Resolve reported the artifact missing")
	}
	if abs != filepath.Join(dir, "out.tif") {
		t.Fatalf("Resolve = %q", abs)
	}
	if _, ok := d.Resolve("unknown"); ok {
		t.Fatal("Resolve found an unrecorded key")
	}
}

func TestProductDictRejectsModifiedArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.tif")
	if err := os.WriteFile(path, []byte("raster"), 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	d, err := OpenProductDict(dir)
	if err != nil {
		t.Fatalf("OpenProductDict: %v", err)
	}
	if err := d.Put("fsc_toc", "out.tif"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := os.WriteFile(path, []byte("truncated"), 0644); err != nil {
		t.Fatalf("rewrite artifact: %v", err)
	}
	if _, ok := d.Resolve("fsc_toc"); ok {
		t.Fatal("Resolve accepted a modified artifact")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}
	if _, ok := d.Resolve("fsc_toc"); ok {
		t.Fatal("Resolve accepted a deleted artifact")
	}
}

func TestProductDictSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "out.tif"), []byte("raster"), 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	d, err := OpenProductDict(dir)
	if err != nil {
		t.Fatalf("OpenProductDict: %v", err)
	}
	if err := d.Put("fsc_toc", "out.tif"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := OpenProductDict(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.Resolve("fsc_toc"); !ok {
		t.Fatal("Resolve lost the artifact across reopen")
	}
	keys := reopened.Keys()
	if len(keys) != 1 || keys[0] != "fsc_toc" {
		t.Fatalf("Keys = %v", keys)
	}
}

func TestProductDictDirectoryArtifact(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "maja", "L2A")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "metadata.xml"), []byte("<x/>"), 0644); err != nil {
		t.Fatalf("write member: %v", err)
	}
	d, err := OpenProductDict(dir)
	if err != nil {
		t.Fatalf("OpenProductDict: %v", err)
	}
	if err := d.Put("l2a", filepath.Join("maja", "L2A")); err != nil {
		t.Fatalf("Put directory: %v", err)
	}
	if _, ok := d.Resolve("l2a"); !ok {
		t.Fatal("Resolve rejected an intact directory artifact")
	}

	// Losing a member invalidates the entry.
	if err := os.Remove(filepath.Join(sub, "metadata.xml")); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if _, ok := d.Resolve("l2a"); ok {
		t.Fatal("Resolve accepted a directory missing a member")
	}
}
