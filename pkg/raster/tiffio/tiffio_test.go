package tiffio

import (
	"path/filepath"
	"testing"
)

func TestEncodeDecode_SingleBand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.tif")
	img := &Image{Width: 5, Height: 3, Bands: [][]uint8{{
		0, 1, 2, 3, 4,
		5, 6, 7, 8, 9,
		10, 11, 12, 13, 14,
	}}}
	if err := Encode(path, img); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	got, err := Decode(path)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.Width != 5 || got.Height != 3 || len(got.Bands) != 1 {
		t.Fatalf("shape mismatch: %dx%d bands=%d", got.Width, got.Height, len(got.Bands))
	}
	for i, v := range img.Bands[0] {
		if got.Bands[0][i] != v {
			t.Fatalf("pixel %d mismatch: got=%d want=%d", i, got.Bands[0][i], v)
		}
	}
}

func TestEncodeDecode_MultiBand(t *testing.T) {
	for _, nbands := range []int{2, 3} {
		path := filepath.Join(t.TempDir(), "multi.tif")
		img := &Image{Width: 4, Height: 4}
		for b := 0; b < nbands; b++ {
			band := make([]uint8, 16)
			for i := range band {
				band[i] = uint8(b*100 + i)
			}
			img.Bands = append(img.Bands, band)
		}
		if err := Encode(path, img); err != nil {
			t.Fatalf("Encode(%d bands) error: %v", nbands, err)
		}
		got, err := Decode(path)
		if err != nil {
			t.Fatalf("Decode(%d bands) error: %v", nbands, err)
		}
		if len(got.Bands) != nbands {
			t.Fatalf("band count mismatch: got=%d want=%d", len(got.Bands), nbands)
		}
		for b := 0; b < nbands; b++ {
			for i := range got.Bands[b] {
				if got.Bands[b][i] != img.Bands[b][i] {
					t.Fatalf("band %d pixel %d mismatch", b, i)
				}
			}
		}
	}
}

func TestEncode_RejectsBadBand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tif")
	img := &Image{Width: 4, Height: 4, Bands: [][]uint8{{1, 2, 3}}}
	if err := Encode(path, img); err == nil {
		t.Fatalf("expected band size error")
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.tif")
	if err := Encode(path, &Image{Width: 1, Height: 1, Bands: [][]uint8{{7}}}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if _, err := Decode(filepath.Join(t.TempDir(), "missing.tif")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
