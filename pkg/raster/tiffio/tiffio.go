// Package tiffio reads and writes the one TIFF flavour the gdalcli bridge
// exchanges with the GDAL utilities: baseline, uncompressed, striped,
// 8 bits per sample, band-sequential.
//
// Georeferencing is not encoded here; the gdalcli driver reattaches it with
// gdal_translate. This keeps the codec small and the contract explicit.
package tiffio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284

	typeShort = 3
	typeLong  = 4
)

// Image is a decoded multi-band 8-bit image, band-sequential.
type Image struct {
	Width  int
	Height int
	Bands  [][]uint8
}

// Decode reads a baseline TIFF produced by gdal_translate with
// -co COMPRESS=NONE -co TILED=NO -co INTERLEAVE=BAND.
func Decode(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%s: truncated tiff header", path)
	}

	var order binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		order = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%s: not a tiff file", path)
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, fmt.Errorf("%s: bad tiff magic", path)
	}

	ifdOffset := order.Uint32(data[4:8])
	if int(ifdOffset)+2 > len(data) {
		return nil, fmt.Errorf("%s: ifd offset out of range", path)
	}

	entries := int(order.Uint16(data[ifdOffset : ifdOffset+2]))
	fields := map[uint16][]uint32{}
	for i := 0; i < entries; i++ {
		off := int(ifdOffset) + 2 + i*12
		if off+12 > len(data) {
			return nil, fmt.Errorf("%s: truncated ifd", path)
		}
		tag := order.Uint16(data[off : off+2])
		typ := order.Uint16(data[off+2 : off+4])
		count := order.Uint32(data[off+4 : off+8])
		vals, err := readValues(data, order, typ, count, data[off+8:off+12])
		if err != nil {
			return nil, fmt.Errorf("%s: tag %d: %w", path, tag, err)
		}
		fields[tag] = vals
	}

	width := int(first(fields[tagImageWidth]))
	height := int(first(fields[tagImageLength]))
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%s: invalid dimensions %dx%d", path, width, height)
	}
	if c := first(fields[tagCompression]); c != 0 && c != 1 {
		return nil, fmt.Errorf("%s: unsupported compression %d", path, c)
	}
	for _, b := range fields[tagBitsPerSample] {
		if b != 8 {
			return nil, fmt.Errorf("%s: unsupported bits per sample %d", path, b)
		}
	}
	samples := int(first(fields[tagSamplesPerPixel]))
	if samples == 0 {
		samples = 1
	}
	if samples > 1 {
		if pc := first(fields[tagPlanarConfig]); pc != 2 {
			return nil, fmt.Errorf("%s: interleave must be band-sequential", path)
		}
	}

	offsets := fields[tagStripOffsets]
	counts := fields[tagStripByteCounts]
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return nil, fmt.Errorf("%s: inconsistent strip layout", path)
	}

	// Concatenate strips, then split into bands.
	var raw []byte
	for i := range offsets {
		start, n := int(offsets[i]), int(counts[i])
		if start+n > len(data) {
			return nil, fmt.Errorf("%s: strip %d out of range", path, i)
		}
		raw = append(raw, data[start:start+n]...)
	}
	bandSize := width * height
	if len(raw) < bandSize*samples {
		return nil, fmt.Errorf("%s: pixel data truncated: %d < %d", path, len(raw), bandSize*samples)
	}

	img := &Image{Width: width, Height: height}
	for s := 0; s < samples; s++ {
		band := make([]uint8, bandSize)
		copy(band, raw[s*bandSize:(s+1)*bandSize])
		img.Bands = append(img.Bands, band)
	}
	return img, nil
}

// Encode writes img as a little-endian baseline TIFF, one strip per band.
func Encode(path string, img *Image) error {
	if img.Width <= 0 || img.Height <= 0 || len(img.Bands) == 0 {
		return fmt.Errorf("encode %s: empty image", path)
	}
	bandSize := img.Width * img.Height
	for i, b := range img.Bands {
		if len(b) != bandSize {
			return fmt.Errorf("encode %s: band %d size %d, want %d", path, i, len(b), bandSize)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return encode(f, img)
}

func encode(w io.Writer, img *Image) error {
	order := binary.LittleEndian
	samples := len(img.Bands)
	bandSize := img.Width * img.Height

	type entry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}

	// Layout: header(8) | pixel data | [bits-per-sample array] |
	// [offset/count arrays] | IFD.
	pixelStart := uint32(8)
	cursor := pixelStart + uint32(samples*bandSize)

	var bitsOffset uint32
	if samples > 2 {
		bitsOffset = cursor
		cursor += uint32(2 * samples)
	}
	var stripArrOffset, countArrOffset uint32
	if samples > 1 {
		stripArrOffset = cursor
		cursor += uint32(4 * samples)
		countArrOffset = cursor
		cursor += uint32(4 * samples)
	}
	ifdOffset := cursor

	entries := []entry{
		{tagImageWidth, typeLong, 1, uint32(img.Width)},
		{tagImageLength, typeLong, 1, uint32(img.Height)},
		{tagCompression, typeShort, 1, 1},
		{tagPhotometric, typeShort, 1, 1},
		{tagSamplesPerPixel, typeShort, 1, uint32(samples)},
		{tagRowsPerStrip, typeLong, 1, uint32(img.Height)},
		{tagPlanarConfig, typeShort, 1, 2},
	}
	switch {
	case samples == 1:
		entries = append(entries,
			entry{tagBitsPerSample, typeShort, 1, 8},
			entry{tagStripOffsets, typeLong, 1, pixelStart},
			entry{tagStripByteCounts, typeLong, 1, uint32(bandSize)})
	case samples == 2:
		// Two shorts pack into the inline value field.
		entries = append(entries,
			entry{tagBitsPerSample, typeShort, 2, 8 | 8<<16},
			entry{tagStripOffsets, typeLong, uint32(samples), stripArrOffset},
			entry{tagStripByteCounts, typeLong, uint32(samples), countArrOffset})
	default:
		entries = append(entries,
			entry{tagBitsPerSample, typeShort, uint32(samples), bitsOffset},
			entry{tagStripOffsets, typeLong, uint32(samples), stripArrOffset},
			entry{tagStripByteCounts, typeLong, uint32(samples), countArrOffset})
	}
	// Tags must be ascending.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].tag > entries[j].tag; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}

	header := make([]byte, 8)
	header[0], header[1] = 'I', 'I'
	order.PutUint16(header[2:4], 42)
	order.PutUint32(header[4:8], ifdOffset)
	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, b := range img.Bands {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}

	buf := make([]byte, 4)
	if samples > 2 {
		for i := 0; i < samples; i++ {
			order.PutUint16(buf[:2], 8)
			if _, err := w.Write(buf[:2]); err != nil {
				return err
			}
		}
	}
	if samples > 1 {
		for i := 0; i < samples; i++ {
			order.PutUint32(buf, pixelStart+uint32(i*bandSize))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		for i := 0; i < samples; i++ {
			order.PutUint32(buf, uint32(bandSize))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}

	ifd := make([]byte, 2+len(entries)*12+4)
	order.PutUint16(ifd[0:2], uint16(len(entries)))
	for i, e := range entries {
		off := 2 + i*12
		order.PutUint16(ifd[off:off+2], e.tag)
		order.PutUint16(ifd[off+2:off+4], e.typ)
		order.PutUint32(ifd[off+4:off+8], e.count)
		if e.typ == typeShort && e.count == 1 {
			order.PutUint16(ifd[off+8:off+10], uint16(e.value))
		} else {
			order.PutUint32(ifd[off+8:off+12], e.value)
		}
	}
	// Next-IFD pointer stays zero.
	_, err := w.Write(ifd)
	return err
}

func first(vals []uint32) uint32 {
	if len(vals) == 0 {
		return 0
	}
	return vals[0]
}

func readValues(data []byte, order binary.ByteOrder, typ uint16, count uint32, inline []byte) ([]uint32, error) {
	var size uint32
	switch typ {
	case typeShort:
		size = 2
	case typeLong:
		size = 4
	default:
		// Unknown types are skipped by callers via empty values.
		return nil, nil
	}

	total := size * count
	src := inline
	if total > 4 {
		off := order.Uint32(inline)
		if int(off+total) > len(data) {
			return nil, fmt.Errorf("value array out of range")
		}
		src = data[off : off+total]
	}

	vals := make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		if typ == typeShort {
			vals[i] = uint32(order.Uint16(src[i*2 : i*2+2]))
		} else {
			vals[i] = order.Uint32(src[i*4 : i*4+4])
		}
	}
	return vals, nil
}
