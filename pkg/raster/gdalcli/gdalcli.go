// Package gdalcli implements raster.Driver on top of the GDAL command line
// utilities.
//
// The orchestration core treats GDAL exactly like the scientific executables:
// opaque child processes with a command-line contract. Pixel exchange goes
// through baseline uncompressed TIFFs (pkg/raster/tiffio); georeferencing is
// attached and stripped by gdal_translate on the way in and out.
package gdalcli

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster/tiffio"
)

// Runner executes one external command. The pipeline runner injects its
// supervised executor here so GDAL children get the same timeout and output
// capture treatment as the scientific tools.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner is the default Runner over os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		tail := out.String()
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(tail))
	}
	return nil
}

// Driver shells out to the GDAL utilities.
type Driver struct {
	runner Runner

	// TmpDir receives intermediate exchange files. Empty means os.TempDir.
	TmpDir string
}

// New returns a Driver using the given runner, or ExecRunner when nil.
func New(runner Runner) *Driver {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Driver{runner: runner}
}

func (d *Driver) tmp(pattern string) (string, error) {
	dir := d.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return name, nil
}

// gdalInfo is the subset of `gdalinfo -json` output the driver consumes.
type gdalInfo struct {
	Size             []int     `json:"size"`
	GeoTransform     []float64 `json:"geoTransform"`
	CoordinateSystem struct {
		WKT string `json:"wkt"`
	} `json:"coordinateSystem"`
}

var epsgAuthority = regexp.MustCompile(`AUTHORITY\["EPSG","(\d+)"\]`)

// Info implements raster.Driver.
func (d *Driver) Info(ctx context.Context, path string) (raster.Meta, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return raster.Meta{}, fmt.Errorf("%s: %w", path, raster.ErrNotFound)
		}
		return raster.Meta{}, err
	}

	// gdalinfo is the one utility whose stdout is the payload, so it runs
	// outside the injected Runner.
	cmd := exec.CommandContext(ctx, "gdalinfo", "-json", path)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stdout
	if err := cmd.Run(); err != nil {
		return raster.Meta{}, fmt.Errorf("gdalinfo %s: %w", path, err)
	}

	var info gdalInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return raster.Meta{}, fmt.Errorf("parse gdalinfo output for %s: %w", path, err)
	}
	if len(info.Size) != 2 || len(info.GeoTransform) != 6 {
		return raster.Meta{}, fmt.Errorf("%s: incomplete gdalinfo output", path)
	}

	meta := raster.Meta{Width: info.Size[0], Height: info.Size[1]}
	copy(meta.Transform[:], info.GeoTransform)
	matches := epsgAuthority.FindAllStringSubmatch(info.CoordinateSystem.WKT, -1)
	if len(matches) > 0 {
		meta.EPSG, _ = strconv.Atoi(matches[len(matches)-1][1])
	}
	return meta, nil
}

// Read implements raster.Driver: translate to a baseline TIFF, then decode.
func (d *Driver) Read(ctx context.Context, path string) (*raster.Dataset, error) {
	meta, err := d.Info(ctx, path)
	if err != nil {
		return nil, err
	}

	plain, err := d.tmp("read-*.tif")
	if err != nil {
		return nil, err
	}
	defer os.Remove(plain)

	args := []string{
		"-of", "GTiff",
		"-co", "COMPRESS=NONE", "-co", "TILED=NO", "-co", "INTERLEAVE=BAND",
		path, plain,
	}
	if err := d.runner.Run(ctx, "gdal_translate", args...); err != nil {
		return nil, err
	}

	img, err := tiffio.Decode(plain)
	if err != nil {
		return nil, err
	}
	ds := &raster.Dataset{Meta: meta}
	for _, band := range img.Bands {
		ds.Bands = append(ds.Bands, &raster.Band{Width: img.Width, Height: img.Height, Pixels: band})
	}
	return ds, nil
}

// Write implements raster.Driver: encode a baseline TIFF, then reattach
// georeferencing with gdal_translate.
func (d *Driver) Write(ctx context.Context, path string, ds *raster.Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}

	plain, err := d.tmp("write-*.tif")
	if err != nil {
		return err
	}
	defer os.Remove(plain)

	img := &tiffio.Image{Width: ds.Meta.Width, Height: ds.Meta.Height}
	for _, b := range ds.Bands {
		img.Bands = append(img.Bands, b.Pixels)
	}
	if err := tiffio.Encode(plain, img); err != nil {
		return err
	}

	minx, _, _, maxy := ds.Meta.Bounds()
	xres, yres := ds.Meta.Resolution()
	args := []string{
		"-of", "GTiff", "-co", "TILED=YES",
		"-a_ullr",
		formatFloat(minx), formatFloat(maxy),
		formatFloat(minx + float64(ds.Meta.Width)*xres),
		formatFloat(maxy - float64(ds.Meta.Height)*yres),
	}
	if ds.Meta.EPSG != 0 {
		args = append(args, "-a_srs", fmt.Sprintf("EPSG:%d", ds.Meta.EPSG))
	}
	if ds.NoData != nil {
		args = append(args, "-a_nodata", formatFloat(*ds.NoData))
	}
	args = append(args, plain, path)
	return d.runner.Run(ctx, "gdal_translate", args...)
}

// TranslateCOG implements raster.Driver.
func (d *Driver) TranslateCOG(ctx context.Context, src, dst string, opts raster.COGOptions) error {
	if opts.BlockSize == 0 {
		opts.BlockSize = 256
	}
	input := src
	if len(opts.Palette) > 0 {
		vrt, err := d.writePaletteVRT(ctx, src)
		if err != nil {
			return err
		}
		defer os.Remove(vrt)
		if err := writeColorTable(vrt, opts.Palette); err != nil {
			return err
		}
		input = vrt
	}

	block := strconv.Itoa(opts.BlockSize)
	args := []string{
		"-of", "GTiff",
		"-co", "TILED=YES",
		"-co", "BLOCKXSIZE=" + block, "-co", "BLOCKYSIZE=" + block,
		"-co", "COMPRESS=DEFLATE", "-co", "ZLEVEL=4", "-co", "PREDICTOR=1",
		"-co", "COPY_SRC_OVERVIEWS=NO",
		input, dst,
	}
	if err := d.runner.Run(ctx, "gdal_translate", args...); err != nil {
		return err
	}

	if len(opts.OverviewFactors) > 0 {
		resampling := string(opts.Resampling)
		if resampling == "" {
			resampling = string(raster.ResampleNearest)
		}
		addoArgs := []string{"-r", resampling, dst}
		for _, f := range opts.OverviewFactors {
			addoArgs = append(addoArgs, strconv.Itoa(f))
		}
		if err := d.runner.Run(ctx, "gdaladdo", addoArgs...); err != nil {
			return err
		}
	}
	return nil
}

// Warp implements raster.Driver.
func (d *Driver) Warp(ctx context.Context, src, dst string, opts raster.WarpOptions) error {
	resampling := "near"
	if opts.Resampling == raster.ResampleCubic {
		resampling = "cubic"
	}
	args := []string{"-of", "GTiff", "-r", resampling, "-overwrite"}
	if opts.DstEPSG != 0 {
		args = append(args, "-t_srs", fmt.Sprintf("EPSG:%d", opts.DstEPSG))
	}
	if opts.CutlinePath != "" {
		args = append(args, "-cutline", opts.CutlinePath, "-crop_to_cutline")
	}
	if opts.NoData != nil {
		args = append(args, "-dstnodata", formatFloat(*opts.NoData))
	}
	args = append(args, src, dst)
	return d.runner.Run(ctx, "gdalwarp", args...)
}

// Rasterize implements raster.Driver.
func (d *Driver) Rasterize(ctx context.Context, vectorPath, dst string, opts raster.RasterizeOptions) error {
	minx, miny, maxx, maxy := opts.Like.Bounds()
	args := []string{
		"-burn", strconv.Itoa(int(opts.BurnValue)),
		"-ot", "Byte", "-init", "0",
		"-ts", strconv.Itoa(opts.Like.Width), strconv.Itoa(opts.Like.Height),
		"-te", formatFloat(minx), formatFloat(miny), formatFloat(maxx), formatFloat(maxy),
	}
	if opts.Like.EPSG != 0 {
		args = append(args, "-a_srs", fmt.Sprintf("EPSG:%d", opts.Like.EPSG))
	}
	args = append(args, vectorPath, dst)
	return d.runner.Run(ctx, "gdal_rasterize", args...)
}

// Quicklook implements raster.Driver: palette VRT, then PNG translation
// expanded to RGBA so nodata stays transparent.
func (d *Driver) Quicklook(ctx context.Context, src, dst string, size int, palette raster.Palette) error {
	vrt, err := d.writePaletteVRT(ctx, src)
	if err != nil {
		return err
	}
	defer os.Remove(vrt)
	if err := writeColorTable(vrt, palette); err != nil {
		return err
	}

	args := []string{
		"-of", "PNG", "-expand", "rgba",
		"-outsize", strconv.Itoa(size), strconv.Itoa(size),
		vrt, dst,
	}
	if err := d.runner.Run(ctx, "gdal_translate", args...); err != nil {
		return err
	}
	// PNG driver writes an .aux.xml sidecar nobody needs downstream.
	_ = os.Remove(dst + ".aux.xml")
	return nil
}

// writePaletteVRT builds a VRT wrapper for src next to the temp dir.
func (d *Driver) writePaletteVRT(ctx context.Context, src string) (string, error) {
	vrt, err := d.tmp("palette-*.vrt")
	if err != nil {
		return "", err
	}
	if err := d.runner.Run(ctx, "gdal_translate", "-of", "VRT", src, vrt); err != nil {
		return "", err
	}
	return vrt, nil
}

// writeColorTable injects a <ColorTable> into the first VRTRasterBand and
// flips its interpretation to palette.
func writeColorTable(vrtPath string, palette raster.Palette) error {
	data, err := os.ReadFile(vrtPath)
	if err != nil {
		return err
	}

	var table strings.Builder
	table.WriteString("<ColorInterp>Palette</ColorInterp>\n    <ColorTable>\n")
	// GDAL colour tables are dense 0..max indexed; fill gaps transparent.
	max := 0
	byValue := map[int]raster.PaletteEntry{}
	for _, e := range palette {
		byValue[int(e.Value)] = e
		if int(e.Value) > max {
			max = int(e.Value)
		}
	}
	for v := 0; v <= max; v++ {
		e, ok := byValue[v]
		if !ok {
			e = raster.PaletteEntry{}
		}
		fmt.Fprintf(&table, "      <Entry c1=\"%d\" c2=\"%d\" c3=\"%d\" c4=\"%d\"/>\n", e.R, e.G, e.B, e.Alpha)
	}
	table.WriteString("    </ColorTable>")

	content := string(data)
	marker := "<ColorInterp>Gray</ColorInterp>"
	if strings.Contains(content, marker) {
		content = strings.Replace(content, marker, table.String(), 1)
	} else {
		idx := strings.Index(content, "</VRTRasterBand>")
		if idx < 0 {
			return fmt.Errorf("%s: no raster band element", vrtPath)
		}
		content = content[:idx] + table.String() + "\n  " + content[idx:]
	}
	if err := xmlWellFormed(content); err != nil {
		return fmt.Errorf("%s: %w", vrtPath, err)
	}
	return os.WriteFile(vrtPath, []byte(content), 0644)
}

func xmlWellFormed(s string) error {
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		_, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var _ raster.Driver = (*Driver)(nil)
