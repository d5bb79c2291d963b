package geo

import (
	"context"
	"fmt"
	"sort"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
)

// BandSource names one input band for a band-math step.
type BandSource struct {
	Path string
	Band int
}

// BandMathStep computes the output band from named inputs A0..An and the
// running output B. Exactly one of Expr and BitExprs must be set: Expr
// assigns whole byte values, BitExprs assigns individual bits of the
// output byte. Bits are numbered little-endian, bit 0 being the least
// significant. A step never mixes the two forms.
type BandMathStep struct {
	Sources  map[string]BandSource
	Expr     string
	BitExprs map[int]string
}

// BitBandmath runs the given steps in order and writes the resulting
// single-band raster to outPath. All inputs must match the output
// dimensions given by meta.
func BitBandmath(ctx context.Context, drv raster.Driver, outPath string, meta raster.Meta, nodata *float64, steps []BandMathStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("bandmath: no steps")
	}
	out := raster.NewBand(meta.Width, meta.Height, 0)

	for i, step := range steps {
		if err := runBandMathStep(ctx, drv, out, meta, step); err != nil {
			return fmt.Errorf("bandmath step %d: %w", i, err)
		}
	}

	ds := &raster.Dataset{Meta: meta, Bands: []*raster.Band{out}, NoData: nodata}
	return drv.Write(ctx, outPath, ds)
}

func runBandMathStep(ctx context.Context, drv raster.Driver, out *raster.Band, meta raster.Meta, step BandMathStep) error {
	if (step.Expr == "") == (len(step.BitExprs) == 0) {
		return fmt.Errorf("exactly one of expr and bit exprs must be set")
	}

	inputs := make(map[string]*raster.Band, len(step.Sources))
	for name, src := range step.Sources {
		ds, err := drv.Read(ctx, src.Path)
		if err != nil {
			return fmt.Errorf("read %s: %w", src.Path, err)
		}
		if src.Band < 0 || src.Band >= len(ds.Bands) {
			return fmt.Errorf("%s: %w: band %d of %d", src.Path, raster.ErrBandOutOfRange, src.Band, len(ds.Bands))
		}
		b := ds.Bands[src.Band]
		if b.Width != meta.Width || b.Height != meta.Height {
			return fmt.Errorf("%s: %w: %dx%d vs %dx%d", src.Path, raster.ErrDimensionMismatch, b.Width, b.Height, meta.Width, meta.Height)
		}
		inputs[name] = b
	}

	if step.Expr != "" {
		node, err := compileExpr(step.Expr)
		if err != nil {
			return err
		}
		evalOverPixels(out, inputs, func(i int, env func(string) int) {
			out.Pixels[i] = clampByte(node.eval(env))
		})
		return nil
	}

	bits := make([]int, 0, len(step.BitExprs))
	for bit := range step.BitExprs {
		if bit < 0 || bit > 7 {
			return fmt.Errorf("bit %d out of byte range", bit)
		}
		bits = append(bits, bit)
	}
	sort.Ints(bits)

	nodes := make(map[int]exprNode, len(bits))
	for _, bit := range bits {
		node, err := compileExpr(step.BitExprs[bit])
		if err != nil {
			return err
		}
		nodes[bit] = node
	}

	evalOverPixels(out, inputs, func(i int, env func(string) int) {
		b := out.Pixels[i]
		for _, bit := range bits {
			mask := byte(1) << uint(bit)
			if nodes[bit].eval(env) != 0 {
				b |= mask
			} else {
				b &^= mask
			}
		}
		out.Pixels[i] = b
	})
	return nil
}

// evalOverPixels walks every pixel, exposing the named inputs plus the
// running output byte under the reserved name B.
func evalOverPixels(out *raster.Band, inputs map[string]*raster.Band, fn func(i int, env func(string) int)) {
	n := out.Width * out.Height
	for i := 0; i < n; i++ {
		idx := i
		env := func(name string) int {
			if name == "B" {
				return int(out.Pixels[idx])
			}
			if b, ok := inputs[name]; ok {
				return int(b.Pixels[idx])
			}
			return 0
		}
		fn(idx, env)
	}
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
