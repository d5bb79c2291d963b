package packager

import (
	"fmt"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/ident"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
)

// Quality-control raster scale. 0 is highest quality, 3 lowest; the two
// sentinels sit outside the scale.
const (
	QCExcellent uint8 = 0
	QCGood      uint8 = 1
	QCModerate  uint8 = 2
	QCPoor      uint8 = 3
	QCCloud     uint8 = 205
	QCNoData    uint8 = 255
)

// Raster layer suffixes per product kind.
const (
	LayerFSCTOC  = "FSCTOC"
	LayerFSCOG   = "FSCOG"
	LayerQCTOC   = "QCTOC"
	LayerQCOG    = "QCOG"
	LayerRLIE    = "RLIE"
	LayerGF      = "GF"
	LayerSWS     = "SWS"
	LayerWDS     = "WDS"
	LayerQC      = "QC"
	LayerQCFLAGS = "QCFLAGS"
)

// QCFlag documents one bit of a QCFLAGS raster.
type QCFlag struct {
	Bit     int
	Meaning string
}

// LayerSet is the full expected content of one product directory. Raster
// names are `{productID}_{suffix}.tif`; every file is prefixed by the
// product id.
type LayerSet struct {
	// Main is the layer the quick-look and hull are computed from.
	Main string

	// Rasters lists every mandatory raster suffix, Main included.
	Rasters []string

	// Flags documents the QCFLAGS bits of this kind.
	Flags []QCFlag

	// Palettes maps raster suffixes to their colour tables.
	Palettes map[string]raster.Palette
}

// fscFlags are the FSC QCFLAGS bit semantics.
var fscFlags = []QCFlag{
	{0, "sun elevation too low for reliable detection"},
	{1, "sun elevation tangent to surface"},
	{2, "water mask"},
	{3, "tree cover density above threshold"},
	{4, "snow detected under thin cloud"},
	{5, "tree cover density undefined"},
}

// rlieFlags are the RLIE QCFLAGS bit semantics.
var rlieFlags = []QCFlag{
	{0, "water mask"},
	{1, "summer bare rock"},
	{2, "shadow"},
	{3, "cloud or cloud shadow"},
	{4, "polarisation disagreement"},
}

// gfscFlags are the GFSC QCFLAGS bit semantics: the aggregation source of
// each pixel.
var gfscFlags = []QCFlag{
	{0, "value from FSC observation"},
	{1, "value from SWS observation"},
	{2, "value carried from an earlier day"},
	{3, "value interpolated"},
}

// swsFlags are shared by the SWS and WDS wet snow layers.
var swsFlags = []QCFlag{
	{0, "radar shadow"},
	{1, "layover"},
	{2, "forest mask"},
	{3, "water mask"},
}

// Layers returns the layer set of a product kind.
func Layers(kind ident.Kind) (LayerSet, error) {
	switch kind {
	case ident.KindFSC:
		return LayerSet{
			Main:    LayerFSCTOC,
			Rasters: []string{LayerFSCTOC, LayerFSCOG, LayerQCTOC, LayerQCOG, LayerQCFLAGS},
			Flags:   fscFlags,
			Palettes: map[string]raster.Palette{
				LayerFSCTOC:  snowPalette(),
				LayerFSCOG:   snowPalette(),
				LayerQCTOC:   qcPalette(),
				LayerQCOG:    qcPalette(),
				LayerQCFLAGS: nil,
			},
		}, nil
	case ident.KindRLIE, ident.KindARLIE:
		return LayerSet{
			Main:    LayerRLIE,
			Rasters: []string{LayerRLIE, LayerQC, LayerQCFLAGS},
			Flags:   rlieFlags,
			Palettes: map[string]raster.Palette{
				LayerRLIE:    icePalette(),
				LayerQC:      qcPalette(),
				LayerQCFLAGS: nil,
			},
		}, nil
	case ident.KindGFSC:
		return LayerSet{
			Main:    LayerGF,
			Rasters: []string{LayerGF, LayerQC, LayerQCFLAGS},
			Flags:   gfscFlags,
			Palettes: map[string]raster.Palette{
				LayerGF:      snowPalette(),
				LayerQC:      qcPalette(),
				LayerQCFLAGS: nil,
			},
		}, nil
	case ident.KindSWS:
		return LayerSet{
			Main:    LayerSWS,
			Rasters: []string{LayerSWS, LayerQC, LayerQCFLAGS},
			Flags:   swsFlags,
			Palettes: map[string]raster.Palette{
				LayerSWS:     wetSnowPalette(),
				LayerQC:      qcPalette(),
				LayerQCFLAGS: nil,
			},
		}, nil
	case ident.KindWDS:
		return LayerSet{
			Main:    LayerWDS,
			Rasters: []string{LayerWDS, LayerQC, LayerQCFLAGS},
			Flags:   swsFlags,
			Palettes: map[string]raster.Palette{
				LayerWDS:     wetSnowPalette(),
				LayerQC:      qcPalette(),
				LayerQCFLAGS: nil,
			},
		}, nil
	}
	return LayerSet{}, fmt.Errorf("no layer set for product kind %s", kind)
}

// snowPalette covers fractional snow 0..100 plus the cloud and nodata
// sentinels. The nodata entry is fully transparent.
func snowPalette() raster.Palette {
	p := raster.Palette{}
	for v := 0; v <= 100; v++ {
		// Black to white ramp over the snow fraction.
		g := uint8(v * 255 / 100)
		p = append(p, raster.PaletteEntry{Value: uint8(v), R: g, G: g, B: g, Alpha: 255})
	}
	p = append(p,
		raster.PaletteEntry{Value: QCCloud, R: 123, G: 123, B: 123, Alpha: 255},
		raster.PaletteEntry{Value: QCNoData, R: 0, G: 0, B: 0, Alpha: 0},
	)
	return p
}

// icePalette covers the RLIE classes: open water, snow-covered or
// ice-covered surface, plus sentinels.
func icePalette() raster.Palette {
	return raster.Palette{
		{Value: 1, R: 0, G: 0, B: 255, Alpha: 255},     // open water
		{Value: 100, R: 0, G: 255, B: 255, Alpha: 255}, // ice
		{Value: 254, R: 255, G: 0, B: 0, Alpha: 255},   // other features
		{Value: QCCloud, R: 123, G: 123, B: 123, Alpha: 255},
		{Value: QCNoData, R: 0, G: 0, B: 0, Alpha: 0},
	}
}

// wetSnowPalette covers the SWS/WDS wet snow classes.
func wetSnowPalette() raster.Palette {
	return raster.Palette{
		{Value: 110, R: 0, G: 100, B: 255, Alpha: 255},   // wet snow
		{Value: 125, R: 255, G: 255, B: 255, Alpha: 255}, // dry or patchy snow
		{Value: QCCloud, R: 123, G: 123, B: 123, Alpha: 255},
		{Value: QCNoData, R: 0, G: 0, B: 0, Alpha: 0},
	}
}

// qcPalette covers the quality scale and sentinels.
func qcPalette() raster.Palette {
	return raster.Palette{
		{Value: QCExcellent, R: 0, G: 140, B: 0, Alpha: 255},
		{Value: QCGood, R: 160, G: 210, B: 0, Alpha: 255},
		{Value: QCModerate, R: 255, G: 190, B: 0, Alpha: 255},
		{Value: QCPoor, R: 220, G: 0, B: 0, Alpha: 255},
		{Value: QCCloud, R: 123, G: 123, B: 123, Alpha: 255},
		{Value: QCNoData, R: 0, G: 0, B: 0, Alpha: 0},
	}
}
