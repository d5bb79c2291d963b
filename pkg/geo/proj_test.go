package geo

import (
	"errors"
	"math"
	"testing"
)

func TestTransformUTMRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		epsg     int
		lon, lat float64
	}{
		{"alps 32T", 32632, 10.5, 46.2},
		{"scandinavia 33W", 32633, 15.0, 68.4},
		{"iceland 27W", 32627, -21.8, 64.1},
		{"southern hemisphere", 32733, 15.0, -33.9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fwd, err := Transform(4326, tc.epsg)
			if err != nil {
				t.Fatalf("forward transform: %v", err)
			}
			inv, err := Transform(tc.epsg, 4326)
			if err != nil {
				t.Fatalf("inverse transform: %v", err)
			}
			e, n := fwd(tc.lon, tc.lat)
			if tc.lat > 0 && (n < 0 || n > 10000000) {
				t.Fatalf("northern hemisphere northing out of range: %f", n)
			}
			lon, lat := inv(e, n)
			if math.Abs(lon-tc.lon) > 1e-6 || math.Abs(lat-tc.lat) > 1e-6 {
				t.Fatalf("round trip drifted: got (%f, %f) want (%f, %f)", lon, lat, tc.lon, tc.lat)
			}
		})
	}
}

func TestTransformLAEARoundTrip(t *testing.T) {
	fwd, err := Transform(4326, 3035)
	if err != nil {
		t.Fatalf("forward transform: %v", err)
	}
	inv, err := Transform(3035, 4326)
	if err != nil {
		t.Fatalf("inverse transform: %v", err)
	}

	// The projection centre must map onto the false origin.
	e, n := fwd(10, 52)
	if math.Abs(e-4321000) > 0.5 || math.Abs(n-3210000) > 0.5 {
		t.Fatalf("projection centre mapped to (%f, %f)", e, n)
	}

	for _, pt := range [][2]float64{{10, 52}, {24.9, 60.2}, {-8.6, 41.1}, {19.0, 74.5}} {
		e, n := fwd(pt[0], pt[1])
		lon, lat := inv(e, n)
		if math.Abs(lon-pt[0]) > 1e-5 || math.Abs(lat-pt[1]) > 1e-5 {
			t.Fatalf("round trip of (%f, %f) drifted to (%f, %f)", pt[0], pt[1], lon, lat)
		}
	}
}

func TestTransformCrossUTM(t *testing.T) {
	// 32632 and 32633 overlap around 12E; converting between them through
	// the geographic hub must agree with the direct geographic path.
	ab, err := Transform(32632, 32633)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	toGeo, err := Transform(32633, 4326)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	fromGeo, err := Transform(4326, 32632)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	e, n := fromGeo(12.1, 47.3)
	e33, n33 := ab(e, n)
	lon, lat := toGeo(e33, n33)
	if math.Abs(lon-12.1) > 1e-6 || math.Abs(lat-47.3) > 1e-6 {
		t.Fatalf("cross-zone round trip drifted: (%f, %f)", lon, lat)
	}
}

func TestTransformIdentity(t *testing.T) {
	tf, err := Transform(32633, 32633)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	x, y := tf(500000, 6000000)
	if x != 500000 || y != 6000000 {
		t.Fatalf("identity transform moved the point to (%f, %f)", x, y)
	}
}

func TestTransformUnsupported(t *testing.T) {
	if _, err := Transform(4326, 2154); !errors.Is(err, ErrUnsupportedCRS) {
		t.Fatalf("expected ErrUnsupportedCRS, got %v", err)
	}
	if _, err := Transform(99999, 4326); !errors.Is(err, ErrUnsupportedCRS) {
		t.Fatalf("expected ErrUnsupportedCRS, got %v", err)
	}
}

func TestUTMEPSG(t *testing.T) {
	cases := []struct {
		mgrs string
		want int
	}{
		{"32TLR", 32632},
		{"33WXS", 32633},
		{"01CDE", 32701},
		{"60NAA", 32660},
	}
	for _, tc := range cases {
		got, err := UTMEPSG(tc.mgrs)
		if err != nil {
			t.Fatalf("UTMEPSG(%q): %v", tc.mgrs, err)
		}
		if got != tc.want {
			t.Fatalf("UTMEPSG(%q) = %d, want %d", tc.mgrs, got, tc.want)
		}
	}

	if _, err := UTMEPSG("bogus"); err == nil {
		t.Fatal("expected error for malformed MGRS code")
	}
}
