// Package geo implements the geospatial primitives of the production chain:
// tile registry, raster perimeters, CRS projection, valid-data footprints and
// band arithmetic.
//
// Geometry values use github.com/paulmach/orb types throughout; WKT output
// goes through orb/encoding/wkt. Coordinate transforms cover the CRS family
// the chain actually produces: geographic WGS84 (EPSG:4326), the UTM tiling
// grid (EPSG:326xx/327xx) and the European LAEA grid (EPSG:3035).
package geo

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedCRS indicates an EPSG code outside the supported family.
var ErrUnsupportedCRS = errors.New("unsupported CRS")

// TransformFunc maps a coordinate pair from one CRS to another.
type TransformFunc func(x, y float64) (float64, float64)

// WGS84 ellipsoid constants (GRS80 differs below the millimetre for the
// transforms used here, so a single parameter set serves both grids).
const (
	semiMajor  = 6378137.0
	flattening = 1.0 / 298.257223563
	utmScale   = 0.9996
)

var (
	ecc2  = flattening * (2 - flattening)
	ecc   = math.Sqrt(ecc2)
	eccP2 = ecc2 / (1 - ecc2)
)

// Transform returns a function converting coordinates from srcEPSG to
// dstEPSG, routed through geographic WGS84.
func Transform(srcEPSG, dstEPSG int) (TransformFunc, error) {
	if srcEPSG == dstEPSG {
		return func(x, y float64) (float64, float64) { return x, y }, nil
	}
	toGeo, err := toGeographic(srcEPSG)
	if err != nil {
		return nil, err
	}
	fromGeo, err := fromGeographic(dstEPSG)
	if err != nil {
		return nil, err
	}
	return func(x, y float64) (float64, float64) {
		lon, lat := toGeo(x, y)
		return fromGeo(lon, lat)
	}, nil
}

func toGeographic(epsg int) (TransformFunc, error) {
	switch {
	case epsg == 4326:
		return func(x, y float64) (float64, float64) { return x, y }, nil
	case epsg == 3035:
		return laeaInverse, nil
	case epsg >= 32601 && epsg <= 32660:
		lon0 := utmCentralMeridian(epsg - 32600)
		return func(x, y float64) (float64, float64) { return tmInverse(x, y, lon0, 0) }, nil
	case epsg >= 32701 && epsg <= 32760:
		lon0 := utmCentralMeridian(epsg - 32700)
		return func(x, y float64) (float64, float64) { return tmInverse(x, y, lon0, 10000000) }, nil
	}
	return nil, fmt.Errorf("EPSG:%d: %w", epsg, ErrUnsupportedCRS)
}

func fromGeographic(epsg int) (TransformFunc, error) {
	switch {
	case epsg == 4326:
		return func(lon, lat float64) (float64, float64) { return lon, lat }, nil
	case epsg == 3035:
		return laeaForward, nil
	case epsg >= 32601 && epsg <= 32660:
		lon0 := utmCentralMeridian(epsg - 32600)
		return func(lon, lat float64) (float64, float64) { return tmForward(lon, lat, lon0, 0) }, nil
	case epsg >= 32701 && epsg <= 32760:
		lon0 := utmCentralMeridian(epsg - 32700)
		return func(lon, lat float64) (float64, float64) { return tmForward(lon, lat, lon0, 10000000) }, nil
	}
	return nil, fmt.Errorf("EPSG:%d: %w", epsg, ErrUnsupportedCRS)
}

func utmCentralMeridian(zone int) float64 {
	return float64(-183 + 6*zone)
}

// meridianArc returns the meridian distance from the equator to latitude phi.
func meridianArc(phi float64) float64 {
	return semiMajor * ((1-ecc2/4-3*ecc2*ecc2/64-5*ecc2*ecc2*ecc2/256)*phi -
		(3*ecc2/8+3*ecc2*ecc2/32+45*ecc2*ecc2*ecc2/1024)*math.Sin(2*phi) +
		(15*ecc2*ecc2/256+45*ecc2*ecc2*ecc2/1024)*math.Sin(4*phi) -
		(35*ecc2*ecc2*ecc2/3072)*math.Sin(6*phi))
}

// tmForward converts geographic (lon, lat, degrees) to transverse mercator
// easting/northing for the given central meridian and false northing.
func tmForward(lon, lat, lon0Deg, falseNorthing float64) (float64, float64) {
	phi := lat * math.Pi / 180
	lam := (lon - lon0Deg) * math.Pi / 180

	sinPhi, cosPhi := math.Sincos(phi)
	tanPhi := sinPhi / cosPhi

	n := semiMajor / math.Sqrt(1-ecc2*sinPhi*sinPhi)
	t := tanPhi * tanPhi
	c := eccP2 * cosPhi * cosPhi
	aa := lam * cosPhi
	m := meridianArc(phi)

	easting := utmScale*n*(aa+(1-t+c)*aa*aa*aa/6+
		(5-18*t+t*t+72*c-58*eccP2)*math.Pow(aa, 5)/120) + 500000

	northing := utmScale*(m+n*tanPhi*(aa*aa/2+
		(5-t+9*c+4*c*c)*math.Pow(aa, 4)/24+
		(61-58*t+t*t+600*c-330*eccP2)*math.Pow(aa, 6)/720)) + falseNorthing

	return easting, northing
}

// tmInverse converts transverse mercator easting/northing back to geographic
// (lon, lat, degrees).
func tmInverse(easting, northing, lon0Deg, falseNorthing float64) (float64, float64) {
	x := easting - 500000
	y := northing - falseNorthing

	m := y / utmScale
	mu := m / (semiMajor * (1 - ecc2/4 - 3*ecc2*ecc2/64 - 5*ecc2*ecc2*ecc2/256))

	e1 := (1 - math.Sqrt(1-ecc2)) / (1 + math.Sqrt(1-ecc2))
	phi1 := mu + (3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*e1*e1*e1*e1/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu) +
		(1097*e1*e1*e1*e1/512)*math.Sin(8*mu)

	sinPhi1, cosPhi1 := math.Sincos(phi1)
	tanPhi1 := sinPhi1 / cosPhi1

	c1 := eccP2 * cosPhi1 * cosPhi1
	t1 := tanPhi1 * tanPhi1
	n1 := semiMajor / math.Sqrt(1-ecc2*sinPhi1*sinPhi1)
	r1 := semiMajor * (1 - ecc2) / math.Pow(1-ecc2*sinPhi1*sinPhi1, 1.5)
	d := x / (n1 * utmScale)

	phi := phi1 - (n1 * tanPhi1 / r1) * (d*d/2 -
		(5+3*t1+10*c1-4*c1*c1-9*eccP2)*math.Pow(d, 4)/24 +
		(61+90*t1+298*c1+45*t1*t1-252*eccP2-3*c1*c1)*math.Pow(d, 6)/720)

	lam := (d - (1+2*t1+c1)*d*d*d/6 +
		(5-2*c1+28*t1-3*c1*c1+8*eccP2+24*t1*t1)*math.Pow(d, 5)/120) / cosPhi1

	return lon0Deg + lam*180/math.Pi, phi * 180 / math.Pi
}

// LAEA Europe (EPSG:3035) parameters.
const (
	laeaLat0 = 52.0
	laeaLon0 = 10.0
	laeaFE   = 4321000.0
	laeaFN   = 3210000.0
)

func authalicQ(sinPhi float64) float64 {
	return (1 - ecc2) * (sinPhi/(1-ecc2*sinPhi*sinPhi) -
		(1/(2*ecc))*math.Log((1-ecc*sinPhi)/(1+ecc*sinPhi)))
}

// laeaForward converts geographic (lon, lat, degrees) to EPSG:3035.
func laeaForward(lon, lat float64) (float64, float64) {
	phi := lat * math.Pi / 180
	lam := (lon - laeaLon0) * math.Pi / 180
	phi0 := laeaLat0 * math.Pi / 180

	qp := authalicQ(1)
	q := authalicQ(math.Sin(phi))
	q0 := authalicQ(math.Sin(phi0))

	rq := semiMajor * math.Sqrt(qp/2)
	beta := math.Asin(q / qp)
	beta0 := math.Asin(q0 / qp)

	sinB, cosB := math.Sincos(beta)
	sinB0, cosB0 := math.Sincos(beta0)
	sinL, cosL := math.Sincos(lam)

	dFactor := semiMajor * math.Cos(phi0) /
		(math.Sqrt(1-ecc2*math.Sin(phi0)*math.Sin(phi0)) * rq * cosB0)
	b := rq * math.Sqrt(2/(1+sinB0*sinB+cosB0*cosB*cosL))

	x := b * dFactor * cosB * sinL
	y := (b / dFactor) * (cosB0*sinB - sinB0*cosB*cosL)
	return x + laeaFE, y + laeaFN
}

// laeaInverse converts EPSG:3035 back to geographic (lon, lat, degrees).
func laeaInverse(easting, northing float64) (float64, float64) {
	x := easting - laeaFE
	y := northing - laeaFN
	phi0 := laeaLat0 * math.Pi / 180

	qp := authalicQ(1)
	q0 := authalicQ(math.Sin(phi0))
	rq := semiMajor * math.Sqrt(qp/2)
	beta0 := math.Asin(q0 / qp)
	sinB0, cosB0 := math.Sincos(beta0)

	dFactor := semiMajor * math.Cos(phi0) /
		(math.Sqrt(1-ecc2*math.Sin(phi0)*math.Sin(phi0)) * rq * cosB0)

	rho := math.Hypot(x/dFactor, dFactor*y)
	if rho == 0 {
		return laeaLon0, laeaLat0
	}
	ce := 2 * math.Asin(rho/(2*rq))
	sinCe, cosCe := math.Sincos(ce)

	beta := math.Asin(cosCe*sinB0 + dFactor*y*sinCe*cosB0/rho)
	lam := math.Atan2(x*sinCe, dFactor*rho*cosB0*cosCe-dFactor*dFactor*y*sinB0*sinCe)

	// Convert authalic latitude back to geodetic by series.
	phi := beta + (ecc2/3+31*ecc2*ecc2/180+517*ecc2*ecc2*ecc2/5040)*math.Sin(2*beta) +
		(23*ecc2*ecc2/360+251*ecc2*ecc2*ecc2/3780)*math.Sin(4*beta) +
		(761*ecc2*ecc2*ecc2/45360)*math.Sin(6*beta)

	return laeaLon0 + lam*180/math.Pi, phi * 180 / math.Pi
}

// UTMEPSG returns the EPSG code of the UTM zone covering an MGRS tile code,
// derived from its leading zone digits and latitude band letter.
func UTMEPSG(mgrs string) (int, error) {
	if len(mgrs) != 5 {
		return 0, fmt.Errorf("tile code %q: %w", mgrs, ErrUnsupportedCRS)
	}
	zone := int(mgrs[0]-'0')*10 + int(mgrs[1]-'0')
	if zone < 1 || zone > 60 {
		return 0, fmt.Errorf("tile code %q: zone %d: %w", mgrs, zone, ErrUnsupportedCRS)
	}
	band := mgrs[2]
	if band >= 'N' {
		return 32600 + zone, nil
	}
	return 32700 + zone, nil
}
