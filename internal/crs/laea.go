package crs

import (
	"fmt"
	"math"
)

// laea is the ellipsoidal oblique Lambert Azimuthal Equal Area projection.
// The projection library in use has no LAEA support, and EPSG:3035 is the CRS
// of the European census grid and the accessibility raster.
type laea struct {
	a, e2, e     float64
	lat0, lon0   float64
	fe, fn       float64
	qp, beta0    float64
	rq, d        float64
	sinB0, cosB0 float64
}

// GRS80, lat0=52N lon0=10E, false origin (4321000, 3210000)
var epsg3035 = newLAEA(6378137, 1/298.257222101, 52, 10, 4321000, 3210000)

func newLAEA(a, f, lat0Deg, lon0Deg, fe, fn float64) *laea {
	l := &laea{a: a, fe: fe, fn: fn}
	l.e2 = 2*f - f*f
	l.e = math.Sqrt(l.e2)
	l.lat0 = lat0Deg * math.Pi / 180
	l.lon0 = lon0Deg * math.Pi / 180
	l.qp = l.q(math.Pi / 2)
	l.beta0 = math.Asin(l.q(l.lat0) / l.qp)
	l.rq = a * math.Sqrt(l.qp/2)
	sinLat0 := math.Sin(l.lat0)
	l.d = a * (math.Cos(l.lat0) / math.Sqrt(1-l.e2*sinLat0*sinLat0)) / (l.rq * math.Cos(l.beta0))
	l.sinB0, l.cosB0 = math.Sin(l.beta0), math.Cos(l.beta0)
	return l
}

func (l *laea) q(phi float64) float64 {
	s := math.Sin(phi)
	return (1 - l.e2) * (s/(1-l.e2*s*s) - (1/(2*l.e))*math.Log((1-l.e*s)/(1+l.e*s)))
}

// forward maps (lon, lat) degrees to (easting, northing) metres.
func (l *laea) forward(lon, lat float64) (float64, float64, error) {
	if lat < -90 || lat > 90 || math.IsNaN(lat) || math.IsNaN(lon) {
		return math.NaN(), math.NaN(), fmt.Errorf("%w: lon=%g lat=%g", ErrProjection, lon, lat)
	}
	phi := lat * math.Pi / 180
	dl := lon*math.Pi/180 - l.lon0
	beta := math.Asin(clamp(l.q(phi)/l.qp, -1, 1))
	sinB, cosB := math.Sin(beta), math.Cos(beta)
	den := 1 + l.sinB0*sinB + l.cosB0*cosB*math.Cos(dl)
	if den <= 1e-12 {
		// antipode of the projection centre
		return math.NaN(), math.NaN(), fmt.Errorf("%w: lon=%g lat=%g is antipodal to the origin", ErrProjection, lon, lat)
	}
	b := l.rq * math.Sqrt(2/den)
	e := l.fe + b*l.d*cosB*math.Sin(dl)
	n := l.fn + (b/l.d)*(l.cosB0*sinB-l.sinB0*cosB*math.Cos(dl))
	return e, n, nil
}

// inverse maps (easting, northing) metres to (lon, lat) degrees.
func (l *laea) inverse(x, y float64) (float64, float64, error) {
	if math.IsNaN(x) || math.IsNaN(y) {
		return math.NaN(), math.NaN(), fmt.Errorf("%w: NaN input", ErrProjection)
	}
	dx, dy := x-l.fe, y-l.fn
	rho := math.Sqrt((dx/l.d)*(dx/l.d) + (l.d*dy)*(l.d*dy))
	if rho < 1e-9 {
		return l.lon0 * 180 / math.Pi, l.lat0 * 180 / math.Pi, nil
	}
	arg := rho / (2 * l.rq)
	if arg > 1 {
		return math.NaN(), math.NaN(), fmt.Errorf("%w: (%g, %g) outside the projection domain", ErrProjection, x, y)
	}
	c := 2 * math.Asin(arg)
	sinC, cosC := math.Sin(c), math.Cos(c)
	betaP := math.Asin(clamp(cosC*l.sinB0+(l.d*dy*sinC*l.cosB0)/rho, -1, 1))
	lam := l.lon0 + math.Atan2(dx*sinC, l.d*rho*l.cosB0*cosC-l.d*l.d*dy*l.sinB0*sinC)

	e2, e4, e6 := l.e2, l.e2*l.e2, l.e2*l.e2*l.e2
	phi := betaP +
		(e2/3+31*e4/180+517*e6/5040)*math.Sin(2*betaP) +
		(23*e4/360+251*e6/3780)*math.Sin(4*betaP) +
		(761*e6/45360)*math.Sin(6*betaP)
	return lam * 180 / math.Pi, phi * 180 / math.Pi, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
