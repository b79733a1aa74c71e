package core

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// WGS-84 ellipsoid.
const (
	WGS84SemiMajorAxis = 6378137.0
	WGS84Flattening    = 1 / 298.257223563
	wgs84E2            = WGS84Flattening * (2 - WGS84Flattening)

	// EarthRotationRate is the sidereal rotation rate in rad/s.
	EarthRotationRate = 7.2921150e-5
)

// Geodetic is a WGS-84 position: latitude and longitude in radians,
// altitude in metres above the ellipsoid.
type Geodetic struct {
	Lat, Lon, Alt float64
}

// GeodeticToECEF converts a geodetic position to ECEF metres.
func GeodeticToECEF(g Geodetic) Vec3 {
	sinLat, cosLat := math.Sincos(g.Lat)
	sinLon, cosLon := math.Sincos(g.Lon)
	n := primeVerticalRadius(sinLat)
	return Vec3{
		X: (n + g.Alt) * cosLat * cosLon,
		Y: (n + g.Alt) * cosLat * sinLon,
		Z: (n*(1-wgs84E2) + g.Alt) * sinLat,
	}
}

// ECEFToGeodetic inverts GeodeticToECEF by fixed-point iteration on
// latitude. Ten iterations converge well below a millimetre for any
// altitude a tracked platform can reach.
func ECEFToGeodetic(p Vec3) Geodetic {
	lon := math.Atan2(p.Y, p.X)
	r := math.Hypot(p.X, p.Y)

	if r < 1e-9 {
		// On the polar axis longitude is undefined; report zero.
		lat := math.Copysign(math.Pi/2, p.Z)
		b := WGS84SemiMajorAxis * (1 - WGS84Flattening)
		return Geodetic{Lat: lat, Lon: 0, Alt: math.Abs(p.Z) - b}
	}

	lat := math.Atan2(p.Z, r*(1-wgs84E2))
	var alt float64
	for i := 0; i < 10; i++ {
		sinLat, cosLat := math.Sincos(lat)
		n := primeVerticalRadius(sinLat)
		if math.Abs(cosLat) > 1e-3 {
			alt = r/cosLat - n
		} else {
			alt = p.Z/sinLat - n*(1-wgs84E2)
		}
		lat = math.Atan2(p.Z, r*(1-wgs84E2*n/(n+alt)))
	}
	return Geodetic{Lat: lat, Lon: lon, Alt: alt}
}

func primeVerticalRadius(sinLat float64) float64 {
	return WGS84SemiMajorAxis / math.Sqrt(1-wgs84E2*sinLat*sinLat)
}

// enuToECEF returns the rotation taking east/north/up components at
// (lat, lon) into ECEF components. Columns are the E, N, U unit vectors.
func enuToECEF(lat, lon float64) *mat.Dense {
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)
	return mat.NewDense(3, 3, []float64{
		-sinLon, -sinLat * cosLon, cosLat * cosLon,
		cosLon, -sinLat * sinLon, cosLat * sinLon,
		0, cosLat, sinLat,
	})
}

// nedToECEF returns the rotation taking north/east/down components at
// (lat, lon) into ECEF components.
func nedToECEF(lat, lon float64) *mat.Dense {
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)
	return mat.NewDense(3, 3, []float64{
		-sinLat * cosLon, -sinLon, -cosLat * cosLon,
		-sinLat * sinLon, cosLon, -cosLat * sinLon,
		cosLat, 0, -sinLat,
	})
}

// bodyToReference builds the Z-Y-X direction cosine matrix for e.
func bodyToReference(e Euler) *mat.Dense {
	sy, cy := math.Sincos(e.Yaw)
	sp, cp := math.Sincos(e.Pitch)
	sr, cr := math.Sincos(e.Roll)
	return mat.NewDense(3, 3, []float64{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	})
}

// eulerFromMatrix extracts Z-Y-X angles from a direction cosine matrix.
func eulerFromMatrix(m mat.Matrix) Euler {
	s := m.At(2, 0)
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return Euler{
		Yaw:   math.Atan2(m.At(1, 0), m.At(0, 0)),
		Pitch: -math.Asin(s),
		Roll:  math.Atan2(m.At(2, 1), m.At(2, 2)),
	}
}

func rotate(m mat.Matrix, v Vec3) Vec3 {
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return Vec3{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// localToECEFOrientation re-expresses a local-level (NED) attitude as
// Euler angles relative to the ECEF axes.
func localToECEFOrientation(lat, lon float64, local Euler) Euler {
	var m mat.Dense
	m.Mul(nedToECEF(lat, lon), bodyToReference(local))
	return eulerFromMatrix(&m)
}

// ENUToECEF converts an east/north/up offset from origin into ECEF.
func ENUToECEF(origin Geodetic, enu Vec3) Vec3 {
	return GeodeticToECEF(origin).Add(rotate(enuToECEF(origin.Lat, origin.Lon), enu))
}
