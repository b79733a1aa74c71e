package core

import (
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// MotionModel yields a platform's geodetic position for a given time. The
// telemetry generator uses it to synthesise moving platforms.
type MotionModel interface {
	PositionAt(t time.Time) Geodetic
}

// StaticMotionModel always reports the same position.
type StaticMotionModel struct {
	Position Geodetic
}

// PositionAt for static motion ignores t.
func (m *StaticMotionModel) PositionAt(time.Time) Geodetic {
	return m.Position
}

// LinearMotionModel moves at a constant east/north/up velocity from a start
// position, measured in the start point's tangent plane.
type LinearMotionModel struct {
	Start    Geodetic
	Epoch    time.Time
	Velocity Vec3 // m/s, east/north/up
}

// PositionAt returns the tangent-plane displacement after t-Epoch.
func (m *LinearMotionModel) PositionAt(t time.Time) Geodetic {
	dt := t.Sub(m.Epoch).Seconds()
	return ECEFToGeodetic(ENUToECEF(m.Start, m.Velocity.Scale(dt)))
}

// OrbitalSGP4MotionModel uses a TLE and SGP4 to propagate a satellite.
type OrbitalSGP4MotionModel struct {
	sat satellite.Satellite
}

// NewOrbitalModelFromTLE constructs an orbital model from TLE lines.
func NewOrbitalModelFromTLE(line1, line2 string) *OrbitalSGP4MotionModel {
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	return &OrbitalSGP4MotionModel{sat: sat}
}

// PositionAt propagates the satellite to t and converts to geodetic.
// go-satellite works in kilometres.
func (m *OrbitalSGP4MotionModel) PositionAt(t time.Time) Geodetic {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, _ := satellite.Propagate(m.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)

	const kmToM = 1000.0
	return ECEFToGeodetic(Vec3{
		X: posECEF.X * kmToM,
		Y: posECEF.Y * kmToM,
		Z: posECEF.Z * kmToM,
	})
}

// NewMotionModel picks SGP4 when both TLE lines are present, otherwise a
// linear model from start (static when velocity is zero).
func NewMotionModel(tle1, tle2 string, start Geodetic, epoch time.Time, velocity Vec3) MotionModel {
	if tle1 != "" && tle2 != "" {
		return NewOrbitalModelFromTLE(tle1, tle2)
	}
	if velocity == (Vec3{}) {
		return &StaticMotionModel{Position: start}
	}
	return &LinearMotionModel{Start: start, Epoch: epoch, Velocity: velocity}
}
