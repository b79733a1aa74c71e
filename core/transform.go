package core

import (
	"errors"
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/platform-tracker/model"
)

var (
	// ErrUnsupportedKind is returned for coordinate kinds the transformer
	// does not know how to interpret.
	ErrUnsupportedKind = errors.New("unsupported coordinate kind")
	// ErrInvalidSample is returned when a sample or origin is not finite.
	ErrInvalidSample = errors.New("invalid sample")
)

// Pose is a sample expressed in the world frame.
type Pose struct {
	// Geodetic position, radians and metres.
	LLA Geodetic
	// ECEF position in metres.
	ECEF Vec3
	// Orientation relative to the ECEF axes.
	Orientation Euler
	// Velocity in ECEF, metres per second.
	Velocity Vec3
	// Timestamp is carried over from the sample.
	Timestamp float64
}

// Transform converts a sample from the platform's reference frame into the
// world frame. All angles in frame and sample must already be radians; see
// ToRadians for frames that arrive in degrees.
//
// Kind semantics:
//   - geodetic: tags are lat, lon, alt; velocity is north/east/down.
//   - enu, ned, nwu: tags are x, y, z in that axis convention at the origin.
//   - xeast: east/north/up axes with the tangent point at the origin.
//   - grid: x/y rotated by Offset.Angle (clockwise from north) and shifted
//     by Offset.X/Offset.Y in the origin's tangent plane.
//   - inertial: tags are ECI metres, rotated into ECEF at the sample time.
//
// Yaw/pitch/roll are local-level angles (heading from north) for every kind
// except inertial, where they are relative to the ECI axes.
func Transform(frame model.ReferenceFrame, sample model.MotionSample) (Pose, error) {
	origin := Geodetic{Lat: frame.Origin.Lat, Lon: frame.Origin.Lon, Alt: frame.Origin.Alt}
	pos := Vec3{X: sample.Tags[model.TagLat], Y: sample.Tags[model.TagLon], Z: sample.Tags[model.TagAlt]}
	vel := Vec3{X: sample.Tags[model.TagVX], Y: sample.Tags[model.TagVY], Z: sample.Tags[model.TagVZ]}
	att := Euler{Yaw: sample.Tags[model.TagYaw], Pitch: sample.Tags[model.TagPitch], Roll: sample.Tags[model.TagRoll]}

	if !pos.finite() || !vel.finite() || !(Vec3{X: att.Yaw, Y: att.Pitch, Z: att.Roll}).finite() {
		return Pose{}, fmt.Errorf("track %d: %w: non-finite tag", sample.TrackKey, ErrInvalidSample)
	}

	pose := Pose{Timestamp: sample.Timestamp}

	switch frame.Kind {
	case model.CoordGeodetic:
		pose.LLA = Geodetic{Lat: pos.X, Lon: pos.Y, Alt: pos.Z}
		pose.ECEF = GeodeticToECEF(pose.LLA)
		pose.Velocity = rotate(nedToECEF(pose.LLA.Lat, pose.LLA.Lon), vel)
		pose.Orientation = localToECEFOrientation(pose.LLA.Lat, pose.LLA.Lon, att)
		return pose, nil

	case model.CoordInertial:
		gmst := gmstAt(sample.Timestamp)
		pose.ECEF = eciToECEF(pos, gmst)
		// v_ecef = R v_eci - ω × r_ecef
		omega := Vec3{Z: EarthRotationRate}
		pose.Velocity = eciToECEF(vel, gmst).Sub(omega.Cross(pose.ECEF))
		pose.LLA = ECEFToGeodetic(pose.ECEF)
		var m mat.Dense
		m.Mul(bodyToReference(Euler{Yaw: -gmst}), bodyToReference(att))
		pose.Orientation = eulerFromMatrix(&m)
		return pose, nil
	}

	if !(Vec3{X: origin.Lat, Y: origin.Lon, Z: origin.Alt}).finite() {
		return Pose{}, fmt.Errorf("track %d: %w: non-finite origin", sample.TrackKey, ErrInvalidSample)
	}

	enu, enuVel, yaw, err := toENU(frame, pos, vel, att.Yaw)
	if err != nil {
		return Pose{}, fmt.Errorf("track %d: %w", sample.TrackKey, err)
	}
	att.Yaw = yaw

	r := enuToECEF(origin.Lat, origin.Lon)
	pose.ECEF = GeodeticToECEF(origin).Add(rotate(r, enu))
	pose.Velocity = rotate(r, enuVel)
	pose.LLA = ECEFToGeodetic(pose.ECEF)
	pose.Orientation = localToECEFOrientation(pose.LLA.Lat, pose.LLA.Lon, att)
	return pose, nil
}

// toENU maps local tangent-plane coordinates of the given kind onto
// east/north/up at the origin. The returned yaw is referenced to true north.
func toENU(frame model.ReferenceFrame, pos, vel Vec3, yaw float64) (Vec3, Vec3, float64, error) {
	switch frame.Kind {
	case model.CoordENU, model.CoordXEast:
		return pos, vel, yaw, nil
	case model.CoordNED:
		return Vec3{X: pos.Y, Y: pos.X, Z: -pos.Z}, Vec3{X: vel.Y, Y: vel.X, Z: -vel.Z}, yaw, nil
	case model.CoordNWU:
		return Vec3{X: -pos.Y, Y: pos.X, Z: pos.Z}, Vec3{X: -vel.Y, Y: vel.X, Z: vel.Z}, yaw, nil
	case model.CoordGrid:
		sa, ca := math.Sincos(frame.Offset.Angle)
		gridToENU := func(v Vec3) Vec3 {
			return Vec3{
				X: v.X*ca + v.Y*sa,
				Y: -v.X*sa + v.Y*ca,
				Z: v.Z,
			}
		}
		p := gridToENU(pos)
		p.X += frame.Offset.X
		p.Y += frame.Offset.Y
		return p, gridToENU(vel), yaw + frame.Offset.Angle, nil
	default:
		return Vec3{}, Vec3{}, 0, fmt.Errorf("%w: %v", ErrUnsupportedKind, frame.Kind)
	}
}

func gmstAt(unixSeconds float64) float64 {
	sec, frac := math.Modf(unixSeconds)
	t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
	year, month, day := t.Date()
	hour, min, s := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, min, s)
	// JDay has whole-second resolution; fold the remainder back in.
	jd += (float64(t.Nanosecond()) / 1e9) / 86400.0
	return satellite.ThetaG_JD(jd)
}

func eciToECEF(v Vec3, gmst float64) Vec3 {
	out := satellite.ECIToECEF(satellite.Vector3{X: v.X, Y: v.Y, Z: v.Z}, gmst)
	return Vec3{X: out.X, Y: out.Y, Z: out.Z}
}

// ToRadians returns a copy of frame and sample with every angular quantity
// in radians. Frames already in radians are returned unchanged.
func ToRadians(frame model.ReferenceFrame, sample model.MotionSample) (model.ReferenceFrame, model.MotionSample) {
	if frame.Units != model.Degrees {
		return frame, sample
	}
	const k = math.Pi / 180

	frame.Origin.Lat *= k
	frame.Origin.Lon *= k
	frame.Offset.Angle *= k
	frame.Units = model.Radians

	if frame.Kind == model.CoordGeodetic {
		sample.Tags[model.TagLat] *= k
		sample.Tags[model.TagLon] *= k
	}
	sample.Tags[model.TagYaw] *= k
	sample.Tags[model.TagPitch] *= k
	sample.Tags[model.TagRoll] *= k
	return frame, sample
}
