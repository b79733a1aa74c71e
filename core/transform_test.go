package core

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/platform-tracker/model"
)

const eps = 1e-9

func geodeticSample(lat, lon, alt float64) model.MotionSample {
	var s model.MotionSample
	s.Tags[model.TagLat] = lat
	s.Tags[model.TagLon] = lon
	s.Tags[model.TagAlt] = alt
	return s
}

func TestTransform_GeodeticAtOriginReturnsOrigin(t *testing.T) {
	frame := model.ReferenceFrame{
		Origin: model.LLA{Lat: 0.61, Lon: -1.97, Alt: 250},
		Kind:   model.CoordGeodetic,
	}
	pose, err := Transform(frame, geodeticSample(0.61, -1.97, 250))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if math.Abs(pose.LLA.Lat-0.61) > eps || math.Abs(pose.LLA.Lon+1.97) > eps || math.Abs(pose.LLA.Alt-250) > 1e-6 {
		t.Fatalf("LLA = %+v, want origin", pose.LLA)
	}
	want := GeodeticToECEF(Geodetic{Lat: 0.61, Lon: -1.97, Alt: 250})
	if pose.ECEF.DistanceTo(want) > 1e-6 {
		t.Fatalf("ECEF = %+v, want %+v", pose.ECEF, want)
	}
}

func TestTransform_DegreesFrameNormalised(t *testing.T) {
	frame := model.ReferenceFrame{
		Origin: model.LLA{Lat: 1, Lon: 2, Alt: 3},
		Kind:   model.CoordGeodetic,
		Units:  model.Degrees,
	}
	s := geodeticSample(7, 2, 3)
	s.Tags[model.TagYaw] = 90

	rf, rs := ToRadians(frame, s)
	if rf.Units != model.Radians {
		t.Fatalf("frame units not converted")
	}
	if math.Abs(rs.Tags[model.TagLat]-7*math.Pi/180) > eps || math.Abs(rs.Tags[model.TagYaw]-math.Pi/2) > eps {
		t.Fatalf("sample not converted: %+v", rs.Tags)
	}
	// Input untouched.
	if s.Tags[model.TagLat] != 7 {
		t.Fatalf("ToRadians mutated its input")
	}

	pose, err := Transform(rf, rs)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if math.Abs(pose.LLA.Lat-7*math.Pi/180) > eps {
		t.Fatalf("lat = %v", pose.LLA.Lat)
	}
}

func TestTransform_LocalKindsAgreeOnNorthOffset(t *testing.T) {
	origin := model.LLA{Lat: 0.7, Lon: 0.2, Alt: 10}
	north := 1000.0

	var enu, ned, nwu model.MotionSample
	enu.Tags[1] = north // ENU y = north
	ned.Tags[0] = north // NED x = north
	nwu.Tags[0] = north // NWU x = north

	want := ENUToECEF(Geodetic{Lat: origin.Lat, Lon: origin.Lon, Alt: origin.Alt}, Vec3{Y: north})
	for kind, s := range map[model.CoordinateKind]model.MotionSample{
		model.CoordENU:   enu,
		model.CoordXEast: enu,
		model.CoordNED:   ned,
		model.CoordNWU:   nwu,
	} {
		pose, err := Transform(model.ReferenceFrame{Origin: origin, Kind: kind}, s)
		if err != nil {
			t.Fatalf("%v: Transform: %v", kind, err)
		}
		if pose.ECEF.DistanceTo(want) > 1e-6 {
			t.Fatalf("%v: ECEF = %+v, want %+v", kind, pose.ECEF, want)
		}
		if pose.LLA.Lat <= origin.Lat {
			t.Fatalf("%v: latitude did not increase", kind)
		}
	}
}

func TestTransform_NEDDownAndNWUWest(t *testing.T) {
	origin := model.LLA{Lat: 0.3, Lon: 0.4}
	o := Geodetic{Lat: origin.Lat, Lon: origin.Lon}

	var down model.MotionSample
	down.Tags[2] = 50
	pose, err := Transform(model.ReferenceFrame{Origin: origin, Kind: model.CoordNED}, down)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if want := ENUToECEF(o, Vec3{Z: -50}); pose.ECEF.DistanceTo(want) > 1e-6 {
		t.Fatalf("NED down: got %+v, want %+v", pose.ECEF, want)
	}

	var west model.MotionSample
	west.Tags[1] = 75
	pose, err = Transform(model.ReferenceFrame{Origin: origin, Kind: model.CoordNWU}, west)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if want := ENUToECEF(o, Vec3{X: -75}); pose.ECEF.DistanceTo(want) > 1e-6 {
		t.Fatalf("NWU west: got %+v, want %+v", pose.ECEF, want)
	}
}

func TestTransform_GridRotationAndOffset(t *testing.T) {
	origin := model.LLA{Lat: 0.5, Lon: 0.5}
	frame := model.ReferenceFrame{
		Origin: origin,
		Kind:   model.CoordGrid,
		Offset: model.TangentOffset{X: 10, Y: 20, Angle: math.Pi / 2},
	}
	// Grid north rotated 90° clockwise points east; grid y=100 → east 100.
	var s model.MotionSample
	s.Tags[1] = 100

	pose, err := Transform(frame, s)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	want := ENUToECEF(Geodetic{Lat: origin.Lat, Lon: origin.Lon}, Vec3{X: 110, Y: 20})
	if pose.ECEF.DistanceTo(want) > 1e-6 {
		t.Fatalf("grid: got %+v, want %+v", pose.ECEF, want)
	}
}

func TestTransform_GeodeticVelocityNorthAtEquator(t *testing.T) {
	s := geodeticSample(0, 0, 0)
	s.Tags[model.TagVX] = 10 // north

	pose, err := Transform(model.ReferenceFrame{Kind: model.CoordGeodetic}, s)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if pose.Velocity.DistanceTo(Vec3{Z: 10}) > eps {
		t.Fatalf("velocity = %+v, want +Z 10", pose.Velocity)
	}
	// Level attitude at (0,0): body x (north) is ECEF +Z, so pitch is -90°.
	if math.Abs(pose.Orientation.Pitch+math.Pi/2) > 1e-6 {
		t.Fatalf("pitch = %v, want -pi/2", pose.Orientation.Pitch)
	}
}

func TestTransform_InertialPreservesRadius(t *testing.T) {
	var s model.MotionSample
	s.Tags[0] = 7000e3
	s.Tags[1] = 100e3
	s.Tags[2] = 20e3
	s.Timestamp = float64(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Unix())

	pose, err := Transform(model.ReferenceFrame{Kind: model.CoordInertial}, s)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	in := Vec3{X: 7000e3, Y: 100e3, Z: 20e3}
	if math.Abs(pose.ECEF.Norm()-in.Norm()) > 1e-3 {
		t.Fatalf("ECEF radius %v, want %v", pose.ECEF.Norm(), in.Norm())
	}
	if math.Abs(pose.ECEF.Z-in.Z) > 1e-6 {
		t.Fatalf("ECI→ECEF changed Z: %v", pose.ECEF.Z)
	}
}

func TestTransform_RejectsUnknownKindAndNaN(t *testing.T) {
	_, err := Transform(model.ReferenceFrame{Kind: model.CoordinateKind(99)}, model.MotionSample{})
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}

	s := geodeticSample(math.NaN(), 0, 0)
	_, err = Transform(model.ReferenceFrame{Kind: model.CoordGeodetic}, s)
	if !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("err = %v, want ErrInvalidSample", err)
	}
}
