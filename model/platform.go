package model

import (
	"fmt"
	"strings"
)

// TrackKey is the session-unique identity of a platform, computed as
// site ID plus a protocol-supplied local ID.
type TrackKey int

// SiteID identifies a configured network source.
type SiteID int

// HostRef is the opaque handle the render sink assigns when a platform is
// first committed. The zero value means "not yet committed".
type HostRef string

// Category selects the history-depth policy for a site.
type Category int

const (
	CategoryA Category = iota
	CategoryB
)

// CategoryThreshold splits sites into categories: site IDs below it are
// category A, the rest category B.
const CategoryThreshold SiteID = 20000

// CategoryOf applies the threshold rule to a site ID.
func CategoryOf(site SiteID) Category {
	if site < CategoryThreshold {
		return CategoryA
	}
	return CategoryB
}

func (c Category) String() string {
	if c == CategoryB {
		return "B"
	}
	return "A"
}

// ParseCategory accepts "A"/"B" in either case.
func ParseCategory(s string) (Category, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return CategoryA, nil
	case "B":
		return CategoryB, nil
	default:
		return CategoryA, fmt.Errorf("unknown category %q", s)
	}
}

// CoordinateKind is the coordinate system a platform's raw samples are
// expressed in.
type CoordinateKind int

const (
	CoordGeodetic CoordinateKind = iota
	CoordNED
	CoordNWU
	CoordENU
	CoordXEast
	CoordGrid
	CoordInertial
)

var coordinateKindNames = map[CoordinateKind]string{
	CoordGeodetic: "geodetic",
	CoordNED:      "ned",
	CoordNWU:      "nwu",
	CoordENU:      "enu",
	CoordXEast:    "xeast",
	CoordGrid:     "grid",
	CoordInertial: "inertial",
}

func (k CoordinateKind) String() string {
	if name, ok := coordinateKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("CoordinateKind(%d)", int(k))
}

// ParseCoordinateKind maps a lower-case name back to a CoordinateKind.
func ParseCoordinateKind(s string) (CoordinateKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range coordinateKindNames {
		if name == s {
			return k, nil
		}
	}
	return CoordGeodetic, fmt.Errorf("unknown coordinate kind %q", s)
}

// AngleUnits records which angular unit a platform's samples and origin
// arrive in. The transformer only accepts radians.
type AngleUnits int

const (
	Radians AngleUnits = iota
	Degrees
)

// LLA is a geodetic position: latitude and longitude in the frame's angle
// units, altitude in metres above the WGS-84 ellipsoid.
type LLA struct {
	Lat float64
	Lon float64
	Alt float64
}

// TangentOffset positions a generic tangent plane relative to the origin:
// X/Y in metres east/north, Angle the clockwise rotation from north.
type TangentOffset struct {
	X     float64
	Y     float64
	Angle float64
}

// ReferenceFrame is the local basis a platform's samples are expressed in.
// It is captured when the platform is created and never changes.
type ReferenceFrame struct {
	Origin LLA
	Offset TangentOffset
	Kind   CoordinateKind
	Units  AngleUnits
}

// PlatformIdentity represents one tracked entity.
type PlatformIdentity struct {
	TrackKey TrackKey
	SiteID   SiteID
	HostRef  HostRef
	Frame    ReferenceFrame
	CallSign string
	IconRef  string
}

// Resolved reports whether the render sink has assigned a host ref.
func (p PlatformIdentity) Resolved() bool {
	return p.HostRef != ""
}
