package model

import (
	"fmt"
	"strconv"
	"strings"
)

// TrackMode controls how a platform's trail is drawn.
type TrackMode int

const (
	TrackOff TrackMode = iota
	TrackPoints
	TrackLine
	TrackRibbon
	TrackBridge
)

var trackModeNames = [...]string{"off", "points", "line", "ribbon", "bridge"}

func (m TrackMode) String() string {
	if int(m) >= 0 && int(m) < len(trackModeNames) {
		return trackModeNames[m]
	}
	return fmt.Sprintf("TrackMode(%d)", int(m))
}

// ParseTrackMode maps a config name to a TrackMode. The empty string is "off".
func ParseTrackMode(s string) (TrackMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TrackOff, nil
	}
	for i, name := range trackModeNames {
		if name == s {
			return TrackMode(i), nil
		}
	}
	return TrackOff, fmt.Errorf("unknown track mode %q", s)
}

// Color is packed 0xRRGGBBAA.
type Color uint32

// ParseColor accepts "#RRGGBB" or "#RRGGBBAA". A missing alpha is opaque.
func ParseColor(s string) (Color, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(hex) {
	case 6:
		hex += "ff"
	case 8:
	default:
		return 0, fmt.Errorf("color %q: want #RRGGBB or #RRGGBBAA", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("color %q: %w", s, err)
	}
	return Color(v), nil
}

func (c Color) String() string {
	return fmt.Sprintf("#%08x", uint32(c))
}

// PlatformPreference is the display and trail policy for a platform.
type PlatformPreference struct {
	TrackMode    TrackMode
	TrackColor   Color
	TrailLength  int
	LineWidth    float64
	DynamicScale bool
	Draw         bool
	Label        bool
}

// DefaultPreference is applied to platforms whose site has no configured
// preference.
func DefaultPreference() PlatformPreference {
	return PlatformPreference{
		TrackMode:  TrackOff,
		TrackColor: 0xffffffff,
		LineWidth:  1,
		Draw:       true,
		Label:      true,
	}
}
