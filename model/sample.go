package model

// Tag indices into MotionSample.Tags. For geodetic frames the first three
// tags are latitude, longitude and altitude; for tangent-plane and inertial
// frames they are x, y and z in metres.
const (
	TagLat = iota
	TagLon
	TagAlt
	TagYaw
	TagPitch
	TagRoll
	TagVX
	TagVY
	TagVZ
	TagReserved

	NumTags
)

// MotionSample is one observation of a platform in its native frame.
type MotionSample struct {
	TrackKey  TrackKey
	Timestamp float64 // seconds
	Tags      [NumTags]float64
	Extras    []float64
}

// Position returns tags 0..2.
func (s MotionSample) Position() [3]float64 {
	return [3]float64{s.Tags[TagLat], s.Tags[TagLon], s.Tags[TagAlt]}
}

// Orientation returns yaw, pitch and roll.
func (s MotionSample) Orientation() [3]float64 {
	return [3]float64{s.Tags[TagYaw], s.Tags[TagPitch], s.Tags[TagRoll]}
}

// Velocity returns tags 6..8.
func (s MotionSample) Velocity() [3]float64 {
	return [3]float64{s.Tags[TagVX], s.Tags[TagVY], s.Tags[TagVZ]}
}
