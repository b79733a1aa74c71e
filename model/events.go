package model

// Event is either PlatformAdded or PlatformUpdated. The set is closed.
type Event interface {
	Key() TrackKey
	isEvent()
}

// PlatformAdded announces a new platform and its immutable reference frame.
type PlatformAdded struct {
	TrackKey TrackKey
	SiteID   SiteID
	CallSign string
	IconRef  string
	Frame    ReferenceFrame
}

// PlatformUpdated carries one motion sample for a known platform.
type PlatformUpdated struct {
	TrackKey TrackKey
	SiteID   SiteID
	Sample   MotionSample
}

func (e PlatformAdded) Key() TrackKey   { return e.TrackKey }
func (e PlatformUpdated) Key() TrackKey { return e.TrackKey }

func (PlatformAdded) isEvent()   {}
func (PlatformUpdated) isEvent() {}

// Identity builds the registry-side identity for an Added event. HostRef
// is left empty until the render sink assigns one.
func (e PlatformAdded) Identity() PlatformIdentity {
	return PlatformIdentity{
		TrackKey: e.TrackKey,
		SiteID:   e.SiteID,
		Frame:    e.Frame,
		CallSign: e.CallSign,
		IconRef:  e.IconRef,
	}
}
