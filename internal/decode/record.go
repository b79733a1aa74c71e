package decode

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/model"
)

// RecordKind enumerates Record-Format message kinds.
type RecordKind int

const (
	KindHeader RecordKind = iota
	KindData
	KindEvent
	KindStatus
	KindComment
)

var recordKindNames = [...]string{"header", "data", "event", "status", "comment"}

func (k RecordKind) String() string {
	if k >= 0 && int(k) < len(recordKindNames) {
		return recordKindNames[k]
	}
	return fmt.Sprintf("RecordKind(%d)", int(k))
}

// ParseRecordKind maps a name back to a RecordKind. Unknown names yield
// false.
func ParseRecordKind(s string) (RecordKind, bool) {
	s = strings.ToLower(s)
	for i, name := range recordKindNames {
		if name == s {
			return RecordKind(i), true
		}
	}
	return 0, false
}

// Record is one Record-Format message: HeaderRecord, DataRecord or
// UnhandledRecord.
type Record interface {
	RecordKind() RecordKind
	isRecord()
}

// HeaderRecord declares a platform and its reference frame.
type HeaderRecord struct {
	LocalID  int
	CallSign string
	IconRef  string
	Frame    model.ReferenceFrame
}

// DataRecord is one time-tagged sample for a declared platform. Position is
// lat/lon/alt or x/y/z depending on the header's frame kind. Angles are
// radians.
type DataRecord struct {
	LocalID     int
	Time        float64
	Position    [3]float64
	Orientation [3]float64 // yaw, pitch, roll
	Velocity    [3]float64
	Extras      []float64
}

// UnhandledRecord stands in for kinds the tracker recognises and ignores.
type UnhandledRecord struct {
	Kind RecordKind
}

func (HeaderRecord) RecordKind() RecordKind      { return KindHeader }
func (DataRecord) RecordKind() RecordKind        { return KindData }
func (u UnhandledRecord) RecordKind() RecordKind { return u.Kind }

func (HeaderRecord) isRecord()    {}
func (DataRecord) isRecord()      {}
func (UnhandledRecord) isRecord() {}

// RecordDecoder turns Record-Format messages from one site into events. It
// is not safe for concurrent use.
type RecordDecoder struct {
	site    model.SiteID
	opts    options
	headers map[model.TrackKey]model.PlatformAdded
}

// NewRecordDecoder builds a decoder for site.
func NewRecordDecoder(site model.SiteID, opts ...Option) *RecordDecoder {
	o := buildOptions(opts)
	o.log = o.log.With(logging.Int("site_id", int(site)), logging.String("format", FormatRecord))
	return &RecordDecoder{
		site:    site,
		opts:    o,
		headers: make(map[model.TrackKey]model.PlatformAdded),
	}
}

func (d *RecordDecoder) key(localID int) model.TrackKey {
	return model.TrackKey(int(d.site) + localID)
}

// Decode dispatches one record. Headers emit PlatformAdded once per key;
// data emits PlatformUpdated only for keys with a cached header. Orphans and
// unhandled kinds are dropped and return nil.
func (d *RecordDecoder) Decode(ctx context.Context, rec Record, emit Emitter) error {
	switch r := rec.(type) {
	case HeaderRecord:
		return d.header(ctx, r, emit)
	case *HeaderRecord:
		if r == nil {
			return nil
		}
		return d.header(ctx, *r, emit)
	case DataRecord:
		return d.data(ctx, r, emit)
	case *DataRecord:
		if r == nil {
			return nil
		}
		return d.data(ctx, *r, emit)
	default:
		return nil
	}
}

func (d *RecordDecoder) header(ctx context.Context, r HeaderRecord, emit Emitter) error {
	key := d.key(r.LocalID)
	if _, ok := d.headers[key]; ok {
		return nil
	}
	added := model.PlatformAdded{
		TrackKey: key,
		SiteID:   d.site,
		CallSign: r.CallSign,
		IconRef:  r.IconRef,
		Frame:    r.Frame,
	}
	if err := emit(ctx, added); err != nil {
		return fmt.Errorf("site %d: emit add: %w", d.site, err)
	}
	d.headers[key] = added
	d.opts.recorder.MessageDecoded(FormatRecord, int(d.site))
	return nil
}

func (d *RecordDecoder) data(ctx context.Context, r DataRecord, emit Emitter) error {
	key := d.key(r.LocalID)
	if _, ok := d.headers[key]; !ok {
		d.opts.recorder.OrphanUpdate(int(d.site))
		d.opts.log.Debug(ctx, "dropping data record before header",
			logging.Int("track_key", int(key)),
			logging.Err(ErrOrphanUpdate),
		)
		return nil
	}

	sample := model.MotionSample{TrackKey: key, Timestamp: r.Time}
	sample.Tags[model.TagLat] = r.Position[0]
	sample.Tags[model.TagLon] = r.Position[1]
	sample.Tags[model.TagAlt] = r.Position[2]
	sample.Tags[model.TagYaw] = r.Orientation[0]
	sample.Tags[model.TagPitch] = r.Orientation[1]
	sample.Tags[model.TagRoll] = r.Orientation[2]
	sample.Tags[model.TagVX] = r.Velocity[0]
	sample.Tags[model.TagVY] = r.Velocity[1]
	sample.Tags[model.TagVZ] = r.Velocity[2]
	if len(r.Extras) > 0 {
		sample.Extras = append([]float64(nil), r.Extras...)
	}

	if err := emit(ctx, model.PlatformUpdated{TrackKey: key, SiteID: d.site, Sample: sample}); err != nil {
		return fmt.Errorf("site %d: emit update: %w", d.site, err)
	}
	d.opts.recorder.MessageDecoded(FormatRecord, int(d.site))
	return nil
}

// Known reports whether a header has been seen for localID.
func (d *RecordDecoder) Known(localID int) bool {
	_, ok := d.headers[d.key(localID)]
	return ok
}

// Reset drops all cached headers.
func (d *RecordDecoder) Reset() {
	clear(d.headers)
}
