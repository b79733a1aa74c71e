package decode

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/model"
)

// DatagramLocalID is the local ID used for the single platform a
// Datagram-Format site carries.
const DatagramLocalID = 1

const datagramHeaderLen = 4

// DatagramDecoder turns Datagram-Format payloads from one site into events.
// It is not safe for concurrent use.
type DatagramDecoder struct {
	site model.SiteID
	opts options

	added    bool
	identity model.PlatformAdded
}

// NewDatagramDecoder builds a decoder for site.
func NewDatagramDecoder(site model.SiteID, opts ...Option) *DatagramDecoder {
	o := buildOptions(opts)
	if o.callSign == "" {
		o.callSign = fmt.Sprintf("site-%d", site)
	}
	o.log = o.log.With(logging.Int("site_id", int(site)), logging.String("format", FormatDatagram))
	return &DatagramDecoder{site: site, opts: o}
}

// TrackKey is the key every sample from this site is filed under.
func (d *DatagramDecoder) TrackKey() model.TrackKey {
	return model.TrackKey(int(d.site) + DatagramLocalID)
}

// Decode parses one payload and emits PlatformAdded for the first valid
// sample followed by PlatformUpdated. Malformed payloads are counted and
// reported as ErrMalformedMessage; nothing is emitted for them.
func (d *DatagramDecoder) Decode(ctx context.Context, payload []byte, emit Emitter) error {
	values, err := ParseDatagram(payload)
	if err != nil {
		d.opts.recorder.DecodeError(FormatDatagram, "malformed")
		d.opts.log.Warn(ctx, "dropping datagram", logging.Int("bytes", len(payload)), logging.Err(err))
		return fmt.Errorf("site %d: %w", d.site, err)
	}

	key := d.TrackKey()
	sample := model.MotionSample{
		TrackKey:  key,
		Timestamp: unixSeconds(d.opts.clock.Now().UnixNano()),
	}
	for i, v := range values {
		switch {
		case i < model.TagReserved:
			sample.Tags[i] = v
		case i == model.TagReserved:
			// skipped
		default:
			sample.Extras = append(sample.Extras, v)
		}
	}

	if !d.added {
		added := model.PlatformAdded{
			TrackKey: key,
			SiteID:   d.site,
			CallSign: d.opts.callSign,
			IconRef:  d.opts.iconRef,
			Frame: model.ReferenceFrame{
				Origin: model.LLA{
					Lat: sample.Tags[model.TagLat],
					Lon: sample.Tags[model.TagLon],
					Alt: sample.Tags[model.TagAlt],
				},
				Kind:  model.CoordGeodetic,
				Units: model.Degrees,
			},
		}
		if err := emit(ctx, added); err != nil {
			return fmt.Errorf("site %d: emit add: %w", d.site, err)
		}
		d.added = true
		d.identity = added
	}

	if err := emit(ctx, model.PlatformUpdated{TrackKey: key, SiteID: d.site, Sample: sample}); err != nil {
		return fmt.Errorf("site %d: emit update: %w", d.site, err)
	}
	d.opts.recorder.MessageDecoded(FormatDatagram, int(d.site))
	return nil
}

// Identity returns the cached Added event, if one has been emitted.
func (d *DatagramDecoder) Identity() (model.PlatformAdded, bool) {
	return d.identity, d.added
}

// Reset forgets the cached identity so the next sample re-announces the
// platform.
func (d *DatagramDecoder) Reset() {
	d.added = false
	d.identity = model.PlatformAdded{}
}

// ParseDatagram splits a payload into its float values. Bytes beyond the
// declared count are ignored.
func ParseDatagram(payload []byte) ([]float64, error) {
	if len(payload) < datagramHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedMessage, len(payload), datagramHeaderLen)
	}
	n := uint64(binary.LittleEndian.Uint32(payload))
	need := datagramHeaderLen + 8*n
	if uint64(len(payload)) < need {
		return nil, fmt.Errorf("%w: count %d needs %d bytes, got %d", ErrMalformedMessage, n, need, len(payload))
	}
	values := make([]float64, n)
	body := payload[datagramHeaderLen:]
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[8*i:]))
	}
	return values, nil
}

// EncodeDatagram is the inverse of ParseDatagram.
func EncodeDatagram(values []float64) []byte {
	buf := make([]byte, datagramHeaderLen+8*len(values))
	binary.LittleEndian.PutUint32(buf, uint32(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[datagramHeaderLen+8*i:], math.Float64bits(v))
	}
	return buf
}

func unixSeconds(nanos int64) float64 {
	return float64(nanos) / 1e9
}
