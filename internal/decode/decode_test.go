package decode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/platform-tracker/model"
	"github.com/signalsfoundry/platform-tracker/timectrl"
)

type capture struct {
	events []model.Event
	err    error
}

func (c *capture) emit(_ context.Context, ev model.Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) added() []model.PlatformAdded {
	var out []model.PlatformAdded
	for _, ev := range c.events {
		if a, ok := ev.(model.PlatformAdded); ok {
			out = append(out, a)
		}
	}
	return out
}

func (c *capture) updated() []model.PlatformUpdated {
	var out []model.PlatformUpdated
	for _, ev := range c.events {
		if u, ok := ev.(model.PlatformUpdated); ok {
			out = append(out, u)
		}
	}
	return out
}

type countingRecorder struct {
	decoded, errors, orphans int
}

func (r *countingRecorder) MessageDecoded(string, int) { r.decoded++ }
func (r *countingRecorder) DecodeError(string, string) { r.errors++ }
func (r *countingRecorder) OrphanUpdate(int)           { r.orphans++ }

func TestDatagramSameSiteAddsOnce(t *testing.T) {
	ctx := context.Background()
	d := NewDatagramDecoder(10000)
	var c capture

	for i := 1; i <= 5; i++ {
		require.NoError(t, d.Decode(ctx, EncodeDatagram([]float64{float64(i), 20, 300}), c.emit))
	}

	added := c.added()
	require.Len(t, added, 1)
	assert.Equal(t, model.TrackKey(10001), added[0].TrackKey)
	assert.Equal(t, model.LLA{Lat: 1, Lon: 20, Alt: 300}, added[0].Frame.Origin)
	assert.Equal(t, model.CoordGeodetic, added[0].Frame.Kind)
	assert.Equal(t, model.Degrees, added[0].Frame.Units)
	assert.Equal(t, "site-10000", added[0].CallSign)

	updated := c.updated()
	require.Len(t, updated, 5)
	for i, u := range updated {
		assert.Equal(t, float64(i+1), u.Sample.Tags[model.TagLat])
	}
	_, ok := c.events[0].(model.PlatformAdded)
	assert.True(t, ok, "Added must precede the first Updated")
}

func TestDatagramTagLayout(t *testing.T) {
	clock := timectrl.NewFixedClock(time.Unix(1700000000, 500_000_000))
	d := NewDatagramDecoder(5, WithClock(clock), WithCallSign("HAWK1"), WithIconRef("jet"))
	var c capture

	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 99, 11, 12}
	require.NoError(t, d.Decode(context.Background(), EncodeDatagram(values), c.emit))

	a := c.added()[0]
	assert.Equal(t, "HAWK1", a.CallSign)
	assert.Equal(t, "jet", a.IconRef)

	s := c.updated()[0].Sample
	assert.Equal(t, [model.NumTags]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 0}, s.Tags)
	assert.Equal(t, []float64{11, 12}, s.Extras)
	assert.InDelta(t, 1700000000.5, s.Timestamp, 1e-6)
}

func TestDatagramShortSampleLeavesZeros(t *testing.T) {
	d := NewDatagramDecoder(5)
	var c capture
	require.NoError(t, d.Decode(context.Background(), EncodeDatagram([]float64{45}), c.emit))

	s := c.updated()[0].Sample
	assert.Equal(t, 45.0, s.Tags[model.TagLat])
	assert.Zero(t, s.Tags[model.TagAlt])
	assert.Empty(t, s.Extras)
}

func TestDatagramMalformed(t *testing.T) {
	rec := &countingRecorder{}
	d := NewDatagramDecoder(7, WithRecorder(rec))
	var c capture

	truncated := EncodeDatagram([]float64{1, 2, 3})
	truncated = truncated[:len(truncated)-1]

	for _, payload := range [][]byte{nil, {1, 0}, truncated, {0xff, 0xff, 0xff, 0xff, 0}} {
		err := d.Decode(context.Background(), payload, c.emit)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	}
	assert.Empty(t, c.events)
	assert.Equal(t, 4, rec.errors)
	assert.Zero(t, rec.decoded)
}

func TestDatagramTrailingBytesIgnored(t *testing.T) {
	payload := append(EncodeDatagram([]float64{1, 2}), 0xde, 0xad)
	values, err := ParseDatagram(payload)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, values)
}

func TestDatagramEmitFailureRetriesAdd(t *testing.T) {
	d := NewDatagramDecoder(3)
	c := capture{err: errors.New("loop stopped")}
	require.Error(t, d.Decode(context.Background(), EncodeDatagram([]float64{1}), c.emit))

	c.err = nil
	require.NoError(t, d.Decode(context.Background(), EncodeDatagram([]float64{2}), c.emit))
	require.Len(t, c.added(), 1)
	assert.Equal(t, 2.0, c.added()[0].Frame.Origin.Lat)
}

func TestDatagramResetReannounces(t *testing.T) {
	d := NewDatagramDecoder(3)
	var c capture
	require.NoError(t, d.Decode(context.Background(), EncodeDatagram([]float64{1}), c.emit))
	d.Reset()
	require.NoError(t, d.Decode(context.Background(), EncodeDatagram([]float64{2}), c.emit))
	assert.Len(t, c.added(), 2)
}

func header(local int) HeaderRecord {
	return HeaderRecord{
		LocalID:  local,
		CallSign: "TGT",
		Frame: model.ReferenceFrame{
			Origin: model.LLA{Lat: 0.5, Lon: 0.25},
			Kind:   model.CoordNED,
		},
	}
}

func TestRecordDataBeforeHeaderIsDropped(t *testing.T) {
	rec := &countingRecorder{}
	d := NewRecordDecoder(20000, WithRecorder(rec))
	var c capture

	err := d.Decode(context.Background(), DataRecord{LocalID: 4, Time: 1}, c.emit)
	require.NoError(t, err)
	assert.Empty(t, c.events)
	assert.Equal(t, 1, rec.orphans)
	assert.False(t, d.Known(4))
}

func TestRecordHeaderThenData(t *testing.T) {
	d := NewRecordDecoder(20000)
	var c capture
	ctx := context.Background()

	require.NoError(t, d.Decode(ctx, header(4), c.emit))
	require.NoError(t, d.Decode(ctx, &DataRecord{
		LocalID:     4,
		Time:        12.5,
		Position:    [3]float64{10, 20, 30},
		Orientation: [3]float64{0.1, 0.2, 0.3},
		Velocity:    [3]float64{1, 2, 3},
		Extras:      []float64{42},
	}, c.emit))

	added := c.added()
	require.Len(t, added, 1)
	assert.Equal(t, model.TrackKey(20004), added[0].TrackKey)
	assert.Equal(t, header(4).Frame, added[0].Frame)

	updated := c.updated()
	require.Len(t, updated, 1)
	s := updated[0].Sample
	assert.Equal(t, 12.5, s.Timestamp)
	assert.Equal(t, [model.NumTags]float64{10, 20, 30, 0.1, 0.2, 0.3, 1, 2, 3, 0}, s.Tags)
	assert.Equal(t, []float64{42}, s.Extras)
}

func TestRecordDuplicateHeaderIgnored(t *testing.T) {
	d := NewRecordDecoder(1)
	var c capture
	require.NoError(t, d.Decode(context.Background(), header(1), c.emit))
	h := header(1)
	h.CallSign = "OTHER"
	require.NoError(t, d.Decode(context.Background(), h, c.emit))

	require.Len(t, c.added(), 1)
	assert.Equal(t, "TGT", c.added()[0].CallSign)
}

func TestRecordUnhandledKindsAreNoops(t *testing.T) {
	d := NewRecordDecoder(1)
	var c capture
	for _, k := range []RecordKind{KindEvent, KindStatus, KindComment, RecordKind(42)} {
		require.NoError(t, d.Decode(context.Background(), UnhandledRecord{Kind: k}, c.emit))
	}
	require.NoError(t, d.Decode(context.Background(), nil, c.emit))
	assert.Empty(t, c.events)
}

func TestRecordResetForgetsHeaders(t *testing.T) {
	d := NewRecordDecoder(1)
	var c capture
	require.NoError(t, d.Decode(context.Background(), header(1), c.emit))
	d.Reset()
	require.NoError(t, d.Decode(context.Background(), DataRecord{LocalID: 1}, c.emit))
	assert.Len(t, c.updated(), 0)
}

func TestParseRecordKind(t *testing.T) {
	k, ok := ParseRecordKind("Status")
	require.True(t, ok)
	assert.Equal(t, KindStatus, k)
	_, ok = ParseRecordKind("bogus")
	assert.False(t, ok)
	assert.Equal(t, "RecordKind(9)", RecordKind(9).String())
}
