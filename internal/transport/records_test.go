package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalsfoundry/platform-tracker/internal/decode"
	"github.com/signalsfoundry/platform-tracker/model"
)

func testHeader() decode.HeaderRecord {
	return decode.HeaderRecord{
		LocalID:  3,
		CallSign: "VIPER",
		IconRef:  "heli",
		Frame: model.ReferenceFrame{
			Origin: model.LLA{Lat: 0.6, Lon: -1.2, Alt: 15},
			Offset: model.TangentOffset{X: 5, Y: 6, Angle: 0.1},
			Kind:   model.CoordGrid,
		},
	}
}

func testData() decode.DataRecord {
	return decode.DataRecord{
		LocalID:     3,
		Time:        101.25,
		Position:    [3]float64{1, 2, 3},
		Orientation: [3]float64{0.1, 0.2, 0.3},
		Velocity:    [3]float64{4, 5, 6},
		Extras:      []float64{7},
	}
}

type countingRecorder struct {
	errors []string
}

func (c *countingRecorder) MessageDecoded(string, int) {}
func (c *countingRecorder) OrphanUpdate(int)           {}
func (c *countingRecorder) DecodeError(format, reason string) {
	c.errors = append(c.errors, format+"/"+reason)
}

func TestRecordWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewRecordWriter(&buf)
	require.NoError(t, w.Write(testHeader()))
	require.NoError(t, w.Write(testData()))
	require.NoError(t, w.Write(decode.UnhandledRecord{Kind: decode.KindComment}))

	r := NewRecordReader(&buf)
	h, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, testHeader(), h)

	d, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, testData(), d)

	c, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, decode.UnhandledRecord{Kind: decode.KindComment}, c)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecordReaderUnknownKindAndBadBody(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.Encode(&envelope{Kind: "telemetry-v9", LocalID: 1}))
	wrongType, err := msgpack.Marshal("not a header")
	require.NoError(t, err)
	require.NoError(t, enc.Encode(&envelope{Kind: "header", LocalID: 1, Body: wrongType}))
	require.NoError(t, NewRecordWriter(&buf).Write(testData()))

	var got []decode.Record
	metrics := &countingRecorder{}
	err = ReadRecords(context.Background(), &buf, func(_ context.Context, rec decode.Record) error {
		got = append(got, rec)
		return nil
	}, nil, metrics)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"record/malformed"}, metrics.errors)
	require.Len(t, got, 2)
	assert.Equal(t, decode.UnhandledRecord{Kind: -1}, got[0])
	assert.Equal(t, testData(), got[1])
}

func TestRecordStreamReconnects(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	// Each connection carries one header and is then closed by the server.
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			_ = NewRecordWriter(conn).Write(testHeader())
			conn.Close()
		}
	}()

	var mu sync.Mutex
	var count int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &RecordStream{Addr: lis.Addr().String(), ReconnectDelay: 10 * time.Millisecond}
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, decode.Record) error {
			mu.Lock()
			count++
			n := count
			mu.Unlock()
			if n == 2 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not reconnect")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, count, 2)
}
