package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalsfoundry/platform-tracker/internal/decode"
	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/model"
)

// Record-Format messages travel over TCP as a stream of msgpack envelopes.
// The envelope names the kind; the body is decoded according to it.
type envelope struct {
	Kind    string             `msgpack:"kind"`
	LocalID int                `msgpack:"local_id"`
	Body    msgpack.RawMessage `msgpack:"body,omitempty"`
}

type frameBody struct {
	Kind    string  `msgpack:"kind"`
	Lat     float64 `msgpack:"lat"`
	Lon     float64 `msgpack:"lon"`
	Alt     float64 `msgpack:"alt"`
	OffsetX float64 `msgpack:"offset_x,omitempty"`
	OffsetY float64 `msgpack:"offset_y,omitempty"`
	Angle   float64 `msgpack:"angle,omitempty"`
}

type headerBody struct {
	CallSign string    `msgpack:"call_sign"`
	Icon     string    `msgpack:"icon,omitempty"`
	Frame    frameBody `msgpack:"frame"`
}

type dataBody struct {
	Time        float64    `msgpack:"t"`
	Position    [3]float64 `msgpack:"pos"`
	Orientation [3]float64 `msgpack:"ori"`
	Velocity    [3]float64 `msgpack:"vel"`
	Extras      []float64  `msgpack:"extras,omitempty"`
}

// RecordWriter encodes records onto a stream.
type RecordWriter struct {
	enc *msgpack.Encoder
}

// NewRecordWriter wraps w.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{enc: msgpack.NewEncoder(w)}
}

// Write encodes one record.
func (w *RecordWriter) Write(rec decode.Record) error {
	env := envelope{Kind: rec.RecordKind().String()}
	var body any
	switch r := rec.(type) {
	case decode.HeaderRecord:
		env.LocalID = r.LocalID
		body = headerBody{
			CallSign: r.CallSign,
			Icon:     r.IconRef,
			Frame: frameBody{
				Kind:    r.Frame.Kind.String(),
				Lat:     r.Frame.Origin.Lat,
				Lon:     r.Frame.Origin.Lon,
				Alt:     r.Frame.Origin.Alt,
				OffsetX: r.Frame.Offset.X,
				OffsetY: r.Frame.Offset.Y,
				Angle:   r.Frame.Offset.Angle,
			},
		}
	case decode.DataRecord:
		env.LocalID = r.LocalID
		body = dataBody{
			Time:        r.Time,
			Position:    r.Position,
			Orientation: r.Orientation,
			Velocity:    r.Velocity,
			Extras:      r.Extras,
		}
	}
	if body != nil {
		raw, err := msgpack.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", env.Kind, err)
		}
		env.Body = raw
	}
	return w.enc.Encode(&env)
}

// RecordReader decodes records from a stream.
type RecordReader struct {
	dec *msgpack.Decoder
}

// NewRecordReader wraps r.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{dec: msgpack.NewDecoder(r)}
}

// Next returns the next record. A body that does not match its kind yields
// an error wrapping decode.ErrMalformedMessage; the stream stays usable. Any
// other error means the stream is broken.
func (r *RecordReader) Next() (decode.Record, error) {
	var env envelope
	if err := r.dec.Decode(&env); err != nil {
		return nil, err
	}

	kind, ok := decode.ParseRecordKind(env.Kind)
	if !ok {
		return decode.UnhandledRecord{Kind: -1}, nil
	}
	switch kind {
	case decode.KindHeader:
		var b headerBody
		if err := msgpack.Unmarshal(env.Body, &b); err != nil {
			return nil, fmt.Errorf("%w: header body: %v", decode.ErrMalformedMessage, err)
		}
		frameKind, err := model.ParseCoordinateKind(b.Frame.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", decode.ErrMalformedMessage, err)
		}
		return decode.HeaderRecord{
			LocalID:  env.LocalID,
			CallSign: b.CallSign,
			IconRef:  b.Icon,
			Frame: model.ReferenceFrame{
				Origin: model.LLA{Lat: b.Frame.Lat, Lon: b.Frame.Lon, Alt: b.Frame.Alt},
				Offset: model.TangentOffset{X: b.Frame.OffsetX, Y: b.Frame.OffsetY, Angle: b.Frame.Angle},
				Kind:   frameKind,
				Units:  model.Radians,
			},
		}, nil
	case decode.KindData:
		var b dataBody
		if err := msgpack.Unmarshal(env.Body, &b); err != nil {
			return nil, fmt.Errorf("%w: data body: %v", decode.ErrMalformedMessage, err)
		}
		return decode.DataRecord{
			LocalID:     env.LocalID,
			Time:        b.Time,
			Position:    b.Position,
			Orientation: b.Orientation,
			Velocity:    b.Velocity,
			Extras:      b.Extras,
		}, nil
	default:
		return decode.UnhandledRecord{Kind: kind}, nil
	}
}

// RecordDeliverer hands one record to the tracker.
type RecordDeliverer = func(ctx context.Context, rec decode.Record) error

// RecordStream connects to a Record-Format server and delivers records
// until its context ends, reconnecting after ReconnectDelay whenever the
// connection drops.
type RecordStream struct {
	Addr           string
	ReconnectDelay time.Duration
	Dial           func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger         logging.Logger
	// Metrics counts bodies dropped as malformed.
	Metrics decode.Recorder
}

// DefaultReconnectDelay is used when RecordStream.ReconnectDelay is zero.
const DefaultReconnectDelay = 2 * time.Second

// Run implements the session's record source contract.
func (s *RecordStream) Run(ctx context.Context, deliver RecordDeliverer) error {
	log := s.Logger
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.String("addr", s.Addr))
	delay := s.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	dial := s.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	for {
		conn, err := dial(ctx, "tcp", s.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn(ctx, "record stream dial failed", logging.Err(err))
		} else {
			log.Info(ctx, "record stream connected")
			err = s.consume(ctx, conn, deliver, log)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn(ctx, "record stream disconnected", logging.Err(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *RecordStream) consume(ctx context.Context, conn net.Conn, deliver RecordDeliverer, log logging.Logger) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	return ReadRecords(ctx, conn, deliver, log, s.Metrics)
}

// ReadRecords delivers every record on r until EOF or a stream error.
// Malformed bodies are logged, counted on metrics when it is non-nil, and
// skipped.
func ReadRecords(ctx context.Context, r io.Reader, deliver RecordDeliverer, log logging.Logger, metrics decode.Recorder) error {
	if log == nil {
		log = logging.Noop()
	}
	rr := NewRecordReader(r)
	for {
		rec, err := rr.Next()
		switch {
		case err == nil:
		case errors.Is(err, decode.ErrMalformedMessage):
			log.Warn(ctx, "skipping record", logging.Err(err))
			if metrics != nil {
				metrics.DecodeError(decode.FormatRecord, "malformed")
			}
			continue
		case errors.Is(err, io.EOF):
			return io.EOF
		default:
			return err
		}
		if err := deliver(ctx, rec); err != nil {
			return fmt.Errorf("deliver: %w", err)
		}
	}
}
