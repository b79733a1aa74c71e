package decode

import (
	"context"

	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/model"
	"github.com/signalsfoundry/platform-tracker/timectrl"
)

// Emitter receives events produced by a decoder.
type Emitter func(ctx context.Context, ev model.Event) error

// Recorder receives decode counters. *observability.TrackerCollector
// satisfies it.
type Recorder interface {
	MessageDecoded(format string, site int)
	DecodeError(format, reason string)
	OrphanUpdate(site int)
}

type nopRecorder struct{}

func (nopRecorder) MessageDecoded(string, int) {}
func (nopRecorder) DecodeError(string, string) {}
func (nopRecorder) OrphanUpdate(int)           {}

type options struct {
	clock    timectrl.Clock
	recorder Recorder
	log      logging.Logger
	callSign string
	iconRef  string
}

// Option configures a decoder.
type Option func(*options)

// WithClock sets the clock used to stamp Datagram-Format samples.
func WithClock(c timectrl.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithLogger installs a logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCallSign sets the call sign for the synthesised Datagram-Format
// platform. Record-Format decoders take call signs from headers.
func WithCallSign(cs string) Option {
	return func(o *options) { o.callSign = cs }
}

// WithIconRef sets the icon for the synthesised Datagram-Format platform.
func WithIconRef(icon string) Option {
	return func(o *options) { o.iconRef = icon }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:    timectrl.SystemClock{},
		recorder: nopRecorder{},
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
