package render

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/signalsfoundry/platform-tracker/core"
	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/model"
)

// LogSink writes committed scene changes to a logger. It is the default
// sink for the headless daemon.
type LogSink struct {
	log logging.Logger
}

// NewLogSink returns a sink logging through l.
func NewLogSink(l logging.Logger) *LogSink {
	if l == nil {
		l = logging.Noop()
	}
	return &LogSink{log: l}
}

// Begin implements Sink.
func (s *LogSink) Begin(ctx context.Context) (Tx, error) {
	return &logTx{log: s.log}, nil
}

type logTx struct {
	log    logging.Logger
	closed bool
	lines  []func(context.Context)
}

func (tx *logTx) CreatePlatform(_ context.Context, p model.PlatformIdentity, pref model.PlatformPreference) (model.HostRef, error) {
	if tx.closed {
		return "", ErrTxClosed
	}
	ref := model.HostRef(uuid.NewString())
	tx.lines = append(tx.lines, func(ctx context.Context) {
		tx.log.Info(ctx, "platform created",
			logging.String("host_ref", string(ref)),
			logging.Int("track_key", int(p.TrackKey)),
			logging.String("call_sign", p.CallSign),
			logging.String("frame", p.Frame.Kind.String()),
			logging.String("track_mode", pref.TrackMode.String()),
		)
	})
	return ref, nil
}

func (tx *logTx) UpdatePose(_ context.Context, ref model.HostRef, pose core.Pose) error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.lines = append(tx.lines, func(ctx context.Context) {
		tx.log.Debug(ctx, "pose",
			logging.String("host_ref", string(ref)),
			logging.Float("lat_deg", pose.LLA.Lat*180/math.Pi),
			logging.Float("lon_deg", pose.LLA.Lon*180/math.Pi),
			logging.Float("alt_m", pose.LLA.Alt),
		)
	})
	return nil
}

func (tx *logTx) ApplyPreference(_ context.Context, ref model.HostRef, pref model.PlatformPreference) error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.lines = append(tx.lines, func(ctx context.Context) {
		tx.log.Info(ctx, "preference applied",
			logging.String("host_ref", string(ref)),
			logging.String("track_mode", pref.TrackMode.String()),
			logging.Int("trail_length", pref.TrailLength),
		)
	})
	return nil
}

func (tx *logTx) Commit(ctx context.Context) error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	for _, line := range tx.lines {
		line(ctx)
	}
	return nil
}

func (tx *logTx) Rollback(context.Context) error {
	tx.closed = true
	tx.lines = nil
	return nil
}
