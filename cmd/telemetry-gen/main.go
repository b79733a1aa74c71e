package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/platform-tracker/core"
	"github.com/signalsfoundry/platform-tracker/internal/decode"
	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/internal/transport"
	"github.com/signalsfoundry/platform-tracker/model"
	"github.com/signalsfoundry/platform-tracker/timectrl"
)

const (
	issTLE1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	issTLE2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
)

// Config describes one generated platform and where its telemetry goes.
type Config struct {
	Protocol string // datagram | record
	// Target is the datagram destination host:port.
	Target string
	// Listen is the record server address.
	Listen string

	Duration    time.Duration
	Tick        time.Duration
	Accelerated bool

	// TLE lines select SGP4 propagation; otherwise the platform moves
	// linearly from Start at Velocity (east/north/up, m/s).
	TLE1, TLE2 string
	Start      core.Geodetic
	Velocity   core.Vec3

	LocalID  int
	CallSign string
	// PCAPPath also records sent datagrams to a capture file.
	PCAPPath string
}

func main() {
	var (
		cfg             Config
		lat, lon, alt   float64
		east, north, up float64
		orbit           bool
	)
	flag.StringVar(&cfg.Protocol, "protocol", "datagram", "Wire format to emit: datagram or record")
	flag.StringVar(&cfg.Target, "target", "127.0.0.1:5000", "Datagram destination host:port")
	flag.StringVar(&cfg.Listen, "listen", "127.0.0.1:6000", "Record server listen address")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Total generated time (0 runs until interrupted)")
	flag.DurationVar(&cfg.Tick, "tick", time.Second, "Interval between samples")
	flag.BoolVar(&cfg.Accelerated, "accelerated", false, "Emit samples back to back instead of in real time")
	flag.BoolVar(&orbit, "orbit", false, "Propagate the built-in LEO TLE instead of linear motion")
	flag.StringVar(&cfg.TLE1, "tle1", "", "TLE line 1 (overrides -orbit)")
	flag.StringVar(&cfg.TLE2, "tle2", "", "TLE line 2 (overrides -orbit)")
	flag.Float64Var(&lat, "lat", 0, "Start latitude in degrees")
	flag.Float64Var(&lon, "lon", 0, "Start longitude in degrees")
	flag.Float64Var(&alt, "alt", 1000, "Start altitude in metres")
	flag.Float64Var(&east, "ve", 100, "East velocity in m/s")
	flag.Float64Var(&north, "vn", 0, "North velocity in m/s")
	flag.Float64Var(&up, "vu", 0, "Up velocity in m/s")
	flag.IntVar(&cfg.LocalID, "local-id", 1, "Record-format local platform ID")
	flag.StringVar(&cfg.CallSign, "call-sign", "GEN-1", "Record-format call sign")
	flag.StringVar(&cfg.PCAPPath, "pcap", "", "Also write sent datagrams to this pcap file")
	flag.Parse()

	cfg.Start = core.Geodetic{Lat: lat * math.Pi / 180, Lon: lon * math.Pi / 180, Alt: alt}
	cfg.Velocity = core.Vec3{X: east, Y: north, Z: up}
	if orbit && cfg.TLE1 == "" && cfg.TLE2 == "" {
		cfg.TLE1, cfg.TLE2 = issTLE1, issTLE2
	}

	// LOG_LEVEL, LOG_FORMAT and LOG_FILE configure logging.
	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cfg.Protocol {
	case "datagram":
		err = sendDatagrams(ctx, cfg, time.Now().UTC(), log)
	case "record":
		var lis net.Listener
		lis, err = net.Listen("tcp", cfg.Listen)
		if err == nil {
			log.Info(ctx, "serving record stream", logging.String("addr", lis.Addr().String()))
			err = serveRecords(ctx, lis, cfg, log)
		}
	default:
		err = fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error(context.Background(), "telemetry-gen failed", logging.Err(err))
		os.Exit(1)
	}
}

// step advances a TimeController from start and hands every position to
// emit. It stops at the configured duration, when ctx ends, or on the first
// emit error.
func step(ctx context.Context, cfg Config, start time.Time, emit func(time.Time, core.Geodetic) error) error {
	mode := timectrl.RealTime
	if cfg.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(start, cfg.Tick, mode)
	motion := core.NewMotionModel(cfg.TLE1, cfg.TLE2, cfg.Start, start, cfg.Velocity)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var emitErr error
	tc.AddListener(func(simTime time.Time) {
		if emitErr != nil {
			return
		}
		if err := emit(simTime, motion.PositionAt(simTime)); err != nil {
			emitErr = err
			cancel()
		}
	})
	tc.Run(runCtx, cfg.Duration)

	if emitErr != nil {
		return emitErr
	}
	return ctx.Err()
}

// datagramValues lays a position out as Datagram-Format tags: lat and lon
// in degrees, altitude in metres, attitude and velocity zero.
func datagramValues(pos core.Geodetic) []float64 {
	values := make([]float64, 9)
	values[model.TagLat] = pos.Lat * 180 / math.Pi
	values[model.TagLon] = pos.Lon * 180 / math.Pi
	values[model.TagAlt] = pos.Alt
	return values
}

func sendDatagrams(ctx context.Context, cfg Config, start time.Time, log logging.Logger) error {
	conn, err := net.Dial("udp", cfg.Target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Target, err)
	}
	defer conn.Close()

	var capture *transport.PCAPWriter
	if cfg.PCAPPath != "" {
		f, err := os.Create(cfg.PCAPPath)
		if err != nil {
			return fmt.Errorf("create capture: %w", err)
		}
		defer f.Close()
		if capture, err = transport.NewPCAPWriter(f); err != nil {
			return err
		}
	}
	srcPort := conn.LocalAddr().(*net.UDPAddr).Port
	dstPort := conn.RemoteAddr().(*net.UDPAddr).Port

	observer := core.GeodeticToECEF(cfg.Start)
	log.Info(ctx, "sending datagrams",
		logging.String("target", cfg.Target),
		logging.Any("tick", cfg.Tick),
		logging.Any("duration", cfg.Duration),
	)
	sent := 0
	err = step(ctx, cfg, start, func(simTime time.Time, pos core.Geodetic) error {
		payload := decode.EncodeDatagram(datagramValues(pos))
		if _, err := conn.Write(payload); err != nil {
			return fmt.Errorf("send datagram: %w", err)
		}
		if capture != nil {
			if err := capture.WriteDatagram(simTime, srcPort, dstPort, payload); err != nil {
				return err
			}
		}
		sent++
		log.Debug(ctx, "sample sent",
			logging.String("time", simTime.Format(time.RFC3339)),
			logging.Float("lat_deg", pos.Lat*180/math.Pi),
			logging.Float("lon_deg", pos.Lon*180/math.Pi),
			logging.Float("alt_m", pos.Alt),
			logging.Float("elevation_deg", core.ElevationDegrees(observer, core.GeodeticToECEF(pos))),
		)
		return nil
	})
	log.Info(ctx, "datagrams sent", logging.Int("count", sent))
	return err
}

// serveRecords streams a header followed by data records to every client
// that connects, until ctx ends.
func serveRecords(ctx context.Context, lis net.Listener, cfg Config, log logging.Logger) error {
	stop := context.AfterFunc(ctx, func() { _ = lis.Close() })
	defer stop()

	var g errgroup.Group
	defer func() { _ = g.Wait() }()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		log.Info(ctx, "record client connected", logging.String("remote", conn.RemoteAddr().String()))
		g.Go(func() error {
			defer conn.Close()
			closeOnDone := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer closeOnDone()
			err := streamRecords(ctx, conn, cfg, time.Now().UTC())
			if err != nil && ctx.Err() == nil {
				log.Info(ctx, "record client gone", logging.Err(err))
			}
			return nil
		})
	}
}

func streamRecords(ctx context.Context, w io.Writer, cfg Config, start time.Time) error {
	rw := transport.NewRecordWriter(w)
	header := decode.HeaderRecord{
		LocalID:  cfg.LocalID,
		CallSign: cfg.CallSign,
		Frame:    model.ReferenceFrame{Kind: model.CoordGeodetic, Units: model.Radians},
	}
	if err := rw.Write(header); err != nil {
		return err
	}
	return step(ctx, cfg, start, func(simTime time.Time, pos core.Geodetic) error {
		return rw.Write(decode.DataRecord{
			LocalID:  cfg.LocalID,
			Time:     float64(simTime.UnixNano()) / 1e9,
			Position: [3]float64{pos.Lat, pos.Lon, pos.Alt},
		})
	})
}
