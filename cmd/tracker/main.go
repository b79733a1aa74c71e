package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/platform-tracker/internal/config"
	"github.com/signalsfoundry/platform-tracker/internal/decode"
	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/internal/observability"
	"github.com/signalsfoundry/platform-tracker/internal/render"
	"github.com/signalsfoundry/platform-tracker/internal/session"
	"github.com/signalsfoundry/platform-tracker/internal/transport"
	"github.com/signalsfoundry/platform-tracker/model"
)

// Config holds the daemon settings gathered from flags.
type Config struct {
	ScenarioPath   string
	GRPCAddress    string
	MetricsAddress string
	// ReplayPath replays a pcap capture instead of opening UDP listeners.
	ReplayPath     string
	ReplayRealtime bool
	UDPRcvBuf      int
	HealthInterval time.Duration
	LogLevel       string
	LogFormat      string
	LogFile        string
	// Tracing starts from TRACKER_TRACING_* and is overridden by flags.
	Tracing observability.TracingConfig

	// Sink overrides the logging render sink.
	Sink render.Sink
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.ScenarioPath, "scenario", "", "Path to a JSON scenario file (empty for no sources)")
	flag.StringVar(&cfg.GRPCAddress, "grpc-addr", ":50051", "TCP address for the gRPC health service")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.ReplayPath, "replay", "", "Replay datagrams from a pcap file instead of listening")
	flag.BoolVar(&cfg.ReplayRealtime, "replay-realtime", false, "Honour capture timestamps during replay")
	flag.IntVar(&cfg.UDPRcvBuf, "udp-rcvbuf", 1<<20, "UDP socket receive buffer in bytes")
	flag.DurationVar(&cfg.HealthInterval, "health-interval", time.Second, "Health status refresh interval")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", envOr("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogFile, "log-file", os.Getenv("LOG_FILE"), "Write logs to a rotating file instead of stderr")
	cfg.Tracing = observability.TracingConfigFromEnv()
	flag.BoolVar(&cfg.Tracing.Enabled, "tracing", cfg.Tracing.Enabled, "Export OpenTelemetry spans")
	flag.StringVar(&cfg.Tracing.Exporter, "trace-exporter", cfg.Tracing.Exporter, "Span exporter: stdout or otlp")
	flag.StringVar(&cfg.Tracing.Endpoint, "trace-endpoint", cfg.Tracing.Endpoint, "OTLP collector host:port")
	flag.StringVar(&cfg.Tracing.Sampler, "trace-sampler", cfg.Tracing.Sampler, "Sampler: ratio, always or never")
	flag.Float64Var(&cfg.Tracing.SampleRatio, "trace-sample-ratio", cfg.Tracing.SampleRatio, "Fraction of new traces sampled by the ratio sampler")
	flag.Parse()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, nil); err != nil {
		log.Error(context.Background(), "tracker exited", logging.Err(err))
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// run starts the session and its surfaces and blocks until ctx is done. If
// lis is nil the health service listens on cfg.GRPCAddress.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	scn := config.Default()
	if cfg.ScenarioPath != "" {
		loaded, err := config.Load(cfg.ScenarioPath)
		if err != nil {
			return err
		}
		scn = loaded
	}

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewTrackerCollector(reg)
	if err != nil {
		return fmt.Errorf("init tracker metrics: %w", err)
	}
	rpc, err := observability.NewRPCCollector(reg)
	if err != nil {
		return fmt.Errorf("init rpc metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddress, metrics, log)

	tracing := cfg.Tracing
	tracing.Deployment = deployment(scn, cfg.ReplayPath)
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	sink := cfg.Sink
	if sink == nil {
		sink = render.NewLogSink(log)
	}

	sources := make(map[model.SiteID]session.RecordSource)
	for _, src := range scn.Sources {
		if src.Protocol != config.ProtocolRecord {
			continue
		}
		sources[src.Site] = &transport.RecordStream{Addr: src.Endpoint(), Logger: log, Metrics: metrics}
	}

	sess, err := session.New(session.Config{
		Scenario:      scn,
		Sink:          sink,
		RecordSources: sources,
		Metrics:       metrics,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}

	if lis == nil {
		lis, err = net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			_ = sess.Stop(context.Background())
			return fmt.Errorf("listen for gRPC on %s: %w", cfg.GRPCAddress, err)
		}
	}
	server, hs := observability.NewHealthServer(rpc, log)
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()
	log.Info(ctx, "serving gRPC health", logging.String("addr", lis.Addr().String()))

	deliver := func(ctx context.Context, site model.SiteID, payload []byte) error {
		err := sess.DeliverDatagram(ctx, site, payload)
		if errors.Is(err, decode.ErrMalformedMessage) {
			// Already counted by the decoder.
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		observability.WatchLiveness(gctx, hs, sess.Running, cfg.HealthInterval)
		return nil
	})
	if cfg.ReplayPath != "" {
		g.Go(func() error {
			return replay(gctx, cfg, scn, deliver, log)
		})
	} else {
		for _, src := range scn.Sources {
			if src.Protocol != config.ProtocolDatagram {
				continue
			}
			l := transport.NewUDPListener(transport.UDPListenerConfig{
				Site:    src.Site,
				Address: src.Endpoint(),
				RcvBuf:  cfg.UDPRcvBuf,
				Handler: deliver,
				Logger:  log,
			})
			g.Go(func() error {
				if err := l.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("site %d: %w", src.Site, err)
				}
				return nil
			})
		}
	}

	<-gctx.Done()
	log.Info(ctx, "shutting down tracker")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Stop(stopCtx); err != nil {
		log.Warn(stopCtx, "session stop failed", logging.Err(err))
	}
	server.GracefulStop()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}

	err = g.Wait()
	if ctx.Err() != nil {
		// A signal or caller cancellation is a clean exit.
		return nil
	}
	return err
}

// deployment summarises the scenario for the trace resource.
func deployment(scn *config.Scenario, replayPath string) observability.Deployment {
	d := observability.Deployment{TickInterval: scn.TickInterval, ReplayPath: replayPath}
	for _, src := range scn.Sources {
		switch src.Protocol {
		case config.ProtocolDatagram:
			d.DatagramSites++
		case config.ProtocolRecord:
			d.RecordSites++
		}
	}
	return d
}

func replay(ctx context.Context, cfg Config, scn *config.Scenario, deliver transport.DatagramHandler, log logging.Logger) error {
	f, err := os.Open(cfg.ReplayPath)
	if err != nil {
		return fmt.Errorf("open replay: %w", err)
	}
	defer f.Close()

	ports := make(map[int]model.SiteID)
	for _, src := range scn.Sources {
		if src.Protocol == config.ProtocolDatagram && src.Port > 0 {
			ports[src.Port] = src.Site
		}
	}
	_, err = transport.ReplayPCAP(ctx, f, ports, deliver, transport.ReplayOptions{
		Realtime: cfg.ReplayRealtime,
		Logger:   log,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(addr string, collector *observability.TrackerCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
