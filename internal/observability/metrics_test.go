package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("grpc_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "grpc_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("grpc_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("grpc_requests_total error label = %v, want 1", got)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"":                             {"unknown", "unknown"},
		"Check":                        {"unknown", "unknown"},
		"/grpc.health.v1.Health/Watch": {"Health", "Watch"},
		"/svc/":                        {"svc", "unknown"},
	}
	for in, want := range cases {
		s, m := SplitMethod(in)
		if s != want[0] || m != want[1] {
			t.Fatalf("SplitMethod(%q) = %q,%q want %q,%q", in, s, m, want[0], want[1])
		}
	}
}

func TestTrackerCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("NewTrackerCollector: %v", err)
	}

	c.MessageDecoded("datagram", 10000)
	c.MessageDecoded("datagram", 10000)
	c.DecodeError("datagram", "malformed")
	c.OrphanUpdate(20000)
	c.SetRegistrySize(3, 42)
	c.ObserveTick(2 * time.Millisecond)
	c.SinkCommit("tick", nil)
	c.SinkCommit("add", errors.New("boom"))

	if got := testutil.ToFloat64(c.MessagesTotal.WithLabelValues("datagram", "10000")); got != 2 {
		t.Fatalf("tracker_messages_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.DecodeErrors.WithLabelValues("datagram", "malformed")); got != 1 {
		t.Fatalf("tracker_decode_errors_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.OrphanUpdates.WithLabelValues("20000")); got != 1 {
		t.Fatalf("tracker_orphan_updates_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Platforms); got != 3 {
		t.Fatalf("tracker_platforms = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.HistorySamples); got != 42 {
		t.Fatalf("tracker_history_samples = %v, want 42", got)
	}
	if got := testutil.ToFloat64(c.SinkCommits.WithLabelValues("add", "error")); got != 1 {
		t.Fatalf("tracker_sink_commits_total{add,error} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "tracker_tick_duration_seconds", nil); count != 1 {
		t.Fatalf("tracker_tick_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestTrackerCollectorReRegisterReturnsExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("NewTrackerCollector: %v", err)
	}
	second, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("second NewTrackerCollector: %v", err)
	}
	second.OrphanUpdate(1)
	if got := testutil.ToFloat64(first.OrphanUpdates.WithLabelValues("1")); got != 1 {
		t.Fatalf("collectors not shared: %v", got)
	}
}

func TestNilTrackerCollectorIsSafe(t *testing.T) {
	var c *TrackerCollector
	c.MessageDecoded("record", 1)
	c.DecodeError("record", "malformed")
	c.OrphanUpdate(1)
	c.SetRegistrySize(1, 1)
	c.ObserveTick(time.Millisecond)
	c.SinkCommit("tick", nil)
}

func TestMetricsHandlerExposesTrackerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("NewTrackerCollector: %v", err)
	}
	c.MessageDecoded("record", 20001)
	c.DecodeError("record", "malformed")
	c.OrphanUpdate(20001)
	c.SinkCommit("tick", nil)
	c.SetRegistrySize(7, 9)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"tracker_messages_total",
		"tracker_decode_errors_total",
		"tracker_orphan_updates_total",
		"tracker_platforms 7",
		"tracker_history_samples 9",
		"tracker_sink_commits_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
