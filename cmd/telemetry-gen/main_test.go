package main

import (
	"bytes"
	"context"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/platform-tracker/core"
	"github.com/signalsfoundry/platform-tracker/internal/decode"
	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/internal/transport"
	"github.com/signalsfoundry/platform-tracker/model"
)

var genStart = time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC)

func TestStepOrbitMoves(t *testing.T) {
	cfg := Config{
		Duration:    5 * time.Second,
		Tick:        time.Second,
		Accelerated: true,
		TLE1:        issTLE1,
		TLE2:        issTLE2,
	}

	var positions []core.Geodetic
	err := step(context.Background(), cfg, genStart, func(_ time.Time, pos core.Geodetic) error {
		positions = append(positions, pos)
		return nil
	})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(positions) != 5 {
		t.Fatalf("got %d positions, want 5", len(positions))
	}
	if positions[0] == positions[len(positions)-1] {
		t.Fatalf("expected satellite position to change over time, got %+v first == last", positions[0])
	}
	for i, p := range positions {
		// LEO altitude band.
		if p.Alt < 300e3 || p.Alt > 500e3 {
			t.Fatalf("position %d altitude %.0f m outside LEO band", i, p.Alt)
		}
	}
}

func TestSendDatagramsLinear(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer recv.Close()

	capture := filepath.Join(t.TempDir(), "gen.pcap")
	cfg := Config{
		Target:      recv.LocalAddr().String(),
		Duration:    3 * time.Second,
		Tick:        time.Second,
		Accelerated: true,
		Start:       core.Geodetic{Alt: 1000},
		Velocity:    core.Vec3{Y: 1000},
		PCAPPath:    capture,
	}
	if err := sendDatagrams(context.Background(), cfg, genStart, logging.Noop()); err != nil {
		t.Fatalf("sendDatagrams: %v", err)
	}

	buf := make([]byte, 1024)
	var lats []float64
	for i := 0; i < 3; i++ {
		_ = recv.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := recv.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read datagram %d: %v", i, err)
		}
		values, err := decode.ParseDatagram(buf[:n])
		if err != nil {
			t.Fatalf("ParseDatagram: %v", err)
		}
		lats = append(lats, values[model.TagLat])
	}
	for i := 1; i < len(lats); i++ {
		if lats[i] <= lats[i-1] {
			t.Fatalf("northbound platform latitude not increasing: %v", lats)
		}
	}
	// 1 km north is roughly 0.009 degrees.
	if math.Abs(lats[0]-0.009) > 0.001 {
		t.Fatalf("first latitude %.5f, want about 0.009", lats[0])
	}

	f, err := os.Open(capture)
	if err != nil {
		t.Fatalf("open capture: %v", err)
	}
	defer f.Close()
	port := recv.LocalAddr().(*net.UDPAddr).Port
	var replayed int
	stats, err := transport.ReplayPCAP(context.Background(), f, map[int]model.SiteID{port: 7},
		func(_ context.Context, site model.SiteID, payload []byte) error {
			if site != 7 {
				t.Fatalf("replayed to site %d, want 7", site)
			}
			replayed++
			return nil
		}, transport.ReplayOptions{})
	if err != nil {
		t.Fatalf("ReplayPCAP: %v", err)
	}
	if replayed != 3 || stats.Delivered != 3 {
		t.Fatalf("replayed %d datagrams (stats %+v), want 3", replayed, stats)
	}
}

func TestStreamRecordsHeaderThenData(t *testing.T) {
	cfg := Config{
		Duration:    2 * time.Second,
		Tick:        time.Second,
		Accelerated: true,
		Start:       core.Geodetic{Lat: 0.1, Lon: 0.2, Alt: 50},
		LocalID:     3,
		CallSign:    "GEN-3",
	}
	var buf bytes.Buffer
	if err := streamRecords(context.Background(), &buf, cfg, genStart); err != nil {
		t.Fatalf("streamRecords: %v", err)
	}

	rr := transport.NewRecordReader(&buf)
	first, err := rr.Next()
	if err != nil {
		t.Fatalf("Next header: %v", err)
	}
	header, ok := first.(decode.HeaderRecord)
	if !ok {
		t.Fatalf("first record is %T, want HeaderRecord", first)
	}
	if header.LocalID != 3 || header.CallSign != "GEN-3" || header.Frame.Kind != model.CoordGeodetic {
		t.Fatalf("unexpected header %+v", header)
	}

	for i := 0; i < 2; i++ {
		rec, err := rr.Next()
		if err != nil {
			t.Fatalf("Next data %d: %v", i, err)
		}
		data, ok := rec.(decode.DataRecord)
		if !ok {
			t.Fatalf("record %d is %T, want DataRecord", i, rec)
		}
		if data.Position != [3]float64{0.1, 0.2, 50} {
			t.Fatalf("static platform moved: %v", data.Position)
		}
		want := float64(genStart.Add(time.Duration(i+1)*time.Second).Unix())
		if data.Time != want {
			t.Fatalf("record %d time %.3f, want %.3f", i, data.Time, want)
		}
	}
}
