package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/model"
)

// ReplayOptions controls ReplayPCAP.
type ReplayOptions struct {
	// Realtime sleeps between packets to honour capture timestamps.
	Realtime bool
	Logger   logging.Logger
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets   int
	Delivered int
	Skipped   int
	Rejected  int
}

// ReplayPCAP reads a classic pcap capture and hands every UDP payload whose
// destination port is in ports to handler for the mapped site. Non-UDP
// packets and unmapped ports are skipped.
func ReplayPCAP(ctx context.Context, r io.Reader, ports map[int]model.SiteID, handler DatagramHandler, opts ReplayOptions) (ReplayStats, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	var stats ReplayStats

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("open pcap: %w", err)
	}
	linkType := reader.LinkType()

	var prev time.Time
	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		if opts.Realtime && !prev.IsZero() {
			if gap := ci.Timestamp.Sub(prev); gap > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		prev = ci.Timestamp

		packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			stats.Skipped++
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			stats.Skipped++
			continue
		}
		site, ok := ports[int(udp.DstPort)]
		if !ok || len(udp.Payload) == 0 {
			stats.Skipped++
			continue
		}

		if err := handler(ctx, site, udp.Payload); err != nil {
			stats.Rejected++
			log.Debug(ctx, "replayed datagram rejected", logging.Int("packet", stats.Packets), logging.Err(err))
			continue
		}
		stats.Delivered++
	}

	log.Info(ctx, "pcap replay complete",
		logging.Int("packets", stats.Packets),
		logging.Int("delivered", stats.Delivered),
		logging.Int("skipped", stats.Skipped),
		logging.Int("rejected", stats.Rejected),
	)
	return stats, nil
}

// PCAPWriter records datagrams as Ethernet/IPv4/UDP frames in a classic
// pcap file, so generated traffic can be replayed later.
type PCAPWriter struct {
	w     *pcapgo.Writer
	srcIP net.IP
	dstIP net.IP
}

const pcapSnapLen = 65536

// NewPCAPWriter writes the file header to w.
func NewPCAPWriter(w io.Writer) (*PCAPWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PCAPWriter{
		w:     pw,
		srcIP: net.IPv4(127, 0, 0, 1).To4(),
		dstIP: net.IPv4(127, 0, 0, 1).To4(),
	}, nil
}

// WriteDatagram appends one UDP datagram captured at ts.
func (p *PCAPWriter) WriteDatagram(ts time.Time, srcPort, dstPort int, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    p.srcIP,
		DstIP:    p.dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize datagram: %w", err)
	}
	frame := buf.Bytes()
	return p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}
