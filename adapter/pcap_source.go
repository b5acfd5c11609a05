package adapter

import (
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/quietrtt/pping/domain"
)

// PacketSource wraps a gopacket capture handle (live interface or
// offline trace file) and yields domain.PacketInfo values, parsing
// the v4/v6 and TCP timestamp-option fields the correlation engine
// needs.
type PacketSource struct {
	handle *pcap.Handle
	source *gopacket.PacketSource
}

// OpenLive starts a live capture on ifaceName with the given BPF
// filter (already conjoined with the base "tcp" expression by the
// caller).
func OpenLive(ifaceName, filter string) (*PacketSource, error) {
	handle, err := pcap.OpenLive(ifaceName, snapLen, false, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("open interface %s: %w", ifaceName, err)
	}
	return newSource(handle, filter)
}

// OpenOffline replays a previously captured trace file.
func OpenOffline(path, filter string) (*PacketSource, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file %s: %w", path, err)
	}
	return newSource(handle, filter)
}

const snapLen = 262144

func newSource(handle *pcap.Handle, filter string) (*PacketSource, error) {
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("apply filter %q: %w", filter, err)
		}
	}
	return &PacketSource{
		handle: handle,
		source: gopacket.NewPacketSource(handle, handle.LinkType()),
	}, nil
}

// Close releases the underlying capture handle.
func (s *PacketSource) Close() {
	s.handle.Close()
}

// Next returns the next parsed packet. It returns (nil, nil, false)
// when the source is exhausted (offline trace EOF) and (nil, err,
// false) on a mid-stream capture error, so the caller can propagate it
// out of the packet loop and shut down cleanly.
func (s *PacketSource) Next() (*domain.PacketInfo, error, bool) {
	raw, err := s.source.NextPacket()
	if err == io.EOF {
		return nil, nil, false
	}
	if err != nil {
		return nil, err, false
	}
	return parsePacket(raw), nil, true
}

// parsePacket builds a domain.PacketInfo from a captured packet.
// Every packet is returned (never nil), so the engine can classify
// and count it; only the presence of TCP/IP layers and the timestamp
// option determine what usable data it carries.
func parsePacket(pkt gopacket.Packet) *domain.PacketInfo {
	meta := pkt.Metadata().CaptureInfo
	info := &domain.PacketInfo{
		CapSeconds:      meta.Timestamp.Unix(),
		CapMicroseconds: int64(meta.Timestamp.Nanosecond() / 1000),
		Size:            meta.Length,
	}

	if v4 := pkt.Layer(layers.LayerTypeIPv4); v4 != nil {
		ip := v4.(*layers.IPv4)
		info.IsIP = true
		info.SrcIP = ip.SrcIP
		info.DstIP = ip.DstIP
	} else if v6 := pkt.Layer(layers.LayerTypeIPv6); v6 != nil {
		ip := v6.(*layers.IPv6)
		info.IsIP = true
		info.SrcIP = ip.SrcIP
		info.DstIP = ip.DstIP
	}

	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return info
	}
	tcp := tcpLayer.(*layers.TCP)
	info.IsTCP = true
	info.SrcPort = uint16(tcp.SrcPort)
	info.DstPort = uint16(tcp.DstPort)
	info.SYN = tcp.SYN

	if tsval, ecr, ok := tcpTimestamp(tcp); ok {
		info.HasTimestamp = true
		info.TSval = tsval
		info.ECR = ecr
	}

	return info
}

// tcpTimestamp extracts the (TSval, TSecr) pair from the TCP
// timestamp option (kind 8, RFC 7323), if present.
func tcpTimestamp(tcp *layers.TCP) (tsval, ecr uint32, ok bool) {
	for _, opt := range tcp.Options {
		if opt.OptionType != layers.TCPOptionKindTimestamps {
			continue
		}
		if len(opt.OptionData) < 8 {
			return 0, 0, false
		}
		tsval = uint32(opt.OptionData[0])<<24 | uint32(opt.OptionData[1])<<16 |
			uint32(opt.OptionData[2])<<8 | uint32(opt.OptionData[3])
		ecr = uint32(opt.OptionData[4])<<24 | uint32(opt.OptionData[5])<<16 |
			uint32(opt.OptionData[6])<<8 | uint32(opt.OptionData[7])
		return tsval, ecr, true
	}
	return 0, 0, false
}
