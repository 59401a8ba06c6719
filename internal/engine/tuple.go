package engine

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"htpsniff/internal/flow"
)

// tuple is the part of a TCP packet the flow tracker needs.
type tuple struct {
	srcIP, dstIP     string
	srcPort, dstPort uint16
	length           int
	flags            flow.TCPFlags
}

func extractTuple(pkt gopacket.Packet) (tuple, bool) {
	var t tuple
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		t.srcIP, t.dstIP = ip.SrcIP.String(), ip.DstIP.String()
	case *layers.IPv6:
		t.srcIP, t.dstIP = ip.SrcIP.String(), ip.DstIP.String()
	default:
		return t, false
	}
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return t, false
	}
	t.srcPort, t.dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	t.length = len(tcp.Payload)
	t.flags = flow.TCPFlags{SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST}
	return t, true
}
