package capture

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// PcapReader reads packets from a .pcap file.
type PcapReader struct {
	handle *pcap.Handle
	path   string
}

// NewPcapReader opens a pcap file for reading, optionally filtered.
func NewPcapReader(path, bpfFilter string) (*PcapReader, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap file %q: %w", path, err)
	}
	if err := applyFilter(handle, bpfFilter); err != nil {
		handle.Close()
		return nil, err
	}
	return &PcapReader{handle: handle, path: path}, nil
}

func (pr *PcapReader) Packets() *gopacket.PacketSource {
	return packetSource(pr.handle)
}

// LinkType returns the link layer type for the pcap file.
func (pr *PcapReader) LinkType() layers.LinkType {
	return pr.handle.LinkType()
}

func (pr *PcapReader) Path() string { return pr.path }

// Close releases the handle.
func (pr *PcapReader) Close() {
	if pr.handle != nil {
		pr.handle.Close()
	}
}
