// Package capture opens live and offline packet sources.
package capture

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

const (
	DefaultSnapLen = 65535
	DefaultTimeout = 100 * time.Millisecond
)

// Source is a stream of packets with a handle to release.
type Source interface {
	Packets() *gopacket.PacketSource
	Close()
}

// InterfaceInfo describes a network interface.
type InterfaceInfo struct {
	Name        string
	Description string
	Addresses   []string
}

// ListInterfaces returns all available capture interfaces.
func ListInterfaces() ([]InterfaceInfo, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	out := make([]InterfaceInfo, 0, len(devs))
	for _, d := range devs {
		info := InterfaceInfo{
			Name:        d.Name,
			Description: d.Description,
		}
		for _, addr := range d.Addresses {
			info.Addresses = append(info.Addresses, addr.IP.String())
		}
		out = append(out, info)
	}
	return out, nil
}

// LiveCapture manages a live packet capture session.
type LiveCapture struct {
	handle *pcap.Handle
	iface  string
}

// NewLiveCapture opens a live capture on the given interface. The filter
// defaults to TCP only since nothing else reaches the parsers.
func NewLiveCapture(iface, bpfFilter string, snapLen int) (*LiveCapture, error) {
	if snapLen <= 0 {
		snapLen = DefaultSnapLen
	}
	handle, err := pcap.OpenLive(iface, int32(snapLen), true, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("open live capture on %s: %w", iface, err)
	}
	if err := applyFilter(handle, bpfFilter); err != nil {
		handle.Close()
		return nil, err
	}
	return &LiveCapture{handle: handle, iface: iface}, nil
}

func (lc *LiveCapture) Packets() *gopacket.PacketSource {
	return packetSource(lc.handle)
}

func (lc *LiveCapture) Interface() string {
	return lc.iface
}

// Stats returns capture statistics.
func (lc *LiveCapture) Stats() (received, dropped int, err error) {
	stats, err := lc.handle.Stats()
	if err != nil {
		return 0, 0, err
	}
	return stats.PacketsReceived, stats.PacketsDropped, nil
}

// Close stops the capture.
func (lc *LiveCapture) Close() {
	if lc.handle != nil {
		lc.handle.Close()
	}
}

func applyFilter(handle *pcap.Handle, bpfFilter string) error {
	if bpfFilter == "" {
		bpfFilter = "tcp"
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		return fmt.Errorf("set BPF filter %q: %w", bpfFilter, err)
	}
	return nil
}

// packetSource decodes eagerly: packets are read on one goroutine and
// reassembled on another. ReadPacketData already returns a fresh buffer.
func packetSource(handle *pcap.Handle) *gopacket.PacketSource {
	src := gopacket.NewPacketSource(handle, handle.LinkType())
	src.DecodeOptions.NoCopy = true
	return src
}
