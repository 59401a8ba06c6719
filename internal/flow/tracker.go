package flow

import (
	"fmt"
	"sync"
	"time"
)

// TCPState represents the state of a TCP connection.
type TCPState string

const (
	TCPStateNew         TCPState = "NEW"
	TCPStateSynSent     TCPState = "SYN_SENT"
	TCPStateSynReceived TCPState = "SYN_RECEIVED"
	TCPStateEstablished TCPState = "ESTABLISHED"
	TCPStateFinWait     TCPState = "FIN_WAIT"
	TCPStateClosed      TCPState = "CLOSED"
)

// Key is a normalized 4-tuple. Both directions map to the same key.
type Key struct {
	IP1   string
	IP2   string
	Port1 uint16
	Port2 uint16
}

func MakeKey(srcIP, dstIP string, srcPort, dstPort uint16) Key {
	// Normalize: smaller IP first; if IPs equal, smaller port first
	if srcIP < dstIP || (srcIP == dstIP && srcPort < dstPort) {
		return Key{IP1: srcIP, IP2: dstIP, Port1: srcPort, Port2: dstPort}
	}
	return Key{IP1: dstIP, IP2: srcIP, Port1: dstPort, Port2: srcPort}
}

// Flow holds statistics for a single TCP connection. Src is the side that
// opened the connection when the handshake was seen, otherwise the sender of
// the first packet.
type Flow struct {
	ID          uint64   `json:"id"`
	SrcIP       string   `json:"srcIp"`
	DstIP       string   `json:"dstIp"`
	SrcPort     uint16   `json:"srcPort"`
	DstPort     uint16   `json:"dstPort"`
	PacketCount int      `json:"packetCount"`
	ByteCount   int64    `json:"byteCount"`
	FirstSeen   int64    `json:"firstSeen"` // unix ms
	LastSeen    int64    `json:"lastSeen"`  // unix ms
	TCPState    TCPState `json:"tcpState"`
	Handshake   bool     `json:"handshake"`
	FwdPackets  int      `json:"fwdPackets"`
	FwdBytes    int64    `json:"fwdBytes"`
	RevPackets  int      `json:"revPackets"`
	RevBytes    int64    `json:"revBytes"`
}

// TCPFlags holds parsed TCP flag bits.
type TCPFlags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
}

// Tracker maintains the flow table.
type Tracker struct {
	mu       sync.Mutex
	flows    map[Key]*Flow
	nextID   uint64
	maxFlows int
	idleTime time.Duration
}

// NewTracker creates a new flow tracker.
func NewTracker() *Tracker {
	return &Tracker{
		flows:    make(map[Key]*Flow),
		maxFlows: 10000,
		idleTime: 5 * time.Minute,
	}
}

// Track records a TCP segment seen at ts and returns the flow it belongs to.
func (t *Tracker) Track(srcIP, dstIP string, srcPort, dstPort uint16, length int, flags TCPFlags, ts time.Time) *Flow {
	key := MakeKey(srcIP, dstIP, srcPort, dstPort)
	now := ts.UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Evict idle flows if at capacity
	if len(t.flows) >= t.maxFlows {
		t.evictIdle(now)
	}

	f, exists := t.flows[key]
	if !exists {
		t.nextID++
		f = &Flow{
			ID:        t.nextID,
			SrcIP:     srcIP,
			DstIP:     dstIP,
			SrcPort:   srcPort,
			DstPort:   dstPort,
			FirstSeen: now,
			TCPState:  TCPStateNew,
		}
		// A SYN-ACK is sent by the server, so its receiver opened the connection.
		if flags.SYN && flags.ACK {
			f.SrcIP, f.DstIP = dstIP, srcIP
			f.SrcPort, f.DstPort = dstPort, srcPort
			f.TCPState = TCPStateSynSent
		}
		f.Handshake = flags.SYN
		t.flows[key] = f
	}

	f.PacketCount++
	f.ByteCount += int64(length)
	f.LastSeen = now

	// Directional stats: "forward" = client to server
	if srcIP == f.SrcIP && srcPort == f.SrcPort {
		f.FwdPackets++
		f.FwdBytes += int64(length)
	} else {
		f.RevPackets++
		f.RevBytes += int64(length)
	}

	f.TCPState = advanceTCPState(f.TCPState, flags)
	return f
}

// Lookup returns a copy of the flow for the given endpoints.
func (t *Tracker) Lookup(srcIP, dstIP string, srcPort, dstPort uint16) (Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[MakeKey(srcIP, dstIP, srcPort, dstPort)]
	if !ok {
		return Flow{}, false
	}
	return *f, true
}

// Remove drops a flow once its connection has been fully processed.
func (t *Tracker) Remove(srcIP, dstIP string, srcPort, dstPort uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, MakeKey(srcIP, dstIP, srcPort, dstPort))
}

// GetFlows returns a snapshot of all active flows.
func (t *Tracker) GetFlows() []*Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]*Flow, 0, len(t.flows))
	for _, f := range t.flows {
		cp := *f
		result = append(result, &cp)
	}
	return result
}

// Reset clears all flows.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flows = make(map[Key]*Flow)
	t.nextID = 0
}

func (t *Tracker) evictIdle(nowMs int64) {
	cutoff := nowMs - t.idleTime.Milliseconds()
	for key, f := range t.flows {
		if f.LastSeen < cutoff {
			delete(t.flows, key)
		}
	}
}

func advanceTCPState(current TCPState, flags TCPFlags) TCPState {
	if flags.RST {
		return TCPStateClosed
	}

	switch current {
	case TCPStateNew:
		if flags.SYN && !flags.ACK {
			return TCPStateSynSent
		}
	case TCPStateSynSent:
		if flags.SYN && flags.ACK {
			return TCPStateSynReceived
		}
	case TCPStateSynReceived:
		if flags.ACK && !flags.SYN {
			return TCPStateEstablished
		}
	case TCPStateEstablished:
		if flags.FIN {
			return TCPStateFinWait
		}
	case TCPStateFinWait:
		if flags.FIN || flags.ACK {
			return TCPStateClosed
		}
	}
	return current
}

// String returns a human-readable description of the flow.
func (f *Flow) String() string {
	return fmt.Sprintf("Flow#%d %s:%d -> %s:%d [%s] pkts=%d bytes=%d",
		f.ID, f.SrcIP, f.SrcPort, f.DstIP, f.DstPort, f.TCPState, f.PacketCount, f.ByteCount)
}
