package stream

import (
	"encoding/binary"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"
	"github.com/google/uuid"

	"htpsniff/internal/flow"
	"htpsniff/internal/htp"
)

type endpoint struct {
	ip   string
	port uint16
}

// conn is the state shared by the two directions of one TCP connection.
type conn struct {
	id     string
	key    flow.Key
	client endpoint
	server endpoint
	parser *htp.ConnParser

	opened   bool
	streams  [2]bool
	done     [2]bool
	closed   bool
	gaps     int
	lastSeen time.Time
}

const (
	dirInbound = iota
	dirOutbound
)

// streamFactory creates one halfStream per direction for the assembler.
type streamFactory struct {
	mgr *Manager
}

func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	src := endpoint{ip: netFlow.Src().String(), port: flowPort(tcpFlow.Src())}
	dst := endpoint{ip: netFlow.Dst().String(), port: flowPort(tcpFlow.Dst())}

	c := f.mgr.connFor(src, dst)
	dir := c.dirOf(src)
	c.streams[dir] = true
	return &halfStream{mgr: f.mgr, c: c, dir: dir}
}

func (c *conn) dirOf(src endpoint) int {
	if src == c.client {
		return dirInbound
	}
	return dirOutbound
}

func flowPort(e gopacket.Endpoint) uint16 {
	raw := e.Raw()
	if len(raw) != 2 {
		return 0
	}
	return binary.BigEndian.Uint16(raw)
}

// connFor returns the connection for the given endpoints, creating it and
// its parser for the first direction seen. A direction that already ended
// means the 4-tuple was reused, so the old connection is closed first.
func (m *Manager) connFor(src, dst endpoint) *conn {
	key := flow.MakeKey(src.ip, dst.ip, src.port, dst.port)
	if c, ok := m.conns[key]; ok {
		if !c.done[c.dirOf(src)] {
			return c
		}
		m.logger.Debug("connection reused", "conn", c.id, "client", c.client.ip, "server", c.server.ip)
		m.closeConn(c, false)
	}
	client, server := m.orient(src, dst)
	c := &conn{
		id:     uuid.NewString(),
		key:    key,
		client: client,
		server: server,
	}
	p, err := htp.NewConnParser(m.cfg)
	if err != nil {
		m.logger.Error("parser allocation failed", "conn", c.id, "error", err)
	} else {
		p.SetUserData(c)
		c.parser = p
		m.metrics.ActiveParsers.Inc()
	}
	m.conns[key] = c
	m.connCount.Add(1)
	m.metrics.Connections.WithLabelValues("new").Inc()
	return c
}

// orient decides which endpoint is the client. A captured handshake wins,
// then the configured server ports, then the sender of the first packet.
func (m *Manager) orient(src, dst endpoint) (client, server endpoint) {
	f, ok := m.tracker.Lookup(src.ip, dst.ip, src.port, dst.port)
	if ok && f.Handshake {
		return endpoint{f.SrcIP, f.SrcPort}, endpoint{f.DstIP, f.DstPort}
	}
	switch {
	case m.serverPorts[dst.port] && !m.serverPorts[src.port]:
		return src, dst
	case m.serverPorts[src.port] && !m.serverPorts[dst.port]:
		return dst, src
	case ok:
		return endpoint{f.SrcIP, f.SrcPort}, endpoint{f.DstIP, f.DstPort}
	}
	return src, dst
}

// halfStream is one direction of a connection.
type halfStream struct {
	mgr *Manager
	c   *conn
	dir int
}

func (s *halfStream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		s.mgr.deliver(s.c, s.dir, r)
	}
}

func (s *halfStream) ReassemblyComplete() {
	s.mgr.finish(s.c, s.dir)
}

func (m *Manager) deliver(c *conn, dir int, r tcpassembly.Reassembly) {
	if c.parser == nil || c.done[dir] {
		return
	}
	if r.Seen.After(c.lastSeen) {
		c.lastSeen = r.Seen
	}
	if !c.opened {
		c.opened = true
		c.parser.Open(c.client.ip, int(c.client.port), c.server.ip, int(c.server.port), r.Seen)
		m.metrics.Connections.WithLabelValues("opened").Inc()
	}
	if r.Skip != 0 {
		c.gaps++
		m.metrics.StreamGaps.Inc()
		m.logger.Debug("stream gap", "conn", c.id, "direction", dirName(dir), "skip", r.Skip)
	}
	if len(r.Bytes) == 0 {
		return
	}
	m.metrics.StreamBytes.WithLabelValues(dirName(dir)).Add(float64(len(r.Bytes)))
	if dir == dirInbound {
		c.parser.FeedInbound(r.Seen, r.Bytes)
	} else {
		c.parser.FeedOutbound(r.Seen, r.Bytes)
	}
}

// finish ends one direction. Once both ended, or the other direction never
// carried a packet, the connection is closed, reported and released.
func (m *Manager) finish(c *conn, dir int) {
	if c.done[dir] {
		return
	}
	c.done[dir] = true
	if c.parser != nil && c.opened {
		if dir == dirInbound {
			c.parser.FeedInbound(c.lastSeen, nil)
		} else {
			c.parser.FeedOutbound(c.lastSeen, nil)
		}
	}
	other := dirOutbound
	if dir == dirOutbound {
		other = dirInbound
	}
	if c.streams[other] && !c.done[other] {
		return
	}
	m.closeConn(c, true)
}

// closeConn closes the parser, reports the connection and releases it.
// forgetFlow also drops the tracker entry for the 4-tuple.
func (m *Manager) closeConn(c *conn, forgetFlow bool) {
	if c.closed {
		return
	}
	c.closed = true
	c.done = [2]bool{true, true}
	if m.conns[c.key] == c {
		delete(m.conns, c.key)
	}
	if forgetFlow {
		m.tracker.Remove(c.client.ip, c.server.ip, c.client.port, c.server.port)
	}
	m.metrics.Connections.WithLabelValues("closed").Inc()
	if c.parser == nil {
		return
	}
	m.metrics.ActiveParsers.Dec()
	if c.opened {
		c.parser.Close(c.lastSeen)
		info := connectionInfo(c)
		for _, a := range info.Anomalies {
			m.metrics.Anomalies.WithLabelValues(a.Code, a.Level).Inc()
		}
		if m.sink != nil {
			m.sink.ConnectionClosed(info)
		}
		m.logger.Debug("connection closed", "conn", c.id,
			"client", info.Client, "server", info.Server,
			"transactions", info.Transactions, "anomalies", len(info.Anomalies))
	}
	c.parser.Destroy()
}

func dirName(dir int) string {
	if dir == dirInbound {
		return "inbound"
	}
	return "outbound"
}
