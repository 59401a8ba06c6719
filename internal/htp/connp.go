// Package htp reconstructs HTTP transactions from the two byte streams of a
// TCP connection. Malformed and ambiguous traffic is parsed anyway; every
// deviation is recorded as a transaction flag and a connection log entry.
package htp

import (
	"fmt"
	"time"
)

// StreamStatus is the lifecycle state of one direction.
type StreamStatus int

const (
	StreamNew StreamStatus = iota
	StreamOpen
	StreamClosed
)

func (s StreamStatus) String() string {
	switch s {
	case StreamNew:
		return "new"
	case StreamOpen:
		return "open"
	case StreamClosed:
		return "closed"
	}
	return "unknown"
}

// ConnParser owns the parsing state of one connection. It is not safe for
// concurrent use; callers serialise all calls for a given parser.
type ConnParser struct {
	cfg  *Config
	conn *Connection

	inStatus  StreamStatus
	outStatus StreamStatus
	inEOF     bool
	outEOF    bool

	req *requestMachine
	res *responseMachine

	lastError *LogEntry
	userData  any
	now       time.Time
	destroyed bool
}

// NewConnParser creates a parser for a single connection.
func NewConnParser(cfg *Config) (*ConnParser, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrAllocationFailed)
	}
	if cfg.FieldLimitHard <= 0 {
		return nil, fmt.Errorf("%w: field limit %d", ErrAllocationFailed, cfg.FieldLimitHard)
	}
	p := &ConnParser{cfg: cfg, conn: &Connection{}}
	p.req = newRequestMachine(p, newLineBuffer(cfg.FieldLimitHard))
	p.res = newResponseMachine(p, newLineBuffer(cfg.FieldLimitHard))
	return p, nil
}

// Open records the connection endpoints and enables both directions.
func (p *ConnParser) Open(remoteAddr string, remotePort int, localAddr string, localPort int, ts time.Time) {
	if p == nil || p.destroyed {
		return
	}
	p.now = ts
	if p.inStatus != StreamNew || p.outStatus != StreamNew {
		p.logf(nil, LogError, CodeAlreadyOpen, "Connection is already open")
		return
	}
	if err := p.conn.Open(remoteAddr, remotePort, localAddr, localPort, ts); err != nil {
		p.logf(nil, LogError, CodeAlreadyOpen, "%v", err)
		return
	}
	p.inStatus = StreamOpen
	p.outStatus = StreamOpen
}

// Close closes the connection and signals the end of both directions,
// inbound first.
func (p *ConnParser) Close(ts time.Time) {
	if p == nil || p.destroyed {
		return
	}
	p.now = ts
	if p.inStatus == StreamNew && p.outStatus == StreamNew {
		p.logf(nil, LogError, CodeNotOpen, "Close called before the connection was opened")
		return
	}
	if p.inStatus == StreamClosed && p.outStatus == StreamClosed {
		p.logf(nil, LogWarning, CodeAlreadyClosed, "Connection is already closed")
		return
	}
	p.conn.Close(ts)
	p.inStatus = StreamClosed
	p.outStatus = StreamClosed
	p.FeedInbound(ts, nil)
	p.FeedOutbound(ts, nil)
}

// FeedInbound processes client to server data. Empty data marks the end of
// the direction.
func (p *ConnParser) FeedInbound(ts time.Time, data []byte) {
	if p == nil || p.destroyed {
		return
	}
	p.now = ts
	if p.inStatus == StreamNew {
		p.logf(nil, LogError, CodeNotOpen, "Inbound data received before the connection was opened")
		return
	}
	if p.inEOF {
		if len(data) > 0 {
			p.logf(nil, LogWarning, CodeStreamClosed, "Inbound data received after the stream was closed")
		}
		return
	}
	if len(data) == 0 {
		p.inEOF = true
		p.dispatch(p.req.process(ts, nil, true))
		return
	}
	p.conn.InBytes += int64(len(data))
	p.dispatch(p.req.process(ts, data, false))
}

// FeedOutbound processes server to client data. Empty data marks the end of
// the direction.
func (p *ConnParser) FeedOutbound(ts time.Time, data []byte) {
	if p == nil || p.destroyed {
		return
	}
	p.now = ts
	if p.outStatus == StreamNew {
		p.logf(nil, LogError, CodeNotOpen, "Outbound data received before the connection was opened")
		return
	}
	if p.outEOF {
		if len(data) > 0 {
			p.logf(nil, LogWarning, CodeStreamClosed, "Outbound data received after the stream was closed")
		}
		return
	}
	if len(data) == 0 {
		p.outEOF = true
		p.dispatch(p.res.process(ts, nil, true))
		p.req.responseEnded()
	} else {
		p.conn.OutBytes += int64(len(data))
		p.dispatch(p.res.process(ts, data, false))
	}
	if buf, eof, ok := p.req.takeResume(); ok {
		p.dispatch(p.req.process(ts, buf, eof))
	}
}

func (p *ConnParser) dispatch(events []Event) {
	for i := range events {
		ev := events[i]
		ev.Parser = p
		for _, fn := range p.cfg.hooks[ev.Kind] {
			fn(ev)
		}
	}
}

// ResetInbound clears the inbound transaction counters. The partial line
// and the outbound direction are left alone.
func (p *ConnParser) ResetInbound() {
	if p == nil || p.destroyed {
		return
	}
	p.req.reset()
}

// ResetOutbound clears the outbound transaction counters.
func (p *ConnParser) ResetOutbound() {
	if p == nil || p.destroyed {
		return
	}
	p.res.reset()
}

// Destroy releases the parser's buffers and decompressor. The connection
// record stays available through Conn.
func (p *ConnParser) Destroy() {
	if p == nil || p.destroyed {
		return
	}
	p.res.releaseDecoder()
	p.destroyed = true
	p.req.headers.pending = nil
	p.res.headers.pending = nil
	p.req.connectBuf = nil
	p.req.line.release()
	p.res.line.release()
}

// DestroyAll destroys the parser together with its connection record.
func (p *ConnParser) DestroyAll() {
	if p == nil {
		return
	}
	p.conn = nil
	p.Destroy()
}

func (p *ConnParser) Conn() *Connection { return p.conn }

func (p *ConnParser) Config() *Config { return p.cfg }

func (p *ConnParser) InStatus() StreamStatus  { return p.inStatus }
func (p *ConnParser) OutStatus() StreamStatus { return p.outStatus }

// LastError returns the most recent entry logged at warning level or above.
func (p *ConnParser) LastError() *LogEntry { return p.lastError }

func (p *ConnParser) ClearError() { p.lastError = nil }

func (p *ConnParser) UserData() any { return p.userData }

func (p *ConnParser) SetUserData(v any) { p.userData = v }

// contentLength interprets a Content-Length header. With several differing
// values the first one is used.
func (p *ConnParser) contentLength(tx *Transaction, hdr *Header) (int64, bool) {
	vals := hdr.Values()
	n, ok := parseContentLength(vals[0])
	if !ok {
		tx.Flags |= FlagInvalidContentLength
		p.logf(tx, LogWarning, CodeContentLengthInvalid, "Invalid Content-Length %q", hdr.Value)
		return -1, false
	}
	for _, v := range vals[1:] {
		if m, ok := parseContentLength(v); !ok || m != n {
			tx.Flags |= FlagRequestSmuggling
			p.logf(tx, LogWarning, CodeContentLengthConflict, "Conflicting Content-Length values %q", hdr.Value)
			break
		}
	}
	return n, true
}
