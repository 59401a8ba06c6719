package htp

import (
	"strings"
	"time"
)

type reqState int

const (
	reqIdle reqState = iota
	reqLine
	reqHeaders
	reqBodyDetermine
	reqBodyIdentity
	reqBodyChunkedLength
	reqBodyChunkedData
	reqBodyChunkedDataEnd
	reqTrailers
	reqConnectWait
	reqTunnel
	reqFinalize
)

var reqStateNames = [...]string{
	"idle", "line", "headers", "body_determine", "body_identity",
	"body_chunked_length", "body_chunked_data", "body_chunked_data_end",
	"trailers", "connect_wait", "tunnel", "finalize",
}

func (s reqState) String() string { return reqStateNames[s] }

// requestMachine parses the inbound (client to server) direction.
type requestMachine struct {
	p      *ConnParser
	state  reqState
	line   *lineBuffer
	tx     *Transaction
	events eventLog
	ts     time.Time

	txIndex           int
	headers           headerBlock
	contentLength     int64
	bodyLeft          int64
	chunkLeft         int64
	chunkCount        int
	chunkRequestIndex int

	completion   Completion
	leadingEmpty bool

	connectTx     *Transaction
	connectBuf    []byte
	connectEOF    bool
	connectResume bool
	overflowed    bool
}

func newRequestMachine(p *ConnParser, line *lineBuffer) *requestMachine {
	m := &requestMachine{p: p, line: line, txIndex: -1}
	m.reset()
	return m
}

// reset puts the per-transaction counters back to their unknown values.
func (m *requestMachine) reset() {
	m.contentLength = -1
	m.bodyLeft = -1
	m.headers.lineIndex = -1
	m.headers.counter = 0
	m.chunkRequestIndex = m.chunkCount
}

// process runs the machine over data and returns the events it produced.
// A true eof marks the end of the inbound direction.
func (m *requestMachine) process(ts time.Time, data []byte, eof bool) []Event {
	m.events.begin()
	m.ts = ts
	for {
		m.settle()
		if len(data) == 0 {
			break
		}
		data = data[m.consume(data):]
	}
	if eof {
		m.finish()
	}
	return m.events.events
}

// settle runs the states that do not consume input.
func (m *requestMachine) settle() {
	for {
		switch m.state {
		case reqBodyDetermine:
			m.determineBody()
		case reqFinalize:
			m.complete(m.completion)
		default:
			return
		}
	}
}

func (m *requestMachine) consume(data []byte) int {
	switch m.state {
	case reqIdle:
		m.begin()
		return 0
	case reqLine, reqHeaders, reqBodyChunkedLength, reqBodyChunkedDataEnd, reqTrailers:
		n, complete := m.line.fill(data)
		if complete {
			m.handleLine()
		}
		return n
	case reqBodyIdentity:
		if m.bodyLeft < 0 {
			m.state = reqFinalize
			return 0
		}
		n := int(min(int64(len(data)), m.bodyLeft))
		m.deliver(data[:n])
		m.bodyLeft -= int64(n)
		if m.bodyLeft == 0 {
			m.state = reqFinalize
		}
		return n
	case reqBodyChunkedData:
		n := int(min(int64(len(data)), m.chunkLeft))
		m.deliver(data[:n])
		m.chunkLeft -= int64(n)
		if m.chunkLeft == 0 {
			m.state = reqBodyChunkedDataEnd
		}
		return n
	case reqConnectWait:
		m.buffer(data)
		return len(data)
	case reqTunnel:
		return len(data)
	}
	return len(data)
}

// begin starts a new transaction on the first byte of a request.
func (m *requestMachine) begin() {
	tx := m.p.conn.newTransaction()
	m.tx = tx
	m.txIndex = tx.Index
	m.reset()
	m.headers.reset()
	m.completion = CompletionNormal
	m.leadingEmpty = false
	tx.RequestStart = m.ts
	tx.RequestProgress = ProgressLine
	m.events.emit(EventRequestStart, tx, nil)
	m.state = reqLine
}

func (m *requestMachine) handleLine() {
	defer m.line.reset()
	tx := m.tx
	long := m.line.truncated()
	if long {
		tx.Flags |= FlagFieldLong
		m.p.logf(tx, LogError, CodeFieldTooLong, "Request field over the hard limit of %d bytes", m.p.cfg.FieldLimitHard)
	} else if m.line.size() > m.p.cfg.softLimit() {
		m.p.logf(tx, LogWarning, CodeFieldOverSoftLimit, "Request field over the soft limit of %d bytes", m.p.cfg.softLimit())
	}
	line := m.line.line()

	switch m.state {
	case reqLine:
		m.requestLine(line, long)
	case reqHeaders:
		if m.headers.feed(m.p, tx, tx.RequestHeaders, line, long) {
			m.headersDone()
		}
	case reqTrailers:
		if m.headers.feed(m.p, tx, tx.RequestTrailers, line, long) {
			if tx.RequestTrailers.Len() > 0 {
				m.events.emit(EventRequestTrailer, tx, nil)
			}
			m.state = reqFinalize
		}
	case reqBodyChunkedLength:
		m.chunkLength(line)
	case reqBodyChunkedDataEnd:
		if len(line) == 0 {
			m.state = reqBodyChunkedLength
			return
		}
		m.p.logf(tx, LogWarning, CodeChunkDataEndInvalid, "Request chunk data not followed by an empty line")
		m.state = reqBodyChunkedLength
		m.chunkLength(line)
	}
}

func (m *requestMachine) requestLine(line []byte, long bool) {
	tx := m.tx
	if len(line) == 0 && !long {
		if !m.leadingEmpty {
			m.leadingEmpty = true
			m.p.logf(tx, LogNotice, CodeRequestLineLeadingEmpty, "Request line: leading empty line")
		}
		return
	}

	method, uri, protocol, ok := splitRequestLine(line)
	tx.RequestLine = string(line)
	tx.Method = method
	tx.URI = uri
	tx.Protocol = protocol
	tx.ProtocolNumber = parseProtocol(protocol)
	if !ok {
		tx.Flags |= FlagRequestLineInvalid
		m.p.logf(tx, LogWarning, CodeRequestLineInvalid, "Request line: URI missing")
	}
	if tx.ProtocolNumber == ProtocolInvalid {
		tx.Flags |= FlagRequestLineInvalid
		m.p.logf(tx, LogWarning, CodeRequestLineInvalid, "Request line: invalid protocol %q", protocol)
	}
	m.events.emit(EventRequestLine, tx, nil)

	if protocol == "" {
		// HTTP/0.9 requests carry neither headers nor body.
		tx.RequestTransferCoding = CodingNoBody
		m.state = reqFinalize
		return
	}
	tx.RequestProgress = ProgressHeaders
	m.state = reqHeaders
}

func (m *requestMachine) headersDone() {
	tx := m.tx
	m.events.emit(EventRequestHeaders, tx, nil)

	host, hasHost := tx.RequestHeaders.Lookup("host")
	if !hasHost && tx.ProtocolNumber >= Protocol1_1 {
		tx.Flags |= FlagHostMissing
		m.p.logf(tx, LogWarning, CodeHostMissing, "Host information in request headers required by HTTP/1.1")
	}
	if hasHost {
		if h := uriHost(tx.URI); h != "" && !strings.EqualFold(h, hostWithoutPort(host.Value)) {
			tx.Flags |= FlagHostAmbiguous
			m.p.logf(tx, LogWarning, CodeHostAmbiguous, "Host information ambiguous: URI %q, header %q", h, host.Value)
		}
	}
	m.state = reqBodyDetermine
}

func (m *requestMachine) determineBody() {
	tx := m.tx
	if tx.isConnect() {
		m.connect(tx)
		return
	}

	te, hasTE := tx.RequestHeaders.Lookup("transfer-encoding")
	cl, hasCL := tx.RequestHeaders.Lookup("content-length")
	if hasTE {
		codings := splitCodings(te.Value)
		if len(codings) > 0 && codings[len(codings)-1] == "chunked" {
			if hasCL {
				tx.Flags |= FlagRequestSmuggling
				m.p.logf(tx, LogWarning, CodeContentLengthWithChunked, "Request has both Content-Length and chunked Transfer-Encoding")
			}
			tx.RequestTransferCoding = CodingChunked
			tx.RequestProgress = ProgressBody
			m.state = reqBodyChunkedLength
			return
		}
		tx.Flags |= FlagInvalidTransferEncoding
		tx.RequestTransferCoding = CodingInvalid
		m.p.logf(tx, LogWarning, CodeTransferEncodingInvalid, "Request Transfer-Encoding %q is not chunked", te.Value)
	}
	if hasCL {
		if n, ok := m.p.contentLength(tx, cl); ok {
			tx.RequestContentLength = n
			m.contentLength = n
			if n > 0 {
				m.bodyLeft = n
				tx.RequestTransferCoding = CodingIdentity
				tx.RequestProgress = ProgressBody
				m.state = reqBodyIdentity
				return
			}
		}
	}
	if tx.RequestTransferCoding == CodingUnknown {
		tx.RequestTransferCoding = CodingNoBody
	}
	m.state = reqFinalize
}

func (m *requestMachine) chunkLength(line []byte) {
	tx := m.tx
	size, ext, ok := parseChunkSize(line)
	if ext {
		tx.Flags |= FlagChunkExtension
	}
	if !ok {
		m.p.logf(tx, LogWarning, CodeChunkLengthInvalid, "Request chunk encoding: invalid chunk length %q", line)
		m.completion = CompletionTruncated
		m.state = reqFinalize
		return
	}
	if size == 0 {
		m.headers.reset()
		tx.RequestProgress = ProgressTrailer
		m.state = reqTrailers
		return
	}
	m.chunkCount++
	m.chunkLeft = size
	m.state = reqBodyChunkedData
}

func (m *requestMachine) deliver(data []byte) {
	if len(data) == 0 {
		return
	}
	m.tx.RequestMessageLen += int64(len(data))
	m.events.emit(EventRequestBodyData, m.tx, data)
}

// complete finishes the current request and returns the machine to idle.
func (m *requestMachine) complete(c Completion) {
	tx := m.tx
	m.state = reqIdle
	if tx == nil {
		return
	}
	m.headers.pending = nil
	m.tx = nil
	tx.RequestProgress = ProgressComplete
	tx.RequestCompletion = c
	tx.RequestEnd = m.ts
	m.events.emit(EventRequestComplete, tx, nil)
	m.events.completeTx(tx)
}

// connect completes a CONNECT request. Whatever the client sends next is
// held back until the response shows whether a tunnel was established.
func (m *requestMachine) connect(tx *Transaction) {
	tx.RequestTransferCoding = CodingNoBody
	m.complete(CompletionNormal)
	switch tx.connect {
	case connectTunnel:
		m.tunnel(tx, &m.events)
	case connectRefused:
	default:
		m.connectTx = tx
		m.connectBuf = nil
		m.connectEOF = false
		m.overflowed = false
		m.state = reqConnectWait
	}
}

func (m *requestMachine) buffer(data []byte) {
	room := m.p.cfg.MaxPendingBytes - len(m.connectBuf)
	if len(data) > room {
		if !m.overflowed {
			m.overflowed = true
			m.p.logf(m.connectTx, LogWarning, CodeConnectBufferOverflow, "Request data after CONNECT exceeds %d bytes", m.p.cfg.MaxPendingBytes)
		}
		data = data[:max(room, 0)]
	}
	m.connectBuf = append(m.connectBuf, data...)
}

// resolveConnect is called by the response side once the final status of a
// CONNECT transaction is known.
func (m *requestMachine) resolveConnect(tx *Transaction, established bool) {
	if tx.connect != connectPending {
		return
	}
	if established {
		tx.connect = connectTunnel
	} else {
		tx.connect = connectRefused
	}
	if m.state != reqConnectWait || m.connectTx != tx {
		return
	}
	if established {
		m.tunnel(tx, &m.events)
		return
	}
	m.state = reqIdle
	m.connectTx = nil
	m.connectResume = true
}

// responseEnded releases a CONNECT wait that will never see its response.
func (m *requestMachine) responseEnded() {
	if m.state == reqConnectWait && m.connectTx != nil {
		m.resolveConnect(m.connectTx, false)
	}
}

// takeResume returns the data held back during a refused CONNECT.
func (m *requestMachine) takeResume() ([]byte, bool, bool) {
	if !m.connectResume {
		return nil, false, false
	}
	m.connectResume = false
	buf := m.connectBuf
	m.connectBuf = nil
	return buf, m.connectEOF, true
}

// tunnel switches the inbound side to pass through. Events for a request
// cut short go to log, which belongs to the side that saw the tunnel open.
func (m *requestMachine) tunnel(tx *Transaction, log *eventLog) {
	if tx != nil {
		tx.Flags |= FlagTunnel
	}
	if m.tx != nil {
		m.cut(m.tx, log)
	}
	m.connectTx = nil
	m.connectBuf = nil
	m.state = reqTunnel
}

// cut ends a request interrupted by a tunnel. Without a request line the
// data was tunnel traffic and the transaction is dropped.
func (m *requestMachine) cut(tx *Transaction, log *eventLog) {
	m.tx = nil
	m.headers.pending = nil
	m.line.reset()
	if tx.RequestLine == "" && m.p.conn.dropLast(tx) {
		return
	}
	tx.Flags |= FlagTunnel
	m.p.logf(tx, LogWarning, CodeRequestIncomplete, "Request cut off by a tunnel (%s)", m.state)
	tx.RequestProgress = ProgressComplete
	tx.RequestCompletion = CompletionTruncated
	tx.RequestEnd = m.ts
	log.emit(EventRequestComplete, tx, nil)
	log.completeTx(tx)
}

// finish handles the end of the inbound direction.
func (m *requestMachine) finish() {
	switch m.state {
	case reqIdle, reqTunnel:
		return
	case reqConnectWait:
		m.connectEOF = true
		return
	case reqLine, reqHeaders, reqBodyChunkedLength, reqBodyChunkedDataEnd, reqTrailers:
		if !m.line.empty() {
			m.handleLine()
			m.settle()
		}
	}
	if m.state == reqLine && m.tx.RequestLine == "" && m.p.conn.dropLast(m.tx) {
		// Only empty lines since the last request.
		m.tx = nil
		m.state = reqIdle
		return
	}
	switch m.state {
	case reqIdle, reqTunnel:
		return
	case reqConnectWait:
		m.connectEOF = true
		return
	case reqHeaders:
		m.headers.commit(m.p, m.tx, m.tx.RequestHeaders)
	case reqTrailers:
		m.headers.commit(m.p, m.tx, m.tx.RequestTrailers)
	}
	m.p.logf(m.tx, LogWarning, CodeRequestIncomplete, "Request incomplete at end of stream (%s)", m.state)
	m.complete(CompletionTruncated)
}
