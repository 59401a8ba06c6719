package htp

import (
	"bytes"
	"time"
)

type resState int

const (
	resIdle resState = iota
	resLine
	resHeaders
	resBodyDetermine
	resBodyIdentity
	resBodyEOF
	resBodyChunkedLength
	resBodyChunkedData
	resBodyChunkedDataEnd
	resTrailers
	resTunnel
)

var resStateNames = [...]string{
	"idle", "line", "headers", "body_determine", "body_identity", "body_eof",
	"body_chunked_length", "body_chunked_data", "body_chunked_data_end",
	"trailers", "tunnel",
}

func (s resState) String() string { return resStateNames[s] }

// responseMachine parses the outbound (server to client) direction.
type responseMachine struct {
	p      *ConnParser
	state  resState
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

	leadingEmpty bool

	decoder    Decompressor
	decodedLen int64
	bombed     bool
}

func newResponseMachine(p *ConnParser, line *lineBuffer) *responseMachine {
	m := &responseMachine{p: p, line: line}
	m.reset()
	return m
}

func (m *responseMachine) reset() {
	m.contentLength = -1
	m.bodyLeft = -1
	m.headers.lineIndex = -1
	m.headers.counter = 0
	m.chunkRequestIndex = m.chunkCount
}

// process runs the machine over data and returns the events it produced.
// A true eof marks the end of the outbound direction.
func (m *responseMachine) process(ts time.Time, data []byte, eof bool) []Event {
	m.events.begin()
	m.ts = ts
	for {
		if m.state == resBodyDetermine {
			m.determineBody()
			continue
		}
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

func (m *responseMachine) consume(data []byte) int {
	switch m.state {
	case resIdle:
		m.begin()
		return 0
	case resLine, resHeaders, resBodyChunkedLength, resBodyChunkedDataEnd, resTrailers:
		n, complete := m.line.fill(data)
		if complete {
			m.handleLine()
		}
		return n
	case resBodyIdentity:
		if m.bodyLeft < 0 {
			m.state = resBodyEOF
			return 0
		}
		n := int(min(int64(len(data)), m.bodyLeft))
		m.deliver(data[:n])
		m.bodyLeft -= int64(n)
		if m.bodyLeft == 0 {
			m.complete(CompletionNormal)
		}
		return n
	case resBodyEOF:
		m.deliver(data)
		return len(data)
	case resBodyChunkedData:
		n := int(min(int64(len(data)), m.chunkLeft))
		m.deliver(data[:n])
		m.chunkLeft -= int64(n)
		if m.chunkLeft == 0 {
			m.state = resBodyChunkedDataEnd
		}
		return n
	case resTunnel:
		return len(data)
	}
	return len(data)
}

// begin matches the first byte of a response with the oldest transaction
// still waiting for one.
func (m *responseMachine) begin() {
	tx := m.p.conn.Transaction(m.txIndex)
	if tx == nil {
		tx = m.p.conn.newTransaction()
		tx.Flags |= FlagResponseWithoutRequest
		tx.RequestProgress = ProgressComplete
		m.p.logf(tx, LogWarning, CodeUnmatchedResponse, "Unable to match response to request")
	}
	m.txIndex = tx.Index + 1
	m.tx = tx
	m.reset()
	m.headers.reset()
	m.leadingEmpty = false
	tx.ResponseStart = m.ts
	tx.ResponseProgress = ProgressLine
	m.events.emit(EventResponseStart, tx, nil)

	if tx.ProtocolNumber == Protocol0_9 && tx.Flags&FlagResponseWithoutRequest == 0 {
		// Responses to HTTP/0.9 requests have no status line or headers.
		tx.ResponseProtocolNumber = Protocol0_9
		m.bodyUntilEOF()
		return
	}
	m.state = resLine
}

func (m *responseMachine) handleLine() {
	defer m.line.reset()
	tx := m.tx
	long := m.line.truncated()
	if long {
		tx.Flags |= FlagFieldLong
		m.p.logf(tx, LogError, CodeFieldTooLong, "Response field over the hard limit of %d bytes", m.p.cfg.FieldLimitHard)
	} else if m.line.size() > m.p.cfg.softLimit() {
		m.p.logf(tx, LogWarning, CodeFieldOverSoftLimit, "Response field over the soft limit of %d bytes", m.p.cfg.softLimit())
	}
	line := m.line.line()

	switch m.state {
	case resLine:
		m.statusLine(line, long)
	case resHeaders:
		if m.headers.feed(m.p, tx, tx.ResponseHeaders, line, long) {
			m.headersDone()
		}
	case resTrailers:
		if m.headers.feed(m.p, tx, tx.ResponseTrailers, line, long) {
			if tx.ResponseTrailers.Len() > 0 {
				m.events.emit(EventResponseTrailer, tx, nil)
			}
			m.complete(CompletionNormal)
		}
	case resBodyChunkedLength:
		m.chunkLength(line)
	case resBodyChunkedDataEnd:
		if len(line) == 0 {
			m.state = resBodyChunkedLength
			return
		}
		m.p.logf(tx, LogWarning, CodeChunkDataEndInvalid, "Response chunk data not followed by an empty line")
		m.state = resBodyChunkedLength
		m.chunkLength(line)
	}
}

func (m *responseMachine) statusLine(line []byte, long bool) {
	tx := m.tx
	if len(line) == 0 && !long {
		if !m.leadingEmpty {
			m.leadingEmpty = true
			m.p.logf(tx, LogNotice, CodeResponseLineLeadingEmpty, "Response line: leading empty line")
		}
		return
	}
	if !hasPrefixFold(line, "HTTP") {
		// No status line: treat everything as an HTTP/0.9 body.
		m.p.logf(tx, LogWarning, CodeResponseNoStatusLine, "Response line does not start with HTTP, treating as body")
		tx.ResponseProtocolNumber = Protocol0_9
		m.bodyUntilEOF()
		m.deliver(bytes.Clone(m.line.raw()))
		return
	}

	protocol, status, message := splitStatusLine(line)
	tx.ResponseLine = string(line)
	tx.ResponseProtocol = protocol
	tx.ResponseProtocolNumber = parseProtocol(protocol)
	tx.ResponseStatus = status
	tx.ResponseStatusNumber = parseStatus(status)
	tx.ResponseMessage = message
	if tx.ResponseProtocolNumber == ProtocolInvalid || tx.ResponseStatusNumber < 0 {
		tx.Flags |= FlagStatusLineInvalid
		m.p.logf(tx, LogWarning, CodeStatusLineInvalid, "Invalid response line %q", line)
	}
	m.events.emit(EventResponseLine, tx, nil)
	tx.ResponseProgress = ProgressHeaders
	m.state = resHeaders
}

func (m *responseMachine) headersDone() {
	tx := m.tx
	m.events.emit(EventResponseHeaders, tx, nil)

	status := tx.ResponseStatusNumber
	switch {
	case status >= 100 && status < 200 && status != 101:
		m.p.logf(tx, LogInfo, CodeInterimResponse, "Interim response %d, waiting for the final status", status)
		tx.ResponseHeaders = newHeaders()
		tx.ResponseProgress = ProgressLine
		m.headers.reset()
		m.leadingEmpty = false
		m.state = resLine
		return
	case status == 101, tx.isConnect() && status >= 200 && status < 300:
		m.p.logf(tx, LogInfo, CodeTunnel, "Tunnel established with status %d", status)
		tx.Flags |= FlagTunnel
		tx.ResponseTransferCoding = CodingNoBody
		if tx.isConnect() {
			m.p.req.resolveConnect(tx, true)
		} else {
			m.p.req.tunnel(tx, &m.events)
		}
		m.complete(CompletionNormal)
		m.state = resTunnel
		return
	case tx.isConnect():
		m.p.req.resolveConnect(tx, false)
	}
	m.state = resBodyDetermine
}

func (m *responseMachine) determineBody() {
	tx := m.tx
	status := tx.ResponseStatusNumber
	if tx.isHead() || (status >= 100 && status < 200) || status == 204 || status == 304 {
		tx.ResponseTransferCoding = CodingNoBody
		m.complete(CompletionNormal)
		return
	}

	codings := splitCodings(tx.ResponseHeaders.Get("content-encoding"))
	te, hasTE := tx.ResponseHeaders.Lookup("transfer-encoding")
	cl, hasCL := tx.ResponseHeaders.Lookup("content-length")
	if hasTE {
		tcodings := splitCodings(te.Value)
		chunked := len(tcodings) > 0 && tcodings[len(tcodings)-1] == "chunked"
		if chunked {
			tcodings = tcodings[:len(tcodings)-1]
		}
		codings = append(codings, tcodings...)
		if chunked {
			if hasCL {
				tx.Flags |= FlagRequestSmuggling
				m.p.logf(tx, LogWarning, CodeContentLengthWithChunked, "Response has both Content-Length and chunked Transfer-Encoding")
			}
			tx.ResponseContentEncoding = withoutIdentity(codings)
			tx.ResponseTransferCoding = CodingChunked
			tx.ResponseProgress = ProgressBody
			m.state = resBodyChunkedLength
			m.startDecoder()
			return
		}
		tx.Flags |= FlagInvalidTransferEncoding
		m.p.logf(tx, LogWarning, CodeTransferEncodingInvalid, "Response Transfer-Encoding %q is not chunked", te.Value)
	}
	tx.ResponseContentEncoding = withoutIdentity(codings)

	if hasCL {
		if n, ok := m.p.contentLength(tx, cl); ok {
			tx.ResponseContentLength = n
			m.contentLength = n
			if n == 0 {
				tx.ResponseTransferCoding = CodingNoBody
				m.complete(CompletionNormal)
				return
			}
			m.bodyLeft = n
			tx.ResponseTransferCoding = CodingIdentity
			tx.ResponseProgress = ProgressBody
			m.state = resBodyIdentity
			m.startDecoder()
			return
		}
	}
	m.bodyUntilEOF()
	m.startDecoder()
}

func (m *responseMachine) bodyUntilEOF() {
	m.tx.ResponseTransferCoding = CodingIdentity
	m.tx.ResponseProgress = ProgressBody
	m.state = resBodyEOF
}

func (m *responseMachine) chunkLength(line []byte) {
	tx := m.tx
	size, ext, ok := parseChunkSize(line)
	if ext {
		tx.Flags |= FlagChunkExtension
	}
	if !ok {
		m.p.logf(tx, LogWarning, CodeChunkLengthInvalid, "Response chunk encoding: invalid chunk length %q, reading until end of stream", line)
		m.state = resBodyEOF
		return
	}
	if size == 0 {
		m.headers.reset()
		tx.ResponseProgress = ProgressTrailer
		m.state = resTrailers
		return
	}
	m.chunkCount++
	m.chunkLeft = size
	m.state = resBodyChunkedData
}

// startDecoder creates the decompressor for the current body, if one is
// needed and available.
func (m *responseMachine) startDecoder() {
	tx := m.tx
	cfg := m.p.cfg
	if len(tx.ResponseContentEncoding) == 0 || !cfg.ResponseDecompression || cfg.NewDecompressor == nil {
		return
	}
	d, err := cfg.NewDecompressor(tx.ResponseContentEncoding, cfg.MaxDecompressedSize)
	if err != nil || d == nil {
		m.p.logf(tx, LogWarning, CodeUnknownContentEncoding, "Unknown response content encoding %v: %v", tx.ResponseContentEncoding, err)
		return
	}
	m.decoder = d
	m.decodedLen = 0
	m.bombed = false
}

func (m *responseMachine) deliver(data []byte) {
	if len(data) == 0 {
		return
	}
	m.tx.ResponseMessageLen += int64(len(data))
	if m.bombed {
		return
	}
	if m.decoder == nil {
		m.emit(data)
		return
	}
	out, err := m.decoder.Decompress(data)
	m.emitDecoded(out)
	if err != nil {
		m.decodeError(err)
	}
}

func (m *responseMachine) emit(data []byte) {
	m.tx.ResponseEntityLen += int64(len(data))
	m.events.emit(EventResponseBodyData, m.tx, data)
}

func (m *responseMachine) emitDecoded(out []byte) {
	if len(out) == 0 || m.bombed {
		return
	}
	limit := m.p.cfg.MaxDecompressedSize
	over := limit > 0 && m.decodedLen+int64(len(out)) > limit
	if over {
		out = out[:limit-m.decodedLen]
	}
	m.decodedLen += int64(len(out))
	if len(out) > 0 {
		m.emit(out)
	}
	if over {
		m.bomb(limit)
	}
}

func (m *responseMachine) bomb(limit int64) {
	m.bombed = true
	m.p.logf(m.tx, LogWarning, CodeDecompressionBomb, "Decompressed response body exceeds %d bytes", limit)
	m.releaseDecoder()
}

// decodeError handles an error from the decompressor. Output stopped at
// the configured limit counts as a bomb, anything else as a failure.
func (m *responseMachine) decodeError(err error) {
	if m.bombed || m.decoder == nil {
		return
	}
	if limit := m.p.cfg.MaxDecompressedSize; limit > 0 && m.decodedLen >= limit {
		m.bomb(limit)
		return
	}
	m.decodeFailed(err)
}

func (m *responseMachine) decodeFailed(err error) {
	m.tx.Flags |= FlagDecompressionFailed
	m.p.logf(m.tx, LogWarning, CodeDecompressionFailed, "Response body decompression failed: %v", err)
	m.releaseDecoder()
}

// finishBody drains and releases the decompressor at the end of a body.
func (m *responseMachine) finishBody() {
	if m.decoder != nil {
		if f, ok := m.decoder.(Flusher); ok {
			out, err := f.Flush()
			m.emitDecoded(out)
			if err != nil {
				m.decodeError(err)
			}
		}
		m.releaseDecoder()
	}
	m.bombed = false
}

func (m *responseMachine) releaseDecoder() {
	if m.decoder == nil {
		return
	}
	d := m.decoder
	m.decoder = nil
	if err := d.Release(); err != nil {
		m.p.logf(m.tx, LogDebug, CodeDecompressionFailed, "Releasing decompressor: %v", err)
	}
}

// complete finishes the current response and returns the machine to idle.
func (m *responseMachine) complete(c Completion) {
	tx := m.tx
	m.state = resIdle
	if tx == nil {
		return
	}
	m.finishBody()
	m.headers.pending = nil
	m.tx = nil
	tx.ResponseProgress = ProgressComplete
	tx.ResponseCompletion = c
	tx.ResponseEnd = m.ts
	m.events.emit(EventResponseComplete, tx, nil)
	m.events.completeTx(tx)
}

// finish handles the end of the outbound direction.
func (m *responseMachine) finish() {
	switch m.state {
	case resIdle, resTunnel:
		return
	case resLine, resHeaders, resBodyChunkedLength, resBodyChunkedDataEnd, resTrailers:
		if !m.line.empty() {
			m.handleLine()
			for m.state == resBodyDetermine {
				m.determineBody()
			}
		}
	}
	switch m.state {
	case resIdle, resTunnel:
		return
	case resBodyEOF:
		m.complete(CompletionClosedByEOF)
		return
	case resHeaders:
		m.headers.commit(m.p, m.tx, m.tx.ResponseHeaders)
	case resTrailers:
		m.headers.commit(m.p, m.tx, m.tx.ResponseTrailers)
	}
	m.p.logf(m.tx, LogWarning, CodeResponseIncomplete, "Response incomplete at end of stream (%s)", m.state)
	m.complete(CompletionTruncated)
}

func withoutIdentity(codings []string) []string {
	out := codings[:0:0]
	for _, c := range codings {
		if c != "identity" {
			out = append(out, c)
		}
	}
	return out
}
