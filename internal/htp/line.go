package htp

import "bytes"

// lineBuffer accumulates one protocol line across fed buffers. Storage never
// grows past limit plus the terminator; line bytes beyond limit are counted
// and discarded.
type lineBuffer struct {
	buf      []byte
	limit    int
	overflow int
}

func newLineBuffer(limit int) *lineBuffer {
	return &lineBuffer{buf: make([]byte, 0, limit+2), limit: limit}
}

// fill appends data up to and including the first LF. It returns the number
// of bytes consumed and whether a line terminator was found.
func (l *lineBuffer) fill(data []byte) (int, bool) {
	n, complete := len(data), false
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		n, complete = i+1, true
	}
	body, term := data[:n], []byte(nil)
	if complete {
		t := 1
		if n >= 2 && body[n-2] == '\r' {
			t = 2
		}
		body, term = body[:n-t], body[n-t:]
	}
	if room := max(l.limit-len(l.buf), 0); len(body) > room {
		l.overflow += len(body) - room
		body = body[:room]
	}
	l.buf = append(l.buf, body...)
	l.buf = append(l.buf, term...)
	return n, complete
}

// line returns the accumulated line without its terminator.
func (l *lineBuffer) line() []byte {
	b := l.buf
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
		if len(b) > 0 && b[len(b)-1] == '\r' {
			b = b[:len(b)-1]
		}
	}
	return b
}

// raw returns the stored bytes including the terminator.
func (l *lineBuffer) raw() []byte { return l.buf }

func (l *lineBuffer) empty() bool { return len(l.buf) == 0 && l.overflow == 0 }

func (l *lineBuffer) truncated() bool { return l.overflow > 0 }

// size is the length of the line as seen on the wire.
func (l *lineBuffer) size() int { return len(l.buf) + l.overflow }

func (l *lineBuffer) reset() {
	l.buf = l.buf[:0]
	l.overflow = 0
}

func (l *lineBuffer) release() {
	l.buf = nil
	l.overflow = 0
}
