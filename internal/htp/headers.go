package htp

import (
	"bytes"
	"strings"
)

// Header is one named field. Repeated occurrences of a name are merged into
// the first one.
type Header struct {
	Name   string
	Value  string
	Flags  HeaderFlags
	values []string
}

// Values returns every value seen for the header, in arrival order.
func (h *Header) Values() []string { return h.values }

// Headers is an ordered header table with case-insensitive lookup.
type Headers struct {
	list []*Header
}

func newHeaders() *Headers { return &Headers{} }

// Add stores a header. A name already present gets the value appended as
// "v1, v2" and is marked HeaderRepeated. The stored header is returned.
func (h *Headers) Add(name, value string, flags HeaderFlags) *Header {
	if existing, ok := h.Lookup(name); ok {
		existing.values = append(existing.values, value)
		existing.Value = existing.Value + ", " + value
		existing.Flags |= flags | HeaderRepeated
		return existing
	}
	hdr := &Header{Name: name, Value: value, Flags: flags, values: []string{value}}
	h.list = append(h.list, hdr)
	return hdr
}

// Lookup finds a header by name, ignoring ASCII case.
func (h *Headers) Lookup(name string) (*Header, bool) {
	if h == nil {
		return nil, false
	}
	for _, hdr := range h.list {
		if strings.EqualFold(hdr.Name, name) {
			return hdr, true
		}
	}
	return nil, false
}

// Get returns the value of the named header or "".
func (h *Headers) Get(name string) string {
	if hdr, ok := h.Lookup(name); ok {
		return hdr.Value
	}
	return ""
}

func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.list)
}

// All returns the headers in arrival order.
func (h *Headers) All() []*Header {
	if h == nil {
		return nil
	}
	return h.list
}

// pendingHeader is a header line that may still receive folded
// continuation lines.
type pendingHeader struct {
	name  []byte
	value []byte
	flags HeaderFlags
}

func (ph *pendingHeader) fold(cont []byte) {
	cont = trimOWS(cont)
	if len(ph.value) > 0 && len(cont) > 0 {
		ph.value = append(ph.value, ' ')
	}
	ph.value = append(ph.value, cont...)
	ph.flags |= HeaderFolded
}

// parseHeaderLine splits name ":" OWS value OWS. A line without a colon is
// kept whole as the name.
func parseHeaderLine(line []byte) *pendingHeader {
	ph := &pendingHeader{}
	if bytes.IndexByte(line, 0) >= 0 {
		ph.flags |= HeaderRawNUL
	}
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		ph.name = append([]byte(nil), trimOWS(line)...)
		ph.flags |= HeaderUnparseable
		return ph
	}
	name := line[:colon]
	if len(name) == 0 {
		ph.flags |= HeaderInvalid
	}
	if trimmed := bytes.TrimRight(name, " \t"); len(trimmed) != len(name) {
		ph.flags |= HeaderInvalid
		name = trimmed
	}
	for _, c := range name {
		if !isTokenChar(c) {
			ph.flags |= HeaderInvalid
			break
		}
	}
	ph.name = append([]byte(nil), name...)
	ph.value = append([]byte(nil), trimOWS(line[colon+1:])...)
	return ph
}

func isTokenChar(c byte) bool {
	if c <= ' ' || c >= 0x7f {
		return false
	}
	return !strings.ContainsRune("()<>@,;:\\\"/[]?={}", rune(c))
}

func isOWS(c byte) bool { return c == ' ' || c == '\t' }

func trimOWS(b []byte) []byte { return bytes.Trim(b, " \t") }
