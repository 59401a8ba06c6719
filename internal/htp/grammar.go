package htp

import (
	"bytes"
	"net/url"
	"strings"
)

func isSpaceOrTab(r rune) bool { return r == ' ' || r == '\t' }

// splitRequestLine breaks METHOD SP URI SP PROTOCOL. Whitespace inside the
// URI is kept; the protocol is only recognised when the last token looks
// like one.
func splitRequestLine(line []byte) (method, uri, protocol string, ok bool) {
	line = trimOWS(line)
	i := bytes.IndexFunc(line, isSpaceOrTab)
	if i < 0 {
		return string(line), "", "", false
	}
	method = string(line[:i])
	rest := bytes.TrimLeft(line[i:], " \t")
	if len(rest) == 0 {
		return method, "", "", false
	}
	j := bytes.LastIndexFunc(rest, isSpaceOrTab)
	if j >= 0 && hasPrefixFold(rest[j+1:], "HTTP") {
		return method, string(bytes.TrimRight(rest[:j], " \t")), string(rest[j+1:]), true
	}
	return method, string(rest), "", true
}

// parseProtocol maps "HTTP/x.y" to a protocol number.
func parseProtocol(s string) int {
	if s == "" {
		return Protocol0_9
	}
	if len(s) != 8 || !strings.EqualFold(s[:5], "HTTP/") || s[6] != '.' {
		return ProtocolInvalid
	}
	major, minor := s[5], s[7]
	if !isDigit(major) || !isDigit(minor) {
		return ProtocolInvalid
	}
	if major == '0' && minor == '9' {
		return Protocol0_9
	}
	return int(major-'0')*100 + int(minor-'0')
}

// splitStatusLine breaks PROTOCOL SP STATUS SP MESSAGE.
func splitStatusLine(line []byte) (protocol, status, message string) {
	line = trimOWS(line)
	fields := bytes.FieldsFunc(line, isSpaceOrTab)
	if len(fields) == 0 {
		return "", "", ""
	}
	protocol = string(fields[0])
	rest := bytes.TrimLeft(line[len(fields[0]):], " \t")
	if i := bytes.IndexFunc(rest, isSpaceOrTab); i >= 0 {
		return protocol, string(rest[:i]), string(trimOWS(rest[i:]))
	}
	return protocol, string(rest), ""
}

// parseStatus returns the numeric status or -1 when it is not three digits
// in the 100-999 range.
func parseStatus(s string) int {
	if len(s) != 3 || !isDigit(s[0]) || !isDigit(s[1]) || !isDigit(s[2]) {
		return -1
	}
	n := int(s[0]-'0')*100 + int(s[1]-'0')*10 + int(s[2]-'0')
	if n < 100 {
		return -1
	}
	return n
}

// parseContentLength accepts digits surrounded by optional whitespace.
func parseContentLength(s string) (int64, bool) {
	s = strings.Trim(s, " \t")
	if s == "" {
		return -1, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return -1, false
		}
		if n > (1<<62)/10 {
			return -1, false
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n, true
}

// parseChunkSize reads a hex chunk size, reporting whether an extension
// followed it.
func parseChunkSize(line []byte) (size int64, ext bool, ok bool) {
	line = trimOWS(line)
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		ext = true
		line = trimOWS(line[:i])
	}
	if len(line) == 0 || len(line) > 15 {
		return -1, ext, false
	}
	for _, c := range line {
		v, valid := unhex(c)
		if !valid {
			return -1, ext, false
		}
		size = size<<4 | int64(v)
	}
	return size, ext, true
}

// splitCodings lowercases a comma separated coding list and drops empty
// items.
func splitCodings(v string) []string {
	var out []string
	for _, c := range strings.Split(v, ",") {
		c = strings.ToLower(strings.Trim(c, " \t"))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// uriHost extracts the host of an absolute URI, or "" for a path.
func uriHost(uri string) string {
	if !strings.Contains(uri, "://") {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// hostWithoutPort strips a trailing ":port" from a Host header value.
func hostWithoutPort(h string) string {
	h = strings.Trim(h, " \t")
	if strings.HasPrefix(h, "[") {
		if i := strings.IndexByte(h, ']'); i > 0 {
			return h[1:i]
		}
		return h
	}
	if i := strings.LastIndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}

func hasPrefixFold(b []byte, prefix string) bool {
	return len(b) >= len(prefix) && strings.EqualFold(string(b[:len(prefix)]), prefix)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
