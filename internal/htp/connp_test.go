package htp

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	events []Event
}

func (r *recorder) hook(ev Event) {
	ev.Data = bytes.Clone(ev.Data)
	r.events = append(r.events, ev)
}

type kindAt struct {
	Kind EventKind
	Tx   int
}

// structure returns every event other than body data.
func (r *recorder) structure() []kindAt {
	var out []kindAt
	for _, ev := range r.events {
		if ev.Kind == EventRequestBodyData || ev.Kind == EventResponseBodyData {
			continue
		}
		out = append(out, kindAt{ev.Kind, ev.Tx.Index})
	}
	return out
}

func (r *recorder) body(tx int, kind EventKind) string {
	var b bytes.Buffer
	for _, ev := range r.events {
		if ev.Kind == kind && ev.Tx.Index == tx {
			b.Write(ev.Data)
		}
	}
	return b.String()
}

func newTestParser(t *testing.T, cfg *Config) (*ConnParser, *recorder) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rec := &recorder{}
	for k := EventKind(0); k < eventKindCount; k++ {
		cfg.RegisterHook(k, rec.hook)
	}
	p, err := NewConnParser(cfg)
	if err != nil {
		t.Fatalf("NewConnParser() error = %v", err)
	}
	p.Open("10.0.0.1", 40000, "10.0.0.2", 80, t0)
	return p, rec
}

func hasCode(c *Connection, code LogCode) bool {
	for _, e := range c.Messages {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestNewConnParser_AllocationFailure(t *testing.T) {
	if _, err := NewConnParser(nil); !errors.Is(err, ErrAllocationFailed) {
		t.Errorf("NewConnParser(nil) error = %v, want ErrAllocationFailed", err)
	}
	cfg := DefaultConfig()
	cfg.FieldLimitHard = 0
	p, err := NewConnParser(cfg)
	if !errors.Is(err, ErrAllocationFailed) {
		t.Errorf("NewConnParser() error = %v, want ErrAllocationFailed", err)
	}
	if p != nil {
		t.Error("NewConnParser() returned a parser alongside an error")
	}
}

func TestOpen_Twice(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.Open("192.168.1.1", 1, "192.168.1.2", 2, t0.Add(time.Second))

	c := p.Conn()
	if c.RemoteAddr != "10.0.0.1" || c.RemotePort != 40000 || c.LocalPort != 80 {
		t.Errorf("endpoints changed to %s:%d -> %s:%d", c.RemoteAddr, c.RemotePort, c.LocalAddr, c.LocalPort)
	}
	if !c.OpenTime.Equal(t0) {
		t.Errorf("OpenTime = %v, want %v", c.OpenTime, t0)
	}
	le := p.LastError()
	if le == nil || le.Code != CodeAlreadyOpen || le.Level != LogError {
		t.Fatalf("LastError() = %v, want already open error", le)
	}
	if p.InStatus() != StreamOpen || p.OutStatus() != StreamOpen {
		t.Errorf("statuses = %s/%s, want open/open", p.InStatus(), p.OutStatus())
	}
	p.ClearError()
	if p.LastError() != nil {
		t.Error("ClearError() did not clear the last error")
	}
}

func TestConnection_OpenReturnsErrAlreadyOpen(t *testing.T) {
	c := &Connection{}
	if err := c.Open("a", 1, "b", 2, t0); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := c.Open("c", 3, "d", 4, t0); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Open() error = %v, want ErrAlreadyOpen", err)
	}
}

func TestDestroy_NeverOpened(t *testing.T) {
	p, err := NewConnParser(DefaultConfig())
	if err != nil {
		t.Fatalf("NewConnParser() error = %v", err)
	}
	p.Destroy()
	p.Destroy()
	if n := len(p.Conn().Messages); n != 0 {
		t.Errorf("log has %d entries, want none", n)
	}
	if p.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", p.LastError())
	}
	p.DestroyAll()
	if p.Conn() != nil {
		t.Error("DestroyAll() kept the connection")
	}

	var nilParser *ConnParser
	nilParser.Destroy()
	nilParser.DestroyAll()
}

func TestFeed_BeforeOpenAndAfterClose(t *testing.T) {
	p, err := NewConnParser(DefaultConfig())
	if err != nil {
		t.Fatalf("NewConnParser() error = %v", err)
	}
	p.FeedInbound(t0, []byte("GET / HTTP/1.0\r\n\r\n"))
	if p.LastError() == nil || p.LastError().Code != CodeNotOpen {
		t.Fatalf("LastError() = %v, want not open", p.LastError())
	}
	if p.Conn().TransactionCount() != 0 {
		t.Error("data fed before open was parsed")
	}

	p.Open("a", 1, "b", 2, t0)
	p.Close(t0)
	p.FeedOutbound(t0, []byte("HTTP/1.0 200 OK\r\n\r\n"))
	if p.LastError().Code != CodeStreamClosed {
		t.Errorf("LastError() = %v, want stream closed", p.LastError())
	}
	p.Close(t0)
	if p.LastError().Code != CodeAlreadyClosed {
		t.Errorf("LastError() = %v, want already closed", p.LastError())
	}
}

func TestClose_BeforeOpen(t *testing.T) {
	p, err := NewConnParser(DefaultConfig())
	if err != nil {
		t.Fatalf("NewConnParser() error = %v", err)
	}
	p.Close(t0)
	if p.LastError() == nil || p.LastError().Code != CodeNotOpen {
		t.Fatalf("LastError() = %v, want not open", p.LastError())
	}
	if p.InStatus() != StreamNew || p.OutStatus() != StreamNew {
		t.Errorf("statuses = %s/%s, want new/new", p.InStatus(), p.OutStatus())
	}

	p.ClearError()
	p.Open("a", 1, "b", 2, t0)
	if p.LastError() != nil {
		t.Errorf("Open() after early Close: LastError() = %v", p.LastError())
	}
	if p.InStatus() != StreamOpen || !p.Conn().OpenTime.Equal(t0) {
		t.Errorf("InStatus() = %s, OpenTime = %v", p.InStatus(), p.Conn().OpenTime)
	}
}

func TestClose_ClampsTimestamp(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.Close(t0.Add(-time.Minute))
	if c := p.Conn(); !c.CloseTime.Equal(c.OpenTime) {
		t.Errorf("CloseTime = %v, want %v", c.CloseTime, c.OpenTime)
	}
	if p.InStatus() != StreamClosed || p.OutStatus() != StreamClosed {
		t.Errorf("statuses = %s/%s, want closed/closed", p.InStatus(), p.OutStatus())
	}
}

func TestFeed_SplitMidHeaderWithSmallLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FieldLimitHard = 64
	cfg.FieldLimitSoft = 64
	p, rec := newTestParser(t, cfg)

	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\nHo"))
	p.FeedInbound(t0, []byte("st: a\r\n\r\n"))

	c := p.Conn()
	if c.TransactionCount() != 1 {
		t.Fatalf("TransactionCount() = %d, want 1", c.TransactionCount())
	}
	tx := c.Transaction(0)
	if tx.RequestProgress != ProgressComplete {
		t.Errorf("RequestProgress = %s, want complete", tx.RequestProgress)
	}
	if got := tx.RequestHeaders.Get("Host"); got != "a" {
		t.Errorf("Host = %q, want %q", got, "a")
	}
	if tx.Method != "GET" || tx.URI != "/" || tx.ProtocolNumber != Protocol1_1 {
		t.Errorf("request line = %q %q %d", tx.Method, tx.URI, tx.ProtocolNumber)
	}
	if tx.Flags != 0 {
		t.Errorf("Flags = %s, want none", tx.Flags)
	}
	want := []kindAt{
		{EventRequestStart, 0}, {EventRequestLine, 0}, {EventRequestHeaders, 0}, {EventRequestComplete, 0},
	}
	if got := rec.structure(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestFeed_ZeroContentLengthResponse(t *testing.T) {
	p, rec := newTestParser(t, nil)
	p.FeedOutbound(t0, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))

	tx := p.Conn().Transaction(0)
	if tx == nil {
		t.Fatal("no transaction for the response")
	}
	if tx.ResponseProgress != ProgressComplete || tx.ResponseCompletion != CompletionNormal {
		t.Errorf("response = %s/%s, want complete/normal", tx.ResponseProgress, tx.ResponseCompletion)
	}
	if !tx.Flags.Has(FlagResponseWithoutRequest) {
		t.Errorf("Flags = %s, want response_without_request", tx.Flags)
	}
	if tx.ResponseEntityLen != 0 || tx.ResponseContentLength != 0 {
		t.Errorf("body lengths = %d/%d, want 0/0", tx.ResponseEntityLen, tx.ResponseContentLength)
	}
	want := []kindAt{
		{EventResponseStart, 0}, {EventResponseLine, 0}, {EventResponseHeaders, 0},
		{EventResponseComplete, 0}, {EventTransactionComplete, 0},
	}
	if got := rec.structure(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestFeed_TrailingEmptyLineAfterBody(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 1\r\n\r\nx\r\n"))
	p.FeedOutbound(t0, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	p.Close(t0)

	if n := p.Conn().TransactionCount(); n != 1 {
		t.Fatalf("TransactionCount() = %d, want 1", n)
	}
	if tx := p.Conn().Transaction(0); !tx.IsComplete() || tx.RequestCompletion != CompletionNormal {
		t.Errorf("tx 0 complete = %v, request completion = %s", tx.IsComplete(), tx.RequestCompletion)
	}
	if hasCode(p.Conn(), CodeRequestIncomplete) || p.LastError() != nil {
		t.Errorf("LastError() = %v, want none", p.LastError())
	}

	p, _ = newTestParser(t, nil)
	p.FeedInbound(t0, []byte("\r\nGET / HTTP/1.1\r\nHost: a\r\n"))
	p.Close(t0)
	tx := p.Conn().Transaction(0)
	if tx == nil || tx.RequestCompletion != CompletionTruncated {
		t.Fatalf("request cut in the headers: tx = %+v", tx)
	}
	if !hasCode(p.Conn(), CodeRequestIncomplete) {
		t.Error("request cut in the headers not logged as incomplete")
	}
}

const (
	pipelinedRequests = "POST /upload HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5;ext=1\r\nhello\r\n6\r\n world\r\n0\r\nX-Trailer: yes\r\n\r\n" +
		"GET /next HTTP/1.1\r\nHost: example.com\r\n\r\n"
	pipelinedResponses = "HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nfirst" +
		"HTTP/1.1 404 Not Found\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"
)

func runExchange(t *testing.T, chunk int) (*ConnParser, *recorder) {
	t.Helper()
	p, rec := newTestParser(t, nil)
	feed := func(data string, fn func(time.Time, []byte)) {
		b := []byte(data)
		if chunk <= 0 {
			fn(t0, b)
			return
		}
		for len(b) > 0 {
			n := min(chunk, len(b))
			fn(t0, b[:n])
			b = b[n:]
		}
	}
	feed(pipelinedRequests, p.FeedInbound)
	feed(pipelinedResponses, p.FeedOutbound)
	p.Close(t0.Add(time.Second))
	return p, rec
}

func TestFeed_FragmentationInvariance(t *testing.T) {
	whole, wholeRec := runExchange(t, 0)

	want := []kindAt{
		{EventRequestStart, 0}, {EventRequestLine, 0}, {EventRequestHeaders, 0},
		{EventRequestTrailer, 0}, {EventRequestComplete, 0},
		{EventRequestStart, 1}, {EventRequestLine, 1}, {EventRequestHeaders, 1}, {EventRequestComplete, 1},
		{EventResponseStart, 0}, {EventResponseLine, 0}, {EventResponseHeaders, 0},
		{EventResponseLine, 0}, {EventResponseHeaders, 0}, {EventResponseComplete, 0}, {EventTransactionComplete, 0},
		{EventResponseStart, 1}, {EventResponseLine, 1}, {EventResponseHeaders, 1},
		{EventResponseComplete, 1}, {EventTransactionComplete, 1},
	}
	if got := wholeRec.structure(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v\nwant %v", got, want)
	}
	if got := wholeRec.body(0, EventRequestBodyData); got != "hello world" {
		t.Errorf("request body = %q", got)
	}
	if got := wholeRec.body(0, EventResponseBodyData); got != "first" {
		t.Errorf("response body 0 = %q", got)
	}
	if got := wholeRec.body(1, EventResponseBodyData); got != "abc" {
		t.Errorf("response body 1 = %q", got)
	}
	tx0 := whole.Conn().Transaction(0)
	if !tx0.Flags.Has(FlagChunkExtension) {
		t.Errorf("Flags = %s, want chunk_extension", tx0.Flags)
	}
	if got := tx0.RequestTrailers.Get("x-trailer"); got != "yes" {
		t.Errorf("trailer = %q, want yes", got)
	}
	if tx0.ResponseStatusNumber != 200 {
		t.Errorf("final status = %d, want 200", tx0.ResponseStatusNumber)
	}

	for _, chunk := range []int{1, 2, 7, 13} {
		split, rec := runExchange(t, chunk)
		if got := rec.structure(); !reflect.DeepEqual(got, want) {
			t.Errorf("chunk %d: events = %v", chunk, got)
		}
		for tx := 0; tx < 2; tx++ {
			for _, kind := range []EventKind{EventRequestBodyData, EventResponseBodyData} {
				if got, exp := rec.body(tx, kind), wholeRec.body(tx, kind); got != exp {
					t.Errorf("chunk %d: tx %d %s = %q, want %q", chunk, tx, kind, got, exp)
				}
			}
		}
		for i, tx := range split.Conn().Transactions {
			if wtx := whole.Conn().Transaction(i); tx.Flags != wtx.Flags {
				t.Errorf("chunk %d: tx %d flags = %s, want %s", chunk, i, tx.Flags, wtx.Flags)
			}
		}
	}
}

func TestFeed_OverlongHeaderLine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FieldLimitHard = 32
	cfg.FieldLimitSoft = 32
	p, _ := newTestParser(t, cfg)

	long := "X-Long: " + string(bytes.Repeat([]byte("a"), 100))
	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\n"+long+"\r\nHost: b\r\n\r\n"))

	tx := p.Conn().Transaction(0)
	if !tx.Flags.Has(FlagFieldLong) {
		t.Errorf("Flags = %s, want field_long", tx.Flags)
	}
	if !hasCode(p.Conn(), CodeFieldTooLong) {
		t.Error("no field too long entry logged")
	}
	if got := tx.RequestHeaders.Get("host"); got != "b" {
		t.Errorf("Host = %q, want b", got)
	}
	hdr, ok := tx.RequestHeaders.Lookup("x-long")
	if !ok || hdr.Flags&HeaderLong == 0 {
		t.Fatalf("X-Long = %+v, want a header flagged long", hdr)
	}
	if len(hdr.Name)+len(": ")+len(hdr.Value) != 32 {
		t.Errorf("X-Long not truncated to the limit: %q", hdr.Value)
	}
	if tx.RequestProgress != ProgressComplete {
		t.Errorf("RequestProgress = %s, want complete", tx.RequestProgress)
	}
}

func TestFeed_LineAtHardLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FieldLimitHard = 16
	cfg.FieldLimitSoft = 16

	p, _ := newTestParser(t, cfg)
	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\nHost: 123456789\r\n\r\n"))
	tx := p.Conn().Transaction(0)
	if tx.Flags.Has(FlagFieldLong) {
		t.Errorf("Flags = %s, line of limit-1 bytes flagged long", tx.Flags)
	}
	if got := tx.RequestHeaders.Get("host"); got != "123456789" {
		t.Errorf("Host = %q, want 123456789", got)
	}

	p, _ = newTestParser(t, cfg)
	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\nHost: 1234567890ab\r"))
	p.FeedInbound(t0, []byte("\n\r\n"))
	tx = p.Conn().Transaction(0)
	if !tx.Flags.Has(FlagFieldLong) {
		t.Errorf("Flags = %s, want field_long", tx.Flags)
	}
	if got := tx.RequestHeaders.Get("host"); got != "1234567890" {
		t.Errorf("Host = %q, want the value cut at the limit", got)
	}
}

func TestFeed_SoftLimitAndMaxHeaders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FieldLimitSoft = 20
	cfg.MaxHeaders = 2
	p, _ := newTestParser(t, cfg)
	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\nHost: a\r\nUser-Agent: a-rather-long-agent\r\nAccept: */*\r\n\r\n"))

	tx := p.Conn().Transaction(0)
	if !hasCode(p.Conn(), CodeFieldOverSoftLimit) {
		t.Error("no soft limit warning logged")
	}
	if tx.Flags.Has(FlagFieldLong) {
		t.Error("soft limit excess flagged as a long field")
	}
	if !hasCode(p.Conn(), CodeTooManyHeaders) {
		t.Error("no too many headers entry logged")
	}
	if tx.RequestHeaders.Len() != 2 || tx.RequestHeaders.Get("accept") != "" {
		t.Errorf("headers = %d, accept = %q; want the third header dropped", tx.RequestHeaders.Len(), tx.RequestHeaders.Get("accept"))
	}
}

func TestReset_TouchesOneDirection(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\n\r\nab"))
	p.FeedOutbound(t0, []byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nxy"))

	if p.req.bodyLeft != 3 || p.res.bodyLeft != 8 {
		t.Fatalf("bodyLeft = %d/%d, want 3/8", p.req.bodyLeft, p.res.bodyLeft)
	}
	p.ResetInbound()
	if p.req.contentLength != -1 || p.req.bodyLeft != -1 {
		t.Errorf("inbound lengths = %d/%d, want -1/-1", p.req.contentLength, p.req.bodyLeft)
	}
	if p.req.headers.lineIndex != -1 || p.req.headers.counter != 0 {
		t.Errorf("inbound header counters = %d/%d, want -1/0", p.req.headers.lineIndex, p.req.headers.counter)
	}
	if p.req.chunkRequestIndex != p.req.chunkCount {
		t.Errorf("chunkRequestIndex = %d, want %d", p.req.chunkRequestIndex, p.req.chunkCount)
	}
	if p.res.contentLength != 10 || p.res.bodyLeft != 8 {
		t.Errorf("outbound lengths = %d/%d, want 10/8", p.res.contentLength, p.res.bodyLeft)
	}
}

func TestReset_KeepsPartialLine(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("GET / HT"))
	p.ResetInbound()
	p.FeedInbound(t0, []byte("TP/1.1\r\nHost: a\r\n\r\n"))

	tx := p.Conn().Transaction(0)
	if tx.Protocol != "HTTP/1.1" || tx.RequestProgress != ProgressComplete {
		t.Errorf("protocol = %q, progress = %s", tx.Protocol, tx.RequestProgress)
	}
}

func TestFeed_HeaderFolding(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\nHost: a\r\nX-Fold: one\r\n\ttwo\r\n\r\n"))
	tx := p.Conn().Transaction(0)
	if got := tx.RequestHeaders.Get("x-fold"); got != "one two" {
		t.Errorf("X-Fold = %q, want %q", got, "one two")
	}
	if !tx.Flags.Has(FlagFieldFolded) || tx.Flags.Has(FlagInvalidFolding) {
		t.Errorf("Flags = %s", tx.Flags)
	}

	p, _ = newTestParser(t, nil)
	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\n Host: a\r\n\r\n"))
	tx = p.Conn().Transaction(0)
	if !tx.Flags.Has(FlagInvalidFolding) {
		t.Errorf("Flags = %s, want invalid_folding", tx.Flags)
	}
	if got := tx.RequestHeaders.Get("host"); got != "a" {
		t.Errorf("Host = %q, want a", got)
	}
}

func TestFeed_MalformedHeaders(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\nHost: a\r\nno colon here\r\nBad Name : v\r\nX-Nul: a\x00b\r\n\r\n"))
	tx := p.Conn().Transaction(0)

	for _, f := range []Flags{FlagFieldUnparseable, FlagFieldInvalid, FlagFieldRawNUL} {
		if !tx.Flags.Has(f) {
			t.Errorf("Flags = %s, missing %s", tx.Flags, f)
		}
	}
	if _, ok := tx.RequestHeaders.Lookup("no colon here"); !ok {
		t.Error("unparseable line not stored under its own text")
	}
	if got := tx.RequestHeaders.Get("Bad Name"); got != "v" {
		t.Errorf("Bad Name = %q, want v", got)
	}
	if tx.RequestProgress != ProgressComplete {
		t.Errorf("RequestProgress = %s, want complete", tx.RequestProgress)
	}
}

func TestFeed_BodyFraming(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		body     string
		flags    Flags
		coding   TransferCoding
		code     LogCode
		complete bool
	}{
		{
			name:     "content length",
			request:  "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\n\r\nbody",
			body:     "body",
			coding:   CodingIdentity,
			complete: true,
		},
		{
			name:     "chunked with content length",
			request:  "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n1\r\nx\r\n0\r\n\r\n",
			body:     "x",
			flags:    FlagRequestSmuggling,
			coding:   CodingChunked,
			code:     CodeContentLengthWithChunked,
			complete: true,
		},
		{
			name:     "conflicting content lengths",
			request:  "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 2\r\nContent-Length: 4\r\n\r\nab",
			body:     "ab",
			flags:    FlagRequestSmuggling | FlagFieldRepeated,
			coding:   CodingIdentity,
			code:     CodeContentLengthConflict,
			complete: true,
		},
		{
			name:     "invalid content length",
			request:  "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 1x\r\n\r\n",
			flags:    FlagInvalidContentLength,
			coding:   CodingNoBody,
			code:     CodeContentLengthInvalid,
			complete: true,
		},
		{
			name:     "transfer encoding not chunked",
			request:  "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: gzip\r\n\r\n",
			flags:    FlagInvalidTransferEncoding,
			coding:   CodingInvalid,
			code:     CodeTransferEncodingInvalid,
			complete: true,
		},
		{
			name:     "invalid chunk length",
			request:  "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n",
			coding:   CodingChunked,
			code:     CodeChunkLengthInvalid,
			complete: true,
		},
		{
			name:    "truncated body",
			request: "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 10\r\n\r\nabc",
			body:    "abc",
			coding:  CodingIdentity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, rec := newTestParser(t, nil)
			p.FeedInbound(t0, []byte(tt.request))
			tx := p.Conn().Transaction(0)
			if complete := tx.RequestProgress == ProgressComplete; complete != tt.complete {
				t.Errorf("RequestProgress = %s, want complete=%v", tx.RequestProgress, tt.complete)
			}
			if got := rec.body(0, EventRequestBodyData); got != tt.body {
				t.Errorf("body = %q, want %q", got, tt.body)
			}
			if !tx.Flags.Has(tt.flags) {
				t.Errorf("Flags = %s, want %s", tx.Flags, tt.flags)
			}
			if tx.RequestTransferCoding != tt.coding {
				t.Errorf("RequestTransferCoding = %s, want %s", tx.RequestTransferCoding, tt.coding)
			}
			if tt.code != CodeUnknown && !hasCode(p.Conn(), tt.code) {
				t.Errorf("no %s entry logged", tt.code)
			}
			p.Close(t0)
			if !tt.complete && tx.RequestCompletion != CompletionTruncated {
				t.Errorf("RequestCompletion = %s, want truncated", tx.RequestCompletion)
			}
		})
	}
}

func TestFeed_HostChecks(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\n\r\nGET http://a.example/ HTTP/1.1\r\nHost: b.example:8080\r\n\r\nGET / HTTP/1.0\r\n\r\n"))
	c := p.Conn()
	if !c.Transaction(0).Flags.Has(FlagHostMissing) {
		t.Errorf("tx 0 flags = %s, want host_missing", c.Transaction(0).Flags)
	}
	if !c.Transaction(1).Flags.Has(FlagHostAmbiguous) {
		t.Errorf("tx 1 flags = %s, want host_ambiguous", c.Transaction(1).Flags)
	}
	if c.Transaction(2).Flags != 0 {
		t.Errorf("tx 2 flags = %s, want none", c.Transaction(2).Flags)
	}
}

func TestFeed_HTTP09(t *testing.T) {
	p, rec := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("GET /index.html\r\n"))
	p.FeedOutbound(t0, []byte("<html>hi</html>"))
	p.Close(t0)

	tx := p.Conn().Transaction(0)
	if tx.ProtocolNumber != Protocol0_9 || tx.ResponseProtocolNumber != Protocol0_9 {
		t.Errorf("protocols = %d/%d, want 9/9", tx.ProtocolNumber, tx.ResponseProtocolNumber)
	}
	if got := rec.body(0, EventResponseBodyData); got != "<html>hi</html>" {
		t.Errorf("body = %q", got)
	}
	if tx.ResponseCompletion != CompletionClosedByEOF {
		t.Errorf("ResponseCompletion = %s, want closed_by_eof", tx.ResponseCompletion)
	}
	if !tx.IsComplete() {
		t.Error("transaction not complete")
	}
}

func TestFeed_ResponseWithoutStatusLine(t *testing.T) {
	p, rec := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("GET / HTTP/1.0\r\n\r\n"))
	p.FeedOutbound(t0, []byte("garbage\r\nmore"))
	p.Close(t0)

	if got := rec.body(0, EventResponseBodyData); got != "garbage\r\nmore" {
		t.Errorf("body = %q", got)
	}
	if !hasCode(p.Conn(), CodeResponseNoStatusLine) {
		t.Error("no missing status line entry logged")
	}
}

func TestFeed_HeadAndNoContent(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("HEAD / HTTP/1.1\r\nHost: a\r\n\r\nDELETE /x HTTP/1.1\r\nHost: a\r\n\r\n"))
	p.FeedOutbound(t0, []byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nHTTP/1.1 204 No Content\r\n\r\n"))

	for i := 0; i < 2; i++ {
		tx := p.Conn().Transaction(i)
		if tx.ResponseProgress != ProgressComplete || tx.ResponseTransferCoding != CodingNoBody {
			t.Errorf("tx %d: response %s/%s, want complete/no_body", i, tx.ResponseProgress, tx.ResponseTransferCoding)
		}
	}
}

func TestFeed_ConnectTunnel(t *testing.T) {
	p, rec := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n\x16\x03\x01hello"))
	if p.req.state != reqConnectWait {
		t.Fatalf("request state = %s, want connect_wait", p.req.state)
	}
	p.FeedOutbound(t0, []byte("HTTP/1.1 200 Connection established\r\n\r\n\x16\x03\x03server"))
	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\n\r\n"))

	if p.req.state != reqTunnel || p.res.state != resTunnel {
		t.Errorf("states = %s/%s, want tunnel/tunnel", p.req.state, p.res.state)
	}
	c := p.Conn()
	if c.TransactionCount() != 1 {
		t.Errorf("TransactionCount() = %d, want 1", c.TransactionCount())
	}
	tx := c.Transaction(0)
	if !tx.Flags.Has(FlagTunnel) || !tx.IsComplete() {
		t.Errorf("Flags = %s, complete = %v", tx.Flags, tx.IsComplete())
	}
	if rec.body(0, EventRequestBodyData) != "" || rec.body(0, EventResponseBodyData) != "" {
		t.Error("tunnel bytes reported as body data")
	}
	if c.InBytes == 0 || c.OutBytes == 0 {
		t.Errorf("byte counters = %d/%d", c.InBytes, c.OutBytes)
	}
}

func TestFeed_ConnectRefused(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("CONNECT a:443 HTTP/1.1\r\nHost: a:443\r\n\r\nGET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	if p.Conn().TransactionCount() != 1 {
		t.Fatalf("TransactionCount() = %d before the response, want 1", p.Conn().TransactionCount())
	}
	p.FeedOutbound(t0, []byte("HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n"))

	c := p.Conn()
	if c.TransactionCount() != 2 {
		t.Fatalf("TransactionCount() = %d, want 2", c.TransactionCount())
	}
	tx := c.Transaction(1)
	if tx.Method != "GET" || tx.RequestProgress != ProgressComplete {
		t.Errorf("tx 1 = %s %s", tx.Method, tx.RequestProgress)
	}
	if c.Transaction(0).Flags.Has(FlagTunnel) {
		t.Error("refused CONNECT flagged as tunnel")
	}
}

func TestFeed_ConnectBufferLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingBytes = 4
	p, _ := newTestParser(t, cfg)
	p.FeedInbound(t0, []byte("CONNECT a:443 HTTP/1.1\r\nHost: a:443\r\n\r\n0123456789"))
	if len(p.req.connectBuf) != 4 {
		t.Errorf("buffered %d bytes, want 4", len(p.req.connectBuf))
	}
	if !hasCode(p.Conn(), CodeConnectBufferOverflow) {
		t.Error("no overflow entry logged")
	}
}

func TestFeed_UpgradeSwitchesToTunnel(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("GET /ws HTTP/1.1\r\nHost: a\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
	p.FeedOutbound(t0, []byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n\x81\x05hello"))
	p.FeedInbound(t0, []byte("\x81\x85mask!"))

	if p.req.state != reqTunnel || p.res.state != resTunnel {
		t.Errorf("states = %s/%s, want tunnel/tunnel", p.req.state, p.res.state)
	}
	if n := p.Conn().TransactionCount(); n != 1 {
		t.Errorf("TransactionCount() = %d, want 1", n)
	}
}

func TestFeed_TunnelCutsPendingRequest(t *testing.T) {
	const upgrade = "GET /ws HTTP/1.1\r\nHost: a\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
	const switched = "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n"

	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte(upgrade+"\x81\x85abcd"))
	p.FeedOutbound(t0, []byte(switched))
	p.Close(t0)
	if n := p.Conn().TransactionCount(); n != 1 {
		t.Fatalf("early frames: TransactionCount() = %d, want 1", n)
	}
	if tx := p.Conn().Transaction(0); !tx.IsComplete() || !tx.Flags.Has(FlagTunnel) {
		t.Errorf("upgrade tx complete = %v, Flags = %s", tx.IsComplete(), tx.Flags)
	}

	p, rec := newTestParser(t, nil)
	p.FeedInbound(t0, []byte(upgrade+"GET /next HTTP/1.1\r\nHost: a\r\n"))
	p.FeedOutbound(t0, []byte(switched))
	p.Close(t0)
	if n := p.Conn().TransactionCount(); n != 2 {
		t.Fatalf("pipelined request: TransactionCount() = %d, want 2", n)
	}
	tx := p.Conn().Transaction(1)
	if tx.RequestProgress != ProgressComplete || tx.RequestCompletion != CompletionTruncated {
		t.Errorf("cut request = %s/%s, want complete/truncated", tx.RequestProgress, tx.RequestCompletion)
	}
	if !tx.Flags.Has(FlagTunnel) || !hasCode(p.Conn(), CodeRequestIncomplete) {
		t.Errorf("Flags = %s", tx.Flags)
	}
	var completed bool
	for _, k := range rec.structure() {
		if k == (kindAt{EventRequestComplete, 1}) {
			completed = true
		}
	}
	if !completed {
		t.Error("no request complete event for the cut request")
	}
}

func TestFeed_ResponseTruncated(t *testing.T) {
	p, _ := newTestParser(t, nil)
	p.FeedInbound(t0, []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	p.FeedOutbound(t0, []byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"))
	p.Close(t0)

	tx := p.Conn().Transaction(0)
	if tx.ResponseCompletion != CompletionTruncated {
		t.Errorf("ResponseCompletion = %s, want truncated", tx.ResponseCompletion)
	}
	if p.LastError() == nil || p.LastError().Code != CodeResponseIncomplete {
		t.Errorf("LastError() = %v, want response incomplete", p.LastError())
	}
}

func TestLog_LevelThresholdAndLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = LogWarning
	p, _ := newTestParser(t, cfg)
	p.FeedInbound(t0, []byte("\r\nGET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	if hasCode(p.Conn(), CodeRequestLineLeadingEmpty) {
		t.Error("notice recorded with a warning threshold")
	}

	cfg = DefaultConfig()
	p, _ = newTestParser(t, cfg)
	p.FeedInbound(t0, []byte("\r\nGET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	if !hasCode(p.Conn(), CodeRequestLineLeadingEmpty) {
		t.Error("leading empty line not recorded")
	}
	if p.LastError() != nil {
		t.Errorf("notice updated the last error: %v", p.LastError())
	}
	e := p.Conn().Messages[0]
	if e.File != "request.go" || e.Line == 0 || e.Tx == nil {
		t.Errorf("entry = %+v, want a source location in request.go", e)
	}
}

func TestUserData(t *testing.T) {
	p, _ := newTestParser(t, nil)
	if p.UserData() != nil {
		t.Fatal("fresh parser has user data")
	}
	p.SetUserData("flow-1")
	if p.UserData() != "flow-1" {
		t.Errorf("UserData() = %v", p.UserData())
	}
}
