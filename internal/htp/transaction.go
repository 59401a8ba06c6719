package htp

import (
	"strings"
	"time"
)

// Progress is how far one side of a transaction has been parsed.
type Progress int

const (
	ProgressNotStarted Progress = iota
	ProgressLine
	ProgressHeaders
	ProgressBody
	ProgressTrailer
	ProgressComplete
)

func (p Progress) String() string {
	switch p {
	case ProgressNotStarted:
		return "not_started"
	case ProgressLine:
		return "line"
	case ProgressHeaders:
		return "headers"
	case ProgressBody:
		return "body"
	case ProgressTrailer:
		return "trailer"
	case ProgressComplete:
		return "complete"
	}
	return "unknown"
}

// Completion records how a message ended.
type Completion int

const (
	CompletionNone Completion = iota
	CompletionNormal
	CompletionClosedByEOF
	CompletionTruncated
)

func (c Completion) String() string {
	switch c {
	case CompletionNormal:
		return "normal"
	case CompletionClosedByEOF:
		return "closed_by_eof"
	case CompletionTruncated:
		return "truncated"
	}
	return "none"
}

// TransferCoding is the framing of a message body.
type TransferCoding int

const (
	CodingUnknown TransferCoding = iota
	CodingNoBody
	CodingIdentity
	CodingChunked
	CodingInvalid
)

func (c TransferCoding) String() string {
	switch c {
	case CodingNoBody:
		return "no_body"
	case CodingIdentity:
		return "identity"
	case CodingChunked:
		return "chunked"
	case CodingInvalid:
		return "invalid"
	}
	return "unknown"
}

// Protocol numbers.
const (
	ProtocolInvalid = -2
	ProtocolUnknown = -1
	Protocol0_9     = 9
	Protocol1_0     = 100
	Protocol1_1     = 101
)

// Transaction is one request and its response.
type Transaction struct {
	Index int
	Conn  *Connection
	Flags Flags

	RequestProgress  Progress
	ResponseProgress Progress

	RequestLine           string
	Method                string
	URI                   string
	Protocol              string
	ProtocolNumber        int
	RequestHeaders        *Headers
	RequestTrailers       *Headers
	RequestContentLength  int64
	RequestTransferCoding TransferCoding
	RequestMessageLen     int64
	RequestCompletion     Completion
	RequestStart          time.Time
	RequestEnd            time.Time

	ResponseLine            string
	ResponseProtocol        string
	ResponseProtocolNumber  int
	ResponseStatus          string
	ResponseStatusNumber    int
	ResponseMessage         string
	ResponseHeaders         *Headers
	ResponseTrailers        *Headers
	ResponseContentLength   int64
	ResponseTransferCoding  TransferCoding
	ResponseContentEncoding []string
	ResponseMessageLen      int64
	ResponseEntityLen       int64
	ResponseCompletion      Completion
	ResponseStart           time.Time
	ResponseEnd             time.Time

	UserData any

	completed bool
	connect   connectOutcome
}

// connectOutcome is the fate of a CONNECT request once its response status
// is known.
type connectOutcome int

const (
	connectPending connectOutcome = iota
	connectTunnel
	connectRefused
)

func newTransaction(conn *Connection, index int) *Transaction {
	return &Transaction{
		Index:                  index,
		Conn:                   conn,
		ProtocolNumber:         ProtocolUnknown,
		ResponseProtocolNumber: ProtocolUnknown,
		ResponseStatusNumber:   -1,
		RequestHeaders:         newHeaders(),
		RequestTrailers:        newHeaders(),
		ResponseHeaders:        newHeaders(),
		ResponseTrailers:       newHeaders(),
		RequestContentLength:   -1,
		ResponseContentLength:  -1,
	}
}

func (tx *Transaction) isConnect() bool { return strings.EqualFold(tx.Method, "CONNECT") }

func (tx *Transaction) isHead() bool { return strings.EqualFold(tx.Method, "HEAD") }

// IsComplete reports whether both sides of the transaction finished.
func (tx *Transaction) IsComplete() bool { return tx.completed }
