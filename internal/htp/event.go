package htp

// EventKind identifies a point in a transaction's life.
type EventKind int

const (
	EventRequestStart EventKind = iota
	EventRequestLine
	EventRequestHeaders
	EventRequestBodyData
	EventRequestTrailer
	EventRequestComplete
	EventResponseStart
	EventResponseLine
	EventResponseHeaders
	EventResponseBodyData
	EventResponseTrailer
	EventResponseComplete
	EventTransactionComplete

	eventKindCount
)

var eventKindNames = [eventKindCount]string{
	"request_start",
	"request_line",
	"request_headers",
	"request_body_data",
	"request_trailer",
	"request_complete",
	"response_start",
	"response_line",
	"response_headers",
	"response_body_data",
	"response_trailer",
	"response_complete",
	"transaction_complete",
}

func (k EventKind) String() string {
	if k >= 0 && k < eventKindCount {
		return eventKindNames[k]
	}
	return "unknown"
}

// Event is produced by the state machines and delivered to hooks. Data is
// only set for body data events; it aliases the fed buffer or decoder
// output and is valid only for the duration of the hook call.
type Event struct {
	Kind   EventKind
	Tx     *Transaction
	Data   []byte
	Parser *ConnParser
}

// eventLog collects the events of one transition call.
type eventLog struct {
	events []Event
}

func (l *eventLog) begin() {
	for i := range l.events {
		l.events[i] = Event{}
	}
	l.events = l.events[:0]
}

func (l *eventLog) emit(kind EventKind, tx *Transaction, data []byte) {
	l.events = append(l.events, Event{Kind: kind, Tx: tx, Data: data})
}

// completeTx emits the transaction complete event once both sides finished.
func (l *eventLog) completeTx(tx *Transaction) {
	if tx.completed {
		return
	}
	if tx.RequestProgress == ProgressComplete && tx.ResponseProgress == ProgressComplete {
		tx.completed = true
		l.emit(EventTransactionComplete, tx, nil)
	}
}
