package models

import "time"

// Endpoint is one side of a connection.
type Endpoint struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// HeaderInfo is a header as seen on the wire.
type HeaderInfo struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AnomalyInfo is one parser log entry.
type AnomalyInfo struct {
	Level   string    `json:"level"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Source  string    `json:"source"`
	Tx      int       `json:"tx"`
	Time    time.Time `json:"time"`
}

// TransactionInfo summarises a completed HTTP transaction.
type TransactionInfo struct {
	ConnectionID string   `json:"connectionId"`
	Index        int      `json:"index"`
	Client       Endpoint `json:"client"`
	Server       Endpoint `json:"server"`

	Method          string       `json:"method,omitempty"`
	URI             string       `json:"uri,omitempty"`
	Protocol        string       `json:"protocol,omitempty"`
	RequestHeaders  []HeaderInfo `json:"requestHeaders,omitempty"`
	RequestBodySize int64        `json:"requestBodySize"`
	RequestEnd      string       `json:"requestCompletion"`

	Status           int          `json:"status"`
	StatusMessage    string       `json:"statusMessage,omitempty"`
	ResponseProtocol string       `json:"responseProtocol,omitempty"`
	ResponseHeaders  []HeaderInfo `json:"responseHeaders,omitempty"`
	ContentEncoding  []string     `json:"contentEncoding,omitempty"`
	ResponseWireSize int64        `json:"responseWireSize"`
	ResponseBodySize int64        `json:"responseBodySize"`
	ResponseEnd      string       `json:"responseCompletion"`

	Flags     string        `json:"flags,omitempty"`
	Anomalies []AnomalyInfo `json:"anomalies,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  float64       `json:"durationMs"`
}

// ConnectionInfo summarises a connection once both directions ended.
type ConnectionInfo struct {
	ID           string        `json:"id"`
	Client       Endpoint      `json:"client"`
	Server       Endpoint      `json:"server"`
	Opened       time.Time     `json:"opened"`
	Closed       time.Time     `json:"closed"`
	Transactions int           `json:"transactions"`
	InBytes      int64         `json:"inBytes"`
	OutBytes     int64         `json:"outBytes"`
	Gaps         int           `json:"gaps"`
	Anomalies    []AnomalyInfo `json:"anomalies,omitempty"`
}
