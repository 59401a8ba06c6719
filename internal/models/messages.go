package models

import "encoding/json"

// WSMessage is the envelope for all WebSocket communication.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message types pushed to clients.
const (
	TypeInterfaces     = "interfaces"
	TypeCaptureStarted = "capture_started"
	TypeCaptureStopped = "capture_stopped"
	TypeCaptureStats   = "capture_stats"
	TypeTransaction    = "transaction"
	TypeConnection     = "connection"
	TypeFlows          = "flows"
	TypePcapLoaded     = "pcap_loaded"
	TypeError          = "error"
)

// StartCaptureRequest is sent by the client to begin a live capture.
type StartCaptureRequest struct {
	Interface string `json:"interface"`
	BPFFilter string `json:"bpfFilter,omitempty"`
	SnapLen   int    `json:"snapLen,omitempty"`
}

// CaptureStarted acknowledges a capture session.
type CaptureStarted struct {
	SessionID     string `json:"sessionId"`
	InterfaceName string `json:"interfaceName,omitempty"`
	File          string `json:"file,omitempty"`
}

// InterfaceInfo describes a network interface available for capture.
type InterfaceInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Addresses   []string `json:"addresses"`
}

// CaptureStats reports capture statistics.
type CaptureStats struct {
	SessionID     string `json:"sessionId"`
	PacketCount   int    `json:"packetCount"`
	DroppedCount  int    `json:"droppedCount"`
	InterfaceName string `json:"interfaceName,omitempty"`
	Connections   int    `json:"connections"`
	Transactions  int    `json:"transactions"`
}

// ErrorPayload describes an error sent to the client.
type ErrorPayload struct {
	Message string `json:"message"`
}
