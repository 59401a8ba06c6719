package stream

import (
	"strings"

	"htpsniff/internal/htp"
	"htpsniff/internal/models"
)

func transactionInfo(c *conn, tx *htp.Transaction) models.TransactionInfo {
	info := models.TransactionInfo{
		ConnectionID: c.id,
		Index:        tx.Index,
		Client:       models.Endpoint{Addr: c.client.ip, Port: int(c.client.port)},
		Server:       models.Endpoint{Addr: c.server.ip, Port: int(c.server.port)},

		Method:          tx.Method,
		URI:             tx.URI,
		Protocol:        tx.Protocol,
		RequestHeaders:  headerInfo(tx.RequestHeaders),
		RequestBodySize: tx.RequestMessageLen,
		RequestEnd:      tx.RequestCompletion.String(),

		Status:           tx.ResponseStatusNumber,
		StatusMessage:    tx.ResponseMessage,
		ResponseProtocol: tx.ResponseProtocol,
		ResponseHeaders:  headerInfo(tx.ResponseHeaders),
		ContentEncoding:  tx.ResponseContentEncoding,
		ResponseWireSize: tx.ResponseMessageLen,
		ResponseBodySize: tx.ResponseEntityLen,
		ResponseEnd:      tx.ResponseCompletion.String(),

		Started: tx.RequestStart,
	}
	if tx.Flags != 0 {
		info.Flags = tx.Flags.String()
	}
	if info.Started.IsZero() {
		info.Started = tx.ResponseStart
	}
	if !tx.ResponseEnd.IsZero() && !info.Started.IsZero() {
		info.Duration = float64(tx.ResponseEnd.Sub(info.Started).Microseconds()) / 1000
	}
	if conn := c.parser.Conn(); conn != nil {
		for _, e := range conn.Messages {
			if e.Tx == tx {
				info.Anomalies = append(info.Anomalies, anomalyInfo(e))
			}
		}
	}
	return info
}

func connectionInfo(c *conn) models.ConnectionInfo {
	info := models.ConnectionInfo{
		ID:     c.id,
		Client: models.Endpoint{Addr: c.client.ip, Port: int(c.client.port)},
		Server: models.Endpoint{Addr: c.server.ip, Port: int(c.server.port)},
		Gaps:   c.gaps,
	}
	conn := c.parser.Conn()
	if conn == nil {
		return info
	}
	info.Opened = conn.OpenTime
	info.Closed = conn.CloseTime
	info.Transactions = conn.TransactionCount()
	info.InBytes = conn.InBytes
	info.OutBytes = conn.OutBytes
	for _, e := range conn.Messages {
		info.Anomalies = append(info.Anomalies, anomalyInfo(e))
	}
	return info
}

func anomalyInfo(e *htp.LogEntry) models.AnomalyInfo {
	a := models.AnomalyInfo{
		Level:   e.Level.String(),
		Code:    e.Code.String(),
		Message: e.Message,
		Source:  e.File,
		Tx:      -1,
		Time:    e.Time,
	}
	if e.Tx != nil {
		a.Tx = e.Tx.Index
	}
	return a
}

func headerInfo(h *htp.Headers) []models.HeaderInfo {
	if h.Len() == 0 {
		return nil
	}
	out := make([]models.HeaderInfo, 0, h.Len())
	for _, hdr := range h.All() {
		out = append(out, models.HeaderInfo{Name: hdr.Name, Value: hdr.Value})
	}
	return out
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"CONNECT": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
}

// methodLabel keeps the metric label set bounded on garbage request lines.
func methodLabel(method string) string {
	if m := strings.ToUpper(method); knownMethods[m] {
		return m
	}
	if method == "" {
		return "none"
	}
	return "other"
}
