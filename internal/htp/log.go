package htp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

// LogLevel is the severity of a log entry. Lower values are more severe.
type LogLevel int

const (
	LogNone LogLevel = iota
	LogError
	LogWarning
	LogNotice
	LogInfo
	LogDebug
)

var logLevelNames = [...]string{"none", "error", "warning", "notice", "info", "debug"}

func (l LogLevel) String() string {
	if l >= 0 && int(l) < len(logLevelNames) {
		return logLevelNames[l]
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogError:
		return slog.LevelError
	case LogWarning:
		return slog.LevelWarn
	case LogNotice, LogInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// ParseLogLevel maps a level name to a LogLevel. Unknown names map to LogNotice.
func ParseLogLevel(s string) LogLevel {
	for i, name := range logLevelNames {
		if name == s {
			return LogLevel(i)
		}
	}
	return LogNotice
}

// LogCode classifies a log entry.
type LogCode int

const (
	CodeUnknown LogCode = iota

	// API misuse.
	CodeAlreadyOpen
	CodeAlreadyClosed
	CodeNotOpen
	CodeStreamClosed

	// Line and header anomalies.
	CodeFieldTooLong
	CodeFieldOverSoftLimit
	CodeTooManyHeaders
	CodeHeaderUnparseable
	CodeHeaderInvalid
	CodeInvalidFolding
	CodeRequestLineLeadingEmpty
	CodeRequestLineInvalid
	CodeResponseLineLeadingEmpty
	CodeStatusLineInvalid
	CodeResponseNoStatusLine
	CodeHostMissing
	CodeHostAmbiguous

	// Body anomalies.
	CodeContentLengthInvalid
	CodeContentLengthConflict
	CodeContentLengthWithChunked
	CodeTransferEncodingInvalid
	CodeChunkLengthInvalid
	CodeChunkDataEndInvalid
	CodeRequestIncomplete
	CodeResponseIncomplete

	// Correlation.
	CodeUnmatchedResponse
	CodeInterimResponse
	CodeConnectBufferOverflow
	CodeTunnel

	// Decompression.
	CodeUnknownContentEncoding
	CodeDecompressionFailed
	CodeDecompressionBomb

	codeCount
)

var logCodeNames = [codeCount]string{
	CodeUnknown:                  "unknown",
	CodeAlreadyOpen:              "already_open",
	CodeAlreadyClosed:            "already_closed",
	CodeNotOpen:                  "not_open",
	CodeStreamClosed:             "stream_closed",
	CodeFieldTooLong:             "field_too_long",
	CodeFieldOverSoftLimit:       "field_over_soft_limit",
	CodeTooManyHeaders:           "too_many_headers",
	CodeHeaderUnparseable:        "header_unparseable",
	CodeHeaderInvalid:            "header_invalid",
	CodeInvalidFolding:           "invalid_folding",
	CodeRequestLineLeadingEmpty:  "request_line_leading_empty",
	CodeRequestLineInvalid:       "request_line_invalid",
	CodeResponseLineLeadingEmpty: "response_line_leading_empty",
	CodeStatusLineInvalid:        "status_line_invalid",
	CodeResponseNoStatusLine:     "response_no_status_line",
	CodeHostMissing:              "host_missing",
	CodeHostAmbiguous:            "host_ambiguous",
	CodeContentLengthInvalid:     "content_length_invalid",
	CodeContentLengthConflict:    "content_length_conflict",
	CodeContentLengthWithChunked: "content_length_with_chunked",
	CodeTransferEncodingInvalid:  "transfer_encoding_invalid",
	CodeChunkLengthInvalid:       "chunk_length_invalid",
	CodeChunkDataEndInvalid:      "chunk_data_end_invalid",
	CodeRequestIncomplete:        "request_incomplete",
	CodeResponseIncomplete:       "response_incomplete",
	CodeUnmatchedResponse:        "unmatched_response",
	CodeInterimResponse:          "interim_response",
	CodeConnectBufferOverflow:    "connect_buffer_overflow",
	CodeTunnel:                   "tunnel",
	CodeUnknownContentEncoding:   "unknown_content_encoding",
	CodeDecompressionFailed:      "decompression_failed",
	CodeDecompressionBomb:        "decompression_bomb",
}

func (c LogCode) String() string {
	if c >= 0 && c < codeCount {
		return logCodeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// LogEntry is one structured record in a connection's log.
type LogEntry struct {
	Level   LogLevel
	Code    LogCode
	Message string
	File    string
	Line    int
	Tx      *Transaction
	Time    time.Time
}

func (e *LogEntry) String() string {
	return fmt.Sprintf("[%s] %s: %s (%s:%d)", e.Level, e.Code, e.Message, e.File, e.Line)
}

// logf appends an entry to the connection log, updates the last error for
// warnings and errors, and mirrors the entry to the configured slog logger.
func (p *ConnParser) logf(tx *Transaction, level LogLevel, code LogCode, format string, args ...any) {
	if level > p.cfg.LogLevel {
		return
	}
	_, file, line, _ := runtime.Caller(1)
	e := &LogEntry{
		Level:   level,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		File:    filepath.Base(file),
		Line:    line,
		Tx:      tx,
		Time:    p.now,
	}
	if p.conn != nil {
		p.conn.Messages = append(p.conn.Messages, e)
	}
	if level <= LogWarning {
		p.lastError = e
	}
	if p.cfg.Logger != nil {
		attrs := []slog.Attr{
			slog.String("code", code.String()),
			slog.String("src", fmt.Sprintf("%s:%d", e.File, e.Line)),
		}
		if tx != nil {
			attrs = append(attrs, slog.Int("tx", tx.Index))
		}
		p.cfg.Logger.LogAttrs(context.Background(), level.slogLevel(), e.Message, attrs...)
	}
}
