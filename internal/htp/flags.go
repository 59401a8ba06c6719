package htp

import "strings"

// Flags mark anomalies observed while parsing a transaction.
type Flags uint32

const (
	FlagFieldUnparseable Flags = 1 << iota
	FlagFieldInvalid
	FlagFieldFolded
	FlagFieldRepeated
	FlagFieldLong
	FlagFieldRawNUL
	FlagRequestSmuggling
	FlagInvalidFolding
	FlagInvalidTransferEncoding
	FlagInvalidContentLength
	FlagRequestLineInvalid
	FlagStatusLineInvalid
	FlagHostMissing
	FlagHostAmbiguous
	FlagChunkExtension
	FlagResponseWithoutRequest
	FlagDecompressionFailed
	FlagTunnel
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagFieldUnparseable, "field_unparseable"},
	{FlagFieldInvalid, "field_invalid"},
	{FlagFieldFolded, "field_folded"},
	{FlagFieldRepeated, "field_repeated"},
	{FlagFieldLong, "field_long"},
	{FlagFieldRawNUL, "field_raw_nul"},
	{FlagRequestSmuggling, "request_smuggling"},
	{FlagInvalidFolding, "invalid_folding"},
	{FlagInvalidTransferEncoding, "invalid_transfer_encoding"},
	{FlagInvalidContentLength, "invalid_content_length"},
	{FlagRequestLineInvalid, "request_line_invalid"},
	{FlagStatusLineInvalid, "status_line_invalid"},
	{FlagHostMissing, "host_missing"},
	{FlagHostAmbiguous, "host_ambiguous"},
	{FlagChunkExtension, "chunk_extension"},
	{FlagResponseWithoutRequest, "response_without_request"},
	{FlagDecompressionFailed, "decompression_failed"},
	{FlagTunnel, "tunnel"},
}

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	if f == 0 {
		return ""
	}
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}

// HeaderFlags mark anomalies on a single header.
type HeaderFlags uint8

const (
	HeaderFolded HeaderFlags = 1 << iota
	HeaderRepeated
	HeaderInvalid
	HeaderUnparseable
	HeaderLong
	HeaderRawNUL
)

// txFlags maps header anomalies to their transaction flags.
func (hf HeaderFlags) txFlags() Flags {
	var f Flags
	if hf&HeaderFolded != 0 {
		f |= FlagFieldFolded
	}
	if hf&HeaderRepeated != 0 {
		f |= FlagFieldRepeated
	}
	if hf&HeaderInvalid != 0 {
		f |= FlagFieldInvalid
	}
	if hf&HeaderUnparseable != 0 {
		f |= FlagFieldUnparseable
	}
	if hf&HeaderLong != 0 {
		f |= FlagFieldLong
	}
	if hf&HeaderRawNUL != 0 {
		f |= FlagFieldRawNUL
	}
	return f
}
