// Package decompress provides push style decoders for HTTP content codings.
package decompress

import (
	"bufio"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// MaxCodings bounds the number of stacked codings accepted for one body.
const MaxCodings = 4

var (
	ErrUnsupported = errors.New("unsupported content coding")
	ErrReleased    = errors.New("decompressor released")
	ErrTooMany     = errors.New("too many content codings")
	ErrTooLarge    = errors.New("decompressed output too large")
)

// Decompressor decodes one body. Output slices belong to the caller.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
	Flush() ([]byte, error)
	Release() error
}

var openers = map[string]opener{
	"gzip":    openGzip,
	"x-gzip":  openGzip,
	"deflate": openDeflate,
	"br":      openBrotli,
	"zstd":    openZstd,
}

// New returns a decoder for codings listed in the order they were applied,
// as in a Content-Encoding header. Once a stage has produced limit bytes it
// stops with ErrTooLarge; limit <= 0 disables the check.
func New(codings []string, limit int64) (Decompressor, error) {
	var stages []Decompressor
	for i := len(codings) - 1; i >= 0; i-- {
		name := strings.ToLower(strings.TrimSpace(codings[i]))
		if name == "" || name == "identity" {
			continue
		}
		open, ok := openers[name]
		if !ok {
			return nil, errors.Wrapf(ErrUnsupported, "coding %q", name)
		}
		stages = append(stages, newStream(name, open, limit))
	}
	switch {
	case len(stages) == 0:
		return nil, errors.Wrap(ErrUnsupported, "no codings")
	case len(stages) > MaxCodings:
		return nil, errors.Wrapf(ErrTooMany, "%d codings", len(stages))
	case len(stages) == 1:
		return stages[0], nil
	}
	return chain(stages), nil
}

func openGzip(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	zr.Multistream(false)
	return zr, nil
}

// openDeflate accepts both zlib wrapped and raw deflate data, since servers
// send either for "deflate".
func openDeflate(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr[0], hdr[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

func openBrotli(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(brotli.NewReader(r)), nil
}

func openZstd(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}

// chain runs stages in sequence, each decoding the previous one's output.
type chain []Decompressor

func (c chain) Decompress(data []byte) ([]byte, error) {
	for i, s := range c {
		out, err := s.Decompress(data)
		if err != nil {
			if i < len(c)-1 {
				return nil, err
			}
			return out, err
		}
		data = out
		if len(data) == 0 {
			return nil, nil
		}
	}
	return data, nil
}

func (c chain) Flush() ([]byte, error) {
	var pending []byte
	for i, s := range c {
		last := i == len(c)-1
		var out []byte
		if len(pending) > 0 {
			b, err := s.Decompress(pending)
			if err != nil {
				if !last {
					return nil, err
				}
				return b, err
			}
			out = b
		}
		tail, err := s.Flush()
		out = append(out, tail...)
		if err != nil {
			if !last {
				return nil, err
			}
			return out, err
		}
		pending = out
	}
	return pending, nil
}

func (c chain) Release() error {
	var first error
	for _, s := range c {
		if err := s.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
