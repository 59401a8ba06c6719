package decompress

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// opener wraps the compressed input in a decoding reader.
type opener func(r io.Reader) (io.ReadCloser, error)

// stream adapts a pull style decoder to push style input. The decoder runs
// in a helper goroutine that reads from a feeder; Decompress hands it one
// buffer at a time and waits until the decoder asks for more or stops.
type stream struct {
	name  string
	open  opener
	limit int64

	// produced is only touched by the decoder goroutine.
	produced int64

	in   chan []byte
	need chan struct{}
	done chan error
	src  feeder
	out  bytes.Buffer

	started  bool
	ready    bool
	finished bool
	inClosed bool
	released bool
	err      error
}

func newStream(name string, open opener, limit int64) *stream {
	s := &stream{
		name:  name,
		open:  open,
		limit: limit,
		in:   make(chan []byte),
		need: make(chan struct{}),
		done: make(chan error, 1),
	}
	s.src = feeder{in: s.in, need: s.need}
	return s
}

// feeder is the io.Reader the decoder pulls from.
type feeder struct {
	in   <-chan []byte
	need chan<- struct{}
	cur  []byte
	eof  bool
}

func (f *feeder) Read(p []byte) (int, error) {
	for len(f.cur) == 0 {
		if f.eof {
			return 0, io.EOF
		}
		f.need <- struct{}{}
		b, ok := <-f.in
		if !ok {
			f.eof = true
			return 0, io.EOF
		}
		f.cur = b
	}
	n := copy(p, f.cur)
	f.cur = f.cur[n:]
	return n, nil
}

func (s *stream) run() {
	r, err := s.open(&s.src)
	if err != nil {
		s.done <- errors.Wrapf(err, "unable to open %s decoder", s.name)
		return
	}
	defer r.Close()
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if s.limit > 0 && s.produced+int64(n) > s.limit {
			s.out.Write(buf[:s.limit-s.produced])
			s.produced = s.limit
			s.done <- errors.Wrapf(ErrTooLarge, "%s output over %d bytes", s.name, s.limit)
			return
		}
		s.produced += int64(n)
		s.out.Write(buf[:n])
		if err == io.EOF {
			s.done <- nil
			return
		}
		if err != nil {
			s.done <- errors.Wrapf(err, "unable to decode body using %s encoding", s.name)
			return
		}
	}
}

// wait blocks until the decoder wants input or has stopped.
func (s *stream) wait() {
	select {
	case <-s.need:
		s.ready = true
	case err := <-s.done:
		s.finished = true
		s.err = err
	}
}

func (s *stream) take() []byte {
	if s.out.Len() == 0 {
		return nil
	}
	b := bytes.Clone(s.out.Bytes())
	s.out.Reset()
	return b
}

// Decompress feeds data to the decoder and returns what it produced. Data
// after the end of the compressed stream is ignored.
func (s *stream) Decompress(data []byte) ([]byte, error) {
	if s.released {
		return nil, ErrReleased
	}
	if len(data) == 0 || s.finished {
		return s.take(), s.err
	}
	if !s.started {
		s.started = true
		go s.run()
		s.wait()
		if s.finished {
			return s.take(), s.err
		}
	}
	s.ready = false
	s.in <- data
	s.wait()
	return s.take(), s.err
}

// Flush signals the end of input and returns the remaining output.
func (s *stream) Flush() ([]byte, error) {
	if s.released {
		return nil, ErrReleased
	}
	s.closeInput()
	return s.take(), s.err
}

// Release stops the decoder goroutine. It is safe to call more than once.
func (s *stream) Release() error {
	if s.released {
		return nil
	}
	s.closeInput()
	s.released = true
	s.out = bytes.Buffer{}
	return nil
}

func (s *stream) closeInput() {
	if !s.started || s.finished || s.inClosed {
		return
	}
	s.inClosed = true
	close(s.in)
	s.err = <-s.done
	s.finished = true
}
