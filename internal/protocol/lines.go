package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrLineTooLong reports a line that exceeded the configured limit. The line
// has been discarded up to its newline and the reader can be used again.
var ErrLineTooLong = errors.New("request line too long")

// LineReader splits a byte stream into newline terminated lines. Partial
// reads are buffered until the newline arrives; a trailing \r is removed and
// blank lines are skipped.
type LineReader struct {
	br  *bufio.Reader
	max int
	buf []byte
	err error
}

// NewLineReader returns a reader that accepts lines of at most maxLine bytes.
func NewLineReader(rd io.Reader, maxLine int) *LineReader {
	return &LineReader{br: bufio.NewReader(rd), max: maxLine}
}

// Next returns the next non-blank line. The returned slice is only valid
// until the following call. A final line without newline is returned before
// io.EOF.
func (r *LineReader) Next() ([]byte, error) {
	for {
		if r.err != nil {
			return nil, r.err
		}
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				return nil, err
			}
			r.err = err
			if !errors.Is(err, io.EOF) || len(bytes.TrimSpace(line)) == 0 {
				return nil, err
			}
			return line, nil
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func (r *LineReader) readLine() ([]byte, error) {
	r.buf = r.buf[:0]
	tooLong := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			r.buf = append(r.buf, chunk...)
			if len(trimEOL(r.buf)) > r.max {
				tooLong = true
				r.buf = r.buf[:0]
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return trimEOL(r.buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case tooLong:
			// The oversized line is the last one; report it, then the error.
			r.err = err
			return nil, ErrLineTooLong
		default:
			return trimEOL(r.buf), err
		}
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	return bytes.TrimSuffix(b, []byte{'\r'})
}
