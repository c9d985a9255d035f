package h1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// maxDrainBytes bounds how much unread request body is discarded to keep a
// connection reusable. Larger leftovers close the connection instead.
const maxDrainBytes = 256 << 10

var errBodyTooLarge = errors.New("h1: unread request body too large to drain")

// newBodyReader picks the framing for a request body.
func newBodyReader(br *bufio.Reader, req *Request) io.Reader {
	switch {
	case req.ChunkedEncoding:
		return &chunkedReader{br: br}
	case req.ContentLength > 0:
		return io.LimitReader(br, req.ContentLength)
	default:
		return eofReader{}
	}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// chunkedReader decodes a chunked transfer-encoded body.
type chunkedReader struct {
	br        *bufio.Reader
	remaining int64
	started   bool
	err       error
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.remaining == 0 {
		if err := r.nextChunk(); err != nil {
			r.err = err
			return 0, err
		}
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.br.Read(p)
	r.remaining -= int64(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		r.err = err
	}
	return n, err
}

// nextChunk consumes the CRLF closing the previous chunk and the next size line.
func (r *chunkedReader) nextChunk() error {
	if r.started {
		if err := r.expectCRLF(); err != nil {
			return err
		}
	}
	r.started = true

	line, err := r.readLine()
	if err != nil {
		return err
	}
	size, err := parseChunkSize(line)
	if err != nil {
		return err
	}
	if size == 0 {
		// Skip trailers up to the terminating empty line.
		for {
			line, err := r.readLine()
			if err != nil {
				return err
			}
			if len(line) == 0 {
				return io.EOF
			}
		}
	}
	r.remaining = size
	return nil
}

func (r *chunkedReader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		if err == bufio.ErrBufferFull {
			return nil, fmt.Errorf("chunk header line too long")
		}
		return nil, err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

func (r *chunkedReader) expectCRLF() error {
	line, err := r.readLine()
	if err != nil {
		return err
	}
	if len(line) != 0 {
		return fmt.Errorf("malformed chunk terminator")
	}
	return nil
}

// drain discards what is left of a request body so the next request on the
// connection can be parsed.
func drain(body io.Reader) error {
	n, err := io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes+1))
	if err != nil {
		return err
	}
	if n > maxDrainBytes {
		return errBodyTooLarge
	}
	return nil
}
