package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformedChunk indicates a chunked body that violates the framing.
var ErrMalformedChunk = errors.New("wire: malformed chunked encoding")

// maxChunkSize rejects absurd size lines before allocating anything.
const maxChunkSize = 1 << 30

// ChunkedReader decodes an HTTP/1.1 chunked transfer-encoded body.
// It returns io.EOF after the zero-size terminator chunk and its trailing
// CRLF (optional trailer lines are consumed and discarded).
type ChunkedReader struct {
	r         *bufio.Reader
	remaining int64
	done      bool
}

// NewChunkedReader wraps r. The reader must be positioned at the first chunk
// size line.
func NewChunkedReader(r *bufio.Reader) *ChunkedReader {
	return &ChunkedReader{r: r}
}

func (c *ChunkedReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}

	if c.remaining == 0 {
		size, err := c.readSizeLine()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.consumeTrailer(); err != nil {
				return 0, err
			}
			c.done = true
			return 0, io.EOF
		}
		c.remaining = size
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	}

	if c.remaining == 0 {
		if err := c.consumeCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// readSizeLine parses a hex chunk size, ignoring any ";ext" chunk extension.
func (c *ChunkedReader) readSizeLine() (int64, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, fmt.Errorf("read chunk size: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)

	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 || size > maxChunkSize {
		return 0, ErrMalformedChunk
	}
	return size, nil
}

func (c *ChunkedReader) consumeCRLF() error {
	b, err := c.r.ReadByte()
	if err != nil {
		return io.ErrUnexpectedEOF
	}
	if b == '\r' {
		if b, err = c.r.ReadByte(); err != nil {
			return io.ErrUnexpectedEOF
		}
	}
	if b != '\n' {
		return ErrMalformedChunk
	}
	return nil
}

// consumeTrailer discards trailer lines after the zero chunk up to and
// including the final CRLF.
func (c *ChunkedReader) consumeTrailer() error {
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return io.ErrUnexpectedEOF
		}
		if line == "\r\n" || line == "\n" {
			return nil
		}
	}
}

// ChunkedWriter encodes writes as chunked transfer-encoding. Close writes
// the terminator chunk; it does not close the underlying writer.
type ChunkedWriter struct {
	w io.Writer
}

// NewChunkedWriter wraps w.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

func (c *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, fmt.Errorf("write chunk size: %w", err)
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("write chunk payload: %w", err)
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return n, fmt.Errorf("write chunk terminator: %w", err)
	}
	return n, nil
}

// Close writes the zero-size terminator chunk.
func (c *ChunkedWriter) Close() error {
	if _, err := io.WriteString(c.w, "0\r\n\r\n"); err != nil {
		return fmt.Errorf("write final chunk: %w", err)
	}
	return nil
}
