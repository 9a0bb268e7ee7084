package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

const (
	// MaxHeaderBytes bounds an accepted request head, including the blank
	// line terminator.
	MaxHeaderBytes = 16 * 1024
)

var (
	// ErrMalformedRequest indicates bytes that do not parse as an HTTP/1.x
	// request head (for example a TLS record on the plaintext listener).
	ErrMalformedRequest = errors.New("wire: malformed HTTP request")
	// ErrHeaderTooLarge indicates the request head exceeded MaxHeaderBytes.
	ErrHeaderTooLarge = errors.New("wire: request header too large")
)

// Request is a parsed HTTP request head. Header keys are lower-cased; query
// values are percent-decoded.
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Header map[string]string
}

// ContentLength returns the declared body length, or 0 when absent.
func (r *Request) ContentLength() int64 {
	v, ok := r.Header["content-length"]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IsChunked reports whether the body uses chunked transfer-encoding.
func (r *Request) IsChunked() bool {
	return strings.EqualFold(strings.TrimSpace(r.Header["transfer-encoding"]), "chunked")
}

// WantsClose reports whether the client asked to close the connection after
// this exchange. Absent or any other value means keep-alive.
func (r *Request) WantsClose() bool {
	return strings.EqualFold(strings.TrimSpace(r.Header["connection"]), "close")
}

// ReadHeaderBlock reads from r up to and including the CRLFCRLF terminator,
// returning the raw head bytes. Bytes past the terminator stay buffered in r.
// The size cap applies while reading, so a newline-free stream errors out at
// MaxHeaderBytes instead of buffering without bound.
func ReadHeaderBlock(r *bufio.Reader) ([]byte, error) {
	var head []byte
	atLineStart := true
	for {
		line, err := r.ReadSlice('\n')
		head = append(head, line...)
		if len(head) > MaxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
		if err == bufio.ErrBufferFull {
			atLineStart = false
			continue
		}
		if err != nil {
			if err == io.EOF && len(head) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read request head: %w", err)
		}
		// A fragment that merely finishes an overlong line is never the
		// blank terminator, even when it reads as one.
		if atLineStart && (bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n"))) {
			return head, nil
		}
		atLineStart = true
	}
}

// ParseRequest parses a raw request head produced by ReadHeaderBlock.
//
// Headers split on the first colon with RFC 7230 optional-whitespace
// trimming; duplicate keys keep the last value. Query pairs split on the
// first '=' and are percent-decoded; undecodable values are kept raw.
func ParseRequest(head []byte) (*Request, error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 1 {
		lines = strings.Split(string(head), "\n")
	}
	if len(lines) == 0 {
		return nil, ErrMalformedRequest
	}

	parts := strings.SplitN(strings.TrimRight(lines[0], "\r"), " ", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, ErrMalformedRequest
	}
	method := parts[0]
	if method == "" || strings.ContainsFunc(method, func(c rune) bool { return c < 'A' || c > 'Z' }) {
		return nil, ErrMalformedRequest
	}

	req := &Request{
		Method: method,
		Query:  make(map[string]string),
		Header: make(map[string]string),
	}

	target := parts[1]
	if i := strings.IndexByte(target, '?'); i >= 0 {
		req.Path = target[:i]
		for _, pair := range strings.Split(target[i+1:], "&") {
			if pair == "" {
				continue
			}
			key, value, _ := strings.Cut(pair, "=")
			if decoded, err := url.QueryUnescape(value); err == nil {
				value = decoded
			}
			if decoded, err := url.QueryUnescape(key); err == nil {
				key = decoded
			}
			req.Query[key] = value
		}
	} else {
		req.Path = target
	}
	if req.Path == "" {
		return nil, ErrMalformedRequest
	}

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			return nil, ErrMalformedRequest
		}
		req.Header[strings.ToLower(key)] = strings.Trim(value, " \t")
	}

	return req, nil
}

// WriteResponse serializes a minimal HTTP/1.1 response. The Connection
// header reflects the keep-alive decision for this exchange.
func WriteResponse(w io.Writer, status int, body []byte, keepAlive bool) error {
	connection := "keep-alive"
	if !keepAlive {
		connection = "close"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Content-Type: application/json\r\n")
	b.WriteString("Connection: " + connection + "\r\n")
	b.WriteString("\r\n")
	b.Write(body)

	if _, err := w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// WriteJSONResponse marshals v and writes it as the response body.
func WriteJSONResponse(w io.Writer, status int, v any, keepAlive bool) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response body: %w", err)
	}
	return WriteResponse(w, status, body, keepAlive)
}

func statusText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}
