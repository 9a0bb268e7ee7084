package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
)

func TestChunkedRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 65536, 1000000}
	for _, size := range sizes {
		payload := make([]byte, size)
		rand.New(rand.NewSource(int64(size))).Read(payload)

		var encoded bytes.Buffer
		writer := NewChunkedWriter(&encoded)
		for offset := 0; offset < len(payload); {
			// Uneven chunk sizes so payloads span several chunks.
			n := 1 + (offset*31+7)%8192
			if offset+n > len(payload) {
				n = len(payload) - offset
			}
			if _, err := writer.Write(payload[offset : offset+n]); err != nil {
				t.Fatalf("size=%d: chunked write failed: %v", size, err)
			}
			offset += n
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("size=%d: close failed: %v", size, err)
		}

		decoded, err := io.ReadAll(NewChunkedReader(bufio.NewReader(&encoded)))
		if err != nil {
			t.Fatalf("size=%d: chunked decode failed: %v", size, err)
		}
		if !bytes.Equal(decoded, payload) {
			t.Fatalf("size=%d: round-trip mismatch (got %d bytes)", size, len(decoded))
		}
	}
}

func TestChunkedReaderIgnoresExtensions(t *testing.T) {
	encoded := "5;chunk-ext=1\r\nhello\r\n6 ; x\r\n world\r\n0\r\n\r\n"
	decoded, err := io.ReadAll(NewChunkedReader(bufio.NewReader(strings.NewReader(encoded))))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(decoded) != "hello world" {
		t.Fatalf("got %q", decoded)
	}
}

func TestChunkedReaderConsumesTrailers(t *testing.T) {
	encoded := "3\r\nabc\r\n0\r\nX-Trailer: v\r\n\r\n"
	reader := bufio.NewReader(strings.NewReader(encoded + "LEFTOVER"))

	decoded, err := io.ReadAll(NewChunkedReader(reader))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(decoded) != "abc" {
		t.Fatalf("got %q", decoded)
	}

	rest, _ := io.ReadAll(reader)
	if string(rest) != "LEFTOVER" {
		t.Fatalf("reader overran the terminator: %q", rest)
	}
}

func TestChunkedReaderMalformed(t *testing.T) {
	inputs := []string{
		"zz\r\nhello\r\n0\r\n\r\n", // non-hex size
		"-5\r\nhello\r\n0\r\n\r\n", // negative size
		"5\r\nhel",                 // truncated payload
		"5\r\nhelloXX0\r\n\r\n",    // missing chunk CRLF
	}
	for _, input := range inputs {
		_, err := io.ReadAll(NewChunkedReader(bufio.NewReader(strings.NewReader(input))))
		if err == nil {
			t.Fatalf("decoder accepted malformed stream %q", input)
		}
		if errors.Is(err, io.EOF) {
			t.Fatalf("malformed stream %q surfaced as clean EOF", input)
		}
	}
}
