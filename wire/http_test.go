package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestParseRequestBasics(t *testing.T) {
	head := "POST /api/localsend/v2/upload?sessionId=abc&fileId=f1&token=t%20x HTTP/1.1\r\n" +
		"Host: 192.168.1.5:53317\r\n" +
		"Content-Length: 42\r\n" +
		"CONTENT-type:application/octet-stream\r\n" +
		"X-Odd:  value: with colon \r\n" +
		"\r\n"

	req, err := ParseRequest([]byte(head))
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}

	if req.Method != "POST" {
		t.Fatalf("method: got %q", req.Method)
	}
	if req.Path != "/api/localsend/v2/upload" {
		t.Fatalf("path: got %q", req.Path)
	}
	if got := req.Query["token"]; got != "t x" {
		t.Fatalf("query token not percent-decoded: got %q", got)
	}
	if got := req.Query["sessionId"]; got != "abc" {
		t.Fatalf("query sessionId: got %q", got)
	}
	if req.ContentLength() != 42 {
		t.Fatalf("content length: got %d", req.ContentLength())
	}
	if got := req.Header["content-type"]; got != "application/octet-stream" {
		t.Fatalf("case-insensitive header lookup failed: got %q", got)
	}
	if got := req.Header["x-odd"]; got != "value: with colon" {
		t.Fatalf("header should split on first colon and trim OWS: got %q", got)
	}
}

func TestParseRequestRejectsGarbage(t *testing.T) {
	inputs := []string{
		"",
		"\x16\x03\x01\x02\x00\x01\x00", // TLS ClientHello on plaintext listener
		"GET\r\n\r\n",
		"GET / FTP/1.0\r\n\r\n",
		"POST /x HTTP/1.1\r\nno-colon-line\r\n\r\n",
	}
	for _, input := range inputs {
		if _, err := ParseRequest([]byte(input)); err == nil {
			t.Fatalf("ParseRequest accepted garbage %q", input)
		}
	}
}

func TestReadHeaderBlockLeavesBodyBuffered(t *testing.T) {
	raw := "POST /p HTTP/1.1\r\nContent-Length: 4\r\n\r\nBODY"
	reader := bufio.NewReader(strings.NewReader(raw))

	head, err := ReadHeaderBlock(reader)
	if err != nil {
		t.Fatalf("ReadHeaderBlock failed: %v", err)
	}
	if !strings.HasSuffix(string(head), "\r\n\r\n") {
		t.Fatalf("head does not include terminator: %q", head)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read remaining body: %v", err)
	}
	if string(body) != "BODY" {
		t.Fatalf("body: got %q", body)
	}
}

func TestReadHeaderBlockTooLarge(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nX-Fill: " + strings.Repeat("a", MaxHeaderBytes) + "\r\n\r\n"
	_, err := ReadHeaderBlock(bufio.NewReader(strings.NewReader(raw)))
	if !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
}

func TestReadHeaderBlockCapsNewlineFreeStream(t *testing.T) {
	// A peer streaming bytes with no newline at all must hit the cap
	// mid-line, not buffer until the stream ends.
	stream := bytes.Repeat([]byte("x"), 4*MaxHeaderBytes)
	reader := bufio.NewReader(bytes.NewReader(stream))

	_, err := ReadHeaderBlock(reader)
	if !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}

	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("drain remainder: %v", err)
	}
	if len(rest) == 0 {
		t.Fatal("whole stream was consumed before the cap fired")
	}
}

func TestReadHeaderBlockLongLineWithinCap(t *testing.T) {
	// One header line larger than bufio's internal buffer but under the
	// cap still parses as a normal head.
	raw := "POST /p HTTP/1.1\r\nX-Fill: " + strings.Repeat("a", 6*1024) + "\r\n\r\nBODY"
	reader := bufio.NewReader(strings.NewReader(raw))

	head, err := ReadHeaderBlock(reader)
	if err != nil {
		t.Fatalf("ReadHeaderBlock failed: %v", err)
	}
	if !strings.HasSuffix(string(head), "\r\n\r\n") {
		t.Fatalf("head does not include terminator: %q", head[len(head)-32:])
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read remaining body: %v", err)
	}
	if string(body) != "BODY" {
		t.Fatalf("body: got %q", body)
	}
}

func TestWriteResponseFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, 403, []byte("Forbidden"), false); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 403 Forbidden\r\n") {
		t.Fatalf("status line: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 9\r\n") {
		t.Fatalf("missing content length: %q", out)
	}
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Fatalf("missing connection header: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nForbidden") {
		t.Fatalf("body placement: %q", out)
	}

	buf.Reset()
	if err := WriteResponse(&buf, 200, nil, true); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Connection: keep-alive\r\n") {
		t.Fatalf("keep-alive not reflected: %q", buf.String())
	}
}

func TestAnnouncementFlags(t *testing.T) {
	v1, err := DecodeAnnouncement([]byte(`{"alias":"a","version":"1.0","fingerprint":"f","announcement":true}`))
	if err != nil {
		t.Fatalf("decode v1: %v", err)
	}
	if !v1.IsAnnouncement() {
		t.Fatal("v1 announcement flag not honored")
	}

	v2, err := DecodeAnnouncement([]byte(`{"alias":"a","version":"2.1","fingerprint":"f","announce":true,"port":53317,"protocol":"https"}`))
	if err != nil {
		t.Fatalf("decode v2: %v", err)
	}
	if !v2.IsAnnouncement() {
		t.Fatal("v2 announce flag not honored")
	}

	reply, err := DecodeAnnouncement([]byte(`{"alias":"a","version":"2.1","fingerprint":"f"}`))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.IsAnnouncement() {
		t.Fatal("direct response misread as announcement")
	}
}

func TestPeerBaseURL(t *testing.T) {
	peer := Peer{IP: "192.168.1.9", Port: 53317, HTTPS: true}
	if got := peer.BaseURL(peer.PreferredScheme()); got != "https://192.168.1.9:53317" {
		t.Fatalf("BaseURL: got %q", got)
	}

	v6 := Peer{IP: "fe80::1", Port: 53317}
	if got := v6.BaseURL(v6.PreferredScheme()); got != "http://[fe80::1]:53317" {
		t.Fatalf("IPv6 BaseURL: got %q", got)
	}
}

func TestNormalizeAddr(t *testing.T) {
	cases := map[string]string{
		"192.168.1.7":          "192.168.1.7",
		"fe80::1%en0":          "fe80::1",
		"::ffff:192.168.1.7":   "192.168.1.7",
		"::ffff:10.0.0.3%eth0": "10.0.0.3",
	}
	for in, want := range cases {
		if got := NormalizeAddr(in); got != want {
			t.Fatalf("NormalizeAddr(%q): got %q want %q", in, got, want)
		}
	}
}
