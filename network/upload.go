package network

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"airsend/wire"
)

// handleUpload streams one file body straight to disk. The body is framed by
// Content-Length or chunked coding; bytes are copied through a fixed buffer
// and never held whole in memory.
func (s *Server) handleUpload(conn net.Conn, body *bufio.Reader, req *wire.Request, keepAlive bool) error {
	sessionID := req.Query["sessionId"]
	fileID := req.Query["fileId"]
	token := req.Query["token"]

	sess, desc, status := s.guard.authorize(sessionID, fileID, token)
	if status != 200 {
		if err := discardBody(body, req); err != nil {
			return err
		}
		return wire.WriteResponse(conn, status, emptyJSON, keepAlive)
	}

	var source io.Reader
	if req.IsChunked() {
		source = wire.NewChunkedReader(body)
	} else {
		source = io.LimitReader(body, req.ContentLength())
	}

	dir := s.opts.SaveDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.opts.Logger.Error("server: save directory unavailable", "dir", dir, "error", err)
		return wire.WriteResponse(conn, 500, emptyJSON, keepAlive)
	}
	dest, path, err := createUnique(filepath.Join(dir, sanitizeFileName(desc.FileName)))
	if err != nil {
		s.opts.Logger.Error("server: cannot create file", "dir", dir, "file", desc.FileName, "error", err)
		return wire.WriteResponse(conn, 500, emptyJSON, keepAlive)
	}

	s.guard.trackConn(sess, conn)
	written, copyErr := s.streamToFile(sess, dest, source)
	s.guard.untrackConn(sess, conn)

	closeErr := dest.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr == nil && desc.Size > 0 && written < desc.Size {
		copyErr = fmt.Errorf("truncated upload: got %d of %d bytes", written, desc.Size)
	}

	if copyErr != nil {
		_ = os.Remove(path)
		if !s.guard.clear(sess) {
			// Session already cancelled or superseded; the teardown that
			// cleared it owns the callbacks.
			return copyErr
		}
		s.guard.abortConns(sess)
		s.opts.Logger.Warn("server: upload failed", "file", desc.FileName, "error", copyErr)
		if s.opts.Callbacks.OnComplete != nil {
			s.opts.Callbacks.OnComplete(false, fmt.Sprintf("receiving %q failed", desc.FileName))
		}
		return wire.WriteResponse(conn, 500, emptyJSON, keepAlive)
	}

	allDone, live := s.guard.completeFile(sess, fileID)
	if !live {
		_ = os.Remove(path)
		return fmt.Errorf("session %s cancelled during upload", sessionID)
	}

	s.opts.Logger.Info("server: file received", "file", desc.FileName, "bytes", written, "path", path)
	s.surfaceText(desc, path, written)
	if s.opts.Callbacks.OnFile != nil {
		s.opts.Callbacks.OnFile(path)
	}
	if allDone {
		if s.opts.Callbacks.OnComplete != nil {
			s.opts.Callbacks.OnComplete(true, "")
		}
	}
	return wire.WriteResponse(conn, 200, emptyJSON, keepAlive)
}

func (s *Server) streamToFile(sess *session, dest *os.File, source io.Reader) (int64, error) {
	buf := make([]byte, uploadBufferSize)

	var written int64
	for {
		n, readErr := source.Read(buf)
		if n > 0 {
			if _, err := dest.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write file: %w", err)
			}
			written += int64(n)
			if frac, emit := s.guard.addBytes(sess, int64(n)); emit {
				if s.opts.Callbacks.OnProgress != nil {
					s.opts.Callbacks.OnProgress(frac)
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read upload body: %w", readErr)
		}
	}
}

// surfaceText re-emits small received text files through the text callback,
// which is how a peer's clipboard send lands on this side.
func (s *Server) surfaceText(desc wire.FileDescriptor, path string, size int64) {
	if s.opts.Callbacks.OnText == nil || size > textSurfaceLimit {
		return
	}
	isText := desc.FileType == "text/plain" ||
		strings.EqualFold(filepath.Ext(desc.FileName), ".txt")
	if !isText {
		return
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return
	}
	s.opts.Callbacks.OnText(string(payload))
}

// sanitizeFileName strips any path components a peer smuggled into the name.
func sanitizeFileName(name string) string {
	name = filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "unnamed"
	}
	return name
}
