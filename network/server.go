package network

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"airsend/identity"
	"airsend/wire"
)

const (
	apiRegister      = "/api/localsend/v2/register"
	apiPrepareUpload = "/api/localsend/v2/prepare-upload"
	apiUpload        = "/api/localsend/v2/upload"
	apiCancel        = "/api/localsend/v2/cancel"

	// Control requests carry small JSON bodies; anything larger is abuse.
	maxControlBody = 4 << 20

	uploadBufferSize = 64 * 1024

	progressMinInterval = 100 * time.Millisecond
	progressMinDelta    = 0.01

	// Received text files up to this size also surface through the text
	// callback, so a peer's "send clipboard" lands as text on this side.
	textSurfaceLimit = 1 << 20
)

var emptyJSON = []byte("{}")

// TransferRequest describes an inbound prepare-upload for the accept hook.
type TransferRequest struct {
	SessionID   string
	SenderAlias string
	FileCount   int
	FileNames   []string
	TotalBytes  int64
}

// ServerCallbacks is the event surface the hosting application wires up.
// Every field is optional.
type ServerCallbacks struct {
	OnPeer     func(peer wire.Peer)
	OnText     func(text string)
	OnFile     func(path string)
	OnProgress func(fraction float64)
	OnComplete func(success bool, message string)
	OnCancel   func()
}

// ServerOptions configures a TransferServer.
type ServerOptions struct {
	Alias       string
	DeviceModel string
	DeviceType  string
	Port        int

	// Identity supplies the TLS certificate and the advertised fingerprint.
	Identity *identity.Identity

	// UseHTTPS selects the TLS listener. Identity is required either way
	// because registration replies carry the fingerprint.
	UseHTTPS bool

	Download bool

	// SaveDir resolves the destination directory per upload.
	SaveDir func() string

	// AcceptTransfer decides whether an inbound session may start. It may
	// block on user interaction; other connections keep being served
	// meanwhile. Nil accepts everything.
	AcceptTransfer func(req TransferRequest) bool

	Callbacks ServerCallbacks
	Logger    *slog.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Alias == "" {
		out.Alias = "AirSend"
	}
	if out.SaveDir == nil {
		out.SaveDir = os.TempDir
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (o ServerOptions) validate() error {
	if o.Identity == nil {
		return errors.New("network: server identity is required")
	}
	return nil
}

// Server implements the inbound half of the transfer protocol.
type Server struct {
	opts     ServerOptions
	listener net.Listener
	guard    sessionGuard

	startOnce sync.Once
	stopOnce  sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	// Every accepted connection, idle keep-alive ones included. Stop closes
	// them all so serveConn loops blocked in a read unwind.
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer validates options and builds a stopped server.
func NewServer(options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Server{
		opts:   opts,
		closed: make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the listener and begins serving. Port 0 picks a free port;
// the bound one is what registration replies advertise afterwards.
func (s *Server) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
		if err != nil {
			startErr = fmt.Errorf("listen on port %d: %w", s.opts.Port, err)
			return
		}
		s.opts.Port = listener.Addr().(*net.TCPAddr).Port
		if s.opts.UseHTTPS {
			listener = tls.NewListener(listener, s.tlsConfig())
		}
		s.listener = listener

		s.wg.Add(1)
		go s.acceptLoop()
	})
	return startErr
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and aborts the live session. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.closed)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if sess := s.guard.take(); sess != nil {
			s.guard.abortConns(sess)
		}
		s.connMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connMu.Unlock()
		s.wg.Wait()
	})
}

func (s *Server) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{s.opts.Identity.TLS},
		ClientAuth:   tls.NoClientCert,
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		// Ticket resumption trips over LAN proxies that replay sessions.
		SessionTicketsDisabled: true,
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.opts.Logger.Warn("server: accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn runs the keep-alive request loop for one connection. Requests
// may be pipelined; a parse failure or an explicit Connection: close ends
// the loop. A TLS record hitting the plaintext listener is just a parse
// failure here.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}()

	// A connection accepted while Stop runs may register after the close
	// sweep; checking here keeps Stop from waiting on it.
	select {
	case <-s.closed:
		return
	default:
	}

	reader := bufio.NewReader(conn)
	for {
		header, err := wire.ReadHeaderBlock(reader)
		if err != nil {
			if err != io.EOF {
				s.opts.Logger.Debug("server: dropping connection", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		req, err := wire.ParseRequest(header)
		if err != nil {
			s.opts.Logger.Debug("server: malformed request", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}

		keepAlive := !req.WantsClose()
		if err := s.route(conn, reader, req, keepAlive); err != nil {
			return
		}
		if !keepAlive {
			return
		}

		select {
		case <-s.closed:
			return
		default:
		}
	}
}

func (s *Server) route(conn net.Conn, body *bufio.Reader, req *wire.Request, keepAlive bool) error {
	if req.Method != "POST" {
		return wire.WriteResponse(conn, 404, emptyJSON, keepAlive)
	}

	switch req.Path {
	case apiRegister:
		return s.handleRegister(conn, body, req, keepAlive)
	case apiPrepareUpload:
		return s.handlePrepareUpload(conn, body, req, keepAlive)
	case apiUpload:
		return s.handleUpload(conn, body, req, keepAlive)
	case apiCancel:
		return s.handleCancel(conn, body, req, keepAlive)
	default:
		if err := discardBody(body, req); err != nil {
			return err
		}
		return wire.WriteResponse(conn, 404, emptyJSON, keepAlive)
	}
}

// registerInfo is the identity DTO this server presents to peers.
func (s *Server) registerInfo() wire.RegisterInfo {
	return wire.RegisterInfo{
		Alias:       s.opts.Alias,
		Version:     wire.ProtocolVersion,
		DeviceModel: s.opts.DeviceModel,
		DeviceType:  s.opts.DeviceType,
		Fingerprint: s.opts.Identity.Fingerprint,
		Port:        s.opts.Port,
		Protocol:    s.scheme(),
		Download:    s.opts.Download,
	}
}

func (s *Server) scheme() string {
	if s.opts.UseHTTPS {
		return wire.SchemeHTTPS
	}
	return wire.SchemeHTTP
}

func (s *Server) handleRegister(conn net.Conn, body *bufio.Reader, req *wire.Request, keepAlive bool) error {
	payload, err := readBody(body, req)
	if err != nil {
		return err
	}

	var info wire.RegisterInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return wire.WriteResponse(conn, 500, emptyJSON, keepAlive)
	}

	if info.Fingerprint != "" && info.Fingerprint != s.opts.Identity.Fingerprint {
		ip := wire.NormalizeAddr(remoteHost(conn))
		peer := wire.PeerFromRegisterInfo(info, ip)
		s.opts.Logger.Debug("server: peer registered", "alias", peer.Alias, "ip", peer.IP)
		if s.opts.Callbacks.OnPeer != nil {
			s.opts.Callbacks.OnPeer(peer)
		}
	}

	return wire.WriteJSONResponse(conn, 200, s.registerInfo(), keepAlive)
}

func (s *Server) handlePrepareUpload(conn net.Conn, body *bufio.Reader, req *wire.Request, keepAlive bool) error {
	payload, err := readBody(body, req)
	if err != nil {
		return err
	}

	var prepare wire.PrepareUploadRequest
	if err := json.Unmarshal(payload, &prepare); err != nil {
		return wire.WriteResponse(conn, 500, emptyJSON, keepAlive)
	}
	if len(prepare.Files) == 0 {
		return wire.WriteResponse(conn, 204, nil, keepAlive)
	}

	var (
		names []string
		total int64
	)
	for _, desc := range prepare.Files {
		names = append(names, desc.FileName)
		total += desc.Size
	}

	candidate := uuid.NewString()
	request := TransferRequest{
		SessionID:   candidate,
		SenderAlias: prepare.Info.Alias,
		FileCount:   len(prepare.Files),
		FileNames:   names,
		TotalBytes:  total,
	}

	// The hook may park this connection on user interaction for a long
	// time; other connections, cancel included, keep being served.
	if s.opts.AcceptTransfer != nil && !s.opts.AcceptTransfer(request) {
		s.opts.Logger.Info("server: transfer declined", "sender", prepare.Info.Alias, "files", len(prepare.Files))
		return wire.WriteResponse(conn, 403, emptyJSON, keepAlive)
	}

	sess := &session{
		id:            candidate,
		senderAlias:   prepare.Info.Alias,
		tokens:        make(map[string]string, len(prepare.Files)),
		manifest:      make(map[string]wire.FileDescriptor, len(prepare.Files)),
		totalBytes:    total,
		filesExpected: len(prepare.Files),
		conns:         make(map[net.Conn]struct{}),
	}
	tokens := make(map[string]string, len(prepare.Files))
	for fileID, desc := range prepare.Files {
		token := uuid.NewString()
		sess.tokens[fileID] = token
		sess.manifest[fileID] = desc
		tokens[fileID] = token
	}

	// Newest handshake wins: a stalled previous session is cancelled and
	// its completion reported as failure before the new one goes live.
	if superseded := s.guard.begin(sess); superseded != nil {
		s.guard.abortConns(superseded)
		s.opts.Logger.Info("server: session superseded", "previous", superseded.id)
		if s.opts.Callbacks.OnComplete != nil {
			s.opts.Callbacks.OnComplete(false, "superseded by a new transfer")
		}
	}

	s.opts.Logger.Info("server: transfer accepted", "sender", prepare.Info.Alias, "files", len(prepare.Files), "bytes", total)
	return wire.WriteJSONResponse(conn, 200, wire.PrepareUploadResponse{
		SessionID: sess.id,
		Files:     tokens,
	}, keepAlive)
}

func (s *Server) handleCancel(conn net.Conn, body *bufio.Reader, req *wire.Request, keepAlive bool) error {
	if err := discardBody(body, req); err != nil {
		return err
	}

	sess := s.guard.take()
	if sess != nil {
		s.guard.abortConns(sess)
		s.opts.Logger.Info("server: transfer cancelled by peer", "session", sess.id)
		if s.opts.Callbacks.OnComplete != nil {
			s.opts.Callbacks.OnComplete(false, "cancelled by sender")
		}
	}
	if s.opts.Callbacks.OnCancel != nil {
		s.opts.Callbacks.OnCancel()
	}

	return wire.WriteResponse(conn, 200, emptyJSON, keepAlive)
}

// readBody consumes a control request's body under maxControlBody, honoring
// either Content-Length or chunked framing.
func readBody(reader *bufio.Reader, req *wire.Request) ([]byte, error) {
	if req.IsChunked() {
		return io.ReadAll(io.LimitReader(wire.NewChunkedReader(reader), maxControlBody))
	}
	length := req.ContentLength()
	if length <= 0 {
		return nil, nil
	}
	if length > maxControlBody {
		return nil, fmt.Errorf("control body too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return payload, nil
}

func discardBody(reader *bufio.Reader, req *wire.Request) error {
	_, err := readBody(reader, req)
	return err
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// createUnique opens path for writing, falling back to "name (N).ext"
// variants until one does not exist. O_EXCL makes the pick atomic, so two
// concurrent uploads of the same filename never share a destination.
func createUnique(path string) (*os.File, string, error) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)

	candidate := path
	for i := 1; ; i++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}
