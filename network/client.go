package network

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"airsend/wire"
)

const (
	// One connection attempt; failures inside this window retry with backoff.
	connectTimeout = 5 * time.Second

	handshakeRetryInterval = 2 * time.Second
	handshakeRetryWindow   = 2 * time.Minute

	// Whole-operation guard while waiting for the peer to accept. Disarmed
	// the moment the handshake succeeds; upload time is unbounded.
	acceptSafetyTimeout = 120 * time.Second

	maxConcurrentUploads = 3
)

// ClientOptions configures FileSender and TextSender.
type ClientOptions struct {
	Alias       string
	DeviceModel string
	DeviceType  string

	// Fingerprint is the local identity presented in handshakes.
	Fingerprint string

	Port     int
	Protocol string
	Download bool

	OnAccepted  func()
	OnProgress  func(fraction float64)
	OnCancelled func()

	Logger *slog.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Alias == "" {
		out.Alias = "AirSend"
	}
	if out.Port == 0 {
		out.Port = wire.DefaultPort
	}
	if out.Protocol == "" {
		out.Protocol = wire.SchemeHTTP
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (o ClientOptions) validate() error {
	if strings.TrimSpace(o.Fingerprint) == "" {
		return errors.New("network: client fingerprint is required")
	}
	return nil
}

func (o ClientOptions) registerInfo() wire.RegisterInfo {
	return wire.RegisterInfo{
		Alias:       o.Alias,
		Version:     wire.ProtocolVersion,
		DeviceModel: o.DeviceModel,
		DeviceType:  o.DeviceType,
		Fingerprint: o.Fingerprint,
		Port:        o.Port,
		Protocol:    o.Protocol,
		Download:    o.Download,
	}
}

// outboundFile ties one manifest entry to its on-disk source.
type outboundFile struct {
	desc wire.FileDescriptor
	path string
	temp bool
}

// FileSender performs one outbound multi-file transfer at a time.
type FileSender struct {
	opts ClientOptions

	mu        sync.Mutex
	cancel    context.CancelFunc
	abortErr  error
	cancelled bool
}

// NewFileSender validates options and builds an idle sender.
func NewFileSender(options ClientOptions) (*FileSender, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &FileSender{opts: opts}, nil
}

// Cancel aborts the in-flight send, if any. The cancelled callback fires
// exactly once; errors the abort provokes fold into the cancelled outcome.
func (s *FileSender) Cancel() {
	s.mu.Lock()
	if s.cancelled || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.abortErr = ErrCancelled
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	if s.opts.OnCancelled != nil {
		s.opts.OnCancelled()
	}
}

// Send transfers the given paths to the peer. Directories are zipped into
// temporary archives first. The preferred scheme is tried first with one
// fallback to the opposite scheme on non-terminal failures.
func (s *FileSender) Send(ctx context.Context, peer wire.Peer, paths []string) error {
	if len(paths) == 0 {
		return errors.New("network: no files to send")
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.cancelled = false
	s.abortErr = nil
	s.mu.Unlock()
	// A Cancel arriving after the operation finished must not fire the
	// cancelled callback for it.
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	files, total, err := buildManifest(paths)
	// Temp archives survive until after the fallback attempt; a retry must
	// see the same files the first attempt advertised.
	defer cleanupTemp(files)
	if err != nil {
		return err
	}

	tracker := &progressTracker{total: total, emit: s.opts.OnProgress}

	var lastErr error
	for _, scheme := range orderedSchemes(peer) {
		err := s.attempt(opCtx, scheme, peer, files, tracker)
		if err == nil {
			return nil
		}
		if folded := s.foldAbort(err); folded != nil {
			return folded
		}
		if isSendTerminal(err) {
			return err
		}
		lastErr = err
		s.opts.Logger.Debug("client: scheme attempt failed", "scheme", scheme, "peer", peer.Alias, "error", err)
	}
	return classifyTransient(lastErr)
}

// foldAbort rewrites errors caused by a local Cancel or the safety timer
// into their real reason.
func (s *FileSender) foldAbort(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortErr != nil && (errors.Is(err, context.Canceled) || s.cancelled) {
		return s.abortErr
	}
	return nil
}

func (s *FileSender) attempt(ctx context.Context, scheme string, peer wire.Peer, files []outboundFile, tracker *progressTracker) error {
	client := newPinnedClient(scheme, peer.ID)
	defer client.CloseIdleConnections()

	// Safety timer: if the peer never answers the handshake, give up on the
	// whole operation. Acceptance disarms it.
	timer := time.AfterFunc(acceptSafetyTimeout, func() {
		s.mu.Lock()
		if s.abortErr == nil {
			s.abortErr = ErrRequestTimeout
		}
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	defer timer.Stop()

	manifest := make(map[string]wire.FileDescriptor, len(files))
	for _, f := range files {
		manifest[f.desc.ID] = f.desc
	}

	prepared, err := prepareUpload(ctx, client, peer.BaseURL(scheme), s.opts.registerInfo(), manifest, true)
	if err != nil {
		return err
	}
	timer.Stop()
	if prepared == nil {
		// 204: the peer wants none of the files. Successful no-op.
		return nil
	}

	if s.opts.OnAccepted != nil {
		s.opts.OnAccepted()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentUploads)
	for _, file := range files {
		token, ok := prepared.Files[file.desc.ID]
		if !ok {
			tracker.setSent(file.desc.ID, file.desc.Size)
			continue
		}
		file := file
		group.Go(func() error {
			return s.uploadFile(groupCtx, client, peer.BaseURL(scheme), prepared.SessionID, file, token, tracker)
		})
	}

	if err := group.Wait(); err != nil {
		// Post-accept breakage is almost always the receiving user hitting
		// cancel, so report it as such rather than a generic failure.
		if isConnectionLost(err) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrPeerCancelled, err)
		}
		return err
	}
	return nil
}

func (s *FileSender) uploadFile(ctx context.Context, client *http.Client, baseURL, sessionID string, file outboundFile, token string, tracker *progressTracker) error {
	source, err := os.Open(file.path)
	if err != nil {
		return fmt.Errorf("open %q: %w", file.path, err)
	}
	defer source.Close()

	endpoint := fmt.Sprintf("%s%s?%s", baseURL, apiUpload, url.Values{
		"sessionId": {sessionID},
		"fileId":    {file.desc.ID},
		"token":     {token},
	}.Encode())

	body := &countingReader{
		source:  source,
		fileID:  file.desc.ID,
		tracker: tracker,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = file.desc.Size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %q: %w", file.desc.FileName, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload %q: peer answered %d", file.desc.FileName, resp.StatusCode)
	}
	tracker.setSent(file.desc.ID, file.desc.Size)
	return nil
}

// prepareUpload posts the manifest. Connection-level failures retry on a
// constant interval inside a bounded window; any received response ends the
// retrying for good. A nil response with nil error is the 204 no-op case.
func prepareUpload(ctx context.Context, client *http.Client, baseURL string, info wire.RegisterInfo, files map[string]wire.FileDescriptor, retry bool) (*wire.PrepareUploadResponse, error) {
	payload, err := json.Marshal(wire.PrepareUploadRequest{Info: info, Files: files})
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	var prepared *wire.PrepareUploadResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+apiPrepareUpload, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if retry && isTransientConnErr(err) && !isTerminalConnErr(err) {
				return fmt.Errorf("prepare-upload: %w", err)
			}
			if errors.Is(err, syscall.ECONNREFUSED) {
				// Nothing is listening; the device is gone or asleep.
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrDeviceOffline, err))
			}
			return backoff.Permanent(fmt.Errorf("prepare-upload: %w", err))
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var out wire.PrepareUploadResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode prepare-upload response: %w", err))
			}
			prepared = &out
			return nil
		case http.StatusNoContent:
			return nil
		case http.StatusForbidden:
			return backoff.Permanent(ErrDeclined)
		default:
			return backoff.Permanent(fmt.Errorf("prepare-upload: peer answered %d", resp.StatusCode))
		}
	}

	if !retry {
		if err := operation(); err != nil {
			return nil, unwrapPermanent(err)
		}
		return prepared, nil
	}

	policy := backoff.WithContext(newHandshakePolicy(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, unwrapPermanent(err)
	}
	return prepared, nil
}

func newHandshakePolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = handshakeRetryInterval
	policy.Multiplier = 1
	policy.RandomizationFactor = 0
	policy.MaxInterval = handshakeRetryInterval
	policy.MaxElapsedTime = handshakeRetryWindow
	return policy
}

func unwrapPermanent(err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// isSendTerminal reports errors where the opposite-scheme fallback makes no
// sense.
func isSendTerminal(err error) bool {
	return errors.Is(err, ErrDeclined) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrPeerCancelled) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrDeviceOffline) ||
		isTerminalConnErr(err)
}

// classifyTransient converts an exhausted transient failure into its
// user-facing sentinel.
func classifyTransient(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceOffline, err)
}

func orderedSchemes(peer wire.Peer) []string {
	if peer.PreferredScheme() == wire.SchemeHTTPS {
		return []string{wire.SchemeHTTPS, wire.SchemeHTTP}
	}
	return []string{wire.SchemeHTTP, wire.SchemeHTTPS}
}

// newPinnedClient builds an HTTP client that accepts the peer's self-signed
// certificate but pins its SHA-256 fingerprint when one is known.
func newPinnedClient(scheme, peerFingerprint string) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		ForceAttemptHTTP2: false,
	}
	if scheme == wire.SchemeHTTPS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify:    true,
			MinVersion:            tls.VersionTLS12,
			VerifyPeerCertificate: pinVerifier(peerFingerprint),
		}
	}
	return &http.Client{Transport: transport}
}

func pinVerifier(fingerprint string) func(rawCerts [][]byte, chains [][]*x509.Certificate) error {
	if len(fingerprint) != 64 {
		// Fingerprint unknown; trust is deferred to the user.
		return nil
	}
	want := strings.ToLower(fingerprint)
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer presented no certificate")
		}
		sum := sha256.Sum256(rawCerts[0])
		got := hex.EncodeToString(sum[:])
		if got != want {
			return fmt.Errorf("certificate fingerprint mismatch: got %s", got)
		}
		return nil
	}
}

// buildManifest assigns ids and descriptors to the inputs. Directories are
// zipped into temp archives because the protocol only moves flat files.
func buildManifest(paths []string) ([]outboundFile, int64, error) {
	var (
		files []outboundFile
		total int64
	)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return files, 0, fmt.Errorf("stat %q: %w", path, err)
		}

		entry := outboundFile{path: path}
		name := filepath.Base(path)
		if info.IsDir() {
			archive, err := zipDirectory(path)
			if err != nil {
				return files, 0, err
			}
			entry.path = archive
			entry.temp = true
			name += ".zip"
			if info, err = os.Stat(archive); err != nil {
				return files, 0, fmt.Errorf("stat archive: %w", err)
			}
		}

		entry.desc = wire.FileDescriptor{
			ID:       uuid.NewString(),
			FileName: name,
			Size:     info.Size(),
			FileType: fileMIMEType(name),
		}
		files = append(files, entry)
		total += entry.desc.Size
	}
	return files, total, nil
}

func cleanupTemp(files []outboundFile) {
	for _, f := range files {
		if f.temp {
			_ = os.Remove(f.path)
		}
	}
}

func fileMIMEType(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		if base, _, err := mime.ParseMediaType(t); err == nil {
			return base
		}
		return t
	}
	return "application/octet-stream"
}

// progressTracker aggregates per-file sent bytes into one 0..1 fraction.
type progressTracker struct {
	mu    sync.Mutex
	total int64
	sent  map[string]int64
	emit  func(fraction float64)
}

func (t *progressTracker) add(fileID string, delta int64) {
	t.update(fileID, func(current int64) int64 { return current + delta })
}

// setSent pins a file's counter to its final size so a completed upload
// never reads as partially sent.
func (t *progressTracker) setSent(fileID string, size int64) {
	t.update(fileID, func(int64) int64 { return size })
}

func (t *progressTracker) update(fileID string, next func(int64) int64) {
	t.mu.Lock()
	if t.sent == nil {
		t.sent = make(map[string]int64)
	}
	t.sent[fileID] = next(t.sent[fileID])

	frac := 1.0
	if t.total > 0 {
		var sum int64
		for _, n := range t.sent {
			sum += n
		}
		frac = float64(sum) / float64(t.total)
		if frac > 1 {
			frac = 1
		}
	}
	emit := t.emit
	t.mu.Unlock()

	if emit != nil {
		emit(frac)
	}
}

// countingReader feeds read deltas into the tracker as the HTTP client
// drains the request body.
type countingReader struct {
	source  io.Reader
	fileID  string
	tracker *progressTracker
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	if n > 0 {
		r.tracker.add(r.fileID, int64(n))
	}
	return n, err
}
