package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"unicode/utf8"

	"github.com/google/uuid"

	"airsend/wire"
)

// Text previews are capped so an announcement-sized DTO stays small even
// when the clipboard holds a novel.
const textPreviewLimit = 2048

// TextSender ships one small in-memory payload, clipboard text or an image,
// without the pool, retry window or temp files of FileSender.
type TextSender struct {
	opts ClientOptions
}

// NewTextSender validates options and builds a sender.
func NewTextSender(options ClientOptions) (*TextSender, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &TextSender{opts: opts}, nil
}

// SendText delivers clipboard text as a .txt file with an inline preview.
func (s *TextSender) SendText(ctx context.Context, peer wire.Peer, text string) error {
	desc := wire.FileDescriptor{
		ID:       uuid.NewString(),
		FileName: "clipboard.txt",
		Size:     int64(len(text)),
		FileType: "text/plain",
		Preview:  textPreview(text),
	}
	return s.send(ctx, peer, desc, []byte(text))
}

// SendBlob delivers one named in-memory payload, an image for instance.
func (s *TextSender) SendBlob(ctx context.Context, peer wire.Peer, name string, payload []byte) error {
	desc := wire.FileDescriptor{
		ID:       uuid.NewString(),
		FileName: sanitizeFileName(name),
		Size:     int64(len(payload)),
		FileType: fileMIMEType(name),
	}
	return s.send(ctx, peer, desc, payload)
}

func (s *TextSender) send(ctx context.Context, peer wire.Peer, desc wire.FileDescriptor, payload []byte) error {
	manifest := map[string]wire.FileDescriptor{desc.ID: desc}

	var lastErr error
	for _, scheme := range orderedSchemes(peer) {
		err := s.attempt(ctx, scheme, peer, desc, manifest, payload)
		if err == nil {
			return nil
		}
		if isSendTerminal(err) {
			return err
		}
		lastErr = err
		s.opts.Logger.Debug("client: text attempt failed", "scheme", scheme, "peer", peer.Alias, "error", err)
	}
	return classifyTransient(lastErr)
}

func (s *TextSender) attempt(ctx context.Context, scheme string, peer wire.Peer, desc wire.FileDescriptor, manifest map[string]wire.FileDescriptor, payload []byte) error {
	client := newPinnedClient(scheme, peer.ID)
	defer client.CloseIdleConnections()

	baseURL := peer.BaseURL(scheme)
	prepared, err := prepareUpload(ctx, client, baseURL, s.opts.registerInfo(), manifest, false)
	if err != nil {
		return err
	}
	if prepared == nil {
		return nil
	}
	if s.opts.OnAccepted != nil {
		s.opts.OnAccepted()
	}

	token, ok := prepared.Files[desc.ID]
	if !ok {
		return nil
	}

	endpoint := fmt.Sprintf("%s%s?%s", baseURL, apiUpload, url.Values{
		"sessionId": {prepared.SessionID},
		"fileId":    {desc.ID},
		"token":     {token},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %q: %w", desc.FileName, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload %q: peer answered %d", desc.FileName, resp.StatusCode)
	}
	return nil
}

// textPreview truncates on a rune boundary.
func textPreview(text string) string {
	if len(text) <= textPreviewLimit {
		return text
	}
	cut := textPreviewLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
