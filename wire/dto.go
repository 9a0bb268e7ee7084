// Package wire implements the LocalSend v2 wire formats: the JSON DTOs
// exchanged over UDP discovery and the HTTP transfer endpoints, plus the
// minimal HTTP/1.1 request framing the transfer server parses by hand.
package wire

import "encoding/json"

const (
	// ProtocolVersion is the announced protocol version, format major.minor.
	ProtocolVersion = "2.1"
	// DefaultPort is the well-known LocalSend port for UDP and HTTP traffic.
	DefaultPort = 53317

	// SchemeHTTP and SchemeHTTPS are the two transfer URL schemes.
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// RegisterInfo identifies a device in register and prepare-upload requests.
//
// Every field besides Alias, Version and Fingerprint is optional; v1 peers
// omit them and v2 peers may null them.
type RegisterInfo struct {
	Alias       string `json:"alias"`
	Version     string `json:"version"`
	DeviceModel string `json:"deviceModel,omitempty"`
	DeviceType  string `json:"deviceType,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Port        int    `json:"port,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	Download    bool   `json:"download,omitempty"`
}

// FileDescriptor describes one file offered in a prepare-upload manifest.
// Immutable once placed in a manifest.
type FileDescriptor struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	FileType string `json:"fileType"`
	SHA256   string `json:"sha256,omitempty"`
	Preview  string `json:"preview,omitempty"`
}

// PrepareUploadRequest is the body of POST /api/localsend/v2/prepare-upload.
type PrepareUploadRequest struct {
	Info  RegisterInfo              `json:"info"`
	Files map[string]FileDescriptor `json:"files"`
}

// PrepareUploadResponse carries the session ID and per-file upload tokens.
type PrepareUploadResponse struct {
	SessionID string            `json:"sessionId"`
	Files     map[string]string `json:"files"`
}

// Announcement is the UDP discovery payload, shared by multicast and
// broadcast in both directions.
//
// AnnouncementV1 (json "announcement") is the v1 flag, Announce (json
// "announce") the v2 flag; a receiver treats either as "this packet expects a
// response", as opposed to being a direct reply.
type Announcement struct {
	Alias          string `json:"alias"`
	Version        string `json:"version"`
	DeviceModel    string `json:"deviceModel,omitempty"`
	DeviceType     string `json:"deviceType,omitempty"`
	Fingerprint    string `json:"fingerprint"`
	Port           int    `json:"port,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	Download       bool   `json:"download,omitempty"`
	AnnouncementV1 bool   `json:"announcement,omitempty"`
	Announce       bool   `json:"announce,omitempty"`
}

// IsAnnouncement reports whether the packet asks to be answered.
func (a Announcement) IsAnnouncement() bool {
	return a.AnnouncementV1 || a.Announce
}

// DecodeAnnouncement parses a discovery datagram.
func DecodeAnnouncement(raw []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(raw, &a); err != nil {
		return Announcement{}, err
	}
	return a, nil
}
