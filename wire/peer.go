package wire

import (
	"fmt"
	"strings"
	"time"
)

// Peer is a remote device learned through discovery or direct registration.
// Identity is the certificate fingerprint; LastSeen drives expiry policy
// owned by the caller. Value type, immutable once constructed.
type Peer struct {
	ID          string
	Alias       string
	IP          string
	Port        int
	DeviceModel string
	DeviceType  string
	Version     string
	HTTPS       bool
	Download    bool
	LastSeen    time.Time
}

// PeerFromAnnouncement builds a Peer from a discovery packet and the
// normalized source address it arrived from.
func PeerFromAnnouncement(a Announcement, ip string) Peer {
	port := a.Port
	if port == 0 {
		port = DefaultPort
	}
	return Peer{
		ID:          a.Fingerprint,
		Alias:       a.Alias,
		IP:          ip,
		Port:        port,
		DeviceModel: a.DeviceModel,
		DeviceType:  a.DeviceType,
		Version:     a.Version,
		HTTPS:       a.Protocol == SchemeHTTPS,
		Download:    a.Download,
		LastSeen:    time.Now(),
	}
}

// PeerFromRegisterInfo builds a Peer from a register call and the normalized
// remote address of the connection it arrived on.
func PeerFromRegisterInfo(info RegisterInfo, ip string) Peer {
	port := info.Port
	if port == 0 {
		port = DefaultPort
	}
	version := info.Version
	if version == "" {
		version = "2.0"
	}
	return Peer{
		ID:          info.Fingerprint,
		Alias:       info.Alias,
		IP:          ip,
		Port:        port,
		DeviceModel: info.DeviceModel,
		DeviceType:  info.DeviceType,
		Version:     version,
		HTTPS:       info.Protocol == SchemeHTTPS,
		Download:    info.Download,
		LastSeen:    time.Now(),
	}
}

// PreferredScheme returns the scheme the peer advertised.
func (p Peer) PreferredScheme() string {
	if p.HTTPS {
		return SchemeHTTPS
	}
	return SchemeHTTP
}

// BaseURL returns "scheme://host:port" with IPv6 literals bracketed.
func (p Peer) BaseURL(scheme string) string {
	host := p.IP
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, p.Port)
}

// NormalizeAddr strips an IPv6 zone suffix and maps IPv4-mapped-IPv6
// addresses back to plain IPv4.
func NormalizeAddr(addr string) string {
	if i := strings.IndexByte(addr, '%'); i >= 0 {
		addr = addr[:i]
	}
	addr = strings.TrimPrefix(addr, "::ffff:")
	return addr
}
