// Package discovery finds peers on the local network. The primary channel is
// the LocalSend UDP protocol: JSON announcements over a well-known multicast
// group plus subnet broadcast. An optional mDNS channel supplements it for
// networks that filter multicast.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"airsend/wire"
)

const (
	// MulticastGroup is the LocalSend discovery multicast address.
	MulticastGroup = "224.0.0.167"
	// BroadcastAddress is the fallback subnet broadcast target.
	BroadcastAddress = "255.255.255.255"
	// DefaultListenPort is the well-known discovery port.
	DefaultListenPort = 53317

	maxDatagramSize = 16 * 1024
)

// scanBurstDelays staggers announcements during a manual scan to improve
// discovery odds on lossy Wi-Fi without flooding.
var scanBurstDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Config controls the UDP discovery service.
type Config struct {
	Alias       string
	DeviceModel string
	DeviceType  string
	Fingerprint string
	// Port is the HTTP(S) transfer port advertised in announcements.
	Port     int
	Protocol string
	Download bool

	// ListenPort overrides the well-known discovery port, used by tests.
	ListenPort int

	// OnPeer receives every discovered or refreshed peer. The peer table
	// itself is owned by the caller.
	OnPeer func(wire.Peer)

	Logger *slog.Logger

	// sendFn overrides datagram sending in tests.
	sendFn func(payload []byte) error
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port == 0 {
		out.Port = wire.DefaultPort
	}
	if out.Protocol == "" {
		out.Protocol = wire.SchemeHTTP
	}
	if out.ListenPort == 0 {
		out.ListenPort = DefaultListenPort
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Alias) == "" {
		return errors.New("discovery: alias is required")
	}
	if strings.TrimSpace(c.Fingerprint) == "" {
		return errors.New("discovery: fingerprint is required")
	}
	return nil
}

// Service sends and receives LocalSend UDP announcements.
type Service struct {
	cfg Config

	listenConn net.PacketConn
	packetConn *ipv4.PacketConn
	sendConn   net.PacketConn

	startOnce sync.Once
	stopOnce  sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewService creates a discovery service; Start binds the sockets.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Service{
		cfg:    cfg,
		closed: make(chan struct{}),
	}, nil
}

// Start joins the multicast group, opens the broadcast send socket and
// launches the receive loop.
func (s *Service) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		listenConn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", s.cfg.ListenPort))
		if err != nil {
			startErr = fmt.Errorf("bind discovery port %d: %w", s.cfg.ListenPort, err)
			return
		}
		s.listenConn = listenConn
		s.packetConn = ipv4.NewPacketConn(listenConn)
		s.joinMulticastGroups()

		sendConn, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			_ = listenConn.Close()
			startErr = fmt.Errorf("open announcement socket: %w", err)
			return
		}
		s.sendConn = sendConn

		s.wg.Add(1)
		go s.receiveLoop()
	})
	return startErr
}

// joinMulticastGroups subscribes every multicast-capable up interface to the
// discovery group, best-effort.
func (s *Service) joinMulticastGroups() {
	group := &net.UDPAddr{IP: net.ParseIP(MulticastGroup)}

	ifaces, err := net.Interfaces()
	if err != nil {
		s.cfg.Logger.Warn("discovery: list interfaces failed", "error", err)
		return
	}

	joined := 0
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := s.packetConn.JoinGroup(iface, group); err != nil {
			continue
		}
		joined++
	}
	if joined == 0 {
		s.cfg.Logger.Warn("discovery: no multicast group membership, relying on broadcast")
	}
}

// Stop releases all sockets. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.closed)
		if s.listenConn != nil {
			_ = s.listenConn.Close()
		}
		if s.sendConn != nil {
			_ = s.sendConn.Close()
		}
		s.wg.Wait()
	})
}

// SendAnnouncement emits the local announcement via multicast and broadcast.
// Send failures are logged, never fatal.
func (s *Service) SendAnnouncement() {
	s.sendPayload(s.announcement(true))
}

// TriggerScan emits a staggered burst of announcements.
func (s *Service) TriggerScan() {
	for _, delay := range scanBurstDelays {
		timer := time.AfterFunc(delay, s.SendAnnouncement)
		go func() {
			<-s.closed
			timer.Stop()
		}()
	}
}

// announcement builds the local payload; announce true marks it as a packet
// expecting replies, false as a direct response.
func (s *Service) announcement(announce bool) []byte {
	payload, err := json.Marshal(wire.Announcement{
		Alias:          s.cfg.Alias,
		Version:        wire.ProtocolVersion,
		DeviceModel:    s.cfg.DeviceModel,
		DeviceType:     s.cfg.DeviceType,
		Fingerprint:    s.cfg.Fingerprint,
		Port:           s.cfg.Port,
		Protocol:       s.cfg.Protocol,
		Download:       s.cfg.Download,
		AnnouncementV1: announce,
		Announce:       announce,
	})
	if err != nil {
		// The announcement struct always marshals; keep the contract local.
		panic(err)
	}
	return payload
}

func (s *Service) sendPayload(payload []byte) {
	if s.cfg.sendFn != nil {
		if err := s.cfg.sendFn(payload); err != nil {
			s.cfg.Logger.Warn("discovery: announcement send failed", "error", err)
		}
		return
	}
	if s.sendConn == nil {
		return
	}

	targets := []net.Addr{
		&net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: s.cfg.ListenPort},
		&net.UDPAddr{IP: net.ParseIP(BroadcastAddress), Port: s.cfg.ListenPort},
	}
	for _, target := range targets {
		if _, err := s.sendConn.WriteTo(payload, target); err != nil {
			s.cfg.Logger.Warn("discovery: announcement send failed", "target", target.String(), "error", err)
		}
	}
}

// receiveLoop reads announcement datagrams until Stop. Read errors restart
// the loop rather than ending discovery.
func (s *Service) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.listenConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.cfg.Logger.Warn("discovery: receive failed, continuing", "error", err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.handleDatagram(payload, addr)
	}
}

// handleDatagram decodes one packet, emits the peer and answers
// announcements so both sides learn of each other from a single broadcast.
func (s *Service) handleDatagram(payload []byte, src net.Addr) {
	announcement, err := wire.DecodeAnnouncement(payload)
	if err != nil {
		s.cfg.Logger.Debug("discovery: dropping malformed packet", "source", addrString(src), "error", err)
		return
	}
	if announcement.Fingerprint == "" || announcement.Fingerprint == s.cfg.Fingerprint {
		return
	}

	ip := wire.NormalizeAddr(addrHost(src))
	peer := wire.PeerFromAnnouncement(announcement, ip)

	s.cfg.Logger.Debug("discovery: peer seen", "alias", peer.Alias, "ip", peer.IP, "port", peer.Port)
	if s.cfg.OnPeer != nil {
		s.cfg.OnPeer(peer)
	}

	if announcement.IsAnnouncement() {
		s.sendPayload(s.announcement(false))
	}
}

func addrHost(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
